package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(opts ConditionRegistryOptions) *ConditionRegistry {
	return NewConditionRegistry(opts)
}

func businessHours() Condition {
	return Condition{
		Kind: ConditionTimeBased,
		Params: map[string]any{
			"days":  []any{"monday", "tuesday", "wednesday", "thursday", "friday"},
			"start": "09:00",
			"end":   "17:00",
		},
	}
}

func TestTimeBasedCondition(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})
	cond := businessHours()

	monday10 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	if !reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: monday10}) {
		t.Fatal("expected monday 10:00 to pass")
	}

	monday22 := time.Date(2025, 3, 3, 22, 0, 0, 0, time.UTC)
	if reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: monday22}) {
		t.Fatal("expected monday 22:00 to fail")
	}

	saturday10 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: saturday10}) {
		t.Fatal("expected saturday to fail")
	}
}

func TestTimeBasedConditionWrapsMidnight(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})
	cond := Condition{
		Kind:   ConditionTimeBased,
		Params: map[string]any{"start": "22:00", "end": "06:00"},
	}

	at23 := time.Date(2025, 3, 3, 23, 30, 0, 0, time.UTC)
	if !reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: at23}) {
		t.Fatal("expected 23:30 inside wrapped window")
	}
	at03 := time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)
	if !reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: at03}) {
		t.Fatal("expected 03:00 inside wrapped window")
	}
	at12 := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	if reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: at12}) {
		t.Fatal("expected 12:00 outside wrapped window")
	}
}

func TestLocationBasedCondition(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})

	byCountry := Condition{
		Kind:   ConditionLocationBased,
		Params: map[string]any{"countries": []any{"DE", "NL"}},
	}
	in := EvalInput{Context: RequestContext{"country": "de"}, Now: time.Now()}
	if !reg.Passes(context.Background(), []Condition{byCountry}, in) {
		t.Fatal("expected country match (case-insensitive)")
	}
	in.Context = RequestContext{"country": "US"}
	if reg.Passes(context.Background(), []Condition{byCountry}, in) {
		t.Fatal("expected country mismatch to fail")
	}

	byNetwork := Condition{
		Kind:   ConditionLocationBased,
		Params: map[string]any{"networks": []any{"10.0.0.0/8"}},
	}
	in.Context = RequestContext{"ip": "10.1.2.3"}
	if !reg.Passes(context.Background(), []Condition{byNetwork}, in) {
		t.Fatal("expected CIDR match")
	}
	in.Context = RequestContext{"ip": "192.168.1.1"}
	if reg.Passes(context.Background(), []Condition{byNetwork}, in) {
		t.Fatal("expected IP outside CIDR to fail")
	}
	in.Context = RequestContext{"ip": "not-an-ip"}
	if reg.Passes(context.Background(), []Condition{byNetwork}, in) {
		t.Fatal("expected unparseable IP to fail closed")
	}
}

func TestAttributeBasedCondition(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})

	equals := Condition{
		Kind:   ConditionAttributeBased,
		Params: map[string]any{"attribute": "department", "equals": "finance"},
	}
	in := EvalInput{Context: RequestContext{"department": "finance"}, Now: time.Now()}
	if !reg.Passes(context.Background(), []Condition{equals}, in) {
		t.Fatal("expected equals match")
	}
	in.Context = RequestContext{"department": "sales"}
	if reg.Passes(context.Background(), []Condition{equals}, in) {
		t.Fatal("expected equals mismatch to fail")
	}
	in.Context = RequestContext{}
	if reg.Passes(context.Background(), []Condition{equals}, in) {
		t.Fatal("expected missing attribute to fail")
	}

	inList := Condition{
		Kind:   ConditionAttributeBased,
		Params: map[string]any{"attribute": "clearance", "in": []any{"secret", "topsecret"}},
	}
	in.Context = RequestContext{"clearance": "secret"}
	if !reg.Passes(context.Background(), []Condition{inList}, in) {
		t.Fatal("expected in-list match")
	}
}

func TestUnknownKindFailsClosed(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})
	cond := Condition{Kind: ConditionKind("biometric"), Params: map[string]any{}}
	if reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected unknown kind to fail closed")
	}
}

func TestConditionsAreConjunctive(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})
	pass := Condition{
		Kind:   ConditionAttributeBased,
		Params: map[string]any{"attribute": "a", "equals": "1"},
	}
	fail := Condition{
		Kind:   ConditionAttributeBased,
		Params: map[string]any{"attribute": "b", "equals": "2"},
	}
	in := EvalInput{Context: RequestContext{"a": "1"}, Now: time.Now()}
	if reg.Passes(context.Background(), []Condition{pass, fail}, in) {
		t.Fatal("expected one failing condition to fail the set")
	}
	if !reg.Passes(context.Background(), nil, in) {
		t.Fatal("expected empty condition set to pass")
	}
}

func TestCustomPredicate(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{})
	reg.RegisterPredicate("always", func(ctx context.Context, in EvalInput) (bool, error) {
		return true, nil
	})

	registered := Condition{Kind: ConditionCustom, Params: map[string]any{"name": "always"}}
	if !reg.Passes(context.Background(), []Condition{registered}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected registered predicate to pass")
	}

	missing := Condition{Kind: ConditionCustom, Params: map[string]any{"name": "nope"}}
	if reg.Passes(context.Background(), []Condition{missing}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected unregistered predicate to fail closed")
	}
}

type stubApprovals struct {
	approved map[string]bool
	err      error
}

func (s stubApprovals) Approved(_ context.Context, ref string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.approved[ref], nil
}

func TestApprovalBasedCondition(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{
		Approvals: stubApprovals{approved: map[string]bool{"ticket-7": true}},
	})
	cond := func(ref string) Condition {
		return Condition{Kind: ConditionApprovalBased, Params: map[string]any{"reference": ref}}
	}
	if !reg.Passes(context.Background(), []Condition{cond("ticket-7")}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected approved reference to pass")
	}
	if reg.Passes(context.Background(), []Condition{cond("ticket-8")}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected unapproved reference to fail")
	}

	broken := newTestRegistry(ConditionRegistryOptions{
		Approvals: stubApprovals{err: errors.New("workflow down")},
	})
	if broken.Passes(context.Background(), []Condition{cond("ticket-7")}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected checker error to fail closed")
	}
}

type stubQuota struct {
	used int64
	err  error
}

func (s *stubQuota) Increment(_ context.Context, _ string, _ time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.used++
	return s.used, nil
}

func TestQuotaBasedCondition(t *testing.T) {
	counter := &stubQuota{}
	reg := newTestRegistry(ConditionRegistryOptions{Quotas: counter})
	cond := Condition{
		Kind:   ConditionQuotaBased,
		Params: map[string]any{"key": "exports", "limit": 2, "window": "1h"},
	}
	in := EvalInput{PrincipalID: "alice", Now: time.Now()}

	for i := 0; i < 2; i++ {
		if !reg.Passes(context.Background(), []Condition{cond}, in) {
			t.Fatalf("expected use %d within quota", i+1)
		}
	}
	if reg.Passes(context.Background(), []Condition{cond}, in) {
		t.Fatal("expected third use to exceed quota")
	}
}

func TestConditionTimeoutFailsClosed(t *testing.T) {
	reg := newTestRegistry(ConditionRegistryOptions{Timeout: 10 * time.Millisecond})
	reg.Register(ConditionKind("slow"), EvaluatorFunc(func(ctx context.Context, _ Condition, _ EvalInput) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}))
	cond := Condition{Kind: ConditionKind("slow"), Params: map[string]any{}}
	if reg.Passes(context.Background(), []Condition{cond}, EvalInput{Now: time.Now()}) {
		t.Fatal("expected timed-out evaluation to fail closed")
	}
}
