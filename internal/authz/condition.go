package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"
)

// ConditionKind discriminates condition payloads.
type ConditionKind string

const (
	ConditionTimeBased      ConditionKind = "time_based"
	ConditionLocationBased  ConditionKind = "location_based"
	ConditionAttributeBased ConditionKind = "attribute_based"
	ConditionApprovalBased  ConditionKind = "approval_based"
	ConditionQuotaBased     ConditionKind = "quota_based"
	ConditionCustom         ConditionKind = "custom"
)

// Condition is a runtime predicate attached to a grant. Params are
// kind-specific and stored as JSON alongside the grant.
type Condition struct {
	Kind   ConditionKind  `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// RequestContext carries caller-supplied environmental data (IP, country,
// arbitrary attributes) into condition evaluation.
type RequestContext map[string]any

// EvalInput bundles everything an evaluator may inspect for one grant check.
type EvalInput struct {
	PrincipalID string
	Permission  string
	Resource    *ResourceRef
	Context     RequestContext
	Now         time.Time
}

// Evaluator decides whether a single condition holds.
type Evaluator interface {
	Evaluate(ctx context.Context, cond Condition, in EvalInput) (bool, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, cond Condition, in EvalInput) (bool, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, cond Condition, in EvalInput) (bool, error) {
	return f(ctx, cond, in)
}

// PredicateFunc is a named predicate for custom conditions.
type PredicateFunc func(ctx context.Context, in EvalInput) (bool, error)

// ApprovalChecker resolves approval references for approval_based conditions.
// Implementations typically consult the store or an external workflow system.
type ApprovalChecker interface {
	Approved(ctx context.Context, reference string) (bool, error)
}

// QuotaCounter increments and returns a windowed usage counter for
// quota_based conditions.
type QuotaCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ConditionRegistryOptions configures NewConditionRegistry.
type ConditionRegistryOptions struct {
	Logger *slog.Logger
	// Timeout bounds a single evaluation of kinds that may perform I/O
	// (approval, quota, custom). Zero means 2s.
	Timeout   time.Duration
	Approvals ApprovalChecker
	Quotas    QuotaCounter
}

// ConditionRegistry dispatches condition evaluation by kind. All failures are
// closed: an unknown kind, malformed params, evaluator error, or timeout
// resolves to "condition failed", never to a fatal error.
type ConditionRegistry struct {
	kinds      map[ConditionKind]Evaluator
	predicates map[string]PredicateFunc
	timeout    time.Duration
	logger     *slog.Logger
}

// NewConditionRegistry builds a registry with the built-in kinds installed.
func NewConditionRegistry(opts ConditionRegistryOptions) *ConditionRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &ConditionRegistry{
		kinds:      make(map[ConditionKind]Evaluator),
		predicates: make(map[string]PredicateFunc),
		timeout:    timeout,
		logger:     logger,
	}
	r.Register(ConditionTimeBased, EvaluatorFunc(evalTimeBased))
	r.Register(ConditionLocationBased, EvaluatorFunc(evalLocationBased))
	r.Register(ConditionAttributeBased, EvaluatorFunc(evalAttributeBased))
	r.Register(ConditionApprovalBased, approvalEvaluator{checker: opts.Approvals})
	r.Register(ConditionQuotaBased, quotaEvaluator{counter: opts.Quotas})
	r.Register(ConditionCustom, EvaluatorFunc(r.evalCustom))
	return r
}

// Register installs or replaces the evaluator for a kind.
func (r *ConditionRegistry) Register(kind ConditionKind, ev Evaluator) {
	r.kinds[kind] = ev
}

// RegisterPredicate installs a named predicate for custom conditions.
func (r *ConditionRegistry) RegisterPredicate(name string, fn PredicateFunc) {
	r.predicates[name] = fn
}

// Passes evaluates every condition with AND semantics. An empty slice passes.
func (r *ConditionRegistry) Passes(ctx context.Context, conds []Condition, in EvalInput) bool {
	for _, cond := range conds {
		if !r.passesOne(ctx, cond, in) {
			return false
		}
	}
	return true
}

func (r *ConditionRegistry) passesOne(ctx context.Context, cond Condition, in EvalInput) bool {
	ev, ok := r.kinds[cond.Kind]
	if !ok {
		r.logger.Warn("unknown condition kind", slog.String("kind", string(cond.Kind)))
		return false
	}
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	passed, err := ev.Evaluate(evalCtx, cond, in)
	if err != nil {
		r.logger.Warn("condition evaluation failed",
			slog.String("kind", string(cond.Kind)),
			slog.String("principal", in.PrincipalID),
			slog.Any("error", err))
		return false
	}
	return passed
}

func (r *ConditionRegistry) evalCustom(ctx context.Context, cond Condition, in EvalInput) (bool, error) {
	name, err := paramString(cond.Params, "name")
	if err != nil {
		return false, err
	}
	fn, ok := r.predicates[name]
	if !ok {
		return false, fmt.Errorf("custom predicate %q not registered", name)
	}
	return fn(ctx, in)
}

// evalTimeBased checks weekday membership and a daily window. Params:
// "timezone" (IANA name, default UTC), "days" (list of lowercase weekday
// names, empty means every day), "start" and "end" ("HH:MM", both required).
// Windows crossing midnight (end < start) wrap to the next day.
func evalTimeBased(_ context.Context, cond Condition, in EvalInput) (bool, error) {
	loc := time.UTC
	if tz, _ := paramString(cond.Params, "timezone"); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return false, fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	now := in.Now.In(loc)

	if days := paramStrings(cond.Params, "days"); len(days) > 0 {
		if !weekdayIn(now.Weekday(), days) {
			return false, nil
		}
	}

	start, err := paramString(cond.Params, "start")
	if err != nil {
		return false, err
	}
	end, err := paramString(cond.Params, "end")
	if err != nil {
		return false, err
	}
	startMin, err := parseClock(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseClock(end)
	if err != nil {
		return false, err
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	// Window wraps midnight.
	return nowMin >= startMin || nowMin < endMin, nil
}

// evalLocationBased matches the caller's country or IP against allow lists.
// Params: "countries" (ISO codes) and/or "networks" (CIDR strings); at least
// one list must be configured. Request context keys: "country", "ip".
func evalLocationBased(_ context.Context, cond Condition, in EvalInput) (bool, error) {
	countries := paramStrings(cond.Params, "countries")
	networks := paramStrings(cond.Params, "networks")
	if len(countries) == 0 && len(networks) == 0 {
		return false, fmt.Errorf("location condition without countries or networks")
	}
	if len(countries) > 0 {
		country, _ := in.Context["country"].(string)
		for _, c := range countries {
			if strings.EqualFold(c, country) {
				return true, nil
			}
		}
	}
	if len(networks) > 0 {
		raw, _ := in.Context["ip"].(string)
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return false, nil
		}
		for _, cidr := range networks {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				return false, fmt.Errorf("network %q: %w", cidr, err)
			}
			if prefix.Contains(addr) {
				return true, nil
			}
		}
	}
	return false, nil
}

// evalAttributeBased requires a request-context attribute to equal a value or
// belong to a set. Params: "attribute" (key), then either "equals" or "in".
func evalAttributeBased(_ context.Context, cond Condition, in EvalInput) (bool, error) {
	attr, err := paramString(cond.Params, "attribute")
	if err != nil {
		return false, err
	}
	actual, ok := in.Context[attr]
	if !ok {
		return false, nil
	}
	if expected, ok := cond.Params["equals"]; ok {
		return fmt.Sprint(actual) == fmt.Sprint(expected), nil
	}
	if allowed := paramStrings(cond.Params, "in"); len(allowed) > 0 {
		for _, v := range allowed {
			if fmt.Sprint(actual) == v {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("attribute condition without equals or in")
}

type approvalEvaluator struct {
	checker ApprovalChecker
}

// Evaluate resolves the "reference" param through the configured checker.
func (e approvalEvaluator) Evaluate(ctx context.Context, cond Condition, _ EvalInput) (bool, error) {
	if e.checker == nil {
		return false, fmt.Errorf("approval checker not configured")
	}
	ref, err := paramString(cond.Params, "reference")
	if err != nil {
		return false, err
	}
	return e.checker.Approved(ctx, ref)
}

type quotaEvaluator struct {
	counter QuotaCounter
}

// Evaluate increments the principal-scoped usage counter and compares it to
// the limit. Params: "key" (counter name), "limit" (max uses), "window"
// (duration string, default 24h).
func (e quotaEvaluator) Evaluate(ctx context.Context, cond Condition, in EvalInput) (bool, error) {
	if e.counter == nil {
		return false, fmt.Errorf("quota counter not configured")
	}
	key, err := paramString(cond.Params, "key")
	if err != nil {
		return false, err
	}
	limit, err := paramInt(cond.Params, "limit")
	if err != nil {
		return false, err
	}
	window := 24 * time.Hour
	if raw, _ := paramString(cond.Params, "window"); raw != "" {
		if window, err = time.ParseDuration(raw); err != nil {
			return false, fmt.Errorf("window %q: %w", raw, err)
		}
	}
	used, err := e.counter.Increment(ctx, fmt.Sprintf("%s:%s", key, in.PrincipalID), window)
	if err != nil {
		return false, err
	}
	return used <= limit, nil
}

func paramString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func paramStrings(params map[string]any, key string) []string {
	switch raw := params[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func paramInt(params map[string]any, key string) (int64, error) {
	switch raw := params[key].(type) {
	case int:
		return int64(raw), nil
	case int64:
		return raw, nil
	case float64:
		return int64(raw), nil
	default:
		return 0, fmt.Errorf("param %q must be a number", key)
	}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func weekdayIn(day time.Weekday, names []string) bool {
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), day.String()) {
			return true
		}
		// Accept three-letter abbreviations.
		if len(name) == 3 && strings.EqualFold(name, day.String()[:3]) {
			return true
		}
	}
	return false
}
