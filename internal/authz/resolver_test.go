package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fixture struct {
	t        *testing.T
	store    *MemoryStore
	registry *ConditionRegistry
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	registry := NewConditionRegistry(ConditionRegistryOptions{})
	return &fixture{
		t:        t,
		store:    store,
		registry: registry,
		resolver: NewResolver(store, registry, nil),
	}
}

func (f *fixture) principal(id string, superuser bool) {
	f.t.Helper()
	if err := f.store.SavePrincipal(context.Background(), Principal{ID: id, Active: true, Superuser: superuser}); err != nil {
		f.t.Fatalf("save principal: %v", err)
	}
}

func (f *fixture) role(name string, parentID *uuid.UUID) Role {
	f.t.Helper()
	role, err := f.store.CreateRole(context.Background(), CreateRoleParams{Name: name, ParentID: parentID})
	if err != nil {
		f.t.Fatalf("create role %s: %v", name, err)
	}
	return role
}

func (f *fixture) permission(name string) Permission {
	f.t.Helper()
	perm, err := f.store.CreatePermission(context.Background(), CreatePermissionParams{Name: name, Risk: RiskLow})
	if err != nil {
		f.t.Fatalf("create permission %s: %v", name, err)
	}
	return perm
}

func (f *fixture) assign(principalID string, roleID uuid.UUID) {
	f.t.Helper()
	_, err := f.store.AssignRole(context.Background(), AssignRoleParams{
		PrincipalID: principalID,
		RoleID:      roleID,
		Approval:    ApprovalApproved,
	})
	if err != nil {
		f.t.Fatalf("assign role: %v", err)
	}
}

func (f *fixture) grant(roleID, permID uuid.UUID, conds []Condition, until *time.Time) {
	f.t.Helper()
	_, err := f.store.GrantRolePermission(context.Background(), GrantRolePermissionParams{
		RoleID:       roleID,
		PermissionID: permID,
		Conditions:   conds,
		ValidUntil:   until,
	})
	if err != nil {
		f.t.Fatalf("grant role permission: %v", err)
	}
}

func (f *fixture) decide(principalID, permission, resourceType, resourceID string, reqCtx RequestContext) Decision {
	f.t.Helper()
	dec, err := f.resolver.Decide(context.Background(), principalID, permission, resourceType, resourceID, reqCtx)
	if err != nil {
		f.t.Fatalf("decide: %v", err)
	}
	return dec
}

func TestSuperuserAllowsEverything(t *testing.T) {
	f := newFixture(t)
	f.principal("root", true)
	f.permission("delete_everything")

	dec := f.decide("root", "delete_everything", "", "", nil)
	if !dec.Allowed || dec.Reason != ReasonSuperuser {
		t.Fatalf("expected superuser allow, got %+v", dec)
	}
}

func TestUnknownPrincipalDenies(t *testing.T) {
	f := newFixture(t)
	f.permission("read_reports")

	dec := f.decide("ghost", "read_reports", "", "", nil)
	if dec.Allowed || dec.Reason != ReasonPrincipalNotFound {
		t.Fatalf("expected principal-not-found deny, got %+v", dec)
	}
}

func TestInactivePrincipalDenies(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SavePrincipal(context.Background(), Principal{ID: "mallory", Active: false}); err != nil {
		t.Fatalf("save principal: %v", err)
	}
	f.permission("read_reports")

	dec := f.decide("mallory", "read_reports", "", "", nil)
	if dec.Allowed || dec.Reason != ReasonPrincipalInactive {
		t.Fatalf("expected inactive deny, got %+v", dec)
	}
}

func TestUnknownPermissionDenies(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)

	dec := f.decide("alice", "no_such_permission", "", "", nil)
	if dec.Allowed || dec.Reason != ReasonPermissionNotFound {
		t.Fatalf("expected permission-not-found deny, got %+v", dec)
	}
}

func TestDirectRoleGrantAllows(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	read := f.permission("read_reports")
	f.grant(analyst.ID, read.ID, nil, nil)
	f.assign("alice", analyst.ID)

	dec := f.decide("alice", "read_reports", "", "", nil)
	if !dec.Allowed || dec.Reason != ReasonRoleGrant {
		t.Fatalf("expected role grant allow, got %+v", dec)
	}
}

func TestInheritedRoleGrantAllows(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	senior := f.role("senior_analyst", &analyst.ID)
	read := f.permission("read_reports")
	f.grant(analyst.ID, read.ID, nil, nil)
	f.assign("alice", senior.ID)

	dec := f.decide("alice", "read_reports", "", "", nil)
	if !dec.Allowed || dec.Reason != ReasonInheritedRoleGrant {
		t.Fatalf("expected inherited role grant allow, got %+v", dec)
	}
}

func TestInheritanceIsTransitive(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	base := f.role("employee", nil)
	mid := f.role("analyst", &base.ID)
	top := f.role("senior_analyst", &mid.ID)
	read := f.permission("read_reports")
	f.grant(base.ID, read.ID, nil, nil)
	f.assign("alice", top.ID)

	dec := f.decide("alice", "read_reports", "", "", nil)
	if !dec.Allowed {
		t.Fatalf("expected grant two levels up to apply, got %+v", dec)
	}
}

func TestNoGrantDenies(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	f.permission("read_reports")
	f.assign("alice", analyst.ID)

	dec := f.decide("alice", "read_reports", "", "", nil)
	if dec.Allowed || dec.Reason != ReasonNoGrant {
		t.Fatalf("expected no-grant deny, got %+v", dec)
	}
}

func TestExpiredGrantDenies(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	read := f.permission("read_reports")
	past := time.Now().Add(-time.Hour)
	f.grant(analyst.ID, read.ID, nil, &past)
	f.assign("alice", analyst.ID)

	dec := f.decide("alice", "read_reports", "", "", nil)
	if dec.Allowed {
		t.Fatalf("expected expired grant to deny, got %+v", dec)
	}
}

func TestExpiredAssignmentDenies(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	read := f.permission("read_reports")
	f.grant(analyst.ID, read.ID, nil, nil)
	past := time.Now().Add(-time.Minute)
	if _, err := f.store.AssignRole(context.Background(), AssignRoleParams{
		PrincipalID: "alice",
		RoleID:      analyst.ID,
		ValidUntil:  &past,
		Approval:    ApprovalApproved,
	}); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	dec := f.decide("alice", "read_reports", "", "", nil)
	if dec.Allowed {
		t.Fatalf("expected expired assignment to deny, got %+v", dec)
	}
}

func TestPendingApprovalAssignmentDenies(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	read := f.permission("read_reports")
	f.grant(analyst.ID, read.ID, nil, nil)
	if _, err := f.store.AssignRole(context.Background(), AssignRoleParams{
		PrincipalID: "alice",
		RoleID:      analyst.ID,
		Approval:    ApprovalPending,
	}); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	dec := f.decide("alice", "read_reports", "", "", nil)
	if dec.Allowed {
		t.Fatalf("expected pending assignment to deny, got %+v", dec)
	}
}

func TestBusinessHoursCondition(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	analyst := f.role("analyst", nil)
	read := f.permission("read_reports")
	f.grant(analyst.ID, read.ID, []Condition{businessHours()}, nil)
	f.assign("alice", analyst.ID)

	f.resolver.now = func() time.Time { return time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC) }
	if dec := f.decide("alice", "read_reports", "", "", nil); !dec.Allowed {
		t.Fatalf("expected allow during business hours, got %+v", dec)
	}

	f.resolver.now = func() time.Time { return time.Date(2025, 3, 3, 22, 0, 0, 0, time.UTC) }
	if dec := f.decide("alice", "read_reports", "", "", nil); dec.Allowed {
		t.Fatalf("expected deny outside business hours, got %+v", dec)
	}
}

func TestDirectUserResourceGrant(t *testing.T) {
	f := newFixture(t)
	f.principal("bob", false)
	read := f.permission("read_project")
	ref := ResourceRef{Type: "project", ID: "42"}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "project", ID: "42"}); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if _, err := f.store.GrantUserResourcePermission(context.Background(), GrantUserResourcePermissionParams{
		PrincipalID:  "bob",
		Resource:     ref,
		PermissionID: read.ID,
	}); err != nil {
		t.Fatalf("grant user resource permission: %v", err)
	}

	dec := f.decide("bob", "read_project", "project", "42", nil)
	if !dec.Allowed || dec.Reason != ReasonDirectResource {
		t.Fatalf("expected direct resource allow, got %+v", dec)
	}

	other := f.decide("bob", "read_project", "project", "43", nil)
	if other.Allowed {
		t.Fatalf("expected grant scoped to project 42, got %+v", other)
	}
}

func TestResourceGrantInheritsFromParent(t *testing.T) {
	f := newFixture(t)
	f.principal("bob", false)
	read := f.permission("read_project")
	parent := ResourceRef{Type: "org", ID: "acme"}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "org", ID: "acme"}); err != nil {
		t.Fatalf("create parent resource: %v", err)
	}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "project", ID: "42", Parent: &parent}); err != nil {
		t.Fatalf("create child resource: %v", err)
	}
	if _, err := f.store.GrantUserResourcePermission(context.Background(), GrantUserResourcePermissionParams{
		PrincipalID:  "bob",
		Resource:     parent,
		PermissionID: read.ID,
	}); err != nil {
		t.Fatalf("grant on parent: %v", err)
	}

	dec := f.decide("bob", "read_project", "project", "42", nil)
	if !dec.Allowed || dec.Reason != ReasonInheritedResource {
		t.Fatalf("expected inherited resource allow, got %+v", dec)
	}
}

func TestNonInheritableResourceGrantStopsAtNode(t *testing.T) {
	f := newFixture(t)
	f.principal("carol", false)
	read := f.permission("read_project")
	analyst := f.role("analyst", nil)
	f.grant(analyst.ID, read.ID, nil, nil)
	f.assign("carol", analyst.ID)

	parent := ResourceRef{Type: "org", ID: "acme"}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "org", ID: "acme"}); err != nil {
		t.Fatalf("create parent resource: %v", err)
	}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "project", ID: "42", Parent: &parent}); err != nil {
		t.Fatalf("create child resource: %v", err)
	}
	if _, err := f.store.GrantResourcePermission(context.Background(), GrantResourcePermissionParams{
		Resource:     parent,
		PermissionID: read.ID,
		Inheritable:  false,
	}); err != nil {
		t.Fatalf("grant on parent: %v", err)
	}

	// At the parent itself the grant applies through the role set.
	dec := f.decide("carol", "read_project", "org", "acme", nil)
	if !dec.Allowed {
		t.Fatalf("expected allow at granted node, got %+v", dec)
	}
}

func TestCancelledContextDeniesWithoutError(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	f.permission("read_reports")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec, err := f.resolver.Decide(ctx, "alice", "read_reports", "", "", nil)
	if err != nil {
		t.Fatalf("expected nil error on cancelled context, got %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonAborted {
		t.Fatalf("expected aborted deny, got %+v", dec)
	}
}

type failingStore struct {
	Store
}

func (failingStore) Principal(context.Context, string) (Principal, error) {
	return Principal{}, errors.New("connection refused")
}

func TestStoreFailureSurfacesError(t *testing.T) {
	f := newFixture(t)
	resolver := NewResolver(failingStore{Store: f.store}, f.registry, nil)

	_, err := resolver.Decide(context.Background(), "alice", "read_reports", "", "", nil)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t)
	f.principal("alice", false)
	base := f.role("employee", nil)
	senior := f.role("senior_analyst", &base.ID)
	read := f.permission("read_reports")
	export := f.permission("export_reports")
	f.permission("delete_reports")
	f.grant(base.ID, read.ID, nil, nil)
	f.grant(senior.ID, export.ID, nil, nil)
	f.assign("alice", senior.ID)

	perms, err := f.resolver.EffectivePermissions(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	want := []string{"export_reports", "read_reports"}
	if len(perms) != len(want) {
		t.Fatalf("expected %v, got %v", want, perms)
	}
	for i := range want {
		if perms[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, perms)
		}
	}
}

func TestEffectivePermissionsSuperuser(t *testing.T) {
	f := newFixture(t)
	f.principal("root", true)
	f.permission("read_reports")
	f.permission("export_reports")

	perms, err := f.resolver.EffectivePermissions(context.Background(), "root", "", "")
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected full catalogue, got %v", perms)
	}
}

func TestEffectivePermissionsIncludesResourceGrants(t *testing.T) {
	f := newFixture(t)
	f.principal("bob", false)
	read := f.permission("read_project")
	ref := ResourceRef{Type: "project", ID: "42"}
	if err := f.store.CreateResource(context.Background(), Resource{Type: "project", ID: "42"}); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if _, err := f.store.GrantUserResourcePermission(context.Background(), GrantUserResourcePermissionParams{
		PrincipalID:  "bob",
		Resource:     ref,
		PermissionID: read.ID,
	}); err != nil {
		t.Fatalf("grant user resource permission: %v", err)
	}

	perms, err := f.resolver.EffectivePermissions(context.Background(), "bob", "project", "42")
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 1 || perms[0] != "read_project" {
		t.Fatalf("expected [read_project], got %v", perms)
	}

	// Without a resource scope the enumeration covers the full reach, but a
	// grant scoped to project/42 only checks as allowed against that node.
	perms, err = f.resolver.EffectivePermissions(context.Background(), "bob", "", "")
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 1 || perms[0] != "read_project" {
		t.Fatalf("expected [read_project] at empty scope, got %v", perms)
	}
	if dec := f.decide("bob", "read_project", "", "", nil); dec.Allowed {
		t.Fatalf("resource-scoped grant must not allow a resourceless check")
	}
	if dec := f.decide("bob", "read_project", "project", "42", nil); !dec.Allowed {
		t.Fatalf("expected allow at the granting resource")
	}
}
