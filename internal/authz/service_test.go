package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	mu             sync.Mutex
	principalCalls int
}

func (c *countingStore) Principal(ctx context.Context, id string) (Principal, error) {
	c.mu.Lock()
	c.principalCalls++
	c.mu.Unlock()
	return c.Store.Principal(ctx, id)
}

func (c *countingStore) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principalCalls
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type serviceEnv struct {
	store   *MemoryStore
	counted *countingStore
	sink    *recordingSink
	service *Service
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewMemoryStore()
	counted := &countingStore{Store: store}
	registry := NewConditionRegistry(ConditionRegistryOptions{})
	resolver := NewResolver(counted, registry, nil)
	sink := &recordingSink{}
	service := NewService(counted, resolver, ServiceOptions{
		Cache: NewDecisionCache(client, time.Minute),
		Audit: sink,
	})
	return &serviceEnv{store: store, counted: counted, sink: sink, service: service}
}

func (e *serviceEnv) seedRoleGrant(t *testing.T, principalID, roleName, permName string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SavePrincipal(ctx, Principal{ID: principalID, Active: true}))
	role, err := e.store.CreateRole(ctx, CreateRoleParams{Name: roleName})
	require.NoError(t, err)
	perm, err := e.store.CreatePermission(ctx, CreatePermissionParams{Name: permName, Risk: RiskLow})
	require.NoError(t, err)
	_, err = e.store.GrantRolePermission(ctx, GrantRolePermissionParams{RoleID: role.ID, PermissionID: perm.ID})
	require.NoError(t, err)
	_, err = e.store.AssignRole(ctx, AssignRoleParams{PrincipalID: principalID, RoleID: role.ID})
	require.NoError(t, err)
}

func TestCheckPermissionCachesDecisions(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()

	dec, err := env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	callsAfterFirst := env.counted.calls()

	dec, err = env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, callsAfterFirst, env.counted.calls(), "second check should be served from cache")
}

func TestRevokeRoleInvalidatesAndDenies(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()

	dec, err := env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	role, err := env.store.RoleByName(ctx, "analyst")
	require.NoError(t, err)
	require.NoError(t, env.service.RevokeRole(ctx, "alice", role.ID))

	dec, err = env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "revocation must be visible immediately")
}

func TestRoleGrantMutationBumpsCache(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()

	dec, err := env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	role, err := env.store.RoleByName(ctx, "analyst")
	require.NoError(t, err)
	perm, err := env.store.PermissionByName(ctx, "read_reports")
	require.NoError(t, err)
	require.NoError(t, env.service.RevokeRolePermission(ctx, role.ID, perm.ID))

	dec, err = env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "role-level change must invalidate cached allows")
}

func TestBulkCheckPreservesOrder(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()
	_, err := env.store.CreatePermission(ctx, CreatePermissionParams{Name: "delete_reports", Risk: RiskHigh})
	require.NoError(t, err)

	perms := []string{"read_reports", "delete_reports", "read_reports"}
	checks, err := env.service.BulkCheckPermissions(ctx, "alice", perms, "", "", nil)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	for i, p := range perms {
		assert.Equal(t, p, checks[i].Permission)
	}
	assert.True(t, checks[0].Allowed)
	assert.False(t, checks[1].Allowed)
	assert.True(t, checks[2].Allowed)
}

func TestCheckPermissionSurvivesCacheOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewMemoryStore()
	registry := NewConditionRegistry(ConditionRegistryOptions{})
	resolver := NewResolver(store, registry, nil)
	service := NewService(store, resolver, ServiceOptions{
		Cache: NewDecisionCache(client, time.Minute),
	})

	ctx := context.Background()
	require.NoError(t, store.SavePrincipal(ctx, Principal{ID: "root", Active: true, Superuser: true}))
	_, err := store.CreatePermission(ctx, CreatePermissionParams{Name: "anything", Risk: RiskLow})
	require.NoError(t, err)

	mr.Close()

	dec, err := service.CheckPermission(ctx, "root", "anything", "", "", nil)
	require.NoError(t, err, "cache outage must not fail the check")
	assert.True(t, dec.Allowed)
}

func TestCancelledCheckIsNotCached(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	dec, err := env.service.CheckPermission(cancelled, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonAborted, dec.Reason)

	dec, err = env.service.CheckPermission(context.Background(), "alice", "read_reports", "", "", nil)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "aborted deny must not poison the cache")
}

type gateStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) Principal(ctx context.Context, id string) (Principal, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return Principal{}, ctx.Err()
	}
	return g.Store.Principal(ctx, id)
}

func TestCancelledCallerDoesNotAbortSharedFlight(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SavePrincipal(context.Background(),
		Principal{ID: "root", Active: true, Superuser: true}))

	gate := &gateStore{Store: store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	registry := NewConditionRegistry(ConditionRegistryOptions{})
	resolver := NewResolver(gate, registry, nil)
	service := NewService(gate, resolver, ServiceOptions{})

	type result struct {
		dec Decision
		err error
	}
	first, cancel := context.WithCancel(context.Background())
	firstCh := make(chan result, 1)
	go func() {
		dec, err := service.CheckPermission(first, "root", "anything", "", "", nil)
		firstCh <- result{dec, err}
	}()
	<-gate.entered

	secondCh := make(chan result, 1)
	go func() {
		dec, err := service.CheckPermission(context.Background(), "root", "anything", "", "", nil)
		secondCh <- result{dec, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	got := <-firstCh
	require.NoError(t, got.err)
	assert.False(t, got.dec.Allowed)
	assert.Equal(t, ReasonAborted, got.dec.Reason)

	close(gate.release)
	got = <-secondCh
	require.NoError(t, got.err, "a live caller must not inherit another caller's cancellation")
	assert.True(t, got.dec.Allowed)
	assert.Equal(t, ReasonSuperuser, got.dec.Reason)
}

func TestAuditTrail(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()

	_, err := env.service.CheckPermission(ctx, "alice", "read_reports", "", "", nil)
	require.NoError(t, err)

	role, err := env.store.RoleByName(ctx, "analyst")
	require.NoError(t, err)
	require.NoError(t, env.service.RevokeRole(ctx, "alice", role.ID))

	actions := env.sink.actions()
	assert.Contains(t, actions, "check")
	assert.Contains(t, actions, "role.revoke")

	var check AuditEvent
	for _, e := range env.sink.events {
		if e.Action == "check" {
			check = e
			break
		}
	}
	require.NotNil(t, check.Allowed)
	assert.True(t, *check.Allowed)
	assert.Equal(t, "alice", check.PrincipalID)
	assert.Equal(t, "read_reports", check.Permission)
}

func TestEffectivePermissionsMatchPointChecks(t *testing.T) {
	env := newServiceEnv(t)
	env.seedRoleGrant(t, "alice", "analyst", "read_reports")
	ctx := context.Background()

	perms, err := env.service.GetEffectivePermissions(ctx, "alice", "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"read_reports"}, perms)

	for _, p := range perms {
		dec, err := env.service.CheckPermission(ctx, "alice", p, "", "", nil)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "enumerated permission %s must check as allowed", p)
	}
}
