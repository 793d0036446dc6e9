package authz

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-io/gatehouse/internal/observability"
)

// bulkConcurrency bounds parallel decision computation in bulk checks.
const bulkConcurrency = 8

// AuditEvent is the write-only record emitted for every decision and every
// administrative mutation.
type AuditEvent struct {
	Action       string         `json:"action"`
	PrincipalID  string         `json:"principal_id,omitempty"`
	Permission   string         `json:"permission,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Allowed      *bool          `json:"allowed,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	At           time.Time      `json:"at"`
}

// AuditSink receives audit events. Implementations must be fire-and-forget
// safe: the service logs and discards errors, never failing a caller on them.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Service is the public authorization API. It owns its store, cache,
// resolver, and audit dependencies explicitly; construct one at process
// start and pass it by reference.
type Service struct {
	store    Store
	cache    *DecisionCache
	resolver *Resolver
	audit    AuditSink
	metrics  *observability.Metrics
	logger   *slog.Logger
	flight   singleflight.Group
}

// ServiceOptions collects optional Service dependencies.
type ServiceOptions struct {
	Cache   *DecisionCache
	Audit   AuditSink
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewService wires the service. Store and resolver are required; cache,
// audit, and metrics degrade to no-ops when absent.
func NewService(store Store, resolver *Resolver, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		cache:    opts.Cache,
		resolver: resolver,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// CheckPermission decides whether the principal may exercise the permission,
// consulting the decision cache first. Cache failures fall through to direct
// computation; they never fail the check.
func (s *Service) CheckPermission(ctx context.Context, principalID, permission, resourceType, resourceID string, reqCtx RequestContext) (Decision, error) {
	start := time.Now()
	key := DecisionKey{
		PrincipalID:  principalID,
		Permission:   permission,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}

	dec, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("decision cache read", slog.Any("error", err))
		s.metrics.ObserveCacheEvent("error")
	}
	if found {
		s.metrics.ObserveCacheEvent("hit")
		s.metrics.ObserveDecision(dec.Allowed, "cache", 0)
		s.recordDecision(ctx, key, dec)
		return dec, nil
	}
	s.metrics.ObserveCacheEvent("miss")

	dec, err = s.computeShared(ctx, key, reqCtx)
	if err != nil {
		return Decision{}, err
	}
	s.metrics.ObserveDecision(dec.Allowed, "store", time.Since(start))
	s.recordDecision(ctx, key, dec)
	return dec, nil
}

// computeShared collapses concurrent identical checks into one resolver call.
// The caller's context still bounds its own wait.
func (s *Service) computeShared(ctx context.Context, key DecisionKey, reqCtx RequestContext) (Decision, error) {
	if ctx.Err() != nil {
		return deny(ReasonAborted), nil
	}
	flightKey := strings.Join([]string{key.PrincipalID, key.Permission, key.ResourceType, key.ResourceID}, "\x00")
	ch := s.flight.DoChan(flightKey, func() (any, error) {
		// The flight outlives the caller that started it: run detached so
		// that caller's cancellation cannot abort a computation other
		// callers were collapsed into.
		fctx := context.WithoutCancel(ctx)
		dec, err := s.resolver.Decide(fctx, key.PrincipalID, key.Permission, key.ResourceType, key.ResourceID, reqCtx)
		if err != nil {
			return nil, err
		}
		// An aborted evaluation reflects cancellation, not the grant state;
		// keep it out of the cache.
		if ctx.Err() == nil && dec.Reason != ReasonAborted {
			if perr := s.cache.Put(fctx, key, dec); perr != nil {
				s.logger.Warn("decision cache write", slog.Any("error", perr))
				s.metrics.ObserveCacheEvent("error")
			}
		}
		return dec, nil
	})
	select {
	case <-ctx.Done():
		return deny(ReasonAborted), nil
	case res := <-ch:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		return res.Val.(Decision), nil
	}
}

// BulkCheckPermissions evaluates each permission independently and returns
// results in input order. There is no cross-permission short-circuiting.
func (s *Service) BulkCheckPermissions(ctx context.Context, principalID string, permissions []string, resourceType, resourceID string, reqCtx RequestContext) ([]PermissionCheck, error) {
	results := make([]PermissionCheck, len(permissions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, perm := range permissions {
		g.Go(func() error {
			dec, err := s.CheckPermission(gctx, principalID, perm, resourceType, resourceID, reqCtx)
			if err != nil {
				return err
			}
			results[i] = PermissionCheck{Permission: perm, Decision: dec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetEffectivePermissions enumerates every permission the principal can
// currently reach. Introspection only: gate access with CheckPermission.
func (s *Service) GetEffectivePermissions(ctx context.Context, principalID, resourceType, resourceID string) ([]string, error) {
	return s.resolver.EffectivePermissions(ctx, principalID, resourceType, resourceID)
}

// Administrative operations. Each commits the store mutation first, then
// issues cache invalidation, then records an audit event; invalidation and
// audit failures are logged, never returned, and staleness stays bounded by
// the cache TTL.

// SavePrincipal upserts a principal record.
func (s *Service) SavePrincipal(ctx context.Context, p Principal) error {
	if err := s.store.SavePrincipal(ctx, p); err != nil {
		return err
	}
	s.afterMutation(ctx, "principal.save", p.ID, map[string]any{"principal": p.ID})
	return nil
}

// CreateRole creates a role, optionally under a parent.
func (s *Service) CreateRole(ctx context.Context, params CreateRoleParams) (Role, error) {
	role, err := s.store.CreateRole(ctx, params)
	if err != nil {
		return Role{}, err
	}
	s.afterMutation(ctx, "role.create", "", map[string]any{"role": role.Name})
	return role, nil
}

// UpdateRole changes mutable role fields.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, params UpdateRoleParams) (Role, error) {
	role, err := s.store.UpdateRole(ctx, id, params)
	if err != nil {
		return Role{}, err
	}
	s.afterMutation(ctx, "role.update", "", map[string]any{"role": role.Name})
	return role, nil
}

// DeleteRole soft-deletes a role, cascading deactivation of its assignments.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID, force bool) error {
	if err := s.store.DeleteRole(ctx, id, force); err != nil {
		return err
	}
	s.afterMutation(ctx, "role.delete", "", map[string]any{"role": id.String(), "force": force})
	return nil
}

// Role fetches a role by ID.
func (s *Service) Role(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.store.Role(ctx, id)
}

// ListRoles returns all live roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// CreateRoleHierarchyEdge makes parent the parent of child, rejecting cycles.
func (s *Service) CreateRoleHierarchyEdge(ctx context.Context, parentID, childID uuid.UUID) error {
	if err := s.store.CreateRoleHierarchyEdge(ctx, parentID, childID); err != nil {
		return err
	}
	s.afterMutation(ctx, "role.hierarchy", "", map[string]any{
		"parent": parentID.String(), "child": childID.String(),
	})
	return nil
}

// CreatePermission registers a permission.
func (s *Service) CreatePermission(ctx context.Context, params CreatePermissionParams) (Permission, error) {
	perm, err := s.store.CreatePermission(ctx, params)
	if err != nil {
		return Permission{}, err
	}
	s.afterMutation(ctx, "permission.create", "", map[string]any{"permission": perm.Name})
	return perm, nil
}

// UpdatePermission changes mutable permission fields.
func (s *Service) UpdatePermission(ctx context.Context, id uuid.UUID, description string, risk RiskLevel) (Permission, error) {
	perm, err := s.store.UpdatePermission(ctx, id, description, risk)
	if err != nil {
		return Permission{}, err
	}
	s.afterMutation(ctx, "permission.update", "", map[string]any{"permission": perm.Name})
	return perm, nil
}

// DeletePermission soft-deletes a permission.
func (s *Service) DeletePermission(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	s.afterMutation(ctx, "permission.delete", "", map[string]any{"permission": id.String()})
	return nil
}

// ListPermissions returns the permission catalogue.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// AssignRole assigns a role to a principal.
func (s *Service) AssignRole(ctx context.Context, params AssignRoleParams) (RoleAssignment, error) {
	assignment, err := s.store.AssignRole(ctx, params)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.afterMutation(ctx, "role.assign", params.PrincipalID, map[string]any{
		"role": params.RoleID.String(),
	})
	return assignment, nil
}

// RevokeRole deactivates the principal's assignment to the role.
func (s *Service) RevokeRole(ctx context.Context, principalID string, roleID uuid.UUID) error {
	if err := s.store.RevokeRole(ctx, principalID, roleID); err != nil {
		return err
	}
	s.afterMutation(ctx, "role.revoke", principalID, map[string]any{"role": roleID.String()})
	return nil
}

// GrantRolePermission attaches a permission to a role.
func (s *Service) GrantRolePermission(ctx context.Context, params GrantRolePermissionParams) (RolePermissionGrant, error) {
	grant, err := s.store.GrantRolePermission(ctx, params)
	if err != nil {
		return RolePermissionGrant{}, err
	}
	s.afterMutation(ctx, "role.grant", "", map[string]any{
		"role": params.RoleID.String(), "permission": params.PermissionID.String(),
	})
	return grant, nil
}

// RevokeRolePermission detaches a permission from a role.
func (s *Service) RevokeRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	if err := s.store.RevokeRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.afterMutation(ctx, "role.ungrant", "", map[string]any{
		"role": roleID.String(), "permission": permissionID.String(),
	})
	return nil
}

// CreateResource registers a resource tree node.
func (s *Service) CreateResource(ctx context.Context, res Resource) error {
	if err := s.store.CreateResource(ctx, res); err != nil {
		return err
	}
	s.afterMutation(ctx, "resource.create", "", map[string]any{
		"resource": res.Type + "/" + res.ID,
	})
	return nil
}

// GrantResourcePermission marks a permission as granted at a resource node.
func (s *Service) GrantResourcePermission(ctx context.Context, params GrantResourcePermissionParams) (ResourcePermissionGrant, error) {
	grant, err := s.store.GrantResourcePermission(ctx, params)
	if err != nil {
		return ResourcePermissionGrant{}, err
	}
	s.afterMutation(ctx, "resource.grant", "", map[string]any{
		"resource": params.Resource.Type + "/" + params.Resource.ID,
	})
	return grant, nil
}

// RevokeResourcePermission removes a resource-level grant.
func (s *Service) RevokeResourcePermission(ctx context.Context, ref ResourceRef, permissionID uuid.UUID) error {
	if err := s.store.RevokeResourcePermission(ctx, ref, permissionID); err != nil {
		return err
	}
	s.afterMutation(ctx, "resource.ungrant", "", map[string]any{
		"resource": ref.Type + "/" + ref.ID,
	})
	return nil
}

// GrantUserResourcePermission grants a permission on a resource directly to
// a principal.
func (s *Service) GrantUserResourcePermission(ctx context.Context, params GrantUserResourcePermissionParams) (UserResourcePermissionGrant, error) {
	grant, err := s.store.GrantUserResourcePermission(ctx, params)
	if err != nil {
		return UserResourcePermissionGrant{}, err
	}
	s.afterMutation(ctx, "resource.user_grant", params.PrincipalID, map[string]any{
		"resource": params.Resource.Type + "/" + params.Resource.ID,
	})
	return grant, nil
}

// RevokeUserResourcePermission removes a principal's direct resource grant.
func (s *Service) RevokeUserResourcePermission(ctx context.Context, principalID string, ref ResourceRef, permissionID uuid.UUID) error {
	if err := s.store.RevokeUserResourcePermission(ctx, principalID, ref, permissionID); err != nil {
		return err
	}
	s.afterMutation(ctx, "resource.user_ungrant", principalID, map[string]any{
		"resource": ref.Type + "/" + ref.ID,
	})
	return nil
}

// afterMutation runs the post-commit side effects. A non-empty principalID
// scopes invalidation to that principal; otherwise the change may affect any
// number of principals and the whole cache version is bumped.
func (s *Service) afterMutation(ctx context.Context, action, principalID string, meta map[string]any) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if principalID != "" {
		err = s.cache.InvalidatePrincipal(ctx, principalID)
	} else {
		err = s.cache.Bump(ctx)
	}
	if err != nil {
		s.logger.Warn("cache invalidation", slog.String("action", action), slog.Any("error", err))
		s.metrics.ObserveCacheEvent("error")
	}
	s.recordAudit(ctx, AuditEvent{
		Action:      action,
		PrincipalID: principalID,
		Meta:        meta,
		At:          time.Now(),
	})
}

func (s *Service) recordDecision(ctx context.Context, key DecisionKey, dec Decision) {
	allowed := dec.Allowed
	s.recordAudit(context.WithoutCancel(ctx), AuditEvent{
		Action:       "check",
		PrincipalID:  key.PrincipalID,
		Permission:   key.Permission,
		ResourceType: key.ResourceType,
		ResourceID:   key.ResourceID,
		Allowed:      &allowed,
		Reason:       dec.Reason,
		At:           time.Now(),
	})
}

func (s *Service) recordAudit(ctx context.Context, event AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("audit record", slog.String("action", event.Action), slog.Any("error", err))
	}
}
