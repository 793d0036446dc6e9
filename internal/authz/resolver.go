package authz

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// maxHierarchyDepth bounds role and resource walks. The stores guarantee
// acyclicity, so hitting the bound means corrupted data; the walk stops and
// the path contributes no allow.
const maxHierarchyDepth = 32

// Decision reasons returned by the resolver.
const (
	ReasonSuperuser          = "superuser"
	ReasonPrincipalNotFound  = "principal not found"
	ReasonPrincipalInactive  = "principal inactive"
	ReasonPermissionNotFound = "permission not found"
	ReasonNoGrant            = "no applicable grant"
	ReasonAborted            = "evaluation aborted"
	ReasonDirectResource     = "direct resource grant"
	ReasonInheritedResource  = "inherited resource grant"
	ReasonResourceViaRole    = "resource grant via role"
	ReasonRoleGrant          = "role grant"
	ReasonInheritedRoleGrant = "inherited role grant"
)

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Resolver computes allow/deny decisions by walking the role and resource
// hierarchies against the store. It holds no per-call mutable state and is
// safe for concurrent use.
type Resolver struct {
	store      Store
	conditions *ConditionRegistry
	logger     *slog.Logger
	now        func() time.Time
}

// NewResolver wires the resolver's dependencies.
func NewResolver(store Store, conditions *ConditionRegistry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, conditions: conditions, logger: logger, now: time.Now}
}

// Decide evaluates whether the principal may exercise the permission,
// optionally against a resource. The model is allow-only: any single passing
// grant path allows, and nothing can override an allow.
//
// Errors are returned only for store failures; every other outcome, including
// a cancelled caller context, is expressed as a deny decision.
func (r *Resolver) Decide(ctx context.Context, principalID, permission, resourceType, resourceID string, reqCtx RequestContext) (Decision, error) {
	if ctx.Err() != nil {
		return deny(ReasonAborted), nil
	}

	principal, err := r.store.Principal(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(ReasonPrincipalNotFound), nil
		}
		return deny(ReasonAborted), storeErr("load principal", err)
	}
	if !principal.Active {
		return deny(ReasonPrincipalInactive), nil
	}
	if principal.Superuser {
		return allow(ReasonSuperuser), nil
	}

	perm, err := r.store.PermissionByName(ctx, permission)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(ReasonPermissionNotFound), nil
		}
		return deny(ReasonAborted), storeErr("load permission", err)
	}

	assignments, err := r.store.ActiveAssignments(ctx, principalID)
	if err != nil {
		return deny(ReasonAborted), storeErr("load assignments", err)
	}

	in := EvalInput{
		PrincipalID: principalID,
		Permission:  perm.Name,
		Context:     reqCtx,
		Now:         r.now(),
	}

	if resourceType != "" && resourceID != "" {
		ref := ResourceRef{Type: resourceType, ID: resourceID}
		in.Resource = &ref
		dec, err := r.resourcePath(ctx, principal, perm, ref, assignments, in)
		if err != nil {
			return deny(ReasonAborted), err
		}
		if dec.Allowed {
			return dec, nil
		}
	}

	dec, err := r.rolePath(ctx, perm, assignments, in)
	if err != nil {
		return deny(ReasonAborted), err
	}
	if dec.Allowed {
		return dec, nil
	}
	return deny(ReasonNoGrant), nil
}

// resourcePath walks the resource's ancestor chain. At each node a direct
// user grant with passing conditions allows; an inheritable resource-level
// grant allows when the principal's role set also carries the permission.
func (r *Resolver) resourcePath(ctx context.Context, principal Principal, perm Permission, ref ResourceRef, assignments []RoleAssignment, in EvalInput) (Decision, error) {
	node := ref
	visited := make(map[ResourceRef]struct{})
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		if ctx.Err() != nil {
			return deny(ReasonAborted), nil
		}
		if _, seen := visited[node]; seen {
			r.logger.Error("resource hierarchy cycle detected",
				slog.String("type", node.Type), slog.String("id", node.ID))
			break
		}
		visited[node] = struct{}{}

		userGrants, err := r.store.UserResourceGrants(ctx, principal.ID, node)
		if err != nil {
			return Decision{}, storeErr("load user resource grants", err)
		}
		for _, g := range userGrants {
			if g.PermissionID != perm.ID || !g.Current(in.Now) {
				continue
			}
			if r.conditions.Passes(ctx, g.Conditions, in) {
				if depth == 0 {
					return allow(ReasonDirectResource), nil
				}
				return allow(ReasonInheritedResource), nil
			}
		}

		resGrants, err := r.store.ResourceGrants(ctx, node)
		if err != nil {
			return Decision{}, storeErr("load resource grants", err)
		}
		for _, g := range resGrants {
			if g.PermissionID != perm.ID || !g.Active {
				continue
			}
			if depth > 0 && !g.Inheritable {
				continue
			}
			viaRole, err := r.roleSetGrants(ctx, perm, assignments, in)
			if err != nil {
				return Decision{}, err
			}
			if viaRole {
				return allow(ReasonResourceViaRole), nil
			}
			break
		}

		res, err := r.store.Resource(ctx, node)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return Decision{}, storeErr("load resource", err)
		}
		if res.Parent == nil {
			break
		}
		node = *res.Parent
	}
	return deny(ReasonNoGrant), nil
}

// rolePath checks each effective assignment's role and its ancestor chain for
// a current grant whose conditions pass.
func (r *Resolver) rolePath(ctx context.Context, perm Permission, assignments []RoleAssignment, in EvalInput) (Decision, error) {
	visited := make(map[uuid.UUID]struct{})
	for _, assignment := range assignments {
		if !assignment.Effective(in.Now) {
			continue
		}
		roleID := assignment.RoleID
		for depth := 0; depth < maxHierarchyDepth; depth++ {
			if ctx.Err() != nil {
				return deny(ReasonAborted), nil
			}
			if _, seen := visited[roleID]; seen {
				break
			}
			visited[roleID] = struct{}{}

			role, err := r.store.Role(ctx, roleID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return Decision{}, storeErr("load role", err)
			}
			if role.DeletedAt == nil {
				grants, err := r.store.RoleGrants(ctx, roleID)
				if err != nil {
					return Decision{}, storeErr("load role grants", err)
				}
				for _, g := range grants {
					if g.PermissionID != perm.ID || !g.Current(in.Now) {
						continue
					}
					if r.conditions.Passes(ctx, g.Conditions, in) {
						if depth == 0 {
							return allow(ReasonRoleGrant), nil
						}
						return allow(ReasonInheritedRoleGrant), nil
					}
				}
			}
			if role.ParentID == nil {
				break
			}
			roleID = *role.ParentID
		}
	}
	return deny(ReasonNoGrant), nil
}

// roleSetGrants reports whether any of the principal's roles carries the
// permission, used to match resource-level grants against role holders.
func (r *Resolver) roleSetGrants(ctx context.Context, perm Permission, assignments []RoleAssignment, in EvalInput) (bool, error) {
	dec, err := r.rolePath(ctx, perm, assignments, in)
	if err != nil {
		return false, err
	}
	return dec.Allowed, nil
}

// EffectivePermissions enumerates, de-duplicated and sorted by name, every
// permission the principal can currently reach through a role chain or a
// direct resource grant. When a resource is named, direct grants are taken
// from that node and its ancestors; with no resource the enumeration is the
// principal's full reach and includes grants scoped to any resource, so a
// listed permission may check as allowed only against the resource that
// grants it. Conditions are evaluated against an empty request context;
// access gating must use Decide, never this enumeration.
func (r *Resolver) EffectivePermissions(ctx context.Context, principalID, resourceType, resourceID string) ([]string, error) {
	principal, err := r.store.Principal(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFoundf("principal %s", principalID)
		}
		return nil, storeErr("load principal", err)
	}

	catalogue, err := r.store.ListPermissions(ctx)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	nameByID := make(map[uuid.UUID]string, len(catalogue))
	for _, p := range catalogue {
		if p.DeletedAt == nil {
			nameByID[p.ID] = p.Name
		}
	}

	granted := make(map[string]struct{})
	if principal.Superuser {
		for _, name := range nameByID {
			granted[name] = struct{}{}
		}
		return sortedNames(granted), nil
	}
	if !principal.Active {
		return nil, nil
	}

	now := r.now()
	in := EvalInput{PrincipalID: principalID, Now: now}

	assignments, err := r.store.ActiveAssignments(ctx, principalID)
	if err != nil {
		return nil, storeErr("load assignments", err)
	}
	visited := make(map[uuid.UUID]struct{})
	for _, assignment := range assignments {
		if !assignment.Effective(now) {
			continue
		}
		roleID := assignment.RoleID
		for depth := 0; depth < maxHierarchyDepth; depth++ {
			if _, seen := visited[roleID]; seen {
				break
			}
			visited[roleID] = struct{}{}
			role, err := r.store.Role(ctx, roleID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return nil, storeErr("load role", err)
			}
			if role.DeletedAt == nil {
				grants, err := r.store.RoleGrants(ctx, roleID)
				if err != nil {
					return nil, storeErr("load role grants", err)
				}
				for _, g := range grants {
					name, ok := nameByID[g.PermissionID]
					if !ok || !g.Current(now) {
						continue
					}
					probe := in
					probe.Permission = name
					if r.conditions.Passes(ctx, g.Conditions, probe) {
						granted[name] = struct{}{}
					}
				}
			}
			if role.ParentID == nil {
				break
			}
			roleID = *role.ParentID
		}
	}

	userGrants, err := r.userGrantsInScope(ctx, principalID, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	for _, g := range userGrants {
		name, ok := nameByID[g.PermissionID]
		if !ok || !g.Current(now) {
			continue
		}
		probe := in
		probe.Permission = name
		res := g.Resource
		probe.Resource = &res
		if r.conditions.Passes(ctx, g.Conditions, probe) {
			granted[name] = struct{}{}
		}
	}
	return sortedNames(granted), nil
}

// userGrantsInScope returns the principal's direct grants, restricted to the
// given resource and its ancestors when a resource is named.
func (r *Resolver) userGrantsInScope(ctx context.Context, principalID, resourceType, resourceID string) ([]UserResourcePermissionGrant, error) {
	if resourceType == "" || resourceID == "" {
		grants, err := r.store.UserResourceGrantsForPrincipal(ctx, principalID)
		if err != nil {
			return nil, storeErr("load user resource grants", err)
		}
		return grants, nil
	}
	var out []UserResourcePermissionGrant
	node := ResourceRef{Type: resourceType, ID: resourceID}
	visited := make(map[ResourceRef]struct{})
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		if _, seen := visited[node]; seen {
			break
		}
		visited[node] = struct{}{}
		grants, err := r.store.UserResourceGrants(ctx, principalID, node)
		if err != nil {
			return nil, storeErr("load user resource grants", err)
		}
		out = append(out, grants...)
		res, err := r.store.Resource(ctx, node)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, storeErr("load resource", err)
		}
		if res.Parent == nil {
			break
		}
		node = *res.Parent
	}
	return out, nil
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
