package authz

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateRoleParams collects inputs for role creation.
type CreateRoleParams struct {
	Name           string
	Description    string
	ParentID       *uuid.UUID
	System         bool
	MaxAssignments int
}

// UpdateRoleParams collects mutable role fields.
type UpdateRoleParams struct {
	Name           string
	Description    string
	MaxAssignments int
}

// CreatePermissionParams collects inputs for permission creation.
type CreatePermissionParams struct {
	Name         string
	Description  string
	ResourceType string
	Risk         RiskLevel
}

// AssignRoleParams collects inputs for assigning a role to a principal.
type AssignRoleParams struct {
	PrincipalID string
	RoleID      uuid.UUID
	Context     string
	ValidUntil  *time.Time
	Approval    ApprovalStatus
}

// GrantRolePermissionParams collects inputs for granting a permission to a role.
type GrantRolePermissionParams struct {
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	Conditions   []Condition
	ValidFrom    *time.Time
	ValidUntil   *time.Time
}

// GrantResourcePermissionParams collects inputs for a resource-level grant.
type GrantResourcePermissionParams struct {
	Resource     ResourceRef
	PermissionID uuid.UUID
	Inheritable  bool
}

// GrantUserResourcePermissionParams collects inputs for a direct
// principal-on-resource grant.
type GrantUserResourcePermissionParams struct {
	PrincipalID  string
	Resource     ResourceRef
	PermissionID uuid.UUID
	Conditions   []Condition
	ValidUntil   *time.Time
}

// Store is the persistence port for roles, permissions, grants, and the two
// hierarchies. Implementations must keep the role graph acyclic and the
// resource graph a tree; hierarchy mutations must be rejected whole, never
// partially applied.
type Store interface {
	// Principals.
	SavePrincipal(ctx context.Context, p Principal) error
	Principal(ctx context.Context, id string) (Principal, error)

	// Roles.
	CreateRole(ctx context.Context, params CreateRoleParams) (Role, error)
	UpdateRole(ctx context.Context, id uuid.UUID, params UpdateRoleParams) (Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID, force bool) error
	Role(ctx context.Context, id uuid.UUID) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// CreateRoleHierarchyEdge makes parent the parent of child. It computes
	// the descendant set of child inside the same transaction and fails with
	// ErrCycle when parent is already in it. Concurrent edge insertions into
	// the same tree are serialized.
	CreateRoleHierarchyEdge(ctx context.Context, parentID, childID uuid.UUID) error

	// Permissions.
	CreatePermission(ctx context.Context, params CreatePermissionParams) (Permission, error)
	UpdatePermission(ctx context.Context, id uuid.UUID, description string, risk RiskLevel) (Permission, error)
	DeletePermission(ctx context.Context, id uuid.UUID) error
	Permission(ctx context.Context, id uuid.UUID) (Permission, error)
	PermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	// Assignments and role grants.
	AssignRole(ctx context.Context, params AssignRoleParams) (RoleAssignment, error)
	RevokeRole(ctx context.Context, principalID string, roleID uuid.UUID) error
	ActiveAssignments(ctx context.Context, principalID string) ([]RoleAssignment, error)
	GrantRolePermission(ctx context.Context, params GrantRolePermissionParams) (RolePermissionGrant, error)
	RevokeRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	RoleGrants(ctx context.Context, roleID uuid.UUID) ([]RolePermissionGrant, error)

	// Resource tree and resource grants.
	CreateResource(ctx context.Context, res Resource) error
	Resource(ctx context.Context, ref ResourceRef) (Resource, error)
	GrantResourcePermission(ctx context.Context, params GrantResourcePermissionParams) (ResourcePermissionGrant, error)
	RevokeResourcePermission(ctx context.Context, ref ResourceRef, permissionID uuid.UUID) error
	ResourceGrants(ctx context.Context, ref ResourceRef) ([]ResourcePermissionGrant, error)
	GrantUserResourcePermission(ctx context.Context, params GrantUserResourcePermissionParams) (UserResourcePermissionGrant, error)
	RevokeUserResourcePermission(ctx context.Context, principalID string, ref ResourceRef, permissionID uuid.UUID) error
	UserResourceGrants(ctx context.Context, principalID string, ref ResourceRef) ([]UserResourcePermissionGrant, error)
	// UserResourceGrantsForPrincipal lists every direct resource grant the
	// principal holds, used by effective-permission enumeration.
	UserResourceGrantsForPrincipal(ctx context.Context, principalID string) ([]UserResourcePermissionGrant, error)
}
