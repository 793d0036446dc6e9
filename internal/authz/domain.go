package authz

import (
	"time"

	"github.com/google/uuid"
)

// Principal is an authenticated identity. The ID is the opaque identifier
// supplied by the authenticating transport.
type Principal struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Superuser   bool              `json:"superuser"`
	Active      bool              `json:"active"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Role groups permissions. A role may have one parent; Level is the distance
// from a root role and strictly increases with hierarchy depth.
type Role struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	ParentID       *uuid.UUID `json:"parent_id,omitempty"`
	Level          int        `json:"level"`
	System         bool       `json:"system"`
	MaxAssignments int        `json:"max_assignments"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// RiskLevel classifies how sensitive a permission is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Permission is an atomic capability, optionally scoped to a resource type.
type Permission struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	Risk         RiskLevel  `json:"risk"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// ApprovalStatus tracks whether a role assignment has been approved.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RoleAssignment ties a principal to a role. Assignments are deactivated on
// revoke, never hard-deleted.
type RoleAssignment struct {
	ID          uuid.UUID      `json:"id"`
	PrincipalID string         `json:"principal_id"`
	RoleID      uuid.UUID      `json:"role_id"`
	Context     string         `json:"context,omitempty"`
	ValidUntil  *time.Time     `json:"valid_until,omitempty"`
	Approval    ApprovalStatus `json:"approval"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Effective reports whether the assignment grants anything at the given time.
func (a RoleAssignment) Effective(now time.Time) bool {
	if !a.Active || a.Approval != ApprovalApproved {
		return false
	}
	if a.ValidUntil != nil && !now.Before(*a.ValidUntil) {
		return false
	}
	return true
}

// RolePermissionGrant attaches a permission to a role, optionally guarded by
// conditions and a validity window.
type RolePermissionGrant struct {
	ID           uuid.UUID   `json:"id"`
	RoleID       uuid.UUID   `json:"role_id"`
	PermissionID uuid.UUID   `json:"permission_id"`
	Conditions   []Condition `json:"conditions,omitempty"`
	ValidFrom    *time.Time  `json:"valid_from,omitempty"`
	ValidUntil   *time.Time  `json:"valid_until,omitempty"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Current reports whether the grant's temporal window contains now.
func (g RolePermissionGrant) Current(now time.Time) bool {
	return g.Active && windowContains(now, g.ValidFrom, g.ValidUntil)
}

// ResourceRef identifies a node in the resource tree.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Resource is a node in the resource tree. At most one parent, so the graph
// is acyclic by construction.
type Resource struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Parent    *ResourceRef `json:"parent,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Ref returns the resource's own reference.
func (r Resource) Ref() ResourceRef {
	return ResourceRef{Type: r.Type, ID: r.ID}
}

// ResourcePermissionGrant marks a permission as granted at a resource node.
// Inheritable grants also apply to descendants of the node.
type ResourcePermissionGrant struct {
	ID           uuid.UUID   `json:"id"`
	Resource     ResourceRef `json:"resource"`
	PermissionID uuid.UUID   `json:"permission_id"`
	Inheritable  bool        `json:"inheritable"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// UserResourcePermissionGrant grants a permission on a resource directly to a
// principal, bypassing roles.
type UserResourcePermissionGrant struct {
	ID           uuid.UUID   `json:"id"`
	PrincipalID  string      `json:"principal_id"`
	Resource     ResourceRef `json:"resource"`
	PermissionID uuid.UUID   `json:"permission_id"`
	Conditions   []Condition `json:"conditions,omitempty"`
	ValidUntil   *time.Time  `json:"valid_until,omitempty"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Current reports whether the grant is active and within its window.
func (g UserResourcePermissionGrant) Current(now time.Time) bool {
	return g.Active && windowContains(now, nil, g.ValidUntil)
}

// Decision is the outcome of evaluating a (principal, permission, resource)
// triple.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// PermissionCheck pairs a permission name with its decision, used by bulk
// checks.
type PermissionCheck struct {
	Permission string `json:"permission"`
	Decision
}

func windowContains(now time.Time, from, until *time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if until != nil && !now.Before(*until) {
		return false
	}
	return true
}
