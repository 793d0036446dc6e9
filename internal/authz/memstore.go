package authz

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development. A
// single mutex guards every mutation, which also serializes hierarchy edge
// insertions as the Store contract requires.
type MemoryStore struct {
	mu sync.RWMutex

	principals  map[string]Principal
	roles       map[uuid.UUID]Role
	permissions map[uuid.UUID]Permission
	assignments map[uuid.UUID]RoleAssignment
	roleGrants  map[uuid.UUID]RolePermissionGrant
	resources   map[ResourceRef]Resource
	resGrants   map[uuid.UUID]ResourcePermissionGrant
	userGrants  map[uuid.UUID]UserResourcePermissionGrant

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:  make(map[string]Principal),
		roles:       make(map[uuid.UUID]Role),
		permissions: make(map[uuid.UUID]Permission),
		assignments: make(map[uuid.UUID]RoleAssignment),
		roleGrants:  make(map[uuid.UUID]RolePermissionGrant),
		resources:   make(map[ResourceRef]Resource),
		resGrants:   make(map[uuid.UUID]ResourcePermissionGrant),
		userGrants:  make(map[uuid.UUID]UserResourcePermissionGrant),
		now:         time.Now,
	}
}

// SavePrincipal inserts or replaces a principal record.
func (s *MemoryStore) SavePrincipal(_ context.Context, p Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		return Validationf("id", "principal id required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.principals[p.ID] = p
	return nil
}

// Principal fetches a principal by ID.
func (s *MemoryStore) Principal(_ context.Context, id string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, NotFoundf("principal %s", id)
	}
	return p, nil
}

// CreateRole inserts a role, deriving its level from the parent.
func (s *MemoryStore) CreateRole(_ context.Context, params CreateRoleParams) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.Name == "" {
		return Role{}, Validationf("name", "role name required")
	}
	for _, r := range s.roles {
		if r.Name == params.Name && r.DeletedAt == nil {
			return Role{}, Validationf("name", "role %q already exists", params.Name)
		}
	}
	level := 0
	if params.ParentID != nil {
		parent, ok := s.roles[*params.ParentID]
		if !ok || parent.DeletedAt != nil {
			return Role{}, NotFoundf("parent role %s", params.ParentID)
		}
		level = parent.Level + 1
	}
	now := s.now()
	role := Role{
		ID:             uuid.New(),
		Name:           params.Name,
		Description:    params.Description,
		ParentID:       params.ParentID,
		Level:          level,
		System:         params.System,
		MaxAssignments: params.MaxAssignments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.roles[role.ID] = role
	return role, nil
}

// UpdateRole changes mutable role fields.
func (s *MemoryStore) UpdateRole(_ context.Context, id uuid.UUID, params UpdateRoleParams) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok || role.DeletedAt != nil {
		return Role{}, NotFoundf("role %s", id)
	}
	if params.Name == "" {
		return Role{}, Validationf("name", "role name required")
	}
	for _, r := range s.roles {
		if r.ID != id && r.Name == params.Name && r.DeletedAt == nil {
			return Role{}, Validationf("name", "role %q already exists", params.Name)
		}
	}
	role.Name = params.Name
	role.Description = params.Description
	role.MaxAssignments = params.MaxAssignments
	role.UpdatedAt = s.now()
	s.roles[id] = role
	return role, nil
}

// DeleteRole soft-deletes a role and deactivates its assignments. Without
// force it refuses while active assignments exist.
func (s *MemoryStore) DeleteRole(_ context.Context, id uuid.UUID, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok || role.DeletedAt != nil {
		return NotFoundf("role %s", id)
	}
	var active []uuid.UUID
	for aid, a := range s.assignments {
		if a.RoleID == id && a.Active {
			active = append(active, aid)
		}
	}
	if len(active) > 0 && !force {
		return Validationf("id", "role has %d active assignments", len(active))
	}
	for _, aid := range active {
		a := s.assignments[aid]
		a.Active = false
		s.assignments[aid] = a
	}
	now := s.now()
	role.DeletedAt = &now
	role.UpdatedAt = now
	s.roles[id] = role
	return nil
}

// Role fetches a role by ID, including soft-deleted rows so hierarchy walks
// can skip them explicitly.
func (s *MemoryStore) Role(_ context.Context, id uuid.UUID) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, NotFoundf("role %s", id)
	}
	return role, nil
}

// RoleByName fetches a live role by name.
func (s *MemoryStore) RoleByName(_ context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name && r.DeletedAt == nil {
			return r, nil
		}
	}
	return Role{}, NotFoundf("role %q", name)
}

// ListRoles returns all live roles.
func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		if r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateRoleHierarchyEdge re-parents child under parent after verifying that
// parent is not already a descendant of child. Nothing is written on
// rejection.
func (s *MemoryStore) CreateRoleHierarchyEdge(_ context.Context, parentID, childID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.roles[parentID]
	if !ok || parent.DeletedAt != nil {
		return NotFoundf("role %s", parentID)
	}
	child, ok := s.roles[childID]
	if !ok || child.DeletedAt != nil {
		return NotFoundf("role %s", childID)
	}
	if parentID == childID {
		return ErrCycle
	}
	for _, id := range s.descendantsLocked(childID) {
		if id == parentID {
			return ErrCycle
		}
	}
	child.ParentID = &parentID
	child.UpdatedAt = s.now()
	s.roles[childID] = child
	s.relevelLocked(childID, parent.Level+1)
	return nil
}

func (s *MemoryStore) descendantsLocked(rootID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	queue := []uuid.UUID{rootID}
	seen := map[uuid.UUID]struct{}{rootID: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for id, r := range s.roles {
			if r.ParentID == nil || *r.ParentID != cur {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			queue = append(queue, id)
		}
	}
	return out
}

func (s *MemoryStore) relevelLocked(rootID uuid.UUID, level int) {
	root := s.roles[rootID]
	delta := level - root.Level
	if delta == 0 {
		return
	}
	root.Level = level
	s.roles[rootID] = root
	for _, id := range s.descendantsLocked(rootID) {
		r := s.roles[id]
		r.Level += delta
		s.roles[id] = r
	}
}

// CreatePermission inserts a permission.
func (s *MemoryStore) CreatePermission(_ context.Context, params CreatePermissionParams) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.Name == "" {
		return Permission{}, Validationf("name", "permission name required")
	}
	for _, p := range s.permissions {
		if p.Name == params.Name && p.DeletedAt == nil {
			return Permission{}, Validationf("name", "permission %q already exists", params.Name)
		}
	}
	risk := params.Risk
	if risk == "" {
		risk = RiskLow
	}
	now := s.now()
	perm := Permission{
		ID:           uuid.New(),
		Name:         params.Name,
		Description:  params.Description,
		ResourceType: params.ResourceType,
		Risk:         risk,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.permissions[perm.ID] = perm
	return perm, nil
}

// UpdatePermission changes mutable permission fields.
func (s *MemoryStore) UpdatePermission(_ context.Context, id uuid.UUID, description string, risk RiskLevel) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.permissions[id]
	if !ok || perm.DeletedAt != nil {
		return Permission{}, NotFoundf("permission %s", id)
	}
	perm.Description = description
	if risk != "" {
		perm.Risk = risk
	}
	perm.UpdatedAt = s.now()
	s.permissions[id] = perm
	return perm, nil
}

// DeletePermission soft-deletes a permission.
func (s *MemoryStore) DeletePermission(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.permissions[id]
	if !ok || perm.DeletedAt != nil {
		return NotFoundf("permission %s", id)
	}
	now := s.now()
	perm.DeletedAt = &now
	perm.UpdatedAt = now
	s.permissions[id] = perm
	return nil
}

// Permission fetches a live permission by ID.
func (s *MemoryStore) Permission(_ context.Context, id uuid.UUID) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[id]
	if !ok || perm.DeletedAt != nil {
		return Permission{}, NotFoundf("permission %s", id)
	}
	return perm, nil
}

// PermissionByName fetches a live permission by name.
func (s *MemoryStore) PermissionByName(_ context.Context, name string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Name == name && p.DeletedAt == nil {
			return p, nil
		}
	}
	return Permission{}, NotFoundf("permission %q", name)
}

// ListPermissions returns all live permissions.
func (s *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// AssignRole creates an active assignment, enforcing max occupancy and
// rejecting duplicates.
func (s *MemoryStore) AssignRole(_ context.Context, params AssignRoleParams) (RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[params.PrincipalID]; !ok {
		return RoleAssignment{}, NotFoundf("principal %s", params.PrincipalID)
	}
	role, ok := s.roles[params.RoleID]
	if !ok || role.DeletedAt != nil {
		return RoleAssignment{}, NotFoundf("role %s", params.RoleID)
	}
	occupancy := 0
	for _, a := range s.assignments {
		if a.RoleID != params.RoleID || !a.Active {
			continue
		}
		occupancy++
		if a.PrincipalID == params.PrincipalID {
			return RoleAssignment{}, Validationf("role_id", "principal already holds role %q", role.Name)
		}
	}
	if role.MaxAssignments > 0 && occupancy >= role.MaxAssignments {
		return RoleAssignment{}, Validationf("role_id", "role %q is at max occupancy", role.Name)
	}
	approval := params.Approval
	if approval == "" {
		approval = ApprovalApproved
	}
	a := RoleAssignment{
		ID:          uuid.New(),
		PrincipalID: params.PrincipalID,
		RoleID:      params.RoleID,
		Context:     params.Context,
		ValidUntil:  params.ValidUntil,
		Approval:    approval,
		Active:      true,
		CreatedAt:   s.now(),
	}
	s.assignments[a.ID] = a
	return a, nil
}

// RevokeRole deactivates the principal's assignment to the role.
func (s *MemoryStore) RevokeRole(_ context.Context, principalID string, roleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, a := range s.assignments {
		if a.PrincipalID == principalID && a.RoleID == roleID && a.Active {
			a.Active = false
			s.assignments[id] = a
			found = true
		}
	}
	if !found {
		return NotFoundf("assignment of role %s to principal %s", roleID, principalID)
	}
	return nil
}

// ActiveAssignments returns the principal's active assignments.
func (s *MemoryStore) ActiveAssignments(_ context.Context, principalID string) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range s.assignments {
		if a.PrincipalID == principalID && a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

// GrantRolePermission attaches a permission to a role.
func (s *MemoryStore) GrantRolePermission(_ context.Context, params GrantRolePermissionParams) (RolePermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[params.RoleID]
	if !ok || role.DeletedAt != nil {
		return RolePermissionGrant{}, NotFoundf("role %s", params.RoleID)
	}
	if _, ok := s.permissions[params.PermissionID]; !ok {
		return RolePermissionGrant{}, NotFoundf("permission %s", params.PermissionID)
	}
	g := RolePermissionGrant{
		ID:           uuid.New(),
		RoleID:       params.RoleID,
		PermissionID: params.PermissionID,
		Conditions:   params.Conditions,
		ValidFrom:    params.ValidFrom,
		ValidUntil:   params.ValidUntil,
		Active:       true,
		CreatedAt:    s.now(),
	}
	s.roleGrants[g.ID] = g
	return g, nil
}

// RevokeRolePermission deactivates grants of the permission to the role.
func (s *MemoryStore) RevokeRolePermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, g := range s.roleGrants {
		if g.RoleID == roleID && g.PermissionID == permissionID && g.Active {
			g.Active = false
			s.roleGrants[id] = g
			found = true
		}
	}
	if !found {
		return NotFoundf("grant of permission %s to role %s", permissionID, roleID)
	}
	return nil
}

// RoleGrants returns active grants attached to the role.
func (s *MemoryStore) RoleGrants(_ context.Context, roleID uuid.UUID) ([]RolePermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RolePermissionGrant
	for _, g := range s.roleGrants {
		if g.RoleID == roleID && g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

// CreateResource inserts a resource node after validating its parent exists.
func (s *MemoryStore) CreateResource(_ context.Context, res Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Type == "" || res.ID == "" {
		return Validationf("resource", "type and id required")
	}
	if _, ok := s.resources[res.Ref()]; ok {
		return Validationf("resource", "resource %s/%s already exists", res.Type, res.ID)
	}
	if res.Parent != nil {
		if _, ok := s.resources[*res.Parent]; !ok {
			return NotFoundf("parent resource %s/%s", res.Parent.Type, res.Parent.ID)
		}
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	s.resources[res.Ref()] = res
	return nil
}

// Resource fetches a resource node.
func (s *MemoryStore) Resource(_ context.Context, ref ResourceRef) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[ref]
	if !ok {
		return Resource{}, NotFoundf("resource %s/%s", ref.Type, ref.ID)
	}
	return res, nil
}

// GrantResourcePermission marks a permission as granted at a resource node.
func (s *MemoryStore) GrantResourcePermission(_ context.Context, params GrantResourcePermissionParams) (ResourcePermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[params.Resource]; !ok {
		return ResourcePermissionGrant{}, NotFoundf("resource %s/%s", params.Resource.Type, params.Resource.ID)
	}
	if _, ok := s.permissions[params.PermissionID]; !ok {
		return ResourcePermissionGrant{}, NotFoundf("permission %s", params.PermissionID)
	}
	g := ResourcePermissionGrant{
		ID:           uuid.New(),
		Resource:     params.Resource,
		PermissionID: params.PermissionID,
		Inheritable:  params.Inheritable,
		Active:       true,
		CreatedAt:    s.now(),
	}
	s.resGrants[g.ID] = g
	return g, nil
}

// RevokeResourcePermission deactivates resource-level grants of the permission.
func (s *MemoryStore) RevokeResourcePermission(_ context.Context, ref ResourceRef, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, g := range s.resGrants {
		if g.Resource == ref && g.PermissionID == permissionID && g.Active {
			g.Active = false
			s.resGrants[id] = g
			found = true
		}
	}
	if !found {
		return NotFoundf("resource grant of %s at %s/%s", permissionID, ref.Type, ref.ID)
	}
	return nil
}

// ResourceGrants returns active grants at a resource node.
func (s *MemoryStore) ResourceGrants(_ context.Context, ref ResourceRef) ([]ResourcePermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ResourcePermissionGrant
	for _, g := range s.resGrants {
		if g.Resource == ref && g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

// GrantUserResourcePermission grants a permission on a resource directly to
// a principal.
func (s *MemoryStore) GrantUserResourcePermission(_ context.Context, params GrantUserResourcePermissionParams) (UserResourcePermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[params.PrincipalID]; !ok {
		return UserResourcePermissionGrant{}, NotFoundf("principal %s", params.PrincipalID)
	}
	if _, ok := s.resources[params.Resource]; !ok {
		return UserResourcePermissionGrant{}, NotFoundf("resource %s/%s", params.Resource.Type, params.Resource.ID)
	}
	if _, ok := s.permissions[params.PermissionID]; !ok {
		return UserResourcePermissionGrant{}, NotFoundf("permission %s", params.PermissionID)
	}
	g := UserResourcePermissionGrant{
		ID:           uuid.New(),
		PrincipalID:  params.PrincipalID,
		Resource:     params.Resource,
		PermissionID: params.PermissionID,
		Conditions:   params.Conditions,
		ValidUntil:   params.ValidUntil,
		Active:       true,
		CreatedAt:    s.now(),
	}
	s.userGrants[g.ID] = g
	return g, nil
}

// RevokeUserResourcePermission deactivates the principal's direct grants of
// the permission on the resource.
func (s *MemoryStore) RevokeUserResourcePermission(_ context.Context, principalID string, ref ResourceRef, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, g := range s.userGrants {
		if g.PrincipalID == principalID && g.Resource == ref && g.PermissionID == permissionID && g.Active {
			g.Active = false
			s.userGrants[id] = g
			found = true
		}
	}
	if !found {
		return NotFoundf("user grant of %s at %s/%s", permissionID, ref.Type, ref.ID)
	}
	return nil
}

// UserResourceGrants returns the principal's active direct grants on a node.
func (s *MemoryStore) UserResourceGrants(_ context.Context, principalID string, ref ResourceRef) ([]UserResourcePermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserResourcePermissionGrant
	for _, g := range s.userGrants {
		if g.PrincipalID == principalID && g.Resource == ref && g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

// UserResourceGrantsForPrincipal returns every active direct grant the
// principal holds.
func (s *MemoryStore) UserResourceGrantsForPrincipal(_ context.Context, principalID string) ([]UserResourcePermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserResourcePermissionGrant
	for _, g := range s.userGrants {
		if g.PrincipalID == principalID && g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}
