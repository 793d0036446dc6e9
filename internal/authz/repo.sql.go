package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/platform/db"

	"github.com/google/uuid"
)

const pgUniqueViolation = "23505"

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// NewPGStore constructs a store over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// SavePrincipal upserts a principal record.
func (s *PGStore) SavePrincipal(ctx context.Context, p Principal) error {
	if p.ID == "" {
		return Validationf("id", "principal id required")
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return fmt.Errorf("authz: encode attributes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO authz_principals (id, display_name, superuser, active, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6::timestamptz, '0001-01-01'::timestamptz), now()))
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			superuser = EXCLUDED.superuser,
			active = EXCLUDED.active,
			attributes = EXCLUDED.attributes`,
		p.ID, p.DisplayName, p.Superuser, p.Active, attrs, p.CreatedAt)
	return err
}

// Principal fetches a principal by ID.
func (s *PGStore) Principal(ctx context.Context, id string) (Principal, error) {
	var p Principal
	var attrs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, superuser, active, attributes, created_at
		FROM authz_principals WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &p.Superuser, &p.Active, &attrs, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, NotFoundf("principal %s", id)
	}
	if err != nil {
		return Principal{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return Principal{}, fmt.Errorf("authz: decode attributes: %w", err)
		}
	}
	return p, nil
}

const roleColumns = `id, name, description, parent_id, level, is_system, max_assignments, created_at, updated_at, deleted_at`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.ParentID, &r.Level,
		&r.System, &r.MaxAssignments, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	return r, err
}

// CreateRole inserts a role, deriving level from the parent inside one
// transaction.
func (s *PGStore) CreateRole(ctx context.Context, params CreateRoleParams) (Role, error) {
	if params.Name == "" {
		return Role{}, Validationf("name", "role name required")
	}
	var role Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		level := 0
		if params.ParentID != nil {
			err := tx.QueryRow(ctx,
				`SELECT level + 1 FROM authz_roles WHERE id = $1 AND deleted_at IS NULL`,
				*params.ParentID).Scan(&level)
			if errors.Is(err, pgx.ErrNoRows) {
				return NotFoundf("parent role %s", params.ParentID)
			}
			if err != nil {
				return err
			}
		}
		var err error
		role, err = scanRole(tx.QueryRow(ctx, `
			INSERT INTO authz_roles (id, name, description, parent_id, level, is_system, max_assignments)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+roleColumns,
			uuid.New(), params.Name, params.Description, params.ParentID, level,
			params.System, params.MaxAssignments))
		if isUnique(err) {
			return Validationf("name", "role %q already exists", params.Name)
		}
		return err
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole changes mutable role fields.
func (s *PGStore) UpdateRole(ctx context.Context, id uuid.UUID, params UpdateRoleParams) (Role, error) {
	if params.Name == "" {
		return Role{}, Validationf("name", "role name required")
	}
	role, err := scanRole(s.pool.QueryRow(ctx, `
		UPDATE authz_roles
		SET name = $2, description = $3, max_assignments = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+roleColumns,
		id, params.Name, params.Description, params.MaxAssignments))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, NotFoundf("role %s", id)
	}
	if isUnique(err) {
		return Role{}, Validationf("name", "role %q already exists", params.Name)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole soft-deletes a role, cascading deactivation of its assignments
// in the same transaction. Without force it refuses while active assignments
// exist.
func (s *PGStore) DeleteRole(ctx context.Context, id uuid.UUID, force bool) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM authz_roles WHERE id = $1 AND deleted_at IS NULL FOR UPDATE)`,
			id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFoundf("role %s", id)
		}
		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM authz_role_assignments WHERE role_id = $1 AND active`,
			id).Scan(&active); err != nil {
			return err
		}
		if active > 0 && !force {
			return Validationf("id", "role has %d active assignments", active)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE authz_role_assignments SET active = false WHERE role_id = $1 AND active`,
			id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE authz_roles SET deleted_at = now(), updated_at = now() WHERE id = $1`,
			id)
		return err
	})
}

// Role fetches a role by ID, including soft-deleted rows.
func (s *PGStore) Role(ctx context.Context, id uuid.UUID) (Role, error) {
	role, err := scanRole(s.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM authz_roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, NotFoundf("role %s", id)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// RoleByName fetches a live role by name.
func (s *PGStore) RoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(s.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM authz_roles WHERE name = $1 AND deleted_at IS NULL`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, NotFoundf("role %q", name)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all live roles ordered by name.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM authz_roles WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateRoleHierarchyEdge re-parents child under parent. Both rows are locked
// FOR UPDATE so concurrent inserts into the same tree serialize, then the
// child's descendant set is computed inside the transaction; a cycle aborts
// before any write. On success the child subtree is re-levelled.
func (s *PGStore) CreateRoleHierarchyEdge(ctx context.Context, parentID, childID uuid.UUID) error {
	if parentID == childID {
		return ErrCycle
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, level FROM authz_roles
			WHERE id = ANY($1) AND deleted_at IS NULL
			ORDER BY id
			FOR UPDATE`, []uuid.UUID{parentID, childID})
		if err != nil {
			return err
		}
		levels := make(map[uuid.UUID]int, 2)
		for rows.Next() {
			var id uuid.UUID
			var level int
			if err := rows.Scan(&id, &level); err != nil {
				rows.Close()
				return err
			}
			levels[id] = level
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		parentLevel, ok := levels[parentID]
		if !ok {
			return NotFoundf("role %s", parentID)
		}
		if _, ok := levels[childID]; !ok {
			return NotFoundf("role %s", childID)
		}

		var cycle bool
		err = tx.QueryRow(ctx, `
			WITH RECURSIVE sub AS (
				SELECT id FROM authz_roles WHERE id = $1
				UNION ALL
				SELECT r.id FROM authz_roles r JOIN sub ON r.parent_id = sub.id
			)
			SELECT EXISTS(SELECT 1 FROM sub WHERE id = $2)`, childID, parentID).Scan(&cycle)
		if err != nil {
			return err
		}
		if cycle {
			return ErrCycle
		}

		if _, err := tx.Exec(ctx,
			`UPDATE authz_roles SET parent_id = $2, updated_at = now() WHERE id = $1`,
			childID, parentID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			WITH RECURSIVE sub AS (
				SELECT id, $2::int AS level FROM authz_roles WHERE id = $1
				UNION ALL
				SELECT r.id, sub.level + 1 FROM authz_roles r JOIN sub ON r.parent_id = sub.id
			)
			UPDATE authz_roles r SET level = sub.level, updated_at = now()
			FROM sub WHERE r.id = sub.id`, childID, parentLevel+1)
		return err
	})
}

const permissionColumns = `id, name, description, resource_type, risk, created_at, updated_at, deleted_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ResourceType, &p.Risk,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	return p, err
}

// CreatePermission inserts a permission.
func (s *PGStore) CreatePermission(ctx context.Context, params CreatePermissionParams) (Permission, error) {
	if params.Name == "" {
		return Permission{}, Validationf("name", "permission name required")
	}
	risk := params.Risk
	if risk == "" {
		risk = RiskLow
	}
	perm, err := scanPermission(s.pool.QueryRow(ctx, `
		INSERT INTO authz_permissions (id, name, description, resource_type, risk)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+permissionColumns,
		uuid.New(), params.Name, params.Description, params.ResourceType, risk))
	if isUnique(err) {
		return Permission{}, Validationf("name", "permission %q already exists", params.Name)
	}
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// UpdatePermission changes mutable permission fields.
func (s *PGStore) UpdatePermission(ctx context.Context, id uuid.UUID, description string, risk RiskLevel) (Permission, error) {
	perm, err := scanPermission(s.pool.QueryRow(ctx, `
		UPDATE authz_permissions
		SET description = $2, risk = COALESCE(NULLIF($3, ''), risk), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+permissionColumns, id, description, string(risk)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, NotFoundf("permission %s", id)
	}
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// DeletePermission soft-deletes a permission.
func (s *PGStore) DeletePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE authz_permissions SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("permission %s", id)
	}
	return nil
}

// Permission fetches a live permission by ID.
func (s *PGStore) Permission(ctx context.Context, id uuid.UUID) (Permission, error) {
	perm, err := scanPermission(s.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM authz_permissions WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, NotFoundf("permission %s", id)
	}
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// PermissionByName fetches a live permission by name.
func (s *PGStore) PermissionByName(ctx context.Context, name string) (Permission, error) {
	perm, err := scanPermission(s.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM authz_permissions WHERE name = $1 AND deleted_at IS NULL`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, NotFoundf("permission %q", name)
	}
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// ListPermissions returns all live permissions ordered by name.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM authz_permissions WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// AssignRole creates an active assignment, enforcing max occupancy under the
// role row lock.
func (s *PGStore) AssignRole(ctx context.Context, params AssignRoleParams) (RoleAssignment, error) {
	approval := params.Approval
	if approval == "" {
		approval = ApprovalApproved
	}
	var assignment RoleAssignment
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var name string
		var maxAssignments int
		err := tx.QueryRow(ctx,
			`SELECT name, max_assignments FROM authz_roles WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
			params.RoleID).Scan(&name, &maxAssignments)
		if errors.Is(err, pgx.ErrNoRows) {
			return NotFoundf("role %s", params.RoleID)
		}
		if err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM authz_principals WHERE id = $1)`,
			params.PrincipalID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFoundf("principal %s", params.PrincipalID)
		}
		var occupancy int
		var duplicate bool
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(bool_or(principal_id = $2), false)
			FROM authz_role_assignments WHERE role_id = $1 AND active`,
			params.RoleID, params.PrincipalID).Scan(&occupancy, &duplicate); err != nil {
			return err
		}
		if duplicate {
			return Validationf("role_id", "principal already holds role %q", name)
		}
		if maxAssignments > 0 && occupancy >= maxAssignments {
			return Validationf("role_id", "role %q is at max occupancy", name)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO authz_role_assignments (id, principal_id, role_id, context, valid_until, approval, active)
			VALUES ($1, $2, $3, $4, $5, $6, true)
			RETURNING id, principal_id, role_id, context, valid_until, approval, active, created_at`,
			uuid.New(), params.PrincipalID, params.RoleID, params.Context, params.ValidUntil, approval).
			Scan(&assignment.ID, &assignment.PrincipalID, &assignment.RoleID, &assignment.Context,
				&assignment.ValidUntil, &assignment.Approval, &assignment.Active, &assignment.CreatedAt)
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	return assignment, nil
}

// RevokeRole deactivates the principal's assignments to the role.
func (s *PGStore) RevokeRole(ctx context.Context, principalID string, roleID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE authz_role_assignments SET active = false
		 WHERE principal_id = $1 AND role_id = $2 AND active`, principalID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("assignment of role %s to principal %s", roleID, principalID)
	}
	return nil
}

// ActiveAssignments returns the principal's active assignments.
func (s *PGStore) ActiveAssignments(ctx context.Context, principalID string) ([]RoleAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, role_id, context, valid_until, approval, active, created_at
		FROM authz_role_assignments WHERE principal_id = $1 AND active`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.Context,
			&a.ValidUntil, &a.Approval, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GrantRolePermission attaches a permission to a role.
func (s *PGStore) GrantRolePermission(ctx context.Context, params GrantRolePermissionParams) (RolePermissionGrant, error) {
	conds, err := json.Marshal(params.Conditions)
	if err != nil {
		return RolePermissionGrant{}, fmt.Errorf("authz: encode conditions: %w", err)
	}
	var g RolePermissionGrant
	var rawConds []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO authz_role_permission_grants (id, role_id, permission_id, conditions, valid_from, valid_until, active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING id, role_id, permission_id, conditions, valid_from, valid_until, active, created_at`,
		uuid.New(), params.RoleID, params.PermissionID, conds, params.ValidFrom, params.ValidUntil).
		Scan(&g.ID, &g.RoleID, &g.PermissionID, &rawConds, &g.ValidFrom, &g.ValidUntil, &g.Active, &g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return RolePermissionGrant{}, NotFoundf("role %s or permission %s", params.RoleID, params.PermissionID)
		}
		return RolePermissionGrant{}, err
	}
	if err := decodeConditions(rawConds, &g.Conditions); err != nil {
		return RolePermissionGrant{}, err
	}
	return g, nil
}

// RevokeRolePermission deactivates grants of the permission to the role.
func (s *PGStore) RevokeRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE authz_role_permission_grants SET active = false
		 WHERE role_id = $1 AND permission_id = $2 AND active`, roleID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("grant of permission %s to role %s", permissionID, roleID)
	}
	return nil
}

// RoleGrants returns active grants attached to the role.
func (s *PGStore) RoleGrants(ctx context.Context, roleID uuid.UUID) ([]RolePermissionGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, role_id, permission_id, conditions, valid_from, valid_until, active, created_at
		FROM authz_role_permission_grants WHERE role_id = $1 AND active`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RolePermissionGrant
	for rows.Next() {
		var g RolePermissionGrant
		var rawConds []byte
		if err := rows.Scan(&g.ID, &g.RoleID, &g.PermissionID, &rawConds,
			&g.ValidFrom, &g.ValidUntil, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeConditions(rawConds, &g.Conditions); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreateResource inserts a resource node; the parent must already exist so
// the tree shape holds by construction.
func (s *PGStore) CreateResource(ctx context.Context, res Resource) error {
	if res.Type == "" || res.ID == "" {
		return Validationf("resource", "type and id required")
	}
	var parentType, parentID *string
	if res.Parent != nil {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM authz_resources WHERE resource_type = $1 AND resource_id = $2)`,
			res.Parent.Type, res.Parent.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFoundf("parent resource %s/%s", res.Parent.Type, res.Parent.ID)
		}
		parentType, parentID = &res.Parent.Type, &res.Parent.ID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authz_resources (resource_type, resource_id, parent_type, parent_id)
		VALUES ($1, $2, $3, $4)`,
		res.Type, res.ID, parentType, parentID)
	if isUnique(err) {
		return Validationf("resource", "resource %s/%s already exists", res.Type, res.ID)
	}
	return err
}

// Resource fetches a resource node.
func (s *PGStore) Resource(ctx context.Context, ref ResourceRef) (Resource, error) {
	var res Resource
	var parentType, parentID *string
	err := s.pool.QueryRow(ctx, `
		SELECT resource_type, resource_id, parent_type, parent_id, created_at
		FROM authz_resources WHERE resource_type = $1 AND resource_id = $2`,
		ref.Type, ref.ID).
		Scan(&res.Type, &res.ID, &parentType, &parentID, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, NotFoundf("resource %s/%s", ref.Type, ref.ID)
	}
	if err != nil {
		return Resource{}, err
	}
	if parentType != nil && parentID != nil {
		res.Parent = &ResourceRef{Type: *parentType, ID: *parentID}
	}
	return res, nil
}

// GrantResourcePermission marks a permission as granted at a resource node.
func (s *PGStore) GrantResourcePermission(ctx context.Context, params GrantResourcePermissionParams) (ResourcePermissionGrant, error) {
	var g ResourcePermissionGrant
	err := s.pool.QueryRow(ctx, `
		INSERT INTO authz_resource_grants (id, resource_type, resource_id, permission_id, inheritable, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, resource_type, resource_id, permission_id, inheritable, active, created_at`,
		uuid.New(), params.Resource.Type, params.Resource.ID, params.PermissionID, params.Inheritable).
		Scan(&g.ID, &g.Resource.Type, &g.Resource.ID, &g.PermissionID, &g.Inheritable, &g.Active, &g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ResourcePermissionGrant{}, NotFoundf("resource %s/%s or permission %s",
				params.Resource.Type, params.Resource.ID, params.PermissionID)
		}
		return ResourcePermissionGrant{}, err
	}
	return g, nil
}

// RevokeResourcePermission deactivates resource-level grants of the permission.
func (s *PGStore) RevokeResourcePermission(ctx context.Context, ref ResourceRef, permissionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE authz_resource_grants SET active = false
		WHERE resource_type = $1 AND resource_id = $2 AND permission_id = $3 AND active`,
		ref.Type, ref.ID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("resource grant of %s at %s/%s", permissionID, ref.Type, ref.ID)
	}
	return nil
}

// ResourceGrants returns active grants at a resource node.
func (s *PGStore) ResourceGrants(ctx context.Context, ref ResourceRef) ([]ResourcePermissionGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_type, resource_id, permission_id, inheritable, active, created_at
		FROM authz_resource_grants
		WHERE resource_type = $1 AND resource_id = $2 AND active`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResourcePermissionGrant
	for rows.Next() {
		var g ResourcePermissionGrant
		if err := rows.Scan(&g.ID, &g.Resource.Type, &g.Resource.ID, &g.PermissionID,
			&g.Inheritable, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GrantUserResourcePermission grants a permission on a resource directly to a
// principal.
func (s *PGStore) GrantUserResourcePermission(ctx context.Context, params GrantUserResourcePermissionParams) (UserResourcePermissionGrant, error) {
	conds, err := json.Marshal(params.Conditions)
	if err != nil {
		return UserResourcePermissionGrant{}, fmt.Errorf("authz: encode conditions: %w", err)
	}
	var g UserResourcePermissionGrant
	var rawConds []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO authz_user_resource_grants (id, principal_id, resource_type, resource_id, permission_id, conditions, valid_until, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING id, principal_id, resource_type, resource_id, permission_id, conditions, valid_until, active, created_at`,
		uuid.New(), params.PrincipalID, params.Resource.Type, params.Resource.ID,
		params.PermissionID, conds, params.ValidUntil).
		Scan(&g.ID, &g.PrincipalID, &g.Resource.Type, &g.Resource.ID, &g.PermissionID,
			&rawConds, &g.ValidUntil, &g.Active, &g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return UserResourcePermissionGrant{}, NotFoundf("principal %s, resource %s/%s, or permission %s",
				params.PrincipalID, params.Resource.Type, params.Resource.ID, params.PermissionID)
		}
		return UserResourcePermissionGrant{}, err
	}
	if err := decodeConditions(rawConds, &g.Conditions); err != nil {
		return UserResourcePermissionGrant{}, err
	}
	return g, nil
}

// RevokeUserResourcePermission deactivates the principal's direct grants of
// the permission on the resource.
func (s *PGStore) RevokeUserResourcePermission(ctx context.Context, principalID string, ref ResourceRef, permissionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE authz_user_resource_grants SET active = false
		WHERE principal_id = $1 AND resource_type = $2 AND resource_id = $3 AND permission_id = $4 AND active`,
		principalID, ref.Type, ref.ID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("user grant of %s at %s/%s", permissionID, ref.Type, ref.ID)
	}
	return nil
}

const userGrantColumns = `id, principal_id, resource_type, resource_id, permission_id, conditions, valid_until, active, created_at`

func (s *PGStore) queryUserGrants(ctx context.Context, query string, args ...any) ([]UserResourcePermissionGrant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserResourcePermissionGrant
	for rows.Next() {
		var g UserResourcePermissionGrant
		var rawConds []byte
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.Resource.Type, &g.Resource.ID,
			&g.PermissionID, &rawConds, &g.ValidUntil, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeConditions(rawConds, &g.Conditions); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UserResourceGrants returns the principal's active direct grants on a node.
func (s *PGStore) UserResourceGrants(ctx context.Context, principalID string, ref ResourceRef) ([]UserResourcePermissionGrant, error) {
	return s.queryUserGrants(ctx, `
		SELECT `+userGrantColumns+` FROM authz_user_resource_grants
		WHERE principal_id = $1 AND resource_type = $2 AND resource_id = $3 AND active`,
		principalID, ref.Type, ref.ID)
}

// UserResourceGrantsForPrincipal returns every active direct grant the
// principal holds.
func (s *PGStore) UserResourceGrantsForPrincipal(ctx context.Context, principalID string) ([]UserResourcePermissionGrant, error) {
	return s.queryUserGrants(ctx, `
		SELECT `+userGrantColumns+` FROM authz_user_resource_grants
		WHERE principal_id = $1 AND active`, principalID)
}

func decodeConditions(raw []byte, dest *[]Condition) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("authz: decode conditions: %w", err)
	}
	return nil
}
