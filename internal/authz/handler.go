package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
)

// Handler exposes the authorization API over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check/bulk", h.checkBulk)

	r.Route("/principals", func(r chi.Router) {
		r.Put("/{id}", h.savePrincipal)
		r.Get("/{id}/permissions", h.effectivePermissions)
		r.Post("/{id}/roles", h.assignRole)
		r.Delete("/{id}/roles/{roleID}", h.revokeRole)
	})

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Get("/{id}", h.getRole)
		r.Patch("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/parent", h.setRoleParent)
		r.Post("/{id}/permissions", h.grantRolePermission)
		r.Delete("/{id}/permissions/{permissionID}", h.revokeRolePermission)
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Patch("/{id}", h.updatePermission)
		r.Delete("/{id}", h.deletePermission)
	})

	r.Route("/resources", func(r chi.Router) {
		r.Post("/", h.createResource)
		r.Post("/{type}/{id}/grants", h.grantResourcePermission)
		r.Delete("/{type}/{id}/grants/{permissionID}", h.revokeResourcePermission)
		r.Post("/{type}/{id}/user-grants", h.grantUserResourcePermission)
		r.Delete("/{type}/{id}/user-grants/{principalID}/{permissionID}", h.revokeUserResourcePermission)
	})
}

type checkRequest struct {
	PrincipalID  string         `json:"principal_id" validate:"required"`
	Permission   string         `json:"permission" validate:"required"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Context      RequestContext `json:"context"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	dec, err := h.service.CheckPermission(r.Context(), req.PrincipalID, req.Permission, req.ResourceType, req.ResourceID, req.Context)
	if err != nil {
		h.respondError(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, dec)
}

type bulkCheckRequest struct {
	PrincipalID  string         `json:"principal_id" validate:"required"`
	Permissions  []string       `json:"permissions" validate:"required,min=1,dive,required"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Context      RequestContext `json:"context"`
}

func (h *Handler) checkBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	checks, err := h.service.BulkCheckPermissions(r.Context(), req.PrincipalID, req.Permissions, req.ResourceType, req.ResourceID, req.Context)
	if err != nil {
		h.respondError(w, "bulk check", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": checks})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	query := r.URL.Query()
	perms, err := h.service.GetEffectivePermissions(r.Context(), principalID, query.Get("resource_type"), query.Get("resource_id"))
	if err != nil {
		h.respondError(w, "effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type savePrincipalRequest struct {
	DisplayName string            `json:"display_name"`
	Superuser   bool              `json:"superuser"`
	Active      bool              `json:"active"`
	Attributes  map[string]string `json:"attributes"`
}

func (h *Handler) savePrincipal(w http.ResponseWriter, r *http.Request) {
	var req savePrincipalRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := Principal{
		ID:          chi.URLParam(r, "id"),
		DisplayName: req.DisplayName,
		Superuser:   req.Superuser,
		Active:      req.Active,
		Attributes:  req.Attributes,
	}
	if err := h.service.SavePrincipal(r.Context(), p); err != nil {
		h.respondError(w, "save principal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type createRoleRequest struct {
	Name           string `json:"name" validate:"required,min=2,max=128"`
	Description    string `json:"description"`
	ParentID       string `json:"parent_id"`
	System         bool   `json:"system"`
	MaxAssignments int    `json:"max_assignments" validate:"gte=0"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	params := CreateRoleParams{
		Name:           req.Name,
		Description:    req.Description,
		System:         req.System,
		MaxAssignments: req.MaxAssignments,
	}
	if req.ParentID != "" {
		parentID, ok := h.parseID(w, req.ParentID, "parent_id")
		if !ok {
			return
		}
		params.ParentID = &parentID
	}
	role, err := h.service.CreateRole(r.Context(), params)
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	role, err := h.service.Role(r.Context(), id)
	if err != nil {
		h.respondError(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type updateRoleRequest struct {
	Name           string `json:"name" validate:"required,min=2,max=128"`
	Description    string `json:"description"`
	MaxAssignments int    `json:"max_assignments" validate:"gte=0"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, UpdateRoleParams{
		Name:           req.Name,
		Description:    req.Description,
		MaxAssignments: req.MaxAssignments,
	})
	if err != nil {
		h.respondError(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.service.DeleteRole(r.Context(), id, force); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRoleParentRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
}

func (h *Handler) setRoleParent(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	var req setRoleParentRequest
	if !h.decode(w, r, &req) {
		return
	}
	parentID, ok := h.parseID(w, req.ParentID, "parent_id")
	if !ok {
		return
	}
	if err := h.service.CreateRoleHierarchyEdge(r.Context(), parentID, childID); err != nil {
		h.respondError(w, "set role parent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRolePermissionRequest struct {
	PermissionID string      `json:"permission_id" validate:"required"`
	Conditions   []Condition `json:"conditions"`
	ValidFrom    *time.Time  `json:"valid_from"`
	ValidUntil   *time.Time  `json:"valid_until"`
}

func (h *Handler) grantRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	var req grantRolePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	permissionID, ok := h.parseID(w, req.PermissionID, "permission_id")
	if !ok {
		return
	}
	grant, err := h.service.GrantRolePermission(r.Context(), GrantRolePermissionParams{
		RoleID:       roleID,
		PermissionID: permissionID,
		Conditions:   req.Conditions,
		ValidFrom:    req.ValidFrom,
		ValidUntil:   req.ValidUntil,
	})
	if err != nil {
		h.respondError(w, "grant role permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) revokeRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	permissionID, ok := h.parseID(w, chi.URLParam(r, "permissionID"), "permissionID")
	if !ok {
		return
	}
	if err := h.service.RevokeRolePermission(r.Context(), roleID, permissionID); err != nil {
		h.respondError(w, "revoke role permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPermissionRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=128"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type"`
	Risk         string `json:"risk" validate:"omitempty,oneof=low medium high critical"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	risk := RiskLevel(req.Risk)
	if req.Risk == "" {
		risk = RiskLow
	}
	perm, err := h.service.CreatePermission(r.Context(), CreatePermissionParams{
		Name:         req.Name,
		Description:  req.Description,
		ResourceType: req.ResourceType,
		Risk:         risk,
	})
	if err != nil {
		h.respondError(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type updatePermissionRequest struct {
	Description string `json:"description"`
	Risk        string `json:"risk" validate:"omitempty,oneof=low medium high critical"`
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	var req updatePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), id, req.Description, RiskLevel(req.Risk))
	if err != nil {
		h.respondError(w, "update permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"), "id")
	if !ok {
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.respondError(w, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID     string     `json:"role_id" validate:"required"`
	Context    string     `json:"context"`
	ValidUntil *time.Time `json:"valid_until"`
	Approval   string     `json:"approval" validate:"omitempty,oneof=approved pending rejected"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	roleID, ok := h.parseID(w, req.RoleID, "role_id")
	if !ok {
		return
	}
	approval := ApprovalStatus(req.Approval)
	if req.Approval == "" {
		approval = ApprovalApproved
	}
	assignment, err := h.service.AssignRole(r.Context(), AssignRoleParams{
		PrincipalID: principalID,
		RoleID:      roleID,
		Context:     req.Context,
		ValidUntil:  req.ValidUntil,
		Approval:    approval,
	})
	if err != nil {
		h.respondError(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	roleID, ok := h.parseID(w, chi.URLParam(r, "roleID"), "roleID")
	if !ok {
		return
	}
	if err := h.service.RevokeRole(r.Context(), principalID, roleID); err != nil {
		h.respondError(w, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createResourceRequest struct {
	Type       string `json:"type" validate:"required"`
	ID         string `json:"id" validate:"required"`
	ParentType string `json:"parent_type"`
	ParentID   string `json:"parent_id"`
}

func (h *Handler) createResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := Resource{Type: req.Type, ID: req.ID}
	if req.ParentType != "" || req.ParentID != "" {
		if req.ParentType == "" || req.ParentID == "" {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parent_type and parent_id must be set together")
			return
		}
		res.Parent = &ResourceRef{Type: req.ParentType, ID: req.ParentID}
	}
	if err := h.service.CreateResource(r.Context(), res); err != nil {
		h.respondError(w, "create resource", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

type grantResourcePermissionRequest struct {
	PermissionID string `json:"permission_id" validate:"required"`
	Inheritable  bool   `json:"inheritable"`
}

func (h *Handler) grantResourcePermission(w http.ResponseWriter, r *http.Request) {
	ref := ResourceRef{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	var req grantResourcePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	permissionID, ok := h.parseID(w, req.PermissionID, "permission_id")
	if !ok {
		return
	}
	grant, err := h.service.GrantResourcePermission(r.Context(), GrantResourcePermissionParams{
		Resource:     ref,
		PermissionID: permissionID,
		Inheritable:  req.Inheritable,
	})
	if err != nil {
		h.respondError(w, "grant resource permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) revokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	ref := ResourceRef{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	permissionID, ok := h.parseID(w, chi.URLParam(r, "permissionID"), "permissionID")
	if !ok {
		return
	}
	if err := h.service.RevokeResourcePermission(r.Context(), ref, permissionID); err != nil {
		h.respondError(w, "revoke resource permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantUserResourcePermissionRequest struct {
	PrincipalID  string      `json:"principal_id" validate:"required"`
	PermissionID string      `json:"permission_id" validate:"required"`
	Conditions   []Condition `json:"conditions"`
	ValidUntil   *time.Time  `json:"valid_until"`
}

func (h *Handler) grantUserResourcePermission(w http.ResponseWriter, r *http.Request) {
	ref := ResourceRef{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	var req grantUserResourcePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	permissionID, ok := h.parseID(w, req.PermissionID, "permission_id")
	if !ok {
		return
	}
	grant, err := h.service.GrantUserResourcePermission(r.Context(), GrantUserResourcePermissionParams{
		PrincipalID:  req.PrincipalID,
		Resource:     ref,
		PermissionID: permissionID,
		Conditions:   req.Conditions,
		ValidUntil:   req.ValidUntil,
	})
	if err != nil {
		h.respondError(w, "grant user resource permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) revokeUserResourcePermission(w http.ResponseWriter, r *http.Request) {
	ref := ResourceRef{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	principalID := chi.URLParam(r, "principalID")
	permissionID, ok := h.parseID(w, chi.URLParam(r, "permissionID"), "permissionID")
	if !ok {
		return
	}
	if err := h.service.RevokeUserResourcePermission(r.Context(), principalID, ref, permissionID); err != nil {
		h.respondError(w, "revoke user resource permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates the JSON body, writing the problem response
// itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) parseID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", field+" must be a UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrCycle):
		httpx.Problem(w, http.StatusConflict, "Hierarchy Cycle", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "authorization store unreachable")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
