package rbac

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/dealerops/pkg/audit"
	"github.com/platinummonkey/dealerops/pkg/httputil"
	"github.com/platinummonkey/dealerops/pkg/observability"
)

// SnapshotRefresher reloads a subject's snapshot on demand
type SnapshotRefresher interface {
	Refresh(ctx context.Context, dealerID, userID int64) (*Snapshot, error)
}

// OrderSource loads the server-side record of an order
type OrderSource interface {
	FetchOrder(ctx context.Context, orderID int64) (Order, error)
}

// AuditReader returns the most recent locally kept audit events
type AuditReader interface {
	ReadLogs(count int) ([]*audit.AuditEvent, error)
}

// HandlersConfig collects what the HTTP handlers are built on
type HandlersConfig struct {
	Guard     *Guard
	Refresher SnapshotRefresher
	Directory UserDirectory
	Roles     *RoleAssignmentService
	Groups    *GroupAssignmentService
	Modules   *ModuleActivationService
	Orders    OrderSource
	AuditLog  AuditReader
	Logger    *observability.Logger
}

// Handlers provides HTTP handlers for authorization operations
type Handlers struct {
	guard       *Guard
	refresher   SnapshotRefresher
	directory   UserDirectory
	roles       *RoleAssignmentService
	groups      *GroupAssignmentService
	modules     *ModuleActivationService
	orders      OrderSource
	auditLog    AuditReader
	permissions *PermissionMiddleware
	validate    *validator.Validate
	logger      *observability.Logger
}

// NewHandlers creates the authorization HTTP handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		guard:       cfg.Guard,
		refresher:   cfg.Refresher,
		directory:   cfg.Directory,
		roles:       cfg.Roles,
		groups:      cfg.Groups,
		modules:     cfg.Modules,
		orders:      cfg.Orders,
		auditLog:    cfg.AuditLog,
		permissions: NewPermissionMiddleware(cfg.Guard),
		validate:    validator.New(),
		logger:      logger.WithField("component", "rbac_handlers"),
	}
}

// RegisterRoutes registers all authorization routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rbac/check", h.Check).Methods("POST")
	router.HandleFunc("/rbac/refresh", h.Refresh).Methods("POST")

	userAdmin := h.permissions.RequirePermission(ModuleUsers, LevelAdmin)
	router.Handle("/rbac/users/{id}/roles", userAdmin(http.HandlerFunc(h.ListUserRoles))).Methods("GET")
	router.Handle("/rbac/users/{id}/roles", userAdmin(http.HandlerFunc(h.AssignRole))).Methods("POST")
	router.Handle("/rbac/users/{id}/roles/{role_id}", userAdmin(http.HandlerFunc(h.RemoveRole))).Methods("DELETE")
	router.Handle("/rbac/users/{id}/groups", userAdmin(http.HandlerFunc(h.SetUserGroups))).Methods("PUT")

	system := h.permissions.RequireSystemPermission()
	router.Handle("/rbac/dealers/{id}/modules/{module}", system(http.HandlerFunc(h.SetModuleActivation))).Methods("PUT")
	router.Handle("/rbac/audit/recent", system(http.HandlerFunc(h.RecentAuditEvents))).Methods("GET")
}

type checkRequest struct {
	Module                  string `json:"module" validate:"required"`
	Permission              Level  `json:"permission"`
	OrderID                 int64  `json:"order_id,omitempty" validate:"gte=0"`
	RequireDealerModule     bool   `json:"require_dealer_module"`
	RequireSystemPermission bool   `json:"require_system_permission"`
}

type checkResponse struct {
	Allowed  bool     `json:"allowed"`
	Category Category `json:"category"`
}

// Check answers a permission question for the current subject. Only the
// coarse category is returned. Order-scoped checks name the order by id;
// ownership and status always come from the order source.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.valid(w, req) {
		return
	}
	module, err := ParseModule(req.Module)
	if err != nil {
		httputil.WriteValidationError(w, "unknown module")
		return
	}

	var resource *Order
	if req.OrderID != 0 {
		if h.orders == nil {
			httputil.WriteValidationError(w, "order checks are not available")
			return
		}
		order, err := h.orders.FetchOrder(r.Context(), req.OrderID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resource = &order
	}

	d, err := h.guard.Check(r.Context(), subject, Request{
		Module:                  module,
		Permission:              req.Permission,
		Resource:                resource,
		RequireDealerModule:     req.RequireDealerModule,
		RequireSystemPermission: req.RequireSystemPermission,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidLevel) || errors.Is(err, ErrInvalidModule) {
			httputil.WriteValidationError(w, "invalid permission request")
			return
		}
		httputil.WriteJSON(w, http.StatusServiceUnavailable, checkResponse{Category: CategoryUnavailable})
		return
	}
	httputil.WriteSuccess(w, checkResponse{Allowed: d.Allowed, Category: d.Category})
}

// Refresh reloads the current subject's snapshot
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if subject.IsSystemAdmin {
		httputil.WriteNoContent(w)
		return
	}
	if _, err := h.refresher.Refresh(r.Context(), subject.DealerID, subject.ID); err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("snapshot refresh failed")
		httputil.WriteServiceUnavailable(w, string(CategoryUnavailable))
		return
	}
	httputil.WriteNoContent(w)
}

type roleResponse struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	UserType    UserType      `json:"user_type"`
	Grants      []ModuleGrant `json:"grants"`
}

// ListUserRoles lists a user's effective roles, most recent first
func (h *Handlers) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	roles, err := h.roles.ListEffectiveRoles(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := []roleResponse{}
	for role := range roles {
		out = append(out, roleResponse{
			ID:          role.ID,
			Name:        role.Name,
			DisplayName: role.DisplayName,
			UserType:    role.UserType,
			Grants:      role.Grants,
		})
	}
	httputil.WriteSuccess(w, out)
}

type assignRoleRequest struct {
	RoleName  string     `json:"role_name" validate:"required,max=100"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AssignRole assigns a role to a user
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) || !h.valid(w, req) {
		return
	}

	id, err := h.roles.AssignRole(r.Context(), userID, req.RoleName, req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]int64{"assignment_id": id})
}

// RemoveRole soft-revokes a user's role
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "role_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.roles.RemoveRole(r.Context(), userID, roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type setGroupsRequest struct {
	GroupIDs []int64 `json:"group_ids" validate:"dive,gt=0"`
}

// SetUserGroups replaces a user's group memberships
func (h *Handlers) SetUserGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	var req setGroupsRequest
	if !httputil.ParseJSONOrError(w, r, &req) || !h.valid(w, req) {
		return
	}

	if err := h.groups.SetUserGroups(r.Context(), userID, req.GroupIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type setModuleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetModuleActivation turns a module on or off for a dealership
func (h *Handlers) SetModuleActivation(w http.ResponseWriter, r *http.Request) {
	dealerID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	module, err := ParseModule(mux.Vars(r)["module"])
	if err != nil {
		httputil.WriteValidationError(w, "unknown module")
		return
	}

	var req setModuleRequest
	if !httputil.ParseJSONOrError(w, r, &req) || !h.valid(w, req) {
		return
	}

	if err := h.modules.SetModuleActivation(r.Context(), dealerID, module, *req.Enabled); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

const (
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// RecentAuditEvents lists the newest entries of the local audit file.
// ?limit= caps the page.
func (h *Handlers) RecentAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		httputil.WriteNotFoundError(w, "no local audit log is configured")
		return
	}

	limit := defaultAuditPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditPage {
			httputil.WriteBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxAuditPage))
			return
		}
		limit = n
	}

	events, err := h.auditLog.ReadLogs(limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	httputil.WriteSuccess(w, events)
}

// targetUser parses the {id} path parameter and checks that the current
// subject administers that user's dealership
func (h *Handlers) targetUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return 0, false
	}

	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, false
	}
	if subject.IsSystemAdmin {
		return userID, true
	}

	target, err := h.directory.FetchUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return 0, false
	}
	if target.DealerID != subject.DealerID {
		httputil.WriteForbidden(w, string(CategoryDenied))
		return 0, false
	}
	return userID, true
}

func (h *Handlers) valid(w http.ResponseWriter, v interface{}) bool {
	if err := h.validate.Struct(v); err != nil {
		details := make(map[string]string)
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		httputil.WriteDetailedError(w, http.StatusBadRequest, errors.New("validation failed"), details)
		return false
	}
	return true
}

// writeError maps service errors onto status codes without exposing detail
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrInvalidModule), errors.Is(err, ErrInvalidLevel):
		httputil.WriteValidationError(w, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteConflict(w, "conflict")
	default:
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("authorization store failure")
		httputil.WriteServiceUnavailable(w, string(CategoryUnavailable))
	}
}
