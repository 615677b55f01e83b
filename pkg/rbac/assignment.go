package rbac

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/platinummonkey/dealerops/pkg/audit"
	"github.com/platinummonkey/dealerops/pkg/observability"
)

// UserDirectory resolves the attributes assignment decisions depend on
type UserDirectory interface {
	FetchUser(ctx context.Context, userID int64) (Subject, error)
	FetchRoleByName(ctx context.Context, name string) (Role, error)
	FetchRoles(ctx context.Context) ([]Role, error)
	FetchRolePermissions(ctx context.Context) ([]RolePermission, error)
	FetchCurrentUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
}

// PolicyWriter is the write side of the persistence collaborator. Every
// operation is safe to retry.
type PolicyWriter interface {
	InsertUserRole(ctx context.Context, ur *UserRole) (id int64, created bool, err error)
	DeactivateUserRole(ctx context.Context, userID, roleID int64, at time.Time) error
	ReplaceUserGroups(ctx context.Context, userID int64, groupIDs []int64, at time.Time) error
	SetModuleActivation(ctx context.Context, dealerID int64, module Module, enabled bool, at time.Time) error
}

// Invalidator drops cached snapshots after a successful write
type Invalidator interface {
	InvalidateUser(userID int64)
	InvalidateDealer(dealerID int64)
}

// AssignmentDeps are shared by the assignment services
type AssignmentDeps struct {
	Directory   UserDirectory
	Writer      PolicyWriter
	Invalidator Invalidator
	Bus         InvalidationBus
	Audit       audit.Logger
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

func (d AssignmentDeps) withDefaults() AssignmentDeps {
	if d.Bus == nil {
		d.Bus = NopBus{}
	}
	if d.Audit == nil {
		d.Audit = audit.NoOpLogger{}
	}
	if d.Logger == nil {
		d.Logger = observability.NopLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// propagate invalidates locally and tells the other instances. Publishing
// is best effort: the write has committed, and other instances converge
// within their snapshot TTL either way.
func (d AssignmentDeps) propagate(ctx context.Context, inv Invalidation) {
	if d.Invalidator != nil {
		switch inv.Scope {
		case ScopeUser:
			d.Invalidator.InvalidateUser(inv.ID)
		case ScopeDealer:
			d.Invalidator.InvalidateDealer(inv.ID)
		}
	}
	if err := d.Bus.Publish(ctx, inv); err != nil {
		d.Logger.WithError(err).WithFields(map[string]interface{}{
			"scope": inv.Scope,
			"id":    inv.ID,
		}).Warn("failed to publish invalidation")
	}
}

func (d AssignmentDeps) record(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	d.Metrics.RecordAssignment(op, status)
}

// audit records a mutation. A sink failure is logged and counted; the
// write it describes has already committed.
func (d AssignmentDeps) audit(ctx context.Context, eventType audit.EventType, actorID *int64, resourceType audit.ResourceType, resourceID string, changes *audit.ChangeDetails, message string) {
	err := audit.LogMutation(ctx, d.Audit, eventType, actorID, resourceType, resourceID, changes, message)
	reportAuditFailure(d.Logger, d.Metrics, "assignment", eventType, err)
}

// actorFromContext returns the subject performing the request, if any
func actorFromContext(ctx context.Context) *int64 {
	if s, ok := SubjectFromContext(ctx); ok {
		id := s.ID
		return &id
	}
	return nil
}

// RoleAssignmentService assigns and revokes roles
type RoleAssignmentService struct {
	deps AssignmentDeps
}

// NewRoleAssignmentService creates a role assignment service
func NewRoleAssignmentService(deps AssignmentDeps) *RoleAssignmentService {
	return &RoleAssignmentService{deps: deps.withDefaults()}
}

// AssignRole gives userID the named role, optionally until expiresAt.
// Assigning a role the user already actively holds returns the existing
// assignment's id.
func (s *RoleAssignmentService) AssignRole(ctx context.Context, userID int64, roleName string, expiresAt *time.Time) (id int64, err error) {
	defer func() { s.deps.record("assign_role", err) }()

	user, err := s.deps.Directory.FetchUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	role, err := s.deps.Directory.FetchRoleByName(ctx, roleName)
	if err != nil {
		return 0, err
	}
	if role.UserType != user.UserType {
		return 0, fmt.Errorf("%w: role %q applies to %s users, user %d is %s",
			ErrConfiguration, role.Name, role.UserType, userID, user.UserType)
	}

	now := s.deps.Now()
	if expiresAt != nil && !expiresAt.After(now) {
		return 0, fmt.Errorf("%w: expiry %s is not in the future", ErrConfiguration, expiresAt.Format(time.RFC3339))
	}

	ur := &UserRole{
		UserID:     userID,
		RoleID:     role.ID,
		AssignedBy: actorFromContext(ctx),
		AssignedAt: now,
		ExpiresAt:  expiresAt,
	}
	id, created, err := s.deps.Writer.InsertUserRole(ctx, ur)
	if errors.Is(err, ErrConflict) {
		// A concurrent assignment won the race; find the row it created.
		id, err = s.activeAssignmentID(ctx, userID, role.ID)
	}
	if err != nil {
		return 0, err
	}
	if !created {
		return id, nil
	}

	s.deps.propagate(ctx, Invalidation{Scope: ScopeUser, ID: userID})
	s.deps.audit(ctx, audit.EventTypeAuthzRoleAssign, ur.AssignedBy,
		audit.ResourceTypeUser, strconv.FormatInt(userID, 10),
		&audit.ChangeDetails{After: map[string]interface{}{"role": role.Name, "assignment_id": id}},
		"role assigned")
	s.deps.Logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"role":    role.Name,
	}).Info("role assigned")
	return id, nil
}

func (s *RoleAssignmentService) activeAssignmentID(ctx context.Context, userID, roleID int64) (int64, error) {
	edges, err := s.deps.Directory.FetchCurrentUserRoles(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, ur := range edges {
		if ur.RoleID == roleID && ur.IsActive {
			return ur.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: active assignment of role %d to user %d", ErrNotFound, roleID, userID)
}

// RemoveRole soft-revokes the user's assignment of roleID
func (s *RoleAssignmentService) RemoveRole(ctx context.Context, userID, roleID int64) (err error) {
	defer func() { s.deps.record("remove_role", err) }()

	if err := s.deps.Writer.DeactivateUserRole(ctx, userID, roleID, s.deps.Now()); err != nil {
		return err
	}

	s.deps.propagate(ctx, Invalidation{Scope: ScopeUser, ID: userID})
	s.deps.audit(ctx, audit.EventTypeAuthzRoleRevoke, actorFromContext(ctx),
		audit.ResourceTypeUser, strconv.FormatInt(userID, 10),
		&audit.ChangeDetails{Before: map[string]interface{}{"role_id": roleID}},
		"role revoked")
	return nil
}

// ListEffectiveRoles returns the user's active, unexpired roles, most
// recently assigned first. The roles are read once, up front; the returned
// sequence may be ranged over any number of times.
func (s *RoleAssignmentService) ListEffectiveRoles(ctx context.Context, userID int64) (iter.Seq[Role], error) {
	edges, err := s.deps.Directory.FetchCurrentUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.deps.Directory.FetchRoles(ctx)
	if err != nil {
		return nil, err
	}
	permissions, err := s.deps.Directory.FetchRolePermissions(ctx)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(SnapshotData{
		UserID:          userID,
		Roles:           roles,
		RolePermissions: permissions,
		UserRoles:       edges,
	})
	now := s.deps.Now()

	return func(yield func(Role) bool) {
		for _, ur := range snap.EffectiveUserRoles(now) {
			role, ok := snap.Role(ur.RoleID)
			if !ok {
				continue
			}
			if !yield(role) {
				return
			}
		}
	}, nil
}

// GroupAssignmentService manages group memberships
type GroupAssignmentService struct {
	deps AssignmentDeps
}

// NewGroupAssignmentService creates a group assignment service
func NewGroupAssignmentService(deps AssignmentDeps) *GroupAssignmentService {
	return &GroupAssignmentService{deps: deps.withDefaults()}
}

// SetUserGroups makes groupIDs the user's exact set of groups. The
// replacement is atomic: on failure the previous memberships stand.
func (s *GroupAssignmentService) SetUserGroups(ctx context.Context, userID int64, groupIDs []int64) (err error) {
	defer func() { s.deps.record("set_user_groups", err) }()

	if _, err := s.deps.Directory.FetchUser(ctx, userID); err != nil {
		return err
	}

	ids := dedupe(groupIDs)
	if err := s.deps.Writer.ReplaceUserGroups(ctx, userID, ids, s.deps.Now()); err != nil {
		return err
	}

	s.deps.propagate(ctx, Invalidation{Scope: ScopeUser, ID: userID})
	s.deps.audit(ctx, audit.EventTypeAuthzGroupsReplace, actorFromContext(ctx),
		audit.ResourceTypeUser, strconv.FormatInt(userID, 10),
		&audit.ChangeDetails{After: map[string]interface{}{"group_ids": ids}},
		"groups replaced")
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ModuleActivationService switches modules on and off per dealership
type ModuleActivationService struct {
	deps AssignmentDeps
}

// NewModuleActivationService creates a module activation service
func NewModuleActivationService(deps AssignmentDeps) *ModuleActivationService {
	return &ModuleActivationService{deps: deps.withDefaults()}
}

// SetModuleActivation enables or disables module for dealerID. Every
// cached snapshot in the dealership is dropped.
func (s *ModuleActivationService) SetModuleActivation(ctx context.Context, dealerID int64, module Module, enabled bool) (err error) {
	defer func() { s.deps.record("set_module_activation", err) }()

	if !module.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidModule, module)
	}
	if err := s.deps.Writer.SetModuleActivation(ctx, dealerID, module, enabled, s.deps.Now()); err != nil {
		return err
	}

	s.deps.propagate(ctx, Invalidation{Scope: ScopeDealer, ID: dealerID})
	s.deps.audit(ctx, audit.EventTypeConfigModuleToggle, actorFromContext(ctx),
		audit.ResourceTypeDealership, strconv.FormatInt(dealerID, 10),
		&audit.ChangeDetails{After: map[string]interface{}{"module": string(module), "enabled": enabled}},
		"module activation changed")
	return nil
}
