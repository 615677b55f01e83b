package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for unique constraint violations
const pqUniqueViolation = "23505"

// Databases routes statements to a primary and its read replicas.
// *postgres.ConnectionManager satisfies it.
type Databases interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

type singleDB struct{ db *sql.DB }

func (s singleDB) Primary() *sql.DB { return s.db }
func (s singleDB) Replica() *sql.DB { return s.db }

// SQLStore is the PostgreSQL read and write collaborator. Snapshot reads
// go to a replica; writes and the reads that must observe them go to the
// primary.
type SQLStore struct {
	dbs Databases
}

// NewSQLStore creates a store over a primary/replica pair
func NewSQLStore(dbs Databases) *SQLStore {
	return &SQLStore{dbs: dbs}
}

// NewSQLStoreFromDB creates a store that sends everything to db
func NewSQLStoreFromDB(db *sql.DB) *SQLStore {
	return &SQLStore{dbs: singleDB{db: db}}
}

// classify maps driver errors onto the package's error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("failed to %s: %w: %s", op, ErrConflict, pqErr.Constraint)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrTransientStore, err)
}

func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin "+op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit "+op, err)
	}
	return nil
}

// FetchRoles returns every role definition
func (s *SQLStore) FetchRoles(ctx context.Context) ([]Role, error) {
	query := `
		SELECT id, name, display_name, description, user_type, is_system_role, created_at, updated_at
		FROM roles
		ORDER BY id
	`

	rows, err := s.dbs.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, classify("fetch roles", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var description sql.NullString
		if err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.DisplayName,
			&description,
			&role.UserType,
			&role.IsSystemRole,
			&role.CreatedAt,
			&role.UpdatedAt,
		); err != nil {
			return nil, classify("scan role", err)
		}
		role.Description = description.String
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch roles", err)
	}
	return roles, nil
}

// FetchRolePermissions returns every role grant. Rows naming a module or
// level this build does not know are skipped so a newer catalog cannot
// break older instances.
func (s *SQLStore) FetchRolePermissions(ctx context.Context) ([]RolePermission, error) {
	query := `
		SELECT role_id, module, level, position
		FROM role_permissions
		ORDER BY role_id, position
	`

	rows, err := s.dbs.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, classify("fetch role permissions", err)
	}
	defer rows.Close()

	var perms []RolePermission
	for rows.Next() {
		var p RolePermission
		var module, level string
		if err := rows.Scan(&p.RoleID, &module, &level, &p.Position); err != nil {
			return nil, classify("scan role permission", err)
		}
		m, err := ParseModule(module)
		if err != nil {
			continue
		}
		l, err := ParseLevel(level)
		if err != nil {
			continue
		}
		p.Module, p.Level = m, l
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch role permissions", err)
	}
	return perms, nil
}

// FetchUserRoles returns the user's active role edges, newest first
func (s *SQLStore) FetchUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	return s.fetchUserRoles(ctx, s.dbs.Replica(), userID)
}

// FetchCurrentUserRoles is FetchUserRoles read from the primary. It is used
// right after a write when replica lag would hide the change.
func (s *SQLStore) FetchCurrentUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	return s.fetchUserRoles(ctx, s.dbs.Primary(), userID)
}

func (s *SQLStore) fetchUserRoles(ctx context.Context, db *sql.DB, userID int64) ([]UserRole, error) {
	query := `
		SELECT id, user_id, role_id, is_active, assigned_by, assigned_at, expires_at, revoked_at
		FROM user_roles
		WHERE user_id = $1 AND is_active
		ORDER BY assigned_at DESC
	`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, classify("fetch user roles", err)
	}
	defer rows.Close()

	var userRoles []UserRole
	for rows.Next() {
		var ur UserRole
		var assignedBy sql.NullInt64
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(
			&ur.ID,
			&ur.UserID,
			&ur.RoleID,
			&ur.IsActive,
			&assignedBy,
			&ur.AssignedAt,
			&expiresAt,
			&revokedAt,
		); err != nil {
			return nil, classify("scan user role", err)
		}
		if assignedBy.Valid {
			id := assignedBy.Int64
			ur.AssignedBy = &id
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			ur.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			ur.RevokedAt = &t
		}
		userRoles = append(userRoles, ur)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch user roles", err)
	}
	return userRoles, nil
}

// FetchUserGroups returns the user's active group memberships with their groups
func (s *SQLStore) FetchUserGroups(ctx context.Context, userID int64) ([]UserGroup, error) {
	query := `
		SELECT ug.id, ug.user_id, ug.group_id, ug.is_active, ug.assigned_at,
		       g.dealer_id, g.name, g.description, g.allowed_order_types, g.permission_level, g.created_at
		FROM user_groups ug
		JOIN dealer_groups g ON g.id = ug.group_id
		WHERE ug.user_id = $1 AND ug.is_active
		ORDER BY ug.group_id
	`

	rows, err := s.dbs.Replica().QueryContext(ctx, query, userID)
	if err != nil {
		return nil, classify("fetch user groups", err)
	}
	defer rows.Close()

	var memberships []UserGroup
	for rows.Next() {
		var ug UserGroup
		var description sql.NullString
		var orderTypes pq.StringArray
		var level string
		if err := rows.Scan(
			&ug.ID,
			&ug.UserID,
			&ug.GroupID,
			&ug.IsActive,
			&ug.AssignedAt,
			&ug.Group.DealerID,
			&ug.Group.Name,
			&description,
			&orderTypes,
			&level,
			&ug.Group.CreatedAt,
		); err != nil {
			return nil, classify("scan user group", err)
		}
		l, err := ParseLevel(level)
		if err != nil {
			continue
		}
		ug.Group.ID = ug.GroupID
		ug.Group.Description = description.String
		ug.Group.PermissionLevel = l
		for _, t := range orderTypes {
			ug.Group.AllowedOrderTypes = append(ug.Group.AllowedOrderTypes, OrderType(t))
		}
		memberships = append(memberships, ug)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch user groups", err)
	}
	return memberships, nil
}

// FetchModuleActivations returns the dealer's module switches
func (s *SQLStore) FetchModuleActivations(ctx context.Context, dealerID int64) ([]ModuleActivation, error) {
	query := `
		SELECT dealer_id, module, is_enabled
		FROM dealer_modules
		WHERE dealer_id = $1
	`

	rows, err := s.dbs.Replica().QueryContext(ctx, query, dealerID)
	if err != nil {
		return nil, classify("fetch module activations", err)
	}
	defer rows.Close()

	var activations []ModuleActivation
	for rows.Next() {
		var a ModuleActivation
		var module string
		if err := rows.Scan(&a.DealerID, &module, &a.Enabled); err != nil {
			return nil, classify("scan module activation", err)
		}
		a.Module = Module(module)
		activations = append(activations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch module activations", err)
	}
	return activations, nil
}

// FetchUser loads the subject attributes of an active user
func (s *SQLStore) FetchUser(ctx context.Context, userID int64) (Subject, error) {
	query := `
		SELECT id, dealer_id, user_type, is_system_admin
		FROM users
		WHERE id = $1 AND is_active
	`

	var subject Subject
	var dealerID sql.NullInt64
	err := s.dbs.Replica().QueryRowContext(ctx, query, userID).Scan(
		&subject.ID,
		&dealerID,
		&subject.UserType,
		&subject.IsSystemAdmin,
	)
	if err != nil {
		return Subject{}, classify(fmt.Sprintf("fetch user %d", userID), err)
	}
	subject.DealerID = dealerID.Int64
	return subject, nil
}

// FetchOrder reads the ownership projection of an order. The order
// services keep order_access current; it is never written here.
func (s *SQLStore) FetchOrder(ctx context.Context, orderID int64) (Order, error) {
	query := `
		SELECT order_id, dealer_id, order_type, status, created_by, assigned_to
		FROM order_access
		WHERE order_id = $1
	`

	var order Order
	var assignedTo sql.NullInt64
	err := s.dbs.Replica().QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.DealerID,
		&order.OrderType,
		&order.Status,
		&order.CreatedBy,
		&assignedTo,
	)
	if err != nil {
		return Order{}, classify(fmt.Sprintf("fetch order %d", orderID), err)
	}
	if !order.OrderType.Valid() || !order.Status.Valid() {
		return Order{}, fmt.Errorf("%w: order %d has type %q status %q", ErrConfiguration, orderID, order.OrderType, order.Status)
	}
	if assignedTo.Valid {
		id := assignedTo.Int64
		order.AssignedTo = &id
	}
	return order, nil
}

// FetchRoleByName loads a role definition by its unique name with its grants
func (s *SQLStore) FetchRoleByName(ctx context.Context, name string) (Role, error) {
	query := `
		SELECT id, name, display_name, description, user_type, is_system_role, created_at, updated_at
		FROM roles
		WHERE name = $1
	`

	db := s.dbs.Primary()
	var role Role
	var description sql.NullString
	err := db.QueryRowContext(ctx, query, name).Scan(
		&role.ID,
		&role.Name,
		&role.DisplayName,
		&description,
		&role.UserType,
		&role.IsSystemRole,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return Role{}, classify(fmt.Sprintf("fetch role %q", name), err)
	}
	role.Description = description.String

	rows, err := db.QueryContext(ctx, `
		SELECT module, level
		FROM role_permissions
		WHERE role_id = $1
		ORDER BY position
	`, role.ID)
	if err != nil {
		return Role{}, classify("fetch role grants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var module, level string
		if err := rows.Scan(&module, &level); err != nil {
			return Role{}, classify("scan role grant", err)
		}
		l, err := ParseLevel(level)
		if err != nil {
			continue
		}
		role.Grants = append(role.Grants, ModuleGrant{Module: Module(module), Level: l})
	}
	if err := rows.Err(); err != nil {
		return Role{}, classify("fetch role grants", err)
	}
	return role, nil
}

// InsertUserRole records ur as an active assignment. If an active
// assignment of the same role already exists its id is returned with
// created false; active assignments that have already expired are retired
// first so they do not block the new one. Safe to retry.
func (s *SQLStore) InsertUserRole(ctx context.Context, ur *UserRole) (int64, bool, error) {
	var id int64
	var created bool

	err := withTx(ctx, s.dbs.Primary(), "insert user role", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_roles
			SET is_active = false, revoked_at = $3
			WHERE user_id = $1 AND role_id = $2 AND is_active
			  AND expires_at IS NOT NULL AND expires_at <= $3
		`, ur.UserID, ur.RoleID, ur.AssignedAt); err != nil {
			return classify("retire expired user role", err)
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO user_roles (user_id, role_id, is_active, assigned_by, assigned_at, expires_at)
			VALUES ($1, $2, true, $3, $4, $5)
			ON CONFLICT (user_id, role_id) WHERE is_active DO NOTHING
			RETURNING id
		`, ur.UserID, ur.RoleID, ur.AssignedBy, ur.AssignedAt, ur.ExpiresAt).Scan(&id)
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return classify("insert user role", err)
		}

		err = tx.QueryRowContext(ctx, `
			SELECT id FROM user_roles
			WHERE user_id = $1 AND role_id = $2 AND is_active
		`, ur.UserID, ur.RoleID).Scan(&id)
		return classify("find active user role", err)
	})
	if err != nil {
		return 0, false, err
	}

	ur.ID = id
	ur.IsActive = true
	return id, created, nil
}

// DeactivateUserRole soft-revokes the user's active assignment of roleID.
// Revoking an assignment that is not active is not an error.
func (s *SQLStore) DeactivateUserRole(ctx context.Context, userID, roleID int64, at time.Time) error {
	query := `
		UPDATE user_roles
		SET is_active = false, revoked_at = $3
		WHERE user_id = $1 AND role_id = $2 AND is_active
	`

	if _, err := s.dbs.Primary().ExecContext(ctx, query, userID, roleID, at); err != nil {
		return classify("deactivate user role", err)
	}
	return nil
}

// ReplaceUserGroups makes groupIDs the user's exact set of active
// memberships in one transaction. Every group must belong to the user's
// dealership.
func (s *SQLStore) ReplaceUserGroups(ctx context.Context, userID int64, groupIDs []int64, at time.Time) error {
	if groupIDs == nil {
		// A nil array binds as NULL, which would match no rows below
		groupIDs = []int64{}
	}
	ids := pq.Array(groupIDs)

	return withTx(ctx, s.dbs.Primary(), "replace user groups", func(tx *sql.Tx) error {
		if len(groupIDs) > 0 {
			var found int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*)
				FROM dealer_groups g
				JOIN users u ON u.dealer_id = g.dealer_id
				WHERE u.id = $1 AND g.id = ANY($2)
			`, userID, ids).Scan(&found)
			if err != nil {
				return classify("validate groups", err)
			}
			if found != len(groupIDs) {
				return fmt.Errorf("%w: %d of %d groups not in the user's dealership", ErrNotFound, len(groupIDs)-found, len(groupIDs))
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_groups
			SET is_active = false
			WHERE user_id = $1 AND is_active AND NOT (group_id = ANY($2))
		`, userID, ids); err != nil {
			return classify("deactivate user groups", err)
		}

		for _, groupID := range groupIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_groups (user_id, group_id, is_active, assigned_at)
				VALUES ($1, $2, true, $3)
				ON CONFLICT (user_id, group_id) DO UPDATE
				SET is_active = true,
				    assigned_at = CASE WHEN user_groups.is_active THEN user_groups.assigned_at ELSE EXCLUDED.assigned_at END
			`, userID, groupID, at); err != nil {
				return classify("activate user group", err)
			}
		}
		return nil
	})
}

// SetModuleActivation switches module on or off for the dealer
func (s *SQLStore) SetModuleActivation(ctx context.Context, dealerID int64, module Module, enabled bool, at time.Time) error {
	query := `
		INSERT INTO dealer_modules (dealer_id, module, is_enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dealer_id, module) DO UPDATE
		SET is_enabled = EXCLUDED.is_enabled, updated_at = EXCLUDED.updated_at
	`

	if _, err := s.dbs.Primary().ExecContext(ctx, query, dealerID, string(module), enabled, at); err != nil {
		return classify("set module activation", err)
	}
	return nil
}

// UpsertRole creates or updates a role by name and replaces its grants
func (s *SQLStore) UpsertRole(ctx context.Context, role *Role, at time.Time) error {
	return withTx(ctx, s.dbs.Primary(), "upsert role", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (name, display_name, description, user_type, is_system_role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (name) DO UPDATE
			SET display_name = EXCLUDED.display_name,
			    description = EXCLUDED.description,
			    user_type = EXCLUDED.user_type,
			    is_system_role = EXCLUDED.is_system_role,
			    updated_at = EXCLUDED.updated_at
			RETURNING id
		`, role.Name, role.DisplayName, role.Description, string(role.UserType), role.IsSystemRole, at).Scan(&role.ID)
		if err != nil {
			return classify(fmt.Sprintf("upsert role %q", role.Name), err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return classify("clear role grants", err)
		}
		for i, g := range role.Grants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_permissions (role_id, module, level, position)
				VALUES ($1, $2, $3, $4)
			`, role.ID, string(g.Module), g.Level.String(), i); err != nil {
				return classify("insert role grant", err)
			}
		}
		return nil
	})
}

// UpsertGroup creates or updates a dealer group by (dealer, name)
func (s *SQLStore) UpsertGroup(ctx context.Context, group *Group, at time.Time) error {
	types := make([]string, 0, len(group.AllowedOrderTypes))
	for _, t := range group.AllowedOrderTypes {
		types = append(types, string(t))
	}

	query := `
		INSERT INTO dealer_groups (dealer_id, name, description, allowed_order_types, permission_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dealer_id, name) DO UPDATE
		SET description = EXCLUDED.description,
		    allowed_order_types = EXCLUDED.allowed_order_types,
		    permission_level = EXCLUDED.permission_level
		RETURNING id
	`

	err := s.dbs.Primary().QueryRowContext(ctx, query,
		group.DealerID,
		group.Name,
		group.Description,
		pq.Array(types),
		group.PermissionLevel.String(),
		at,
	).Scan(&group.ID)
	if err != nil {
		return classify(fmt.Sprintf("upsert group %q", group.Name), err)
	}
	return nil
}
