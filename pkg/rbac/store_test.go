package rbac

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStoreFromDB(db), mock
}

var roleColumns = []string{"id", "name", "display_name", "description", "user_type", "is_system_role", "created_at", "updated_at"}

func TestSQLStore_FetchRoles(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM roles").WillReturnRows(sqlmock.NewRows(roleColumns).
		AddRow(1, "service_advisor", "Service Advisor", nil, "dealer", true, testNow, testNow).
		AddRow(2, "night_lot", "Night Lot", "custom", "detail", false, testNow, testNow))

	roles, err := store.FetchRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "service_advisor", roles[0].Name)
	assert.Empty(t, roles[0].Description)
	assert.True(t, roles[0].IsSystemRole)
	assert.Equal(t, UserTypeDetail, roles[1].UserType)
	assert.Equal(t, "custom", roles[1].Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FetchRolePermissions_SkipsUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM role_permissions").WillReturnRows(sqlmock.NewRows([]string{"role_id", "module", "level", "position"}).
		AddRow(1, "service_orders", "write", 0).
		AddRow(1, "payroll", "admin", 1).
		AddRow(1, "contacts", "owner", 2).
		AddRow(2, "stock", "read", 0))

	perms, err := store.FetchRolePermissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []RolePermission{
		{RoleID: 1, Module: ModuleServiceOrders, Level: LevelWrite, Position: 0},
		{RoleID: 2, Module: ModuleStock, Level: LevelRead, Position: 0},
	}, perms)
}

func TestSQLStore_FetchUserRoles(t *testing.T) {
	store, mock := newMockStore(t)
	expires := testNow.Add(time.Hour)

	mock.ExpectQuery("FROM user_roles").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "role_id", "is_active", "assigned_by", "assigned_at", "expires_at", "revoked_at"}).
			AddRow(10, 7, 1, true, 3, testNow, expires, nil).
			AddRow(11, 7, 2, true, nil, testNow, nil, nil))

	edges, err := store.FetchUserRoles(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.NotNil(t, edges[0].AssignedBy)
	assert.Equal(t, int64(3), *edges[0].AssignedBy)
	require.NotNil(t, edges[0].ExpiresAt)
	assert.True(t, expires.Equal(*edges[0].ExpiresAt))
	assert.Nil(t, edges[1].AssignedBy)
	assert.Nil(t, edges[1].ExpiresAt)
	assert.Nil(t, edges[1].RevokedAt)
}

func TestSQLStore_FetchUserGroups(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("JOIN dealer_groups").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "group_id", "is_active", "assigned_at", "dealer_id", "name", "description", "allowed_order_types", "permission_level", "created_at"}).
			AddRow(1, 9, 4, true, testNow, testDealer, "body_shop", nil, []byte("{recon,car_wash}"), "write", testNow))

	memberships, err := store.FetchUserGroups(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	g := memberships[0].Group
	assert.Equal(t, int64(4), g.ID)
	assert.Equal(t, testDealer, g.DealerID)
	assert.Equal(t, []OrderType{OrderTypeRecon, OrderTypeCarWash}, g.AllowedOrderTypes)
	assert.Equal(t, LevelWrite, g.PermissionLevel)
}

func TestSQLStore_FetchModuleActivations(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM dealer_modules").
		WithArgs(testDealer).
		WillReturnRows(sqlmock.NewRows([]string{"dealer_id", "module", "is_enabled"}).
			AddRow(testDealer, "service_orders", true).
			AddRow(testDealer, "chat", false))

	acts, err := store.FetchModuleActivations(context.Background(), testDealer)
	require.NoError(t, err)
	assert.Equal(t, activations(testDealer, ModuleServiceOrders)[0], acts[0])
	assert.False(t, acts[1].Enabled)
}

func TestSQLStore_FetchUser(t *testing.T) {
	cols := []string{"id", "dealer_id", "user_type", "is_system_admin"}

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM users").WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(7, testDealer, "dealer", false))

		s, err := store.FetchUser(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, dealerUser(7), s)
	})

	t.Run("system admin without dealership", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM users").WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(1, nil, "system", true))

		s, err := store.FetchUser(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, systemAdmin(1), s)
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM users").WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows(cols))

		_, err := store.FetchUser(context.Background(), 404)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM users").WillReturnError(errors.New("connection refused"))

		_, err := store.FetchUser(context.Background(), 7)
		assert.ErrorIs(t, err, ErrTransientStore)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStore_FetchRoleByName(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM roles").WithArgs("sales_agent").
		WillReturnRows(sqlmock.NewRows(roleColumns).AddRow(2, "sales_agent", "Sales Agent", nil, "dealer", true, testNow, testNow))
	mock.ExpectQuery("FROM role_permissions").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"module", "level"}).
			AddRow("sales_orders", "write").
			AddRow("stock", "read"))

	role, err := store.FetchRoleByName(context.Background(), "sales_agent")
	require.NoError(t, err)
	assert.Equal(t, int64(2), role.ID)
	assert.Equal(t, LevelWrite, role.LevelFor(ModuleSalesOrders))
	assert.Equal(t, LevelRead, role.LevelFor(ModuleStock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertUserRole(t *testing.T) {
	newEdge := func() *UserRole {
		return &UserRole{UserID: 7, RoleID: 1, AssignedAt: testNow}
	}

	t.Run("created", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE user_roles").WithArgs(int64(7), int64(1), testNow).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO user_roles").
			WithArgs(int64(7), int64(1), sqlmock.AnyArg(), testNow, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
		mock.ExpectCommit()

		ur := newEdge()
		id, created, err := store.InsertUserRole(context.Background(), ur)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(31), id)
		assert.Equal(t, int64(31), ur.ID)
		assert.True(t, ur.IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already active", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE user_roles").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO user_roles").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery("SELECT id FROM user_roles").WithArgs(int64(7), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
		mock.ExpectCommit()

		id, created, err := store.InsertUserRole(context.Background(), newEdge())
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, int64(12), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE user_roles").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO user_roles").WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_user_roles_active"})
		mock.ExpectRollback()

		_, _, err := store.InsertUserRole(context.Background(), newEdge())
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

		_, _, err := store.InsertUserRole(context.Background(), newEdge())
		assert.ErrorIs(t, err, ErrTransientStore)
	})
}

func TestSQLStore_DeactivateUserRole(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE user_roles").WithArgs(int64(7), int64(1), testNow).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.DeactivateUserRole(context.Background(), 7, 1, testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ReplaceUserGroups(t *testing.T) {
	t.Run("replaces", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM dealer_groups").WithArgs(int64(7), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectExec("UPDATE user_groups").WithArgs(int64(7), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO user_groups").WithArgs(int64(7), int64(1), testNow).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO user_groups").WithArgs(int64(7), int64(2), testNow).WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		require.NoError(t, store.ReplaceUserGroups(context.Background(), 7, []int64{1, 2}, testNow))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign group rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM dealer_groups").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		err := store.ReplaceUserGroups(context.Background(), 7, []int64{1, 3}, testNow)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty set clears memberships", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE user_groups").WithArgs(int64(7), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, store.ReplaceUserGroups(context.Background(), 7, nil, testNow))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM dealer_groups").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec("UPDATE user_groups").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO user_groups").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.ReplaceUserGroups(context.Background(), 7, []int64{1}, testNow)
		assert.ErrorIs(t, err, ErrTransientStore)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_SetModuleActivation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO dealer_modules").
		WithArgs(testDealer, "service_orders", false, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.SetModuleActivation(context.Background(), testDealer, ModuleServiceOrders, false, testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertRole(t *testing.T) {
	store, mock := newMockStore(t)
	role := &Role{
		Name:        "night_lot",
		DisplayName: "Night Lot",
		UserType:    UserTypeDetail,
		Grants: []ModuleGrant{
			{Module: ModuleGetReady, Level: LevelWrite},
			{Module: ModuleStock, Level: LevelRead},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO roles").
		WithArgs("night_lot", "Night Lot", "", "detail", false, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(40))
	mock.ExpectExec("DELETE FROM role_permissions").WithArgs(int64(40)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO role_permissions").WithArgs(int64(40), "get_ready", "write", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO role_permissions").WithArgs(int64(40), "stock", "read", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertRole(context.Background(), role, testNow))
	assert.Equal(t, int64(40), role.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertGroup(t *testing.T) {
	store, mock := newMockStore(t)
	group := &Group{DealerID: testDealer, Name: "body_shop", AllowedOrderTypes: []OrderType{OrderTypeRecon}, PermissionLevel: LevelWrite}

	mock.ExpectQuery("INSERT INTO dealer_groups").
		WithArgs(testDealer, "body_shop", "", sqlmock.AnyArg(), "write", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))

	require.NoError(t, store.UpsertGroup(context.Background(), group, testNow))
	assert.Equal(t, int64(4), group.ID)
}

type splitDBs struct{ primary, replica *sql.DB }

func (s splitDBs) Primary() *sql.DB { return s.primary }
func (s splitDBs) Replica() *sql.DB { return s.replica }

func TestSQLStore_RoutesReadsAndWrites(t *testing.T) {
	primary, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	store := NewSQLStore(splitDBs{primary: primary, replica: replica})
	cols := []string{"id", "user_id", "role_id", "is_active", "assigned_by", "assigned_at", "expires_at", "revoked_at"}

	replicaMock.ExpectQuery("FROM user_roles").WillReturnRows(sqlmock.NewRows(cols))
	primaryMock.ExpectQuery("FROM user_roles").WillReturnRows(sqlmock.NewRows(cols))
	primaryMock.ExpectExec("UPDATE user_roles").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	_, err = store.FetchUserRoles(ctx, 7)
	require.NoError(t, err)
	_, err = store.FetchCurrentUserRoles(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, store.DeactivateUserRole(ctx, 7, 1, testNow))

	assert.NoError(t, replicaMock.ExpectationsWereMet())
	assert.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("noop", nil))
	assert.ErrorIs(t, classify("fetch", sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, classify("fetch", &pq.Error{Code: "23505"}), ErrConflict)
	assert.ErrorIs(t, classify("fetch", &pq.Error{Code: "40001"}), ErrTransientStore)

	err := classify("fetch", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTransientStore)
}

func TestListEffectiveRoles_SQLStore(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM user_roles").WithArgs(int64(7)).WillReturnRows(sqlmock.NewRows(
		[]string{"id", "user_id", "role_id", "is_active", "assigned_by", "assigned_at", "expires_at", "revoked_at"}).
		AddRow(11, 7, 1, true, nil, testNow.Add(-time.Hour), nil, nil))
	mock.ExpectQuery("FROM roles").WillReturnRows(sqlmock.NewRows(roleColumns).
		AddRow(1, "service_advisor", "Service Advisor", nil, "dealer", true, testNow, testNow))
	mock.ExpectQuery("FROM role_permissions").WillReturnRows(sqlmock.NewRows([]string{"role_id", "module", "level", "position"}).
		AddRow(1, "service_orders", "write", 0).
		AddRow(1, "contacts", "read", 1))

	svc := NewRoleAssignmentService(AssignmentDeps{Directory: store, Writer: store, Now: fixedClock})
	roles, err := svc.ListEffectiveRoles(context.Background(), 7)
	require.NoError(t, err)

	var got []Role
	for r := range roles {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, RoleServiceAdvisor, got[0].Name)
	assert.Equal(t, []ModuleGrant{
		{Module: ModuleServiceOrders, Level: LevelWrite},
		{Module: ModuleContacts, Level: LevelRead},
	}, got[0].Grants)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FetchOrder(t *testing.T) {
	orderColumns := []string{"order_id", "dealer_id", "order_type", "status", "created_by", "assigned_to"}

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM order_access").WithArgs(int64(55)).
			WillReturnRows(sqlmock.NewRows(orderColumns).AddRow(55, testDealer, "service", "on_hold", 7, 9))

		order, err := store.FetchOrder(context.Background(), 55)
		require.NoError(t, err)
		assert.Equal(t, OrderTypeService, order.OrderType)
		assert.Equal(t, OrderStatusOnHold, order.Status)
		assert.Equal(t, int64(7), order.CreatedBy)
		require.NotNil(t, order.AssignedTo)
		assert.Equal(t, int64(9), *order.AssignedTo)
	})

	t.Run("unassigned", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM order_access").WithArgs(int64(56)).
			WillReturnRows(sqlmock.NewRows(orderColumns).AddRow(56, testDealer, "recon", "pending", 7, nil))

		order, err := store.FetchOrder(context.Background(), 56)
		require.NoError(t, err)
		assert.Nil(t, order.AssignedTo)
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM order_access").WillReturnError(sql.ErrNoRows)

		_, err := store.FetchOrder(context.Background(), 57)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM order_access").
			WillReturnRows(sqlmock.NewRows(orderColumns).AddRow(58, testDealer, "service", "archived", 7, nil))

		_, err := store.FetchOrder(context.Background(), 58)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}
