package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectContext(t *testing.T) {
	_, ok := SubjectFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSubject(context.Background(), dealerUser(7))
	s, ok := SubjectFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, dealerUser(7), s)
}

func newMiddlewareFixture() (*PermissionMiddleware, *memStore) {
	store := newMemStore()
	store.userRoles = holds(7, roleIDAdvisor)
	store.enable(testDealer, ModuleServiceOrders, ModuleContacts)
	guard, _ := newTestGuard(store)
	return NewPermissionMiddleware(guard), store
}

func serveAs(subject *Subject, mw func(http.Handler) http.Handler) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/55", nil)
	if subject != nil {
		req = req.WithContext(WithSubject(req.Context(), *subject))
	}
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)
	return rec
}

func TestPermissionMiddleware_RequirePermission(t *testing.T) {
	pm, _ := newMiddlewareFixture()
	advisor := dealerUser(7)

	assert.Equal(t, http.StatusUnauthorized, serveAs(nil, pm.RequirePermission(ModuleServiceOrders, LevelRead)).Code)
	assert.Equal(t, http.StatusOK, serveAs(&advisor, pm.RequirePermission(ModuleServiceOrders, LevelWrite)).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&advisor, pm.RequirePermission(ModuleServiceOrders, LevelDelete)).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&advisor, pm.RequirePermission(ModuleSalesOrders, LevelRead)).Code)
}

func TestPermissionMiddleware_StoreUnavailable(t *testing.T) {
	pm, store := newMiddlewareFixture()
	store.readErr = errors.New("replica down")
	advisor := dealerUser(7)

	rec := serveAs(&advisor, pm.RequirePermission(ModuleServiceOrders, LevelRead))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(CategoryUnavailable))
}

func TestPermissionMiddleware_RequireSystemPermission(t *testing.T) {
	pm, _ := newMiddlewareFixture()
	advisor := dealerUser(7)
	admin := systemAdmin(1)

	assert.Equal(t, http.StatusOK, serveAs(&admin, pm.RequireSystemPermission()).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&advisor, pm.RequireSystemPermission()).Code)
}

func TestPermissionMiddleware_RequireDealerModule(t *testing.T) {
	pm, _ := newMiddlewareFixture()
	// No role grants needed, only the dealer switch
	nobody := dealerUser(9)

	assert.Equal(t, http.StatusOK, serveAs(&nobody, pm.RequireDealerModule(ModuleContacts)).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&nobody, pm.RequireDealerModule(ModuleChat)).Code)
}

func TestPermissionMiddleware_RequireOrderPermission(t *testing.T) {
	pm, _ := newMiddlewareFixture()
	advisor := dealerUser(7)

	loadOrder := func(o Order) OrderLoader {
		return func(*http.Request) (*Order, error) { return &o, nil }
	}

	open := serviceOrder(OrderStatusPending, 1, nil)
	closed := serviceOrder(OrderStatusCompleted, 7, nil)
	foreign := Order{ID: 56, DealerID: otherDealer, OrderType: OrderTypeService, Status: OrderStatusPending}

	assert.Equal(t, http.StatusOK, serveAs(&advisor, pm.RequireOrderPermission(ModuleServiceOrders, LevelWrite, loadOrder(open))).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&advisor, pm.RequireOrderPermission(ModuleServiceOrders, LevelWrite, loadOrder(closed))).Code)
	assert.Equal(t, http.StatusForbidden, serveAs(&advisor, pm.RequireOrderPermission(ModuleServiceOrders, LevelRead, loadOrder(foreign))).Code)

	missing := func(*http.Request) (*Order, error) { return nil, ErrNotFound }
	assert.Equal(t, http.StatusNotFound, serveAs(&advisor, pm.RequireOrderPermission(ModuleServiceOrders, LevelRead, missing)).Code)
}
