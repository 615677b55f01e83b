package rbac

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/dealerops/pkg/audit"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

const (
	testDealer      int64 = 100
	otherDealer     int64 = 200
	roleIDAdvisor   int64 = 1
	roleIDSales     int64 = 2
	roleIDManager   int64 = 3
	roleIDDealerAdm int64 = 4
	roleIDCarWash   int64 = 5
)

func testRoles() []Role {
	return []Role{
		{ID: roleIDAdvisor, Name: RoleServiceAdvisor, UserType: UserTypeDealer, Grants: []ModuleGrant{
			{Module: ModuleServiceOrders, Level: LevelWrite},
			{Module: ModuleContacts, Level: LevelRead},
		}},
		{ID: roleIDSales, Name: RoleSalesAgent, UserType: UserTypeDealer, Grants: []ModuleGrant{
			{Module: ModuleSalesOrders, Level: LevelWrite},
			{Module: ModuleServiceOrders, Level: LevelRead},
		}},
		{ID: roleIDManager, Name: RoleDealerManager, UserType: UserTypeDealer, Grants: []ModuleGrant{
			{Module: ModuleServiceOrders, Level: LevelDelete},
			{Module: ModuleSalesOrders, Level: LevelDelete},
		}},
		{ID: roleIDDealerAdm, Name: RoleDealerAdmin, UserType: UserTypeDealer, Grants: []ModuleGrant{
			{Module: ModuleServiceOrders, Level: LevelAdmin},
			{Module: ModuleUsers, Level: LevelAdmin},
		}},
		{ID: roleIDCarWash, Name: RoleCarWashAttendant, UserType: UserTypeDetail, Grants: []ModuleGrant{
			{Module: ModuleCarWash, Level: LevelWrite},
		}},
	}
}

func activations(dealerID int64, modules ...Module) []ModuleActivation {
	out := make([]ModuleActivation, 0, len(modules))
	for _, m := range modules {
		out = append(out, ModuleActivation{DealerID: dealerID, Module: m, Enabled: true})
	}
	return out
}

func holds(userID int64, roleIDs ...int64) []UserRole {
	out := make([]UserRole, 0, len(roleIDs))
	for i, id := range roleIDs {
		out = append(out, UserRole{
			ID:         int64(1000 + i),
			UserID:     userID,
			RoleID:     id,
			IsActive:   true,
			AssignedAt: testNow.Add(-time.Duration(len(roleIDs)-i) * time.Hour),
		})
	}
	return out
}

func member(userID int64, g Group) UserGroup {
	return UserGroup{ID: g.ID + 5000, UserID: userID, GroupID: g.ID, IsActive: true, AssignedAt: testNow, Group: g}
}

func dealerUser(id int64) Subject {
	return Subject{ID: id, DealerID: testDealer, UserType: UserTypeDealer}
}

func systemAdmin(id int64) Subject {
	return Subject{ID: id, UserType: UserTypeSystem, IsSystemAdmin: true}
}

// memStore is an in-memory PolicyReader, UserDirectory and PolicyWriter
type memStore struct {
	mu          sync.Mutex
	users       map[int64]Subject
	roles       []Role
	userRoles   []UserRole
	groups      map[int64]Group
	userGroups  []UserGroup
	activations []ModuleActivation
	orders      map[int64]Order
	nextID      int64

	loads      atomic.Int64
	readErr    error
	readGate   chan struct{}
	insertErr  error
	replaceErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[int64]Subject),
		roles:  testRoles(),
		groups: make(map[int64]Group),
		orders: make(map[int64]Order),
		nextID: 1,
	}
}

func (m *memStore) addUser(s Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[s.ID] = s
}

func (m *memStore) addGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

func (m *memStore) enable(dealerID int64, modules ...Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations = append(m.activations, activations(dealerID, modules...)...)
}

func (m *memStore) activeAssignments(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ur := range m.userRoles {
		if ur.UserID == userID && ur.IsActive {
			n++
		}
	}
	return n
}

func (m *memStore) activeGroupIDs(userID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, ug := range m.userGroups {
		if ug.UserID == userID && ug.IsActive {
			ids = append(ids, ug.GroupID)
		}
	}
	slices.Sort(ids)
	return ids
}

func (m *memStore) read(ctx context.Context) error {
	if m.readGate != nil {
		select {
		case <-m.readGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.readErr
}

// FetchRoles returns role definitions without grants, as SQLStore does
func (m *memStore) FetchRoles(ctx context.Context) ([]Role, error) {
	if err := m.read(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, len(m.roles))
	for i, r := range m.roles {
		r.Grants = nil
		out[i] = r
	}
	return out, nil
}

func (m *memStore) FetchRolePermissions(ctx context.Context) ([]RolePermission, error) {
	if err := m.read(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RolePermission
	for _, r := range m.roles {
		for i, g := range r.Grants {
			out = append(out, RolePermission{RoleID: r.ID, Module: g.Module, Level: g.Level, Position: i})
		}
	}
	return out, nil
}

func (m *memStore) FetchUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	m.loads.Add(1)
	if err := m.read(ctx); err != nil {
		return nil, err
	}
	return m.FetchCurrentUserRoles(ctx, userID)
}

func (m *memStore) FetchCurrentUserRoles(_ context.Context, userID int64) ([]UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRole
	for _, ur := range m.userRoles {
		if ur.UserID == userID && ur.IsActive {
			out = append(out, ur)
		}
	}
	return out, nil
}

func (m *memStore) FetchUserGroups(ctx context.Context, userID int64) ([]UserGroup, error) {
	if err := m.read(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserGroup
	for _, ug := range m.userGroups {
		if ug.UserID == userID && ug.IsActive {
			ug.Group = m.groups[ug.GroupID]
			out = append(out, ug)
		}
	}
	return out, nil
}

func (m *memStore) FetchModuleActivations(ctx context.Context, dealerID int64) ([]ModuleActivation, error) {
	if err := m.read(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ModuleActivation
	for _, a := range m.activations {
		if a.DealerID == dealerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) FetchUser(_ context.Context, userID int64) (Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return Subject{}, fmt.Errorf("fetch user %d: %w", userID, ErrNotFound)
	}
	return s, nil
}

func (m *memStore) FetchOrder(_ context.Context, orderID int64) (Order, error) {
	if m.readErr != nil {
		return Order{}, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("fetch order %d: %w", orderID, ErrNotFound)
	}
	return o, nil
}

func (m *memStore) FetchRoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			r.Grants = slices.Clone(r.Grants)
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("fetch role %q: %w", name, ErrNotFound)
}

func (m *memStore) InsertUserRole(_ context.Context, ur *UserRole) (int64, bool, error) {
	if m.insertErr != nil {
		return 0, false, m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.userRoles {
		if existing.UserID == ur.UserID && existing.RoleID == ur.RoleID && existing.IsActive {
			return existing.ID, false, nil
		}
	}
	ur.ID = m.nextID
	ur.IsActive = true
	m.nextID++
	m.userRoles = append(m.userRoles, *ur)
	return ur.ID, true, nil
}

func (m *memStore) DeactivateUserRole(_ context.Context, userID, roleID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ur := range m.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID && ur.IsActive {
			m.userRoles[i].IsActive = false
			m.userRoles[i].RevokedAt = &at
		}
	}
	return nil
}

func (m *memStore) ReplaceUserGroups(_ context.Context, userID int64, groupIDs []int64, at time.Time) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	for _, id := range groupIDs {
		g, ok := m.groups[id]
		if !ok || g.DealerID != user.DealerID {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
	}
	for i, ug := range m.userGroups {
		if ug.UserID == userID {
			m.userGroups[i].IsActive = slices.Contains(groupIDs, ug.GroupID)
		}
	}
	for _, id := range groupIDs {
		found := false
		for _, ug := range m.userGroups {
			if ug.UserID == userID && ug.GroupID == id {
				found = true
			}
		}
		if !found {
			m.userGroups = append(m.userGroups, UserGroup{UserID: userID, GroupID: id, IsActive: true, AssignedAt: at})
		}
	}
	return nil
}

func (m *memStore) SetModuleActivation(_ context.Context, dealerID int64, module Module, enabled bool, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.activations {
		if a.DealerID == dealerID && a.Module == module {
			m.activations[i].Enabled = enabled
			return nil
		}
	}
	m.activations = append(m.activations, ModuleActivation{DealerID: dealerID, Module: module, Enabled: enabled})
	return nil
}

// recordingAudit collects audit events
type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
	err    error
}

func (r *recordingAudit) Log(_ context.Context, e *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// recordingBus collects published invalidations
type recordingBus struct {
	mu   sync.Mutex
	sent []Invalidation
	err  error
}

func (b *recordingBus) Publish(_ context.Context, inv Invalidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, inv)
	return b.err
}

// staticSnapshots serves a fixed snapshot, or an error
type staticSnapshots struct {
	snap  *Snapshot
	err   error
	calls int
}

func (s *staticSnapshots) Snapshot(context.Context, int64, int64) (*Snapshot, error) {
	s.calls++
	return s.snap, s.err
}
