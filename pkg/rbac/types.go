package rbac

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Level is a point on the permission lattice. Levels are totally ordered:
// none < read < write < delete < admin.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelDelete
	LevelAdmin
)

var levelNames = []string{"none", "read", "write", "delete", "admin"}

// String returns the canonical name of the level
func (l Level) String() string {
	if l < LevelNone || l > LevelAdmin {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels
func (l Level) Valid() bool {
	return l >= LevelNone && l <= LevelAdmin
}

// Allows reports whether holding l satisfies a request for requested
func (l Level) Allows(requested Level) bool {
	return requested <= l
}

// MaxLevel returns the higher of two levels
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ParseLevel parses a canonical level name
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// MarshalText encodes the level by name (used by JSON and YAML)
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Module is a named functional area of the platform
type Module string

const (
	ModuleSalesOrders   Module = "sales_orders"
	ModuleServiceOrders Module = "service_orders"
	ModuleReconOrders   Module = "recon_orders"
	ModuleCarWash       Module = "car_wash"
	ModuleUsers         Module = "users"
	ModuleDealerships   Module = "dealerships"
	ModuleContacts      Module = "contacts"
	ModuleReports       Module = "reports"
	ModuleSettings      Module = "settings"
	ModuleManagement    Module = "management"
	ModuleProductivity  Module = "productivity"
	ModuleChat          Module = "chat"
	ModuleStock         Module = "stock"
	ModuleGetReady      Module = "get_ready"
	ModuleDashboard     Module = "dashboard"
)

var knownModules = []Module{
	ModuleSalesOrders,
	ModuleServiceOrders,
	ModuleReconOrders,
	ModuleCarWash,
	ModuleUsers,
	ModuleDealerships,
	ModuleContacts,
	ModuleReports,
	ModuleSettings,
	ModuleManagement,
	ModuleProductivity,
	ModuleChat,
	ModuleStock,
	ModuleGetReady,
	ModuleDashboard,
}

// KnownModules returns every recognized module
func KnownModules() []Module {
	return slices.Clone(knownModules)
}

// Valid reports whether m is a recognized module
func (m Module) Valid() bool {
	return slices.Contains(knownModules, m)
}

// OrderType returns the order type carried by an order-bearing module
func (m Module) OrderType() (OrderType, bool) {
	for t, mod := range orderTypeModules {
		if mod == m {
			return t, true
		}
	}
	return "", false
}

// ParseModule validates a module identifier
func ParseModule(s string) (Module, error) {
	m := Module(strings.TrimSpace(s))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidModule, s)
	}
	return m, nil
}

// OrderType classifies orders; groups restrict their grants by it
type OrderType string

const (
	OrderTypeSales   OrderType = "sales"
	OrderTypeService OrderType = "service"
	OrderTypeRecon   OrderType = "recon"
	OrderTypeCarWash OrderType = "car_wash"
)

var orderTypeModules = map[OrderType]Module{
	OrderTypeSales:   ModuleSalesOrders,
	OrderTypeService: ModuleServiceOrders,
	OrderTypeRecon:   ModuleReconOrders,
	OrderTypeCarWash: ModuleCarWash,
}

// Module returns the module that owns orders of this type
func (t OrderType) Module() Module {
	return orderTypeModules[t]
}

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	_, ok := orderTypeModules[t]
	return ok
}

// OrderStatus is the lifecycle status of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusOnHold     OrderStatus = "on_hold"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderStatuses = map[OrderStatus]bool{
	OrderStatusPending:    true,
	OrderStatusInProgress: true,
	OrderStatusOnHold:     true,
	OrderStatusCompleted:  true,
	OrderStatusCancelled:  true,
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	return orderStatuses[s]
}

// Terminal reports whether the status locks the order against non-admin mutation
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// UserType classifies users and decides which roles they may hold
type UserType string

const (
	UserTypeDealer UserType = "dealer"
	UserTypeDetail UserType = "detail"
	UserTypeSystem UserType = "system"
)

// Valid reports whether t is a known user type
func (t UserType) Valid() bool {
	return t == UserTypeDealer || t == UserTypeDetail || t == UserTypeSystem
}

// Subject is the user a decision is made for
type Subject struct {
	ID            int64    `json:"id"`
	DealerID      int64    `json:"dealer_id"`
	UserType      UserType `json:"user_type"`
	IsSystemAdmin bool     `json:"is_system_admin"`
}

// ModuleGrant is a single (module, level) pair carried by a role
type ModuleGrant struct {
	Module Module `json:"module" yaml:"module"`
	Level  Level  `json:"level" yaml:"level"`
}

// Role is a reusable, named bundle of module grants
type Role struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	DisplayName  string        `json:"display_name"`
	Description  string        `json:"description,omitempty"`
	UserType     UserType      `json:"user_type"`
	IsSystemRole bool          `json:"is_system_role"`
	Grants       []ModuleGrant `json:"grants"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// LevelFor returns the highest level the role grants on module
func (r Role) LevelFor(module Module) Level {
	level := LevelNone
	for _, g := range r.Grants {
		if g.Module == module {
			level = MaxLevel(level, g.Level)
		}
	}
	return level
}

// RolePermission is one row of the role -> (module, level) table
type RolePermission struct {
	RoleID   int64  `json:"role_id"`
	Module   Module `json:"module"`
	Level    Level  `json:"level"`
	Position int    `json:"position"`
}

// Group is a dealer-scoped grant restricted to specific order types
type Group struct {
	ID                int64       `json:"id"`
	DealerID          int64       `json:"dealer_id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	AllowedOrderTypes []OrderType `json:"allowed_order_types"`
	PermissionLevel   Level       `json:"permission_level"`
	CreatedAt         time.Time   `json:"created_at"`
}

// AllowsOrderType reports whether the group's grant applies to orders of type t
func (g Group) AllowsOrderType(t OrderType) bool {
	return slices.Contains(g.AllowedOrderTypes, t)
}

// UserRole is the edge assigning a role to a user
type UserRole struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	IsActive   bool       `json:"is_active"`
	AssignedBy *int64     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Effective reports whether the edge grants anything at now.
// Expiry is evaluated lazily here; nothing sweeps expired edges.
func (ur UserRole) Effective(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	return ur.ExpiresAt == nil || ur.ExpiresAt.After(now)
}

// UserGroup is the membership edge between a user and a group
type UserGroup struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	GroupID    int64     `json:"group_id"`
	IsActive   bool      `json:"is_active"`
	AssignedAt time.Time `json:"assigned_at"`
	Group      Group     `json:"group"`
}

// ModuleActivation is the dealer-wide switch for a module
type ModuleActivation struct {
	DealerID int64  `json:"dealer_id"`
	Module   Module `json:"module"`
	Enabled  bool   `json:"enabled"`
}

// Order is the external order entity, referenced only
type Order struct {
	ID         int64       `json:"id"`
	DealerID   int64       `json:"dealer_id"`
	OrderType  OrderType   `json:"order_type"`
	Status     OrderStatus `json:"status"`
	CreatedBy  int64       `json:"created_by"`
	AssignedTo *int64      `json:"assigned_to,omitempty"`
}

// Module returns the module the order belongs to
func (o Order) Module() Module {
	return o.OrderType.Module()
}

// involves reports whether userID created or is assigned to the order
func (o Order) involves(userID int64) bool {
	if o.CreatedBy == userID {
		return true
	}
	return o.AssignedTo != nil && *o.AssignedTo == userID
}

// OrderAction is a mutation on a specific order
type OrderAction string

const (
	OrderActionEdit   OrderAction = "edit"
	OrderActionDelete OrderAction = "delete"
)

// Level returns the base level the action requires
func (a OrderAction) Level() Level {
	switch a {
	case OrderActionEdit:
		return LevelWrite
	case OrderActionDelete:
		return LevelDelete
	default:
		return LevelAdmin
	}
}
