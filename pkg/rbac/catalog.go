package rbac

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in role names
const (
	RoleDealerAdmin      = "dealer_admin"
	RoleDealerManager    = "dealer_manager"
	RoleSalesAgent       = "sales_agent"
	RoleServiceAdvisor   = "service_advisor"
	RoleReconCoordinator = "recon_coordinator"
	RoleCarWashAttendant = "car_wash_attendant"
	RoleDetailTechnician = "detail_technician"
	RoleSystemSupport    = "system_support"
)

// BuiltInRoles returns the system roles every deployment carries.
// Dealer administrators cannot edit or delete them.
func BuiltInRoles() []Role {
	return []Role{
		{
			Name:         RoleDealerAdmin,
			DisplayName:  "Dealer Administrator",
			Description:  "Full control of the dealership",
			UserType:     UserTypeDealer,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleSalesOrders, Level: LevelAdmin},
				{Module: ModuleServiceOrders, Level: LevelAdmin},
				{Module: ModuleReconOrders, Level: LevelAdmin},
				{Module: ModuleCarWash, Level: LevelAdmin},
				{Module: ModuleUsers, Level: LevelAdmin},
				{Module: ModuleContacts, Level: LevelAdmin},
				{Module: ModuleReports, Level: LevelAdmin},
				{Module: ModuleSettings, Level: LevelAdmin},
				{Module: ModuleManagement, Level: LevelAdmin},
				{Module: ModuleProductivity, Level: LevelAdmin},
				{Module: ModuleChat, Level: LevelAdmin},
				{Module: ModuleStock, Level: LevelAdmin},
				{Module: ModuleGetReady, Level: LevelAdmin},
				{Module: ModuleDashboard, Level: LevelRead},
			},
		},
		{
			Name:         RoleDealerManager,
			DisplayName:  "Dealer Manager",
			Description:  "Manages orders and inventory across departments",
			UserType:     UserTypeDealer,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleSalesOrders, Level: LevelDelete},
				{Module: ModuleServiceOrders, Level: LevelDelete},
				{Module: ModuleReconOrders, Level: LevelDelete},
				{Module: ModuleCarWash, Level: LevelDelete},
				{Module: ModuleContacts, Level: LevelWrite},
				{Module: ModuleStock, Level: LevelWrite},
				{Module: ModuleGetReady, Level: LevelWrite},
				{Module: ModuleUsers, Level: LevelRead},
				{Module: ModuleReports, Level: LevelRead},
				{Module: ModuleDashboard, Level: LevelRead},
				{Module: ModuleChat, Level: LevelWrite},
			},
		},
		{
			Name:         RoleSalesAgent,
			DisplayName:  "Sales Agent",
			UserType:     UserTypeDealer,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleSalesOrders, Level: LevelWrite},
				{Module: ModuleContacts, Level: LevelWrite},
				{Module: ModuleStock, Level: LevelRead},
				{Module: ModuleDashboard, Level: LevelRead},
				{Module: ModuleChat, Level: LevelWrite},
			},
		},
		{
			Name:         RoleServiceAdvisor,
			DisplayName:  "Service Advisor",
			UserType:     UserTypeDealer,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleServiceOrders, Level: LevelWrite},
				{Module: ModuleContacts, Level: LevelRead},
				{Module: ModuleDashboard, Level: LevelRead},
				{Module: ModuleChat, Level: LevelWrite},
			},
		},
		{
			Name:         RoleReconCoordinator,
			DisplayName:  "Recon Coordinator",
			UserType:     UserTypeDealer,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleReconOrders, Level: LevelWrite},
				{Module: ModuleGetReady, Level: LevelWrite},
				{Module: ModuleStock, Level: LevelRead},
				{Module: ModuleDashboard, Level: LevelRead},
			},
		},
		{
			Name:         RoleCarWashAttendant,
			DisplayName:  "Car Wash Attendant",
			UserType:     UserTypeDetail,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleCarWash, Level: LevelWrite},
				{Module: ModuleDashboard, Level: LevelRead},
			},
		},
		{
			Name:         RoleDetailTechnician,
			DisplayName:  "Detail Technician",
			UserType:     UserTypeDetail,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleReconOrders, Level: LevelRead},
				{Module: ModuleGetReady, Level: LevelWrite},
				{Module: ModuleProductivity, Level: LevelWrite},
			},
		},
		{
			Name:         RoleSystemSupport,
			DisplayName:  "System Support",
			Description:  "Read-only visibility across dealerships for support staff",
			UserType:     UserTypeSystem,
			IsSystemRole: true,
			Grants: []ModuleGrant{
				{Module: ModuleDealerships, Level: LevelRead},
				{Module: ModuleUsers, Level: LevelRead},
				{Module: ModuleReports, Level: LevelRead},
			},
		},
	}
}

// Catalog is the deployment's role and group reference data
type Catalog struct {
	Roles  []CatalogRole  `yaml:"roles"`
	Groups []CatalogGroup `yaml:"groups"`
}

// CatalogRole is a custom role definition
type CatalogRole struct {
	Name        string        `yaml:"name"`
	DisplayName string        `yaml:"display_name"`
	Description string        `yaml:"description"`
	UserType    UserType      `yaml:"user_type"`
	Grants      []ModuleGrant `yaml:"grants"`
}

// CatalogGroup is a dealer group definition
type CatalogGroup struct {
	DealerID          int64       `yaml:"dealer_id"`
	Name              string      `yaml:"name"`
	Description       string      `yaml:"description"`
	AllowedOrderTypes []OrderType `yaml:"allowed_order_types"`
	PermissionLevel   Level       `yaml:"permission_level"`
}

// LoadCatalog reads and validates a catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog: %v", ErrConfiguration, err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks the catalog against the module registry and built-in roles
func (c *Catalog) Validate() error {
	names := make(map[string]bool)
	for _, r := range BuiltInRoles() {
		names[r.Name] = true
	}

	for i, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("%w: role %d has no name", ErrConfiguration, i)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: role %q is already defined", ErrConfiguration, r.Name)
		}
		names[r.Name] = true
		if !r.UserType.Valid() {
			return fmt.Errorf("%w: role %q has unknown user_type %q", ErrConfiguration, r.Name, r.UserType)
		}
		for _, g := range r.Grants {
			if !g.Module.Valid() {
				return fmt.Errorf("%w: role %q grants unknown module %q", ErrConfiguration, r.Name, g.Module)
			}
		}
	}

	groups := make(map[string]bool)
	for i, g := range c.Groups {
		if g.Name == "" || g.DealerID <= 0 {
			return fmt.Errorf("%w: group %d needs a name and dealer_id", ErrConfiguration, i)
		}
		key := fmt.Sprintf("%d/%s", g.DealerID, g.Name)
		if groups[key] {
			return fmt.Errorf("%w: group %q is defined twice for dealer %d", ErrConfiguration, g.Name, g.DealerID)
		}
		groups[key] = true
		for _, t := range g.AllowedOrderTypes {
			if !t.Valid() {
				return fmt.Errorf("%w: group %q allows unknown order type %q", ErrConfiguration, g.Name, t)
			}
		}
	}
	return nil
}

// AllRoles returns the built-in roles followed by the catalog's custom roles
func (c *Catalog) AllRoles() []Role {
	roles := BuiltInRoles()
	if c == nil {
		return roles
	}
	for _, r := range c.Roles {
		roles = append(roles, Role{
			Name:        r.Name,
			DisplayName: r.DisplayName,
			Description: r.Description,
			UserType:    r.UserType,
			Grants:      r.Grants,
		})
	}
	return roles
}

// CatalogWriter persists catalog entries
type CatalogWriter interface {
	UpsertRole(ctx context.Context, role *Role, at time.Time) error
	UpsertGroup(ctx context.Context, group *Group, at time.Time) error
}

// SeedResult counts what SeedCatalog wrote
type SeedResult struct {
	Roles  int
	Groups int
}

// SeedCatalog upserts the built-in roles and everything in cat. A nil
// catalog seeds the built-in roles only.
func SeedCatalog(ctx context.Context, w CatalogWriter, cat *Catalog, now time.Time) (SeedResult, error) {
	var result SeedResult

	for _, role := range cat.AllRoles() {
		if err := w.UpsertRole(ctx, &role, now); err != nil {
			return result, fmt.Errorf("failed to seed role %s: %w", role.Name, err)
		}
		result.Roles++
	}

	if cat == nil {
		return result, nil
	}
	for _, g := range cat.Groups {
		group := Group{
			DealerID:          g.DealerID,
			Name:              g.Name,
			Description:       g.Description,
			AllowedOrderTypes: g.AllowedOrderTypes,
			PermissionLevel:   g.PermissionLevel,
		}
		if err := w.UpsertGroup(ctx, &group, now); err != nil {
			return result, fmt.Errorf("failed to seed group %s: %w", g.Name, err)
		}
		result.Groups++
	}
	return result, nil
}
