package rbac

import (
	"slices"
	"sort"
	"time"
)

// SnapshotData is the raw material a Snapshot is built from
type SnapshotData struct {
	DealerID          int64
	UserID            int64
	Roles             []Role
	RolePermissions   []RolePermission
	UserRoles         []UserRole
	UserGroups        []UserGroup
	ModuleActivations []ModuleActivation
	LoadedAt          time.Time
}

// Snapshot is the immutable, point-in-time materialization of every grant
// source for one user within one dealership. It is never mutated after
// NewSnapshot returns, so any number of goroutines may read it without
// locking. Fresh data always means a fresh Snapshot.
type Snapshot struct {
	dealerID   int64
	userID     int64
	roles      map[int64]Role
	userRoles  []UserRole
	userGroups []UserGroup
	modules    map[Module]bool
	loadedAt   time.Time
}

// NewSnapshot builds a snapshot, copying everything it is handed
func NewSnapshot(data SnapshotData) *Snapshot {
	s := &Snapshot{
		dealerID: data.DealerID,
		userID:   data.UserID,
		roles:    make(map[int64]Role, len(data.Roles)),
		modules:  make(map[Module]bool, len(data.ModuleActivations)),
		loadedAt: data.LoadedAt,
	}

	for _, r := range data.Roles {
		r.Grants = slices.Clone(r.Grants)
		s.roles[r.ID] = r
	}

	// Role permissions may arrive separately from role definitions;
	// they are appended in position order.
	perms := slices.Clone(data.RolePermissions)
	sort.SliceStable(perms, func(i, j int) bool {
		if perms[i].RoleID != perms[j].RoleID {
			return perms[i].RoleID < perms[j].RoleID
		}
		return perms[i].Position < perms[j].Position
	})
	for _, p := range perms {
		role, ok := s.roles[p.RoleID]
		if !ok {
			continue
		}
		role.Grants = append(role.Grants, ModuleGrant{Module: p.Module, Level: p.Level})
		s.roles[p.RoleID] = role
	}

	for _, ur := range data.UserRoles {
		if ur.UserID != data.UserID {
			continue
		}
		s.userRoles = append(s.userRoles, copyUserRole(ur))
	}
	sort.SliceStable(s.userRoles, func(i, j int) bool {
		return s.userRoles[i].AssignedAt.After(s.userRoles[j].AssignedAt)
	})

	for _, ug := range data.UserGroups {
		if ug.UserID != data.UserID || ug.Group.DealerID != data.DealerID {
			continue
		}
		ug.Group.AllowedOrderTypes = slices.Clone(ug.Group.AllowedOrderTypes)
		s.userGroups = append(s.userGroups, ug)
	}

	for _, a := range data.ModuleActivations {
		if a.DealerID != data.DealerID {
			continue
		}
		s.modules[a.Module] = a.Enabled
	}

	return s
}

// DealerID returns the dealership the snapshot was loaded for
func (s *Snapshot) DealerID() int64 { return s.dealerID }

// UserID returns the user the snapshot was loaded for
func (s *Snapshot) UserID() int64 { return s.userID }

// LoadedAt returns when the underlying data was read
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Role looks up a role definition by id
func (s *Snapshot) Role(id int64) (Role, bool) {
	r, ok := s.roles[id]
	if !ok {
		return Role{}, false
	}
	r.Grants = slices.Clone(r.Grants)
	return r, true
}

// ModuleEnabled reports the dealer's activation flag for module.
// Modules without an activation row are inactive.
func (s *Snapshot) ModuleEnabled(module Module) bool {
	return s.modules[module]
}

// EffectiveUserRoles returns the role edges that grant something at now,
// most recently assigned first
func (s *Snapshot) EffectiveUserRoles(now time.Time) []UserRole {
	out := make([]UserRole, 0, len(s.userRoles))
	for _, ur := range s.userRoles {
		if ur.Effective(now) {
			out = append(out, copyUserRole(ur))
		}
	}
	return out
}

// ActiveGroups returns the groups the user is an active member of
func (s *Snapshot) ActiveGroups() []Group {
	out := make([]Group, 0, len(s.userGroups))
	for _, ug := range s.userGroups {
		if !ug.IsActive {
			continue
		}
		g := ug.Group
		g.AllowedOrderTypes = slices.Clone(g.AllowedOrderTypes)
		out = append(out, g)
	}
	return out
}

func copyUserRole(ur UserRole) UserRole {
	if ur.ExpiresAt != nil {
		t := *ur.ExpiresAt
		ur.ExpiresAt = &t
	}
	if ur.RevokedAt != nil {
		t := *ur.RevokedAt
		ur.RevokedAt = &t
	}
	if ur.AssignedBy != nil {
		id := *ur.AssignedBy
		ur.AssignedBy = &id
	}
	return ur
}
