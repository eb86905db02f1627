package rbac

import "time"

// Catalog is a point-in-time snapshot of every role and permission.
type Catalog struct {
	Roles       []Role
	Permissions map[string]Permission
}

// RoleByID finds a role in the snapshot.
func (c Catalog) RoleByID(id int64) (Role, bool) {
	for _, r := range c.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// HeldRoles returns the active roles a principal holds at t: the primary role
// plus every assignment that is neither expired nor future-dated.
func HeldRoles(c Catalog, p Principal, assignments []Assignment, at time.Time) []Role {
	if !p.IsActive {
		return nil
	}
	seen := make(map[int64]struct{})
	var held []Role
	add := func(id int64) {
		if _, dup := seen[id]; dup {
			return
		}
		role, ok := c.RoleByID(id)
		if !ok || !role.IsActive {
			return
		}
		seen[id] = struct{}{}
		held = append(held, role)
	}
	if p.PrimaryRoleID != nil {
		add(*p.PrimaryRoleID)
	}
	for _, a := range assignments {
		if a.PrincipalID != p.ID || !a.ActiveAt(at) {
			continue
		}
		add(a.RoleID)
	}
	return held
}

// Resolve computes the effective permission set at t. A held role grants its
// own permissions plus those of every active role with a strictly lower level.
func Resolve(c Catalog, p Principal, assignments []Assignment, at time.Time) PermissionSet {
	held := HeldRoles(c, p, assignments, at)
	set := make(PermissionSet)
	if len(held) == 0 {
		return set
	}
	top := 0
	for _, r := range held {
		if r.Level > top {
			top = r.Level
		}
		grant(set, c, r.Permissions)
	}
	for _, r := range c.Roles {
		if r.IsActive && r.Level < top {
			grant(set, c, r.Permissions)
		}
	}
	return set
}

// Highest returns the strongest held role at t.
func Highest(c Catalog, p Principal, assignments []Assignment, at time.Time) (Role, bool) {
	var best Role
	found := false
	for _, r := range HeldRoles(c, p, assignments, at) {
		if !found || r.Level > best.Level {
			best = r
			found = true
		}
	}
	return best, found
}

func grant(set PermissionSet, c Catalog, slugs []string) {
	for _, slug := range slugs {
		perm, ok := c.Permissions[slug]
		if !ok || !perm.IsActive {
			continue
		}
		set[slug] = perm
	}
}
