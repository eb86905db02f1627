package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watchpost/watchpost/internal/shared"
)

func defaultCatalog() Catalog {
	c := Catalog{Permissions: make(map[string]Permission)}
	for i, p := range DefaultPermissions {
		p.ID = int64(i + 1)
		p.IsActive = true
		c.Permissions[p.Slug] = p
	}
	for i, r := range DefaultRoles {
		r.ID = int64(i + 1)
		c.Roles = append(c.Roles, r)
	}
	return c
}

func roleID(t *testing.T, c Catalog, slug string) int64 {
	t.Helper()
	for _, r := range c.Roles {
		if r.Slug == slug {
			return r.ID
		}
	}
	t.Fatalf("role %s not in catalog", slug)
	return 0
}

func TestResolveInheritsLowerLevels(t *testing.T) {
	c := defaultCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin := roleID(t, c, RoleAdmin)
	p := Principal{ID: 7, IsActive: true, PrimaryRoleID: &admin}

	set := Resolve(c, p, nil, now)

	require.True(t, set.Has(shared.PermUsersDelete))
	require.True(t, set.Has(shared.PermAgentsRead), "user permissions are inherited")
	require.True(t, set.Has(shared.PermIncidentsIngest), "analyst permissions are inherited")
	require.False(t, set.Has(shared.PermForensics), "higher levels are never inherited")
}

func TestResolveUserOnly(t *testing.T) {
	c := defaultCatalog()
	now := time.Now().UTC()
	user := roleID(t, c, RoleUser)
	p := Principal{ID: 1, IsActive: true, PrimaryRoleID: &user}

	set := Resolve(c, p, nil, now)
	require.True(t, set.Has(shared.PermAgentsRead))
	require.False(t, set.Has(shared.PermUsersDelete))
}

func TestExpiredAssignmentContributesNothing(t *testing.T) {
	c := defaultCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	admin := roleID(t, c, RoleAdmin)
	p := Principal{ID: 3, IsActive: true}
	assignments := []Assignment{{PrincipalID: 3, RoleID: admin, ExpiresAt: &expired, CreatedAt: now.Add(-time.Hour)}}

	require.Empty(t, Resolve(c, p, assignments, now))

	_, ok := Highest(c, p, assignments, now)
	require.False(t, ok)

	// Evaluated before expiry the same assignment is live.
	before := Resolve(c, p, assignments, now.Add(-2*time.Minute))
	require.True(t, before.Has(shared.PermUsersDelete))
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	c := defaultCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	analyst := roleID(t, c, RoleAnalyst)
	p := Principal{ID: 3, IsActive: true}
	assignments := []Assignment{{PrincipalID: 3, RoleID: analyst, ExpiresAt: &now}}

	require.Empty(t, Resolve(c, p, assignments, now))
}

func TestFutureDatedAssignmentIsInert(t *testing.T) {
	c := defaultCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	analyst := roleID(t, c, RoleAnalyst)
	p := Principal{ID: 3, IsActive: true}
	assignments := []Assignment{{PrincipalID: 3, RoleID: analyst, CreatedAt: now.Add(time.Hour)}}

	require.Empty(t, Resolve(c, p, assignments, now))
}

func TestInactivePermissionAndRoleExcluded(t *testing.T) {
	c := defaultCatalog()
	now := time.Now().UTC()
	perm := c.Permissions[shared.PermAgentsRead]
	perm.IsActive = false
	c.Permissions[shared.PermAgentsRead] = perm

	analyst := roleID(t, c, RoleAnalyst)
	p := Principal{ID: 1, IsActive: true, PrimaryRoleID: &analyst}
	set := Resolve(c, p, nil, now)
	require.False(t, set.Has(shared.PermAgentsRead))
	require.True(t, set.Has(shared.PermCommandsSubmit))

	for i := range c.Roles {
		if c.Roles[i].Slug == RoleUser {
			c.Roles[i].IsActive = false
		}
	}
	set = Resolve(c, p, nil, now)
	require.False(t, set.Has(shared.PermCommandsSubmit), "inactive roles contribute nothing through inheritance")
}

func TestInactivePrincipalHasNoPermissions(t *testing.T) {
	c := defaultCatalog()
	superAdmin := roleID(t, c, RoleSuperAdmin)
	p := Principal{ID: 1, IsActive: false, PrimaryRoleID: &superAdmin}
	require.Empty(t, Resolve(c, p, nil, time.Now()))
}

func TestHighestPicksStrongestRole(t *testing.T) {
	c := defaultCatalog()
	now := time.Now().UTC()
	user := roleID(t, c, RoleUser)
	admin := roleID(t, c, RoleAdmin)
	p := Principal{ID: 9, IsActive: true, PrimaryRoleID: &user}

	role, ok := Highest(c, p, []Assignment{{PrincipalID: 9, RoleID: admin}}, now)
	require.True(t, ok)
	require.Equal(t, RoleAdmin, role.Slug)
}

func TestSensitivityNames(t *testing.T) {
	require.Equal(t, "critical", SensitivityCritical.String())
	require.True(t, SensitivityLow.Valid())
	require.False(t, Sensitivity(5).Valid())
	for _, p := range DefaultPermissions {
		require.True(t, p.Sensitivity.Valid(), p.Slug)
	}
}
