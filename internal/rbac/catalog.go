package rbac

import "github.com/watchpost/watchpost/internal/shared"

// System role slugs and levels.
const (
	RoleUser       = "user"
	RoleAnalyst    = "analyst"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"

	LevelUser       = 10
	LevelAnalyst    = 40
	LevelAdmin      = 70
	LevelSuperAdmin = 100
)

// DefaultPermissions is the static permission catalog seeded at startup.
var DefaultPermissions = []Permission{
	{Slug: shared.PermAgentsRead, Category: "agents", Sensitivity: SensitivityLow, Description: "View own agents"},
	{Slug: shared.PermAgentsRegister, Category: "agents", Sensitivity: SensitivityMedium, Description: "Register new agents"},
	{Slug: shared.PermAgentsManage, Category: "agents", Sensitivity: SensitivityMedium, Description: "Change agent features"},
	{Slug: shared.PermAgentsManageAll, Category: "agents", Sensitivity: SensitivityCritical, Description: "Act on agents owned by other principals"},
	{Slug: shared.PermAgentsDelete, Category: "agents", Sensitivity: SensitivityHigh, Description: "Decommission agents"},
	{Slug: shared.PermCommandsRead, Category: "commands", Sensitivity: SensitivityLow, Description: "View command history"},
	{Slug: shared.PermCommandsSubmit, Category: "commands", Sensitivity: SensitivityMedium, Description: "Submit remote commands"},
	{Slug: shared.PermCommandsCancel, Category: "commands", Sensitivity: SensitivityMedium, Description: "Cancel queued commands"},
	{Slug: shared.PermCommandsFiles, Category: "commands", Sensitivity: SensitivityHigh, Description: "Read and delete files on agents"},
	{Slug: shared.PermCommandsProc, Category: "commands", Sensitivity: SensitivityHigh, Description: "Kill processes and restart services"},
	{Slug: shared.PermCommandsIsolate, Category: "commands", Sensitivity: SensitivityCritical, Description: "Network-isolate hosts"},
	{Slug: shared.PermForensics, Category: "commands", Sensitivity: SensitivityCritical, Description: "Collect forensic images"},
	{Slug: shared.PermIncidentsRead, Category: "incidents", Sensitivity: SensitivityLow, Description: "View security incidents"},
	{Slug: shared.PermIncidentsIngest, Category: "incidents", Sensitivity: SensitivityMedium, Description: "Report security events"},
	{Slug: shared.PermIncidentsManage, Category: "incidents", Sensitivity: SensitivityMedium, Description: "Assign and investigate incidents"},
	{Slug: shared.PermIncidentsResolve, Category: "incidents", Sensitivity: SensitivityHigh, Description: "Resolve incidents"},
	{Slug: shared.PermUsersRead, Category: "users", Sensitivity: SensitivityLow, Description: "View principals"},
	{Slug: shared.PermUsersDelete, Category: "users", Sensitivity: SensitivityHigh, Description: "Deactivate principals"},
	{Slug: shared.PermRolesView, Category: "roles", Sensitivity: SensitivityLow, Description: "View roles"},
	{Slug: shared.PermRolesAssign, Category: "roles", Sensitivity: SensitivityHigh, Description: "Assign and remove roles"},
	{Slug: shared.PermRolesEdit, Category: "roles", Sensitivity: SensitivityCritical, Description: "Create and delete roles"},
	{Slug: shared.PermPermissionsView, Category: "roles", Sensitivity: SensitivityLow, Description: "View the permission catalog"},
	{Slug: shared.PermAuditRead, Category: "audit", Sensitivity: SensitivityMedium, Description: "Read the audit log"},
	{Slug: shared.PermAPIKeysManage, Category: "apikeys", Sensitivity: SensitivityMedium, Description: "Issue and revoke own API keys"},
	{Slug: shared.PermBillingManage, Category: "billing", Sensitivity: SensitivityHigh, Description: "Change subscription plans"},
}

// DefaultRoles lists the system roles. Each role only names the permissions it
// adds; lower-level roles' permissions are inherited by level.
var DefaultRoles = []Role{
	{
		Slug: RoleUser, Name: "User", Level: LevelUser, IsSystem: true, IsActive: true,
		Permissions: []string{
			shared.PermAgentsRead,
			shared.PermAgentsRegister,
			shared.PermCommandsRead,
			shared.PermCommandsSubmit,
			shared.PermIncidentsRead,
			shared.PermAPIKeysManage,
		},
	},
	{
		Slug: RoleAnalyst, Name: "Analyst", Level: LevelAnalyst, IsSystem: true, IsActive: true,
		Permissions: []string{
			shared.PermCommandsFiles,
			shared.PermIncidentsIngest,
			shared.PermIncidentsManage,
			shared.PermAuditRead,
		},
	},
	{
		Slug: RoleAdmin, Name: "Admin", Level: LevelAdmin, IsSystem: true, IsActive: true,
		Permissions: []string{
			shared.PermAgentsManage,
			shared.PermAgentsDelete,
			shared.PermCommandsCancel,
			shared.PermCommandsProc,
			shared.PermCommandsIsolate,
			shared.PermIncidentsResolve,
			shared.PermUsersRead,
			shared.PermUsersDelete,
			shared.PermRolesView,
			shared.PermRolesAssign,
			shared.PermPermissionsView,
			shared.PermBillingManage,
		},
	},
	{
		Slug: RoleSuperAdmin, Name: "Super Admin", Level: LevelSuperAdmin, IsSystem: true, IsActive: true,
		Permissions: []string{
			shared.PermAgentsManageAll,
			shared.PermForensics,
			shared.PermRolesEdit,
		},
	},
}
