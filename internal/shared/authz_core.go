package shared

// Agent permissions.
const (
	PermAgentsRead      = "agents.read"
	PermAgentsRegister  = "agents.register"
	PermAgentsManage    = "agents.manage"
	PermAgentsManageAll = "agents.manage_all"
	PermAgentsDelete    = "agents.delete"
)

// Command permissions.
const (
	PermCommandsRead    = "commands.read"
	PermCommandsSubmit  = "commands.submit"
	PermCommandsCancel  = "commands.cancel"
	PermCommandsFiles   = "commands.files"
	PermCommandsProc    = "commands.processes"
	PermCommandsIsolate = "commands.isolate"
	PermForensics       = "commands.forensics"
)

// Incident permissions.
const (
	PermIncidentsRead    = "incidents.read"
	PermIncidentsIngest  = "incidents.ingest"
	PermIncidentsManage  = "incidents.manage"
	PermIncidentsResolve = "incidents.resolve"
)

// Core platform permissions.
const (
	PermUsersRead       = "users.read"
	PermUsersDelete     = "users.delete"
	PermRolesView       = "roles.view"
	PermRolesAssign     = "roles.assign"
	PermRolesEdit       = "roles.edit"
	PermPermissionsView = "permissions.view"
	PermAuditRead       = "audit.read"
	PermAPIKeysManage   = "apikeys.manage"
	PermBillingManage   = "billing.manage"
)
