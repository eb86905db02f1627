package authz

import (
	"time"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
)

// Actions understood by the engine.
const (
	ActionAgentRead         = "agent.read"
	ActionAgentRegister     = "agent.register"
	ActionAgentManage       = "agent.manage"
	ActionAgentDecommission = "agent.decommission"
	ActionCommandRead       = "command.read"
	ActionCommandSubmit     = "command.submit"
	ActionCommandCancel     = "command.cancel"
	ActionIncidentRead      = "incident.read"
	ActionIncidentIngest    = "incident.ingest"
	ActionIncidentManage    = "incident.manage"
	ActionIncidentResolve   = "incident.resolve"
	ActionAuditRead         = "audit.read"
	ActionAPIKeyManage      = "apikey.manage"
	ActionBillingManage     = "billing.manage"
)

// Rule binds an action to the permission it needs. Owned rules additionally
// require the principal to own the target agent unless it holds
// agents.manage_all.
type Rule struct {
	Permission string
	Owned      bool
}

// Registry maps every known action to its rule. Actions missing here are denied.
var Registry = map[string]Rule{
	ActionAgentRead:         {Permission: shared.PermAgentsRead, Owned: true},
	ActionAgentRegister:     {Permission: shared.PermAgentsRegister},
	ActionAgentManage:       {Permission: shared.PermAgentsManage, Owned: true},
	ActionAgentDecommission: {Permission: shared.PermAgentsDelete, Owned: true},
	ActionCommandRead:       {Permission: shared.PermCommandsRead, Owned: true},
	ActionCommandSubmit:     {Permission: shared.PermCommandsSubmit, Owned: true},
	ActionCommandCancel:     {Permission: shared.PermCommandsCancel, Owned: true},
	ActionIncidentRead:      {Permission: shared.PermIncidentsRead},
	ActionIncidentIngest:    {Permission: shared.PermIncidentsIngest},
	ActionIncidentManage:    {Permission: shared.PermIncidentsManage},
	ActionIncidentResolve:   {Permission: shared.PermIncidentsResolve},
	ActionAuditRead:         {Permission: shared.PermAuditRead},
	ActionAPIKeyManage:      {Permission: shared.PermAPIKeysManage},
	ActionBillingManage:     {Permission: shared.PermBillingManage},
}

// Command types.
const (
	CommandStatusCheck     = "status_check"
	CommandRestartService  = "restart_service"
	CommandUpdateConfig    = "update_config"
	CommandFileRead        = "file_read"
	CommandFileDelete      = "file_delete"
	CommandProcessKill     = "process_kill"
	CommandIsolateHost     = "isolate_host"
	CommandForensicCollect = "forensic_collect"
)

// CommandPolicy is the minimum role and plan a command type requires, plus
// its dispatch defaults.
type CommandPolicy struct {
	MinRole      string
	MinRoleLevel int
	MinTier      entitlements.Tier
	Timeout      time.Duration
	Priority     int
}

// CommandPolicies is keyed by command type.
var CommandPolicies = map[string]CommandPolicy{
	CommandStatusCheck:     {MinRole: rbac.RoleUser, MinRoleLevel: rbac.LevelUser, MinTier: entitlements.TierFree, Timeout: time.Minute, Priority: 1},
	CommandRestartService:  {MinRole: rbac.RoleAdmin, MinRoleLevel: rbac.LevelAdmin, MinTier: entitlements.TierBasic, Timeout: 5 * time.Minute, Priority: 5},
	CommandUpdateConfig:    {MinRole: rbac.RoleAdmin, MinRoleLevel: rbac.LevelAdmin, MinTier: entitlements.TierBasic, Timeout: 5 * time.Minute, Priority: 5},
	CommandFileRead:        {MinRole: rbac.RoleAnalyst, MinRoleLevel: rbac.LevelAnalyst, MinTier: entitlements.TierProfessional, Timeout: 10 * time.Minute, Priority: 3},
	CommandFileDelete:      {MinRole: rbac.RoleAdmin, MinRoleLevel: rbac.LevelAdmin, MinTier: entitlements.TierProfessional, Timeout: 10 * time.Minute, Priority: 5},
	CommandProcessKill:     {MinRole: rbac.RoleAdmin, MinRoleLevel: rbac.LevelAdmin, MinTier: entitlements.TierProfessional, Timeout: 2 * time.Minute, Priority: 8},
	CommandIsolateHost:     {MinRole: rbac.RoleAdmin, MinRoleLevel: rbac.LevelAdmin, MinTier: entitlements.TierEnterprise, Timeout: 2 * time.Minute, Priority: 10},
	CommandForensicCollect: {MinRole: rbac.RoleSuperAdmin, MinRoleLevel: rbac.LevelSuperAdmin, MinTier: entitlements.TierEnterprise, Timeout: 30 * time.Minute, Priority: 7},
}

// Denial reasons.
const (
	ReasonAllowed              = "allowed"
	ReasonUnknownAction        = "unknown_action"
	ReasonMissingPermission    = "missing_permission"
	ReasonNotOwner             = "not_owner"
	ReasonRoleInsufficient     = "role_insufficient"
	ReasonSubscriptionRequired = "subscription_required"
	ReasonUnknownCommand       = "unknown_command"
	ReasonAgentInactive        = "agent_inactive"
)
