package agents

import (
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/entitlements"
)

// Status of an agent.
type Status string

const (
	StatusActive         Status = "active"
	StatusDecommissioned Status = "decommissioned"
)

// Agent is an endpoint owned by exactly one principal.
type Agent struct {
	ID               uuid.UUID  `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	Hostname         string     `json:"hostname"`
	Platform         string     `json:"platform"`
	Status           Status     `json:"status"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DecommissionedAt *time.Time `json:"decommissioned_at,omitempty"`
}

// FeatureDefinition describes a pluggable agent capability.
type FeatureDefinition struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	AutoEnable bool   `json:"auto_enable"`
}

// FeatureState is the per-agent state of one feature. IsEnabled implies IsAvailable.
type FeatureState struct {
	AgentID     uuid.UUID `json:"agent_id"`
	Feature     string    `json:"feature"`
	IsAvailable bool      `json:"is_available"`
	IsEnabled   bool      `json:"is_enabled"`
}

// DefaultFeatureDefinitions is seeded at startup.
var DefaultFeatureDefinitions = []FeatureDefinition{
	{Slug: entitlements.FeatureRealtimeMonitoring, Name: "Real-time monitoring", AutoEnable: true},
	{Slug: entitlements.FeatureEmailAlerts, Name: "Email alerts", AutoEnable: true},
	{Slug: entitlements.FeatureScheduledScans, Name: "Scheduled scans", AutoEnable: true},
	{Slug: entitlements.FeatureAPIAccess, Name: "API access", AutoEnable: false},
	{Slug: entitlements.FeatureFileScanning, Name: "File scanning", AutoEnable: false},
	{Slug: entitlements.FeatureProcessControl, Name: "Process control", AutoEnable: false},
	{Slug: entitlements.FeatureNetworkIsolation, Name: "Network isolation", AutoEnable: false},
	{Slug: entitlements.FeatureForensics, Name: "Forensic collection", AutoEnable: false},
}

// RegisterInput describes a new agent.
type RegisterInput struct {
	OwnerID  int64  `validate:"required,gt=0"`
	Hostname string `validate:"required,hostname_rfc1123|ip"`
	Platform string `validate:"max=64"`
	ActorID  int64  `validate:"required,gt=0"`
}

// SetFeatureInput toggles one feature on one agent.
type SetFeatureInput struct {
	AgentID uuid.UUID `validate:"required"`
	Feature string    `validate:"required"`
	Enabled bool
	ActorID int64 `validate:"required,gt=0"`
}

// Reconcile computes the feature states an agent should hold under ent.
// Features the plan no longer grants are force-disabled. Features that become
// available are enabled only when their definition auto-enables. Existing
// states for still-available features keep the user's choice. Only changed
// states are returned.
func Reconcile(agentID uuid.UUID, defs []FeatureDefinition, current []FeatureState, ent entitlements.Entitlements) []FeatureState {
	existing := make(map[string]FeatureState, len(current))
	for _, st := range current {
		existing[st.Feature] = st
	}
	var changed []FeatureState
	for _, def := range defs {
		available := ent.Feature(def.Slug)
		prev, had := existing[def.Slug]
		next := FeatureState{AgentID: agentID, Feature: def.Slug, IsAvailable: available}
		switch {
		case !available:
			next.IsEnabled = false
		case had && prev.IsAvailable:
			next.IsEnabled = prev.IsEnabled
		default:
			next.IsEnabled = def.AutoEnable
		}
		if had && prev.IsAvailable == next.IsAvailable && prev.IsEnabled == next.IsEnabled {
			continue
		}
		changed = append(changed, next)
	}
	return changed
}
