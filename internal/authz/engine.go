// Package authz combines the role model and plan entitlements into
// allow/deny decisions. Every decision is written to the audit log.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
)

// RoleResolver is the read side of the role model.
type RoleResolver interface {
	ResolvePermissions(ctx context.Context, principalID int64, at time.Time) (rbac.PermissionSet, error)
	HighestRole(ctx context.Context, principalID int64, at time.Time) (rbac.Role, bool, error)
}

// EntitlementSource resolves a principal's plan.
type EntitlementSource interface {
	EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error)
}

// AgentLookup loads agents for ownership checks.
type AgentLookup interface {
	GetAgent(ctx context.Context, id uuid.UUID) (agents.Agent, error)
}

// AuditPort records decisions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives decision counts, typically Prometheus.
type Observer interface {
	ObserveDecision(action string, allowed bool, reason string)
}

// Resource identifies the target of an action. For agent resources OwnerID
// may be left zero and is then looked up.
type Resource struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	OwnerID int64  `json:"owner_id,omitempty"`
}

// Request is one authorization question.
type Request struct {
	PrincipalID int64    `json:"principal_id"`
	Action      string   `json:"action"`
	Resource    Resource `json:"resource"`
}

// Decision is the engine's answer. Denials carry the unmet requirement.
type Decision struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	Detail             string `json:"detail,omitempty"`
	RequiredPermission string `json:"required_permission,omitempty"`
	MinimumRole        string `json:"minimum_role,omitempty"`
	MinimumTier        string `json:"minimum_tier,omitempty"`
	CurrentTier        string `json:"current_tier,omitempty"`
	action             string
}

// Err converts a denial into the matching typed error. It returns nil for
// allowed decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonSubscriptionRequired {
		return &shared.SubscriptionError{Feature: d.action, MinimumTier: d.MinimumTier, CurrentTier: d.CurrentTier}
	}
	return &shared.PermissionError{Action: d.action, RequiredPermission: d.RequiredPermission, MinimumRole: d.MinimumRole}
}

// Snapshot captures the role and plan a command was authorized under.
type Snapshot struct {
	PrincipalID int64
	Role        string
	RoleLevel   int
	Tier        entitlements.Tier
	Policy      CommandPolicy
	At          time.Time
}

// Engine evaluates authorization requests. Evaluation is read-only and takes
// no locks.
type Engine struct {
	roles    RoleResolver
	ents     EntitlementSource
	agents   AgentLookup
	audit    AuditPort
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine constructs Engine.
func NewEngine(roles RoleResolver, ents EntitlementSource, agentLookup AgentLookup, audit AuditPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roles:  roles,
		ents:   ents,
		agents: agentLookup,
		audit:  audit,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs a metrics observer.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Authorize answers whether the principal may perform action on resource.
// Unknown actions are denied. An error is returned only when a dependency
// fails; denials are reported through Decision.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	now := e.clock()
	decision, err := e.evaluate(ctx, req, now)
	if err != nil {
		return Decision{}, err
	}
	e.record(ctx, req.PrincipalID, req.Action, req.Resource, decision, nil, now)
	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, req Request, now time.Time) (Decision, error) {
	decision := Decision{action: req.Action}
	rule, ok := Registry[req.Action]
	if !ok {
		decision.Reason = ReasonUnknownAction
		decision.Detail = fmt.Sprintf("action %q is not registered", req.Action)
		return decision, nil
	}
	perms, err := e.roles.ResolvePermissions(ctx, req.PrincipalID, now)
	if err != nil {
		return Decision{}, err
	}
	if !perms.Has(rule.Permission) {
		decision.Reason = ReasonMissingPermission
		decision.RequiredPermission = rule.Permission
		return decision, nil
	}
	if rule.Owned && req.Resource.Kind == "agent" {
		owner := req.Resource.OwnerID
		if owner == 0 {
			id, err := uuid.Parse(req.Resource.ID)
			if err != nil {
				return Decision{}, fmt.Errorf("%w: invalid agent id", shared.ErrValidation)
			}
			agent, err := e.agents.GetAgent(ctx, id)
			if err != nil {
				return Decision{}, err
			}
			owner = agent.OwnerID
		}
		if owner != req.PrincipalID && !perms.Has(shared.PermAgentsManageAll) {
			decision.Reason = ReasonNotOwner
			decision.RequiredPermission = shared.PermAgentsManageAll
			return decision, nil
		}
	}
	decision.Allowed = true
	decision.Reason = ReasonAllowed
	return decision, nil
}

// AuthorizeCommand checks a command submission: the submit permission, agent
// ownership, the minimum role level and the minimum plan tier for the command
// type. Both allow and deny are audited once. On success the role and tier in
// force are returned so the command can record them.
func (e *Engine) AuthorizeCommand(ctx context.Context, principalID int64, agent agents.Agent, commandType string) (Snapshot, error) {
	now := e.clock()
	action := "command." + commandType
	resource := Resource{Kind: "agent", ID: agent.ID.String(), OwnerID: agent.OwnerID}

	policy, ok := CommandPolicies[commandType]
	if !ok {
		d := Decision{action: action, Reason: ReasonUnknownCommand, Detail: fmt.Sprintf("command type %q is not registered", commandType)}
		e.record(ctx, principalID, action, resource, d, nil, now)
		return Snapshot{}, fmt.Errorf("%w: unknown command type %q", shared.ErrValidation, commandType)
	}
	meta := map[string]any{"command_type": commandType}

	d, err := e.evaluate(ctx, Request{PrincipalID: principalID, Action: ActionCommandSubmit, Resource: resource}, now)
	if err != nil {
		return Snapshot{}, err
	}
	d.action = action
	if !d.Allowed {
		e.record(ctx, principalID, action, resource, d, meta, now)
		return Snapshot{}, d.Err()
	}
	if agent.Status != agents.StatusActive {
		d = Decision{action: action, Reason: ReasonAgentInactive, Detail: "agent is " + string(agent.Status)}
		e.record(ctx, principalID, action, resource, d, meta, now)
		return Snapshot{}, &shared.TransitionError{Entity: "agent", ID: agent.ID.String(), From: string(agent.Status), To: "command"}
	}

	role, held, err := e.roles.HighestRole(ctx, principalID, now)
	if err != nil {
		return Snapshot{}, err
	}
	if !held || role.Level < policy.MinRoleLevel {
		d = Decision{action: action, Reason: ReasonRoleInsufficient, MinimumRole: policy.MinRole}
		meta["role"] = role.Slug
		e.record(ctx, principalID, action, resource, d, meta, now)
		return Snapshot{}, d.Err()
	}

	ent, err := e.ents.EntitlementsFor(ctx, principalID)
	if err != nil {
		return Snapshot{}, err
	}
	meta["role"] = role.Slug
	meta["tier"] = ent.Tier().String()
	if ent.Tier() < policy.MinTier {
		d = Decision{
			action:      action,
			Reason:      ReasonSubscriptionRequired,
			MinimumTier: policy.MinTier.String(),
			CurrentTier: ent.Tier().String(),
		}
		e.record(ctx, principalID, action, resource, d, meta, now)
		return Snapshot{}, d.Err()
	}

	d = Decision{action: action, Allowed: true, Reason: ReasonAllowed}
	e.record(ctx, principalID, action, resource, d, meta, now)
	return Snapshot{
		PrincipalID: principalID,
		Role:        role.Slug,
		RoleLevel:   role.Level,
		Tier:        ent.Tier(),
		Policy:      policy,
		At:          now,
	}, nil
}

func (e *Engine) record(ctx context.Context, principalID int64, action string, res Resource, d Decision, meta map[string]any, at time.Time) {
	if e.observer != nil {
		e.observer.ObserveDecision(action, d.Allowed, d.Reason)
	}
	if e.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range map[string]string{
		"required_permission": d.RequiredPermission,
		"minimum_role":        d.MinimumRole,
		"minimum_tier":        d.MinimumTier,
		"detail":              d.Detail,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	entity, entityID := res.Kind, res.ID
	if entity == "" {
		entity = "system"
	}
	if entityID == "" {
		entityID = "*"
	}
	decision := shared.DecisionDeny
	if d.Allowed {
		decision = shared.DecisionAllow
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  principalID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Decision: decision,
		Reason:   d.Reason,
		Meta:     meta,
		At:       at,
	})
	if err != nil {
		e.logger.Error("audit authorization decision",
			slog.String("action", action),
			slog.Int64("principal_id", principalID),
			slog.Any("error", err),
		)
	}
}
