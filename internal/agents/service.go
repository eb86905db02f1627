package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/shared"
)

// RepositoryPort abstracts persistence for agents.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAgent(ctx context.Context, id uuid.UUID) (Agent, error)
	ListAgents(ctx context.Context, ownerID int64) ([]Agent, error)
	ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error)
	ListDefinitions(ctx context.Context) ([]FeatureDefinition, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error)
	AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error
	InsertAgent(ctx context.Context, agent Agent) error
	LockAgent(ctx context.Context, id uuid.UUID) (Agent, error)
	MarkDecommissioned(ctx context.Context, id uuid.UUID, at time.Time) error
	ListOwnedAgents(ctx context.Context, ownerID int64) ([]Agent, error)
	ListFeatures(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error)
	UpsertFeature(ctx context.Context, state FeatureState) error
	UpsertDefinition(ctx context.Context, def FeatureDefinition) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// EntitlementSource resolves a principal's plan.
type EntitlementSource interface {
	EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error)
}

// AuditPort records entries outside a transaction, used for denials.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages agent registration and feature state.
type Service struct {
	repo   RepositoryPort
	ents   EntitlementSource
	audit  AuditPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, ents EntitlementSource, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		ents:   ents,
		audit:  audit,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// GetAgent loads an agent.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// ListAgents returns the agents owned by ownerID.
func (s *Service) ListAgents(ctx context.Context, ownerID int64) ([]Agent, error) {
	return s.repo.ListAgents(ctx, ownerID)
}

// Features returns the feature states of an agent.
func (s *Service) Features(ctx context.Context, agentID uuid.UUID) ([]FeatureState, error) {
	return s.repo.ListFeatures(ctx, agentID)
}

// Register provisions an agent. The device limit is evaluated under the usage
// row lock, so concurrent registrations cannot both pass; a denial happens
// before any row is written.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Agent, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Agent{}, err
	}
	defs, err := s.repo.ListDefinitions(ctx)
	if err != nil {
		return Agent{}, err
	}
	now := s.clock()
	agent := Agent{
		ID:        uuid.New(),
		OwnerID:   input.OwnerID,
		Hostname:  strings.ToLower(strings.TrimSpace(input.Hostname)),
		Platform:  strings.TrimSpace(input.Platform),
		Status:    StatusActive,
		CreatedAt: now,
	}

	var (
		ent    entitlements.Entitlements
		denied entitlements.LimitDecision
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		usage, err := tx.LockUsage(ctx, input.OwnerID)
		if err != nil {
			return err
		}
		// Subscription changes take the same row lock, so the plan read
		// here is the one in force until commit.
		ent, err = s.ents.EntitlementsFor(ctx, input.OwnerID)
		if err != nil {
			return err
		}
		decision := entitlements.EvaluateLimit(ent, usage, entitlements.ResourceDevices)
		if !decision.Allowed {
			denied = decision
			return decision.Err()
		}
		if err := tx.InsertAgent(ctx, agent); err != nil {
			return err
		}
		if err := tx.AdjustUsage(ctx, input.OwnerID, entitlements.ResourceDevices, 1); err != nil {
			return err
		}
		for _, st := range Reconcile(agent.ID, defs, nil, ent) {
			if err := tx.UpsertFeature(ctx, st); err != nil {
				return err
			}
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "agent.register",
			Entity:   "agent",
			EntityID: agent.ID.String(),
			Decision: shared.DecisionAllow,
			Meta: map[string]any{
				"owner_id": input.OwnerID,
				"hostname": agent.Hostname,
				"devices":  usage.Devices + 1,
				"max":      ent.Plan.MaxDevices.String(),
			},
			At: now,
		})
	})
	if err != nil {
		if denied.Kind != "" {
			s.recordDenial(ctx, input.ActorID, input.OwnerID, denied, ent)
		}
		return Agent{}, err
	}
	s.logger.Info("agent registered", slog.String("agent_id", agent.ID.String()), slog.Int64("owner_id", input.OwnerID))
	return agent, nil
}

func (s *Service) recordDenial(ctx context.Context, actorID, ownerID int64, d entitlements.LimitDecision, ent entitlements.Entitlements) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "agent.register",
		Entity:   "principal",
		EntityID: strconv.FormatInt(ownerID, 10),
		Decision: shared.DecisionDeny,
		Reason:   d.Err().Error(),
		Meta: map[string]any{
			"resource": d.Kind,
			"current":  d.Current,
			"max":      d.Max.String(),
			"plan":     ent.Plan.Slug,
		},
		At: s.clock(),
	})
	if err != nil {
		s.logger.Error("audit register denial", slog.Any("error", err))
	}
}

// Decommission retires an agent and releases its device slot.
func (s *Service) Decommission(ctx context.Context, agentID uuid.UUID, actorID int64) error {
	now := s.clock()
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.Status == StatusDecommissioned {
			return &shared.TransitionError{Entity: "agent", ID: agentID.String(), From: string(agent.Status), To: string(StatusDecommissioned)}
		}
		if _, err := tx.LockUsage(ctx, agent.OwnerID); err != nil {
			return err
		}
		if err := tx.MarkDecommissioned(ctx, agentID, now); err != nil {
			return err
		}
		if err := tx.AdjustUsage(ctx, agent.OwnerID, entitlements.ResourceDevices, -1); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "agent.decommission",
			Entity:   "agent",
			EntityID: agentID.String(),
			Meta:     map[string]any{"owner_id": agent.OwnerID},
			At:       now,
		})
	})
}

// SyncFeatures re-evaluates every active agent of principalID against ent.
func (s *Service) SyncFeatures(ctx context.Context, principalID int64, ent entitlements.Entitlements) error {
	defs, err := s.repo.ListDefinitions(ctx)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		owned, err := tx.ListOwnedAgents(ctx, principalID)
		if err != nil {
			return err
		}
		for _, agent := range owned {
			current, err := tx.ListFeatures(ctx, agent.ID)
			if err != nil {
				return err
			}
			changed := Reconcile(agent.ID, defs, current, ent)
			if len(changed) == 0 {
				continue
			}
			summary := make(map[string]bool, len(changed))
			for _, st := range changed {
				if err := tx.UpsertFeature(ctx, st); err != nil {
					return err
				}
				summary[st.Feature] = st.IsEnabled
			}
			err = tx.RecordAudit(ctx, shared.AuditLog{
				Action:   "agent.features_sync",
				Entity:   "agent",
				EntityID: agent.ID.String(),
				Meta:     map[string]any{"plan": ent.Plan.Slug, "changed": summary},
				At:       s.clock(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SetFeature enables or disables a feature on one agent. Enabling a feature
// the owner's plan does not grant fails with *shared.SubscriptionError.
func (s *Service) SetFeature(ctx context.Context, input SetFeatureInput) (FeatureState, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return FeatureState{}, err
	}
	agent, err := s.repo.GetAgent(ctx, input.AgentID)
	if err != nil {
		return FeatureState{}, err
	}
	if agent.Status != StatusActive {
		return FeatureState{}, &shared.TransitionError{Entity: "agent", ID: agent.ID.String(), From: string(agent.Status), To: "feature change"}
	}
	ent, err := s.ents.EntitlementsFor(ctx, agent.OwnerID)
	if err != nil {
		return FeatureState{}, err
	}
	available := ent.Feature(input.Feature)
	if input.Enabled && !available {
		denial := &shared.SubscriptionError{
			Feature:     input.Feature,
			MinimumTier: entitlements.MinimumTierFor(input.Feature).String(),
			CurrentTier: ent.Tier().String(),
		}
		if s.audit != nil {
			if err := s.audit.Record(ctx, shared.AuditLog{
				ActorID:  input.ActorID,
				Action:   "agent.feature_enable",
				Entity:   "agent",
				EntityID: agent.ID.String(),
				Decision: shared.DecisionDeny,
				Reason:   denial.Error(),
				At:       s.clock(),
			}); err != nil {
				s.logger.Error("audit feature denial", slog.Any("error", err))
			}
		}
		return FeatureState{}, denial
	}
	state := FeatureState{AgentID: agent.ID, Feature: input.Feature, IsAvailable: available, IsEnabled: input.Enabled}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpsertFeature(ctx, state); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "agent.feature_set",
			Entity:   "agent",
			EntityID: agent.ID.String(),
			Meta:     map[string]any{"feature": input.Feature, "enabled": input.Enabled},
			At:       s.clock(),
		})
	})
	if err != nil {
		return FeatureState{}, err
	}
	return state, nil
}

// SeedDefinitions stores DefaultFeatureDefinitions.
func (s *Service) SeedDefinitions(ctx context.Context) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, def := range DefaultFeatureDefinitions {
			if err := tx.UpsertDefinition(ctx, def); err != nil {
				return fmt.Errorf("seed feature %s: %w", def.Slug, err)
			}
		}
		return nil
	})
}
