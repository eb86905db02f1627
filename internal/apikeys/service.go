// Package apikeys issues and verifies API keys. Keys count against the
// owner's max_api_keys limit and are stored only as SHA-256 digests.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/shared"
)

const (
	secretPrefix = "wp_"
	prefixLen    = 8
)

// Key is the stored form of an API key.
type Key struct {
	ID          uuid.UUID  `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Issued carries the plaintext secret, shown once.
type Issued struct {
	Key    Key    `json:"key"`
	Secret string `json:"secret"`
}

// IssueInput requests a new key.
type IssueInput struct {
	PrincipalID int64  `validate:"required,gt=0"`
	Name        string `validate:"required,max=128"`
	ActorID     int64
}

// RepositoryPort abstracts key persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindByHash(ctx context.Context, hash string) (Key, error)
	List(ctx context.Context, principalID int64) ([]Key, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error)
	AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error
	InsertKey(ctx context.Context, key Key, hash string) error
	LockKey(ctx context.Context, id uuid.UUID) (Key, error)
	RevokeKey(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// EntitlementSource resolves plans.
type EntitlementSource interface {
	EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error)
}

// AuditPort records denials outside the rolled back transaction.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages API keys.
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
	return &Service{repo: repo, ents: ents, audit: audit, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// Hash returns the stored digest of secret.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a key if the owner is below max_api_keys. The count check and
// insert share one transaction holding the usage row lock.
func (s *Service) Issue(ctx context.Context, input IssueInput) (Issued, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := shared.ValidateStruct(input); err != nil {
		return Issued{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return Issued{}, err
	}
	key := Key{
		ID:          uuid.New(),
		PrincipalID: input.PrincipalID,
		Name:        input.Name,
		Prefix:      secret[:len(secretPrefix)+prefixLen],
		CreatedAt:   s.clock(),
	}

	var (
		ent    entitlements.Entitlements
		denied entitlements.LimitDecision
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		usage, err := tx.LockUsage(ctx, input.PrincipalID)
		if err != nil {
			return err
		}
		ent, err = s.ents.EntitlementsFor(ctx, input.PrincipalID)
		if err != nil {
			return err
		}
		decision := entitlements.EvaluateLimit(ent, usage, entitlements.ResourceAPIKeys)
		if !decision.Allowed {
			denied = decision
			return decision.Err()
		}
		if err := tx.InsertKey(ctx, key, Hash(secret)); err != nil {
			return err
		}
		if err := tx.AdjustUsage(ctx, input.PrincipalID, entitlements.ResourceAPIKeys, 1); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "apikey.issue",
			Entity:   "api_key",
			EntityID: key.ID.String(),
			Decision: shared.DecisionAllow,
			Meta:     map[string]any{"owner_id": input.PrincipalID, "prefix": key.Prefix},
			At:       key.CreatedAt,
		})
	})
	if err != nil {
		if denied.Kind != "" && s.audit != nil {
			if auditErr := s.audit.Record(ctx, shared.AuditLog{
				ActorID:  input.ActorID,
				Action:   "apikey.issue",
				Entity:   "principal",
				EntityID: strconv.FormatInt(input.PrincipalID, 10),
				Decision: shared.DecisionDeny,
				Reason:   denied.Err().Error(),
				Meta:     map[string]any{"current": denied.Current, "max": denied.Max.String(), "plan": ent.Plan.Slug},
				At:       s.clock(),
			}); auditErr != nil {
				s.logger.Error("audit api key denial", slog.Any("error", auditErr))
			}
		}
		return Issued{}, err
	}
	return Issued{Key: key, Secret: secret}, nil
}

// Revoke disables a key and releases its slot. Revoking twice is an error.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, actorID int64) error {
	now := s.clock()
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		key, err := tx.LockKey(ctx, id)
		if err != nil {
			return err
		}
		if key.RevokedAt != nil {
			return &shared.TransitionError{Entity: "api_key", ID: id.String(), From: "revoked", To: "revoked"}
		}
		if _, err := tx.LockUsage(ctx, key.PrincipalID); err != nil {
			return err
		}
		if err := tx.RevokeKey(ctx, id, now); err != nil {
			return err
		}
		if err := tx.AdjustUsage(ctx, key.PrincipalID, entitlements.ResourceAPIKeys, -1); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "apikey.revoke",
			Entity:   "api_key",
			EntityID: id.String(),
			Meta:     map[string]any{"owner_id": key.PrincipalID},
			At:       now,
		})
	})
}

// Get returns key id if owned by principalID.
func (s *Service) Get(ctx context.Context, principalID int64, id uuid.UUID) (Key, error) {
	keys, err := s.repo.List(ctx, principalID)
	if err != nil {
		return Key{}, err
	}
	for _, k := range keys {
		if k.ID == id {
			return k, nil
		}
	}
	return Key{}, fmt.Errorf("api key: %w", shared.ErrNotFound)
}

// List returns a principal's keys.
func (s *Service) List(ctx context.Context, principalID int64) ([]Key, error) {
	return s.repo.List(ctx, principalID)
}

// Authenticate resolves a presented secret to its active key.
func (s *Service) Authenticate(ctx context.Context, secret string) (Key, error) {
	if !strings.HasPrefix(secret, secretPrefix) {
		return Key{}, shared.ErrInvalidCredentials
	}
	key, err := s.repo.FindByHash(ctx, Hash(secret))
	if errors.Is(err, shared.ErrNotFound) {
		return Key{}, shared.ErrInvalidCredentials
	}
	if err != nil {
		return Key{}, err
	}
	if key.RevokedAt != nil {
		return Key{}, shared.ErrInvalidCredentials
	}
	return key, nil
}
