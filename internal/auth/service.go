package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the credential row under lock.
type TxRepository interface {
	LockCredential(ctx context.Context, username string) (Credential, error)
	RecordFailure(ctx context.Context, principalID int64, attempts int, at time.Time, lockedUntil *time.Time) error
	ResetFailures(ctx context.Context, principalID int64) error
	InsertPrincipal(ctx context.Context, username, email, passwordHash string) (int64, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// EventReporter receives auth failure events for the incident pipeline.
type EventReporter interface {
	Report(ctx context.Context, ev incidents.SecurityEvent)
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	reporter EventReporter
	policy   Policy
	logger   *slog.Logger
	compare  func(hash, password []byte) error
	hash     func(password string) (string, error)
	clock    func() time.Time
}

// NewService constructs a new Service. A zero policy falls back to DefaultPolicy.
func NewService(repo Repository, reporter EventReporter, policy Policy, logger *slog.Logger) *Service {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultPolicy.Threshold
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultPolicy.Duration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		reporter: reporter,
		policy:   policy,
		logger:   logger,
		compare:  bcrypt.CompareHashAndPassword,
		hash:     HashPassword,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the active lockout policy.
func (s *Service) Policy() Policy {
	return s.policy
}

type outcome struct {
	principal Principal
	cred      Credential
	event     string
	failure   bool
}

// Authenticate validates username/password credentials. A locked account is
// rejected with *shared.LockedError before the password is compared. Failed
// attempts are counted under the credential row lock, so concurrent guesses
// cannot slip past the threshold.
func (s *Service) Authenticate(ctx context.Context, username, password string, meta LoginMeta) (Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Principal{}, shared.ErrInvalidCredentials
	}
	now := s.clock()

	var out outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out = outcome{}
		cred, err := tx.LockCredential(ctx, username)
		if errors.Is(err, shared.ErrNotFound) {
			// Same bcrypt cost as a real mismatch so timing does not reveal
			// whether the username exists.
			_ = s.compare(unknownPrincipalHash(), []byte(password))
			out = outcome{cred: Credential{Username: username}, event: incidents.TypeFailedLogin, failure: true}
			return nil
		}
		if err != nil {
			return err
		}
		out.cred = cred
		if cred.Locked(now) {
			out.event = incidents.TypeLockedLoginAttempt
			return nil
		}
		mismatch := s.compare([]byte(cred.PasswordHash), []byte(password)) != nil
		if !cred.IsActive || mismatch {
			out.failure = true
			out.event = incidents.TypeFailedLogin
			attempts := cred.FailedAttempts + 1
			if cred.LockedUntil != nil {
				// an expired lockout starts a fresh window
				attempts = 1
			}
			var until *time.Time
			if attempts >= s.policy.Threshold {
				t := now.Add(s.policy.Duration)
				until = &t
				out.event = incidents.TypeBruteForceLogin
			}
			out.cred.FailedAttempts = attempts
			out.cred.LockedUntil = until
			if err := tx.RecordFailure(ctx, cred.PrincipalID, attempts, now, until); err != nil {
				return err
			}
			if until == nil {
				return nil
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				ActorID:  cred.PrincipalID,
				Action:   "auth.lockout",
				Entity:   "principal",
				EntityID: strconv.FormatInt(cred.PrincipalID, 10),
				Decision: shared.DecisionDeny,
				Reason:   "too many failed login attempts",
				Meta:     map[string]any{"failed_attempts": attempts, "locked_until": until, "remote_addr": meta.RemoteAddr},
				At:       now,
			})
		}
		if cred.FailedAttempts > 0 || cred.LockedUntil != nil {
			if err := tx.ResetFailures(ctx, cred.PrincipalID); err != nil {
				return err
			}
		}
		out.principal = Principal{ID: cred.PrincipalID, Username: cred.Username}
		return nil
	})
	if err != nil {
		return Principal{}, err
	}

	if out.event != "" {
		s.report(ctx, out, meta, now)
	}
	switch {
	case out.event == incidents.TypeLockedLoginAttempt:
		return Principal{}, &shared.LockedError{Until: *out.cred.LockedUntil}
	case out.failure:
		s.logger.Info("login rejected",
			slog.String("username", username),
			slog.Int("failed_attempts", out.cred.FailedAttempts),
			slog.String("remote_addr", meta.RemoteAddr))
		return Principal{}, shared.ErrInvalidCredentials
	}
	return out.principal, nil
}

func (s *Service) report(ctx context.Context, out outcome, meta LoginMeta, at time.Time) {
	if s.reporter == nil {
		return
	}
	s.reporter.Report(ctx, incidents.AuthFailureEvent(out.event, incidents.AuthFailure{
		Username:       out.cred.Username,
		PrincipalID:    out.cred.PrincipalID,
		RemoteAddr:     meta.RemoteAddr,
		UserAgent:      meta.UserAgent,
		FailedAttempts: out.cred.FailedAttempts,
		LockedUntil:    out.cred.LockedUntil,
	}, at))
}

// CreatePrincipal registers a login with a bcrypt hashed password.
func (s *Service) CreatePrincipal(ctx context.Context, input CreatePrincipalInput) (Principal, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	if err := shared.ValidateStruct(input); err != nil {
		return Principal{}, err
	}
	hash, err := s.hash(input.Password)
	if err != nil {
		return Principal{}, err
	}
	now := s.clock()
	var created Principal
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPrincipal(ctx, input.Username, input.Email, hash)
		if err != nil {
			return err
		}
		created = Principal{ID: id, Username: input.Username}
		actor := input.ActorID
		if actor == 0 {
			actor = id
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   "principal.create",
			Entity:   "principal",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"username": input.Username},
			At:       now,
		})
	})
	if err != nil {
		return Principal{}, err
	}
	s.logger.Info("principal created", slog.Int64("principal_id", created.ID), slog.String("username", created.Username))
	return created, nil
}

var unknownPrincipalHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("watchpost:unknown-principal"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// HashPassword returns a bcrypt hash suitable for the credentials table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
