package auth

import "time"

// Credential is a principal's password record joined with its lockout state.
type Credential struct {
	PrincipalID    int64
	Username       string
	PasswordHash   string
	IsActive       bool
	FailedAttempts int
	LastFailedAt   *time.Time
	LockedUntil    *time.Time
}

// Locked reports whether the credential is locked at now.
func (c Credential) Locked(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

// Policy configures lockout. Threshold consecutive failures lock the account
// for Duration.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultPolicy matches the shipped configuration defaults.
var DefaultPolicy = Policy{Threshold: 5, Duration: 15 * time.Minute}

// LoginMeta carries request details recorded with failures.
type LoginMeta struct {
	RemoteAddr string
	UserAgent  string
}

// Principal is the authenticated identity returned on success.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// CreatePrincipalInput registers a new login. A zero ActorID marks a
// self-bootstrapped principal.
type CreatePrincipalInput struct {
	Username string `validate:"required,min=3,max=64"`
	Email    string `validate:"omitempty,email"`
	Password string `validate:"required,min=12,max=256"`
	ActorID  int64
}
