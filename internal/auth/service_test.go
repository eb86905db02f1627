package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	creds  map[string]Credential
	audits []shared.AuditLog
}

func newMemoryRepo(creds ...Credential) *memoryRepo {
	m := &memoryRepo{creds: make(map[string]Credential)}
	for _, c := range creds {
		m.creds[strings.ToLower(c.Username)] = c
	}
	return m
}

type memoryTx struct {
	creds  map[string]Credential
	audits []shared.AuditLog
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{creds: make(map[string]Credential, len(m.creds))}
	for k, v := range m.creds {
		tx.creds[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.creds = tx.creds
	m.audits = append(m.audits, tx.audits...)
	return nil
}

func (m *memoryRepo) credential(username string) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[username]
}

func (t *memoryTx) LockCredential(ctx context.Context, username string) (Credential, error) {
	c, ok := t.creds[strings.ToLower(username)]
	if !ok {
		return Credential{}, shared.ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) byID(id int64) (string, Credential) {
	for k, c := range t.creds {
		if c.PrincipalID == id {
			return k, c
		}
	}
	return "", Credential{}
}

func (t *memoryTx) RecordFailure(ctx context.Context, principalID int64, attempts int, at time.Time, lockedUntil *time.Time) error {
	k, c := t.byID(principalID)
	c.FailedAttempts = attempts
	c.LastFailedAt = &at
	c.LockedUntil = lockedUntil
	t.creds[k] = c
	return nil
}

func (t *memoryTx) ResetFailures(ctx context.Context, principalID int64) error {
	k, c := t.byID(principalID)
	c.FailedAttempts = 0
	c.LockedUntil = nil
	t.creds[k] = c
	return nil
}

func (t *memoryTx) InsertPrincipal(ctx context.Context, username, email, passwordHash string) (int64, error) {
	key := strings.ToLower(username)
	if _, ok := t.creds[key]; ok {
		return 0, shared.ErrValidation
	}
	id := int64(len(t.creds) + 100)
	t.creds[key] = Credential{PrincipalID: id, Username: username, PasswordHash: passwordHash, IsActive: true}
	return id, nil
}

func (t *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.audits = append(t.audits, log)
	return nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []incidents.SecurityEvent
}

func (r *recordingReporter) Report(ctx context.Context, ev incidents.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	reporter *recordingReporter
	compares *int64
	now      *time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newMemoryRepo(Credential{PrincipalID: 7, Username: "alice", PasswordHash: "s3cret-password", IsActive: true})
	reporter := &recordingReporter{}
	svc := NewService(repo, reporter, Policy{Threshold: 5, Duration: 15 * time.Minute}, nil)
	var compares int64
	svc.compare = func(hash, password []byte) error {
		atomic.AddInt64(&compares, 1)
		if string(hash) != string(password) {
			return errors.New("mismatch")
		}
		return nil
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }
	return fixture{svc: svc, repo: repo, reporter: reporter, compares: &compares, now: &now}
}

func TestLockoutAfterThresholdSkipsPasswordCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := LoginMeta{RemoteAddr: "203.0.113.9", UserAgent: "curl"}

	for i := 0; i < 5; i++ {
		_, err := f.svc.Authenticate(ctx, "alice", "wrong", meta)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
	require.EqualValues(t, 5, atomic.LoadInt64(f.compares))
	cred := f.repo.credential("alice")
	require.Equal(t, 5, cred.FailedAttempts)
	require.NotNil(t, cred.LockedUntil)
	require.Equal(t, f.now.Add(15*time.Minute), *cred.LockedUntil)

	_, err := f.svc.Authenticate(ctx, "alice", "s3cret-password", meta)
	var locked *shared.LockedError
	require.True(t, errors.As(err, &locked))
	require.Equal(t, *cred.LockedUntil, locked.Until)
	require.ErrorIs(t, err, shared.ErrAccountLocked)
	require.EqualValues(t, 5, atomic.LoadInt64(f.compares), "locked accounts must not reach bcrypt")

	types := f.reporter.types()
	require.Equal(t, incidents.TypeBruteForceLogin, types[4])
	require.Equal(t, incidents.TypeLockedLoginAttempt, types[5])
	require.Len(t, f.repo.audits, 1)
	require.Equal(t, "auth.lockout", f.repo.audits[0].Action)
}

func TestSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Authenticate(ctx, "alice", "wrong", LoginMeta{})
		require.Error(t, err)
	}
	p, err := f.svc.Authenticate(ctx, "Alice", "s3cret-password", LoginMeta{})
	require.NoError(t, err)
	require.EqualValues(t, 7, p.ID)
	require.Zero(t, f.repo.credential("alice").FailedAttempts)

	// the counter restarts so four more failures still do not lock
	for i := 0; i < 4; i++ {
		_, err := f.svc.Authenticate(ctx, "alice", "wrong", LoginMeta{})
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
	require.Nil(t, f.repo.credential("alice").LockedUntil)
}

func TestExpiredLockoutAllowsLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Authenticate(ctx, "alice", "wrong", LoginMeta{})
	}
	later := f.now.Add(16 * time.Minute)
	f.svc.clock = func() time.Time { return later }

	_, err := f.svc.Authenticate(ctx, "alice", "wrong", LoginMeta{})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	cred := f.repo.credential("alice")
	require.Equal(t, 1, cred.FailedAttempts)
	require.Nil(t, cred.LockedUntil)

	_, err = f.svc.Authenticate(ctx, "alice", "s3cret-password", LoginMeta{})
	require.NoError(t, err)
}

func TestUnknownUserReportsFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Authenticate(context.Background(), "mallory", "guess", LoginMeta{RemoteAddr: "198.51.100.4"})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	require.EqualValues(t, 1, atomic.LoadInt64(f.compares), "unknown users pay the same hash cost")
	require.Len(t, f.reporter.events, 1)
	ev := f.reporter.events[0]
	require.Equal(t, incidents.TypeFailedLogin, ev.Type)
	require.Equal(t, "user:mallory", ev.SubjectID)
	require.Nil(t, ev.PrincipalID)
}

func TestInactivePrincipalRejected(t *testing.T) {
	f := newFixture(t)
	f.repo.creds["alice"] = Credential{PrincipalID: 7, Username: "alice", PasswordHash: "s3cret-password"}
	_, err := f.svc.Authenticate(context.Background(), "alice", "s3cret-password", LoginMeta{})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	require.EqualValues(t, 1, atomic.LoadInt64(f.compares))
}

func TestConcurrentGuessesLockExactlyOnce(t *testing.T) {
	f := newFixture(t)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := f.svc.Authenticate(ctx, "alice", "wrong", LoginMeta{})
			if errors.Is(err, shared.ErrInvalidCredentials) || errors.Is(err, shared.ErrAccountLocked) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 5, atomic.LoadInt64(f.compares))

	brute := 0
	for _, typ := range f.reporter.types() {
		if typ == incidents.TypeBruteForceLogin {
			brute++
		}
	}
	require.Equal(t, 1, brute)
}

func TestCreatePrincipalThenAuthenticate(t *testing.T) {
	f := newFixture(t)
	f.svc.hash = func(password string) (string, error) { return password, nil }
	ctx := context.Background()

	p, err := f.svc.CreatePrincipal(ctx, CreatePrincipalInput{Username: " bob ", Email: "bob@example.com", Password: "long-enough-password"})
	require.NoError(t, err)
	require.Equal(t, "bob", p.Username)
	require.Len(t, f.repo.audits, 1)
	require.Equal(t, "principal.create", f.repo.audits[0].Action)
	require.Equal(t, p.ID, f.repo.audits[0].ActorID)

	got, err := f.svc.Authenticate(ctx, "BOB", "long-enough-password", LoginMeta{})
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = f.svc.CreatePrincipal(ctx, CreatePrincipalInput{Username: "bob", Password: "long-enough-password"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreatePrincipal(ctx, CreatePrincipalInput{Username: "carol", Password: "short"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
