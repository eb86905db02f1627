package apikeys

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/shared"
)

type storedKey struct {
	key  Key
	hash string
}

type memoryRepo struct {
	mu     sync.Mutex
	keys   map[uuid.UUID]storedKey
	usage  map[int64]entitlements.Usage
	audits []shared.AuditLog
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{keys: make(map[uuid.UUID]storedKey), usage: make(map[int64]entitlements.Usage)}
}

type memoryTx struct {
	keys   map[uuid.UUID]storedKey
	usage  map[int64]entitlements.Usage
	audits []shared.AuditLog
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{keys: make(map[uuid.UUID]storedKey), usage: make(map[int64]entitlements.Usage)}
	for k, v := range m.keys {
		tx.keys[k] = v
	}
	for k, v := range m.usage {
		tx.usage[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.keys, m.usage = tx.keys, tx.usage
	m.audits = append(m.audits, tx.audits...)
	return nil
}

func (m *memoryRepo) FindByHash(ctx context.Context, hash string) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.hash == hash {
			return k.key, nil
		}
	}
	return Key{}, shared.ErrNotFound
}

func (m *memoryRepo) List(ctx context.Context, principalID int64) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Key
	for _, k := range m.keys {
		if k.key.PrincipalID == principalID {
			out = append(out, k.key)
		}
	}
	return out, nil
}

func (m *memoryRepo) Record(ctx context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, log)
	return nil
}

func (t *memoryTx) LockUsage(ctx context.Context, principalID int64) (entitlements.Usage, error) {
	u := t.usage[principalID]
	u.PrincipalID = principalID
	return u, nil
}

func (t *memoryTx) AdjustUsage(ctx context.Context, principalID int64, kind entitlements.ResourceKind, delta int64) error {
	u := t.usage[principalID]
	switch kind {
	case entitlements.ResourceAPIKeys:
		u.APIKeys = max(u.APIKeys+delta, 0)
	case entitlements.ResourceDevices:
		u.Devices = max(u.Devices+delta, 0)
	}
	t.usage[principalID] = u
	return nil
}

func (t *memoryTx) InsertKey(ctx context.Context, key Key, hash string) error {
	t.keys[key.ID] = storedKey{key: key, hash: hash}
	return nil
}

func (t *memoryTx) LockKey(ctx context.Context, id uuid.UUID) (Key, error) {
	k, ok := t.keys[id]
	if !ok {
		return Key{}, shared.ErrNotFound
	}
	return k.key, nil
}

func (t *memoryTx) RevokeKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	k := t.keys[id]
	k.key.RevokedAt = &at
	t.keys[id] = k
	return nil
}

func (t *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.audits = append(t.audits, log)
	return nil
}

type planSource map[int64]string

func (p planSource) EntitlementsFor(ctx context.Context, principalID int64) (entitlements.Entitlements, error) {
	slug := p[principalID]
	if slug == "" {
		slug = entitlements.FreePlanSlug
	}
	for _, plan := range entitlements.DefaultPlans {
		if plan.Slug == slug {
			return entitlements.Entitlements{PrincipalID: principalID, Plan: plan}, nil
		}
	}
	return entitlements.Entitlements{}, shared.ErrNotFound
}

func TestIssueStopsAtPlanLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, planSource{}, repo, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		issued, err := svc.Issue(ctx, IssueInput{PrincipalID: 1, Name: "ci", ActorID: 1})
		require.NoError(t, err)
		require.Equal(t, issued.Secret[:len(issued.Key.Prefix)], issued.Key.Prefix)
	}
	_, err := svc.Issue(ctx, IssueInput{PrincipalID: 1, Name: "third", ActorID: 1})
	var limitErr *shared.LimitError
	require.True(t, errors.As(err, &limitErr))
	require.EqualValues(t, 2, limitErr.Current)
	require.EqualValues(t, 2, limitErr.Max)
	require.EqualValues(t, 2, repo.usage[1].APIKeys)
	require.Equal(t, shared.DecisionDeny, repo.audits[len(repo.audits)-1].Decision)
}

func TestRevokeReleasesSlotAndDisablesKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, planSource{}, repo, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueInput{PrincipalID: 1, Name: "ci"})
	require.NoError(t, err)
	key, err := svc.Authenticate(ctx, issued.Secret)
	require.NoError(t, err)
	require.EqualValues(t, 1, key.PrincipalID)

	require.NoError(t, svc.Revoke(ctx, issued.Key.ID, 1))
	require.Zero(t, repo.usage[1].APIKeys)
	_, err = svc.Authenticate(ctx, issued.Secret)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	require.ErrorIs(t, svc.Revoke(ctx, issued.Key.ID, 1), shared.ErrInvalidStateTransition)
}

func TestConcurrentIssueNeverExceedsLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, planSource{5: "basic"}, repo, nil)

	var (
		mu      sync.Mutex
		granted int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := svc.Issue(ctx, IssueInput{PrincipalID: 5, Name: "key"})
			if errors.Is(err, shared.ErrLimitExceeded) {
				return nil
			}
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 10, granted)
}

type countingReporter struct{ calls int }

func (c *countingReporter) InvalidAPIKey(ctx context.Context, r *http.Request) { c.calls++ }

func TestMiddlewareResolvesPrincipal(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, planSource{}, repo, nil)
	issued, err := svc.Issue(context.Background(), IssueInput{PrincipalID: 9, Name: "gateway"})
	require.NoError(t, err)

	reporter := &countingReporter{}
	var seen int64
	h := svc.Middleware(reporter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, issued.Secret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.EqualValues(t, 9, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wp_forged")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, 1, reporter.calls)

	seen = 0
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, seen)
}
