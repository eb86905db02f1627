package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/shared"
	_ "github.com/watchpost/watchpost/internal/testing/guard"
)

type stubRepo struct {
	mu   sync.Mutex
	cred auth.Credential
}

type stubTx struct{ repo *stubRepo }

func (s *stubRepo) WithTx(ctx context.Context, fn func(context.Context, auth.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, stubTx{repo: s})
}

func (t stubTx) LockCredential(ctx context.Context, username string) (auth.Credential, error) {
	if !strings.EqualFold(username, t.repo.cred.Username) {
		return auth.Credential{}, shared.ErrNotFound
	}
	return t.repo.cred, nil
}

func (t stubTx) RecordFailure(ctx context.Context, principalID int64, attempts int, at time.Time, lockedUntil *time.Time) error {
	t.repo.cred.FailedAttempts = attempts
	t.repo.cred.LockedUntil = lockedUntil
	return nil
}

func (t stubTx) ResetFailures(ctx context.Context, principalID int64) error {
	t.repo.cred.FailedAttempts = 0
	t.repo.cred.LockedUntil = nil
	return nil
}

func (t stubTx) InsertPrincipal(ctx context.Context, username, email, passwordHash string) (int64, error) {
	return 0, shared.ErrValidation
}

func (t stubTx) RecordAudit(ctx context.Context, log shared.AuditLog) error { return nil }

func newAuthRouter(t *testing.T) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "wp_session", time.Hour, false)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{cred: auth.Credential{PrincipalID: 3, Username: "ops", PasswordHash: string(hash), IsActive: true}}
	svc := auth.NewService(repo, nil, auth.Policy{Threshold: 2, Duration: time.Minute}, nil)

	r := chi.NewRouter()
	r.Use(sessions.Middleware)
	r.Route("/auth", auth.NewHandler(nil, svc, sessions).MountRoutes)
	return r, sessions
}

func login(router http.Handler, password string) *httptest.ResponseRecorder {
	body := `{"username":"ops","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestLoginCreatesSession(t *testing.T) {
	router, sessions := newAuthRouter(t)

	rr := login(router, "correct horse battery")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Token     string `json:"token"`
		Principal struct {
			ID int64 `json:"id"`
		} `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.EqualValues(t, 3, resp.Principal.ID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	sess, err := sessions.Load(context.Background(), req)
	require.NoError(t, err)
	require.EqualValues(t, 3, sess.PrincipalID())

	logout := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	logout.Header.Set("Authorization", "Bearer "+resp.Token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, logout)
	require.Equal(t, http.StatusNoContent, rr.Code)

	sess, err = sessions.Load(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, sess.PrincipalID())
}

func TestLoginLockoutResponses(t *testing.T) {
	router, _ := newAuthRouter(t)

	require.Equal(t, http.StatusUnauthorized, login(router, "nope").Code)
	require.Equal(t, http.StatusUnauthorized, login(router, "nope").Code)

	rr := login(router, "correct horse battery")
	require.Equal(t, http.StatusLocked, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestLoginValidation(t *testing.T) {
	router, _ := newAuthRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":""}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
