package rbac

import (
	"context"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// PermissionResolver is the part of Service the middleware depends on.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, principalID int64, at time.Time) (PermissionSet, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service PermissionResolver
	Logger  *slog.Logger
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), hasAnyPermission)
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), hasAllPermissions)
}

func (m Middleware) require(required []string, check func(PermissionSet, []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principalID, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			granted, err := m.Service.ResolvePermissions(r.Context(), principalID, time.Now().UTC())
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac resolve", slog.Int64("principal_id", principalID), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if check(granted, required) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.RespondError(w, &shared.PermissionError{
				Action:             r.Method + " " + r.URL.Path,
				RequiredPermission: strings.Join(required, ","),
			})
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, dup := unique[p]; dup {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted PermissionSet, required []string) bool {
	for _, r := range required {
		if granted.Has(r) {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted PermissionSet, required []string) bool {
	for _, r := range required {
		if !granted.Has(r) {
			return false
		}
	}
	return true
}
