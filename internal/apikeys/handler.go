package apikeys

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// HeaderName carries the key for agent gateways and scripts.
const HeaderName = "X-API-Key"

// InvalidKeyReporter is told about rejected keys.
type InvalidKeyReporter interface {
	InvalidAPIKey(ctx context.Context, r *http.Request)
}

// Middleware authenticates requests carrying an API key and puts the owning
// principal into the request context. Requests without a key pass through
// unchanged so session authentication can still apply.
func (s *Service) Middleware(reporter InvalidKeyReporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := presented(r)
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			key, err := s.Authenticate(r.Context(), secret)
			if err != nil {
				if errors.Is(err, shared.ErrInvalidCredentials) && reporter != nil {
					reporter.InvalidAPIKey(r.Context(), r)
				}
				httpx.RespondError(w, err)
				return
			}
			ctx := shared.ContextWithPrincipal(r.Context(), key.PrincipalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func presented(r *http.Request) string {
	if v := r.Header.Get(HeaderName); v != "" {
		return strings.TrimSpace(v)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer "+secretPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// Handler exposes key management over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	engine  *authz.Engine
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engine *authz.Engine) *Handler {
	return &Handler{logger: logger, service: service, engine: engine}
}

// MountRoutes registers key routes. Keys always belong to the caller.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/apikeys", func(r chi.Router) {
		r.Use(h.engine.Guard(authz.ActionAPIKeyManage, authz.Global("api_key")))
		r.Get("/", h.list)
		r.Post("/", h.issue)
		r.Delete("/{id}", h.revoke)
	})
}

type issueRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principalID, _ := shared.PrincipalFromContext(r.Context())
	keys, err := h.service.List(r.Context(), principalID)
	if err != nil {
		h.fail(w, "list api keys", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	issued, err := h.service.Issue(r.Context(), IssueInput{PrincipalID: principalID, Name: req.Name, ActorID: principalID})
	if err != nil {
		h.fail(w, "issue api key", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issued)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid key id")
		return
	}
	principalID, _ := shared.PrincipalFromContext(r.Context())
	if _, err := h.service.Get(r.Context(), principalID, id); err != nil {
		h.fail(w, "revoke api key", err)
		return
	}
	if err := h.service.Revoke(r.Context(), id, principalID); err != nil {
		h.fail(w, "revoke api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
