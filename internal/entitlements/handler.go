package entitlements

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// Handler exposes plan and subscription endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	manage  func(http.Handler) http.Handler
}

// NewHandler builds Handler. manage guards subscription changes.
func NewHandler(logger *slog.Logger, service *Service, manage func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if manage == nil {
		manage = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{logger: logger, service: service, manage: manage}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/entitlements", h.current)
		r.With(h.manage).Put("/subscriptions/{principal}", h.changeSubscription)
	})
}

type subscriptionRequest struct {
	Plan      string    `json:"plan" validate:"required"`
	Status    string    `json:"status" validate:"omitempty,oneof=active trial"`
	PeriodEnd time.Time `json:"current_period_end"`
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	principalID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	ent, err := h.service.EntitlementsFor(r.Context(), principalID)
	if err != nil {
		h.fail(w, "resolve entitlements", err)
		return
	}
	usage, err := h.service.Usage(r.Context(), principalID)
	if err != nil {
		h.fail(w, "load usage", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entitlements": ent, "usage": usage})
}

func (h *Handler) changeSubscription(w http.ResponseWriter, r *http.Request) {
	target, err := strconv.ParseInt(chi.URLParam(r, "principal"), 10, 64)
	if err != nil || target <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return
	}
	var req subscriptionRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := SubscriptionStatus(req.Status)
	if status == "" {
		status = StatusActive
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	sub, err := h.service.ChangeSubscription(r.Context(), ChangeInput{
		PrincipalID: target,
		PlanSlug:    req.Plan,
		Status:      status,
		ActorID:     actorID,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		h.fail(w, "change subscription", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sub)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
