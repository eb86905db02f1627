// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/watchpost/watchpost/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		permErr   *shared.PermissionError
		subErr    *shared.SubscriptionError
		limitErr  *shared.LimitError
		lockedErr *shared.LockedError
	)
	switch {
	case errors.As(err, &permErr):
		ProblemWith(w, http.StatusForbidden, "Permission Denied", err.Error(), map[string]any{
			"required_permission": permErr.RequiredPermission,
			"minimum_role":        permErr.MinimumRole,
		})
	case errors.As(err, &subErr):
		ProblemWith(w, http.StatusPaymentRequired, "Upgrade Required", err.Error(), map[string]any{
			"minimum_tier": subErr.MinimumTier,
			"current_tier": subErr.CurrentTier,
		})
	case errors.As(err, &limitErr):
		ProblemWith(w, http.StatusConflict, "Limit Exceeded", err.Error(), map[string]any{
			"resource": limitErr.Kind,
			"current":  limitErr.Current,
			"max":      limitErr.Max,
		})
	case errors.As(err, &lockedErr):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter(lockedErr)), 10))
		Problem(w, http.StatusLocked, "Account Locked", err.Error())
	case errors.Is(err, shared.ErrPermissionDenied):
		Problem(w, http.StatusForbidden, "Permission Denied", err.Error())
	case errors.Is(err, shared.ErrSubscriptionRequired):
		Problem(w, http.StatusPaymentRequired, "Upgrade Required", err.Error())
	case errors.Is(err, shared.ErrLimitExceeded):
		Problem(w, http.StatusConflict, "Limit Exceeded", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidStateTransition):
		Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, shared.ErrAccountLocked):
		Problem(w, http.StatusLocked, "Account Locked", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func retryAfter(err *shared.LockedError) int {
	secs := int(timeUntil(err.Until).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
