package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/watchpost/watchpost/internal/apikeys"
	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/observability"
	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// EventReporter feeds request-path security events into the incident pipeline.
type EventReporter interface {
	Report(ctx context.Context, ev incidents.SecurityEvent)
}

// AbuseReporter turns throttled requests and rejected API keys into security
// events.
type AbuseReporter struct {
	events EventReporter
	limit  int
	clock  func() time.Time
}

// NewAbuseReporter constructs AbuseReporter. limit is reported as evidence.
func NewAbuseReporter(events EventReporter, limit int) *AbuseReporter {
	return &AbuseReporter{events: events, limit: limit, clock: func() time.Time { return time.Now().UTC() }}
}

// InvalidAPIKey implements apikeys.InvalidKeyReporter.
func (a *AbuseReporter) InvalidAPIKey(ctx context.Context, r *http.Request) {
	a.report(ctx, incidents.TypeAPIInvalidKey, r, 0)
}

// RateLimited answers 429 and reports the throttled call.
func (a *AbuseReporter) RateLimited(limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.report(r.Context(), incidents.TypeAPIRateLimitExceeded, r, limit)
		httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
	}
}

func (a *AbuseReporter) report(ctx context.Context, kind string, r *http.Request, limit int) {
	if a == nil || a.events == nil {
		return
	}
	principalID, _ := shared.PrincipalFromContext(ctx)
	if limit == 0 {
		limit = a.limit
	}
	a.events.Report(ctx, incidents.APIAbuseEvent(kind, incidents.APIAbuse{
		PrincipalID: principalID,
		RemoteAddr:  clientAddr(r),
		Method:      r.Method,
		Path:        r.URL.Path,
		Limit:       limit,
	}, a.clock()))
}

func clientAddr(r *http.Request) string {
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimitKey keys authenticated callers by principal and anonymous ones by
// address.
func RateLimitKey(r *http.Request) (string, error) {
	if id, ok := shared.PrincipalFromContext(r.Context()); ok {
		return "principal:" + strconv.FormatInt(id, 10), nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	APIKeys        *apikeys.Service
	Abuse          *AbuseReporter
	Metrics        *observability.Metrics
}

// MiddlewareStack installs the Watchpost middleware chain. Authentication runs
// before the rate limiter so authenticated callers get their own bucket.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	limit := 120
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.RateLimitPerMinute > 0 {
			limit = cfg.Config.RateLimitPerMinute
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	if cfg.SessionManager != nil {
		middlewares = append(middlewares, cfg.SessionManager.Middleware)
	}
	if cfg.APIKeys != nil {
		middlewares = append(middlewares, cfg.APIKeys.Middleware(cfg.Abuse))
	}
	middlewares = append(middlewares, httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(RateLimitKey),
		httprate.WithLimitHandler(cfg.Abuse.RateLimited(limit)),
	))
	return middlewares
}

// LoginLimiter throttles credential guessing per address ahead of the lockout
// policy.
func LoginLimiter(limit int, abuse *AbuseReporter) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = 10
	}
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(abuse.RateLimited(limit)),
	)
}
