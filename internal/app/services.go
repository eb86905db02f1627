package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/apikeys"
	"github.com/watchpost/watchpost/internal/audit"
	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/commands"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/observability"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
)

// Enqueuer is the background job client the services schedule work on.
type Enqueuer interface {
	incidents.Enqueuer
	commands.DispatchScheduler
}

// ServiceDeps are the shared connections every binary opens.
type ServiceDeps struct {
	Config   *Config
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Enqueuer Enqueuer
	Metrics  *observability.Metrics
}

// Services holds the domain services wired against Postgres and Redis.
type Services struct {
	Audit        *shared.AuditLogger
	Idempotency  *shared.IdempotencyStore
	RBAC         *rbac.Service
	Entitlements *entitlements.Service
	Agents       *agents.Service
	Engine       *authz.Engine
	Incidents    *incidents.Service
	Auth         *auth.Service
	APIKeys      *apikeys.Service
	Commands     *commands.Service
	Timeline     *audit.Service
}

// NewServices builds every domain service. Metrics may be nil.
func NewServices(deps ServiceDeps) *Services {
	cfg, logger, pool := deps.Config, deps.Logger, deps.Pool

	auditLogger := shared.NewAuditLogger(pool)
	rbacService := rbac.NewService(rbac.NewRepository(pool), logger)
	entService := entitlements.NewService(entitlements.NewRepository(pool), logger)
	agentService := agents.NewService(agents.NewRepository(pool), entService, auditLogger, logger)
	entService.SetFeatureSyncer(agentService)

	engine := authz.NewEngine(rbacService, entService, agentService, auditLogger, logger)

	incidentService := incidents.NewService(incidents.NewRepository(pool), deps.Enqueuer, NewSender(cfg, logger), incidents.Config{
		EscalationThreshold: cfg.IncidentEscalationThreshold,
		Recipients:          cfg.NotifyRecipients,
	}, logger)

	var observer commands.Observer
	if deps.Metrics != nil {
		engine.SetObserver(deps.Metrics)
		incidentService.SetObserver(deps.Metrics)
		observer = deps.Metrics
	}

	authService := auth.NewService(auth.NewRepository(pool), incidentService, auth.Policy{
		Threshold: cfg.LockoutThreshold,
		Duration:  cfg.LockoutDuration,
	}, logger)

	commandService := commands.NewService(commands.Dependencies{
		Repo:       commands.NewRepository(pool),
		Authorizer: engine,
		Agents:     agentService,
		Window:     commands.NewWindow(deps.Redis, cfg.CommandIdempotencyWindow),
		Channel:    commands.NewRedisChannel(deps.Redis, cfg.CommandChannelTTL),
		Scheduler:  deps.Enqueuer,
		Observer:   observer,
		Logger:     logger,
	}, commands.Config{DefaultTimeout: cfg.CommandDefaultTimeout})

	return &Services{
		Audit:        auditLogger,
		Idempotency:  shared.NewIdempotencyStore(pool),
		RBAC:         rbacService,
		Entitlements: entService,
		Agents:       agentService,
		Engine:       engine,
		Incidents:    incidentService,
		Auth:         authService,
		APIKeys:      apikeys.NewService(apikeys.NewRepository(pool), entService, auditLogger, logger),
		Commands:     commandService,
		Timeline:     audit.NewService(audit.NewRepository(pool)),
	}
}

// Seed upserts the role catalog, plan catalog and feature definitions.
func (s *Services) Seed(ctx context.Context) error {
	if err := s.RBAC.SeedCatalog(ctx); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if err := s.Entitlements.SeedPlans(ctx); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	if err := s.Agents.SeedDefinitions(ctx); err != nil {
		return fmt.Errorf("seed feature definitions: %w", err)
	}
	return nil
}

// NewSender returns the SMTP relay when one is configured and a log sender
// otherwise.
func NewSender(cfg *Config, logger *slog.Logger) incidents.Sender {
	if cfg == nil || cfg.SMTPHost == "" {
		return incidents.LogSender{Logger: logger}
	}
	return incidents.NewSMTPSender(incidents.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     strconv.Itoa(cfg.SMTPPort),
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
