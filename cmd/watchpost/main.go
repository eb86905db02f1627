package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/watchpost/watchpost/cmd/watchpost/cli"
	"github.com/watchpost/watchpost/internal/agents"
	"github.com/watchpost/watchpost/internal/apikeys"
	audithttp "github.com/watchpost/watchpost/internal/audit/http"
	"github.com/watchpost/watchpost/internal/app"
	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/authz"
	"github.com/watchpost/watchpost/internal/commands"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/incidents"
	"github.com/watchpost/watchpost/internal/observability"
	"github.com/watchpost/watchpost/internal/platform/cache"
	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
	"github.com/watchpost/watchpost/jobs"
)

const usage = `usage: watchpost [serve|bootstrap|jobs] [flags]

  serve                      run the HTTP API (default)
  bootstrap --username NAME  create the first operator account
  jobs trigger NAME          enqueue commands:sweep_timeouts or maintenance:cleanup
  jobs stats                 print queue sizes as JSON
  jobs archived              list notification tasks that exhausted their retries
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve":
		return serve(ctx, stop, cfg, logger)
	case "bootstrap":
		return bootstrap(ctx, cfg, logger, args)
	case "jobs":
		return jobsCommand(ctx, cfg, args)
	case "archived":
		tasks, err := jobsCLI.ListArchivedNotifications(ctx, 50)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs archived: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\tretried=%d\t%s\n", task.ID, task.Type, task.Retried, task.LastErr)
		}
		return 0
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

type runtime struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	jobs      *jobs.Client
	redisOpts asynq.RedisClientOpt
}

func (rt *runtime) close(logger *slog.Logger) {
	if rt.jobs != nil {
		if err := rt.jobs.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func connect(ctx context.Context, cfg *app.Config) (*runtime, error) {
	rt := &runtime{redisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}}
	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	rt.pool = pool
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		pool.Close()
		return nil, err
	}
	rt.redis = client
	rt.jobs = jobs.NewClient(rt.redisOpts, cfg.NotifyMaxAttempts)
	return rt, nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	rt, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close(logger)

	metrics := observability.NewMetrics()
	services := app.NewServices(app.ServiceDeps{
		Config:   cfg,
		Logger:   logger,
		Pool:     rt.pool,
		Redis:    rt.redis,
		Enqueuer: rt.jobs,
		Metrics:  metrics,
	})
	if err := services.Seed(ctx); err != nil {
		logger.Error("seed catalogs", slog.Any("error", err))
		return 1
	}

	sessionManager := shared.NewSessionManager(rt.redis, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	abuse := app.NewAbuseReporter(services.Incidents, cfg.RateLimitPerMinute)
	inspector := asynq.NewInspector(rt.redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		APIKeys:        services.APIKeys,
		Abuse:          abuse,
		Metrics:        metrics,

		AuthHandler:         auth.NewHandler(logger, services.Auth, sessionManager),
		AuthzHandler:        authz.NewHandler(services.Engine),
		AgentsHandler:       agents.NewHandler(logger, services.Agents, services.Entitlements, app.AgentGuards(services.Engine)),
		EntitlementsHandler: entitlements.NewHandler(logger, services.Entitlements, app.BillingGuard(services.Engine)),
		APIKeysHandler:      apikeys.NewHandler(logger, services.APIKeys, services.Engine),
		CommandsHandler:     commands.NewHandler(logger, services.Commands, services.Engine),
		IncidentsHandler:    incidents.NewHandler(logger, services.Incidents, services.Engine, services.Idempotency),
		AuditHandler:        audithttp.NewHandler(logger, services.Timeline, services.Engine),
		RBACHandler:         rbac.NewHandler(logger, services.RBAC, rbac.Middleware{Service: services.RBAC, Logger: logger}),
		JobHandler:          jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func bootstrap(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	flags := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	opts := cli.BootstrapOptions{}
	flags.StringVar(&opts.Username, "username", "", "login name of the operator")
	flags.StringVar(&opts.Email, "email", "", "contact address")
	flags.StringVar(&opts.Role, "role", rbac.RoleSuperAdmin, "role granted to the operator")
	flags.StringVar(&opts.Plan, "plan", "", "plan to subscribe the operator to")
	flags.BoolVar(&opts.JSONOutput, "json", false, "print the result as JSON")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	opts.Password = os.Getenv("WATCHPOST_BOOTSTRAP_PASSWORD")
	if opts.Password == "" {
		_, _ = fmt.Fprintln(os.Stderr, "bootstrap: WATCHPOST_BOOTSTRAP_PASSWORD must be set")
		return 2
	}

	rt, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close(logger)

	services := app.NewServices(app.ServiceDeps{Config: cfg, Logger: logger, Pool: rt.pool, Redis: rt.redis, Enqueuer: rt.jobs})
	if err := services.Seed(ctx); err != nil {
		logger.Error("seed catalogs", slog.Any("error", err))
		return 1
	}
	return cli.NewBootstrapCLI(services.Auth, services.RBAC, services.Entitlements).BootstrapCommand(ctx, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, jobs.CleanupPayload{
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprint(os.Stderr, usage)
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		if err := json.NewEncoder(os.Stdout).Encode(stats); err != nil {
			return 1
		}
		return 0
	case "archived":
		tasks, err := jobsCLI.ListArchivedNotifications(ctx, 50)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs archived: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\tretried=%d\t%s\n", task.ID, task.Type, task.Retried, task.LastErr)
		}
		return 0
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}
