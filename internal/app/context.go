// Package app wires the claim engine, its stores and its observers into one
// explicitly owned context with a matching teardown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/engine"
	"claimline/internal/evaluator"
	"claimline/internal/gateway"
	"claimline/internal/intent"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/migrate"
	"claimline/internal/notify"
	"claimline/internal/repo"
	"claimline/internal/session"
	"claimline/internal/steplog"
	"claimline/internal/workflow"
)

type Options struct {
	Workspace string
	// Config overrides the workspace claimline.yml.
	Config *config.Config
	Logger *logging.Logger
	// Registry receives the workflow metrics. A private registry is created when nil.
	Registry   *prometheus.Registry
	HTTPClient *http.Client
	// Evaluators replaces the registry built from config.
	Evaluators *evaluator.Registry
}

// Context owns every long-lived component for the lifetime of the process.
type Context struct {
	Config     *config.Config
	Logger     *logging.Logger
	DB         *sql.DB
	Repo       repo.Repo
	Steps      steplog.Log
	Engine     *engine.Engine
	Gateway    gateway.Gateway
	Evaluators *evaluator.Registry
	Publisher  *notify.Publisher
	Hub        *notify.Hub
	Metrics    *metrics.WorkflowMetrics
	Registry   *prometheus.Registry

	redis *redis.Client
}

// ResolveConfig prefers an explicit config, then the workspace file, then defaults.
func ResolveConfig(workspace string, override *config.Config) (*config.Config, error) {
	if override != nil {
		return override, override.Validate()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("claimline")
	}
	return cfg, nil
}

// New opens the workspace database, applies migrations and builds the engine.
func New(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Log.Level)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &Context{Config: cfg, Logger: logger, DB: conn, Repo: repo.Repo{DB: conn}}

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewWorkflowMetrics(a.Registry)
	}

	sinks := notify.WebhookSinks(cfg.Observers.Webhooks)
	if cfg.Observers.Stream {
		a.Hub = notify.NewHub(logger)
		sinks = append(sinks, a.Hub)
	}
	a.Publisher = notify.NewPublisher(notify.Options{
		QueueSize: cfg.Observers.QueueSize,
		Timeout:   cfg.Observers.Timeout,
		Logger:    logger,
		Metrics:   a.Metrics,
	}, sinks...)
	a.Steps = steplog.Log{
		Repo:         a.Repo,
		Notifier:     a.Publisher,
		WriteTimeout: cfg.Storage.WriteTimeout,
		Logger:       logger,
		Metrics:      a.Metrics,
	}

	switch cfg.Gateway.Kind {
	case "http":
		a.Gateway = gateway.NewHTTP(cfg.Gateway.URL, cfg.Gateway.Timeout)
	default:
		a.Gateway = gateway.SQL{Repo: a.Repo}
	}
	if cfg.Gateway.CacheTTL > 0 {
		a.Gateway = gateway.NewCached(a.Gateway, cfg.Gateway.CacheTTL)
	}

	a.Evaluators = opts.Evaluators
	if a.Evaluators == nil {
		a.Evaluators = evaluator.FromConfig(cfg, opts.HTTPClient)
	}

	sessions, err := a.sessionStore(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.Engine = &engine.Engine{
		Parser:    intent.NewParser(cfg.Claims.IDPrefixes),
		Gateway:   a.Gateway,
		Sessions:  sessions,
		Decisions: a.Repo,
		Logger:    logger,
		Metrics:   a.Metrics,
		Pipeline: &workflow.Dispatcher{
			Evaluators:      a.Evaluators,
			Steps:           a.Steps,
			StageTimeout:    cfg.Workflow.StageTimeout,
			PipelineTimeout: cfg.Workflow.PipelineTimeout,
			MinConfidence:   cfg.Workflow.MinDocumentConfidence,
			Logger:          logger,
			Metrics:         a.Metrics,
		},
		StatusTimeout: cfg.Gateway.Timeout,
	}
	logger.Info("app: ready", "service", cfg.Service.ID, "gateway", cfg.Gateway.Kind, "sessions", cfg.Sessions.Store,
		"evaluators", len(a.Evaluators.Available()))
	return a, nil
}

func (a *Context) sessionStore(ctx context.Context) (session.Store, error) {
	if strings.EqualFold(a.Config.Sessions.Store, "redis") {
		a.redis = redis.NewClient(&redis.Options{Addr: a.Config.Sessions.RedisAddr, DB: a.Config.Sessions.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return session.NewRedisStore(a.redis, a.Config.Sessions.TTL, nil), nil
	}
	return session.SQLStore{Repo: a.Repo}, nil
}

// Close waits for pending write-backs, drains observers and closes stores.
func (a *Context) Close(ctx context.Context) error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait engine: %w", err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
