// CyberSentinel SOAR engine: receives security alerts over webhooks,
// matches them against playbook triggers, and runs response playbooks.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/approval"
	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/config"
	"github.com/cybersentinel/soar/internal/connector"
	"github.com/cybersentinel/soar/internal/engine"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/ingest"
	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/packs"
	"github.com/cybersentinel/soar/internal/playbook"
	"github.com/cybersentinel/soar/internal/scheduler"
	"github.com/cybersentinel/soar/internal/security"
	"github.com/cybersentinel/soar/internal/server"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/storage"
	"github.com/cybersentinel/soar/internal/telemetry"
	"github.com/cybersentinel/soar/internal/trigger"
	"github.com/cybersentinel/soar/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const auditRetention = 90 * 24 * time.Hour

func main() {
	// .env is a development convenience; deployments set real env vars.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SOAR_CONFIG"), "path to a JSON config file")
	flag.Parse()

	logger, _ := zap.NewProduction()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = lvl
		if leveled, err := zcfg.Build(); err == nil {
			logger = leveled
		}
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("cybersentinel soar engine starting",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
		zap.String("listen", cfg.ListenAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTraceProvider(ctx, cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing unavailable, continuing without traces", zap.Error(err))
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracer(flushCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
		if cfg.Telemetry.OTLPEndpoint != "" {
			logger.Info("tracing enabled", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
		}
	}

	// Every subsystem shares one SQLite database. Crash recovery and
	// resumable approvals depend on it, so there is no in-memory fallback.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		logger.Fatal("cannot open database", zap.String("path", cfg.DBPath()), zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	playbooks, err := playbook.NewStore(db)
	if err != nil {
		logger.Fatal("playbook store", zap.Error(err))
	}
	executions, err := execution.NewStore(db)
	if err != nil {
		logger.Fatal("execution store", zap.Error(err))
	}
	approvals, err := approval.NewStore(db, logger)
	if err != nil {
		logger.Fatal("approval store", zap.Error(err))
	}
	webhooks, err := webhook.NewStore(db)
	if err != nil {
		logger.Fatal("webhook store", zap.Error(err))
	}
	triggers, err := trigger.NewStore(db)
	if err != nil {
		logger.Fatal("trigger store", zap.Error(err))
	}
	policies, err := sla.NewStore(db)
	if err != nil {
		logger.Fatal("sla store", zap.Error(err))
	}
	trail, err := audit.NewStore(db, 10000)
	if err != nil {
		logger.Fatal("audit store", zap.Error(err))
	}
	schedules, err := scheduler.NewStore(db)
	if err != nil {
		logger.Fatal("schedule store", zap.Error(err))
	}

	go trail.PurgeLoop(ctx, auditRetention, time.Hour)

	// Built-in connectors. Playbook steps reference these by name.
	creds := connector.NewCredentialStore()
	for _, c := range cfg.Connectors.HTTPCredentials {
		creds.Add(c.URLPrefix, c.Header, c.Value)
	}
	registry := connector.NewRegistry(logger)
	registry.Register(connector.NewHTTPConnector(creds))
	registry.Register(connector.NewSQLConnector())
	registry.Register(connector.NewSSHConnector())

	cache := buildSecurityCache(ctx, cfg, logger)
	filter := security.NewFilter(cache, security.Options{
		RateLimitPerMinute:     cfg.Security.RateLimitPerMinute,
		BurstLimit:             cfg.Security.BurstLimit,
		BlockFor:               time.Duration(cfg.Security.BlockMinutes) * time.Minute,
		MaxSkew:                time.Duration(cfg.Security.TimestampSkewSeconds) * time.Second,
		NonceWindow:            time.Duration(cfg.Security.NonceWindowMinutes) * time.Minute,
		PlaybookFloodPerMinute: cfg.Security.PlaybookFloodPerMinute,
		GlobalFloodPerMinute:   cfg.Security.GlobalFloodPerMinute,
		TrustedIPs:             cfg.Security.TrustedIPs,
	}, trail, logger)

	eng := engine.NewEngine(playbooks, executions, approvals, registry, engine.Options{
		MaxConcurrent: cfg.Engine.Workers,
		StepTimeout:   time.Duration(cfg.Engine.DefaultStepTimeoutSeconds) * time.Second,
	}, logger)
	eng.Start(ctx)

	pipeline := ingest.NewPipeline(filter, webhook.NewAuthenticator(webhooks), webhooks,
		triggers, playbooks, executions, policies, eng, trail,
		ingest.Options{ShadowMode: cfg.Engine.ShadowMode}, logger)

	if cfg.PacksDir != "" {
		loader := packs.NewLoader(playbooks, trail, logger)
		n, err := loader.LoadDir(ctx, cfg.PacksDir)
		if err != nil {
			logger.Warn("playbook pack load failed, serving stored playbooks only",
				zap.String("dir", cfg.PacksDir), zap.Error(err))
		} else if n > 0 {
			logger.Info("playbook packs loaded",
				zap.Int("playbooks", n), zap.String("dir", cfg.PacksDir))
		}
	}

	// Requeue executions interrupted by the previous shutdown before
	// opening the listener.
	if n, err := eng.Recover(ctx); err != nil {
		logger.Error("crash recovery sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("interrupted executions requeued", zap.Int("count", n))
	}

	approvals.StartSweeper(ctx, 30*time.Second, eng.Resume)

	sched := scheduler.New(schedules, pipeline, logger)
	sched.Start(ctx, scheduler.DefaultSweepInterval)

	go refreshGauges(ctx, executions, approvals)

	srv := server.New(cfg, server.Deps{
		DB:         db,
		Pipeline:   pipeline,
		Engine:     eng,
		Executions: executions,
		Approvals:  approvals,
		Webhooks:   webhooks,
		Triggers:   triggers,
		Policies:   policies,
		Schedules:  schedules,
		Filter:     filter,
		Trail:      trail,
		Connectors: registry,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("http server error", zap.Error(err))
	}

	// Workers notice the cancelled context at their next persistence
	// boundary; wait for them before closing the database.
	eng.Stop()
	logger.Info("shutdown complete")
}

// refreshGauges keeps the queue-depth gauges aligned with storage.
// Counters update inline at their call sites; these two cover state
// that survives restarts, so they read from the database rather than
// from in-process events.
func refreshGauges(ctx context.Context, executions *execution.Store, approvals *approval.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if counts, err := executions.CountByState(ctx); err == nil {
				active := counts[execution.StateExecuting] + counts[execution.StateWaitingApproval]
				metrics.ActiveExecutions.Set(float64(active))
			}
			if n, err := approvals.CountPending(ctx); err == nil {
				metrics.WaitingApprovals.Set(float64(n))
			}
		}
	}
}

// buildSecurityCache picks redis when configured and reachable, and
// falls back to the in-process cache otherwise. A single node needs no
// shared state; redis matters once several ingest nodes split traffic.
func buildSecurityCache(ctx context.Context, cfg config.Config, logger *zap.Logger) security.Cache {
	if !cfg.HasRedis() {
		return security.NewMemoryCache(time.Minute)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process security cache",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		return security.NewMemoryCache(time.Minute)
	}
	logger.Info("security cache on redis", zap.String("addr", cfg.Redis.Addr))
	return security.NewRedisCache(client, "soar")
}
