package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Waypoint-Systems/keel/core/pkg/api"
	"github.com/Waypoint-Systems/keel/core/pkg/approval"
	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/compliance"
	"github.com/Waypoint-Systems/keel/core/pkg/config"
	"github.com/Waypoint-Systems/keel/core/pkg/events"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/observability"
	"github.com/Waypoint-Systems/keel/core/pkg/orchestrator"
	"github.com/Waypoint-Systems/keel/core/pkg/session"
	"github.com/Waypoint-Systems/keel/core/pkg/stages"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func runServer() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("load profile: %v", err)
		}
		profile = p
	}
	logger.Info("profile loaded", "name", profile.Name, "tiers", len(profile.Tiers))

	// Local state always lives in SQLite; a Postgres DATABASE_URL moves
	// the audit chain there while session and approval state stay local.
	stateDB, err := sql.Open("sqlite", localStateDSN(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("open state db: %v", err)
	}
	defer stateDB.Close()

	var auditBackend audit.Backend
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		pgdb, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		if err := pgdb.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		defer pgdb.Close()
		auditBackend, err = audit.NewPostgresBackend(pgdb)
		if err != nil {
			log.Fatalf("init postgres audit backend: %v", err)
		}
		logger.Info("audit chain persisted to postgres")
	} else {
		auditBackend, err = audit.NewSQLiteBackend(stateDB)
		if err != nil {
			log.Fatalf("init sqlite audit backend: %v", err)
		}
	}

	redactor, err := orchestrator.DefaultRedactor()
	if err != nil {
		log.Fatalf("init redaction registry: %v", err)
	}
	auditLog, err := audit.NewLog(audit.WithBackend(auditBackend), audit.WithRedactor(redactor))
	if err != nil {
		log.Fatalf("init audit log: %v", err)
	}
	logger.Info("audit log ready", "entries", auditLog.Size(), "chain_head", auditLog.ChainHead())

	var sessions session.Store
	sessions, err = session.NewSQLiteStore(stateDB)
	if err != nil {
		log.Fatalf("init session store: %v", err)
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		guard := session.NewEntityGuard(client, "keel:entity:", time.Hour)
		sessions = session.NewGuardedStore(sessions, guard)
		logger.Info("redis entity guard enabled")
	}

	approvals, err := approval.NewSQLiteStore(stateDB)
	if err != nil {
		log.Fatalf("init approval store: %v", err)
	}
	gateOpts := []approval.Option{approval.WithTimeout(profile.Approval.Timeout.Std())}
	if cfg.ApprovalSigningKey != "" {
		gateOpts = append(gateOpts,
			approval.WithVerifier(approval.NewActorVerifier([]byte(cfg.ApprovalSigningKey), profile.Approval.RequiredRole)))
	} else {
		logger.Warn("APPROVAL_SIGNING_KEY not set, actor tokens are not verified")
	}
	gate := approval.NewGate(approvals, gateOpts...)

	var tiers []integration.Tier
	for _, tp := range profile.Tiers {
		if tp.Endpoint == "" {
			logger.Warn("tier has no endpoint, skipping", "tier", tp.ID)
			continue
		}
		tiers = append(tiers, integration.NewHTTPTier(tp.ID, tp.Endpoint, &http.Client{}))
	}
	if len(tiers) == 0 {
		log.Fatalf("no usable tiers: configure endpoints in the profile (%s)", cfg.ProfilePath)
	}
	client := integration.NewClient(logger, tiers, profile.TierConfigs())

	engine, err := compliance.NewEngine(profile.Rules)
	if err != nil {
		log.Fatalf("compile compliance rules: %v", err)
	}
	synthesis, err := stages.NewSynthesis(stages.NewBackendReasoner(client, profile.SynthesizeOperation))
	if err != nil {
		log.Fatalf("init synthesis stage: %v", err)
	}

	sink := events.MultiSink{events.NewLogSink(logger)}
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("init observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	if obsCfg.Enabled {
		sink = append(sink, observability.NewMetricsSink(obs))
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Sessions: sessions,
		Audit:    auditLog,
		Gate:     gate,
		Backend:  client,
		Stages: []stages.Stage{
			stages.NewDataRetrieval(client, profile.RetrieveOperation),
			stages.NewContextAnalysis(),
			synthesis,
			stages.NewComplianceCheck(engine),
		},
		Sink:             sink,
		Logger:           logger,
		ExecuteOperation: profile.ExecuteOperation,
	})
	if err != nil {
		log.Fatalf("init orchestrator: %v", err)
	}

	// Sessions suspended when the previous process stopped are re-armed
	// on their restored approval requests; interrupted ones are retired.
	if resumed, err := orch.Recover(ctx); err != nil {
		log.Fatalf("recover sessions: %v", err)
	} else if resumed > 0 {
		logger.Info("suspended sessions resumed", "count", resumed)
	}

	// Janitor: expire overdue approval windows even when no goroutine is
	// awaiting them (e.g. requests restored after a restart).
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if expired, err := gate.CheckTimeouts(janitorCtx); err != nil {
					logger.Error("approval janitor failed", "error", err)
				} else if len(expired) > 0 {
					logger.Info("approvals expired", "count", len(expired))
				}
			}
		}
	}()

	srv := api.NewServer(orch, gate, sessions, auditLog, client, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("keel listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// localStateDSN picks the SQLite DSN for session and approval state.
func localStateDSN(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "file:keel.db?_pragma=busy_timeout(5000)"
	}
	return databaseURL
}
