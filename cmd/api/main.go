package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carecall-platform/internal/audit"
	"carecall-platform/internal/auditor"
	"carecall-platform/internal/auth"
	"carecall-platform/internal/calls"
	"carecall-platform/internal/campaign"
	"carecall-platform/internal/config"
	"carecall-platform/internal/engine"
	"carecall-platform/internal/metrics"
	"carecall-platform/internal/org"
	"carecall-platform/internal/patient"
	"carecall-platform/internal/provider"
	"carecall-platform/internal/realtime"
	"carecall-platform/internal/reconcile"
	"carecall-platform/internal/runs"
	"carecall-platform/pkg/logger"
	"carecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown. Dispatch loops run on it so an
	// in-flight run winds down with the process.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Stores.
	runStore := runs.NewPostgresStore(db)
	callStore := calls.NewPostgresStore(db)
	orgStore := org.NewPostgresStore(db)
	campaignStore := campaign.NewPostgresStore(db)
	patientResolver := patient.NewPostgresResolver(db)

	// Collaborators.
	rt := realtime.NewRedisPublisher(rdb)
	agg := metrics.NewAggregator(runStore, rt, log)
	auditSvc := audit.NewService(audit.NewMemoryRepo())
	dialer := provider.NewRetellDialer(cfg.Provider.RetellAPIKey, cfg.Provider.RetellBaseURL)

	eng := engine.New(rootCtx, engine.Deps{
		Runs:      runStore,
		Calls:     callStore,
		Orgs:      orgStore,
		Campaigns: campaignStore,
		Dialer:    dialer,
		Metrics:   agg,
		Realtime:  rt,
		Audit:     auditSvc,
		Redis:     rdb,
		Logger:    log,
	}, engine.Config{
		DefaultConcurrentCallLimit: cfg.Engine.DefaultConcurrentCallLimit,
		BatchBackoff:               cfg.Engine.BatchBackoff,
		InterCallDelay:             cfg.Engine.InterCallDelay,
	})

	rec := reconcile.New(reconcile.Deps{
		Orgs:                  orgStore,
		Patients:              patientResolver,
		Campaigns:             campaignStore,
		Calls:                 callStore,
		Runs:                  runStore,
		Metrics:               agg,
		Realtime:              rt,
		Logger:                log,
		DefaultInboundAgentID: cfg.Provider.DefaultInboundAgentID,
	})

	aud := auditor.New(auditor.Deps{
		Calls:            callStore,
		Runs:             runStore,
		Metrics:          agg,
		Audit:            auditSvc,
		Logger:           log,
		StuckCallTimeout: cfg.Engine.StuckCallTimeout,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		authMW:    auth.RequireAccessToken(authManager),
		engine:    engine.Handlers{Engine: eng},
		reconcile: reconcile.Handlers{Reconciler: rec},
		auditor:   auditor.Handlers{Auditor: aud},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
