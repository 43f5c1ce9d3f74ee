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

	"audit-platform/internal/auth"
	"audit-platform/internal/config"
	"audit-platform/internal/credits"
	"audit-platform/internal/engine"
	"audit-platform/internal/eventlog"
	"audit-platform/internal/httpapi"
	"audit-platform/internal/mcp"
	"audit-platform/internal/payments"
	"audit-platform/internal/pricing"
	"audit-platform/internal/session"
	"audit-platform/internal/stream"
	"audit-platform/pkg/logger"
	"audit-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

const version = "0.3.0"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Opt-in env file for local development; real deployments inject env.
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Error("env file load failed", "path", path, "err", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
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

	// Domain services.
	creditsSvc := credits.NewService(credits.NewPostgresStore(db), log)
	retrier := credits.NewCommitRetrier(creditsSvc, log, 30*time.Second)
	events := eventlog.NewService(eventlog.NewPostgresRepo(db))
	pricingSvc := pricing.NewService(defaultRates())
	sessions := session.NewService(session.NewPostgresStore(db), creditsSvc, pricingSvc, events, retrier, log, cfg.Limits.MaxInputBytes)

	eng := engine.NewOpenAIEngine(cfg.Engine, log)
	coordinator := stream.NewCoordinator(sessions, eng, log, cfg.Engine.AnalyzeTimeout, cfg.Limits.AttachmentQueueSize)
	coordinator.SetReleaseSlot(func(ctx context.Context, userID string) {
		if err := utils.ReleaseConcurrencyCap(ctx, rdb, httpapi.ActiveSessionsKey(userID)); err != nil {
			log.Warn("slot release failed", "user_id", userID, "err", err)
		}
	})

	// Failed billing commits retry in the background until they land.
	go retrier.Run(rootCtx)

	h := httpapi.Handlers{
		Auth:     authManager,
		Sessions: sessions,
		Streams:  coordinator,
		Credits:  creditsSvc,
		// The fake gateway stands in until a provider adapter lands;
		// capture webhooks and ledger idempotency work the same.
		Payments: payments.NewService(&payments.FakeGateway{}, creditsSvc, events, log),

		Redis:             rdb,
		MaxActiveSessions: cfg.Limits.MaxActiveSessions,
		CapTTL:            cfg.Engine.AnalyzeTimeout + 5*time.Minute,

		Log: log,
	}
	mcpServer := &mcp.Server{
		Sessions:      sessions,
		Streams:       coordinator,
		Log:           log,
		ServerName:    "audit-platform",
		ServerVersion: version,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, mcpServer, authManager, coordinator, db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streams outlive the usual write window; the analyze timeout
		// plus slack bounds the worst case.
		WriteTimeout: cfg.Engine.AnalyzeTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
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

// defaultRates is the built-in rate card. Rates are data, not code; a
// Postgres-backed repository can replace this without touching pricing.
func defaultRates() *pricing.MemoryRepo {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	active := pricing.RateStatusActive
	return &pricing.MemoryRepo{Rates: []pricing.LanguageRate{
		{ID: "solidity-v1", Language: "solidity", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "rust-v1", Language: "rust", BaseCredits: 6, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "move-v1", Language: "move", BaseCredits: 6, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "cairo-v1", Language: "cairo", BaseCredits: 6, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "vyper-v1", Language: "vyper", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "yul-v1", Language: "yul", BaseCredits: 5, CreditsPerKilobyte: 2, EffectiveFrom: from, Status: active},
		{ID: "unknown-v1", Language: "unknown", BaseCredits: 8, CreditsPerKilobyte: 3, EffectiveFrom: from, Status: active},
	}}
}
