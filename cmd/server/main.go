package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-spend-approvals/internal/client"
	"github.com/pesio-ai/be-spend-approvals/internal/config"
	"github.com/pesio-ai/be-spend-approvals/internal/database"
	"github.com/pesio-ai/be-spend-approvals/internal/handler"
	"github.com/pesio-ai/be-spend-approvals/internal/ledger"
	"github.com/pesio-ai/be-spend-approvals/internal/middleware"
	"github.com/pesio-ai/be-spend-approvals/internal/orchestrator"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
	"github.com/pesio-ai/be-spend-approvals/internal/repository"
	"github.com/pesio-ai/be-spend-approvals/migrations"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Spend Approvals Engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := migrations.Up(ctx, db.Pool()); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	// Connect the notification and audit sinks. A missing NATS URL runs the
	// engine without fan-out; it never affects correctness.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Timeout(cfg.NATS.ConnectWait))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable; notifications and audit fan-out disabled")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log)
	auditSink := client.NewAuditSink(nc, "audit.spend", log)

	masterData := client.NewMasterDataClient(cfg.Engine.MasterDataURL, cfg.Engine.MasterDataWait)

	// Initialize repositories
	policyRepo := repository.NewPolicyRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	chainRepo := repository.NewChainRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	// Assemble the engine
	clock := clockwork.NewRealClock()
	catalog := policy.NewCatalog(policyRepo)
	budgetLedger := ledger.New(ledgerRepo, clock, log)
	engine := orchestrator.New(
		catalog,
		budgetLedger,
		requestRepo,
		chainRepo,
		masterData,
		auditSink,
		notifier,
		clock,
		log,
		orchestrator.Options{
			LockWait:    cfg.Engine.LockWait,
			LockRetries: cfg.Engine.LockRetries,
		},
	)
	defer engine.Stop()

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("POST /api/v1/requests/submit", httpHandler.Submit)
	mux.HandleFunc("POST /api/v1/requests/decide", httpHandler.Decide)
	mux.HandleFunc("POST /api/v1/requests/cancel", httpHandler.Cancel)
	mux.HandleFunc("POST /api/v1/requests/pay", httpHandler.Pay)
	mux.HandleFunc("GET /api/v1/requests/get", httpHandler.GetRequest)
	mux.HandleFunc("GET /api/v1/requests/chain", httpHandler.GetChain)
	mux.HandleFunc("GET /api/v1/budget/utilization", httpHandler.GetUtilization)

	h := middleware.Chain(mux, log, cfg.Server.CORSOrigins, cfg.Server.RequestTimeout)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
