package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/config"
	"github.com/rentfolio/backend/internal/database"
	"github.com/rentfolio/backend/internal/handlers"
	mW "github.com/rentfolio/backend/internal/middleware"
	"github.com/rentfolio/backend/internal/platform"
	"github.com/rentfolio/backend/internal/services"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	db, err := database.InitDB()
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := database.InitRedis(logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var syncer services.PlatformSyncer
	if cfg.PlatformBaseURL != "" {
		syncer = platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.PlatformTimeout, logger)
	} else {
		logger.Warn("no platform base url configured, external mirroring disabled")
	}

	mappings := services.NewMappingService(db, redisClient)
	posting := services.NewPostingService(db, mappings, logger)
	locks := services.NewLockService(redisClient, cfg.RunLockTTL, logger)
	ledger := services.NewLedgerService(db)
	registerSvc := services.NewBankRegisterService(db)
	webhooks := services.NewWebhookService(db, logger)
	billing := services.NewBillingService(db, posting, locks, syncer, logger)
	notices := services.NewPaymentNoticeService(logger)
	reversals := services.NewReversalService(db, posting, notices, cfg.NSFFeeRole, cfg.ReceivableRole, logger)

	webhookHandler := handlers.NewWebhookHandler(db, webhooks, registerSvc, logger)
	billingHandler := handlers.NewBillingHandler(billing, logger)
	ledgerHandler := handlers.NewLedgerHandler(ledger, logger)
	registerHandler := handlers.NewRegisterHandler(registerSvc, reversals, logger)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Platform deliveries authenticate with their own shared secret at
		// the edge proxy; the engine dedups regardless.
		r.Post("/webhooks/platform", webhookHandler.Receive)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/billing/run", billingHandler.Run)
			r.Get("/reports/ledger", ledgerHandler.Report)

			r.Get("/register", registerHandler.List)
			r.Post("/register/sessions", registerHandler.OpenSession)
			r.Put("/register/sessions/{sessionID}/finish", registerHandler.FinishSession)

			r.Get("/register/{txID}", registerHandler.Get)
			r.Put("/register/{txID}/clear", registerHandler.Clear)
			r.Put("/register/{txID}/unclear", registerHandler.Unclear)
			r.Put("/register/{txID}/reconcile", registerHandler.Reconcile)
			r.Put("/register/{txID}/unreconcile", registerHandler.Unreconcile)

			r.Post("/payments/{txID}/reverse", registerHandler.Reverse)
		})
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
