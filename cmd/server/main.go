package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docutab/billing/internal"
	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/catalog"
	"github.com/docutab/billing/internal/handler/api"
	"github.com/docutab/billing/internal/handler/webhook"
	"github.com/docutab/billing/internal/middleware"
	"github.com/docutab/billing/internal/postgres"
	"github.com/docutab/billing/internal/router"
	"github.com/docutab/billing/internal/routes"
	"github.com/docutab/billing/internal/service"
	"github.com/docutab/billing/internal/telemetry"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	// Verify database connection
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Build the price catalog and fail fast on missing base prices
	cat := catalog.New(catalog.Prices{
		StarterMonthly:      cfg.Stripe.PriceStarterMonthly,
		StarterMonthlyPromo: cfg.Stripe.PriceStarterMonthlyPromo,
		StarterYearly:       cfg.Stripe.PriceStarterYearly,
		StarterYearlyPromo:  cfg.Stripe.PriceStarterYearlyPromo,
		ProMonthly:          cfg.Stripe.PriceProMonthly,
		ProMonthlyPromo:     cfg.Stripe.PriceProMonthlyPromo,
		ProYearly:           cfg.Stripe.PriceProYearly,
		ProYearlyPromo:      cfg.Stripe.PriceProYearlyPromo,
	})
	if err := cat.Validate(); err != nil {
		if cfg.Env == "prod" {
			return fmt.Errorf("price catalog validation failed: %w", err)
		}
		logger.Warn("price catalog incomplete, checkout for unconfigured plans will fail", "error", err)
	}

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	billingProvider := billing.NewStripeProvider(cfg.Stripe.SecretKey)

	// Initialize stores
	entitlements := postgres.NewEntitlementStore(pool)
	intents := postgres.NewIntentStore(pool)

	// Initialize services
	reconciler := service.NewReconciler(entitlements, logger)
	checkoutService := service.NewCheckoutService(billingProvider, cat, entitlements, intents, logger)
	syncService := service.NewSyncService(billingProvider, cat, entitlements, reconciler, logger)
	poller := service.NewPoller(intents, logger)
	processor := service.NewWebhookProcessor(billingProvider, cat, entitlements, reconciler, logger)
	logger.Info("Billing services initialized")

	// Initialize Prometheus business metrics
	telemetry.InitBusinessMetrics(cfg.MetricsNamespace)

	// Build handlers
	billingHandler := api.NewBillingHandler(checkoutService, syncService, poller, entitlements, logger)
	stripeWebhookHandler := webhook.NewStripeHandler(processor, cfg.Stripe.WebhookSecret, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		router.Logger(logger),
	)

	// Metrics endpoint (no auth required, but should be protected in production via firewall)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Webhooks verify their own signatures instead of gateway auth
	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{Stripe: stripeWebhookHandler})

	// Billing API sits behind the gateway identity headers
	apiRouter := r.Group(
		middleware.Authenticate(cfg.InternalToken),
		middleware.WithRequestLogger(logger),
	)
	routes.RegisterAPIRoutes(apiRouter, routes.APIDeps{Billing: billingHandler})

	// ==========================================================================
	// Start server
	// ==========================================================================

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
		// The latest-intent poll holds requests open for up to 15s.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting billing server", "address", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
