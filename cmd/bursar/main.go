package main

import (
	"context"

	"github.com/tokenforge/bursar/internal/catalog"
	"github.com/tokenforge/bursar/internal/handlers"
	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/internal/stars"
	"github.com/tokenforge/bursar/internal/stripe"
	"github.com/tokenforge/bursar/internal/yookassa"
	"github.com/tokenforge/bursar/pkg/config"
	"github.com/tokenforge/bursar/pkg/database"
	"github.com/tokenforge/bursar/pkg/logging"
	"github.com/tokenforge/bursar/pkg/monitoring"
	"github.com/tokenforge/bursar/pkg/server"
	"github.com/tokenforge/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Billing & Subscription Ledger)")

	dbURL := config.RequireEnv("DATABASE_URL")
	tariffsPath := config.GetEnv("TARIFFS_PATH", "tariffs.yaml")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Load the tariff catalog
	cat, err := catalog.Load(tariffsPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load tariff catalog")
	}
	logger.WithField("tariffs", len(cat.Tariffs)).Info("Loaded tariff catalog")

	// Env overrides for the billing knobs shipped in the catalog file
	cat.Billing.RenewalMaxAttempts = config.GetEnvInt("RENEWAL_MAX_ATTEMPTS", cat.Billing.RenewalMaxAttempts)
	cat.Billing.StalePastDueDays = config.GetEnvInt("STALE_PAST_DUE_DAYS", cat.Billing.StalePastDueDays)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"TARIFFS_PATH": tariffsPath,
	}))

	// Build the provider registry from whatever credentials are present.
	// A provider without credentials is simply absent, not half-configured.
	registry := buildRegistry(logger)
	logger.WithField("providers", registry.Names()).Info("Configured payment providers")

	// Create custom billing metrics
	metrics := &handlers.BursarMetrics{
		PaymentsCreated:      metricsCollector.NewCounter("payments_created_total", "Payments initiated", []string{"provider"}),
		WebhooksProcessed:    metricsCollector.NewCounter("webhooks_processed_total", "Provider events processed", []string{"provider", "result"}),
		LedgerEntries:        metricsCollector.NewCounter("ledger_entries_total", "Ledger entries written", []string{"kind"}),
		RenewalAttempts:      metricsCollector.NewCounter("renewal_attempts_total", "Subscription renewal attempts", []string{"result"}),
		SubscriptionsExpired: metricsCollector.NewCounter("subscriptions_expired_total", "Subscriptions expired", nil).WithLabelValues(),
		LedgerAuditDrift:     metricsCollector.NewCounter("ledger_audit_drift_total", "Accounts found drifted by the ledger audit", nil).WithLabelValues(),
		PaymentAmount:        metricsCollector.NewHistogram("payment_amount", "Payment amounts by provider and currency", []string{"provider", "currency"}, nil),
	}

	notifier := handlers.NewNotifier(config.GetEnv("NOTIFY_URL", ""), logger)

	// Initialize handlers
	handlers.Init(db, logger, metrics, registry, cat, notifier)

	// Initialize and start JobManager for background billing sweeps
	jobManager := handlers.NewJobManager(db, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// Payment initiation and account endpoints (service-to-service; the
	// chat layer fronts all user interaction)
	router.POST("/payments", handlers.HandleCreatePayment)
	router.POST("/payments/:id/refund", handlers.HandleRefundPayment)
	router.GET("/accounts/:id/balance", handlers.HandleGetBalance)
	router.GET("/accounts/:id/history", handlers.HandleGetHistory)
	router.GET("/accounts/:id/subscription", handlers.HandleGetSubscription)
	router.POST("/accounts/:id/subscription/cancel", handlers.HandleCancelSubscription)
	router.POST("/accounts/:id/charge", handlers.HandleChargeTokens)
	router.POST("/accounts/:id/credit", handlers.HandleCreditTokens)

	// Provider event ingestion
	router.POST("/webhooks/yookassa", handlers.HandleYooKassaWebhook)
	router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)
	router.POST("/events/stars", handlers.HandleStarsEvent)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

func buildRegistry(logger logging.Logger) *providers.Registry {
	var list []providers.Provider

	if shopID := config.GetEnv("YOOKASSA_SHOP_ID", ""); shopID != "" {
		client, err := yookassa.NewClient(yookassa.Config{
			ShopID:    shopID,
			SecretKey: config.RequireEnv("YOOKASSA_SECRET_KEY"),
			Logger:    logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure YooKassa client")
		}
		list = append(list, client)
	}

	if secretKey := config.GetEnv("STRIPE_SECRET_KEY", ""); secretKey != "" {
		list = append(list, stripe.NewClient(stripe.Config{
			SecretKey:     secretKey,
			WebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		}))
	}

	if config.GetEnvBool("STARS_ENABLED", false) {
		list = append(list, stars.NewClient(stars.Config{Logger: logger}))
	}

	if len(list) == 0 {
		logger.Warn("No payment providers configured, only read endpoints will work")
	}
	return providers.NewRegistry(list...)
}
