package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/handlers"
	"github.com/smarttransit/booking-settlement/internal/messaging"
	"github.com/smarttransit/booking-settlement/internal/middleware"
	"github.com/smarttransit/booking-settlement/internal/observability"
	"github.com/smarttransit/booking-settlement/internal/routeclient"
	"github.com/smarttransit/booking-settlement/internal/services"
	"github.com/smarttransit/booking-settlement/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// reaperBatchSize bounds how many overdue bookings one reaper run expires
const reaperBatchSize = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if err := cfg.ValidateBookingService(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"version":     version,
		"build_time":  buildTime,
		"environment": cfg.Server.Environment,
	}).Info("Starting booking service")

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Booking service stopped: %v", err)
	}
	logger.Info("Server exited successfully")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Database connected successfully")

	if cfg.Database.AutoMigrate {
		if err := database.InitializeBookingSchema(ctx, db); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		logger.Info("Booking schema initialized")
	}

	// Repositories
	bookingRepo := database.NewBookingRepository(db)
	paymentRepo := database.NewPaymentRepository(db)
	outboxRepo := database.NewOutboxRepository(db)

	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.ServiceSecret, cfg.JWT.AccessTokenExpiry, cfg.JWT.ServiceTokenExpiry)
	routeClient := routeclient.New(cfg.RouteService, jwt.NewServiceTokenSource(jwtService, cfg.JWT.ServiceName), logger)

	// Services
	pricingService := services.NewPricingService(routeClient, database.NewPromotionRepository(db), logger)
	orchestrator := services.NewBookingOrchestratorService(
		bookingRepo,
		pricingService,
		routeClient,
		outboxRepo,
		services.BookingOrchestratorConfig{
			HoldTTL:            cfg.Booking.HoldTTL,
			DraftTimeout:       cfg.Booking.DraftTimeout,
			PromoInvalidPolicy: cfg.Booking.PromoInvalidPolicy,
			MaxSeats:           cfg.SeatLock.MaxSeats,
		},
		logger,
	)
	gateways := gateway.NewRegistryFromConfig(cfg.Payment, &http.Client{Timeout: 15 * time.Second}, logger)
	logger.WithField("providers", gateways.Names()).Info("Payment gateways registered")
	paymentService := services.NewPaymentService(bookingRepo, paymentRepo, gateways, logger)
	reconciler := services.NewWebhookReconcilerService(
		database.NewWebhookLogRepository(db),
		paymentRepo,
		bookingRepo,
		routeClient,
		gateways,
		cfg.Webhook.ClaimLease,
		logger,
	)

	var relay *services.OutboxRelayService
	if cfg.RabbitMQ.URL != "" {
		publisher, err := messaging.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connect publisher: %w", err)
		}
		defer publisher.Close()
		relay = services.NewOutboxRelayService(outboxRepo, publisher, cfg.RabbitMQ.PollInterval, cfg.RabbitMQ.BatchSize, logger)
	} else {
		logger.Warn("RABBITMQ_URL not set, outbox events stay unpublished")
	}

	var jobs []services.CronJob
	if cfg.Booking.ReaperEnabled {
		jobs = append(jobs, services.BookingReaperJob(orchestrator, cfg.Booking.ReaperSpec, reaperBatchSize))
	}
	cronService := services.NewCronService(logger, jobs...)
	if err := cronService.Start(); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	defer cronService.Stop()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(middleware.Metrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	health := handlers.NewHealthHandler("booking-service", version, map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
	}).
		WithInfo("cron", func() interface{} { return cronService.GetJobStatus() }).
		WithInfo("payment_providers", func() interface{} { return gateways.Names() })
	router.GET("/health", health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Payment provider redirects and notifications carry no customer token
		handlers.NewPaymentHandler(reconciler, cfg.Payment.ReturnURL, cfg.Webhook.SignatureHeader, logger).RegisterRoutes(v1)

		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware(jwtService, logger), middleware.RequireRole(cfg.JWT.CustomerRoles...))
		draftLimiter := middleware.NewRateLimiter(cfg.RateLimit.DraftsPerSecond, cfg.RateLimit.DraftBurst, middleware.KeyByUserOrIP())
		handlers.NewBookingHandler(orchestrator, paymentService, logger).RegisterRoutes(protected, draftLimiter.Handler())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error { return relay.Run(ctx) })
	}

	if cfg.Booking.ReaperEnabled {
		// Catch up on bookings that lapsed while the service was down
		g.Go(func() error { return cronService.RunNow(services.BookingReaperJobName) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Server forced to shutdown: %v", err)
			return err
		}
		return nil
	})

	return g.Wait()
}
