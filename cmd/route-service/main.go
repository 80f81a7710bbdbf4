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

	"github.com/smarttransit/booking-settlement/internal/cache"
	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/handlers"
	"github.com/smarttransit/booking-settlement/internal/middleware"
	"github.com/smarttransit/booking-settlement/internal/observability"
	"github.com/smarttransit/booking-settlement/internal/services"
	"github.com/smarttransit/booking-settlement/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

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

	if err := cfg.ValidateRouteService(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"version":     version,
		"build_time":  buildTime,
		"environment": cfg.Server.Environment,
	}).Info("Starting route service")

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Route service stopped: %v", err)
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
		if err := database.InitializeRouteSchema(ctx, db); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		logger.Info("Route schema initialized")
	}

	redisClient := cache.NewRedisClient(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	seatLockService := services.NewSeatLockService(
		database.NewSeatLockRepository(db),
		database.NewTripFareRepository(db),
		cache.NewLockResultCache(redisClient, cfg.Redis.ResultTTL, logger),
		services.SeatLockConfig{MaxTTL: cfg.SeatLock.MaxTTL, MaxSeats: cfg.SeatLock.MaxSeats},
		logger,
	)
	fareService := services.NewFareService(database.NewTripFareRepository(db), cfg.SeatLock.MaxSeats)

	var jobs []services.CronJob
	if cfg.SeatLock.ReaperEnabled {
		jobs = append(jobs, services.SeatLockReaperJob(seatLockService, cfg.SeatLock.ReaperSpec))
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

	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	router.GET("/health", handlers.NewHealthHandler("route-service", version, checks).
		WithInfo("cron", func() interface{} { return cronService.GetJobStatus() }).
		Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.ServiceSecret, cfg.JWT.AccessTokenExpiry, cfg.JWT.ServiceTokenExpiry)
	internal := router.Group("/internal/v1")
	internal.Use(middleware.ServiceAuthMiddleware(jwtService, logger))
	handlers.NewRouteHandler(seatLockService, fareService, logger).RegisterRoutes(internal)

	return serve(ctx, &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, logger)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests
func serve(ctx context.Context, srv *http.Server, logger *logrus.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

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
