package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for both services
type Config struct {
	// Server configuration
	Server ServerConfig
	// Database configuration
	Database DatabaseConfig
	// JWT configuration (customer tokens and service-to-service tokens)
	JWT JWTConfig
	// Redis configuration (optional lock result cache)
	Redis RedisConfig
	// RabbitMQ configuration (outbox relay)
	RabbitMQ RabbitMQConfig
	// Route service client configuration (booking side)
	RouteService RouteServiceConfig
	// Seat lock configuration (route side)
	SeatLock SeatLockConfig
	// Booking configuration (booking side)
	Booking BookingConfig
	// Webhook reconciliation configuration
	Webhook WebhookConfig
	// Rate limiting configuration
	RateLimit RateLimitConfig
	// CORS configuration
	CORS CORSConfig
	// Telemetry configuration
	Telemetry TelemetryConfig
	// Payment gateway configuration
	Payment PaymentConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	Driver             string // "postgres" (lib/pq) or "pgx"
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	AutoMigrate        bool
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret             string
	ServiceSecret      string
	ServiceName        string
	AccessTokenExpiry  time.Duration
	ServiceTokenExpiry time.Duration
	// CustomerRoles are the roles allowed on the booking API
	CustomerRoles []string
}

// RedisConfig holds Redis connection settings. Empty Addr disables the cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ResultTTL time.Duration
}

// RabbitMQConfig holds broker settings. Empty URL disables the outbox relay.
type RabbitMQConfig struct {
	URL          string
	Exchange     string
	PollInterval time.Duration
	BatchSize    int
}

// RouteServiceConfig holds the booking service's view of the route service
type RouteServiceConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// SeatLockConfig holds seat lock limits
type SeatLockConfig struct {
	MaxTTL        time.Duration
	MaxSeats      int
	ReaperSpec    string
	ReaperEnabled bool
}

// BookingConfig holds booking draft settings
type BookingConfig struct {
	HoldTTL            time.Duration
	DraftTimeout       time.Duration
	PromoInvalidPolicy string // "abort" or "proceed"
	ReaperSpec         string
	ReaperEnabled      bool
}

// WebhookConfig holds webhook reconciliation settings
type WebhookConfig struct {
	ClaimLease      time.Duration
	SignatureHeader string
}

// RateLimitConfig holds rate limiting configuration for draft creation
type RateLimitConfig struct {
	DraftsPerSecond float64
	DraftBurst      int
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// PaymentConfig holds per-provider credentials
type PaymentConfig struct {
	ReturnURL string // frontend page that receives the provider-neutral result
	Payable   PayableConfig
	MoMo      MoMoConfig
	VNPay     VNPayConfig
	ZaloPay   ZaloPayConfig
}

// PayableConfig holds PAYable IPG configuration
type PayableConfig struct {
	Environment   string // "sandbox" or "production"
	MerchantKey   string
	MerchantToken string // SECRET - never expose to client
	CheckoutURL   string
	ReturnURL     string
	WebhookURL    string
}

// MoMoConfig holds MoMo wallet configuration
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	CheckoutURL string
	ReturnURL   string
	WebhookURL  string
}

// VNPayConfig holds VNPay configuration
type VNPayConfig struct {
	TmnCode     string
	HashSecret  string
	CheckoutURL string
	ReturnURL   string
}

// ZaloPayConfig holds ZaloPay configuration
type ZaloPayConfig struct {
	AppID       string
	Key1        string
	Key2        string
	CheckoutURL string
	ReturnURL   string
	WebhookURL  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			Driver:             getEnv("DATABASE_DRIVER", "postgres"),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 20),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", false),
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			ServiceSecret:      getEnv("JWT_SERVICE_SECRET", ""),
			ServiceName:        getEnv("SERVICE_NAME", "booking-service"),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
			ServiceTokenExpiry: time.Duration(getEnvAsInt("JWT_SERVICE_TOKEN_EXPIRY", 300)) * time.Second,
			CustomerRoles:      getEnvAsSlice("JWT_CUSTOMER_ROLES", []string{"passenger"}),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			ResultTTL: getEnvAsDuration("REDIS_LOCK_RESULT_TTL", 30*time.Minute),
		},
		RabbitMQ: RabbitMQConfig{
			URL:          getEnv("RABBITMQ_URL", ""),
			Exchange:     getEnv("RABBITMQ_EXCHANGE", "booking.events"),
			PollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
		},
		RouteService: RouteServiceConfig{
			BaseURL:        getEnv("ROUTE_SERVICE_URL", "http://localhost:8081"),
			RequestTimeout: getEnvAsDuration("ROUTE_SERVICE_TIMEOUT", 3*time.Second),
			MaxAttempts:    getEnvAsInt("ROUTE_SERVICE_MAX_ATTEMPTS", 3),
			RetryBackoff:   getEnvAsDuration("ROUTE_SERVICE_RETRY_BACKOFF", 200*time.Millisecond),
		},
		SeatLock: SeatLockConfig{
			MaxTTL:        getEnvAsDuration("SEAT_LOCK_MAX_TTL", 30*time.Minute),
			MaxSeats:      getEnvAsInt("SEAT_LOCK_MAX_SEATS", 10),
			ReaperSpec:    getEnv("SEAT_LOCK_REAPER_SPEC", "@every 1m"),
			ReaperEnabled: getEnvAsBool("SEAT_LOCK_REAPER_ENABLED", true),
		},
		Booking: BookingConfig{
			HoldTTL:            getEnvAsDuration("BOOKING_HOLD_TTL", 10*time.Minute),
			DraftTimeout:       getEnvAsDuration("BOOKING_DRAFT_TIMEOUT", 2*time.Minute),
			PromoInvalidPolicy: getEnv("PROMO_INVALID_POLICY", "abort"),
			ReaperSpec:         getEnv("BOOKING_REAPER_SPEC", "@every 1m"),
			ReaperEnabled:      getEnvAsBool("BOOKING_REAPER_ENABLED", true),
		},
		Webhook: WebhookConfig{
			ClaimLease:      getEnvAsDuration("WEBHOOK_CLAIM_LEASE", 2*time.Minute),
			SignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Payment-Signature"),
		},
		RateLimit: RateLimitConfig{
			DraftsPerSecond: getEnvAsFloat("DRAFT_RATE_LIMIT_RPS", 2),
			DraftBurst:      getEnvAsInt("DRAFT_RATE_LIMIT_BURST", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getEnv("OTEL_SERVICE_NAME", getEnv("SERVICE_NAME", "booking-service")),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Payment: PaymentConfig{
			ReturnURL: getEnv("PAYMENT_RETURN_URL", ""),
			Payable: PayableConfig{
				Environment:   getEnv("PAYABLE_ENVIRONMENT", "sandbox"),
				MerchantKey:   getEnv("PAYABLE_MERCHANT_KEY", ""),
				MerchantToken: getEnv("PAYABLE_MERCHANT_TOKEN", ""),
				CheckoutURL:   getEnv("PAYABLE_CHECKOUT_URL", "https://sandboxipgpayment.payable.lk/ipg/sandbox"),
				ReturnURL:     getEnv("PAYABLE_RETURN_URL", ""),
				WebhookURL:    getEnv("PAYABLE_WEBHOOK_URL", ""),
			},
			MoMo: MoMoConfig{
				PartnerCode: getEnv("MOMO_PARTNER_CODE", ""),
				AccessKey:   getEnv("MOMO_ACCESS_KEY", ""),
				SecretKey:   getEnv("MOMO_SECRET_KEY", ""),
				CheckoutURL: getEnv("MOMO_CHECKOUT_URL", "https://test-payment.momo.vn/v2/gateway/pay"),
				ReturnURL:   getEnv("MOMO_RETURN_URL", ""),
				WebhookURL:  getEnv("MOMO_WEBHOOK_URL", ""),
			},
			VNPay: VNPayConfig{
				TmnCode:     getEnv("VNPAY_TMN_CODE", ""),
				HashSecret:  getEnv("VNPAY_HASH_SECRET", ""),
				CheckoutURL: getEnv("VNPAY_CHECKOUT_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
				ReturnURL:   getEnv("VNPAY_RETURN_URL", ""),
			},
			ZaloPay: ZaloPayConfig{
				AppID:       getEnv("ZALOPAY_APP_ID", ""),
				Key1:        getEnv("ZALOPAY_KEY1", ""),
				Key2:        getEnv("ZALOPAY_KEY2", ""),
				CheckoutURL: getEnv("ZALOPAY_CHECKOUT_URL", "https://sb-openapi.zalopay.vn/v2/gateway"),
				ReturnURL:   getEnv("ZALOPAY_RETURN_URL", ""),
				WebhookURL:  getEnv("ZALOPAY_WEBHOOK_URL", ""),
			},
		},
	}

	return config, nil
}

// ValidateRouteService validates the settings the route service needs
func (c *Config) ValidateRouteService() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.JWT.ServiceSecret == "" {
		return fmt.Errorf("JWT_SERVICE_SECRET is required")
	}
	if c.SeatLock.MaxTTL <= 0 {
		return fmt.Errorf("SEAT_LOCK_MAX_TTL must be positive")
	}
	if c.SeatLock.MaxSeats <= 0 {
		return fmt.Errorf("SEAT_LOCK_MAX_SEATS must be positive")
	}
	return nil
}

// ValidateBookingService validates the settings the booking service needs
func (c *Config) ValidateBookingService() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWT.ServiceSecret == "" {
		return fmt.Errorf("JWT_SERVICE_SECRET is required")
	}
	if len(c.JWT.CustomerRoles) == 0 {
		return fmt.Errorf("JWT_CUSTOMER_ROLES must name at least one role")
	}
	if c.RouteService.BaseURL == "" {
		return fmt.Errorf("ROUTE_SERVICE_URL is required")
	}
	if c.RouteService.MaxAttempts < 1 {
		return fmt.Errorf("ROUTE_SERVICE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Booking.HoldTTL <= 0 {
		return fmt.Errorf("BOOKING_HOLD_TTL must be positive")
	}
	switch c.Booking.PromoInvalidPolicy {
	case "abort", "proceed":
	default:
		return fmt.Errorf("invalid PROMO_INVALID_POLICY: %s (must be 'abort' or 'proceed')", c.Booking.PromoInvalidPolicy)
	}
	return nil
}

func (c *Config) validateCommon() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'postgres' or 'pgx')", c.Database.Driver)
	}
	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %g", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
