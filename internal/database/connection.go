package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // registers the "postgres" driver
	"github.com/smarttransit/booking-settlement/internal/config"
)

const uniqueViolationCode = "23505"

// NewConnection creates a new database connection
func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	// Connection poolers (Supavisor, pgbouncer) reject extended protocol
	// prepared statements; pgx needs to be told to use the simple protocol.
	connectionURL := cfg.URL
	if driver == "pgx" && !strings.Contains(connectionURL, "default_query_exec_mode") {
		separator := "?"
		if strings.Contains(connectionURL, "?") {
			separator = "&"
		}
		connectionURL = connectionURL + separator + "default_query_exec_mode=simple_protocol"
	}

	db, err := sqlx.Connect(driver, connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Ping checks connectivity with a deadline-bound context
func Ping(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a unique constraint violation
// from either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
