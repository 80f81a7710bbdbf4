package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/route.sql
var routeSchema string

//go:embed migrations/booking.sql
var bookingSchema string

// InitializeRouteSchema creates the route service tables if they are missing
func InitializeRouteSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, routeSchema); err != nil {
		return fmt.Errorf("failed to initialize route schema: %w", err)
	}
	return nil
}

// InitializeBookingSchema creates the booking service tables if they are missing
func InitializeBookingSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, bookingSchema); err != nil {
		return fmt.Errorf("failed to initialize booking schema: %w", err)
	}
	return nil
}
