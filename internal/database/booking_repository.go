package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// BookingRepository handles database operations for bookings
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, booking_code, idem_key, customer_id, trip_id, seat_numbers, status,
	pricing_snapshot, total_amount, currency, lock_id, conflicting_seats, failure_reason,
	expires_at, created_at, updated_at`

// ============================================================================
// READS
// ============================================================================

// GetByIdemKey retrieves the booking created for an idempotency key
func (r *BookingRepository) GetByIdemKey(ctx context.Context, idemKey string) (*models.Booking, error) {
	booking := &models.Booking{}
	err := r.db.GetContext(ctx, booking,
		`SELECT `+bookingColumns+` FROM bookings WHERE idem_key = $1`, idemKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking by idem key: %w", err)
	}
	return booking, nil
}

// GetByID retrieves a booking by ID
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	booking := &models.Booking{}
	err := r.db.GetContext(ctx, booking,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return booking, nil
}

// ListExpired returns bookings in status whose deadline is at or before now
func (r *BookingRepository) ListExpired(ctx context.Context, status models.BookingStatus, now time.Time, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`,
		status, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	return bookings, nil
}

// ============================================================================
// DRAFT LIFECYCLE
// ============================================================================

// InsertDraft persists a DRAFT booking. It returns false when another
// request already owns the idempotency key; nothing is written in that case.
func (r *BookingRepository) InsertDraft(ctx context.Context, b *models.Booking) (bool, error) {
	var id uuid.UUID
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO bookings (
			id, booking_code, idem_key, customer_id, trip_id, seat_numbers, status,
			pricing_snapshot, total_amount, currency, conflicting_seats,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'DRAFT', $7, $8, $9, '{}', $10, $11, $11)
		ON CONFLICT (idem_key) DO NOTHING
		RETURNING id`,
		b.ID, b.BookingCode, b.IdemKey, b.CustomerID, b.TripID, b.SeatNumbers,
		b.PricingSnapshot, b.TotalAmount, b.Currency, b.ExpiresAt, b.CreatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert draft booking: %w", err)
	}
	return true, nil
}

// MarkAwaitingPayment moves a DRAFT to AWAITING_PAYMENT after its seats are locked
func (r *BookingRepository) MarkAwaitingPayment(ctx context.Context, id, lockID uuid.UUID, expiresAt, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'AWAITING_PAYMENT', lock_id = $2, expires_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'DRAFT'`,
		id, lockID, expiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark booking awaiting payment: %w", err)
	}
	return affectedOne(result)
}

// MarkFailed moves a DRAFT to FAILED, keeping the seats that were unavailable
func (r *BookingRepository) MarkFailed(ctx context.Context, id uuid.UUID, conflicts []string, reason string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'FAILED', conflicting_seats = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1 AND status = 'DRAFT'`,
		id, models.StringArray(conflicts), reason, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark booking failed: %w", err)
	}
	return affectedOne(result)
}

// MarkExpired moves a booking from the given status to EXPIRED
func (r *BookingRepository) MarkExpired(ctx context.Context, id uuid.UUID, from models.BookingStatus, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'EXPIRED', updated_at = $3
		WHERE id = $1 AND status = $2`,
		id, from, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark booking expired: %w", err)
	}
	return affectedOne(result)
}

// Cancel moves an unpaid booking to CANCELLED
func (r *BookingRepository) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status IN ('DRAFT', 'AWAITING_PAYMENT')`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel booking: %w", err)
	}
	return affectedOne(result)
}

func affectedOne(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
