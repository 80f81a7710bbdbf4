package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// ErrSettlementConflict means the booking or transaction moved underneath a settlement
var ErrSettlementConflict = errors.New("settlement conflict")

// PaymentRepository handles payment transactions and their settlement
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new PaymentRepository
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const transactionColumns = `id, booking_id, provider, provider_transaction_id, amount, currency,
	status, failure_reason, created_at, updated_at`

// ============================================================================
// TRANSACTIONS
// ============================================================================

// CreateTransaction records a new INITIATED payment attempt
func (r *PaymentRepository) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, booking_id, provider, provider_transaction_id, amount, currency,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'INITIATED', $7, $7)`,
		txn.ID, txn.BookingID, txn.Provider, txn.ProviderTransactionID,
		txn.Amount, txn.Currency, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return nil
}

// GetTransactionByProviderRef retrieves a transaction by the reference the provider echoes back
func (r *PaymentRepository) GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	txn := &models.PaymentTransaction{}
	err := r.db.GetContext(ctx, txn, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE provider = $1 AND provider_transaction_id = $2`,
		provider, ref,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	return txn, nil
}

// MarkTransactionFailed records a provider-reported failure of an INITIATED attempt
func (r *PaymentRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'FAILED', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'INITIATED'`,
		id, reason, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	return affectedOne(result)
}

// ============================================================================
// SETTLEMENT
// ============================================================================

// Settlement is everything written atomically when a successful payment is applied
type Settlement struct {
	BookingID     uuid.UUID
	TransactionID uuid.UUID
	WebhookLogID  uuid.UUID
	// BookingStatus is PAID, or REFUND_REQUIRED when the seats were lost
	BookingStatus models.BookingStatus
	// TransactionStatus is SUCCEEDED, or REFUND_REQUIRED when another attempt already paid the booking
	TransactionStatus models.PaymentTransactionStatus
	FailureReason     string
	Promotion         *AppliedPromotion
	Refund            *models.RefundRequest
	Events            []*models.OutboxEvent
	VerificationNote  string
	Now               time.Time
}

// AppliedPromotion is a consumed promo code
type AppliedPromotion struct {
	Code           string
	CustomerID     uuid.UUID
	DiscountAmount string
}

// Settle applies a verified payment in one transaction and marks the webhook
// log row APPLIED as the last write, so a crash leaves the row retryable.
func (r *PaymentRepository) Settle(ctx context.Context, s *Settlement) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.BookingStatus != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE bookings
			SET status = $2, updated_at = $3
			WHERE id = $1 AND status IN ('AWAITING_PAYMENT', 'EXPIRED')`,
			s.BookingID, s.BookingStatus, s.Now,
		)
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}
		if ok, err := affectedOne(result); err != nil {
			return err
		} else if !ok {
			return ErrSettlementConflict
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $2, failure_reason = NULLIF($3, ''), updated_at = $4
		WHERE id = $1 AND status = 'INITIATED'`,
		s.TransactionID, s.TransactionStatus, s.FailureReason, s.Now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSettlementConflict
		}
		return fmt.Errorf("failed to update payment transaction: %w", err)
	}
	if ok, err := affectedOne(result); err != nil {
		return err
	} else if !ok {
		return ErrSettlementConflict
	}

	if s.Promotion != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO applied_promotions (id, promotion_code, booking_id, customer_id, discount_amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (booking_id) DO NOTHING`,
			uuid.New(), s.Promotion.Code, s.BookingID, s.Promotion.CustomerID, s.Promotion.DiscountAmount, s.Now,
		)
		if err != nil {
			return fmt.Errorf("failed to record applied promotion: %w", err)
		}
	}

	if s.Refund != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refund_requests (id, booking_id, payment_transaction_id, amount, currency, reason, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', $7)
			ON CONFLICT (payment_transaction_id, reason) DO NOTHING`,
			s.Refund.ID, s.Refund.BookingID, s.Refund.PaymentTransactionID,
			s.Refund.Amount, s.Refund.Currency, s.Refund.Reason, s.Now,
		)
		if err != nil {
			return fmt.Errorf("failed to create refund request: %w", err)
		}
	}

	for _, evt := range s.Events {
		if err := insertOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_webhook_logs
		SET status = 'APPLIED', verification_result = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $1`,
		s.WebhookLogID, s.VerificationNote, s.Now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook applied: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}
