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

// WebhookLogRepository handles the payment webhook dedup ledger
type WebhookLogRepository struct {
	db *sqlx.DB
}

// NewWebhookLogRepository creates a new WebhookLogRepository
func NewWebhookLogRepository(db *sqlx.DB) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

// Claim inserts a RECEIVED row for the fingerprint. It returns false when a
// live row already exists; the unique index is what serializes concurrent
// deliveries of the same payload.
func (r *WebhookLogRepository) Claim(ctx context.Context, entry *models.PaymentWebhookLog) (bool, error) {
	var id uuid.UUID
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO payment_webhook_logs (
			id, provider, fingerprint, source, payload, status,
			duplicate_count, claimed_at, is_deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'RECEIVED', 0, $6, FALSE, $6, $6)
		ON CONFLICT (provider, fingerprint) WHERE is_deleted = FALSE DO NOTHING
		RETURNING id`,
		entry.ID, entry.Provider, entry.Fingerprint, entry.Source, entry.Payload, entry.CreatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook log: %w", err)
	}
	return true, nil
}

// GetByFingerprint retrieves the live row for a fingerprint
func (r *WebhookLogRepository) GetByFingerprint(ctx context.Context, provider, fingerprint string) (*models.PaymentWebhookLog, error) {
	entry := &models.PaymentWebhookLog{}
	err := r.db.GetContext(ctx, entry, `
		SELECT id, provider, fingerprint, source, payload, verification_result, status,
		       provider_transaction_id, duplicate_count, claimed_at, is_deleted, created_at, updated_at
		FROM payment_webhook_logs
		WHERE provider = $1 AND fingerprint = $2 AND is_deleted = FALSE`,
		provider, fingerprint,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook log: %w", err)
	}
	return entry, nil
}

// TakeOver re-claims an unfinished row whose previous claim is older than lease
func (r *WebhookLogRepository) TakeOver(ctx context.Context, id uuid.UUID, lease time.Duration, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_webhook_logs
		SET claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('RECEIVED', 'VERIFIED')
		  AND (claimed_at IS NULL OR claimed_at <= $3)`,
		id, now, now.Add(-lease),
	)
	if err != nil {
		return false, fmt.Errorf("failed to take over webhook log: %w", err)
	}
	return affectedOne(result)
}

// RecordDuplicate counts another delivery of an already known fingerprint
func (r *WebhookLogRepository) RecordDuplicate(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_webhook_logs
		SET duplicate_count = duplicate_count + 1, updated_at = $2
		WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record duplicate webhook: %w", err)
	}
	return nil
}

// MarkVerified records a passed signature check
func (r *WebhookLogRepository) MarkVerified(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error {
	return r.setStatus(ctx, id, models.WebhookVerified, providerTxnID, note, now, false)
}

// MarkRejected records a terminal rejection (bad signature, amount mismatch, unknown transaction)
func (r *WebhookLogRepository) MarkRejected(ctx context.Context, id uuid.UUID, providerTxnID, reason string, now time.Time) error {
	return r.setStatus(ctx, id, models.WebhookRejected, providerTxnID, reason, now, true)
}

// MarkApplied records a notification that needed no settlement transaction
func (r *WebhookLogRepository) MarkApplied(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error {
	return r.setStatus(ctx, id, models.WebhookApplied, providerTxnID, note, now, true)
}

// ReleaseClaim lets the next delivery retry immediately after a transient failure
func (r *WebhookLogRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_webhook_logs
		SET claimed_at = NULL
		WHERE id = $1 AND status IN ('RECEIVED', 'VERIFIED')`, id)
	if err != nil {
		return fmt.Errorf("failed to release webhook claim: %w", err)
	}
	return nil
}

func (r *WebhookLogRepository) setStatus(ctx context.Context, id uuid.UUID, status models.WebhookLogStatus, providerTxnID, note string, now time.Time, final bool) error {
	query := `
		UPDATE payment_webhook_logs
		SET status = $2, provider_transaction_id = NULLIF($3, ''), verification_result = $4, updated_at = $5
		WHERE id = $1`
	if final {
		query = `
		UPDATE payment_webhook_logs
		SET status = $2, provider_transaction_id = NULLIF($3, ''), verification_result = $4, updated_at = $5,
		    claimed_at = NULL
		WHERE id = $1`
	}
	_, err := r.db.ExecContext(ctx, query, id, status, providerTxnID, note, now)
	if err != nil {
		return fmt.Errorf("failed to set webhook log status to %s: %w", status, err)
	}
	return nil
}
