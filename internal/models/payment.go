package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// PAYMENT TRANSACTIONS (payment_transactions table)
// ============================================================================

// PaymentTransactionStatus is the state of one payment attempt
type PaymentTransactionStatus string

const (
	PaymentInitiated PaymentTransactionStatus = "INITIATED"
	PaymentSucceeded PaymentTransactionStatus = "SUCCEEDED"
	PaymentFailed    PaymentTransactionStatus = "FAILED"
	// PaymentRefundRequired is money captured for a booking another attempt already paid
	PaymentRefundRequired PaymentTransactionStatus = "REFUND_REQUIRED"
)

// PaymentTransaction is one payment attempt against a booking
type PaymentTransaction struct {
	ID                    uuid.UUID                `db:"id"`
	BookingID             uuid.UUID                `db:"booking_id"`
	Provider              string                   `db:"provider"`
	ProviderTransactionID string                   `db:"provider_transaction_id"`
	Amount                decimal.Decimal          `db:"amount"`
	Currency              string                   `db:"currency"`
	Status                PaymentTransactionStatus `db:"status"`
	FailureReason         sql.NullString           `db:"failure_reason"`
	CreatedAt             time.Time                `db:"created_at"`
	UpdatedAt             time.Time                `db:"updated_at"`
}

// InitiatePaymentRequest is the body of POST /bookings/:id/pay
type InitiatePaymentRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// InitiatePaymentResponse carries the provider redirect
type InitiatePaymentResponse struct {
	PaymentURL     string          `json:"paymentUrl"`
	Provider       string          `json:"provider"`
	TransactionRef string          `json:"transactionRef"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// ============================================================================
// WEBHOOK LOG (payment_webhook_logs table)
// ============================================================================

// WebhookLogStatus is the processing state of one inbound notification
type WebhookLogStatus string

const (
	WebhookReceived  WebhookLogStatus = "RECEIVED"
	WebhookVerified  WebhookLogStatus = "VERIFIED"
	WebhookApplied   WebhookLogStatus = "APPLIED"
	WebhookRejected  WebhookLogStatus = "REJECTED"
	WebhookDuplicate WebhookLogStatus = "DUPLICATE"
)

// WebhookSource distinguishes browser returns from server notifications
type WebhookSource string

const (
	SourceCallback WebhookSource = "CALLBACK"
	SourceWebhook  WebhookSource = "WEBHOOK"
)

// PaymentWebhookLog is the dedup ledger row for one fingerprint
type PaymentWebhookLog struct {
	ID                    uuid.UUID        `db:"id"`
	Provider              string           `db:"provider"`
	Fingerprint           string           `db:"fingerprint"`
	Source                WebhookSource    `db:"source"`
	Payload               string           `db:"payload"`
	VerificationResult    sql.NullString   `db:"verification_result"`
	Status                WebhookLogStatus `db:"status"`
	ProviderTransactionID sql.NullString   `db:"provider_transaction_id"`
	DuplicateCount        int              `db:"duplicate_count"`
	ClaimedAt             sql.NullTime     `db:"claimed_at"`
	IsDeleted             bool             `db:"is_deleted"`
	CreatedAt             time.Time        `db:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at"`
}

// IsClaimStale reports whether an unfinished row may be taken over
func (l *PaymentWebhookLog) IsClaimStale(now time.Time, lease time.Duration) bool {
	if !l.ClaimedAt.Valid {
		return true
	}
	return now.Sub(l.ClaimedAt.Time) >= lease
}

// ============================================================================
// RECONCILER I/O
// ============================================================================

// WebhookOutcome is the provider-facing result of processWebhook
type WebhookOutcome string

const (
	OutcomeSuccess          WebhookOutcome = "SUCCESS"
	OutcomeAlreadyProcessed WebhookOutcome = "ALREADY_PROCESSED"
	OutcomeRejected         WebhookOutcome = "REJECTED"
	OutcomeError            WebhookOutcome = "ERROR"
)

// WebhookInput is one inbound callback or webhook delivery
type WebhookInput struct {
	Provider   string
	Source     WebhookSource
	RawPayload []byte
	Signature  string
}

// WebhookResult reports what the reconciler did
type WebhookResult struct {
	Outcome        WebhookOutcome
	Reason         string
	BookingID      *uuid.UUID
	BookingStatus  BookingStatus
	RefundRequired bool
}

// ============================================================================
// COMPENSATION (refund_requests table)
// ============================================================================

// RefundReason explains why money must go back
type RefundReason string

const (
	RefundLockLost         RefundReason = "LOCK_LOST_AFTER_PAYMENT"
	RefundDuplicatePayment RefundReason = "DUPLICATE_PAYMENT"
)

// RefundRequest is an open compensation item for operations
type RefundRequest struct {
	ID                   uuid.UUID       `db:"id"`
	BookingID            uuid.UUID       `db:"booking_id"`
	PaymentTransactionID uuid.UUID       `db:"payment_transaction_id"`
	Amount               decimal.Decimal `db:"amount"`
	Currency             string          `db:"currency"`
	Reason               RefundReason    `db:"reason"`
	Status               string          `db:"status"`
	CreatedAt            time.Time       `db:"created_at"`
}
