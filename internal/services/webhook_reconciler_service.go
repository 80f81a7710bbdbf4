package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/observability"
)

// WebhookLogStore is the dedup ledger of inbound notifications
type WebhookLogStore interface {
	Claim(ctx context.Context, entry *models.PaymentWebhookLog) (bool, error)
	GetByFingerprint(ctx context.Context, provider, fingerprint string) (*models.PaymentWebhookLog, error)
	TakeOver(ctx context.Context, id uuid.UUID, lease time.Duration, now time.Time) (bool, error)
	RecordDuplicate(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkVerified(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error
	MarkRejected(ctx context.Context, id uuid.UUID, providerTxnID, reason string, now time.Time) error
	MarkApplied(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

// WebhookReconcilerService applies provider notifications exactly once
type WebhookReconcilerService struct {
	logs       WebhookLogStore
	payments   PaymentStore
	bookings   BookingStore
	locks      SeatLocker
	gateways   Gateways
	claimLease time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

// NewWebhookReconcilerService creates a new WebhookReconcilerService
func NewWebhookReconcilerService(
	logs WebhookLogStore,
	payments PaymentStore,
	bookings BookingStore,
	locks SeatLocker,
	gateways Gateways,
	claimLease time.Duration,
	logger *logrus.Logger,
) *WebhookReconcilerService {
	return &WebhookReconcilerService{
		logs:       logs,
		payments:   payments,
		bookings:   bookings,
		locks:      locks,
		gateways:   gateways,
		claimLease: claimLease,
		logger:     logger,
		now:        time.Now,
	}
}

// Fingerprint identifies one delivery: blake2b-256 over provider, payload and signature
func Fingerprint(provider string, raw []byte, signature string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write(raw)
	h.Write([]byte{0})
	h.Write([]byte(signature))
	return hex.EncodeToString(h.Sum(nil))
}

// ProcessWebhook verifies and applies one callback or webhook delivery.
// The result is never nil unless the provider is unknown. An ERROR outcome
// comes with the cause and leaves the delivery retryable.
func (s *WebhookReconcilerService) ProcessWebhook(ctx context.Context, in models.WebhookInput) (result *models.WebhookResult, err error) {
	gw, err := s.gateways.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	defer func() {
		if result != nil {
			observability.WebhooksProcessed.WithLabelValues(gw.Name(), string(result.Outcome)).Inc()
		}
	}()

	now := s.now().UTC()
	entry := &models.PaymentWebhookLog{
		ID:          uuid.New(),
		Provider:    gw.Name(),
		Fingerprint: Fingerprint(gw.Name(), in.RawPayload, in.Signature),
		Source:      in.Source,
		Payload:     string(in.RawPayload),
		Status:      models.WebhookReceived,
		CreatedAt:   now,
	}

	log := s.logger.WithFields(logrus.Fields{
		"provider": gw.Name(),
		"source":   in.Source,
	})

	// 1. Claim the fingerprint
	claimed, err := s.logs.Claim(ctx, entry)
	if err != nil {
		return errorResult("claim failed"), err
	}
	if !claimed {
		existing, res, err := s.resolveExisting(ctx, entry, now)
		if res != nil || err != nil {
			return res, err
		}
		entry = existing
	}
	log = log.WithField("webhook_log_id", entry.ID)

	result, err = s.process(ctx, gw, entry, in, log)
	if err != nil {
		// Let the provider's retry get through right away
		if rerr := s.logs.ReleaseClaim(ctx, entry.ID); rerr != nil {
			log.WithError(rerr).Warn("Failed to release webhook claim")
		}
		log.WithError(err).Error("Webhook processing failed")
	}
	return result, err
}

// resolveExisting decides what to do with a fingerprint seen before. It
// returns the row to continue with when a stale claim was taken over.
func (s *WebhookReconcilerService) resolveExisting(ctx context.Context, entry *models.PaymentWebhookLog, now time.Time) (*models.PaymentWebhookLog, *models.WebhookResult, error) {
	existing, err := s.logs.GetByFingerprint(ctx, entry.Provider, entry.Fingerprint)
	if err != nil {
		return nil, errorResult("lookup failed"), err
	}
	if existing == nil {
		return nil, errorResult("claim lost"), fmt.Errorf("webhook log for fingerprint disappeared")
	}

	duplicate := func(res *models.WebhookResult) (*models.PaymentWebhookLog, *models.WebhookResult, error) {
		if err := s.logs.RecordDuplicate(ctx, existing.ID, now); err != nil {
			s.logger.WithError(err).WithField("webhook_log_id", existing.ID).Warn("Failed to count duplicate webhook")
		}
		return nil, res, nil
	}

	switch existing.Status {
	case models.WebhookApplied, models.WebhookDuplicate:
		res := &models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed}
		s.attachBooking(ctx, existing, res)
		return duplicate(res)
	case models.WebhookRejected:
		return duplicate(&models.WebhookResult{Outcome: models.OutcomeRejected, Reason: existing.VerificationResult.String})
	}

	// Still RECEIVED or VERIFIED: another worker holds it unless its claim is stale
	if !existing.IsClaimStale(now, s.claimLease) {
		return duplicate(&models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, Reason: "in progress"})
	}
	took, err := s.logs.TakeOver(ctx, existing.ID, s.claimLease, now)
	if err != nil {
		return nil, errorResult("take over failed"), err
	}
	if !took {
		return duplicate(&models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, Reason: "in progress"})
	}

	s.logger.WithField("webhook_log_id", existing.ID).Warn("Took over stale webhook claim")
	return existing, nil, nil
}

// attachBooking fills in the booking a replayed delivery settled, so a
// refreshed return page shows the real booking state.
func (s *WebhookReconcilerService) attachBooking(ctx context.Context, existing *models.PaymentWebhookLog, res *models.WebhookResult) {
	if !existing.ProviderTransactionID.Valid || existing.ProviderTransactionID.String == "" {
		return
	}
	log := s.logger.WithField("webhook_log_id", existing.ID)
	txn, err := s.payments.GetTransactionByProviderRef(ctx, existing.Provider, existing.ProviderTransactionID.String)
	if err != nil || txn == nil {
		if err != nil {
			log.WithError(err).Warn("Failed to load transaction for replayed webhook")
		}
		return
	}
	booking, err := s.bookings.GetByID(ctx, txn.BookingID)
	if err != nil || booking == nil {
		if err != nil {
			log.WithError(err).Warn("Failed to load booking for replayed webhook")
		}
		return
	}
	res.BookingID = &booking.ID
	res.BookingStatus = booking.Status
	res.RefundRequired = booking.Status == models.BookingRefundRequired || txn.Status == models.PaymentRefundRequired
}

func (s *WebhookReconcilerService) process(
	ctx context.Context,
	gw gateway.Gateway,
	entry *models.PaymentWebhookLog,
	in models.WebhookInput,
	log *logrus.Entry,
) (*models.WebhookResult, error) {
	// 2. Verify the signature
	params, err := s.params(gw, in)
	if err != nil {
		return s.reject(ctx, entry, "", "malformed payload", log)
	}
	canonical := gw.VerifyCallback(params)
	if !canonical.Valid {
		sigErr := &models.SignatureInvalidError{Provider: gw.Name()}
		log.WithField("reason", canonical.Message).Warn("Rejected webhook with invalid signature")
		return s.reject(ctx, entry, "", sigErr.Error(), log)
	}

	now := s.now().UTC()
	if err := s.logs.MarkVerified(ctx, entry.ID, canonical.TransactionID, string(canonical.Status), now); err != nil {
		return errorResult("verify failed"), err
	}
	log = log.WithFields(logrus.Fields{
		"transaction_ref": canonical.TransactionID,
		"status":          canonical.Status,
	})

	// 3. Match the attempt and its booking
	txn, err := s.payments.GetTransactionByProviderRef(ctx, gw.Name(), canonical.TransactionID)
	if err != nil {
		return errorResult("transaction lookup failed"), err
	}
	if txn == nil {
		return s.reject(ctx, entry, canonical.TransactionID, "unknown transaction", log)
	}
	booking, err := s.bookings.GetByID(ctx, txn.BookingID)
	if err != nil {
		return errorResult("booking lookup failed"), err
	}
	if booking == nil {
		return s.reject(ctx, entry, canonical.TransactionID, "unknown booking", log)
	}
	log = log.WithField("booking_id", booking.ID)

	switch canonical.Status {
	case gateway.StatusPending:
		return s.applyNoop(ctx, entry, canonical.TransactionID, "pending", booking)
	case gateway.StatusFailed:
		if _, err := s.payments.MarkTransactionFailed(ctx, txn.ID, failureReason(canonical), now); err != nil {
			return errorResult("update failed"), err
		}
		log.Info("Payment reported failed")
		return s.applyNoop(ctx, entry, canonical.TransactionID, "payment failed", booking)
	}

	return s.applySuccess(ctx, entry, canonical, txn, booking, log)
}

func (s *WebhookReconcilerService) params(gw gateway.Gateway, in models.WebhookInput) (map[string]string, error) {
	if in.Source == models.SourceCallback {
		return gateway.QueryParams(in.RawPayload)
	}
	return gw.WebhookParams(in.RawPayload, in.Signature)
}

// applySuccess settles a verified successful payment. Seats are confirmed on
// the route side first; everything on the booking side is then written in
// one transaction.
func (s *WebhookReconcilerService) applySuccess(
	ctx context.Context,
	entry *models.PaymentWebhookLog,
	canonical gateway.CanonicalResult,
	txn *models.PaymentTransaction,
	booking *models.Booking,
	log *logrus.Entry,
) (*models.WebhookResult, error) {
	// 4. Amount integrity against both the attempt and the frozen snapshot
	if !canonical.Amount.Equal(txn.Amount) || !canonical.Amount.Equal(booking.PricingSnapshot.Total) {
		mismatch := &models.AmountMismatchError{Expected: booking.PricingSnapshot.Total, Actual: canonical.Amount}
		observability.AmountMismatches.WithLabelValues(txn.Provider).Inc()
		log.WithFields(logrus.Fields{
			"expected": mismatch.Expected.StringFixed(2),
			"actual":   mismatch.Actual.StringFixed(2),
		}).Warn("Payment amount mismatch")
		return s.reject(ctx, entry, canonical.TransactionID, mismatch.Error(), log)
	}

	switch txn.Status {
	case models.PaymentSucceeded, models.PaymentRefundRequired:
		// Settled by another delivery, e.g. the webhook after the browser callback
		if err := s.logs.MarkApplied(ctx, entry.ID, canonical.TransactionID, "already settled", s.now().UTC()); err != nil {
			return errorResult("update failed"), err
		}
		return &models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, BookingID: &booking.ID, BookingStatus: booking.Status}, nil
	case models.PaymentFailed:
		log.Error("Success reported for a failed payment attempt")
		return s.reject(ctx, entry, canonical.TransactionID, "transaction already failed", log)
	}

	now := s.now().UTC()
	settlement := &database.Settlement{
		BookingID:         booking.ID,
		TransactionID:     txn.ID,
		WebhookLogID:      entry.ID,
		TransactionStatus: models.PaymentSucceeded,
		VerificationNote:  string(canonical.Status),
		Now:               now,
	}

	switch booking.Status {
	case models.BookingAwaitingPayment, models.BookingExpired:
		if err := s.confirmSeats(ctx, booking, txn, settlement, log); err != nil {
			return errorResult("seat confirmation failed"), err
		}
	case models.BookingPaid, models.BookingRefundRequired:
		// Another attempt already paid for this booking
		settlement.TransactionStatus = models.PaymentRefundRequired
		settlement.FailureReason = string(models.RefundDuplicatePayment)
		settlement.Refund = newRefund(booking, txn, models.RefundDuplicatePayment)
	default:
		// Paid after the customer cancelled or the seats were refused. Seats an
		// earlier delivery confirmed before the cancel are given back.
		settlement.Refund = newRefund(booking, txn, models.RefundLockLost)
		s.releaseConfirmed(ctx, booking, log)
	}

	if settlement.Refund != nil {
		evt, err := models.NewOutboxEvent(booking.ID, models.EventBookingRefundRequired, s.bookingEvent(booking, txn, settlement, now))
		if err != nil {
			return errorResult("event failed"), err
		}
		settlement.Events = append(settlement.Events, evt)
	}

	if err := s.payments.Settle(ctx, settlement); err != nil {
		if errors.Is(err, database.ErrSettlementConflict) {
			return s.resolveConflict(ctx, entry, canonical, txn, log)
		}
		return errorResult("settlement failed"), err
	}

	result := &models.WebhookResult{
		Outcome:       models.OutcomeSuccess,
		BookingID:     &booking.ID,
		BookingStatus: booking.Status,
	}
	if settlement.BookingStatus != "" {
		result.BookingStatus = settlement.BookingStatus
	}

	if settlement.Refund != nil {
		result.RefundRequired = true
		observability.RefundsRequired.WithLabelValues(string(settlement.Refund.Reason)).Inc()
		log.WithFields(logrus.Fields{
			"refund_reason": settlement.Refund.Reason,
			"amount":        settlement.Refund.Amount.StringFixed(2),
		}).Error("Payment received but seats are not held, refund required")
		return result, nil
	}

	log.Info("Payment applied, booking paid")
	return result, nil
}

// confirmSeats fills in the settlement for a booking still waiting for its
// payment: PAID when every seat is confirmed, REFUND_REQUIRED otherwise.
func (s *WebhookReconcilerService) confirmSeats(
	ctx context.Context,
	booking *models.Booking,
	txn *models.PaymentTransaction,
	settlement *database.Settlement,
	log *logrus.Entry,
) error {
	var lost *models.LockLostError
	if booking.LockID == nil {
		lost = &models.LockLostError{LostSeats: booking.SeatNumbers}
	} else if _, err := s.locks.ConfirmLocks(ctx, *booking.LockID, booking.HolderID()); err != nil {
		if !errors.As(err, &lost) {
			return err
		}
	}

	if lost != nil {
		log.WithField("lost_seats", lost.LostSeats).Error("Seat lock lost after payment")
		settlement.BookingStatus = models.BookingRefundRequired
		settlement.Refund = newRefund(booking, txn, models.RefundLockLost)
		return nil
	}

	settlement.BookingStatus = models.BookingPaid
	if promo := booking.PricingSnapshot.Promotion; promo != nil {
		settlement.Promotion = &database.AppliedPromotion{
			Code:           promo.Code,
			CustomerID:     booking.CustomerID,
			DiscountAmount: promo.DiscountAmount.StringFixed(2),
		}
	}

	evt, err := models.NewOutboxEvent(booking.ID, models.EventBookingPaid, s.bookingEvent(booking, txn, settlement, settlement.Now))
	if err != nil {
		return err
	}
	settlement.Events = append(settlement.Events, evt)
	return nil
}

func (s *WebhookReconcilerService) releaseConfirmed(ctx context.Context, booking *models.Booking, log *logrus.Entry) {
	if booking.LockID == nil {
		return
	}
	if err := s.locks.ReleaseLocks(ctx, *booking.LockID); err != nil {
		log.WithError(err).Warn("Failed to release seats of unpayable booking")
	}
}

// resolveConflict runs when the settlement lost a race with another delivery
func (s *WebhookReconcilerService) resolveConflict(
	ctx context.Context,
	entry *models.PaymentWebhookLog,
	canonical gateway.CanonicalResult,
	txn *models.PaymentTransaction,
	log *logrus.Entry,
) (*models.WebhookResult, error) {
	current, err := s.payments.GetTransactionByProviderRef(ctx, txn.Provider, txn.ProviderTransactionID)
	if err != nil {
		return errorResult("transaction lookup failed"), err
	}
	if current != nil && (current.Status == models.PaymentSucceeded || current.Status == models.PaymentRefundRequired) {
		if err := s.logs.MarkApplied(ctx, entry.ID, canonical.TransactionID, "already settled", s.now().UTC()); err != nil {
			return errorResult("update failed"), err
		}
		log.Info("Payment was settled concurrently")
		return &models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, BookingID: &txn.BookingID}, nil
	}
	return errorResult("settlement conflict"), database.ErrSettlementConflict
}

func (s *WebhookReconcilerService) applyNoop(ctx context.Context, entry *models.PaymentWebhookLog, ref, note string, booking *models.Booking) (*models.WebhookResult, error) {
	if err := s.logs.MarkApplied(ctx, entry.ID, ref, note, s.now().UTC()); err != nil {
		return errorResult("update failed"), err
	}
	return &models.WebhookResult{
		Outcome:       models.OutcomeSuccess,
		Reason:        note,
		BookingID:     &booking.ID,
		BookingStatus: booking.Status,
	}, nil
}

func (s *WebhookReconcilerService) reject(ctx context.Context, entry *models.PaymentWebhookLog, ref, reason string, log *logrus.Entry) (*models.WebhookResult, error) {
	if err := s.logs.MarkRejected(ctx, entry.ID, ref, reason, s.now().UTC()); err != nil {
		return errorResult("update failed"), err
	}
	log.WithField("reason", reason).Warn("Webhook rejected")
	return &models.WebhookResult{Outcome: models.OutcomeRejected, Reason: reason}, nil
}

func (s *WebhookReconcilerService) bookingEvent(booking *models.Booking, txn *models.PaymentTransaction, settlement *database.Settlement, now time.Time) models.BookingEvent {
	status := settlement.BookingStatus
	if status == "" {
		status = booking.Status
	}
	evt := models.BookingEvent{
		BookingID:   booking.ID,
		BookingCode: booking.BookingCode,
		CustomerID:  booking.CustomerID,
		TripID:      booking.TripID,
		SeatNumbers: booking.SeatNumbers,
		Status:      status,
		Amount:      txn.Amount.StringFixed(2),
		Currency:    txn.Currency,
		Provider:    txn.Provider,
		OccurredAt:  now,
	}
	if settlement.Refund != nil {
		evt.RefundReason = settlement.Refund.Reason
	}
	return evt
}

func newRefund(booking *models.Booking, txn *models.PaymentTransaction, reason models.RefundReason) *models.RefundRequest {
	return &models.RefundRequest{
		ID:                   uuid.New(),
		BookingID:            booking.ID,
		PaymentTransactionID: txn.ID,
		Amount:               txn.Amount,
		Currency:             txn.Currency,
		Reason:               reason,
		Status:               "OPEN",
	}
}

func failureReason(c gateway.CanonicalResult) string {
	if c.Message == "" {
		return "declined by provider"
	}
	return "declined by provider: " + c.Message
}

func errorResult(reason string) *models.WebhookResult {
	return &models.WebhookResult{Outcome: models.OutcomeError, Reason: reason}
}
