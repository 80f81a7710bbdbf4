package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/observability"
	"github.com/smarttransit/booking-settlement/pkg/validator"
)

// BookingStore is the persistence of the bookings table
type BookingStore interface {
	GetByIdemKey(ctx context.Context, idemKey string) (*models.Booking, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	ListExpired(ctx context.Context, status models.BookingStatus, now time.Time, limit int) ([]models.Booking, error)
	InsertDraft(ctx context.Context, b *models.Booking) (bool, error)
	MarkAwaitingPayment(ctx context.Context, id, lockID uuid.UUID, expiresAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, conflicts []string, reason string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, from models.BookingStatus, now time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// SeatLocker is the route service's seat lock API as seen from the booking side
type SeatLocker interface {
	TryLockSeats(ctx context.Context, req *models.TryLockRequest) (*models.LockResult, error)
	GetLockResult(ctx context.Context, idemKey string) (*models.LockResult, error)
	ConfirmLocks(ctx context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error)
	ReleaseLocks(ctx context.Context, lockID uuid.UUID) error
	ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) error
}

// Pricer produces pricing snapshots
type Pricer interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*models.PricingSnapshot, error)
	EvaluateWithoutPromotion(ctx context.Context, req EvaluateRequest, rejected *models.PromotionInvalidError) (*models.PricingSnapshot, error)
}

// OutboxStore queues domain events
type OutboxStore interface {
	Insert(ctx context.Context, evt *models.OutboxEvent) error
}

// Promotion policies for an ineligible promo code
const (
	PromoPolicyAbort   = "abort"
	PromoPolicyProceed = "proceed"
)

// BookingOrchestratorConfig holds configuration for the orchestrator
type BookingOrchestratorConfig struct {
	HoldTTL            time.Duration // Seat hold requested from the route service (default 10 min)
	DraftTimeout       time.Duration // How long a DRAFT may wait for its lock outcome (default 2 min)
	PromoInvalidPolicy string        // abort or proceed
	MaxSeats           int
}

// DefaultOrchestratorConfig returns default configuration
func DefaultOrchestratorConfig() BookingOrchestratorConfig {
	return BookingOrchestratorConfig{
		HoldTTL:            10 * time.Minute,
		DraftTimeout:       2 * time.Minute,
		PromoInvalidPolicy: PromoPolicyAbort,
		MaxSeats:           6,
	}
}

// BookingOrchestratorService handles the Draft → Lock → AwaitingPayment flow
type BookingOrchestratorService struct {
	bookings  BookingStore
	pricing   Pricer
	locks     SeatLocker
	outbox    OutboxStore
	validator *validator.SeatValidator
	config    BookingOrchestratorConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// NewBookingOrchestratorService creates a new orchestrator service
func NewBookingOrchestratorService(
	bookings BookingStore,
	pricing Pricer,
	locks SeatLocker,
	outbox OutboxStore,
	config BookingOrchestratorConfig,
	logger *logrus.Logger,
) *BookingOrchestratorService {
	return &BookingOrchestratorService{
		bookings:  bookings,
		pricing:   pricing,
		locks:     locks,
		outbox:    outbox,
		validator: validator.NewSeatValidator(config.MaxSeats),
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// ============================================================================
// CREATE DRAFT
// ============================================================================

// CreateDraft prices the seats, persists a DRAFT booking and locks the seats.
// Calls sharing an idempotency key converge on one booking and one lock.
func (s *BookingOrchestratorService) CreateDraft(ctx context.Context, req *models.CreateDraftRequest) (*models.BookingDraftResult, error) {
	if err := s.validateDraft(req); err != nil {
		observability.BookingDrafts.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// 1. Idempotency: an existing booking is either replayed or resumed
	existing, err := s.bookings.GetByIdemKey(ctx, req.IdemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		return s.replayOrResume(ctx, existing, req)
	}

	// 2. Pricing
	snapshot, err := s.price(ctx, req)
	if err != nil {
		if _, ok := IsPromotionInvalid(err); ok {
			observability.BookingDrafts.WithLabelValues("promotion_invalid").Inc()
		}
		return nil, err
	}

	// 3. Persist DRAFT
	now := s.now().UTC()
	booking := &models.Booking{
		ID:              uuid.New(),
		BookingCode:     newBookingCode(),
		IdemKey:         req.IdemKey,
		CustomerID:      req.CustomerID,
		TripID:          req.TripID,
		SeatNumbers:     req.SeatNumbers,
		Status:          models.BookingDraft,
		PricingSnapshot: *snapshot,
		TotalAmount:     snapshot.Total,
		Currency:        snapshot.Currency,
		ExpiresAt:       now.Add(s.config.DraftTimeout),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := s.bookings.InsertDraft(ctx, booking)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}
	if !inserted {
		// A concurrent request with the same key won the insert
		winner, err := s.bookings.GetByIdemKey(ctx, req.IdemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load concurrent draft: %w", err)
		}
		if winner == nil {
			return nil, fmt.Errorf("draft for idempotency key vanished")
		}
		return s.replayOrResume(ctx, winner, req)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"customer_id":  booking.CustomerID,
		"trip_id":      booking.TripID,
		"seats":        req.SeatNumbers,
		"total_amount": snapshot.Total.StringFixed(2),
	}).Info("Booking draft created")

	// 4. Lock seats
	return s.lockDraft(ctx, booking, false)
}

func (s *BookingOrchestratorService) validateDraft(req *models.CreateDraftRequest) error {
	req.Normalize()
	if req.TripID == uuid.Nil {
		return models.NewValidationError("tripId", "trip id is required")
	}
	if req.CustomerID == uuid.Nil {
		return models.NewValidationError("customerId", "customer id is required")
	}
	key, err := s.validator.ValidateIdemKey(req.IdemKey)
	if err != nil {
		return models.NewValidationError("idemKey", err.Error())
	}
	req.IdemKey = key

	seats, err := s.validator.ValidateSeats(req.SeatNumbers)
	if err != nil {
		return models.NewValidationError("seats", err.Error())
	}
	req.SeatNumbers = seats
	return nil
}

func (s *BookingOrchestratorService) price(ctx context.Context, req *models.CreateDraftRequest) (*models.PricingSnapshot, error) {
	evalReq := EvaluateRequest{
		TripID:      req.TripID,
		SeatNumbers: req.SeatNumbers,
		PromoCode:   req.PromoCode,
		CustomerID:  req.CustomerID,
	}
	snapshot, err := s.pricing.Evaluate(ctx, evalReq)
	if err == nil {
		return snapshot, nil
	}

	rejected, ok := IsPromotionInvalid(err)
	if !ok || s.config.PromoInvalidPolicy != PromoPolicyProceed {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"promo_code": rejected.Code,
		"reason":     rejected.Reason,
	}).Info("Promotion rejected, continuing at full price")
	return s.pricing.EvaluateWithoutPromotion(ctx, evalReq, rejected)
}

// replayOrResume returns a settled draft as-is and retries the lock of one
// still in DRAFT, using the stored snapshot.
func (s *BookingOrchestratorService) replayOrResume(ctx context.Context, b *models.Booking, req *models.CreateDraftRequest) (*models.BookingDraftResult, error) {
	if b.CustomerID != req.CustomerID || b.TripID != req.TripID ||
		len(b.SeatNumbers) != len(req.SeatNumbers) || !lo.Every([]string(b.SeatNumbers), req.SeatNumbers) {
		observability.BookingDrafts.WithLabelValues("invalid").Inc()
		return nil, models.NewValidationError("idemKey", "idempotency key was already used for a different booking")
	}

	if b.Status != models.BookingDraft {
		observability.BookingDrafts.WithLabelValues("replayed").Inc()
		return models.NewDraftResult(b, true), nil
	}
	return s.lockDraft(ctx, b, true)
}

// lockDraft asks for the seats under the booking's deterministic lock key and
// records the outcome on the draft.
func (s *BookingOrchestratorService) lockDraft(ctx context.Context, b *models.Booking, replayed bool) (*models.BookingDraftResult, error) {
	result, err := s.locks.TryLockSeats(ctx, &models.TryLockRequest{
		TripID:      b.TripID,
		SeatNumbers: b.SeatNumbers,
		HolderID:    b.HolderID(),
		IdemKey:     b.LockIdemKey(),
		TTLSeconds:  int(s.config.HoldTTL.Seconds()),
	})
	if err != nil {
		if errors.Is(err, models.ErrLockOutcomeUnknown) {
			observability.BookingDrafts.WithLabelValues("lock_unknown").Inc()
			s.logger.WithField("booking_id", b.ID).Warn("Seat lock outcome unknown, draft left for retry")
		}
		return nil, err
	}

	now := s.now().UTC()
	if result.Granted {
		expiresAt := now.Add(s.config.HoldTTL)
		if result.ExpiresAt != nil {
			expiresAt = result.ExpiresAt.UTC()
		}
		ok, err := s.bookings.MarkAwaitingPayment(ctx, b.ID, result.LockID, expiresAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to update draft: %w", err)
		}
		if !ok {
			return s.settledElsewhere(ctx, b.ID, &result.LockID)
		}

		lockID := result.LockID
		b.Status = models.BookingAwaitingPayment
		b.LockID = &lockID
		b.ExpiresAt = expiresAt

		observability.BookingDrafts.WithLabelValues("created").Inc()
		s.logger.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"lock_id":    lockID,
			"expires_at": expiresAt,
		}).Info("Seats locked, booking awaiting payment")
		return models.NewDraftResult(b, replayed), nil
	}

	ok, err := s.bookings.MarkFailed(ctx, b.ID, result.ConflictingSeats, "seats unavailable", now)
	if err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}
	if !ok {
		return s.settledElsewhere(ctx, b.ID, nil)
	}

	b.Status = models.BookingFailed
	b.ConflictingSeats = result.ConflictingSeats

	observability.BookingDrafts.WithLabelValues("conflict").Inc()
	s.logger.WithFields(logrus.Fields{
		"booking_id":  b.ID,
		"conflicting": result.ConflictingSeats,
	}).Info("Seats unavailable, booking failed")
	return models.NewDraftResult(b, replayed), nil
}

// settledElsewhere handles a DRAFT that another actor moved on while we
// were locking. A lock we hold for a booking that is no longer waiting for
// it is released.
func (s *BookingOrchestratorService) settledElsewhere(ctx context.Context, id uuid.UUID, heldLock *uuid.UUID) (*models.BookingDraftResult, error) {
	current, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload booking: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("booking %s: %w", id, models.ErrNotFound)
	}

	if heldLock != nil && current.Status != models.BookingAwaitingPayment && current.Status != models.BookingPaid {
		s.releaseQuietly(ctx, current.ID, *heldLock)
	}
	return models.NewDraftResult(current, true), nil
}

// newBookingCode returns "BK" and ten characters of a base57 uuid, upper-cased
func newBookingCode() string {
	return "BK" + strings.ToUpper(shortuuid.New()[:10])
}

// ============================================================================
// READ / CANCEL
// ============================================================================

// GetBooking returns a booking owned by customerID
func (s *BookingOrchestratorService) GetBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error) {
	b, err := s.ownedBooking(ctx, id, customerID)
	if err != nil {
		return nil, err
	}
	view := b.ToView()
	return &view, nil
}

// CancelBooking cancels an unpaid booking and releases its seats.
// Cancelling a cancelled booking returns it unchanged.
func (s *BookingOrchestratorService) CancelBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error) {
	b, err := s.ownedBooking(ctx, id, customerID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case models.BookingCancelled:
		view := b.ToView()
		return &view, nil
	case models.BookingDraft, models.BookingAwaitingPayment:
	default:
		return nil, models.ErrBookingNotCancellable
	}

	now := s.now().UTC()
	ok, err := s.bookings.Cancel(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}
	if !ok {
		// Paid or expired in the meantime
		return nil, models.ErrBookingNotCancellable
	}

	s.releaseBookingLock(ctx, b)

	b.Status = models.BookingCancelled
	b.UpdatedAt = now
	s.logger.WithFields(logrus.Fields{
		"booking_id":  b.ID,
		"customer_id": customerID,
	}).Info("Booking cancelled")

	view := b.ToView()
	return &view, nil
}

func (s *BookingOrchestratorService) ownedBooking(ctx context.Context, id, customerID uuid.UUID) (*models.Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("booking %s: %w", id, models.ErrNotFound)
	}
	if b.CustomerID != customerID {
		return nil, models.ErrForbidden
	}
	return b, nil
}

// releaseBookingLock releases the booking's seats on a best-effort basis.
// A DRAFT has no recorded lock id, so its lock is looked up by key.
func (s *BookingOrchestratorService) releaseBookingLock(ctx context.Context, b *models.Booking) {
	if b.LockID != nil {
		s.releaseQuietly(ctx, b.ID, *b.LockID)
		return
	}

	result, err := s.locks.GetLockResult(ctx, b.LockIdemKey())
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to look up draft lock")
		return
	}
	if result != nil && result.Granted {
		s.releaseQuietly(ctx, b.ID, result.LockID)
	}
}

// releaseQuietly gives back the seats still HELD. Seats a payment already
// confirmed stay with the booking; settlement decides their fate.
func (s *BookingOrchestratorService) releaseQuietly(ctx context.Context, bookingID, lockID uuid.UUID) {
	if err := s.locks.ReleaseHeldLocks(ctx, lockID); err != nil {
		// The hold still lapses at its TTL
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": bookingID,
			"lock_id":    lockID,
		}).Warn("Failed to release seat lock")
	}
}

// ============================================================================
// EXPIRY
// ============================================================================

// ExpireOverdue expires AWAITING_PAYMENT bookings past their hold and DRAFTs
// past their draft deadline, releasing any lock they hold. It returns how many
// bookings were expired.
func (s *BookingOrchestratorService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	total := 0
	for _, status := range []models.BookingStatus{models.BookingAwaitingPayment, models.BookingDraft} {
		n, err := s.expireStatus(ctx, status, limit)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *BookingOrchestratorService) expireStatus(ctx context.Context, status models.BookingStatus, limit int) (int, error) {
	now := s.now().UTC()
	overdue, err := s.bookings.ListExpired(ctx, status, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue bookings: %w", err)
	}

	expired := 0
	for i := range overdue {
		b := &overdue[i]
		ok, err := s.bookings.MarkExpired(ctx, b.ID, status, now)
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to expire booking")
			continue
		}
		if !ok {
			continue
		}
		expired++
		observability.BookingsExpired.WithLabelValues(string(status)).Inc()

		s.releaseBookingLock(ctx, b)
		s.queueExpiredEvent(ctx, b, now)
	}

	if expired > 0 {
		s.logger.WithFields(logrus.Fields{
			"from":    status,
			"expired": expired,
		}).Info("Expired overdue bookings")
	}
	return expired, nil
}

func (s *BookingOrchestratorService) queueExpiredEvent(ctx context.Context, b *models.Booking, now time.Time) {
	evt, err := models.NewOutboxEvent(b.ID, models.EventBookingExpired, models.BookingEvent{
		BookingID:   b.ID,
		BookingCode: b.BookingCode,
		CustomerID:  b.CustomerID,
		TripID:      b.TripID,
		SeatNumbers: b.SeatNumbers,
		Status:      models.BookingExpired,
		Amount:      b.TotalAmount.StringFixed(2),
		Currency:    b.Currency,
		OccurredAt:  now,
	})
	if err == nil {
		err = s.outbox.Insert(ctx, evt)
	}
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to queue booking.expired event")
	}
}
