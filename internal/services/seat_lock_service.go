package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/observability"
	"github.com/smarttransit/booking-settlement/pkg/validator"
)

// SeatLockStore is the persistence the seat lock manager runs on
type SeatLockStore interface {
	TryLock(ctx context.Context, batch *models.SeatLockBatch, now time.Time) (*models.SeatLockBatch, bool, error)
	GetBatchByIdemKey(ctx context.Context, idemKey string) (*models.SeatLockBatch, error)
	GetBatch(ctx context.Context, lockID uuid.UUID) (*models.SeatLockBatch, error)
	ConfirmBatch(ctx context.Context, batch *models.SeatLockBatch, holderID string, now time.Time) ([]string, error)
	ReleaseBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error)
	ReleaseHeldBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error)
	ReleaseSeats(ctx context.Context, tripID uuid.UUID, seats []string, holderID string, now time.Time) (int, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// TripSeatStore reads trips and their seat maps
type TripSeatStore interface {
	GetTripFare(ctx context.Context, tripID uuid.UUID) (*models.TripFare, error)
	GetTripSeats(ctx context.Context, tripID uuid.UUID, seats []string) ([]models.TripSeat, error)
}

// LockResultCache remembers lock outcomes by idempotency key
type LockResultCache interface {
	Get(ctx context.Context, idemKey string) (*models.LockResult, bool)
	Set(ctx context.Context, idemKey string, result *models.LockResult)
}

type noopResultCache struct{}

func (noopResultCache) Get(context.Context, string) (*models.LockResult, bool) { return nil, false }
func (noopResultCache) Set(context.Context, string, *models.LockResult)         {}

// SeatLockConfig holds seat lock limits
type SeatLockConfig struct {
	MaxTTL   time.Duration
	MaxSeats int
}

// SeatLockService is the route service's seat lock manager. It is the only
// writer of seat_locks.
type SeatLockService struct {
	store     SeatLockStore
	trips     TripSeatStore
	cache     LockResultCache
	validator *validator.SeatValidator
	config    SeatLockConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// NewSeatLockService creates a new SeatLockService. cache may be nil.
func NewSeatLockService(
	store SeatLockStore,
	trips TripSeatStore,
	cache LockResultCache,
	config SeatLockConfig,
	logger *logrus.Logger,
) *SeatLockService {
	if cache == nil {
		cache = noopResultCache{}
	}
	return &SeatLockService{
		store:     store,
		trips:     trips,
		cache:     cache,
		validator: validator.NewSeatValidator(config.MaxSeats),
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// ============================================================================
// TRY LOCK
// ============================================================================

// TryLockSeats locks every requested seat for the holder, or none of them.
// Repeating a call with the same idempotency key returns the stored outcome.
func (s *SeatLockService) TryLockSeats(ctx context.Context, req *models.TryLockRequest) (*models.LockResult, error) {
	seats, err := s.validateLockRequest(req)
	if err != nil {
		observability.SeatLockAttempts.WithLabelValues("invalid").Inc()
		return nil, err
	}
	idemKey := req.IdemKey

	if err := s.checkSeatsExist(ctx, req.TripID, seats); err != nil {
		observability.SeatLockAttempts.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := s.now().UTC()
	batch := &models.SeatLockBatch{
		ID:          uuid.New(),
		IdemKey:     idemKey,
		TripID:      req.TripID,
		HolderID:    req.HolderID,
		SeatNumbers: seats,
		TTLSeconds:  req.TTLSeconds,
		ExpiresAt:   now.Add(req.TTL()),
	}

	stored, replayed, err := s.store.TryLock(ctx, batch, now)
	if err != nil {
		observability.SeatLockAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to lock seats: %w", err)
	}

	if replayed {
		if !sameBatch(stored, req.TripID, req.HolderID, seats) {
			observability.SeatLockAttempts.WithLabelValues("invalid").Inc()
			return nil, models.NewValidationError("idemKey", "idempotency key was already used for a different request")
		}
		observability.SeatLockAttempts.WithLabelValues("replayed").Inc()
	} else if stored.Granted {
		observability.SeatLockAttempts.WithLabelValues("granted").Inc()
	} else {
		observability.SeatLockAttempts.WithLabelValues("conflict").Inc()
	}

	result := stored.ToResult(replayed)
	s.cache.Set(ctx, idemKey, stored.ToResult(false))

	s.logger.WithFields(logrus.Fields{
		"lock_id":     stored.ID,
		"trip_id":     stored.TripID,
		"seats":       seats,
		"granted":     stored.Granted,
		"conflicting": []string(stored.ConflictingSeats),
		"replayed":    replayed,
	}).Info("Seat lock attempt processed")

	return result, nil
}

func (s *SeatLockService) validateLockRequest(req *models.TryLockRequest) ([]string, error) {
	if req.TripID == uuid.Nil {
		return nil, models.NewValidationError("tripId", "trip id is required")
	}
	if req.HolderID == "" {
		return nil, models.NewValidationError("holderId", "holder id is required")
	}

	key, err := s.validator.ValidateIdemKey(req.IdemKey)
	if err != nil {
		return nil, models.NewValidationError("idemKey", err.Error())
	}
	req.IdemKey = key

	if req.TTLSeconds <= 0 {
		return nil, models.NewValidationError("ttlSeconds", "ttl must be positive")
	}
	if s.config.MaxTTL > 0 && req.TTL() > s.config.MaxTTL {
		return nil, models.NewValidationError("ttlSeconds",
			fmt.Sprintf("ttl must not exceed %d seconds", int(s.config.MaxTTL.Seconds())))
	}

	seats, err := s.validator.ValidateSeats(req.SeatNumbers)
	if err != nil {
		return nil, models.NewValidationError("seatNumbers", err.Error())
	}
	return seats, nil
}

func (s *SeatLockService) checkSeatsExist(ctx context.Context, tripID uuid.UUID, seats []string) error {
	trip, err := s.trips.GetTripFare(ctx, tripID)
	if err != nil {
		return fmt.Errorf("failed to get trip: %w", err)
	}
	if trip == nil {
		return models.NewValidationError("tripId", "trip does not exist")
	}

	known, err := s.trips.GetTripSeats(ctx, tripID, seats)
	if err != nil {
		return fmt.Errorf("failed to get trip seats: %w", err)
	}
	missing := lo.Without(seats, lo.Map(known, func(seat models.TripSeat, _ int) string { return seat.SeatNo })...)
	if len(missing) > 0 {
		return models.NewValidationError("seatNumbers", fmt.Sprintf("unknown seats: %v", missing))
	}
	return nil
}

func sameBatch(stored *models.SeatLockBatch, tripID uuid.UUID, holderID string, seats []string) bool {
	if stored.TripID != tripID || stored.HolderID != holderID {
		return false
	}
	return len(stored.SeatNumbers) == len(seats) && lo.Every([]string(stored.SeatNumbers), seats)
}

// ============================================================================
// QUERY
// ============================================================================

// GetLockResult returns the stored outcome of an idempotency key, or
// ErrNotFound when no call with that key was ever recorded. The cache
// answers first; batches are immutable once committed.
func (s *SeatLockService) GetLockResult(ctx context.Context, idemKey string) (*models.LockResult, error) {
	if cached, ok := s.cache.Get(ctx, idemKey); ok {
		cached.Replayed = true
		return cached, nil
	}

	stored, err := s.store.GetBatchByIdemKey(ctx, idemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock result: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("lock %q: %w", idemKey, models.ErrNotFound)
	}
	s.cache.Set(ctx, idemKey, stored.ToResult(false))
	return stored.ToResult(true), nil
}

// ============================================================================
// CONFIRM / RELEASE
// ============================================================================

// ConfirmLocks moves every HELD seat of a lock to CONFIRMED for holderID.
// If any seat cannot be confirmed nothing changes and *LockLostError is returned.
func (s *SeatLockService) ConfirmLocks(ctx context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error) {
	batch, err := s.store.GetBatch(ctx, lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if batch == nil {
		return nil, &models.LockLostError{LockID: lockID}
	}

	lost, err := s.store.ConfirmBatch(ctx, batch, holderID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to confirm lock: %w", err)
	}
	if len(lost) > 0 {
		s.logger.WithFields(logrus.Fields{
			"lock_id":    lockID,
			"holder_id":  holderID,
			"lost_seats": lost,
		}).Warn("Seat lock could not be confirmed")
		return nil, &models.LockLostError{LockID: lockID, LostSeats: lost}
	}

	s.logger.WithFields(logrus.Fields{
		"lock_id": lockID,
		"seats":   []string(batch.SeatNumbers),
	}).Info("Seat lock confirmed")

	return &models.ConfirmLocksResponse{
		LockID:         lockID,
		ConfirmedSeats: append([]string{}, batch.SeatNumbers...),
	}, nil
}

// ReleaseLocks releases every live seat of a lock. Releasing twice is a no-op.
func (s *SeatLockService) ReleaseLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error) {
	released, err := s.store.ReleaseBatch(ctx, lockID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to release lock: %w", err)
	}
	if released > 0 {
		s.logger.WithFields(logrus.Fields{
			"lock_id":  lockID,
			"released": released,
		}).Info("Seat lock released")
	}
	return &models.ReleaseResponse{Released: released}, nil
}

// ReleaseHeldLocks releases the seats of a lock that are still HELD.
// Confirmed seats are kept.
func (s *SeatLockService) ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error) {
	released, err := s.store.ReleaseHeldBatch(ctx, lockID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to release held seats: %w", err)
	}
	if released > 0 {
		s.logger.WithFields(logrus.Fields{
			"lock_id":  lockID,
			"released": released,
		}).Info("Held seats released")
	}
	return &models.ReleaseResponse{Released: released}, nil
}

// ReleaseSeats releases live seats by trip and seat number for one holder
func (s *SeatLockService) ReleaseSeats(ctx context.Context, req *models.ReleaseSeatsRequest) (*models.ReleaseResponse, error) {
	seats, err := s.validator.ValidateSeats(req.SeatNumbers)
	if err != nil {
		return nil, models.NewValidationError("seatNumbers", err.Error())
	}
	if req.HolderID == "" {
		return nil, models.NewValidationError("holderId", "holder id is required")
	}

	released, err := s.store.ReleaseSeats(ctx, req.TripID, seats, req.HolderID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to release seats: %w", err)
	}
	return &models.ReleaseResponse{Released: released}, nil
}

// ExpireStaleLocks marks HELD locks past their deadline as EXPIRED.
// Lock acquisition already ignores such rows.
func (s *SeatLockService) ExpireStaleLocks(ctx context.Context) (int64, error) {
	expired, err := s.store.ExpireStale(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale locks: %w", err)
	}
	if expired > 0 {
		observability.SeatLocksExpired.Add(float64(expired))
	}
	return expired, nil
}
