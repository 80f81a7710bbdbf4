package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// SEAT LOCK STATUS
// ============================================================================

// SeatLockStatus represents the lifecycle state of one seat lock row
type SeatLockStatus string

const (
	SeatLockHeld      SeatLockStatus = "HELD"      // Claimed, waiting for payment
	SeatLockConfirmed SeatLockStatus = "CONFIRMED" // Owning booking is paid
	SeatLockReleased  SeatLockStatus = "RELEASED"  // Cancelled or booking failed
	SeatLockExpired   SeatLockStatus = "EXPIRED"   // expires_at passed while HELD
)

// IsLive reports whether the status still occupies the seat
func (s SeatLockStatus) IsLive() bool {
	return s == SeatLockHeld || s == SeatLockConfirmed
}

// ============================================================================
// SEAT LOCK MODELS (seat_locks, seat_lock_batches tables)
// ============================================================================

// SeatLock is one seat's reservation state for one trip
type SeatLock struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	BatchID        uuid.UUID      `json:"lockId" db:"batch_id"`
	TripID         uuid.UUID      `json:"tripId" db:"trip_id"`
	SeatNo         string         `json:"seatNo" db:"seat_no"`
	HolderID       string         `json:"holderId" db:"holder_id"`
	Status         SeatLockStatus `json:"status" db:"status"`
	ExpiresAt      time.Time      `json:"expiresAt" db:"expires_at"`
	IdempotencyKey string         `json:"idempotencyKey" db:"idempotency_key"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// IsExpiredAt reports whether a HELD lock has passed its deadline at now
func (l *SeatLock) IsExpiredAt(now time.Time) bool {
	return l.Status == SeatLockHeld && !l.ExpiresAt.After(now)
}

// SeatLockBatch is the stored outcome of one tryLockSeats call.
// Its ID is the lockId handed back to callers.
type SeatLockBatch struct {
	ID               uuid.UUID   `db:"id"`
	IdemKey          string      `db:"idem_key"`
	TripID           uuid.UUID   `db:"trip_id"`
	HolderID         string      `db:"holder_id"`
	SeatNumbers      StringArray `db:"seat_numbers"`
	Granted          bool        `db:"granted"`
	ConflictingSeats StringArray `db:"conflicting_seats"`
	TTLSeconds       int         `db:"ttl_seconds"`
	ExpiresAt        time.Time   `db:"expires_at"`
	CreatedAt        time.Time   `db:"created_at"`
}

// ToResult converts the stored batch into the wire result
func (b *SeatLockBatch) ToResult(replayed bool) *LockResult {
	result := &LockResult{
		Granted:          b.Granted,
		LockID:           b.ID,
		LockedSeats:      []string{},
		ConflictingSeats: []string{},
		Replayed:         replayed,
	}
	if b.Granted {
		result.LockedSeats = append(result.LockedSeats, b.SeatNumbers...)
		expiresAt := b.ExpiresAt
		result.ExpiresAt = &expiresAt
	} else {
		result.ConflictingSeats = append(result.ConflictingSeats, b.ConflictingSeats...)
	}
	return result
}

// ============================================================================
// REQUEST/RESPONSE DTOs (route service RPC contract)
// ============================================================================

// TryLockRequest is the cross-service lock request
type TryLockRequest struct {
	TripID      uuid.UUID `json:"tripId" binding:"required"`
	SeatNumbers []string  `json:"seatNumbers" binding:"required,min=1"`
	HolderID    string    `json:"holderId" binding:"required"`
	IdemKey     string    `json:"idemKey" binding:"required"`
	TTLSeconds  int       `json:"ttlSeconds" binding:"required,min=1"`
}

// TTL returns the requested lock lifetime
func (r *TryLockRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// LockResult is the outcome of tryLockSeats
type LockResult struct {
	Granted          bool       `json:"granted"`
	LockID           uuid.UUID  `json:"lockId"`
	LockedSeats      []string   `json:"lockedSeats"`
	ConflictingSeats []string   `json:"conflictingSeats"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Replayed         bool       `json:"replayed"`
}

// ConfirmLocksRequest confirms a batch for its holder
type ConfirmLocksRequest struct {
	HolderID string `json:"holderId" binding:"required"`
}

// ConfirmLocksResponse lists the seats now CONFIRMED
type ConfirmLocksResponse struct {
	LockID         uuid.UUID `json:"lockId"`
	ConfirmedSeats []string  `json:"confirmedSeats"`
}

// ReleaseSeatsRequest releases live locks by seat key
type ReleaseSeatsRequest struct {
	TripID      uuid.UUID `json:"tripId" binding:"required"`
	SeatNumbers []string  `json:"seatNumbers" binding:"required,min=1"`
	HolderID    string    `json:"holderId" binding:"required"`
}

// ReleaseResponse reports how many live rows were released
type ReleaseResponse struct {
	Released int `json:"released"`
}
