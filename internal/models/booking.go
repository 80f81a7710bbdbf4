package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// BOOKING STATUS
// ============================================================================

// BookingStatus represents the purchase lifecycle state
type BookingStatus string

const (
	BookingDraft           BookingStatus = "DRAFT"            // Persisted, seat lock not settled yet
	BookingAwaitingPayment BookingStatus = "AWAITING_PAYMENT" // Seats held, waiting for the PSP
	BookingPaid            BookingStatus = "PAID"             // Payment applied and seats confirmed
	BookingExpired         BookingStatus = "EXPIRED"          // Hold or draft deadline passed
	BookingCancelled       BookingStatus = "CANCELLED"        // Customer cancelled before payment
	BookingFailed          BookingStatus = "FAILED"           // Seats unavailable
	BookingRefundRequired  BookingStatus = "REFUND_REQUIRED"  // Paid but the seat lock was lost
)

// IsTerminal reports whether no further automatic transition is expected
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingPaid, BookingExpired, BookingCancelled, BookingFailed, BookingRefundRequired:
		return true
	}
	return false
}

// ExposesCode reports whether the booking code is visible in this state
func (s BookingStatus) ExposesCode() bool {
	switch s {
	case BookingAwaitingPayment, BookingPaid, BookingRefundRequired, BookingExpired, BookingCancelled:
		return true
	}
	return false
}

// ============================================================================
// BOOKING MODEL (bookings table)
// ============================================================================

// Booking is the purchase aggregate owned by the booking service
type Booking struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	BookingCode      string          `json:"-" db:"booking_code"`
	IdemKey          string          `json:"-" db:"idem_key"`
	CustomerID       uuid.UUID       `json:"customerId" db:"customer_id"`
	TripID           uuid.UUID       `json:"tripId" db:"trip_id"`
	SeatNumbers      StringArray     `json:"seatNumbers" db:"seat_numbers"`
	Status           BookingStatus   `json:"status" db:"status"`
	PricingSnapshot  PricingSnapshot `json:"pricingSnapshot" db:"pricing_snapshot"`
	TotalAmount      decimal.Decimal `json:"totalAmount" db:"total_amount"`
	Currency         string          `json:"currency" db:"currency"`
	LockID           *uuid.UUID      `json:"-" db:"lock_id"`
	ConflictingSeats StringArray     `json:"conflictingSeats,omitempty" db:"conflicting_seats"`
	FailureReason    sql.NullString  `json:"-" db:"failure_reason"`
	ExpiresAt        time.Time       `json:"expiresAt" db:"expires_at"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// LockIdemKey is the deterministic seat-lock key for this booking.
// Every resume of the same draft reuses it.
func (b *Booking) LockIdemKey() string {
	return "booking:" + b.ID.String()
}

// HolderID is the seat-lock holder for this booking
func (b *Booking) HolderID() string {
	return b.CustomerID.String()
}

// PublicCode returns the booking code when the status exposes it
func (b *Booking) PublicCode() *string {
	if !b.Status.ExposesCode() || b.BookingCode == "" {
		return nil
	}
	code := b.BookingCode
	return &code
}

// IsPayableAt reports whether a payment may be initiated at now
func (b *Booking) IsPayableAt(now time.Time) bool {
	return b.Status == BookingAwaitingPayment && b.ExpiresAt.After(now)
}

// ============================================================================
// REQUEST/RESPONSE DTOs
// ============================================================================

// CreateDraftRequest is the body of POST /bookings/draft
type CreateDraftRequest struct {
	TripID      uuid.UUID `json:"tripId" binding:"required"`
	SeatNumbers []string  `json:"seats" binding:"required,min=1"`
	PromoCode   string    `json:"promoCode,omitempty"`
	CustomerID  uuid.UUID `json:"customerId"`
	IdemKey     string    `json:"idemKey" binding:"required"`
}

// Normalize trims user input in place
func (r *CreateDraftRequest) Normalize() {
	r.PromoCode = strings.ToUpper(strings.TrimSpace(r.PromoCode))
	r.IdemKey = strings.TrimSpace(r.IdemKey)
	for i, seat := range r.SeatNumbers {
		r.SeatNumbers[i] = strings.ToUpper(strings.TrimSpace(seat))
	}
}

// BookingDraftResult is returned by createDraft
type BookingDraftResult struct {
	BookingID        uuid.UUID        `json:"bookingId"`
	BookingCode      *string          `json:"bookingCode"`
	Status           BookingStatus    `json:"status"`
	PricingSnapshot  *PricingSnapshot `json:"pricingSnapshot,omitempty"`
	ConflictingSeats []string         `json:"conflictingSeats,omitempty"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
	Replayed         bool             `json:"replayed"`
}

// Created reports whether the draft reached a seat-holding state
func (r *BookingDraftResult) Created() bool {
	return r.BookingCode != nil
}

// NewDraftResult builds the result view of a booking
func NewDraftResult(b *Booking, replayed bool) *BookingDraftResult {
	result := &BookingDraftResult{
		BookingID:   b.ID,
		BookingCode: b.PublicCode(),
		Status:      b.Status,
		Replayed:    replayed,
	}
	if result.BookingCode != nil {
		snapshot := b.PricingSnapshot
		result.PricingSnapshot = &snapshot
		expiresAt := b.ExpiresAt
		result.ExpiresAt = &expiresAt
	}
	if len(b.ConflictingSeats) > 0 {
		result.ConflictingSeats = append([]string{}, b.ConflictingSeats...)
	}
	return result
}

// BookingView is the customer-facing read model of GET /bookings/:id
type BookingView struct {
	ID               uuid.UUID       `json:"id"`
	BookingCode      *string         `json:"bookingCode"`
	Status           BookingStatus   `json:"status"`
	TripID           uuid.UUID       `json:"tripId"`
	SeatNumbers      []string        `json:"seats"`
	PricingSnapshot  PricingSnapshot `json:"pricingSnapshot"`
	ConflictingSeats []string        `json:"conflictingSeats,omitempty"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// ToView converts a booking into its read model
func (b *Booking) ToView() BookingView {
	return BookingView{
		ID:               b.ID,
		BookingCode:      b.PublicCode(),
		Status:           b.Status,
		TripID:           b.TripID,
		SeatNumbers:      b.SeatNumbers,
		PricingSnapshot:  b.PricingSnapshot,
		ConflictingSeats: b.ConflictingSeats,
		ExpiresAt:        b.ExpiresAt,
		CreatedAt:        b.CreatedAt,
	}
}
