package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested aggregate does not exist
	ErrNotFound = errors.New("not found")

	// ErrLockOutcomeUnknown means the route service could not confirm whether a lock was taken
	ErrLockOutcomeUnknown = errors.New("seat lock outcome unknown")

	// ErrBookingNotPayable means the booking is not AWAITING_PAYMENT or its hold expired
	ErrBookingNotPayable = errors.New("booking is not payable")

	// ErrBookingNotCancellable means the booking already settled
	ErrBookingNotCancellable = errors.New("booking cannot be cancelled")

	// ErrForbidden means the caller does not own the booking
	ErrForbidden = errors.New("forbidden")

	// ErrUnknownProvider means no gateway adapter is registered under the name
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// ValidationError is bad input; nothing was changed
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError lists seats that another holder owns
type ConflictError struct {
	ConflictingSeats []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.ConflictingSeats, ","))
}

// PromotionInvalidError is a promo code that failed an eligibility rule
type PromotionInvalidError struct {
	Code   string
	Reason string
}

func (e *PromotionInvalidError) Error() string {
	return fmt.Sprintf("promotion %s is not applicable: %s", e.Code, e.Reason)
}

// SignatureInvalidError is a provider payload whose signature did not verify
type SignatureInvalidError struct {
	Provider string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("invalid %s signature", e.Provider)
}

// AmountMismatchError is a paid amount that differs from the frozen snapshot
type AmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %s, got %s", e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

// LockLostError means some seats of a batch could not be confirmed.
// After a successful payment this requires a refund.
type LockLostError struct {
	LockID    uuid.UUID
	LostSeats []string
}

func (e *LockLostError) Error() string {
	return fmt.Sprintf("seat lock %s lost for seats: %s", e.LockID, strings.Join(e.LostSeats, ","))
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
