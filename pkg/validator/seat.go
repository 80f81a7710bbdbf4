package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

var (
	// ErrEmptySeats indicates no seat numbers were given
	ErrEmptySeats = errors.New("at least one seat number is required")

	// ErrBlankSeat indicates a seat number that is empty after trimming
	ErrBlankSeat = errors.New("seat numbers cannot be blank")

	// ErrInvalidSeatFormat indicates a seat number with characters outside A-Z, 0-9 and '-'
	ErrInvalidSeatFormat = errors.New("seat numbers may only contain letters, digits and '-'")

	// ErrTooManySeats indicates more seats than one booking may hold
	ErrTooManySeats = errors.New("too many seats requested")

	// ErrEmptyIdemKey indicates an idempotency key is missing
	ErrEmptyIdemKey = errors.New("idempotency key cannot be empty")

	// ErrIdemKeyTooLong indicates an idempotency key longer than maxIdemKeyLength
	ErrIdemKeyTooLong = errors.New("idempotency key is too long")
)

const (
	maxSeatLength    = 8
	maxIdemKeyLength = 128
)

// seatRegex matches normalized seat numbers such as A1, 12B or U-03
var seatRegex = regexp.MustCompile(`^[A-Z0-9-]+$`)

// SeatValidator handles seat number and idempotency key validation
type SeatValidator struct {
	maxSeats int
}

// NewSeatValidator creates a validator that accepts at most maxSeats seats per request.
// A non-positive maxSeats disables the limit.
func NewSeatValidator(maxSeats int) *SeatValidator {
	return &SeatValidator{maxSeats: maxSeats}
}

// Sanitize trims and upper-cases a seat number
func (v *SeatValidator) Sanitize(seat string) string {
	return strings.ToUpper(strings.TrimSpace(seat))
}

// ValidateSeats sanitizes seats, collapses duplicates and checks each one.
// The returned slice keeps first-seen order.
func (v *SeatValidator) ValidateSeats(seats []string) ([]string, error) {
	if len(seats) == 0 {
		return nil, ErrEmptySeats
	}

	sanitized := make([]string, 0, len(seats))
	for _, seat := range seats {
		s := v.Sanitize(seat)
		if s == "" {
			return nil, ErrBlankSeat
		}
		if len(s) > maxSeatLength || !seatRegex.MatchString(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSeatFormat, seat)
		}
		sanitized = append(sanitized, s)
	}

	unique := lo.Uniq(sanitized)
	if v.maxSeats > 0 && len(unique) > v.maxSeats {
		return nil, fmt.Errorf("%w: %d requested, at most %d allowed", ErrTooManySeats, len(unique), v.maxSeats)
	}
	return unique, nil
}

// ValidateIdemKey trims an idempotency key and checks it
func (v *SeatValidator) ValidateIdemKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyIdemKey
	}
	if len(key) > maxIdemKeyLength {
		return "", ErrIdemKeyTooLong
	}
	return key, nil
}

// IsValidSeat is a convenience method that returns true if seat is valid
func (v *SeatValidator) IsValidSeat(seat string) bool {
	_, err := v.ValidateSeats([]string{seat})
	return err == nil
}
