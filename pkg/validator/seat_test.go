package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeatValidator(t *testing.T) {
	validator := NewSeatValidator(6)
	assert.NotNil(t, validator)
}

func TestValidateSeats_Valid(t *testing.T) {
	validator := NewSeatValidator(6)

	validSeats := []struct {
		input    []string
		expected []string
		name     string
	}{
		{[]string{"A1"}, []string{"A1"}, "Single seat"},
		{[]string{" a1 ", "b2"}, []string{"A1", "B2"}, "Trimmed and upper-cased"},
		{[]string{"A1", "a1", "B2", "A1"}, []string{"A1", "B2"}, "Duplicates collapsed"},
		{[]string{"U-03", "12B"}, []string{"U-03", "12B"}, "Dash and leading digits"},
	}

	for _, tc := range validSeats {
		t.Run(tc.name, func(t *testing.T) {
			seats, err := validator.ValidateSeats(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, seats)
		})
	}
}

func TestValidateSeats_Invalid(t *testing.T) {
	validator := NewSeatValidator(2)

	invalidSeats := []struct {
		input       []string
		expectedErr error
		name        string
	}{
		{nil, ErrEmptySeats, "No seats"},
		{[]string{"A1", "  "}, ErrBlankSeat, "Blank seat"},
		{[]string{"A#1"}, ErrInvalidSeatFormat, "Symbol"},
		{[]string{"ABCDEFGHIJ"}, ErrInvalidSeatFormat, "Too long"},
		{[]string{"A1", "A2", "A3"}, ErrTooManySeats, "Over the limit"},
	}

	for _, tc := range invalidSeats {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validator.ValidateSeats(tc.input)
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestValidateSeats_LimitCountsUniqueSeats(t *testing.T) {
	validator := NewSeatValidator(2)

	seats, err := validator.ValidateSeats([]string{"A1", "A1", "A2"})
	require.NoError(t, err)
	assert.Len(t, seats, 2)
}

func TestValidateIdemKey(t *testing.T) {
	validator := NewSeatValidator(0)

	key, err := validator.ValidateIdemKey("  draft-123 ")
	require.NoError(t, err)
	assert.Equal(t, "draft-123", key)

	_, err = validator.ValidateIdemKey("   ")
	assert.ErrorIs(t, err, ErrEmptyIdemKey)

	_, err = validator.ValidateIdemKey(strings.Repeat("k", 129))
	assert.ErrorIs(t, err, ErrIdemKeyTooLong)
}

func TestIsValidSeat(t *testing.T) {
	validator := NewSeatValidator(0)

	assert.True(t, validator.IsValidSeat("B12"))
	assert.False(t, validator.IsValidSeat(""))
	assert.False(t, validator.IsValidSeat("B 12"))
}
