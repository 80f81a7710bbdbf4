package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingRepository_InsertDraft(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	booking := &models.Booking{
		ID:          uuid.New(),
		BookingCode: "BK1",
		IdemKey:     "idem-1",
		CustomerID:  uuid.New(),
		TripID:      uuid.New(),
		SeatNumbers: models.StringArray{"A1"},
		TotalAmount: decimal.RequireFromString("1200.00"),
		Currency:    "LKR",
		ExpiresAt:   now.Add(2 * time.Minute),
		CreatedAt:   now,
	}

	t.Run("inserted", func(t *testing.T) {
		db, mock := setupRepoTest(t)
		repo := NewBookingRepository(db)

		mock.ExpectQuery(`INSERT INTO bookings`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(booking.ID.String()))

		inserted, err := repo.InsertDraft(ctx, booking)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("idempotency key already taken", func(t *testing.T) {
		db, mock := setupRepoTest(t)
		repo := NewBookingRepository(db)

		mock.ExpectQuery(`INSERT INTO bookings`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		inserted, err := repo.InsertDraft(ctx, booking)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := setupRepoTest(t)
	repo := NewBookingRepository(db)
	id := uuid.New()
	lockID := uuid.New()

	t.Run("draft to awaiting payment", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings\s+SET status = 'AWAITING_PAYMENT'`).
			WithArgs(id, lockID, now.Add(10*time.Minute), now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkAwaitingPayment(ctx, id, lockID, now.Add(10*time.Minute), now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("failed transition is not applied twice", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings\s+SET status = 'FAILED'`).
			WithArgs(id, `{"A1"}`, "seats unavailable", now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkFailed(ctx, id, []string{"A1"}, "seats unavailable", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cancel", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings\s+SET status = 'CANCELLED'`).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Cancel(ctx, id, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepository_GetUsage(t *testing.T) {
	db, mock := setupRepoTest(t)
	repo := NewPromotionRepository(db)
	customerID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total`).
		WithArgs("WELCOME10", customerID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "for_customer"}).AddRow(7, 1))

	usage, err := repo.GetUsage(context.Background(), "WELCOME10", customerID)
	require.NoError(t, err)
	assert.Equal(t, 7, usage.Total)
	assert.Equal(t, 1, usage.ForCustomer)
	assert.NoError(t, mock.ExpectationsWereMet())
}
