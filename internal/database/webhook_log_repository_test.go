package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookLogRepository_Claim(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	entry := &models.PaymentWebhookLog{
		ID:          uuid.New(),
		Provider:    "momo",
		Fingerprint: "ab12",
		Source:      models.SourceWebhook,
		Payload:     `{"orderId":"X"}`,
		CreatedAt:   now,
	}

	t.Run("first delivery wins the claim", func(t *testing.T) {
		db, mock := setupRepoTest(t)
		repo := NewWebhookLogRepository(db)

		mock.ExpectQuery(`INSERT INTO payment_webhook_logs`).
			WithArgs(entry.ID, "momo", "ab12", "WEBHOOK", entry.Payload, now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(entry.ID.String()))

		claimed, err := repo.Claim(ctx, entry)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate delivery loses the claim", func(t *testing.T) {
		db, mock := setupRepoTest(t)
		repo := NewWebhookLogRepository(db)

		mock.ExpectQuery(`INSERT INTO payment_webhook_logs`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		claimed, err := repo.Claim(ctx, entry)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebhookLogRepository_TakeOver(t *testing.T) {
	db, mock := setupRepoTest(t)
	repo := NewWebhookLogRepository(db)
	id := uuid.New()
	now := time.Now().UTC()
	lease := 2 * time.Minute

	mock.ExpectExec(`UPDATE payment_webhook_logs\s+SET claimed_at`).
		WithArgs(id, now, now.Add(-lease)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.TakeOver(context.Background(), id, lease, now)
	require.NoError(t, err)
	assert.False(t, ok, "a fresh claim cannot be taken over")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookLogRepository_MarkRejected(t *testing.T) {
	db, mock := setupRepoTest(t)
	repo := NewWebhookLogRepository(db)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE payment_webhook_logs\s+SET status = \$2`).
		WithArgs(id, "REJECTED", "", "invalid momo signature", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkRejected(context.Background(), id, "", "invalid momo signature", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
