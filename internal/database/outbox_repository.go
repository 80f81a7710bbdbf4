package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// OutboxRepository handles the transactional outbox
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository creates a new OutboxRepository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Insert writes a single event outside of any settlement
func (r *OutboxRepository) Insert(ctx context.Context, evt *models.OutboxEvent) error {
	return insertOutboxEvent(ctx, r.db, evt)
}

// RelayBatch locks up to limit unpublished events, hands each to publish and
// records the result. Rows locked by another relay instance are skipped.
func (r *OutboxRepository) RelayBatch(ctx context.Context, limit int, publish func(context.Context, *models.OutboxEvent) error) (int, int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var events []models.OutboxEvent
	err = tx.SelectContext(ctx, &events, `
		SELECT id, aggregate_id, event_type, payload, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch outbox events: %w", err)
	}

	published, failed := 0, 0
	for i := range events {
		evt := &events[i]
		if pubErr := publish(ctx, evt); pubErr != nil {
			failed++
			_, err = tx.ExecContext(ctx, `
				UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
				evt.ID, pubErr.Error())
		} else {
			published++
			_, err = tx.ExecContext(ctx, `
				UPDATE outbox_events SET attempts = attempts + 1, published_at = $2 WHERE id = $1`,
				evt.ID, time.Now().UTC())
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to update outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return published, failed, nil
}

func insertOutboxEvent(ctx context.Context, exec sqlx.ExecerContext, evt *models.OutboxEvent) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		evt.ID, evt.AggregateID, evt.EventType, evt.Payload, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}
