package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// SeatLockRepository handles seat_locks and seat_lock_batches
type SeatLockRepository struct {
	db *sqlx.DB
}

// NewSeatLockRepository creates a new SeatLockRepository
func NewSeatLockRepository(db *sqlx.DB) *SeatLockRepository {
	return &SeatLockRepository{db: db}
}

const batchColumns = `id, idem_key, trip_id, holder_id, seat_numbers, granted, conflicting_seats,
	ttl_seconds, expires_at, created_at`

// ============================================================================
// LOCK ACQUISITION
// ============================================================================

// TryLock runs one all-or-nothing lock attempt for batch.
// The first return value is the stored batch; replayed is true when the
// idempotency key already had a stored outcome, in which case nothing was written.
func (r *SeatLockRepository) TryLock(ctx context.Context, batch *models.SeatLockBatch, now time.Time) (*models.SeatLockBatch, bool, error) {
	seats := append([]string(nil), batch.SeatNumbers...)
	// Inserting in a stable order keeps overlapping batches from deadlocking.
	sort.Strings(seats)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Step 1: claim the idempotency key. A concurrent holder of the same key
	// blocks here until it commits, then we read its outcome.
	var batchID uuid.UUID
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO seat_lock_batches (
			id, idem_key, trip_id, holder_id, seat_numbers, granted, conflicting_seats,
			ttl_seconds, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, FALSE, '{}', $6, $7, $8)
		ON CONFLICT (idem_key) DO NOTHING
		RETURNING id`,
		batch.ID, batch.IdemKey, batch.TripID, batch.HolderID, models.StringArray(seats),
		batch.TTLSeconds, batch.ExpiresAt, now,
	).Scan(&batchID)
	if err == sql.ErrNoRows {
		existing := &models.SeatLockBatch{}
		err = tx.GetContext(ctx, existing,
			`SELECT `+batchColumns+` FROM seat_lock_batches WHERE idem_key = $1`, batch.IdemKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing lock batch: %w", err)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create lock batch: %w", err)
	}

	// Step 2: lazily expire HELD locks whose deadline passed so the insert
	// below can supersede them.
	_, err = tx.ExecContext(ctx, `
		UPDATE seat_locks
		SET status = 'EXPIRED', updated_at = $3
		WHERE trip_id = $1 AND seat_no = ANY($2)
		  AND status = 'HELD' AND expires_at <= $3`,
		batch.TripID, models.StringArray(seats), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to expire stale locks: %w", err)
	}

	// Step 3: one conditional insert against the live-row unique index.
	if _, err := tx.ExecContext(ctx, `SAVEPOINT seat_lock_insert`); err != nil {
		return nil, false, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var inserted []string
	err = tx.SelectContext(ctx, &inserted, `
		INSERT INTO seat_locks (
			id, batch_id, trip_id, seat_no, holder_id, status, expires_at,
			idempotency_key, created_at, updated_at
		)
		SELECT gen_random_uuid(), $1, $2, s.seat_no, $3, 'HELD', $4, $5, $6, $6
		FROM unnest($7::text[]) AS s(seat_no)
		ON CONFLICT (trip_id, seat_no) WHERE status IN ('HELD', 'CONFIRMED') DO NOTHING
		RETURNING seat_no`,
		batchID, batch.TripID, batch.HolderID, batch.ExpiresAt, batch.IdemKey, now, models.StringArray(seats),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert seat locks: %w", err)
	}

	conflicts := lo.Without(seats, inserted...)

	// Step 4: all-or-nothing. Any conflict undoes every insert of this batch
	// but keeps the batch row so the refusal is replayable.
	if len(conflicts) > 0 {
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT seat_lock_insert`); err != nil {
			return nil, false, fmt.Errorf("failed to roll back partial lock: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE seat_lock_batches SET granted = FALSE, conflicting_seats = $2 WHERE id = $1`,
			batchID, models.StringArray(conflicts),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE seat_lock_batches SET granted = TRUE WHERE id = $1`, batchID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record lock outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit lock batch: %w", err)
	}

	stored := *batch
	stored.ID = batchID
	stored.SeatNumbers = seats
	stored.Granted = len(conflicts) == 0
	stored.ConflictingSeats = conflicts
	stored.CreatedAt = now
	return &stored, false, nil
}

// GetBatchByIdemKey retrieves the stored outcome for an idempotency key
func (r *SeatLockRepository) GetBatchByIdemKey(ctx context.Context, idemKey string) (*models.SeatLockBatch, error) {
	batch := &models.SeatLockBatch{}
	err := r.db.GetContext(ctx, batch,
		`SELECT `+batchColumns+` FROM seat_lock_batches WHERE idem_key = $1`, idemKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock batch: %w", err)
	}
	return batch, nil
}

// GetBatch retrieves a batch by its lock id
func (r *SeatLockRepository) GetBatch(ctx context.Context, lockID uuid.UUID) (*models.SeatLockBatch, error) {
	batch := &models.SeatLockBatch{}
	err := r.db.GetContext(ctx, batch,
		`SELECT `+batchColumns+` FROM seat_lock_batches WHERE id = $1`, lockID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock batch: %w", err)
	}
	return batch, nil
}

// ListLocks returns every seat_locks row of a batch, newest state included
func (r *SeatLockRepository) ListLocks(ctx context.Context, lockID uuid.UUID) ([]models.SeatLock, error) {
	var locks []models.SeatLock
	err := r.db.SelectContext(ctx, &locks, `
		SELECT id, batch_id, trip_id, seat_no, holder_id, status, expires_at,
		       idempotency_key, created_at, updated_at
		FROM seat_locks
		WHERE batch_id = $1
		ORDER BY seat_no`, lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seat locks: %w", err)
	}
	return locks, nil
}

// ============================================================================
// CONFIRM / RELEASE
// ============================================================================

// ConfirmBatch moves every HELD, unexpired lock of the batch owned by holderID
// to CONFIRMED. It returns the seats that could not be confirmed; when that
// list is non-empty nothing was changed.
func (r *SeatLockRepository) ConfirmBatch(ctx context.Context, batch *models.SeatLockBatch, holderID string, now time.Time) ([]string, error) {
	if !batch.Granted {
		return append([]string{}, batch.SeatNumbers...), nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE seat_locks
		SET status = 'CONFIRMED', updated_at = $3
		WHERE batch_id = $1 AND holder_id = $2
		  AND status = 'HELD' AND expires_at > $3`,
		batch.ID, holderID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm seat locks: %w", err)
	}

	// Rows confirmed by an earlier attempt count too, so a retried confirm
	// after a crash converges.
	var confirmed []string
	err = tx.SelectContext(ctx, &confirmed, `
		SELECT seat_no FROM seat_locks
		WHERE batch_id = $1 AND holder_id = $2 AND status = 'CONFIRMED'`,
		batch.ID, holderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed seats: %w", err)
	}

	lost := lo.Without([]string(batch.SeatNumbers), confirmed...)
	if len(lost) > 0 {
		return lost, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit confirmation: %w", err)
	}
	return nil, nil
}

// ReleaseBatch moves all live locks of a batch to RELEASED.
// Releasing an already released batch affects zero rows and is not an error.
func (r *SeatLockRepository) ReleaseBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error) {
	return r.releaseBatch(ctx, lockID, `status IN ('HELD', 'CONFIRMED')`, now)
}

// ReleaseHeldBatch releases only the HELD locks of a batch. CONFIRMED rows
// belong to a paid booking and are left alone.
func (r *SeatLockRepository) ReleaseHeldBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error) {
	return r.releaseBatch(ctx, lockID, `status = 'HELD'`, now)
}

func (r *SeatLockRepository) releaseBatch(ctx context.Context, lockID uuid.UUID, statusFilter string, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE seat_locks
		SET status = 'RELEASED', updated_at = $2
		WHERE batch_id = $1 AND `+statusFilter,
		lockID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release seat locks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ReleaseSeats releases live locks by (trip, seat) key for one holder
func (r *SeatLockRepository) ReleaseSeats(ctx context.Context, tripID uuid.UUID, seats []string, holderID string, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE seat_locks
		SET status = 'RELEASED', updated_at = $4
		WHERE trip_id = $1 AND seat_no = ANY($2) AND holder_id = $3
		  AND status IN ('HELD', 'CONFIRMED')`,
		tripID, models.StringArray(seats), holderID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release seats: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ExpireStale marks every HELD lock past its deadline as EXPIRED.
// TryLock does the same lazily, so this only tidies up the table.
func (r *SeatLockRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE seat_locks
		SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'HELD' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale locks: %w", err)
	}
	return result.RowsAffected()
}
