package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// In-memory stores with the same conditional-update rules as the SQL
// repositories, for tests that run real goroutines against the services.

// ============================================================================
// BOOKINGS
// ============================================================================

type memoryBookingStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*models.Booking
	inserts  int
}

func newMemoryBookingStore(seed ...*models.Booking) *memoryBookingStore {
	s := &memoryBookingStore{bookings: make(map[uuid.UUID]*models.Booking)}
	for _, b := range seed {
		cp := *b
		s.bookings[b.ID] = &cp
	}
	return s
}

func (s *memoryBookingStore) GetByIdemKey(_ context.Context, idemKey string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.IdemKey == idemKey {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memoryBookingStore) GetByID(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *memoryBookingStore) ListExpired(_ context.Context, status models.BookingStatus, now time.Time, limit int) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if b.Status == status && !b.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memoryBookingStore) InsertDraft(_ context.Context, b *models.Booking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bookings {
		if existing.IdemKey == b.IdemKey {
			return false, nil
		}
	}
	cp := *b
	s.bookings[b.ID] = &cp
	s.inserts++
	return true, nil
}

func (s *memoryBookingStore) MarkAwaitingPayment(_ context.Context, id, lockID uuid.UUID, expiresAt, now time.Time) (bool, error) {
	return s.transition(id, []models.BookingStatus{models.BookingDraft}, func(b *models.Booking) {
		b.Status = models.BookingAwaitingPayment
		b.LockID = &lockID
		b.ExpiresAt = expiresAt
		b.UpdatedAt = now
	}), nil
}

func (s *memoryBookingStore) MarkFailed(_ context.Context, id uuid.UUID, conflicts []string, reason string, now time.Time) (bool, error) {
	return s.transition(id, []models.BookingStatus{models.BookingDraft}, func(b *models.Booking) {
		b.Status = models.BookingFailed
		b.ConflictingSeats = conflicts
		b.FailureReason = sql.NullString{String: reason, Valid: true}
		b.UpdatedAt = now
	}), nil
}

func (s *memoryBookingStore) MarkExpired(_ context.Context, id uuid.UUID, from models.BookingStatus, now time.Time) (bool, error) {
	return s.transition(id, []models.BookingStatus{from}, func(b *models.Booking) {
		b.Status = models.BookingExpired
		b.UpdatedAt = now
	}), nil
}

func (s *memoryBookingStore) Cancel(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.transition(id, []models.BookingStatus{models.BookingDraft, models.BookingAwaitingPayment}, func(b *models.Booking) {
		b.Status = models.BookingCancelled
		b.UpdatedAt = now
	}), nil
}

func (s *memoryBookingStore) transition(id uuid.UUID, from []models.BookingStatus, apply func(*models.Booking)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if b.Status == st {
			apply(b)
			return true
		}
	}
	return false
}

func (s *memoryBookingStore) status(id uuid.UUID) models.BookingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings[id].Status
}

// ============================================================================
// SEAT LOCKS
// ============================================================================

type seatHold struct {
	lockID    uuid.UUID
	holderID  string
	status    models.SeatLockStatus
	expiresAt time.Time
}

// memorySeatLocker plays the route service: one live hold per seat, HELD
// rows lapse at expiresAt, CONFIRMED rows never do.
type memorySeatLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	seats   map[string]*seatHold
	results map[string]*models.LockResult
	batches map[uuid.UUID][]string
	grants  int
}

func newMemorySeatLocker(now func() time.Time) *memorySeatLocker {
	return &memorySeatLocker{
		now:     now,
		seats:   make(map[string]*seatHold),
		results: make(map[string]*models.LockResult),
		batches: make(map[uuid.UUID][]string),
	}
}

func seatKey(tripID uuid.UUID, seat string) string {
	return tripID.String() + "/" + seat
}

func (l *memorySeatLocker) live(h *seatHold) bool {
	if h == nil {
		return false
	}
	return h.status == models.SeatLockConfirmed || (h.status == models.SeatLockHeld && h.expiresAt.After(l.now()))
}

func (l *memorySeatLocker) TryLockSeats(_ context.Context, req *models.TryLockRequest) (*models.LockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if stored, ok := l.results[req.IdemKey]; ok {
		cp := *stored
		cp.Replayed = true
		return &cp, nil
	}

	var conflicts []string
	for _, seat := range req.SeatNumbers {
		if l.live(l.seats[seatKey(req.TripID, seat)]) {
			conflicts = append(conflicts, seat)
		}
	}

	result := &models.LockResult{LockID: uuid.New()}
	if len(conflicts) > 0 {
		result.ConflictingSeats = conflicts
	} else {
		expiresAt := l.now().Add(time.Duration(req.TTLSeconds) * time.Second)
		for _, seat := range req.SeatNumbers {
			key := seatKey(req.TripID, seat)
			l.seats[key] = &seatHold{lockID: result.LockID, holderID: req.HolderID, status: models.SeatLockHeld, expiresAt: expiresAt}
			l.batches[result.LockID] = append(l.batches[result.LockID], key)
		}
		result.Granted = true
		result.LockedSeats = append([]string{}, req.SeatNumbers...)
		result.ExpiresAt = &expiresAt
		l.grants++
	}
	l.results[req.IdemKey] = result

	cp := *result
	return &cp, nil
}

func (l *memorySeatLocker) GetLockResult(_ context.Context, idemKey string) (*models.LockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.results[idemKey]
	if !ok {
		return nil, nil
	}
	cp := *stored
	return &cp, nil
}

func (l *memorySeatLocker) ConfirmLocks(_ context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lost []string
	for _, key := range l.batches[lockID] {
		h := l.seats[key]
		if h == nil || h.lockID != lockID || h.holderID != holderID || !l.live(h) {
			lost = append(lost, key)
		}
	}
	if len(lost) > 0 || len(l.batches[lockID]) == 0 {
		return nil, &models.LockLostError{LockID: lockID, LostSeats: lost}
	}
	for _, key := range l.batches[lockID] {
		l.seats[key].status = models.SeatLockConfirmed
	}
	return &models.ConfirmLocksResponse{LockID: lockID, ConfirmedSeats: l.batches[lockID]}, nil
}

func (l *memorySeatLocker) ReleaseLocks(_ context.Context, lockID uuid.UUID) error {
	l.release(lockID, models.SeatLockHeld, models.SeatLockConfirmed)
	return nil
}

func (l *memorySeatLocker) ReleaseHeldLocks(_ context.Context, lockID uuid.UUID) error {
	l.release(lockID, models.SeatLockHeld)
	return nil
}

func (l *memorySeatLocker) release(lockID uuid.UUID, statuses ...models.SeatLockStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range l.batches[lockID] {
		h := l.seats[key]
		if h == nil || h.lockID != lockID {
			continue
		}
		for _, st := range statuses {
			if h.status == st {
				h.status = models.SeatLockReleased
				break
			}
		}
	}
}

func (l *memorySeatLocker) seatStatus(tripID uuid.UUID, seat string) models.SeatLockStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h := l.seats[seatKey(tripID, seat)]; h != nil {
		return h.status
	}
	return ""
}

// ============================================================================
// WEBHOOK LOG AND PAYMENTS
// ============================================================================

type memoryWebhookLogStore struct {
	mu   sync.Mutex
	rows map[string]*models.PaymentWebhookLog
}

func newMemoryWebhookLogStore() *memoryWebhookLogStore {
	return &memoryWebhookLogStore{rows: make(map[string]*models.PaymentWebhookLog)}
}

func (s *memoryWebhookLogStore) Claim(_ context.Context, entry *models.PaymentWebhookLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.Provider + "/" + entry.Fingerprint
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	cp := *entry
	cp.Status = models.WebhookReceived
	cp.ClaimedAt = sql.NullTime{Time: entry.CreatedAt, Valid: true}
	s.rows[key] = &cp
	return true, nil
}

func (s *memoryWebhookLogStore) GetByFingerprint(_ context.Context, provider, fingerprint string) (*models.PaymentWebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[provider+"/"+fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *memoryWebhookLogStore) TakeOver(_ context.Context, id uuid.UUID, lease time.Duration, now time.Time) (bool, error) {
	took := false
	s.update(id, func(row *models.PaymentWebhookLog) {
		if (row.Status == models.WebhookReceived || row.Status == models.WebhookVerified) && row.IsClaimStale(now, lease) {
			row.ClaimedAt = sql.NullTime{Time: now, Valid: true}
			took = true
		}
	})
	return took, nil
}

func (s *memoryWebhookLogStore) RecordDuplicate(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.update(id, func(row *models.PaymentWebhookLog) { row.DuplicateCount++ })
	return nil
}

func (s *memoryWebhookLogStore) MarkVerified(_ context.Context, id uuid.UUID, ref, note string, _ time.Time) error {
	return s.mark(id, models.WebhookVerified, ref, note)
}

func (s *memoryWebhookLogStore) MarkRejected(_ context.Context, id uuid.UUID, ref, reason string, _ time.Time) error {
	return s.mark(id, models.WebhookRejected, ref, reason)
}

func (s *memoryWebhookLogStore) MarkApplied(_ context.Context, id uuid.UUID, ref, note string, _ time.Time) error {
	return s.mark(id, models.WebhookApplied, ref, note)
}

func (s *memoryWebhookLogStore) ReleaseClaim(_ context.Context, id uuid.UUID) error {
	s.update(id, func(row *models.PaymentWebhookLog) { row.ClaimedAt = sql.NullTime{} })
	return nil
}

func (s *memoryWebhookLogStore) mark(id uuid.UUID, status models.WebhookLogStatus, ref, note string) error {
	s.update(id, func(row *models.PaymentWebhookLog) {
		row.Status = status
		row.VerificationResult = sql.NullString{String: note, Valid: note != ""}
		if ref != "" {
			row.ProviderTransactionID = sql.NullString{String: ref, Valid: true}
		}
		if status == models.WebhookApplied || status == models.WebhookRejected {
			row.ClaimedAt = sql.NullTime{}
		}
	})
	return nil
}

func (s *memoryWebhookLogStore) update(id uuid.UUID, fn func(*models.PaymentWebhookLog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			fn(row)
			return
		}
	}
}

func (s *memoryWebhookLogStore) all() []models.PaymentWebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentWebhookLog, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	return out
}

// memoryPaymentStore settles against the booking and webhook stores with
// the conditions PaymentRepository.Settle uses.
type memoryPaymentStore struct {
	mu       sync.Mutex
	txns     map[uuid.UUID]*models.PaymentTransaction
	bookings *memoryBookingStore
	logs     *memoryWebhookLogStore
	settles  int
	refunds  []*models.RefundRequest
}

func newMemoryPaymentStore(bookings *memoryBookingStore, logs *memoryWebhookLogStore, txns ...*models.PaymentTransaction) *memoryPaymentStore {
	s := &memoryPaymentStore{txns: make(map[uuid.UUID]*models.PaymentTransaction), bookings: bookings, logs: logs}
	for _, txn := range txns {
		cp := *txn
		s.txns[txn.ID] = &cp
	}
	return s
}

func (s *memoryPaymentStore) CreateTransaction(_ context.Context, txn *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *txn
	s.txns[txn.ID] = &cp
	return nil
}

func (s *memoryPaymentStore) GetTransactionByProviderRef(_ context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.Provider == provider && txn.ProviderTransactionID == ref {
			cp := *txn
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memoryPaymentStore) MarkTransactionFailed(_ context.Context, id uuid.UUID, reason string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[id]
	if !ok || txn.Status != models.PaymentInitiated {
		return false, nil
	}
	txn.Status = models.PaymentFailed
	txn.FailureReason = sql.NullString{String: reason, Valid: true}
	return true, nil
}

func (s *memoryPaymentStore) Settle(ctx context.Context, st *database.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.txns[st.TransactionID]
	if !ok || txn.Status != models.PaymentInitiated {
		return database.ErrSettlementConflict
	}
	if st.BookingStatus != "" {
		moved := s.bookings.transition(st.BookingID, []models.BookingStatus{models.BookingAwaitingPayment, models.BookingExpired}, func(b *models.Booking) {
			b.Status = st.BookingStatus
		})
		if !moved {
			return database.ErrSettlementConflict
		}
	}
	txn.Status = st.TransactionStatus
	if st.Refund != nil {
		s.refunds = append(s.refunds, st.Refund)
	}
	s.settles++
	return s.logs.MarkApplied(ctx, st.WebhookLogID, "", st.VerificationNote, st.Now)
}

func (s *memoryPaymentStore) transaction(id uuid.UUID) models.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.txns[id]
}

// fixedGateway verifies every delivery to the same canonical result
type fixedGateway struct {
	result gateway.CanonicalResult
}

func (g fixedGateway) Name() string { return "stub" }

func (g fixedGateway) CheckoutURL(context.Context, gateway.PaymentRequest) (string, error) {
	return "", fmt.Errorf("checkout not supported")
}

func (g fixedGateway) VerifyCallback(map[string]string) gateway.CanonicalResult { return g.result }

func (g fixedGateway) WebhookParams(raw []byte, _ string) (map[string]string, error) {
	return map[string]string{"raw": string(raw)}, nil
}
