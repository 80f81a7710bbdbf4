package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// ============================================================================
// ROUTE SIDE
// ============================================================================

type mockSeatLockStore struct{ mock.Mock }

func (m *mockSeatLockStore) TryLock(ctx context.Context, batch *models.SeatLockBatch, now time.Time) (*models.SeatLockBatch, bool, error) {
	args := m.Called(ctx, batch, now)
	if fn, ok := args.Get(0).(func(context.Context, *models.SeatLockBatch, time.Time) *models.SeatLockBatch); ok {
		return fn(ctx, batch, now), args.Bool(1), args.Error(2)
	}
	stored, _ := args.Get(0).(*models.SeatLockBatch)
	return stored, args.Bool(1), args.Error(2)
}

func (m *mockSeatLockStore) GetBatchByIdemKey(ctx context.Context, idemKey string) (*models.SeatLockBatch, error) {
	args := m.Called(ctx, idemKey)
	batch, _ := args.Get(0).(*models.SeatLockBatch)
	return batch, args.Error(1)
}

func (m *mockSeatLockStore) GetBatch(ctx context.Context, lockID uuid.UUID) (*models.SeatLockBatch, error) {
	args := m.Called(ctx, lockID)
	batch, _ := args.Get(0).(*models.SeatLockBatch)
	return batch, args.Error(1)
}

func (m *mockSeatLockStore) ConfirmBatch(ctx context.Context, batch *models.SeatLockBatch, holderID string, now time.Time) ([]string, error) {
	args := m.Called(ctx, batch, holderID, now)
	lost, _ := args.Get(0).([]string)
	return lost, args.Error(1)
}

func (m *mockSeatLockStore) ReleaseBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error) {
	args := m.Called(ctx, lockID, now)
	return args.Int(0), args.Error(1)
}

func (m *mockSeatLockStore) ReleaseHeldBatch(ctx context.Context, lockID uuid.UUID, now time.Time) (int, error) {
	args := m.Called(ctx, lockID, now)
	return args.Int(0), args.Error(1)
}

func (m *mockSeatLockStore) ReleaseSeats(ctx context.Context, tripID uuid.UUID, seats []string, holderID string, now time.Time) (int, error) {
	args := m.Called(ctx, tripID, seats, holderID, now)
	return args.Int(0), args.Error(1)
}

func (m *mockSeatLockStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockTripSeatStore struct{ mock.Mock }

func (m *mockTripSeatStore) GetTripFare(ctx context.Context, tripID uuid.UUID) (*models.TripFare, error) {
	args := m.Called(ctx, tripID)
	fare, _ := args.Get(0).(*models.TripFare)
	return fare, args.Error(1)
}

func (m *mockTripSeatStore) GetTripSeats(ctx context.Context, tripID uuid.UUID, seats []string) ([]models.TripSeat, error) {
	args := m.Called(ctx, tripID, seats)
	result, _ := args.Get(0).([]models.TripSeat)
	return result, args.Error(1)
}

// ============================================================================
// BOOKING SIDE
// ============================================================================

type mockBookingStore struct{ mock.Mock }

func (m *mockBookingStore) GetByIdemKey(ctx context.Context, idemKey string) (*models.Booking, error) {
	args := m.Called(ctx, idemKey)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *mockBookingStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	args := m.Called(ctx, id)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *mockBookingStore) ListExpired(ctx context.Context, status models.BookingStatus, now time.Time, limit int) ([]models.Booking, error) {
	args := m.Called(ctx, status, now, limit)
	list, _ := args.Get(0).([]models.Booking)
	return list, args.Error(1)
}

func (m *mockBookingStore) InsertDraft(ctx context.Context, b *models.Booking) (bool, error) {
	args := m.Called(ctx, b)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingStore) MarkAwaitingPayment(ctx context.Context, id, lockID uuid.UUID, expiresAt, now time.Time) (bool, error) {
	args := m.Called(ctx, id, lockID, expiresAt, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingStore) MarkFailed(ctx context.Context, id uuid.UUID, conflicts []string, reason string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, conflicts, reason, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingStore) MarkExpired(ctx context.Context, id uuid.UUID, from models.BookingStatus, now time.Time) (bool, error) {
	args := m.Called(ctx, id, from, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockBookingStore) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

type mockSeatLocker struct{ mock.Mock }

func (m *mockSeatLocker) TryLockSeats(ctx context.Context, req *models.TryLockRequest) (*models.LockResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*models.LockResult)
	return result, args.Error(1)
}

func (m *mockSeatLocker) GetLockResult(ctx context.Context, idemKey string) (*models.LockResult, error) {
	args := m.Called(ctx, idemKey)
	result, _ := args.Get(0).(*models.LockResult)
	return result, args.Error(1)
}

func (m *mockSeatLocker) ConfirmLocks(ctx context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error) {
	args := m.Called(ctx, lockID, holderID)
	resp, _ := args.Get(0).(*models.ConfirmLocksResponse)
	return resp, args.Error(1)
}

func (m *mockSeatLocker) ReleaseLocks(ctx context.Context, lockID uuid.UUID) error {
	return m.Called(ctx, lockID).Error(0)
}

func (m *mockSeatLocker) ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) error {
	return m.Called(ctx, lockID).Error(0)
}

type mockPricer struct{ mock.Mock }

func (m *mockPricer) Evaluate(ctx context.Context, req EvaluateRequest) (*models.PricingSnapshot, error) {
	args := m.Called(ctx, req)
	snapshot, _ := args.Get(0).(*models.PricingSnapshot)
	return snapshot, args.Error(1)
}

func (m *mockPricer) EvaluateWithoutPromotion(ctx context.Context, req EvaluateRequest, rejected *models.PromotionInvalidError) (*models.PricingSnapshot, error) {
	args := m.Called(ctx, req, rejected)
	snapshot, _ := args.Get(0).(*models.PricingSnapshot)
	return snapshot, args.Error(1)
}

type mockOutboxStore struct{ mock.Mock }

func (m *mockOutboxStore) Insert(ctx context.Context, evt *models.OutboxEvent) error {
	return m.Called(ctx, evt).Error(0)
}

type mockFareQuoter struct{ mock.Mock }

func (m *mockFareQuoter) GetFareQuote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error) {
	args := m.Called(ctx, tripID, seats)
	quote, _ := args.Get(0).(*models.FareQuote)
	return quote, args.Error(1)
}

type mockPromotionStore struct{ mock.Mock }

func (m *mockPromotionStore) GetByCode(ctx context.Context, code string) (*models.Promotion, error) {
	args := m.Called(ctx, code)
	promo, _ := args.Get(0).(*models.Promotion)
	return promo, args.Error(1)
}

func (m *mockPromotionStore) GetUsage(ctx context.Context, code string, customerID uuid.UUID) (models.PromotionUsage, error) {
	args := m.Called(ctx, code, customerID)
	return args.Get(0).(models.PromotionUsage), args.Error(1)
}

// ============================================================================
// PAYMENTS
// ============================================================================

type mockPaymentStore struct{ mock.Mock }

func (m *mockPaymentStore) CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	return m.Called(ctx, txn).Error(0)
}

func (m *mockPaymentStore) GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error) {
	args := m.Called(ctx, provider, ref)
	txn, _ := args.Get(0).(*models.PaymentTransaction)
	return txn, args.Error(1)
}

func (m *mockPaymentStore) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, reason, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockPaymentStore) Settle(ctx context.Context, s *database.Settlement) error {
	return m.Called(ctx, s).Error(0)
}

type mockWebhookLogStore struct{ mock.Mock }

func (m *mockWebhookLogStore) Claim(ctx context.Context, entry *models.PaymentWebhookLog) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *mockWebhookLogStore) GetByFingerprint(ctx context.Context, provider, fingerprint string) (*models.PaymentWebhookLog, error) {
	args := m.Called(ctx, provider, fingerprint)
	entry, _ := args.Get(0).(*models.PaymentWebhookLog)
	return entry, args.Error(1)
}

func (m *mockWebhookLogStore) TakeOver(ctx context.Context, id uuid.UUID, lease time.Duration, now time.Time) (bool, error) {
	args := m.Called(ctx, id, lease, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockWebhookLogStore) RecordDuplicate(ctx context.Context, id uuid.UUID, now time.Time) error {
	return m.Called(ctx, id, now).Error(0)
}

func (m *mockWebhookLogStore) MarkVerified(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error {
	return m.Called(ctx, id, providerTxnID, note, now).Error(0)
}

func (m *mockWebhookLogStore) MarkRejected(ctx context.Context, id uuid.UUID, providerTxnID, reason string, now time.Time) error {
	return m.Called(ctx, id, providerTxnID, reason, now).Error(0)
}

func (m *mockWebhookLogStore) MarkApplied(ctx context.Context, id uuid.UUID, providerTxnID, note string, now time.Time) error {
	return m.Called(ctx, id, providerTxnID, note, now).Error(0)
}

func (m *mockWebhookLogStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

// stubGateway is a provider whose verification outcome is fixed by the test
type stubGateway struct {
	name     string
	result   gateway.CanonicalResult
	checkout string
	err      error
	requests []gateway.PaymentRequest
	params   map[string]string
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) CheckoutURL(_ context.Context, req gateway.PaymentRequest) (string, error) {
	g.requests = append(g.requests, req)
	return g.checkout, g.err
}

func (g *stubGateway) VerifyCallback(params map[string]string) gateway.CanonicalResult {
	g.params = params
	return g.result
}

func (g *stubGateway) WebhookParams(raw []byte, _ string) (map[string]string, error) {
	return map[string]string{"raw": string(raw)}, nil
}

// ============================================================================
// OUTBOX
// ============================================================================

type mockRelayStore struct{ mock.Mock }

func (m *mockRelayStore) RelayBatch(ctx context.Context, limit int, publish func(context.Context, *models.OutboxEvent) error) (int, int, error) {
	args := m.Called(ctx, limit, publish)
	return args.Int(0), args.Int(1), args.Error(2)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	return m.Called(ctx, routingKey, messageID, body).Error(0)
}
