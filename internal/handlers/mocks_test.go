package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/booking-settlement/internal/middleware"
	"github.com/smarttransit/booking-settlement/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// withUser stands in for AuthMiddleware
func withUser(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserContextKey, middleware.UserContext{UserID: userID, Roles: []string{"passenger"}})
		c.Set("userID", userID.String())
		c.Next()
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============================================================================
// MOCKS
// ============================================================================

type mockSeatLocker struct {
	mock.Mock
}

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

func (m *mockSeatLocker) ReleaseLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error) {
	args := m.Called(ctx, lockID)
	resp, _ := args.Get(0).(*models.ReleaseResponse)
	return resp, args.Error(1)
}

func (m *mockSeatLocker) ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error) {
	args := m.Called(ctx, lockID)
	resp, _ := args.Get(0).(*models.ReleaseResponse)
	return resp, args.Error(1)
}

func (m *mockSeatLocker) ReleaseSeats(ctx context.Context, req *models.ReleaseSeatsRequest) (*models.ReleaseResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*models.ReleaseResponse)
	return resp, args.Error(1)
}

type mockFareQuoter struct {
	mock.Mock
}

func (m *mockFareQuoter) Quote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error) {
	args := m.Called(ctx, tripID, seats)
	quote, _ := args.Get(0).(*models.FareQuote)
	return quote, args.Error(1)
}

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) CreateDraft(ctx context.Context, req *models.CreateDraftRequest) (*models.BookingDraftResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*models.BookingDraftResult)
	return result, args.Error(1)
}

func (m *mockOrchestrator) GetBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error) {
	args := m.Called(ctx, id, customerID)
	view, _ := args.Get(0).(*models.BookingView)
	return view, args.Error(1)
}

func (m *mockOrchestrator) CancelBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error) {
	args := m.Called(ctx, id, customerID)
	view, _ := args.Get(0).(*models.BookingView)
	return view, args.Error(1)
}

type mockPaymentInitiator struct {
	mock.Mock
}

func (m *mockPaymentInitiator) InitiatePayment(ctx context.Context, bookingID, customerID uuid.UUID, provider, clientIP string) (*models.InitiatePaymentResponse, error) {
	args := m.Called(ctx, bookingID, customerID, provider, clientIP)
	resp, _ := args.Get(0).(*models.InitiatePaymentResponse)
	return resp, args.Error(1)
}

type mockWebhookProcessor struct {
	mock.Mock
}

func (m *mockWebhookProcessor) ProcessWebhook(ctx context.Context, in models.WebhookInput) (*models.WebhookResult, error) {
	args := m.Called(ctx, in)
	result, _ := args.Get(0).(*models.WebhookResult)
	return result, args.Error(1)
}
