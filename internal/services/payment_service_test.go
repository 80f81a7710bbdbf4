package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/models"
)

var paymentNow = time.Date(2026, 6, 2, 8, 40, 0, 0, time.UTC)

func setupPaymentTest(t *testing.T) (*PaymentService, *mockBookingStore, *mockPaymentStore, *stubGateway) {
	t.Helper()
	bookings := new(mockBookingStore)
	payments := new(mockPaymentStore)
	gw := &stubGateway{name: "momo", checkout: "https://test-payment.momo.vn/pay/abc"}
	svc := NewPaymentService(bookings, payments, gateway.NewRegistry(gw), testLogger())
	svc.now = fixedClock(paymentNow)
	t.Cleanup(func() {
		bookings.AssertExpectations(t)
		payments.AssertExpectations(t)
	})
	return svc, bookings, payments, gw
}

func payableBooking(customerID uuid.UUID) *models.Booking {
	return &models.Booking{
		ID:          uuid.New(),
		BookingCode: "BK23456789AB",
		CustomerID:  customerID,
		Status:      models.BookingAwaitingPayment,
		PricingSnapshot: models.PricingSnapshot{
			Currency: "VND",
			Subtotal: dec("230000"),
			Total:    dec("230000"),
		},
		TotalAmount: dec("230000"),
		Currency:    "VND",
		ExpiresAt:   paymentNow.Add(8 * time.Minute),
	}
}

func TestInitiatePayment_CreatesAttemptForSnapshotTotal(t *testing.T) {
	svc, bookings, payments, gw := setupPaymentTest(t)
	customerID := uuid.New()
	b := payableBooking(customerID)

	bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)
	var txn *models.PaymentTransaction
	payments.On("CreateTransaction", mock.Anything, mock.AnythingOfType("*models.PaymentTransaction")).
		Run(func(args mock.Arguments) { txn = args.Get(1).(*models.PaymentTransaction) }).
		Return(nil)

	resp, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "MoMo", "203.0.113.7")

	require.NoError(t, err)
	assert.Equal(t, gw.checkout, resp.PaymentURL)
	assert.Equal(t, "momo", resp.Provider)
	assert.True(t, dec("230000").Equal(resp.Amount))
	assert.Equal(t, b.ExpiresAt, resp.ExpiresAt)

	require.NotNil(t, txn)
	assert.Equal(t, models.PaymentInitiated, txn.Status)
	assert.Equal(t, b.ID, txn.BookingID)
	assert.Regexp(t, `^260602_`, txn.ProviderTransactionID)
	assert.Equal(t, txn.ProviderTransactionID, resp.TransactionRef)

	require.Len(t, gw.requests, 1)
	assert.Equal(t, txn.ProviderTransactionID, gw.requests[0].Reference)
	assert.Equal(t, "203.0.113.7", gw.requests[0].ClientIP)
	assert.Equal(t, "Bus Booking - BK23456789AB", gw.requests[0].Description)
}

func TestInitiatePayment_Rejections(t *testing.T) {
	customerID := uuid.New()

	t.Run("unknown provider changes nothing", func(t *testing.T) {
		svc, _, _, _ := setupPaymentTest(t)
		_, err := svc.InitiatePayment(context.Background(), uuid.New(), customerID, "paypal", "")
		assert.ErrorIs(t, err, models.ErrUnknownProvider)
	})

	t.Run("not found", func(t *testing.T) {
		svc, bookings, _, _ := setupPaymentTest(t)
		id := uuid.New()
		bookings.On("GetByID", mock.Anything, id).Return(nil, nil)

		_, err := svc.InitiatePayment(context.Background(), id, customerID, "momo", "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("other customer", func(t *testing.T) {
		svc, bookings, _, _ := setupPaymentTest(t)
		b := payableBooking(uuid.New())
		bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)

		_, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "momo", "")
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("hold expired", func(t *testing.T) {
		svc, bookings, _, _ := setupPaymentTest(t)
		b := payableBooking(customerID)
		b.ExpiresAt = paymentNow
		bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)

		_, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "momo", "")
		assert.ErrorIs(t, err, models.ErrBookingNotPayable)
	})

	t.Run("already paid", func(t *testing.T) {
		svc, bookings, _, _ := setupPaymentTest(t)
		b := payableBooking(customerID)
		b.Status = models.BookingPaid
		bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)

		_, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "momo", "")
		assert.ErrorIs(t, err, models.ErrBookingNotPayable)
	})
}

func TestInitiatePayment_GatewayFailureMarksAttemptFailed(t *testing.T) {
	svc, bookings, payments, gw := setupPaymentTest(t)
	customerID := uuid.New()
	b := payableBooking(customerID)
	gw.err = errors.New("momo returned resultCode 99")

	bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)
	payments.On("CreateTransaction", mock.Anything, mock.Anything).Return(nil)
	payments.On("MarkTransactionFailed", mock.Anything, mock.Anything, "checkout failed", paymentNow).Return(true, nil)

	_, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "momo", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment gateway error")
}

func TestInitiatePayment_GatewayValidationPassesThrough(t *testing.T) {
	svc, bookings, payments, gw := setupPaymentTest(t)
	customerID := uuid.New()
	b := payableBooking(customerID)
	gw.err = models.NewValidationError("amount", "amount must be a whole number of VND")

	bookings.On("GetByID", mock.Anything, b.ID).Return(b, nil)
	payments.On("CreateTransaction", mock.Anything, mock.Anything).Return(nil)
	payments.On("MarkTransactionFailed", mock.Anything, mock.Anything, "checkout failed", paymentNow).Return(true, nil)

	_, err := svc.InitiatePayment(context.Background(), b.ID, customerID, "momo", "")

	assert.True(t, models.IsValidation(err))
}
