package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/database"
	"github.com/smarttransit/booking-settlement/internal/gateway"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// PaymentStore is the persistence of payment attempts and their settlement
type PaymentStore interface {
	CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error
	GetTransactionByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentTransaction, error)
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	Settle(ctx context.Context, s *database.Settlement) error
}

// Gateways selects a payment adapter by provider tag
type Gateways interface {
	Get(provider string) (gateway.Gateway, error)
}

// PaymentService starts payments for bookings awaiting payment
type PaymentService struct {
	bookings BookingStore
	payments PaymentStore
	gateways Gateways
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPaymentService creates a new PaymentService
func NewPaymentService(bookings BookingStore, payments PaymentStore, gateways Gateways, logger *logrus.Logger) *PaymentService {
	return &PaymentService{
		bookings: bookings,
		payments: payments,
		gateways: gateways,
		logger:   logger,
		now:      time.Now,
	}
}

// InitiatePayment records a payment attempt for the frozen snapshot total
// and returns the provider's checkout redirect.
func (s *PaymentService) InitiatePayment(
	ctx context.Context,
	bookingID uuid.UUID,
	customerID uuid.UUID,
	provider string,
	clientIP string,
) (*models.InitiatePaymentResponse, error) {
	// 1. Resolve the adapter first so unknown providers change nothing
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	// 2. Get booking and verify ownership
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if booking == nil {
		return nil, fmt.Errorf("booking %s: %w", bookingID, models.ErrNotFound)
	}
	if booking.CustomerID != customerID {
		return nil, models.ErrForbidden
	}

	// 3. Only an unexpired hold may be paid
	now := s.now().UTC()
	if !booking.IsPayableAt(now) {
		return nil, models.ErrBookingNotPayable
	}

	// 4. Record the attempt before redirecting so every notification has a row to match
	txn := &models.PaymentTransaction{
		ID:                    uuid.New(),
		BookingID:             booking.ID,
		Provider:              gw.Name(),
		ProviderTransactionID: newMerchantReference(now),
		Amount:                booking.PricingSnapshot.Total,
		Currency:              booking.Currency,
		Status:                models.PaymentInitiated,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.payments.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create payment transaction: %w", err)
	}

	paymentURL, err := gw.CheckoutURL(ctx, gateway.PaymentRequest{
		Reference:   txn.ProviderTransactionID,
		BookingID:   booking.ID,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Description: fmt.Sprintf("Bus Booking - %s", booking.BookingCode),
		ClientIP:    clientIP,
		ExpiresAt:   booking.ExpiresAt,
	})
	if err != nil {
		if _, ferr := s.payments.MarkTransactionFailed(ctx, txn.ID, "checkout failed", s.now().UTC()); ferr != nil {
			s.logger.WithError(ferr).WithField("transaction_id", txn.ID).Warn("Failed to mark transaction failed")
		}
		if models.IsValidation(err) {
			return nil, err
		}
		s.logger.WithError(err).WithField("provider", gw.Name()).Error("Failed to initiate payment")
		return nil, fmt.Errorf("payment gateway error: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":      booking.ID,
		"provider":        gw.Name(),
		"transaction_ref": txn.ProviderTransactionID,
		"amount":          txn.Amount.StringFixed(2),
	}).Info("Payment initiated")

	return &models.InitiatePaymentResponse{
		PaymentURL:     paymentURL,
		Provider:       gw.Name(),
		TransactionRef: txn.ProviderTransactionID,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		ExpiresAt:      booking.ExpiresAt,
	}, nil
}

// newMerchantReference is unique per attempt. The yymmdd prefix is required by
// ZaloPay and harmless elsewhere.
func newMerchantReference(now time.Time) string {
	return now.Format("060102") + "_" + shortuuid.New()
}
