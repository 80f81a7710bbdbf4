package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
)

// FareQuoter fetches fare factors from the route service
type FareQuoter interface {
	GetFareQuote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error)
}

// PromotionStore reads promotions and their consumption
type PromotionStore interface {
	GetByCode(ctx context.Context, code string) (*models.Promotion, error)
	GetUsage(ctx context.Context, code string, customerID uuid.UUID) (models.PromotionUsage, error)
}

// EvaluateRequest is the input of a price evaluation
type EvaluateRequest struct {
	TripID      uuid.UUID
	SeatNumbers []string
	PromoCode   string
	CustomerID  uuid.UUID
}

var hundred = decimal.NewFromInt(100)

// PricingService computes frozen pricing snapshots. It never writes.
type PricingService struct {
	fares      FareQuoter
	promotions PromotionStore
	logger     *logrus.Logger
	now        func() time.Time
}

// NewPricingService creates a new PricingService
func NewPricingService(fares FareQuoter, promotions PromotionStore, logger *logrus.Logger) *PricingService {
	return &PricingService{
		fares:      fares,
		promotions: promotions,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate prices the requested seats and applies the promo code, if any.
// An ineligible promo code returns *PromotionInvalidError.
func (s *PricingService) Evaluate(ctx context.Context, req EvaluateRequest) (*models.PricingSnapshot, error) {
	quote, err := s.fares.GetFareQuote(ctx, req.TripID, req.SeatNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to get fare quote: %w", err)
	}

	var (
		promo *models.Promotion
		usage models.PromotionUsage
	)
	if req.PromoCode != "" {
		promo, err = s.promotions.GetByCode(ctx, req.PromoCode)
		if err != nil {
			return nil, fmt.Errorf("failed to get promotion: %w", err)
		}
		if promo == nil {
			return nil, &models.PromotionInvalidError{Code: req.PromoCode, Reason: "promotion does not exist"}
		}
		usage, err = s.promotions.GetUsage(ctx, promo.Code, req.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get promotion usage: %w", err)
		}
	}

	return ComputeSnapshot(quote, promo, usage, s.now().UTC())
}

// EvaluateWithoutPromotion prices the seats at full fare and records why the
// promotion was dropped.
func (s *PricingService) EvaluateWithoutPromotion(ctx context.Context, req EvaluateRequest, rejected *models.PromotionInvalidError) (*models.PricingSnapshot, error) {
	quote, err := s.fares.GetFareQuote(ctx, req.TripID, req.SeatNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to get fare quote: %w", err)
	}
	snapshot, err := ComputeSnapshot(quote, nil, models.PromotionUsage{}, s.now().UTC())
	if err != nil {
		return nil, err
	}
	snapshot.PromotionRejected = rejected.Error()
	return snapshot, nil
}

// ComputeSnapshot is the pure pricing function. The same quote, promotion,
// usage and instant always produce the same snapshot.
//
//	seat price = baseFare × floorFactor × seatTypeFactor × vehicleTypeFactor
//	subtotal   = Σ seat price
//	total      = subtotal − discount
//
// Every amount is rounded half away from zero to 2 decimal places.
func ComputeSnapshot(quote *models.FareQuote, promo *models.Promotion, usage models.PromotionUsage, now time.Time) (*models.PricingSnapshot, error) {
	if quote == nil || len(quote.Seats) == 0 {
		return nil, models.NewValidationError("seats", "at least one seat is required")
	}

	seats := make([]models.SeatPrice, 0, len(quote.Seats))
	subtotal := decimal.Zero
	for _, seat := range quote.Seats {
		price := quote.BaseFare.
			Mul(seat.FloorFactor).
			Mul(seat.SeatTypeFactor).
			Mul(quote.VehicleTypeFactor).
			Round(2)
		if price.IsNegative() {
			return nil, models.NewValidationError("seats", fmt.Sprintf("seat %s has a negative price", seat.SeatNo))
		}
		seats = append(seats, models.SeatPrice{
			SeatNo:         seat.SeatNo,
			Floor:          seat.Floor,
			FloorFactor:    seat.FloorFactor,
			SeatType:       seat.SeatType,
			SeatTypeFactor: seat.SeatTypeFactor,
			Price:          price,
		})
		subtotal = subtotal.Add(price)
	}

	snapshot := &models.PricingSnapshot{
		TripID:            quote.TripID,
		Currency:          quote.Currency,
		BaseFare:          quote.BaseFare,
		VehicleType:       quote.VehicleType,
		VehicleTypeFactor: quote.VehicleTypeFactor,
		Seats:             seats,
		Subtotal:          subtotal,
		Total:             subtotal,
		CalculatedAt:      now,
	}

	if promo == nil {
		return snapshot, nil
	}

	if err := checkPromotion(promo, usage, subtotal, now); err != nil {
		return nil, err
	}

	discount := discountFor(promo, subtotal)
	snapshot.Promotion = &models.AppliedDiscount{
		Code:           promo.Code,
		DiscountType:   promo.DiscountType,
		DiscountValue:  promo.DiscountValue,
		DiscountAmount: discount,
	}
	snapshot.Total = subtotal.Sub(discount)
	return snapshot, nil
}

// checkPromotion applies the eligibility rules in a fixed order so the
// reported reason is stable.
func checkPromotion(promo *models.Promotion, usage models.PromotionUsage, subtotal decimal.Decimal, now time.Time) error {
	invalid := func(reason string) error {
		return &models.PromotionInvalidError{Code: promo.Code, Reason: reason}
	}
	switch {
	case !promo.IsActive:
		return invalid("promotion is not active")
	case now.Before(promo.StartsAt):
		return invalid("promotion has not started")
	case !now.Before(promo.EndsAt):
		return invalid("promotion has ended")
	case promo.UsageLimit != nil && usage.Total >= *promo.UsageLimit:
		return invalid("promotion usage limit reached")
	case promo.PerCustomerLimit != nil && usage.ForCustomer >= *promo.PerCustomerLimit:
		return invalid("customer usage limit reached")
	case subtotal.LessThan(promo.MinAmount):
		return invalid(fmt.Sprintf("order amount below minimum %s", promo.MinAmount.StringFixed(2)))
	}
	return nil
}

func discountFor(promo *models.Promotion, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch promo.DiscountType {
	case models.DiscountPercent:
		discount = subtotal.Mul(promo.DiscountValue).Div(hundred)
		if promo.MaxDiscount.Valid && discount.GreaterThan(promo.MaxDiscount.Decimal) {
			discount = promo.MaxDiscount.Decimal
		}
	case models.DiscountFixed:
		discount = decimal.Min(promo.DiscountValue, subtotal)
	}
	discount = discount.Round(2)
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount
}

// IsPromotionInvalid reports whether err is a *PromotionInvalidError
func IsPromotionInvalid(err error) (*models.PromotionInvalidError, bool) {
	var pe *models.PromotionInvalidError
	ok := errors.As(err, &pe)
	return pe, ok
}
