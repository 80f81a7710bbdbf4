package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// PROMOTIONS (promotions, applied_promotions tables)
// ============================================================================

// DiscountType is how a promotion reduces the subtotal
type DiscountType string

const (
	DiscountPercent DiscountType = "PERCENT"
	DiscountFixed   DiscountType = "FIXED"
)

// Promotion is a promo code definition
type Promotion struct {
	Code             string              `db:"code"`
	DiscountType     DiscountType        `db:"discount_type"`
	DiscountValue    decimal.Decimal     `db:"discount_value"`
	MaxDiscount      decimal.NullDecimal `db:"max_discount"`
	MinAmount        decimal.Decimal     `db:"min_amount"`
	StartsAt         time.Time           `db:"starts_at"`
	EndsAt           time.Time           `db:"ends_at"`
	UsageLimit       *int                `db:"usage_limit"`
	PerCustomerLimit *int                `db:"per_customer_limit"`
	IsActive         bool                `db:"is_active"`
}

// PromotionUsage is how often a promotion has been consumed
type PromotionUsage struct {
	Total       int `db:"total"`
	ForCustomer int `db:"for_customer"`
}

// ============================================================================
// PRICING SNAPSHOT (stored as JSONB on bookings)
// ============================================================================

// SeatPrice is the computed price of one seat
type SeatPrice struct {
	SeatNo         string          `json:"seatNo"`
	Floor          int             `json:"floor"`
	FloorFactor    decimal.Decimal `json:"floorFactor"`
	SeatType       string          `json:"seatType"`
	SeatTypeFactor decimal.Decimal `json:"seatTypeFactor"`
	Price          decimal.Decimal `json:"price"`
}

// AppliedDiscount records the promotion baked into a snapshot
type AppliedDiscount struct {
	Code           string          `json:"code"`
	DiscountType   DiscountType    `json:"discountType"`
	DiscountValue  decimal.Decimal `json:"discountValue"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

// PricingSnapshot is the frozen price breakdown of a booking.
// It is never recomputed after the draft is created.
type PricingSnapshot struct {
	TripID            uuid.UUID        `json:"tripId"`
	Currency          string           `json:"currency"`
	BaseFare          decimal.Decimal  `json:"baseFare"`
	VehicleType       string           `json:"vehicleType"`
	VehicleTypeFactor decimal.Decimal  `json:"vehicleTypeFactor"`
	Seats             []SeatPrice      `json:"seats"`
	Subtotal          decimal.Decimal  `json:"subtotal"`
	Promotion         *AppliedDiscount `json:"promotion,omitempty"`
	PromotionRejected string           `json:"promotionRejected,omitempty"`
	Total             decimal.Decimal  `json:"total"`
	CalculatedAt      time.Time        `json:"calculatedAt"`
}

// DiscountAmount returns the applied discount or zero
func (p PricingSnapshot) DiscountAmount() decimal.Decimal {
	if p.Promotion == nil {
		return decimal.Zero
	}
	return p.Promotion.DiscountAmount
}

// Value implements driver.Valuer for JSONB storage
func (p PricingSnapshot) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB storage
func (p *PricingSnapshot) Scan(value interface{}) error {
	if value == nil {
		*p = PricingSnapshot{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("type assertion to []byte failed for PricingSnapshot")
	}
}
