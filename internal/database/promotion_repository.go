package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// PromotionRepository reads the promotion ledger
type PromotionRepository struct {
	db *sqlx.DB
}

// NewPromotionRepository creates a new PromotionRepository
func NewPromotionRepository(db *sqlx.DB) *PromotionRepository {
	return &PromotionRepository{db: db}
}

// GetByCode retrieves a promotion by its code
func (r *PromotionRepository) GetByCode(ctx context.Context, code string) (*models.Promotion, error) {
	promo := &models.Promotion{}
	err := r.db.GetContext(ctx, promo, `
		SELECT code, discount_type, discount_value, max_discount, min_amount,
		       starts_at, ends_at, usage_limit, per_customer_limit, is_active
		FROM promotions
		WHERE code = $1`, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promotion: %w", err)
	}
	return promo, nil
}

// GetUsage counts consumed applications of a promotion overall and for one customer
func (r *PromotionRepository) GetUsage(ctx context.Context, code string, customerID uuid.UUID) (models.PromotionUsage, error) {
	var usage models.PromotionUsage
	err := r.db.GetContext(ctx, &usage, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE customer_id = $2) AS for_customer
		FROM applied_promotions
		WHERE promotion_code = $1`,
		code, customerID,
	)
	if err != nil {
		return usage, fmt.Errorf("failed to get promotion usage: %w", err)
	}
	return usage, nil
}
