package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// TripFareRepository reads fare bases and seat factors
type TripFareRepository struct {
	db *sqlx.DB
}

// NewTripFareRepository creates a new TripFareRepository
func NewTripFareRepository(db *sqlx.DB) *TripFareRepository {
	return &TripFareRepository{db: db}
}

// GetTripFare retrieves the fare basis of a trip
func (r *TripFareRepository) GetTripFare(ctx context.Context, tripID uuid.UUID) (*models.TripFare, error) {
	fare := &models.TripFare{}
	err := r.db.GetContext(ctx, fare, `
		SELECT id, base_fare, currency, vehicle_type, vehicle_type_factor, departure_at
		FROM trips
		WHERE id = $1`, tripID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip fare: %w", err)
	}
	return fare, nil
}

// GetTripSeats retrieves the requested seats of a trip's seat map.
// Seats that do not exist are simply absent from the result.
func (r *TripFareRepository) GetTripSeats(ctx context.Context, tripID uuid.UUID, seats []string) ([]models.TripSeat, error) {
	var result []models.TripSeat
	err := r.db.SelectContext(ctx, &result, `
		SELECT trip_id, seat_no, floor, floor_factor, seat_type, seat_type_factor
		FROM trip_seats
		WHERE trip_id = $1 AND seat_no = ANY($2)
		ORDER BY seat_no`,
		tripID, models.StringArray(seats),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get trip seats: %w", err)
	}
	return result, nil
}
