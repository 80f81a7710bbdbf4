package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/pkg/validator"
)

// FareService serves the price factors of a trip's seats
type FareService struct {
	trips     TripSeatStore
	validator *validator.SeatValidator
	now       func() time.Time
}

// NewFareService creates a new FareService
func NewFareService(trips TripSeatStore, maxSeats int) *FareService {
	return &FareService{
		trips:     trips,
		validator: validator.NewSeatValidator(maxSeats),
		now:       time.Now,
	}
}

// Quote returns the fare basis of tripID and the factors of each requested seat
func (s *FareService) Quote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error) {
	seats, err := s.validator.ValidateSeats(seats)
	if err != nil {
		return nil, models.NewValidationError("seats", err.Error())
	}

	fare, err := s.trips.GetTripFare(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trip fare: %w", err)
	}
	if fare == nil {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}

	tripSeats, err := s.trips.GetTripSeats(ctx, tripID, seats)
	if err != nil {
		return nil, fmt.Errorf("failed to get trip seats: %w", err)
	}
	bySeat := lo.KeyBy(tripSeats, func(seat models.TripSeat) string { return seat.SeatNo })

	ordered := make([]models.TripSeat, 0, len(seats))
	for _, seatNo := range seats {
		seat, ok := bySeat[seatNo]
		if !ok {
			return nil, models.NewValidationError("seats", fmt.Sprintf("seat %s does not exist on this trip", seatNo))
		}
		ordered = append(ordered, seat)
	}

	return &models.FareQuote{
		TripID:            fare.TripID,
		Currency:          fare.Currency,
		BaseFare:          fare.BaseFare,
		VehicleType:       fare.VehicleType,
		VehicleTypeFactor: fare.VehicleTypeFactor,
		Seats:             ordered,
		QuotedAt:          s.now().UTC(),
	}, nil
}
