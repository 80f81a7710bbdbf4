package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TripFare is the fare basis of a scheduled trip (trips table)
type TripFare struct {
	TripID            uuid.UUID       `db:"id"`
	BaseFare          decimal.Decimal `db:"base_fare"`
	Currency          string          `db:"currency"`
	VehicleType       string          `db:"vehicle_type"`
	VehicleTypeFactor decimal.Decimal `db:"vehicle_type_factor"`
	DepartureAt       time.Time       `db:"departure_at"`
}

// TripSeat is one seat of a trip's seat map with its price factors
type TripSeat struct {
	TripID         uuid.UUID       `json:"-" db:"trip_id"`
	SeatNo         string          `json:"seatNo" db:"seat_no"`
	Floor          int             `json:"floor" db:"floor"`
	FloorFactor    decimal.Decimal `json:"floorFactor" db:"floor_factor"`
	SeatType       string          `json:"seatType" db:"seat_type"`
	SeatTypeFactor decimal.Decimal `json:"seatTypeFactor" db:"seat_type_factor"`
}

// FareQuote carries everything the pricing evaluator needs, as of QuotedAt
type FareQuote struct {
	TripID            uuid.UUID       `json:"tripId"`
	Currency          string          `json:"currency"`
	BaseFare          decimal.Decimal `json:"baseFare"`
	VehicleType       string          `json:"vehicleType"`
	VehicleTypeFactor decimal.Decimal `json:"vehicleTypeFactor"`
	Seats             []TripSeat      `json:"seats"`
	QuotedAt          time.Time       `json:"quotedAt"`
}
