package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written to the outbox
const (
	EventBookingPaid           = "booking.paid"
	EventBookingRefundRequired = "booking.refund_required"
	EventBookingExpired        = "booking.expired"
)

// OutboxEvent is a domain event waiting to be relayed to the broker
type OutboxEvent struct {
	ID          uuid.UUID      `db:"id"`
	AggregateID uuid.UUID      `db:"aggregate_id"`
	EventType   string         `db:"event_type"`
	Payload     []byte         `db:"payload"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	PublishedAt sql.NullTime   `db:"published_at"`
}

// BookingEvent is the payload of booking.* events
type BookingEvent struct {
	BookingID    uuid.UUID     `json:"bookingId"`
	BookingCode  string        `json:"bookingCode"`
	CustomerID   uuid.UUID     `json:"customerId"`
	TripID       uuid.UUID     `json:"tripId"`
	SeatNumbers  []string      `json:"seats"`
	Status       BookingStatus `json:"status"`
	Amount       string        `json:"amount"`
	Currency     string        `json:"currency"`
	Provider     string        `json:"provider,omitempty"`
	RefundReason RefundReason  `json:"refundReason,omitempty"`
	LostSeats    []string      `json:"lostSeats,omitempty"`
	OccurredAt   time.Time     `json:"occurredAt"`
}

// NewOutboxEvent marshals a payload into an unsent outbox row
func NewOutboxEvent(aggregateID uuid.UUID, eventType string, payload interface{}) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
