package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/observability"
)

// OutboxRelayStore hands out unpublished events under a row lock
type OutboxRelayStore interface {
	RelayBatch(ctx context.Context, limit int, publish func(context.Context, *models.OutboxEvent) error) (int, int, error)
}

// EventPublisher delivers one event to the broker
type EventPublisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

// OutboxRelayService moves committed domain events from the outbox to the broker
type OutboxRelayService struct {
	store     OutboxRelayStore
	publisher EventPublisher
	interval  time.Duration
	batchSize int
	logger    *logrus.Logger
}

// NewOutboxRelayService creates a new OutboxRelayService
func NewOutboxRelayService(store OutboxRelayStore, publisher EventPublisher, interval time.Duration, batchSize int, logger *logrus.Logger) *OutboxRelayService {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxRelayService{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run relays batches until ctx is cancelled. A full batch is followed
// immediately by the next one.
func (s *OutboxRelayService) Run(ctx context.Context) error {
	s.logger.WithField("interval", s.interval).Info("Outbox relay started")
	defer s.logger.Info("Outbox relay stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		published, err := s.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Outbox relay batch failed")
		}

		next := s.interval
		if published == s.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RelayOnce publishes at most one batch and returns how many events were published
func (s *OutboxRelayService) RelayOnce(ctx context.Context) (int, error) {
	published, failed, err := s.store.RelayBatch(ctx, s.batchSize, s.publish)
	if err != nil {
		return 0, err
	}
	if published > 0 {
		observability.OutboxPublished.WithLabelValues("published").Add(float64(published))
	}
	if failed > 0 {
		observability.OutboxPublished.WithLabelValues("failed").Add(float64(failed))
		s.logger.WithFields(logrus.Fields{
			"published": published,
			"failed":    failed,
		}).Warn("Some outbox events could not be published")
	}
	return published, nil
}

func (s *OutboxRelayService) publish(ctx context.Context, evt *models.OutboxEvent) error {
	return s.publisher.Publish(ctx, evt.EventType, evt.ID.String(), evt.Payload)
}
