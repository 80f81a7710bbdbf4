package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// channel is the subset of *amqp.Channel the publisher needs
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and channel to the broker
type dialFunc func() (closer, channel, error)

type closer interface {
	Close() error
}

// Publisher sends domain events to a durable topic exchange.
// A broken channel is re-opened once per publish attempt.
type Publisher struct {
	exchange string
	dial     dialFunc
	logger   *logrus.Logger

	mu   sync.Mutex
	conn closer
	ch   channel
}

// NewPublisher dials url and declares the exchange
func NewPublisher(url, exchange string, logger *logrus.Logger) (*Publisher, error) {
	dial := func() (closer, channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
		return conn, ch, nil
	}
	return newPublisher(exchange, dial, logger)
}

func newPublisher(exchange string, dial dialFunc, logger *logrus.Logger) (*Publisher, error) {
	p := &Publisher{exchange: exchange, dial: dial, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with mu held or before the publisher is shared
func (p *Publisher) connect() error {
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish sends body with routingKey. messageID lets consumers drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}

	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.logger.Warn("RabbitMQ channel closed, reconnecting")
		p.closeLocked()
		if err = p.connect(); err != nil {
			return err
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// Close releases the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}
