// Package routeclient calls the route service's internal seat-lock and fare API.
package routeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/observability"
)

// TokenSource supplies the bearer token for service-to-service calls
type TokenSource interface {
	Token() (string, error)
}

// Client is the booking service's view of the route service
type Client struct {
	baseURL     string
	http        *http.Client
	tokens      TokenSource
	maxAttempts int
	backoff     time.Duration
	logger      *logrus.Logger
}

// errorBody mirrors the route service's error responses
type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Seats   []string `json:"seats,omitempty"`
}

// transientError is a failure after which the request may or may not have been applied
type transientError struct {
	cause error
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// statusError is a definitive non-2xx answer
type statusError struct {
	status int
	body   errorBody
}

func (e *statusError) Error() string {
	return fmt.Sprintf("route service returned %d: %s", e.status, e.body.Message)
}

// New creates a route client
func New(cfg config.RouteServiceConfig, tokens TokenSource, logger *logrus.Logger) *Client {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		tokens:      tokens,
		maxAttempts: attempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger,
	}
}

// ============================================================================
// SEAT LOCKS
// ============================================================================

// TryLockSeats asks the route service to lock seats. When a call fails in a
// way that leaves the outcome unknown, the stored result is re-queried by
// idempotency key before the same request is retried. It never retries
// under a different key. Exhausted attempts return ErrLockOutcomeUnknown.
func (c *Client) TryLockSeats(ctx context.Context, req *models.TryLockRequest) (*models.LockResult, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var result models.LockResult
		err := c.call(ctx, "try_lock", http.MethodPost, "/internal/v1/seat-locks", req, &result)
		if err == nil {
			return &result, nil
		}
		if !isTransient(err) {
			return nil, translate(err)
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"idem_key": req.IdemKey,
			"attempt":  attempt,
		}).Warn("Seat lock call failed, re-querying outcome")

		stored, qerr := c.GetLockResult(ctx, req.IdemKey)
		if qerr == nil && stored != nil {
			return stored, nil
		}

		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, models.ErrLockOutcomeUnknown
			}
		}
	}
	return nil, models.ErrLockOutcomeUnknown
}

// GetLockResult returns the stored outcome for idemKey, or nil when the
// route service never recorded one.
func (c *Client) GetLockResult(ctx context.Context, idemKey string) (*models.LockResult, error) {
	var result models.LockResult
	err := c.call(ctx, "get_lock", http.MethodGet, "/internal/v1/seat-locks/by-key/"+url.PathEscape(idemKey), nil, &result)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// ConfirmLocks confirms every seat of a lock for holderID. Lost seats are
// reported as *models.LockLostError.
func (c *Client) ConfirmLocks(ctx context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error) {
	var resp models.ConfirmLocksResponse
	err := c.retry(ctx, func() error {
		return c.call(ctx, "confirm", http.MethodPost, "/internal/v1/seat-locks/"+lockID.String()+"/confirm",
			&models.ConfirmLocksRequest{HolderID: holderID}, &resp)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.status == http.StatusConflict || se.status == http.StatusNotFound) {
			return nil, &models.LockLostError{LockID: lockID, LostSeats: se.body.Seats}
		}
		return nil, translate(err)
	}
	return &resp, nil
}

// ReleaseLocks releases every live seat of a lock
func (c *Client) ReleaseLocks(ctx context.Context, lockID uuid.UUID) error {
	return c.release(ctx, "release", lockID, "/release")
}

// ReleaseHeldLocks releases the seats of a lock that are not yet confirmed
func (c *Client) ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) error {
	return c.release(ctx, "release_held", lockID, "/release-held")
}

func (c *Client) release(ctx context.Context, op string, lockID uuid.UUID, suffix string) error {
	var resp models.ReleaseResponse
	err := c.retry(ctx, func() error {
		return c.call(ctx, op, http.MethodPost, "/internal/v1/seat-locks/"+lockID.String()+suffix, nil, &resp)
	})
	if err != nil {
		return translate(err)
	}
	return nil
}

// ============================================================================
// FARES
// ============================================================================

// GetFareQuote returns the price factors of seats on tripID as of now
func (c *Client) GetFareQuote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error) {
	path := "/internal/v1/trips/" + tripID.String() + "/fare-quote?seats=" + url.QueryEscape(strings.Join(seats, ","))
	var quote models.FareQuote
	err := c.retry(ctx, func() error {
		return c.call(ctx, "fare_quote", http.MethodGet, path, nil, &quote)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &quote, nil
}

// ============================================================================
// TRANSPORT
// ============================================================================

// retry repeats idempotent calls on transient failures
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt < c.maxAttempts {
			if serr := c.sleep(ctx, attempt); serr != nil {
				return err
			}
		}
	}
	return err
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			if isTransient(err) {
				result = "transient"
			}
		}
		observability.RouteCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		raw, merr := json.Marshal(in)
		if merr != nil {
			return fmt.Errorf("failed to marshal request: %w", merr)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to get service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return &transientError{cause: fmt.Errorf("route service %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{cause: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{cause: fmt.Errorf("route service returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		se := &statusError{status: resp.StatusCode}
		_ = json.Unmarshal(raw, &se.body)
		return se
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// translate maps definitive route errors onto the shared error taxonomy
func translate(err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return models.NewValidationError(se.body.Field, se.body.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", se.body.Message, models.ErrNotFound)
	}
	return err
}
