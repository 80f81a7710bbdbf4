package routeclient

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/models"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return New(config.RouteServiceConfig{
		BaseURL:        server.URL,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   time.Millisecond,
	}, staticToken("svc-token"), logger)
}

func testLockRequest() *models.TryLockRequest {
	return &models.TryLockRequest{
		TripID:      uuid.New(),
		SeatNumbers: []string{"A1", "A2"},
		HolderID:    uuid.NewString(),
		IdemKey:     "booking:" + uuid.NewString(),
		TTLSeconds:  600,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestTryLockSeats_Granted(t *testing.T) {
	req := testLockRequest()
	lockID := uuid.New()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/v1/seat-locks", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))

		var got models.TryLockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, req.IdemKey, got.IdemKey)

		writeJSON(w, http.StatusOK, models.LockResult{Granted: true, LockID: lockID, LockedSeats: got.SeatNumbers})
	}))

	result, err := client.TryLockSeats(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, result.Granted)
	assert.Equal(t, lockID, result.LockID)
	assert.Equal(t, []string{"A1", "A2"}, result.LockedSeats)
}

func TestTryLockSeats_TransientThenStoredOutcome(t *testing.T) {
	req := testLockRequest()
	lockID := uuid.New()
	var posts, lookups int32

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusBadGateway)
		case http.MethodGet:
			atomic.AddInt32(&lookups, 1)
			assert.Equal(t, "/internal/v1/seat-locks/by-key/"+req.IdemKey, r.URL.Path)
			writeJSON(w, http.StatusOK, models.LockResult{Granted: true, LockID: lockID, Replayed: true})
		}
	}))

	result, err := client.TryLockSeats(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, lockID, result.LockID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lookups))
}

func TestTryLockSeats_RetriesSameKeyWhenNothingStored(t *testing.T) {
	req := testLockRequest()
	var posts int32
	keys := make(chan string, 3)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no lock for key"})
			return
		}
		var got models.TryLockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		keys <- got.IdemKey

		if atomic.AddInt32(&posts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, models.LockResult{Granted: false, ConflictingSeats: []string{"A2"}})
	}))

	result, err := client.TryLockSeats(t.Context(), req)
	require.NoError(t, err)
	assert.False(t, result.Granted)
	assert.Equal(t, []string{"A2"}, result.ConflictingSeats)

	close(keys)
	for key := range keys {
		assert.Equal(t, req.IdemKey, key)
	}
}

func TestTryLockSeats_ExhaustedReturnsOutcomeUnknown(t *testing.T) {
	var posts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))

	result, err := client.TryLockSeats(t.Context(), testLockRequest())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, models.ErrLockOutcomeUnknown)
	assert.Equal(t, int32(3), atomic.LoadInt32(&posts))
}

func TestTryLockSeats_ValidationIsNotRetried(t *testing.T) {
	var posts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Message: "too many seats", Field: "seatNumbers"})
	}))

	_, err := client.TryLockSeats(t.Context(), testLockRequest())
	require.Error(t, err)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "seatNumbers", verr.Field)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestConfirmLocks_LockLost(t *testing.T) {
	lockID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/seat-locks/"+lockID.String()+"/confirm", r.URL.Path)
		writeJSON(w, http.StatusConflict, errorBody{Error: "lock_lost", Message: "seats lost", Seats: []string{"B4"}})
	}))

	resp, err := client.ConfirmLocks(t.Context(), lockID, "holder-1")
	assert.Nil(t, resp)

	var lost *models.LockLostError
	require.True(t, errors.As(err, &lost))
	assert.Equal(t, lockID, lost.LockID)
	assert.Equal(t, []string{"B4"}, lost.LostSeats)
}

func TestConfirmLocks_RetriesTransient(t *testing.T) {
	lockID := uuid.New()
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body models.ConfirmLocksRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "holder-1", body.HolderID)
		writeJSON(w, http.StatusOK, models.ConfirmLocksResponse{LockID: lockID, ConfirmedSeats: []string{"A1"}})
	}))

	resp, err := client.ConfirmLocks(t.Context(), lockID, "holder-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, resp.ConfirmedSeats)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReleaseLocks(t *testing.T) {
	lockID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/seat-locks/"+lockID.String()+"/release", r.URL.Path)
		writeJSON(w, http.StatusOK, models.ReleaseResponse{Released: 2})
	}))

	assert.NoError(t, client.ReleaseLocks(t.Context(), lockID))
}

func TestReleaseHeldLocks(t *testing.T) {
	lockID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/v1/seat-locks/"+lockID.String()+"/release-held", r.URL.Path)
		writeJSON(w, http.StatusOK, models.ReleaseResponse{})
	}))

	assert.NoError(t, client.ReleaseHeldLocks(t.Context(), lockID))
}

func TestGetFareQuote(t *testing.T) {
	tripID := uuid.New()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/trips/"+tripID.String()+"/fare-quote", r.URL.Path)
		assert.Equal(t, "A1,A2", r.URL.Query().Get("seats"))
		writeJSON(w, http.StatusOK, models.FareQuote{TripID: tripID, Currency: "LKR", Seats: []models.TripSeat{{SeatNo: "A1"}, {SeatNo: "A2"}}})
	}))

	quote, err := client.GetFareQuote(t.Context(), tripID, []string{"A1", "A2"})
	require.NoError(t, err)
	assert.Equal(t, "LKR", quote.Currency)
	assert.Len(t, quote.Seats, 2)
}

func TestGetFareQuote_UnknownTrip(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "trip not found"})
	}))

	_, err := client.GetFareQuote(t.Context(), uuid.New(), []string{"A1"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCall_PropagatesTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
		writeJSON(w, http.StatusOK, models.ReleaseResponse{})
	}))

	assert.NoError(t, client.ReleaseLocks(ctx, uuid.New()))
}
