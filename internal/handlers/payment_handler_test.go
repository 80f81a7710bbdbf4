package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/booking-settlement/internal/models"
)

func setupPaymentRouter(t *testing.T, returnURL string) (*gin.Engine, *mockWebhookProcessor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reconciler := new(mockWebhookProcessor)
	t.Cleanup(func() { reconciler.AssertExpectations(t) })

	router := gin.New()
	NewPaymentHandler(reconciler, returnURL, "X-Payment-Signature", testLogger()).RegisterRoutes(router.Group("/api/v1"))
	return router, reconciler
}

func postWebhook(router http.Handler, provider, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/"+provider+"/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Payment-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhook_PassesRawBodyAndSignature(t *testing.T) {
	router, reconciler := setupPaymentRouter(t, "")
	body := `{"orderId":"260602_abc","amount":230000,"resultCode":0}`

	reconciler.On("ProcessWebhook", mock.Anything, models.WebhookInput{
		Provider:   "momo",
		Source:     models.SourceWebhook,
		RawPayload: []byte(body),
		Signature:  "sig-1",
	}).Return(&models.WebhookResult{Outcome: models.OutcomeSuccess}, nil)

	w := postWebhook(router, "momo", body, "sig-1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"OK"}`, w.Body.String())
}

func TestWebhook_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		result *models.WebhookResult
		err    error
		status int
		body   string
	}{
		{
			name:   "already processed",
			result: &models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed},
			status: http.StatusOK,
			body:   `{"result":"ALREADY_PROCESSED"}`,
		},
		{
			name:   "rejected",
			result: &models.WebhookResult{Outcome: models.OutcomeRejected, Reason: "amount mismatch: expected 230000.00, got 1000.00"},
			status: http.StatusBadRequest,
			body:   `{"result":"REJECTED","message":"amount mismatch: expected 230000.00, got 1000.00"}`,
		},
		{
			name:   "error asks for a retry",
			result: &models.WebhookResult{Outcome: models.OutcomeError, Reason: "settlement failed"},
			err:    errors.New("db down"),
			status: http.StatusInternalServerError,
			body:   `{"result":"ERROR"}`,
		},
		{
			name:   "unknown provider",
			err:    models.ErrUnknownProvider,
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, reconciler := setupPaymentRouter(t, "")
			reconciler.On("ProcessWebhook", mock.Anything, mock.Anything).Return(tt.result, tt.err)

			w := postWebhook(router, "zalopay", `{"data":"{}","mac":"x"}`, "")

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestWebhook_GetUsesQueryString(t *testing.T) {
	router, reconciler := setupPaymentRouter(t, "")
	reconciler.On("ProcessWebhook", mock.Anything, mock.MatchedBy(func(in models.WebhookInput) bool {
		return in.Source == models.SourceWebhook && string(in.RawPayload) == "vnp_TxnRef=260602_abc&vnp_Amount=23000000"
	})).Return(&models.WebhookResult{Outcome: models.OutcomeSuccess}, nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/payment/vnpay/webhook?vnp_TxnRef=260602_abc&vnp_Amount=23000000", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	router, _ := setupPaymentRouter(t, "")

	w := postWebhook(router, "momo", strings.Repeat("x", maxWebhookBody+1), "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallback_JSON(t *testing.T) {
	router, reconciler := setupPaymentRouter(t, "")
	bookingID := uuid.New()

	reconciler.On("ProcessWebhook", mock.Anything, models.WebhookInput{
		Provider:   "vnpay",
		Source:     models.SourceCallback,
		RawPayload: []byte("vnp_TxnRef=260602_abc"),
	}).Return(&models.WebhookResult{Outcome: models.OutcomeSuccess, BookingID: &bookingID, BookingStatus: models.BookingPaid}, nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/payment/vnpay/callback?vnp_TxnRef=260602_abc", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","bookingId":"`+bookingID.String()+`"}`, w.Body.String())
}

func TestCallback_RedirectsToReturnURL(t *testing.T) {
	router, reconciler := setupPaymentRouter(t, "https://app.smarttransit.vn/payment/result?lang=vi")
	bookingID := uuid.New()
	reconciler.On("ProcessWebhook", mock.Anything, mock.Anything).
		Return(&models.WebhookResult{Outcome: models.OutcomeSuccess, BookingID: &bookingID, BookingStatus: models.BookingRefundRequired}, nil)

	w := doJSON(t, router, http.MethodGet, "/api/v1/payment/momo/callback?orderId=260602_abc", nil)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.smarttransit.vn", location.Host)
	assert.Equal(t, "refund_pending", location.Query().Get("status"))
	assert.Equal(t, bookingID.String(), location.Query().Get("bookingId"))
	assert.Equal(t, "vi", location.Query().Get("lang"))
}

func TestCallback_UnknownProvider(t *testing.T) {
	router, reconciler := setupPaymentRouter(t, "https://app.smarttransit.vn/payment/result")
	reconciler.On("ProcessWebhook", mock.Anything, mock.Anything).Return(nil, models.ErrUnknownProvider)

	w := doJSON(t, router, http.MethodGet, "/api/v1/payment/paypal/callback", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCustomerStatus(t *testing.T) {
	tests := []struct {
		result   models.WebhookResult
		expected string
	}{
		{models.WebhookResult{Outcome: models.OutcomeSuccess, BookingStatus: models.BookingPaid}, "success"},
		{models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, BookingStatus: models.BookingPaid}, "success"},
		{models.WebhookResult{Outcome: models.OutcomeSuccess, BookingStatus: models.BookingRefundRequired}, "refund_pending"},
		{models.WebhookResult{Outcome: models.OutcomeSuccess, Reason: "pending", BookingStatus: models.BookingAwaitingPayment}, "pending"},
		{models.WebhookResult{Outcome: models.OutcomeSuccess, Reason: "payment failed", BookingStatus: models.BookingAwaitingPayment}, "failed"},
		{models.WebhookResult{Outcome: models.OutcomeRejected}, "failed"},
		{models.WebhookResult{Outcome: models.OutcomeAlreadyProcessed, Reason: "in progress"}, "processing"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, customerStatus(&tt.result))
	}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	healthy := NewHealthHandler("booking-service", "test", map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}).WithInfo("payment_providers", func() interface{} { return []string{"momo", "vnpay"} })
	router := gin.New()
	router.GET("/health", healthy.Health)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"payment_providers":["momo","vnpay"]`)

	unhealthy := NewHealthHandler("route-service", "test", map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	router = gin.New()
	router.GET("/health", unhealthy.Health)
	w = doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
