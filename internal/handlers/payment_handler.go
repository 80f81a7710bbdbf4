package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
)

// maxWebhookBody caps provider payloads. Real notifications are a few KiB.
const maxWebhookBody = 64 << 10

// WebhookProcessor verifies and applies provider notifications
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, in models.WebhookInput) (*models.WebhookResult, error)
}

// PaymentHandler serves provider callbacks and webhooks. Neither endpoint is
// authenticated; the provider signature is the only proof of origin.
type PaymentHandler struct {
	reconciler      WebhookProcessor
	returnURL       string
	signatureHeader string
	logger          *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler. An empty returnURL makes
// the callback answer with JSON instead of redirecting.
func NewPaymentHandler(reconciler WebhookProcessor, returnURL, signatureHeader string, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciler:      reconciler,
		returnURL:       returnURL,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// RegisterRoutes mounts the payment endpoints. Webhooks accept GET as well
// because VNPay delivers its IPN as a query string.
func (h *PaymentHandler) RegisterRoutes(group *gin.RouterGroup) {
	payment := group.Group("/payment/:provider")
	{
		payment.GET("/callback", h.Callback)
		payment.POST("/webhook", h.Webhook)
		payment.GET("/webhook", h.Webhook)
	}
}

// ============================================================================
// CALLBACK - GET /api/v1/payment/:provider/callback
// ============================================================================

// Callback handles the customer's browser returning from the provider.
// It runs through the same reconciler as webhooks, so whichever arrives
// first settles the payment.
func (h *PaymentHandler) Callback(c *gin.Context) {
	provider := c.Param("provider")
	result, err := h.reconciler.ProcessWebhook(c.Request.Context(), models.WebhookInput{
		Provider:   provider,
		Source:     models.SourceCallback,
		RawPayload: []byte(c.Request.URL.RawQuery),
	})
	if errors.Is(err, models.ErrUnknownProvider) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown_provider", Message: err.Error()})
		return
	}
	if result == nil {
		result = &models.WebhookResult{Outcome: models.OutcomeError}
	}

	status := customerStatus(result)
	body := gin.H{"status": status}
	if result.BookingID != nil {
		body["bookingId"] = result.BookingID.String()
	}

	if h.returnURL == "" {
		c.JSON(http.StatusOK, body)
		return
	}

	target, perr := url.Parse(h.returnURL)
	if perr != nil {
		h.logger.WithError(perr).Error("Invalid payment return URL")
		c.JSON(http.StatusOK, body)
		return
	}
	q := target.Query()
	q.Set("status", status)
	if result.BookingID != nil {
		q.Set("bookingId", result.BookingID.String())
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// customerStatus is the provider-neutral status shown to the customer
func customerStatus(result *models.WebhookResult) string {
	switch {
	case result.Outcome == models.OutcomeRejected || result.Outcome == models.OutcomeError:
		return "failed"
	case result.Reason == "payment failed":
		return "failed"
	case result.Reason == "pending":
		return "pending"
	case result.BookingStatus == models.BookingPaid:
		return "success"
	case result.BookingStatus == models.BookingRefundRequired:
		return "refund_pending"
	default:
		return "processing"
	}
}

// ============================================================================
// WEBHOOK - POST /api/v1/payment/:provider/webhook
// ============================================================================

// Webhook handles server-to-server notifications. Rejections are final and
// answered with 400; only ERROR asks the provider to retry.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	provider := c.Param("provider")

	raw := []byte(c.Request.URL.RawQuery)
	if c.Request.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			h.logger.WithError(err).WithField("provider", provider).Warn("Failed to read webhook body")
			c.JSON(http.StatusBadRequest, gin.H{"result": string(models.OutcomeRejected), "message": "unreadable body"})
			return
		}
		raw = body
	}

	result, err := h.reconciler.ProcessWebhook(c.Request.Context(), models.WebhookInput{
		Provider:   provider,
		Source:     models.SourceWebhook,
		RawPayload: raw,
		Signature:  c.GetHeader(h.signatureHeader),
	})
	if errors.Is(err, models.ErrUnknownProvider) {
		c.JSON(http.StatusNotFound, gin.H{"result": "UNKNOWN_PROVIDER", "message": err.Error()})
		return
	}
	if result == nil {
		result = &models.WebhookResult{Outcome: models.OutcomeError}
	}

	log := h.logger.WithFields(logrus.Fields{
		"provider": provider,
		"outcome":  result.Outcome,
		"reason":   result.Reason,
	})

	switch result.Outcome {
	case models.OutcomeSuccess:
		log.Info("Webhook processed")
		c.JSON(http.StatusOK, gin.H{"result": "OK"})
	case models.OutcomeAlreadyProcessed:
		log.Info("Webhook already processed")
		c.JSON(http.StatusOK, gin.H{"result": string(models.OutcomeAlreadyProcessed)})
	case models.OutcomeRejected:
		log.Warn("Webhook rejected")
		c.JSON(http.StatusBadRequest, gin.H{"result": string(models.OutcomeRejected), "message": result.Reason})
	default:
		log.WithError(err).Error("Webhook processing error")
		c.JSON(http.StatusInternalServerError, gin.H{"result": string(models.OutcomeError)})
	}
}
