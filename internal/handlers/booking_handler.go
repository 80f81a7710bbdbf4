package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/middleware"
	"github.com/smarttransit/booking-settlement/internal/models"
	"github.com/smarttransit/booking-settlement/internal/utils"
)

// BookingOrchestrator creates and manages booking drafts
type BookingOrchestrator interface {
	CreateDraft(ctx context.Context, req *models.CreateDraftRequest) (*models.BookingDraftResult, error)
	GetBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error)
	CancelBooking(ctx context.Context, id, customerID uuid.UUID) (*models.BookingView, error)
}

// PaymentInitiator starts a payment attempt for a booking
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, bookingID, customerID uuid.UUID, provider, clientIP string) (*models.InitiatePaymentResponse, error)
}

// BookingHandler handles customer booking endpoints
type BookingHandler struct {
	orchestrator BookingOrchestrator
	payments     PaymentInitiator
	logger       *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(orchestrator BookingOrchestrator, payments PaymentInitiator, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		orchestrator: orchestrator,
		payments:     payments,
		logger:       logger,
	}
}

// RegisterRoutes mounts the booking endpoints. draftLimit is applied to
// draft creation only.
func (h *BookingHandler) RegisterRoutes(group *gin.RouterGroup, draftLimit gin.HandlerFunc) {
	bookings := group.Group("/bookings")
	{
		bookings.POST("/draft", draftLimit, h.CreateDraft)
		bookings.GET("/:id", h.GetBooking)
		bookings.POST("/:id/cancel", h.CancelBooking)
		bookings.POST("/:id/pay", h.InitiatePayment)
	}
}

// ============================================================================
// CREATE DRAFT - POST /api/v1/bookings/draft
// ============================================================================

// CreateDraft locks seats, freezes the price and returns the draft.
// A new hold is 201; replays and seat conflicts are 200.
func (h *BookingHandler) CreateDraft(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "User not authenticated"})
		return
	}

	var req models.CreateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	// The customer always comes from the token
	req.CustomerID = userCtx.UserID

	result, err := h.orchestrator.CreateDraft(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.Created() && !result.Replayed {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// ============================================================================
// BOOKING - GET /api/v1/bookings/:id, POST /api/v1/bookings/:id/cancel
// ============================================================================

// GetBooking returns one of the caller's bookings
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userCtx, bookingID, ok := h.bookingRequest(c)
	if !ok {
		return
	}

	view, err := h.orchestrator.GetBooking(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// CancelBooking cancels an unpaid booking and releases its seats
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	userCtx, bookingID, ok := h.bookingRequest(c)
	if !ok {
		return
	}

	view, err := h.orchestrator.CancelBooking(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ============================================================================
// PAY - POST /api/v1/bookings/:id/pay
// ============================================================================

// InitiatePayment returns the provider checkout URL for the frozen total
func (h *BookingHandler) InitiatePayment(c *gin.Context) {
	userCtx, bookingID, ok := h.bookingRequest(c)
	if !ok {
		return
	}

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.payments.InitiatePayment(c.Request.Context(), bookingID, userCtx.UserID, req.Provider, utils.GetRealIP(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id":      bookingID,
		"provider":        resp.Provider,
		"transaction_ref": resp.TransactionRef,
	}).Info("Payment initiated")

	c.JSON(http.StatusOK, resp)
}

func (h *BookingHandler) bookingRequest(c *gin.Context) (middleware.UserContext, uuid.UUID, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "User not authenticated"})
		return middleware.UserContext{}, uuid.Nil, false
	}

	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return middleware.UserContext{}, uuid.Nil, false
	}
	return userCtx, bookingID, true
}
