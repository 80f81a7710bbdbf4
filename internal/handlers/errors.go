package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
)

// errorResponse is the JSON error body of both services. The route client
// decodes the same shape.
type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Seats   []string `json:"seats,omitempty"`
}

// respondError maps the shared error taxonomy onto status codes. Anything
// unrecognised is logged and reported as a bare 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		validation *models.ValidationError
		conflict   *models.ConflictError
		promo      *models.PromotionInvalidError
		lockLost   *models.LockLostError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: validation.Message, Field: validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, errorResponse{Error: "seats_unavailable", Message: "Some seats are held by another customer", Seats: conflict.ConflictingSeats})
	case errors.As(err, &promo):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "PROMOTION_INVALID", Message: promo.Error(), Field: "promoCode"})
	case errors.As(err, &lockLost):
		c.JSON(http.StatusConflict, errorResponse{Error: "lock_lost", Message: "Seat lock is no longer held", Seats: lockLost.LostSeats})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, models.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: "You don't have access to this booking"})
	case errors.Is(err, models.ErrBookingNotPayable):
		c.JSON(http.StatusConflict, errorResponse{Error: "booking_not_payable", Message: "Booking is not awaiting payment or its hold has expired"})
	case errors.Is(err, models.ErrBookingNotCancellable):
		c.JSON(http.StatusConflict, errorResponse{Error: "booking_not_cancellable", Message: "Booking can no longer be cancelled"})
	case errors.Is(err, models.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown_provider", Message: err.Error(), Field: "provider"})
	case errors.Is(err, models.ErrLockOutcomeUnknown):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "LOCK_OUTCOME_UNKNOWN", Message: "Seat availability could not be confirmed. Please retry with the same idempotency key."})
	default:
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "Internal server error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: "Invalid request: " + err.Error()})
}
