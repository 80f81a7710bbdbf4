package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/models"
)

// SeatLocker is the route-side seat lock manager
type SeatLocker interface {
	TryLockSeats(ctx context.Context, req *models.TryLockRequest) (*models.LockResult, error)
	GetLockResult(ctx context.Context, idemKey string) (*models.LockResult, error)
	ConfirmLocks(ctx context.Context, lockID uuid.UUID, holderID string) (*models.ConfirmLocksResponse, error)
	ReleaseLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error)
	ReleaseHeldLocks(ctx context.Context, lockID uuid.UUID) (*models.ReleaseResponse, error)
	ReleaseSeats(ctx context.Context, req *models.ReleaseSeatsRequest) (*models.ReleaseResponse, error)
}

// FareQuoter returns seat price factors for a trip
type FareQuoter interface {
	Quote(ctx context.Context, tripID uuid.UUID, seats []string) (*models.FareQuote, error)
}

// RouteHandler serves the route service's internal endpoints
type RouteHandler struct {
	locks  SeatLocker
	fares  FareQuoter
	logger *logrus.Logger
}

// NewRouteHandler creates a new RouteHandler
func NewRouteHandler(locks SeatLocker, fares FareQuoter, logger *logrus.Logger) *RouteHandler {
	return &RouteHandler{
		locks:  locks,
		fares:  fares,
		logger: logger,
	}
}

// RegisterRoutes mounts the internal endpoints on group
func (h *RouteHandler) RegisterRoutes(group *gin.RouterGroup) {
	locks := group.Group("/seat-locks")
	{
		locks.POST("", h.TryLockSeats)
		locks.POST("/release-seats", h.ReleaseSeats)
		locks.GET("/by-key/:idemKey", h.GetLockResult)
		locks.POST("/:lockId/confirm", h.ConfirmLocks)
		locks.POST("/:lockId/release", h.ReleaseLocks)
		locks.POST("/:lockId/release-held", h.ReleaseHeldLocks)
	}
	group.GET("/trips/:tripId/fare-quote", h.GetFareQuote)
}

// ============================================================================
// SEAT LOCKS
// ============================================================================

// TryLockSeats handles POST /internal/v1/seat-locks. Both granted and
// conflicting outcomes are 200; the body says which.
func (h *RouteHandler) TryLockSeats(c *gin.Context) {
	var req models.TryLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.locks.TryLockSeats(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetLockResult handles GET /internal/v1/seat-locks/by-key/:idemKey
func (h *RouteHandler) GetLockResult(c *gin.Context) {
	result, err := h.locks.GetLockResult(c.Request.Context(), c.Param("idemKey"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ConfirmLocks handles POST /internal/v1/seat-locks/:lockId/confirm
func (h *RouteHandler) ConfirmLocks(c *gin.Context) {
	lockID, ok := parseUUIDParam(c, "lockId")
	if !ok {
		return
	}

	var req models.ConfirmLocksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.locks.ConfirmLocks(c.Request.Context(), lockID, req.HolderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReleaseLocks handles POST /internal/v1/seat-locks/:lockId/release
func (h *RouteHandler) ReleaseLocks(c *gin.Context) {
	lockID, ok := parseUUIDParam(c, "lockId")
	if !ok {
		return
	}

	resp, err := h.locks.ReleaseLocks(c.Request.Context(), lockID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReleaseHeldLocks handles POST /internal/v1/seat-locks/:lockId/release-held
func (h *RouteHandler) ReleaseHeldLocks(c *gin.Context) {
	lockID, ok := parseUUIDParam(c, "lockId")
	if !ok {
		return
	}

	resp, err := h.locks.ReleaseHeldLocks(c.Request.Context(), lockID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReleaseSeats handles POST /internal/v1/seat-locks/release-seats
func (h *RouteHandler) ReleaseSeats(c *gin.Context) {
	var req models.ReleaseSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.locks.ReleaseSeats(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ============================================================================
// FARES
// ============================================================================

// GetFareQuote handles GET /internal/v1/trips/:tripId/fare-quote?seats=A1,A2
func (h *RouteHandler) GetFareQuote(c *gin.Context) {
	tripID, ok := parseUUIDParam(c, "tripId")
	if !ok {
		return
	}

	var seats []string
	for _, s := range strings.Split(c.Query("seats"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			seats = append(seats, s)
		}
	}

	quote, err := h.fares.Quote(c.Request.Context(), tripID, seats)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: "Invalid " + name, Field: name})
		return uuid.Nil, false
	}
	return id, true
}
