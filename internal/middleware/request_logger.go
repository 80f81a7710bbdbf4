package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/internal/utils"
)

const (
	// RequestIDHeader carries the correlation ID in and out
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID reuses an incoming X-Request-ID or mints one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = shortuuid.New()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Next()
	}
}

// GetRequestID returns the correlation ID set by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestLogger writes one structured line per request, levelled by outcome
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		device := utils.ParseUserAgent(c.Request.UserAgent())
		fields := logrus.Fields{
			"request_id":  GetRequestID(c),
			"status":      c.Writer.Status(),
			"method":      c.Request.Method,
			"path":        path,
			"route":       c.FullPath(),
			"ip":          utils.GetRealIP(c),
			"latency_ms":  time.Since(start).Milliseconds(),
			"device_type": device.DeviceType,
			"os":          device.OS,
			"browser":     device.Browser,
			"has_auth":    c.GetHeader("Authorization") != "",
		}
		if userID := c.GetString("userID"); userID != "" {
			fields["user_id"] = userID
		}
		if service := c.GetString(ServiceContextKey); service != "" {
			fields["caller"] = service
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("Request completed with server error")
		case status >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}
