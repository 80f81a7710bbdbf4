package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler reports dependency health for load balancers
type HealthHandler struct {
	service string
	version string
	checks  map[string]HealthCheck
	info    map[string]func() interface{}
}

// NewHealthHandler creates a HealthHandler. checks maps a dependency name,
// e.g. "database", to its probe.
func NewHealthHandler(service, version string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: checks, info: map[string]func() interface{}{}}
}

// WithInfo adds a non-probing section to the report, such as job schedules
func (h *HealthHandler) WithInfo(name string, fn func() interface{}) *HealthHandler {
	h.info[name] = fn
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(gin.H, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			continue
		}
		deps[name] = gin.H{"status": "healthy"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	body := gin.H{
		"status":       overall,
		"service":      h.service,
		"version":      h.version,
		"dependencies": deps,
		"timestamp":    time.Now().Unix(),
	}
	for name, fn := range h.info {
		body[name] = fn()
	}
	c.JSON(status, body)
}
