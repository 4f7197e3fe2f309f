// Package api is the HTTP surface of the enrollment service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/pool"
	"enrollgate/internal/registry"
	"enrollgate/internal/session"
	"enrollgate/util"
)

// Registry is the device and student lookup the handlers need.
type Registry interface {
	Device(ctx context.Context, id string) (registry.Device, error)
	ValidateEnrollment(ctx context.Context, studentID, deviceID string, finger int) (registry.Device, error)
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes.
type Deps struct {
	Sessions    *session.Manager
	Registry    Registry
	Pool        *pool.Pool
	Opener      device.Opener // used by the connection test, bypassing the pool
	TestTimeout time.Duration
	DefaultPort int
	Secret      string // used for devices registered without one
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

// Handler serves the API.
type Handler struct {
	deps   Deps
	logger *util.Logger
}

// New creates a handler.
func New(deps Deps) *Handler {
	if deps.TestTimeout <= 0 {
		deps.TestTimeout = 5 * time.Second
	}
	if deps.DefaultPort == 0 {
		deps.DefaultPort = 4370
	}
	return &Handler{deps: deps, logger: deps.Logger.Named("http")}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	v1.GET("/enrollments", h.listEnrollments)
	v1.POST("/enrollments", h.startEnrollment)
	v1.GET("/enrollments/:id", h.enrollmentStatus)
	v1.POST("/enrollments/:id/cancel", h.cancelEnrollment)
	v1.DELETE("/enrollments/:id", h.cancelEnrollment)

	v1.POST("/devices/test", h.testAddress)
	v1.GET("/devices/:id/test", h.testDevice)

	v1.GET("/pool", h.poolStats)
	v1.GET("/metrics", h.metrics)
	return r
}

// requestLogger logs one line per request through the service logger.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		line := "%s %s %d %v"
		args := []any{c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Microsecond)}
		switch {
		case status >= 500:
			h.logger.Warn(line, args...)
		default:
			h.logger.Verbose(line, args...)
		}
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   ncerr.Category    `json:"error"`
	Session *session.Snapshot `json:"session,omitempty"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	cat := ncerr.Translate(err)
	if cat.Status >= 500 {
		h.deps.Metrics.RecordError(err.Error())
	}
	c.JSON(cat.Status, errorBody{Error: cat})
}

func (h *Handler) health(c *gin.Context) {
	if h.deps.Registry != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Registry.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "registry": err.Error()})
			return
		}
	}
	h.deps.Metrics.RecordHealthCheck()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) poolStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pool.Stats())
}

func (h *Handler) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Metrics.Snapshot())
}
