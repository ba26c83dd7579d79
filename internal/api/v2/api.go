// Package api provides the JSON API for the rotation service, rooted at
// /api/v2.
package api

import (
	"crypto/rand"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/datastore"
	"github.com/RGBOARD/webapp/internal/errors"
	"github.com/RGBOARD/webapp/internal/logging"
	"github.com/RGBOARD/webapp/internal/rotation"
)

// Controller wires the HTTP routes to the rotation engine and datastore.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings
	Engine   *rotation.Engine

	apiLogger *slog.Logger

	// currentCache keeps the most recent current-image response so the
	// panels polling every second do not hit the database each time.
	currentCache *cache.Cache
}

// New creates the API controller and registers all routes on e.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings,
	engine *rotation.Engine, registry *prometheus.Registry) *Controller {

	apiLogger := logging.ForService("api")
	if apiLogger == nil {
		apiLogger = slog.Default().With("service", "api")
	}

	c := &Controller{
		Echo:         e,
		DS:           ds,
		Settings:     settings,
		Engine:       engine,
		apiLogger:    apiLogger,
		currentCache: cache.New(time.Second, 10*time.Second),
	}

	e.Use(middleware.Recover())
	if settings.WebServer.Debug {
		e.Use(middleware.Logger())
	}

	c.Group = e.Group("/api/v2")
	c.initRotationRoutes()
	c.initScheduleRoutes()

	e.GET("/healthz", c.Healthz)
	if registry != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return c
}

// Healthz reports process liveness and database reachability.
func (c *Controller) Healthz(ctx echo.Context) error {
	status := map[string]string{"status": "ok"}
	if _, err := c.DS.CountRotationItems(); err != nil {
		status["status"] = "degraded"
		status["database"] = "unreachable"
		return ctx.JSON(http.StatusServiceUnavailable, status)
	}
	return ctx.JSON(http.StatusOK, status)
}

// ErrorResponse is the JSON body returned for every failed request.
type ErrorResponse struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	Code          int            `json:"code"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds an error body with a fresh correlation ID.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates a short random identifier for error tracking.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError maps an error to a status code from its category, logs it with
// a correlation ID, and writes the JSON error body.
func (c *Controller) HandleError(ctx echo.Context, err error, message string) error {
	code := statusForError(err)
	resp := NewErrorResponse(err, message, code)

	var conflict *rotation.ScheduleConflictError
	if stderrors.As(err, &conflict) {
		resp.Details = map[string]any{
			"suggested_time": conflict.SuggestedTime.Format(time.RFC3339),
		}
	}

	c.apiLogger.Error("request failed",
		"correlation_id", resp.CorrelationID,
		"message", message,
		"error", resp.Error,
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP())

	return ctx.JSON(code, resp)
}

func statusForError(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
