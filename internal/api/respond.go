package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/database"
	"github.com/gotrs-io/gotrs-sla/internal/middleware"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// statusFor maps the engine's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, slaerrors.ErrNotFound):
		return http.StatusNotFound
	case slaerrors.IsConfiguration(err):
		return http.StatusUnprocessableEntity
	case slaerrors.IsInvariant(err):
		return http.StatusConflict
	case slaerrors.IsTransient(err), database.IsConnectionError(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	fail(c, status, err.Error())
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// timeRange reads the from/to query parameters.
func timeRange(c *gin.Context) (from, to time.Time, err error) {
	if from, err = parseTime(c.Query("from")); err != nil {
		return from, to, errors.New("from must be RFC 3339 or YYYY-MM-DD")
	}
	if to, err = parseTime(c.Query("to")); err != nil {
		return from, to, errors.New("to must be RFC 3339 or YYYY-MM-DD")
	}
	return from, to, nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Duration("took", time.Since(start)))
	}
}
