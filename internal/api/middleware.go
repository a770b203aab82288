package api

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/reid/internal/observability"
)

// LoggingMiddleware logs each request and records its latency. Long-lived
// MJPEG and WebSocket responses are logged but kept out of the histogram.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", route,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", elapsed.String(),
			"ip", c.ClientIP(),
		)

		if isStreaming(route) {
			return
		}
		observability.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(status),
		).Observe(elapsed.Seconds())
	}
}

func isStreaming(route string) bool {
	return strings.HasSuffix(route, "/stream") || strings.HasSuffix(route, "/ws")
}
