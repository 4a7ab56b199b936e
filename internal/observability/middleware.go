package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no admin route so scanners cannot
// grow the label set.
const unmatchedRoute = "unmatched"

// metricsRoute is the scrape endpoint; its requests log at debug.
const metricsRoute = "/metrics"

func adminRoute(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return unmatchedRoute
}

// AdminAccessLog logs one line per admin request. Scrapes of /metrics log at
// debug, client errors at warn and server errors at error.
func AdminAccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := adminRoute(c)
		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case route == metricsRoute:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if route == unmatchedRoute {
			event = event.Str("raw_path", c.Request.URL.Path)
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("observability.admin request")
	}
}

// AdminRequestMetrics counts admin requests per route under app.
func AdminRequestMetrics(app string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(app, c.Request.Method, adminRoute(c), c.Writer.Status(), time.Since(start))
	}
}
