package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ErrorCodeKey is the gin context key under which error responses leave their
// protocol error code for the request middleware.
const ErrorCodeKey = "sessionctl.error_code"

// Polled by peers and monitors on every health interval.
var quietPaths = map[string]bool{
	"/ping":    true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
	"/debug":   true,
}

func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

// RequestLogger logs one line per request tagged with the role and its current
// registry id. Failed requests carry the protocol error code.
func RequestLogger(logger zerolog.Logger, role string, nodeID func() uint64) gin.HandlerFunc {
	logger = logger.With().Str("role", role).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := routePath(c)

		event := logger.Debug()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case !quietPaths[path]:
			event = logger.Info()
		}

		if id := nodeID(); id != 0 {
			event = event.Uint64("node_id", id)
		}
		if code := c.GetString(ErrorCodeKey); code != "" {
			event = event.Str("error_code", code)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

// RequestMetricsMiddleware records request counts and latency per role, and
// failed requests by protocol error code.
func RequestMetricsMiddleware(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		RecordHTTPRequest(role, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
		if code := c.GetString(ErrorCodeKey); code != "" {
			RecordRequestError(role, code)
		}
	}
}
