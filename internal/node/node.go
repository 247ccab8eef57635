package node

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Node is one orchestrator role exposed over HTTP.
type Node interface {
	NodeID() uint64
	Kind() string
	HTTPRouter() *gin.Engine
}

// Snapshotter serves the role's debug projection.
type Snapshotter func() any

// NewRouter builds the gin engine shared by all roles: recovery, request
// logging, metrics, CORS, and the health/ready/metrics/ping/debug routes.
func NewRouter(kind string, idFn func() uint64, corsOrigins []string, snapshot Snapshotter) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, kind, idFn))
	r.Use(observability.RequestMetricsMiddleware(kind))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	appeared := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(appeared).String(),
			"service": kind,
			"id":      idFn(),
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(appeared).String(),
			"service": kind,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET(protocol.PathPing, func(c *gin.Context) {
		c.JSON(http.StatusOK, protocol.PingReply{Pong: "pong", Role: kind, ID: idFn()})
	})
	if snapshot != nil {
		r.GET(protocol.PathDebug, func(c *gin.Context) {
			c.JSON(http.StatusOK, snapshot())
		})
	}
	return r
}

// BindJSON decodes the request body into out, answering 400 on failure.
func BindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		RespondError(c, protocol.ErrInvalidRequest, err.Error())
		return false
	}
	return true
}

// RespondError writes the protocol error envelope for err.
func RespondError(c *gin.Context, err error, detail ...string) {
	msg := err.Error()
	if len(detail) > 0 && strings.TrimSpace(detail[0]) != "" {
		msg = msg + ": " + detail[0]
	}
	code := protocol.ErrorCode(err)
	c.Set(observability.ErrorCodeKey, code)
	c.AbortWithStatusJSON(protocol.HTTPStatus(err), protocol.ErrorEnvelope{
		Error: protocol.ErrorBody{Code: code, Message: msg},
	})
}

// RespondAck writes a positive acknowledgment.
func RespondAck(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, protocol.Ack{OK: true, Message: msg})
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
