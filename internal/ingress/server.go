// Package ingress implements the two ingress shapes (C6): the duplex
// interactive websocket used by the browser peer, and the REST/webhook
// surface used by platform channels and read-only clients.
package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentplane/control/internal/bus"
	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/driver"
	otelpkg "github.com/agentplane/control/internal/otel"
	"github.com/agentplane/control/internal/store"
	"github.com/agentplane/control/internal/workerclient"
)

const workspaceProxyTimeout = 15 * time.Second

// TitleGenerator names a fresh session from its first message. It is the
// LLM-backed collaborator the distilled specification calls out of scope
// (spec §1, §4.6, §9): the control plane only owns the fire-and-forget
// call site, not the generation itself. A nil TitleGenerator disables the
// feature entirely.
type TitleGenerator interface {
	Generate(ctx context.Context, sessionID, message string) (string, error)
}

// Server holds every dependency the ingress handlers need.
type Server struct {
	Store      *store.Store
	Registry   *channels.Registry
	Dispatcher *dispatcher.Dispatcher
	Driver     driver.Driver
	Worker     *workerclient.Client
	TitleGen   TitleGenerator

	// Bus, if set, backs GET /api/tasks/:id/stream: any number of clients
	// (not just the duplex connection that started the task) can observe a
	// task's live events by subscribing rather than polling logs. A nil Bus
	// disables the endpoint with 503, matching the teacher's own
	// bus-not-configured guard.
	Bus *bus.Bus

	AllowOrigins []string
	Version      string
	Logger       *slog.Logger
	Metrics      *otelpkg.Metrics
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Router builds the gin.Engine serving the REST/webhook surface and mounts
// the duplex websocket handler alongside it, so a single HTTP server
// serves both shapes (spec §4.6).
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestMetrics())
	if len(s.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Signature-256", "X-Telegram-Bot-Api-Secret-Token"},
			AllowCredentials: true,
		}))
	}

	r.GET("/ws", gin.WrapF(s.handleDuplex))

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/sessions", s.listSessions)
		api.POST("/sessions", s.createSession)
		api.GET("/sessions/:id", s.getSession)
		api.PATCH("/sessions/:id", s.updateSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.GET("/sessions/:id/messages", s.sessionMessages)

		api.GET("/tasks/:id", s.getTask)
		api.GET("/tasks/:id/logs", s.getTaskLogs)
		api.GET("/tasks/:id/stream", s.handleTaskStream)
		api.POST("/tasks/:id/cancel", s.cancelTask)

		api.GET("/workspace/:file", s.getWorkspaceFile)
		api.PUT("/workspace/:file", s.putWorkspaceFile)

		api.POST("/channel/:type/webhook", s.handleWebhook)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.Version})
}

// requestMetrics records REST/webhook request duration, partitioned by
// route and status code. The duplex websocket handler is mounted via
// gin.WrapF and bypasses this middleware since a connection's lifetime
// isn't a meaningful request duration.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.Metrics.RequestDuration.Record(c.Request.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("route", c.FullPath()),
				attribute.Int("status", c.Writer.Status()),
			),
		)
	}
}
