// Package api exposes the control surface over HTTP: bot lifecycle,
// order and position snapshots, risk state, and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"xor-core/internal/engine"
	"xor-core/internal/monitor"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	Engine  *engine.Engine
	Metrics *monitor.SystemMetrics
	Log     zerolog.Logger
}

// NewServer builds the router. Middleware order matters: recovery first,
// request ID before logging, rate limit before any handler work.
func NewServer(eng *engine.Engine, metrics *monitor.SystemMetrics, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	s := &Server{
		Router:  r,
		Engine:  eng,
		Metrics: metrics,
		Log:     log.With().Str("component", "api").Logger(),
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(s.requestLogger())
	r.Use(s.rateLimit())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		user := api.Group("")
		user.Use(RequireUser())
		{
			user.POST("/bots", s.createBot)
			user.GET("/bots", s.listBots)
			user.GET("/bots/:id", s.getBot)
			user.PUT("/bots/:id", s.updateBot)
			user.DELETE("/bots/:id", s.deleteBot)

			user.POST("/bots/:id/start", s.startBot)
			user.POST("/bots/:id/stop", s.stopBot)
			user.POST("/bots/:id/pause", s.pauseBot)
			user.POST("/bots/:id/resume", s.resumeBot)

			user.GET("/orders", s.listOrders)
			user.DELETE("/orders/:client_order_id", s.cancelOrder)

			user.GET("/positions", s.listPositions)

			user.GET("/risk", s.getRisk)
			user.POST("/risk/kill", s.triggerKillSwitch)
			user.POST("/risk/release", s.releaseKillSwitch)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
