package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/service"
	"github.com/talon-agent/talon/internal/infrastructure/session"
)

// Agent is the slice of the workflow the HTTP surface needs.
type Agent interface {
	ProcessInput(ctx context.Context, userInput string, sess service.Session, callbacks *service.Callbacks) *service.Result
}

// Config configures the local chat server.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Server is the local HTTP interface: health, metrics, and a streaming chat
// endpoint. The core stays ProcessInput; this is a thin adapter.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

func NewServer(cfg Config, agent Agent, store session.Store, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	chat := newChatHandler(agent, store, logger)
	setupRoutes(router, chat, metricsHandler, store)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, chat *chatHandler, metricsHandler http.Handler, store session.Store) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/chat", chat.Chat)
		v1.GET("/sessions", func(c *gin.Context) {
			summaries, err := store.List()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, summaries)
		})
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
