// Package api is the HTTP surface of the gateway. It serves three request
// dialects (OpenAI Chat Completions, Anthropic Messages, native Gemini)
// plus an NDJSON bridge, authenticates clients at the edge, and hands
// translated envelopes to the dispatcher.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/runtime"
)

// Server wraps the gin engine and the underlying HTTP server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	handler *Handler
	cfg     *config.Provider
}

// NewServer builds the server: engine, middleware, routes. The listen
// address and gin mode are fixed at boot; everything else reads the
// provider's current snapshot per request.
func NewServer(cfg *config.Provider, disp *runtime.Dispatcher, sigs *cache.SignatureCache) *Server {
	boot := cfg.Get()
	if !boot.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(ginLogger(), gin.Recovery(), corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		handler: &Handler{
			cfg:  cfg,
			disp: disp,
			sigs: sigs,
			conv: cache.NewConversationCache(),
		},
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", boot.Host, boot.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handler

	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware(s.cfg))
	{
		v1.GET("/models", h.Models)
		v1.POST("/chat/completions", h.ChatCompletions)
		v1.POST("/messages", h.ClaudeMessages)
		v1.POST("/messages/count_tokens", h.CountTokens)
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(authMiddleware(s.cfg))
	{
		v1beta.GET("/models", h.GeminiModels)
		v1beta.POST("/models/:action", h.GeminiGenerate)
	}

	s.engine.GET("/models", authMiddleware(s.cfg), h.Models)
	s.engine.POST("/chat-stream", authMiddleware(s.cfg), h.ChatStream)

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "antigravity gateway",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/messages",
				"POST /v1beta/models/{model}:generateContent",
				"GET /v1/models",
			},
		})
	})
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ginLogger routes gin's access lines through logrus at debug level.
func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debugf("api: %s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}
