package server

import (
	"github.com/gin-gonic/gin"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

// NewRouter wires the middleware chain and routes.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())
	router.Use(ErrorHandler(log))

	router.GET("/health", h.Health)
	router.GET("/v1/models", h.Models)
	router.POST("/v1/chat/completions", h.ChatCompletions)
	router.GET("/sessions", h.ListSessions)
	router.DELETE("/sessions/:key", h.DeleteSession)

	return router
}
