package handler

import (
	"net/http"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter wires the public and authenticated routes. mcpHandler may be nil.
func NewRouter(cfg *config.Config, guideHandler *GuideHandler, systemHandler *SystemHandler, mcpHandler http.Handler) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", systemHandler.Health)

	authed := router.Group("/")
	authed.Use(middleware.RequireAPIKey(cfg.Auth.APIKey, cfg.Auth.Header))
	{
		authed.POST("/guide", guideHandler.Guide)
		authed.GET("/details", systemHandler.Details)

		if mcpHandler != nil {
			h := gin.WrapH(mcpHandler)
			authed.POST(cfg.MCP.Path, h)
			authed.GET(cfg.MCP.Path, h)
			authed.DELETE(cfg.MCP.Path, h)
		}
	}

	return router
}
