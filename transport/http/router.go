package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/miauth/adapters/twofactor"
	"github.com/layer-3/miauth/service"
	"github.com/rs/zerolog"
)

// SetupRouter sets up the Gin router. Attempts started through it run
// under ctx rather than the request context.
func SetupRouter(
	ctx context.Context,
	tracker *service.Tracker,
	bridge *twofactor.Bridge,
	board *twofactor.Board,
	apiKey string,
	log zerolog.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Create handlers
	handlers := NewLoginHandlers(ctx, tracker, bridge, board)

	auth := router.Group("/auth")
	auth.Use(APIKeyMiddleware(apiKey))
	{
		auth.POST("/login", handlers.Start)
		auth.GET("/logins", handlers.List)
		auth.GET("/login/:id", handlers.Status)
		auth.DELETE("/login/:id", handlers.Forget)
		auth.POST("/two-factor/complete", handlers.CompleteTwoFactor)
		auth.POST("/two-factor/abandon", handlers.AbandonTwoFactor)
	}

	return router
}
