package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/bus"
	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/middleware"
	"aetherflow-syncd/internal/outbox"
)

// SetupRoutes configures all routes: the websocket endpoint the UI processes
// connect to, the REST inspection surface, and the health check. Global
// middleware (logging, recovery, CORS) is expected to be applied to router
// before this is called.
func SetupRoutes(
	router *gin.Engine,
	logger *zap.Logger,
	verifier middleware.TokenVerifier,
	users db.UserRepository,
	hub *bus.Hub,
	wsHandler *bus.WSHandler,
	stateHandler *StateHandler,
	ob *outbox.Outbox,
) {
	authMW := middleware.NewAuthMiddleware(verifier, logger)
	userHandler := NewUserHandler(users, logger)

	// The UI hook protocol rides on this single endpoint.
	router.GET("/ws", wsHandler.Handle)

	apiV1 := router.Group("/api/v1")
	{
		userGroup := apiV1.Group("/users")
		{
			userGroup.GET("/me", authMW.VerifyToken(), userHandler.GetCurrentUserProfile)
		}

		stateGroup := apiV1.Group("/state", authMW.VerifyToken())
		{
			stateGroup.GET("/auth", stateHandler.GetAuthState)
			stateGroup.GET("/membership", stateHandler.GetMembershipState)
			stateGroup.GET("/quota", stateHandler.GetQuotaState)
			stateGroup.GET("/rewards", stateHandler.GetRewardsState)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:   "UP",
			Sessions: hub.SessionCount(),
			Outbox:   ob.Depth(),
		})
	})

	logger.Info("API routes configured under /ws, /api/v1 and /health")
}
