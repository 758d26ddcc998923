package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"aetherflow-syncd/internal/config"
)

// CORSMiddleware configures CORS for the REST surface. Requests are allowed
// from the configured client URL; browser extensions and websocket upgrades
// are admitted because UI processes connect from extension origins.
func CORSMiddleware(appConfig *config.Config) gin.HandlerFunc {
	if appConfig == nil || appConfig.ClientURL == "" {
		// Panicking beats silently running with a misconfigured permissive
		// policy.
		panic("ClientURL for CORS is not configured")
	}

	return cors.New(cors.Config{
		AllowOrigins: []string{appConfig.ClientURL},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		// "Authorization" is required for token-based auth.
		AllowHeaders:           []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:          []string{"Content-Length"},
		AllowCredentials:       true,
		MaxAge:                 12 * time.Hour,
		AllowBrowserExtensions: true,
		AllowWebSockets:        true,
	})
}
