package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/models"
)

// ErrorResponse is a local definition for standardized error messages. It
// mirrors the one in internal/api to avoid import cycles.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ContextUserKey is the gin context key under which the verified profile is
// stored for downstream handlers.
const ContextUserKey = "authenticatedUser"

// TokenVerifier validates an ID token and returns the profile its claims
// describe. Satisfied by db.FirebaseTokenVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (models.UserProfile, error)
}

// AuthMiddleware provides gin middleware for Firebase ID token authentication.
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates the middleware. A nil verifier is a programmer
// error during setup; authenticated routes cannot function without it.
func NewAuthMiddleware(verifier TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	if verifier == nil {
		panic("token verifier is not initialized for AuthMiddleware")
	}
	return &AuthMiddleware{verifier: verifier, logger: logger}
}

// VerifyToken verifies the Bearer token from the Authorization header and
// stores the resulting profile in the gin context.
func (m *AuthMiddleware) VerifyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Authorization header is required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Authorization header format must be 'Bearer {token}'"})
			return
		}

		profile, err := m.verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			// Generic message to the client; the specific failure is logged
			// server-side only.
			m.logger.Warn("failed to verify ID token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid or expired authentication token"})
			return
		}

		c.Set(ContextUserKey, profile)
		c.Set("userID", profile.UID)
		c.Next()
	}
}

// UserFromContext retrieves the verified profile stored by VerifyToken.
func UserFromContext(c *gin.Context) (models.UserProfile, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return models.UserProfile{}, false
	}
	profile, ok := v.(models.UserProfile)
	return profile, ok
}
