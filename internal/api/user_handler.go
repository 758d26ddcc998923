package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/middleware"
)

// UserHandler handles user-profile endpoints.
type UserHandler struct {
	users  db.UserRepository
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users db.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// GetCurrentUserProfile handles GET /api/v1/users/me: the stored profile of
// the authenticated caller.
func (h *UserHandler) GetCurrentUserProfile(c *gin.Context) {
	profile, ok := middleware.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Authentication error: user not found in context"})
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), profile.UID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "User profile not found"})
			return
		}
		h.logger.Error("failed to load user profile",
			zap.String("userID", profile.UID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve user profile"})
		return
	}

	c.JSON(http.StatusOK, user)
}
