package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aetherflow-syncd/internal/models"
)

// Read-only snapshot surfaces. The REST layer never mutates state; mutation
// flows exclusively through the message router.
type (
	authReader       interface{ AuthState() models.AuthState }
	membershipReader interface{ MembershipState() models.MembershipState }
	quotaReader      interface{ FullQuotaInfo() models.QuotaInfo }
	rewardsReader    interface{ RewardsState() models.RewardsState }
)

// StateHandler exposes the background process's state snapshots over REST for
// inspection and debugging. The websocket protocol remains the primary
// surface; these endpoints mirror its GET_* requests.
type StateHandler struct {
	auth       authReader
	membership membershipReader
	quota      quotaReader
	rewards    rewardsReader
}

// NewStateHandler creates a new StateHandler.
func NewStateHandler(auth authReader, membership membershipReader, quota quotaReader, rewards rewardsReader) *StateHandler {
	return &StateHandler{auth: auth, membership: membership, quota: quota, rewards: rewards}
}

// GetAuthState handles GET /api/v1/state/auth.
func (h *StateHandler) GetAuthState(c *gin.Context) {
	c.JSON(http.StatusOK, h.auth.AuthState())
}

// GetMembershipState handles GET /api/v1/state/membership.
func (h *StateHandler) GetMembershipState(c *gin.Context) {
	c.JSON(http.StatusOK, h.membership.MembershipState())
}

// GetQuotaState handles GET /api/v1/state/quota.
func (h *StateHandler) GetQuotaState(c *gin.Context) {
	c.JSON(http.StatusOK, h.quota.FullQuotaInfo())
}

// GetRewardsState handles GET /api/v1/state/rewards.
func (h *StateHandler) GetRewardsState(c *gin.Context) {
	c.JSON(http.StatusOK, h.rewards.RewardsState())
}
