package client

import (
	"time"

	"go.uber.org/zap"

	"aetherflow-syncd/internal/bus"
	"aetherflow-syncd/internal/models"
)

// Domain proxy constructors pairing each request type with its push channel.

// NewAuthProxy mirrors the auth snapshot.
func NewAuthProxy(c *Client, timeout time.Duration, logger *zap.Logger) *StateProxy[models.AuthState] {
	return NewStateProxy[models.AuthState](c, bus.MsgGetAuthState, bus.MsgAuthStateUpdated, timeout, logger)
}

// NewMembershipProxy mirrors the membership snapshot.
func NewMembershipProxy(c *Client, timeout time.Duration, logger *zap.Logger) *StateProxy[models.MembershipState] {
	return NewStateProxy[models.MembershipState](c, bus.MsgGetMembershipState, bus.MsgMembershipStateUpdated, timeout, logger)
}

// NewQuotaProxy mirrors the limits-plus-usage snapshot.
func NewQuotaProxy(c *Client, timeout time.Duration, logger *zap.Logger) *StateProxy[models.QuotaInfo] {
	return NewStateProxy[models.QuotaInfo](c, bus.MsgGetQuotaState, bus.MsgQuotaStateUpdated, timeout, logger)
}

// NewRewardsProxy mirrors the task list.
func NewRewardsProxy(c *Client, timeout time.Duration, logger *zap.Logger) *StateProxy[models.RewardsState] {
	return NewStateProxy[models.RewardsState](c, bus.MsgGetRewardsState, bus.MsgRewardsTasksUpdated, timeout, logger)
}
