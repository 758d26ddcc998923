package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
)

// Operation kinds for the remote writes deferred through the outbox.
const (
	OpPersistUsage  = "quota.usage"
	OpSetInviteCode = "user.invite_code"
)

// UsagePersister satisfies the quota engine's persister interface by
// enqueueing usage writes instead of performing them inline.
type UsagePersister struct {
	ob     *Outbox
	logger *zap.Logger
}

// NewUsagePersister wraps the outbox for the quota engine.
func NewUsagePersister(ob *Outbox, logger *zap.Logger) *UsagePersister {
	return &UsagePersister{ob: ob, logger: logger}
}

// PersistUsage enqueues the counters for eventual remote write. Fire and
// forget: the caller's optimistic update stands regardless.
func (p *UsagePersister) PersistUsage(userID string, usage models.QuotaUsage) {
	payload, err := json.Marshal(usage)
	if err != nil {
		p.logger.Warn("failed to encode usage for outbox", zap.Error(err))
		return
	}
	if err := p.ob.Enqueue(Operation{Kind: OpPersistUsage, UserID: userID, Payload: payload}); err != nil {
		p.logger.Warn("failed to enqueue usage persist",
			zap.String("userID", userID), zap.Error(err))
	}
}

type inviteCodePayload struct {
	InviteCode string `json:"inviteCode"`
}

// RegisterHandlers installs the drain handlers that execute deferred
// operations against the remote store.
func RegisterHandlers(ob *Outbox, quota db.QuotaRepository, users db.UserRepository) {
	ob.Register(OpPersistUsage, func(ctx context.Context, op Operation) error {
		var usage models.QuotaUsage
		if err := json.Unmarshal(op.Payload, &usage); err != nil {
			return fmt.Errorf("invalid usage payload for op %s: %w", op.ID, err)
		}
		return quota.SetUsage(ctx, op.UserID, usage)
	})
	ob.Register(OpSetInviteCode, func(ctx context.Context, op Operation) error {
		var p inviteCodePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("invalid invite code payload for op %s: %w", op.ID, err)
		}
		return users.SetInviteCode(ctx, op.UserID, p.InviteCode)
	})
}
