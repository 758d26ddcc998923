// Package state holds the background process's authoritative state: the auth
// and membership stores and the quota and rewards engines. All four objects
// are single-writer; UI processes only ever see read-only copies pushed
// through the Broadcaster or fetched via the message router.
package state

import (
	"errors"

	"aetherflow-syncd/internal/models"
)

// Broadcaster pushes full state objects to all connected UI processes.
// Broadcasts are fire-and-forget: a missing receiver is not an error.
type Broadcaster interface {
	BroadcastAuthState(st models.AuthState)
	BroadcastMembershipState(st models.MembershipState)
	BroadcastQuotaState(st models.QuotaInfo)
	BroadcastRewardsState(st models.RewardsState)
}

// AuthStateProvider exposes the current auth snapshot to dependent engines.
type AuthStateProvider interface {
	AuthState() models.AuthState
}

// MembershipSubscriber is the in-process subscription surface of the
// membership store, used by the quota and rewards engines.
type MembershipSubscriber interface {
	MembershipState() models.MembershipState
	Subscribe(cb func(models.MembershipState)) (unsubscribe func())
}

// Sentinel errors shared by the engines.
var (
	ErrNotAuthenticated = errors.New("no authenticated user")
	ErrUnknownFeature   = errors.New("unknown feature")
	ErrUnknownTask      = errors.New("unknown task")
	ErrTaskNotCompleted = errors.New("task not completed")
	ErrAlreadyClaimed   = errors.New("task already claimed")
)
