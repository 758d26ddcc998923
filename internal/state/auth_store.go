package state

import (
	"sync"

	"go.uber.org/zap"

	"aetherflow-syncd/internal/models"
)

// MembershipRekeyer is the slice of the membership store the auth store
// drives: re-attach the remote listener when the user changes, tear it down
// on logout.
type MembershipRekeyer interface {
	AttachListener(userID string)
	Detach()
}

// AuthStore wraps the remote auth source and holds the single in-memory
// AuthState. It is the only writer of that state; every transition re-keys
// the membership listener as needed and is followed by a broadcast.
type AuthStore struct {
	membership  MembershipRekeyer
	broadcaster Broadcaster
	logger      *zap.Logger

	mu    sync.Mutex
	state models.AuthState

	unsubscribe func()
}

// NewAuthStore constructs the store and attaches its one subscription to the
// auth source. Construction fails if the source refuses the subscription;
// dependent engines must not be constructed in that case.
func NewAuthStore(source AuthSource, membership MembershipRekeyer, broadcaster Broadcaster, logger *zap.Logger) (*AuthStore, error) {
	s := &AuthStore{
		membership:  membership,
		broadcaster: broadcaster,
		logger:      logger,
	}
	cancel, err := source.Subscribe(s.apply)
	if err != nil {
		return nil, err
	}
	s.unsubscribe = cancel
	return s, nil
}

// AuthState returns the current cached auth snapshot. Never blocks.
func (s *AuthStore) AuthState() models.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ManuallyUpdateAuthState fully replaces the auth state, triggering the same
// downstream effects as a source-driven change. Used when identity is
// determined by an external broker rather than the auth source itself.
func (s *AuthStore) ManuallyUpdateAuthState(user *models.UserProfile) {
	s.apply(user)
}

// apply installs the new state and fires the downstream effects: membership
// re-key on user change, broadcast on every transition.
func (s *AuthStore) apply(user *models.UserProfile) {
	s.mu.Lock()
	prevUID := s.state.UserID
	s.state = models.NewAuthState(user)
	next := s.state
	s.mu.Unlock()

	if next.UserID != prevUID {
		if next.UserID != "" {
			s.logger.Info("authenticated user changed, re-keying membership listener",
				zap.String("userID", next.UserID))
			s.membership.AttachListener(next.UserID)
		} else {
			s.logger.Info("user signed out, resetting membership")
			s.membership.Detach()
		}
	}

	s.broadcaster.BroadcastAuthState(next)
}

// Close releases the auth-source subscription.
func (s *AuthStore) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
