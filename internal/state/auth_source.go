package state

import (
	"errors"
	"sync"

	"aetherflow-syncd/internal/models"
)

// AuthSource is the remote auth-change stream the auth store subscribes to.
// Exactly one subscription may be active for the store's lifetime.
type AuthSource interface {
	Subscribe(fn func(user *models.UserProfile)) (cancel func(), err error)
}

// EventAuthSource is an AuthSource fed by the message router: identity is
// brokered by an external verifier (the AUTHENTICATE message path) rather
// than an in-process SDK listener, so auth changes arrive as explicit Emit
// calls.
type EventAuthSource struct {
	mu         sync.Mutex
	fn         func(user *models.UserProfile)
	subscribed bool
}

// NewEventAuthSource creates an empty source.
func NewEventAuthSource() *EventAuthSource {
	return &EventAuthSource{}
}

// Subscribe registers the single consumer. A second active subscription is
// refused; the store owns this stream exclusively.
func (s *EventAuthSource) Subscribe(fn func(user *models.UserProfile)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return nil, errors.New("auth source already has an active subscription")
	}
	s.fn = fn
	s.subscribed = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fn = nil
		s.subscribed = false
	}, nil
}

// Emit delivers an auth change (nil means signed out) to the subscriber.
func (s *EventAuthSource) Emit(user *models.UserProfile) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(user)
	}
}
