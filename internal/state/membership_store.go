package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
)

// MembershipStore owns the MembershipState and the single remote snapshot
// listener that feeds it. In-process subscribers (quota and rewards engines)
// are notified on every change; cross-process broadcasts are gated by a
// structural-equality check that ignores IsLoading/Error/RawDoc, so redundant
// messages are suppressed while loading/error transitions still reach the
// engines that care about them.
type MembershipStore struct {
	ctx         context.Context
	repo        db.MembershipRepository
	broadcaster Broadcaster
	logger      *zap.Logger

	mu        sync.Mutex
	state     models.MembershipState
	subs      map[int]func(models.MembershipState)
	nextSubID int
	watchUID  string
	stopWatch func()
}

// NewMembershipStore creates the store. ctx bounds the lifetime of all remote
// listeners the store ever attaches.
func NewMembershipStore(ctx context.Context, repo db.MembershipRepository, broadcaster Broadcaster, logger *zap.Logger) *MembershipStore {
	return &MembershipStore{
		ctx:         ctx,
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger,
		subs:        map[int]func(models.MembershipState){},
	}
}

// MembershipState returns the current cached snapshot. Never blocks.
func (s *MembershipStore) MembershipState() models.MembershipState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an in-process consumer. The callback is invoked once
// immediately with the current state, then on every subsequent change.
func (s *MembershipStore) Subscribe(cb func(models.MembershipState)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	current := s.state
	s.mu.Unlock()

	cb(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// AttachListener attaches the remote snapshot listener for userID, tearing
// down any existing listener first. Attaching for the already-watched user
// while a listener is active is a no-op with a warning, never a second
// subscription.
func (s *MembershipStore) AttachListener(userID string) {
	s.mu.Lock()
	if s.watchUID == userID && s.stopWatch != nil {
		s.mu.Unlock()
		s.logger.Warn("membership listener already active, ignoring duplicate attach",
			zap.String("userID", userID))
		return
	}
	stop := s.stopWatch
	s.stopWatch = nil
	s.watchUID = userID
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	// Reset to an empty loading state for the new user before the first
	// snapshot arrives.
	s.transition(models.MembershipState{IsLoading: true})

	newStop := s.repo.Watch(s.ctx, userID, func(doc map[string]any, exists bool, err error) {
		s.handleSnapshot(userID, doc, exists, err)
	})

	s.mu.Lock()
	if s.watchUID != userID {
		// Re-keyed again while we were attaching; drop this listener.
		s.mu.Unlock()
		newStop()
		return
	}
	s.stopWatch = newStop
	s.mu.Unlock()
}

// Detach tears down the active listener and resets the state to empty.
func (s *MembershipStore) Detach() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.watchUID = ""
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.transition(models.MembershipState{})
}

func (s *MembershipStore) handleSnapshot(userID string, doc map[string]any, exists bool, err error) {
	s.mu.Lock()
	if s.watchUID != userID {
		// Late delivery from a torn-down listener; drop it.
		s.mu.Unlock()
		return
	}

	var next models.MembershipState
	switch {
	case err != nil:
		// Retain last-known data fields, record the error.
		next = s.state
		msg := err.Error()
		next.Error = &msg
		next.IsLoading = false
	case !exists:
		next = models.MembershipState{}
	default:
		next = membershipFromDoc(doc)
	}

	s.transitionLocked(next, err != nil)
}

// transition installs next and applies the notify/broadcast policy.
func (s *MembershipStore) transition(next models.MembershipState) {
	s.mu.Lock()
	s.transitionLocked(next, false)
}

// transitionLocked is entered holding s.mu and releases it before invoking
// callbacks so subscribers may re-enter the store's getters.
func (s *MembershipStore) transitionLocked(next models.MembershipState, isError bool) {
	prev := s.state
	obsChanged := !prev.ObservablyEqual(next)
	metaChanged := prev.IsLoading != next.IsLoading || !errPtrEqual(prev.Error, next.Error)
	if !obsChanged && !metaChanged && !isError {
		s.mu.Unlock()
		return
	}

	s.state = next
	subs := make([]func(models.MembershipState), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	// Broadcast only on observable change, or on listener error.
	if obsChanged || isError {
		s.broadcaster.BroadcastMembershipState(next)
	}
	for _, cb := range subs {
		cb(next)
	}
}

func errPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// membershipFromDoc converts a raw membership document into MembershipState,
// normalizing every timestamp-like field to milliseconds since epoch and
// retaining the raw snapshot.
func membershipFromDoc(doc map[string]any) models.MembershipState {
	st := models.MembershipState{RawDoc: doc}
	if v, ok := doc["status"].(string); ok {
		status := models.MembershipStatus(v)
		st.Status = &status
	}
	st.Plan = strPtrField(doc, "plan")
	st.ExpiresAt = millisPtrField(doc, "expiresAt")
	st.StartedAt = millisPtrField(doc, "startedAt")
	st.UpdatedAt = millisPtrField(doc, "updatedAt")
	st.LastVerifiedAt = millisPtrField(doc, "lastVerifiedAt")
	st.SubscriptionID = strPtrField(doc, "subscriptionId")
	st.SubscriptionStatus = strPtrField(doc, "subscriptionStatus")
	st.CustomerID = strPtrField(doc, "customerId")
	if v, ok := doc["cancelAtPeriodEnd"].(bool); ok {
		st.CancelAtPeriodEnd = &v
	}
	return st
}

func strPtrField(doc map[string]any, key string) *string {
	if v, ok := doc[key].(string); ok {
		return &v
	}
	return nil
}

func millisPtrField(doc map[string]any, key string) *int64 {
	switch v := doc[key].(type) {
	case time.Time:
		ms := v.UnixMilli()
		return &ms
	case int64:
		return &v
	case float64:
		ms := int64(v)
		return &ms
	default:
		return nil
	}
}
