package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/models"
)

type recordingRekeyer struct {
	mu       sync.Mutex
	attaches []string
	detaches int
}

func (r *recordingRekeyer) AttachListener(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attaches = append(r.attaches, userID)
}

func (r *recordingRekeyer) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detaches++
}

func newAuthFixture(t *testing.T) (*AuthStore, *EventAuthSource, *recordingRekeyer, *recordingBroadcaster) {
	t.Helper()
	source := NewEventAuthSource()
	rekeyer := &recordingRekeyer{}
	broadcaster := &recordingBroadcaster{}
	store, err := NewAuthStore(source, rekeyer, broadcaster, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, source, rekeyer, broadcaster
}

func TestAuthStore_Transitions(t *testing.T) {
	t.Run("manual update installs a consistent state", func(t *testing.T) {
		store, _, _, _ := newAuthFixture(t)
		user := &models.UserProfile{UID: "u1", Email: "u1@example.com"}

		store.ManuallyUpdateAuthState(user)

		st := store.AuthState()
		assert.Equal(t, "u1", st.UserID)
		assert.True(t, st.IsAuthenticated)
		require.NotNil(t, st.User)
		assert.Equal(t, "u1", st.User.UID)
	})

	t.Run("source emission drives the same path", func(t *testing.T) {
		store, source, _, _ := newAuthFixture(t)

		source.Emit(&models.UserProfile{UID: "u2"})

		st := store.AuthState()
		assert.Equal(t, "u2", st.UserID)
		assert.True(t, st.IsAuthenticated)
	})

	t.Run("sign-out clears everything", func(t *testing.T) {
		store, source, _, _ := newAuthFixture(t)
		source.Emit(&models.UserProfile{UID: "u1"})

		source.Emit(nil)

		st := store.AuthState()
		assert.Empty(t, st.UserID)
		assert.False(t, st.IsAuthenticated)
		assert.Nil(t, st.User)
	})
}

func TestAuthStore_MembershipRekey(t *testing.T) {
	t.Run("user change re-keys the membership listener", func(t *testing.T) {
		store, _, rekeyer, _ := newAuthFixture(t)

		store.ManuallyUpdateAuthState(&models.UserProfile{UID: "u1"})
		store.ManuallyUpdateAuthState(&models.UserProfile{UID: "u2"})

		assert.Equal(t, []string{"u1", "u2"}, rekeyer.attaches)
		assert.Zero(t, rekeyer.detaches)
	})

	t.Run("same user update does not re-key", func(t *testing.T) {
		store, _, rekeyer, _ := newAuthFixture(t)
		user := &models.UserProfile{UID: "u1"}

		store.ManuallyUpdateAuthState(user)
		refreshed := *user
		refreshed.InviteCode = "ABCD1234"
		store.ManuallyUpdateAuthState(&refreshed)

		assert.Equal(t, []string{"u1"}, rekeyer.attaches)
	})

	t.Run("sign-out detaches", func(t *testing.T) {
		store, _, rekeyer, _ := newAuthFixture(t)
		store.ManuallyUpdateAuthState(&models.UserProfile{UID: "u1"})

		store.ManuallyUpdateAuthState(nil)

		assert.Equal(t, 1, rekeyer.detaches)
	})
}

func TestAuthStore_Broadcasts(t *testing.T) {
	t.Run("every transition broadcasts, including profile refreshes", func(t *testing.T) {
		store, _, _, broadcaster := newAuthFixture(t)
		user := &models.UserProfile{UID: "u1"}

		store.ManuallyUpdateAuthState(user)
		refreshed := *user
		refreshed.InviteCode = "ABCD1234"
		store.ManuallyUpdateAuthState(&refreshed)

		broadcaster.mu.Lock()
		defer broadcaster.mu.Unlock()
		require.Len(t, broadcaster.auth, 2)
		assert.Equal(t, "ABCD1234", broadcaster.auth[1].User.InviteCode)
	})
}

func TestEventAuthSource_SingleSubscription(t *testing.T) {
	source := NewEventAuthSource()
	cancel, err := source.Subscribe(func(*models.UserProfile) {})
	require.NoError(t, err)

	_, err = source.Subscribe(func(*models.UserProfile) {})
	require.Error(t, err, "second active subscription must be refused")

	cancel()
	_, err = source.Subscribe(func(*models.UserProfile) {})
	assert.NoError(t, err, "cancelled subscription frees the slot")
}
