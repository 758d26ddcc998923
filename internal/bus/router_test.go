package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
	"aetherflow-syncd/internal/outbox"
	"aetherflow-syncd/internal/state"
)

type nopRekeyer struct{}

func (nopRekeyer) AttachListener(string) {}
func (nopRekeyer) Detach()               {}

type fakeMembershipService struct{ st models.MembershipState }

func (f *fakeMembershipService) MembershipState() models.MembershipState { return f.st }

type fakeQuotaService struct {
	mu        sync.Mutex
	info      models.QuotaInfo
	allowed   bool
	checkErr  error
	incErr    error
	refreshes int
}

func (f *fakeQuotaService) FullQuotaInfo() models.QuotaInfo { return f.info }

func (f *fakeQuotaService) CanUseFeature(context.Context, models.Feature) (bool, error) {
	return f.allowed, f.checkErr
}

func (f *fakeQuotaService) IncrementUsage(context.Context, models.Feature) error { return f.incErr }

func (f *fakeQuotaService) RefreshStoredPromptCount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type fakeRewardsService struct {
	st       models.RewardsState
	claimed  models.TaskState
	claimErr error
}

func (f *fakeRewardsService) RewardsState() models.RewardsState { return f.st }

func (f *fakeRewardsService) ClaimReward(_ context.Context, id models.TaskType) (models.TaskState, error) {
	if f.claimErr != nil {
		return models.TaskState{}, f.claimErr
	}
	f.claimed.ID = id
	return f.claimed, nil
}

type fakeVerifier struct {
	profile models.UserProfile
	err     error
}

func (f *fakeVerifier) Verify(context.Context, string) (models.UserProfile, error) {
	return f.profile, f.err
}

type fakeUserRepo struct {
	mu      sync.Mutex
	users   map[string]*models.UserProfile
	created []string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*models.UserProfile{}}
}

func (r *fakeUserRepo) GetByID(_ context.Context, userID string) (*models.UserProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("user '%s': %w", userID, db.ErrNotFound)
	}
	return u, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user *models.UserProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UID] = user
	r.created = append(r.created, user.UID)
	return nil
}

func (r *fakeUserRepo) SetInviteCode(_ context.Context, userID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.InviteCode = code
	}
	return nil
}

type fakePromptRepo struct {
	mu      sync.Mutex
	prompts []*models.Prompt
	deleted []string
}

func (r *fakePromptRepo) Create(_ context.Context, _ string, prompt *models.Prompt) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prompt.IsActive = true
	r.prompts = append(r.prompts, prompt)
	return fmt.Sprintf("p%d", len(r.prompts)), nil
}

func (r *fakePromptRepo) ListActive(context.Context, string) ([]*models.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Prompt(nil), r.prompts...), nil
}

func (r *fakePromptRepo) SoftDelete(_ context.Context, _, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, promptID)
	return nil
}

func (r *fakePromptRepo) CountActive(context.Context, string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts), nil
}

type routerFixture struct {
	router  *Router
	auth    *state.AuthStore
	source  *state.EventAuthSource
	quota   *fakeQuotaService
	rewards *fakeRewardsService
	users   *fakeUserRepo
	prompts *fakePromptRepo
	outbox  *outbox.Outbox
	hub     *Hub
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(logger)

	source := state.NewEventAuthSource()
	authStore, err := state.NewAuthStore(source, nopRekeyer{}, hub, logger)
	require.NoError(t, err)
	t.Cleanup(authStore.Close)

	ob, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.json"), logger)
	require.NoError(t, err)

	f := &routerFixture{
		auth:    authStore,
		source:  source,
		quota:   &fakeQuotaService{allowed: true},
		rewards: &fakeRewardsService{},
		users:   newFakeUserRepo(),
		prompts: &fakePromptRepo{},
		outbox:  ob,
		hub:     hub,
	}
	f.router = NewRouter(authStore, source, &fakeMembershipService{}, f.quota, f.rewards,
		&fakeVerifier{}, f.users, f.prompts, ob, hub, logger)
	return f
}

func dispatch(t *testing.T, f *routerFixture, msgType string, payload any) (Reply, bool) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	return f.router.Dispatch(context.Background(), Envelope{
		Type: msgType, Payload: raw, RequestID: "req-1",
	})
}

func TestRouter_StateRoundTrips(t *testing.T) {
	t.Run("auth state reflects a just-applied update", func(t *testing.T) {
		f := newRouterFixture(t)
		f.auth.ManuallyUpdateAuthState(&models.UserProfile{UID: "u1", Email: "u1@example.com"})

		reply, handled := dispatch(t, f, MsgGetAuthState, nil)
		require.True(t, handled)
		assert.Equal(t, MsgAuthStateResponse, reply.Type)
		assert.Equal(t, "req-1", reply.RequestID)

		st, ok := reply.Payload.(models.AuthState)
		require.True(t, ok)
		assert.Equal(t, "u1", st.UserID)
		assert.True(t, st.IsAuthenticated)
	})

	t.Run("quota and rewards getters answer from cache", func(t *testing.T) {
		f := newRouterFixture(t)
		f.quota.info = models.QuotaInfo{Limits: models.MembershipQuota{MaxPrompts: 50}}

		reply, handled := dispatch(t, f, MsgGetQuotaState, nil)
		require.True(t, handled)
		assert.Equal(t, MsgQuotaStateResponse, reply.Type)

		reply, handled = dispatch(t, f, MsgGetRewardsState, nil)
		require.True(t, handled)
		assert.Equal(t, MsgRewardsStateResponse, reply.Type)

		reply, handled = dispatch(t, f, MsgGetMembershipState, nil)
		require.True(t, handled)
		assert.Equal(t, MsgMembershipStateResponse, reply.Type)
	})
}

func TestRouter_QuotaOperations(t *testing.T) {
	t.Run("check reports the gate decision", func(t *testing.T) {
		f := newRouterFixture(t)

		reply, handled := dispatch(t, f, MsgCheckQuota, featureRequest{Feature: models.FeatureStorage})
		require.True(t, handled)
		require.Empty(t, reply.Error)
		resp, ok := reply.Payload.(checkQuotaResponse)
		require.True(t, ok)
		assert.True(t, resp.Allowed)
		assert.Equal(t, models.FeatureStorage, resp.Feature)

		f.quota.allowed = false
		reply, _ = dispatch(t, f, MsgCheckQuota, featureRequest{Feature: models.FeatureStorage})
		assert.False(t, reply.Payload.(checkQuotaResponse).Allowed, "denial is a normal reply, not an error")
		assert.Empty(t, reply.Error)
	})

	t.Run("check failure surfaces as an error reply", func(t *testing.T) {
		f := newRouterFixture(t)
		f.quota.checkErr = errors.New("firestore unavailable")

		reply, handled := dispatch(t, f, MsgCheckQuota, featureRequest{Feature: models.FeatureOptimization})
		require.True(t, handled)
		assert.Equal(t, "firestore unavailable", reply.Error)
	})

	t.Run("increment answers and broadcasts the refreshed quota", func(t *testing.T) {
		f := newRouterFixture(t)
		f.quota.info = models.QuotaInfo{Usage: models.QuotaUsage{DailyOptimizationCount: 1}}
		_, out := f.hub.register()

		reply, handled := dispatch(t, f, MsgIncrementUsage, featureRequest{Feature: models.FeatureOptimization})
		require.True(t, handled)
		assert.Empty(t, reply.Error)
		assert.Equal(t, MsgIncrementUsageResponse, reply.Type)

		select {
		case push := <-out:
			assert.Equal(t, MsgQuotaStateUpdated, push.Type)
		default:
			t.Fatal("increment did not broadcast the quota snapshot")
		}
	})

	t.Run("increment failure surfaces as an error reply", func(t *testing.T) {
		f := newRouterFixture(t)
		f.quota.incErr = errors.New("usage not loaded")

		reply, _ := dispatch(t, f, MsgIncrementUsage, featureRequest{Feature: models.FeatureOptimization})
		assert.Equal(t, "usage not loaded", reply.Error)
	})
}

func TestRouter_UnknownType(t *testing.T) {
	f := newRouterFixture(t)
	reply, handled := f.router.Dispatch(context.Background(), Envelope{Type: "SOMETHING_ELSE"})
	assert.False(t, handled, "unrecognized types are not answered")
	assert.Empty(t, reply.Type)
}

func TestRouter_Authenticate(t *testing.T) {
	t.Run("first sign-in creates the profile and installs the state", func(t *testing.T) {
		f := newRouterFixture(t)
		f.router.verifier = &fakeVerifier{profile: models.UserProfile{UID: "u1", Email: "u1@example.com"}}

		reply, handled := dispatch(t, f, MsgAuthenticate, authenticateRequest{IDToken: "token"})
		require.True(t, handled)
		assert.Empty(t, reply.Error)
		assert.Equal(t, []string{"u1"}, f.users.created)
		assert.Equal(t, "u1", f.auth.AuthState().UserID)
	})

	t.Run("invalid token surfaces as an error reply", func(t *testing.T) {
		f := newRouterFixture(t)
		f.router.verifier = &fakeVerifier{err: errors.New("token expired")}

		reply, handled := dispatch(t, f, MsgAuthenticate, authenticateRequest{IDToken: "bad"})
		require.True(t, handled)
		assert.Equal(t, "token expired", reply.Error)
		assert.False(t, f.auth.AuthState().IsAuthenticated)
	})

	t.Run("sign-out clears the auth state", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		_, handled := dispatch(t, f, MsgSignOut, nil)
		require.True(t, handled)
		assert.False(t, f.auth.AuthState().IsAuthenticated)
	})
}

func TestRouter_InviteCode(t *testing.T) {
	t.Run("generation responds before the persistence write runs", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		// The remote write handler is deliberately slow; it must not be on
		// the response path.
		f.outbox.Register(outbox.OpSetInviteCode, func(context.Context, outbox.Operation) error {
			time.Sleep(500 * time.Millisecond)
			return nil
		})

		start := time.Now()
		reply, handled := dispatch(t, f, MsgGetInviteCode, nil)
		elapsed := time.Since(start)

		require.True(t, handled)
		require.Empty(t, reply.Error)
		resp, ok := reply.Payload.(inviteCodeResponse)
		require.True(t, ok)
		assert.Len(t, resp.InviteCode, 8)
		assert.Less(t, elapsed, 50*time.Millisecond, "response must not await persistence")
		assert.Equal(t, 1, f.outbox.Depth(), "write deferred to the outbox")
	})

	t.Run("existing code is returned as-is", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1", InviteCode: "CAFE0123"})

		reply, _ := dispatch(t, f, MsgGetInviteCode, nil)
		resp := reply.Payload.(inviteCodeResponse)
		assert.Equal(t, "CAFE0123", resp.InviteCode)
		assert.Zero(t, f.outbox.Depth())
	})

	t.Run("generated code lands in the cached profile", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		reply, _ := dispatch(t, f, MsgGetInviteCode, nil)
		resp := reply.Payload.(inviteCodeResponse)
		assert.Equal(t, resp.InviteCode, f.auth.AuthState().User.InviteCode)

		// Second request returns the same code without a new outbox entry.
		reply2, _ := dispatch(t, f, MsgGetInviteCode, nil)
		assert.Equal(t, resp.InviteCode, reply2.Payload.(inviteCodeResponse).InviteCode)
		assert.Equal(t, 1, f.outbox.Depth())
	})

	t.Run("anonymous callers are refused", func(t *testing.T) {
		f := newRouterFixture(t)
		reply, handled := dispatch(t, f, MsgGetInviteCode, nil)
		require.True(t, handled)
		assert.NotEmpty(t, reply.Error)
	})

	t.Run("concurrent requests assign a single code", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		const sessions = 4
		codes := make(chan string, sessions)
		var wg sync.WaitGroup
		for i := 0; i < sessions; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reply, _ := f.router.Dispatch(context.Background(), Envelope{Type: MsgGetInviteCode, RequestID: "req-1"})
				codes <- reply.Payload.(inviteCodeResponse).InviteCode
			}()
		}
		wg.Wait()
		close(codes)

		first := <-codes
		for code := range codes {
			assert.Equal(t, first, code, "every session must see the same code")
		}
		assert.Equal(t, first, f.auth.AuthState().User.InviteCode)
		assert.Equal(t, 1, f.outbox.Depth(), "exactly one persistence op enqueued")
	})
}

func TestRouter_Prompts(t *testing.T) {
	t.Run("save flows through the storage gate", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		reply, handled := dispatch(t, f, MsgSavePrompt, savePromptRequest{Title: "t", Content: "c"})
		require.True(t, handled)
		assert.Empty(t, reply.Error)
		assert.Len(t, f.prompts.prompts, 1)
		assert.Equal(t, 1, f.quota.refreshes, "stored count recomputed after the write")
	})

	t.Run("denied storage quota rejects the save", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})
		f.quota.allowed = false

		reply, _ := dispatch(t, f, MsgSavePrompt, savePromptRequest{Content: "c"})
		assert.Equal(t, "storage quota exceeded", reply.Error)
		assert.Empty(t, f.prompts.prompts)
	})

	t.Run("delete soft-deletes and recounts", func(t *testing.T) {
		f := newRouterFixture(t)
		f.source.Emit(&models.UserProfile{UID: "u1"})

		reply, _ := dispatch(t, f, MsgDeletePrompt, deletePromptRequest{PromptID: "p1"})
		assert.Empty(t, reply.Error)
		assert.Equal(t, []string{"p1"}, f.prompts.deleted)
		assert.Equal(t, 1, f.quota.refreshes)
	})

	t.Run("anonymous saves are refused", func(t *testing.T) {
		f := newRouterFixture(t)
		reply, _ := dispatch(t, f, MsgSavePrompt, savePromptRequest{Content: "c"})
		assert.NotEmpty(t, reply.Error)
	})
}

func TestRouter_ClaimReward(t *testing.T) {
	t.Run("successful claim returns the updated task", func(t *testing.T) {
		f := newRouterFixture(t)
		f.rewards.claimed = models.TaskState{Claimed: true, Completed: true}

		reply, handled := dispatch(t, f, MsgClaimReward, claimRequest{TaskID: models.TaskFirstOptimize})
		require.True(t, handled)
		assert.Empty(t, reply.Error)
		ts := reply.Payload.(models.TaskState)
		assert.Equal(t, models.TaskFirstOptimize, ts.ID)
		assert.True(t, ts.Claimed)
	})

	t.Run("engine rejection surfaces as an error reply", func(t *testing.T) {
		f := newRouterFixture(t)
		f.rewards.claimErr = state.ErrAlreadyClaimed

		reply, _ := dispatch(t, f, MsgClaimReward, claimRequest{TaskID: models.TaskFirstOptimize})
		assert.Equal(t, state.ErrAlreadyClaimed.Error(), reply.Error)
	})
}
