package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
	"aetherflow-syncd/internal/outbox"
	"aetherflow-syncd/internal/state"
)

// AuthService is the read-only slice of the auth store the router consults.
type AuthService interface {
	AuthState() models.AuthState
}

// AuthEmitter feeds verified identity changes into the auth source. Emitting
// nil signs the user out.
type AuthEmitter interface {
	Emit(user *models.UserProfile)
}

// MembershipService exposes the membership snapshot.
type MembershipService interface {
	MembershipState() models.MembershipState
}

// QuotaService is the quota engine surface the router drives.
type QuotaService interface {
	FullQuotaInfo() models.QuotaInfo
	CanUseFeature(ctx context.Context, feature models.Feature) (bool, error)
	IncrementUsage(ctx context.Context, feature models.Feature) error
	RefreshStoredPromptCount(ctx context.Context) error
}

// RewardsService is the rewards engine surface the router drives.
type RewardsService interface {
	RewardsState() models.RewardsState
	ClaimReward(ctx context.Context, taskID models.TaskType) (models.TaskState, error)
}

// TokenVerifier validates a Firebase ID token and returns the profile its
// claims describe.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (models.UserProfile, error)
}

// Enqueuer is the durable outbox surface used for deferred writes.
type Enqueuer interface {
	Enqueue(op outbox.Operation) error
}

// Router dispatches inbound envelopes to the state stores and engines. All
// domain state lives behind the service interfaces; the router itself only
// carries the mutex serializing invite-code assignment.
type Router struct {
	auth       AuthService
	emitter    AuthEmitter
	membership MembershipService
	quota      QuotaService
	rewards    RewardsService
	verifier   TokenVerifier
	users      db.UserRepository
	prompts    db.PromptRepository
	outbox     Enqueuer
	hub        *Hub
	logger     *zap.Logger

	inviteMu sync.Mutex
}

// NewRouter wires the router over its collaborators.
func NewRouter(auth AuthService, emitter AuthEmitter, membership MembershipService, quota QuotaService, rewards RewardsService, verifier TokenVerifier, users db.UserRepository, prompts db.PromptRepository, ob Enqueuer, hub *Hub, logger *zap.Logger) *Router {
	return &Router{
		auth:       auth,
		emitter:    emitter,
		membership: membership,
		quota:      quota,
		rewards:    rewards,
		verifier:   verifier,
		users:      users,
		prompts:    prompts,
		outbox:     ob,
		hub:        hub,
		logger:     logger,
	}
}

type authenticateRequest struct {
	IDToken string `json:"idToken"`
}

type featureRequest struct {
	Feature models.Feature `json:"feature"`
}

type claimRequest struct {
	TaskID models.TaskType `json:"taskId"`
}

type savePromptRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type deletePromptRequest struct {
	PromptID string `json:"promptId"`
}

type checkQuotaResponse struct {
	Feature models.Feature `json:"feature"`
	Allowed bool           `json:"allowed"`
}

type inviteCodeResponse struct {
	InviteCode string `json:"inviteCode"`
}

// Dispatch routes one envelope. handled is false for unrecognized message
// types: the envelope may belong to another consumer sharing the channel, so
// no reply (not even an error) is produced for it.
func (r *Router) Dispatch(ctx context.Context, env Envelope) (Reply, bool) {
	switch env.Type {
	case MsgGetAuthState:
		return r.respond(env, MsgAuthStateResponse, r.auth.AuthState()), true
	case MsgGetMembershipState:
		return r.respond(env, MsgMembershipStateResponse, r.membership.MembershipState()), true
	case MsgGetQuotaState:
		return r.respond(env, MsgQuotaStateResponse, r.quota.FullQuotaInfo()), true
	case MsgGetRewardsState:
		return r.respond(env, MsgRewardsStateResponse, r.rewards.RewardsState()), true
	case MsgCheckQuota:
		return r.handleCheckQuota(ctx, env), true
	case MsgIncrementUsage:
		return r.handleIncrementUsage(ctx, env), true
	case MsgClaimReward:
		return r.handleClaimReward(ctx, env), true
	case MsgGetInviteCode:
		return r.handleGetInviteCode(ctx, env), true
	case MsgAuthenticate:
		return r.handleAuthenticate(ctx, env), true
	case MsgSignOut:
		r.emitter.Emit(nil)
		return r.respond(env, MsgSignOutResponse, nil), true
	case MsgSavePrompt:
		return r.handleSavePrompt(ctx, env), true
	case MsgDeletePrompt:
		return r.handleDeletePrompt(ctx, env), true
	case MsgGetPrompts:
		return r.handleGetPrompts(ctx, env), true
	default:
		r.logger.Debug("unrecognized message type, ignoring", zap.String("type", env.Type))
		return Reply{}, false
	}
}

func (r *Router) respond(env Envelope, msgType string, payload any) Reply {
	return Reply{Type: msgType, Payload: payload, RequestID: env.RequestID}
}

func (r *Router) fail(env Envelope, msgType string, err error) Reply {
	r.logger.Warn("request failed",
		zap.String("type", env.Type), zap.String("requestId", env.RequestID), zap.Error(err))
	return Reply{Type: msgType, RequestID: env.RequestID, Error: err.Error()}
}

func (r *Router) handleCheckQuota(ctx context.Context, env Envelope) Reply {
	var req featureRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgCheckQuotaResponse, fmt.Errorf("invalid payload: %w", err))
	}
	allowed, err := r.quota.CanUseFeature(ctx, req.Feature)
	if err != nil {
		return r.fail(env, MsgCheckQuotaResponse, err)
	}
	return r.respond(env, MsgCheckQuotaResponse, checkQuotaResponse{Feature: req.Feature, Allowed: allowed})
}

func (r *Router) handleIncrementUsage(ctx context.Context, env Envelope) Reply {
	var req featureRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgIncrementUsageResponse, fmt.Errorf("invalid payload: %w", err))
	}
	if err := r.quota.IncrementUsage(ctx, req.Feature); err != nil {
		return r.fail(env, MsgIncrementUsageResponse, err)
	}
	r.hub.BroadcastQuotaState(r.quota.FullQuotaInfo())
	return r.respond(env, MsgIncrementUsageResponse, r.quota.FullQuotaInfo())
}

func (r *Router) handleClaimReward(ctx context.Context, env Envelope) Reply {
	var req claimRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgClaimRewardResponse, fmt.Errorf("invalid payload: %w", err))
	}
	updated, err := r.rewards.ClaimReward(ctx, req.TaskID)
	if err != nil {
		return r.fail(env, MsgClaimRewardResponse, err)
	}
	return r.respond(env, MsgClaimRewardResponse, updated)
}

// handleGetInviteCode returns the user's invite code, generating one on first
// request. The generated code is returned immediately; persisting it is
// deferred to the outbox so a slow or failing remote write never delays the
// response. Generation is serialized under inviteMu and the auth state is
// read inside the lock: Emit installs the code synchronously, so a racing
// request always sees the winner's code instead of minting a second one.
func (r *Router) handleGetInviteCode(_ context.Context, env Envelope) Reply {
	r.inviteMu.Lock()
	defer r.inviteMu.Unlock()

	st := r.auth.AuthState()
	if !st.IsAuthenticated {
		return r.fail(env, MsgInviteCodeResponse, state.ErrNotAuthenticated)
	}
	if st.User.InviteCode != "" {
		return r.respond(env, MsgInviteCodeResponse, inviteCodeResponse{InviteCode: st.User.InviteCode})
	}

	code := generateInviteCode()
	payload, _ := json.Marshal(inviteCodeResponse{InviteCode: code})
	if err := r.outbox.Enqueue(outbox.Operation{
		Kind:    outbox.OpSetInviteCode,
		UserID:  st.UserID,
		Payload: payload,
	}); err != nil {
		// Enqueue only fails on local disk trouble; the code is still valid
		// for this session, so log and answer anyway.
		r.logger.Warn("failed to enqueue invite code persist",
			zap.String("userID", st.UserID), zap.Error(err))
	}

	updated := *st.User
	updated.InviteCode = code
	r.emitter.Emit(&updated)

	return r.respond(env, MsgInviteCodeResponse, inviteCodeResponse{InviteCode: code})
}

func (r *Router) handleAuthenticate(ctx context.Context, env Envelope) Reply {
	var req authenticateRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgAuthenticateResponse, fmt.Errorf("invalid payload: %w", err))
	}
	if req.IDToken == "" {
		return r.fail(env, MsgAuthenticateResponse, errors.New("idToken is required"))
	}

	profile, err := r.verifier.Verify(ctx, req.IDToken)
	if err != nil {
		return r.fail(env, MsgAuthenticateResponse, err)
	}

	user, err := r.users.GetByID(ctx, profile.UID)
	if errors.Is(err, db.ErrNotFound) {
		user = &profile
		if err := r.users.Create(ctx, user); err != nil && !errors.Is(err, db.ErrAlreadyExists) {
			return r.fail(env, MsgAuthenticateResponse, err)
		}
		r.logger.Info("created user profile on first sign-in", zap.String("userID", profile.UID))
	} else if err != nil {
		return r.fail(env, MsgAuthenticateResponse, err)
	}

	r.emitter.Emit(user)
	return r.respond(env, MsgAuthenticateResponse, r.auth.AuthState())
}

func (r *Router) handleSavePrompt(ctx context.Context, env Envelope) Reply {
	var req savePromptRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgSavePromptResponse, fmt.Errorf("invalid payload: %w", err))
	}
	if req.Content == "" {
		return r.fail(env, MsgSavePromptResponse, errors.New("prompt content is required"))
	}

	st := r.auth.AuthState()
	if !st.IsAuthenticated {
		return r.fail(env, MsgSavePromptResponse, state.ErrNotAuthenticated)
	}

	allowed, err := r.quota.CanUseFeature(ctx, models.FeatureStorage)
	if err != nil {
		return r.fail(env, MsgSavePromptResponse, err)
	}
	if !allowed {
		return r.fail(env, MsgSavePromptResponse, errors.New("storage quota exceeded"))
	}

	prompt := &models.Prompt{Title: req.Title, Content: req.Content, Tags: req.Tags}
	id, err := r.prompts.Create(ctx, st.UserID, prompt)
	if err != nil {
		return r.fail(env, MsgSavePromptResponse, err)
	}
	prompt.ID = id

	if err := r.quota.RefreshStoredPromptCount(ctx); err != nil {
		r.logger.Warn("failed to refresh stored prompt count", zap.Error(err))
	} else {
		r.hub.BroadcastQuotaState(r.quota.FullQuotaInfo())
	}
	return r.respond(env, MsgSavePromptResponse, prompt)
}

func (r *Router) handleDeletePrompt(ctx context.Context, env Envelope) Reply {
	var req deletePromptRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return r.fail(env, MsgDeletePromptResponse, fmt.Errorf("invalid payload: %w", err))
	}
	if req.PromptID == "" {
		return r.fail(env, MsgDeletePromptResponse, errors.New("promptId is required"))
	}

	st := r.auth.AuthState()
	if !st.IsAuthenticated {
		return r.fail(env, MsgDeletePromptResponse, state.ErrNotAuthenticated)
	}

	if err := r.prompts.SoftDelete(ctx, st.UserID, req.PromptID); err != nil {
		return r.fail(env, MsgDeletePromptResponse, err)
	}

	if err := r.quota.RefreshStoredPromptCount(ctx); err != nil {
		r.logger.Warn("failed to refresh stored prompt count", zap.Error(err))
	} else {
		r.hub.BroadcastQuotaState(r.quota.FullQuotaInfo())
	}
	return r.respond(env, MsgDeletePromptResponse, nil)
}

func (r *Router) handleGetPrompts(ctx context.Context, env Envelope) Reply {
	st := r.auth.AuthState()
	if !st.IsAuthenticated {
		return r.fail(env, MsgPromptsResponse, state.ErrNotAuthenticated)
	}
	prompts, err := r.prompts.ListActive(ctx, st.UserID)
	if err != nil {
		return r.fail(env, MsgPromptsResponse, err)
	}
	return r.respond(env, MsgPromptsResponse, prompts)
}

// generateInviteCode derives a short human-shareable code from a fresh UUID.
func generateInviteCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
