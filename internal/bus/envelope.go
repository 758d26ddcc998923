// Package bus implements the message protocol between the background process
// and its UI processes: a typed request/response envelope over websocket plus
// fire-and-forget state broadcasts. The background process is the single
// writer of all state; UI processes only ever send requests and receive
// copies.
package bus

import "encoding/json"

// Request message types understood by the router.
const (
	MsgGetAuthState       = "GET_AUTH_STATE"
	MsgGetMembershipState = "GET_MEMBERSHIP_STATE"
	MsgGetQuotaState      = "GET_QUOTA_STATE"
	MsgGetRewardsState    = "GET_REWARDS_STATE"
	MsgCheckQuota         = "CHECK_QUOTA"
	MsgIncrementUsage     = "INCREMENT_USAGE"
	MsgClaimReward        = "CLAIM_REWARD"
	MsgGetInviteCode      = "GET_INVITE_CODE"
	MsgAuthenticate       = "AUTHENTICATE"
	MsgSignOut            = "SIGN_OUT"
	MsgSavePrompt         = "SAVE_PROMPT"
	MsgDeletePrompt       = "DELETE_PROMPT"
	MsgGetPrompts         = "GET_PROMPTS"
)

// Response message types.
const (
	MsgAuthStateResponse       = "AUTH_STATE_RESPONSE"
	MsgMembershipStateResponse = "MEMBERSHIP_STATE_RESPONSE"
	MsgQuotaStateResponse      = "QUOTA_STATE_RESPONSE"
	MsgRewardsStateResponse    = "REWARDS_STATE_RESPONSE"
	MsgCheckQuotaResponse      = "CHECK_QUOTA_RESPONSE"
	MsgIncrementUsageResponse  = "INCREMENT_USAGE_RESPONSE"
	MsgClaimRewardResponse     = "CLAIM_REWARD_RESPONSE"
	MsgInviteCodeResponse      = "INVITE_CODE_RESPONSE"
	MsgAuthenticateResponse    = "AUTHENTICATE_RESPONSE"
	MsgSignOutResponse         = "SIGN_OUT_RESPONSE"
	MsgSavePromptResponse      = "SAVE_PROMPT_RESPONSE"
	MsgDeletePromptResponse    = "DELETE_PROMPT_RESPONSE"
	MsgPromptsResponse         = "PROMPTS_RESPONSE"
)

// Push message types broadcast to every connected UI process.
const (
	MsgAuthStateUpdated       = "CENTRAL_AUTH_STATE_UPDATED"
	MsgMembershipStateUpdated = "CENTRAL_MEMBERSHIP_STATE_UPDATED"
	MsgQuotaStateUpdated      = "QUOTA_STATE_UPDATED"
	MsgRewardsTasksUpdated    = "REWARDS_TASKS_UPDATED"
)

// Envelope is one inbound message from a UI process. RequestID correlates the
// eventual reply; it is opaque to the router and echoed back verbatim.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Reply is one outbound message: either a correlated response (RequestID set)
// or a broadcast push (RequestID empty). Error carries a human-readable
// failure description; Payload is omitted when Error is set.
type Reply struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}
