package db

import (
	"context"

	"aetherflow-syncd/internal/models"
)

// UserRepository defines the interface for user-profile storage operations.
type UserRepository interface {
	GetByID(ctx context.Context, userID string) (*models.UserProfile, error)
	Create(ctx context.Context, user *models.UserProfile) error
	// SetInviteCode persists a generated invite code onto users/{uid}. The
	// caller is expected to have already responded to the user; this write is
	// best-effort and retried through the outbox.
	SetInviteCode(ctx context.Context, userID, code string) error
}

// MembershipRepository provides access to the per-user membership document.
type MembershipRepository interface {
	// Watch attaches a snapshot listener on users/{uid}/membership/status.
	// fn is invoked on every snapshot with the raw document fields (nil map
	// when the document is absent) in remote emission order, and with a
	// non-nil err on listener failure. The returned stop function tears the
	// listener down; it is safe to call more than once.
	Watch(ctx context.Context, userID string, fn func(doc map[string]any, exists bool, err error)) (stop func())
}

// QuotaRepository provides access to the per-user usage counters document.
type QuotaRepository interface {
	// GetUsage reads users/{uid}/quota/usage. exists is false when the
	// document is absent; callers default to zero usage in that case.
	GetUsage(ctx context.Context, userID string) (usage models.QuotaUsage, exists bool, err error)
	// SetUsage merge-writes the optimization counters. StoredPromptsCount is
	// never persisted: true storage counts are only ever recomputed remotely.
	SetUsage(ctx context.Context, userID string, usage models.QuotaUsage) error
}

// PromptRepository stores user prompts with soft-delete semantics.
type PromptRepository interface {
	Create(ctx context.Context, userID string, prompt *models.Prompt) (string, error)
	ListActive(ctx context.Context, userID string) ([]*models.Prompt, error)
	// SoftDelete flips isActive to false; the document is never removed.
	SoftDelete(ctx context.Context, userID, promptID string) error
	// CountActive counts prompts flagged active; this is the source of truth
	// for the storage quota.
	CountActive(ctx context.Context, userID string) (int, error)
}

// TaskSnapshot is one raw document from the rewards_tasks collection.
type TaskSnapshot struct {
	ID   string
	Data map[string]any
}

// ClaimDecision validates and transforms the transactionally-read task state.
// Returning an error aborts the claim; the returned state is written back.
type ClaimDecision func(current models.TaskState) (models.TaskState, error)

// RewardsRepository provides access to the per-user task collection and the
// append-only claim queue.
type RewardsRepository interface {
	// WatchTasks attaches a snapshot listener on users/{uid}/rewards_tasks.
	// fn receives the full collection contents on every change, in remote
	// emission order.
	WatchTasks(ctx context.Context, userID string, fn func(docs []TaskSnapshot, err error)) (stop func())
	// ClaimTask runs the claim transaction: read the task document, apply
	// decide, write the updated task state and append entry to rewards_queue
	// atomically. The engine owns the claim rules; this method owns the
	// transaction mechanics.
	ClaimTask(ctx context.Context, userID string, taskID models.TaskType, entry models.RewardQueueEntry, decide ClaimDecision) (models.TaskState, error)
}
