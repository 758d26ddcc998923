package models

import "reflect"

// TaskType identifies a gamified task.
type TaskType string

const (
	TaskFirstOptimize TaskType = "FIRST_OPTIMIZE"
	TaskSavePrompts   TaskType = "SAVE_PROMPTS"
	TaskDailyStreak   TaskType = "DAILY_STREAK"
	TaskInviteFriend  TaskType = "INVITE_FRIEND"
)

// TaskState is the per-user progress for one task, merged from the static
// catalog (metadata truth) and the remote rewards_tasks document (progress
// truth). For every task except the repeatable INVITE_FRIEND,
// Completed == (Progress >= MaxProgress).
type TaskState struct {
	ID          TaskType `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	RewardDays  int      `json:"rewardDays"`
	Completed   bool     `json:"completed"`
	Claimed     bool     `json:"claimed"`
	Progress    int      `json:"progress"`
	MaxProgress int      `json:"maxProgress"`
	CompletedAt *int64   `json:"completedAt,omitempty"`
	ClaimedAt   *int64   `json:"claimedAt,omitempty"`
}

// RewardsState is the full rewards snapshot pushed to UI processes.
type RewardsState struct {
	Tasks     []TaskState `json:"tasks"`
	IsLoading bool        `json:"isLoading"`
	Error     *string     `json:"error,omitempty"`
}

// ObservablyEqual compares two states ignoring IsLoading and Error, mirroring
// the broadcast gate used for membership state.
func (r RewardsState) ObservablyEqual(o RewardsState) bool {
	return reflect.DeepEqual(r.Tasks, o.Tasks)
}

// RewardQueueEntry is one append-only record in users/{uid}/rewards_queue,
// written atomically with the task-claim update. QueueID doubles as the
// idempotency key for downstream reward processing.
type RewardQueueEntry struct {
	QueueID    string   `json:"queueId" firestore:"-"`
	TaskID     TaskType `json:"taskId" firestore:"taskId"`
	RewardDays int      `json:"rewardDays" firestore:"rewardDays"`
	ClaimedAt  int64    `json:"claimedAt" firestore:"claimedAt"`
	Processed  bool     `json:"processed" firestore:"processed"`
}
