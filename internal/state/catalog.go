package state

import "aetherflow-syncd/internal/models"

// TaskMeta is the static per-deployment metadata for one gamified task.
// The catalog is the source of truth for titles and reward sizes; the remote
// rewards_tasks collection is the source of truth for progress.
type TaskMeta struct {
	ID          models.TaskType
	Title       string
	Description string
	RewardDays  int
	MaxProgress int
	// Repeatable tasks (invite friend) may complete multiple times and are
	// re-armed after each claim cycle, up to MaxProgress total claims.
	Repeatable bool
}

// DefaultCatalog returns the task catalog for the current deployment.
func DefaultCatalog() []TaskMeta {
	return []TaskMeta{
		{
			ID:          models.TaskFirstOptimize,
			Title:       "Run your first optimization",
			Description: "Optimize any prompt with AI to earn bonus pro days.",
			RewardDays:  1,
			MaxProgress: 1,
		},
		{
			ID:          models.TaskSavePrompts,
			Title:       "Save 5 prompts",
			Description: "Build your prompt library.",
			RewardDays:  2,
			MaxProgress: 5,
		},
		{
			ID:          models.TaskDailyStreak,
			Title:       "Use AetherFlow 7 days in a row",
			Description: "Come back every day for a week.",
			RewardDays:  3,
			MaxProgress: 7,
		},
		{
			ID:          models.TaskInviteFriend,
			Title:       "Invite a friend",
			Description: "Share your invite code; earn pro days for every signup.",
			RewardDays:  7,
			MaxProgress: 5,
			Repeatable:  true,
		},
	}
}
