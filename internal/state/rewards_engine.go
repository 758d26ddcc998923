package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
)

// RewardsEngine mirrors the per-user task collection and brokers reward
// claims. It re-keys off the authenticated user id by piggybacking on the
// membership subscription rather than subscribing to auth directly: membership
// changes always follow auth changes in this system, so the membership stream
// doubles as the "check if the user changed" trigger.
type RewardsEngine struct {
	ctx         context.Context
	auth        AuthStateProvider
	repo        db.RewardsRepository
	catalog     []TaskMeta
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     models.RewardsState
	watchUID  string
	stopWatch func()

	unsubscribe func()
}

// NewRewardsEngine constructs the engine and hooks it onto the membership
// subscription mechanism.
func NewRewardsEngine(ctx context.Context, auth AuthStateProvider, membership MembershipSubscriber, repo db.RewardsRepository, catalog []TaskMeta, broadcaster Broadcaster, logger *zap.Logger) *RewardsEngine {
	e := &RewardsEngine{
		ctx:         ctx,
		auth:        auth,
		repo:        repo,
		catalog:     catalog,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		state:       models.RewardsState{Tasks: []models.TaskState{}},
	}
	e.unsubscribe = membership.Subscribe(func(models.MembershipState) { e.rekey() })
	return e
}

// RewardsState returns the current cached snapshot. Never blocks.
func (e *RewardsEngine) RewardsState() models.RewardsState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// rekey tears down and re-attaches the task-collection listener when the
// authenticated user changes; on logout it resets to an empty task list.
func (e *RewardsEngine) rekey() {
	uid := e.auth.AuthState().UserID

	e.mu.Lock()
	if uid == e.watchUID && (uid == "" || e.stopWatch != nil) {
		e.mu.Unlock()
		return
	}
	stop := e.stopWatch
	e.stopWatch = nil
	e.watchUID = uid
	e.mu.Unlock()

	if stop != nil {
		stop()
	}

	if uid == "" {
		e.transition(models.RewardsState{Tasks: []models.TaskState{}}, false)
		return
	}

	e.transition(models.RewardsState{Tasks: e.mergeTasksFrom(nil), IsLoading: true}, false)

	newStop := e.repo.WatchTasks(e.ctx, uid, func(docs []db.TaskSnapshot, err error) {
		e.handleSnapshot(uid, docs, err)
	})

	e.mu.Lock()
	if e.watchUID != uid {
		e.mu.Unlock()
		newStop()
		return
	}
	e.stopWatch = newStop
	e.mu.Unlock()
}

func (e *RewardsEngine) handleSnapshot(uid string, docs []db.TaskSnapshot, err error) {
	e.mu.Lock()
	stale := e.watchUID != uid
	prev := e.state
	e.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		next := prev
		msg := err.Error()
		next.Error = &msg
		next.IsLoading = false
		e.transition(next, true)
		return
	}

	remote := make(map[models.TaskType]models.TaskState, len(docs))
	for _, doc := range docs {
		ts := db.TaskStateFromData(doc.ID, doc.Data)
		remote[ts.ID] = ts
	}

	e.transition(models.RewardsState{Tasks: e.mergeTasksFrom(remote)}, false)
}

// mergeTasksFrom merges the static catalog (metadata truth) with the remote
// document fragments (progress truth). Absent remote fields default to
// false/0; for non-repeatable tasks the completed flag is derived from
// progress so the completed == (progress >= maxProgress) invariant holds
// regardless of what the remote doc says.
func (e *RewardsEngine) mergeTasksFrom(remote map[models.TaskType]models.TaskState) []models.TaskState {
	tasks := make([]models.TaskState, 0, len(e.catalog))
	for _, meta := range e.catalog {
		ts := models.TaskState{ID: meta.ID}
		if remote != nil {
			if r, ok := remote[meta.ID]; ok {
				ts = r
			}
		}
		ts.Title = meta.Title
		ts.Description = meta.Description
		ts.RewardDays = meta.RewardDays
		ts.MaxProgress = meta.MaxProgress
		if !meta.Repeatable {
			ts.Completed = ts.Progress >= meta.MaxProgress
		}
		tasks = append(tasks, ts)
	}
	return tasks
}

// transition installs next with the same structural-equality-gated broadcast
// as the membership store (isLoading/error excluded from the comparison).
func (e *RewardsEngine) transition(next models.RewardsState, isError bool) {
	e.mu.Lock()
	prev := e.state
	obsChanged := !prev.ObservablyEqual(next)
	metaChanged := prev.IsLoading != next.IsLoading || !errPtrEqual(prev.Error, next.Error)
	if !obsChanged && !metaChanged && !isError {
		e.mu.Unlock()
		return
	}
	e.state = next
	e.mu.Unlock()

	if obsChanged || isError {
		e.broadcaster.BroadcastRewardsState(next)
	}
}

// ClaimReward atomically claims the task's reward: validate claimability,
// mark the task claimed, and append an idempotency-keyed entry to the claim
// queue, all in one transaction. The engine's own cache is the single
// "already claimed" short-circuit; stale cache optimism is re-validated
// against the transactional read.
func (e *RewardsEngine) ClaimReward(ctx context.Context, taskID models.TaskType) (models.TaskState, error) {
	uid := e.auth.AuthState().UserID
	if uid == "" {
		return models.TaskState{}, ErrNotAuthenticated
	}

	meta, ok := e.metaByID(taskID)
	if !ok {
		return models.TaskState{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	// Cached short-circuit before touching the remote store.
	if cached, ok := e.cachedTask(taskID); ok {
		if cached.Claimed {
			return models.TaskState{}, ErrAlreadyClaimed
		}
		if !cached.Completed {
			return models.TaskState{}, ErrTaskNotCompleted
		}
	}

	nowMs := e.now().UnixMilli()
	entry := models.RewardQueueEntry{
		QueueID:    uuid.NewString(),
		TaskID:     taskID,
		RewardDays: meta.RewardDays,
		ClaimedAt:  nowMs,
	}

	updated, err := e.repo.ClaimTask(ctx, uid, taskID, entry, func(current models.TaskState) (models.TaskState, error) {
		if current.Claimed {
			return models.TaskState{}, ErrAlreadyClaimed
		}
		completed := current.Completed || (!meta.Repeatable && current.Progress >= meta.MaxProgress)
		if !completed {
			return models.TaskState{}, ErrTaskNotCompleted
		}
		current.Completed = true
		current.Claimed = true
		current.ClaimedAt = &nowMs
		if current.CompletedAt == nil {
			current.CompletedAt = &nowMs
		}
		current.MaxProgress = meta.MaxProgress
		return current, nil
	})
	if err != nil {
		return models.TaskState{}, err
	}

	e.logger.Info("reward claimed",
		zap.String("userID", uid), zap.String("taskID", string(taskID)),
		zap.Int("rewardDays", meta.RewardDays))

	// Update the cache immediately; the snapshot listener will confirm.
	e.applyClaimed(updated)
	return updated, nil
}

func (e *RewardsEngine) metaByID(taskID models.TaskType) (TaskMeta, bool) {
	for _, meta := range e.catalog {
		if meta.ID == taskID {
			return meta, true
		}
	}
	return TaskMeta{}, false
}

func (e *RewardsEngine) cachedTask(taskID models.TaskType) (models.TaskState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ts := range e.state.Tasks {
		if ts.ID == taskID {
			return ts, true
		}
	}
	return models.TaskState{}, false
}

func (e *RewardsEngine) applyClaimed(updated models.TaskState) {
	e.mu.Lock()
	next := e.state
	next.Tasks = append([]models.TaskState(nil), e.state.Tasks...)
	for i, ts := range next.Tasks {
		if ts.ID == updated.ID {
			updated.Title = ts.Title
			updated.Description = ts.Description
			updated.RewardDays = ts.RewardDays
			next.Tasks[i] = updated
			break
		}
	}
	e.mu.Unlock()
	e.transition(next, false)
}

// Close releases the membership subscription and any active task listener.
func (e *RewardsEngine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.mu.Lock()
	stop := e.stopWatch
	e.stopWatch = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}
