package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"aetherflow-syncd/internal/models"
)

const (
	rewardsTasksCollection = "rewards_tasks"
	rewardsQueueCollection = "rewards_queue"
)

// firestoreRewardsRepository implements RewardsRepository using Firestore.
type firestoreRewardsRepository struct {
	client *firestore.Client
	logger *zap.Logger
}

// NewFirestoreRewardsRepository creates a new rewards repository.
func NewFirestoreRewardsRepository(client *firestore.Client, logger *zap.Logger) RewardsRepository {
	return &firestoreRewardsRepository{client: client, logger: logger}
}

func (r *firestoreRewardsRepository) tasksRef(userID string) *firestore.CollectionRef {
	return r.client.Collection(usersCollection).Doc(userID).Collection(rewardsTasksCollection)
}

// WatchTasks attaches a snapshot listener on users/{uid}/rewards_tasks and
// delivers the full collection contents on every change.
func (r *firestoreRewardsRepository) WatchTasks(ctx context.Context, userID string, fn func(docs []TaskSnapshot, err error)) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		iter := r.tasksRef(userID).Snapshots(watchCtx)
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled || watchCtx.Err() != nil {
					return
				}
				r.logger.Warn("rewards snapshot listener error",
					zap.String("userID", userID), zap.Error(err))
				fn(nil, err)
				return
			}
			snaps, err := qsnap.Documents.GetAll()
			if err != nil {
				fn(nil, err)
				return
			}
			docs := make([]TaskSnapshot, 0, len(snaps))
			for _, doc := range snaps {
				docs = append(docs, TaskSnapshot{ID: doc.Ref.ID, Data: doc.Data()})
			}
			fn(docs, nil)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }
}

// ClaimTask runs the claim transaction. It reads the current task document,
// lets decide validate and transform it, then writes the updated task state
// and appends the queue entry atomically. An absent task document is treated
// as a zero-progress task; decide is expected to reject it.
func (r *firestoreRewardsRepository) ClaimTask(ctx context.Context, userID string, taskID models.TaskType, entry models.RewardQueueEntry, decide ClaimDecision) (models.TaskState, error) {
	if userID == "" || taskID == "" {
		return models.TaskState{}, errors.New("userID and taskID are required for ClaimTask")
	}
	if entry.QueueID == "" {
		return models.TaskState{}, errors.New("queue entry requires an idempotency key")
	}

	taskRef := r.tasksRef(userID).Doc(string(taskID))
	queueRef := r.client.Collection(usersCollection).Doc(userID).
		Collection(rewardsQueueCollection).Doc(entry.QueueID)

	var updated models.TaskState
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current := models.TaskState{ID: taskID}
		snap, err := tx.Get(taskRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read task '%s': %w", taskID, err)
		}
		if err == nil && snap.Exists() {
			current = TaskStateFromData(string(taskID), snap.Data())
		}

		next, err := decide(current)
		if err != nil {
			return err
		}

		if err := tx.Set(taskRef, map[string]any{
			"completed":   next.Completed,
			"claimed":     next.Claimed,
			"progress":    next.Progress,
			"completedAt": next.CompletedAt,
			"claimedAt":   next.ClaimedAt,
		}, firestore.MergeAll); err != nil {
			return fmt.Errorf("failed to update task '%s': %w", taskID, err)
		}
		if err := tx.Create(queueRef, entry); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				// The idempotency key was already used; the claim went
				// through on a previous attempt.
				return fmt.Errorf("claim '%s' already recorded: %w", entry.QueueID, err)
			}
			return fmt.Errorf("failed to append claim queue entry: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return models.TaskState{}, err
	}
	return updated, nil
}

// TaskStateFromData converts a raw rewards_tasks document into a TaskState,
// defaulting absent fields to false/0.
func TaskStateFromData(id string, data map[string]any) models.TaskState {
	ts := models.TaskState{ID: models.TaskType(id)}
	if v, ok := data["completed"].(bool); ok {
		ts.Completed = v
	}
	if v, ok := data["claimed"].(bool); ok {
		ts.Claimed = v
	}
	ts.Progress = intField(data, "progress")
	ts.MaxProgress = intField(data, "maxProgress")
	ts.CompletedAt = millisField(data, "completedAt")
	ts.ClaimedAt = millisField(data, "claimedAt")
	return ts
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// millisField normalizes a timestamp-like document field to epoch millis.
func millisField(data map[string]any, key string) *int64 {
	switch v := data[key].(type) {
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
