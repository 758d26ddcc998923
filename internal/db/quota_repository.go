package db

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"aetherflow-syncd/internal/models"
)

const (
	quotaCollection = "quota"
	quotaUsageDoc   = "usage"
)

// firestoreQuotaRepository implements QuotaRepository using Firestore.
type firestoreQuotaRepository struct {
	client *firestore.Client
}

// NewFirestoreQuotaRepository creates a new quota repository.
func NewFirestoreQuotaRepository(client *firestore.Client) QuotaRepository {
	return &firestoreQuotaRepository{client: client}
}

func (r *firestoreQuotaRepository) usageRef(userID string) *firestore.DocumentRef {
	return r.client.Collection(usersCollection).Doc(userID).
		Collection(quotaCollection).Doc(quotaUsageDoc)
}

// GetUsage reads the optimization counters. A missing document is not an
// error: fresh users simply have zero usage.
func (r *firestoreQuotaRepository) GetUsage(ctx context.Context, userID string) (models.QuotaUsage, bool, error) {
	if userID == "" {
		return models.QuotaUsage{}, false, errors.New("userID cannot be empty for GetUsage")
	}
	snap, err := r.usageRef(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.QuotaUsage{}, false, nil
		}
		return models.QuotaUsage{}, false, fmt.Errorf("failed to get usage for user '%s': %w", userID, err)
	}

	var usage models.QuotaUsage
	if err := snap.DataTo(&usage); err != nil {
		return models.QuotaUsage{}, false, fmt.Errorf("failed to decode usage for user '%s': %w", userID, err)
	}
	return usage, true, nil
}

// SetUsage merge-writes the optimization counters so concurrent writers of
// unrelated fields are not clobbered. The stored-prompts count is deliberately
// excluded (firestore:"-"); it is derived, never persisted.
func (r *firestoreQuotaRepository) SetUsage(ctx context.Context, userID string, usage models.QuotaUsage) error {
	if userID == "" {
		return errors.New("userID cannot be empty for SetUsage")
	}
	fields := map[string]any{
		"dailyOptimizationCount": usage.DailyOptimizationCount,
	}
	if usage.LastOptimizationReset != nil {
		fields["lastOptimizationReset"] = *usage.LastOptimizationReset
	}
	_, err := r.usageRef(userID).Set(ctx, fields, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set usage for user '%s': %w", userID, err)
	}
	return nil
}
