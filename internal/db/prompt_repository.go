package db

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"aetherflow-syncd/internal/models"
)

const promptsCollection = "prompts"

// firestorePromptRepository implements PromptRepository using Firestore.
type firestorePromptRepository struct {
	client *firestore.Client
}

// NewFirestorePromptRepository creates a new prompt repository.
func NewFirestorePromptRepository(client *firestore.Client) PromptRepository {
	return &firestorePromptRepository{client: client}
}

func (r *firestorePromptRepository) promptsRef(userID string) *firestore.CollectionRef {
	return r.client.Collection(usersCollection).Doc(userID).Collection(promptsCollection)
}

// Create adds a new prompt document and returns the generated document ID.
func (r *firestorePromptRepository) Create(ctx context.Context, userID string, prompt *models.Prompt) (string, error) {
	if userID == "" {
		return "", errors.New("userID cannot be empty for Create")
	}
	prompt.IsActive = true
	docRef, _, err := r.promptsRef(userID).Add(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to create prompt for user '%s': %w", userID, err)
	}
	prompt.ID = docRef.ID
	return docRef.ID, nil
}

// ListActive returns all prompts flagged active, newest first.
func (r *firestorePromptRepository) ListActive(ctx context.Context, userID string) ([]*models.Prompt, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty for ListActive")
	}
	iter := r.promptsRef(userID).
		Where("isActive", "==", true).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var prompts []*models.Prompt
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list prompts for user '%s': %w", userID, err)
		}
		var p models.Prompt
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode prompt '%s': %w", snap.Ref.ID, err)
		}
		p.ID = snap.Ref.ID
		prompts = append(prompts, &p)
	}
	return prompts, nil
}

// SoftDelete flips isActive to false. The document stays in place so the
// remote count and any export tooling can still see it.
func (r *firestorePromptRepository) SoftDelete(ctx context.Context, userID, promptID string) error {
	if userID == "" || promptID == "" {
		return errors.New("userID and promptID are required for SoftDelete")
	}
	_, err := r.promptsRef(userID).Doc(promptID).Update(ctx, []firestore.Update{
		{Path: "isActive", Value: false},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("prompt '%s' not found for user '%s': %w", promptID, userID, ErrNotFound)
		}
		return fmt.Errorf("failed to soft-delete prompt '%s' for user '%s': %w", promptID, userID, err)
	}
	return nil
}

// CountActive counts active prompts via an aggregation query. This count, not
// any locally maintained counter, is the truth for the storage quota.
func (r *firestorePromptRepository) CountActive(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errors.New("userID cannot be empty for CountActive")
	}
	q := r.promptsRef(userID).Where("isActive", "==", true)
	agg, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count prompts for user '%s': %w", userID, err)
	}
	v, ok := agg["count"]
	if !ok {
		return 0, errors.New("aggregation result missing count field")
	}
	value, ok := v.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregation result type %T", v)
	}
	return int(value.GetIntegerValue()), nil
}
