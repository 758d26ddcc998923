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

const usersCollection = "users"

// ErrNotFound is a common error for when a document is not found in Firestore.
var ErrNotFound = errors.New("document not found")

// ErrAlreadyExists signals a create on a document that is already present.
var ErrAlreadyExists = errors.New("document already exists")

// firestoreUserRepository implements the UserRepository interface using Firestore.
type firestoreUserRepository struct {
	client *firestore.Client
}

// NewFirestoreUserRepository creates a new instance of firestoreUserRepository.
func NewFirestoreUserRepository(client *firestore.Client) UserRepository {
	return &firestoreUserRepository{client: client}
}

// Create adds a new user document to Firestore. The profile's UID (Firebase
// Auth UID) is used as the Firestore document ID; CreatedAt/UpdatedAt are
// populated server-side via the serverTimestamp tags.
func (r *firestoreUserRepository) Create(ctx context.Context, user *models.UserProfile) error {
	if user.UID == "" {
		return errors.New("user UID cannot be empty for Create operation")
	}
	_, err := r.client.Collection(usersCollection).Doc(user.UID).Create(ctx, user)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("user with ID '%s' already exists: %w", user.UID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create user with ID '%s': %w", user.UID, err)
	}
	return nil
}

// GetByID retrieves a user document from Firestore by its ID (Firebase Auth UID).
func (r *firestoreUserRepository) GetByID(ctx context.Context, userID string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty for GetByID operation")
	}
	docSnap, err := r.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("user with ID '%s' not found: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user with ID '%s': %w", userID, err)
	}

	var user models.UserProfile
	if err := docSnap.DataTo(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user data for ID '%s': %w", userID, err)
	}
	user.UID = docSnap.Ref.ID

	return &user, nil
}

// SetInviteCode merge-writes the invite code onto the user document. Set with
// MergeAll creates the document if it does not exist yet, which is the desired
// behavior for freshly authenticated users whose profile write is in flight.
func (r *firestoreUserRepository) SetInviteCode(ctx context.Context, userID, code string) error {
	if userID == "" || code == "" {
		return errors.New("userID and code are required for SetInviteCode")
	}
	_, err := r.client.Collection(usersCollection).Doc(userID).Set(ctx, map[string]any{
		"inviteCode": code,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set invite code for user '%s': %w", userID, err)
	}
	return nil
}
