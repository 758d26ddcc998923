package db

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	membershipCollection = "membership"
	membershipStatusDoc  = "status"
)

// firestoreMembershipRepository implements MembershipRepository on top of a
// Firestore document snapshot listener.
type firestoreMembershipRepository struct {
	client *firestore.Client
	logger *zap.Logger
}

// NewFirestoreMembershipRepository creates a new membership repository.
func NewFirestoreMembershipRepository(client *firestore.Client, logger *zap.Logger) MembershipRepository {
	return &firestoreMembershipRepository{client: client, logger: logger}
}

// Watch attaches a snapshot listener on users/{uid}/membership/status and
// pumps every snapshot into fn in emission order. The pump goroutine exits
// when stop is called or the parent context is cancelled.
func (r *firestoreMembershipRepository) Watch(ctx context.Context, userID string, fn func(doc map[string]any, exists bool, err error)) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)

	docRef := r.client.Collection(usersCollection).Doc(userID).
		Collection(membershipCollection).Doc(membershipStatusDoc)

	go func() {
		iter := docRef.Snapshots(watchCtx)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled || watchCtx.Err() != nil {
					return // listener torn down, not an error
				}
				r.logger.Warn("membership snapshot listener error",
					zap.String("userID", userID), zap.Error(err))
				fn(nil, false, err)
				return
			}
			if !snap.Exists() {
				fn(nil, false, nil)
				continue
			}
			fn(snap.Data(), true, nil)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }
}
