package models

import "time"

// UserProfile represents a user in the system.
type UserProfile struct {
	UID         string    `json:"uid" firestore:"-"` // Firebase Auth UID, doubles as the document ID
	Email       string    `json:"email" firestore:"email"`
	DisplayName string    `json:"displayName,omitempty" firestore:"displayName,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty" firestore:"photoURL,omitempty"`
	InviteCode  string    `json:"inviteCode,omitempty" firestore:"inviteCode,omitempty"`
	CreatedAt   time.Time `json:"createdAt" firestore:"createdAt,serverTimestamp"`
	UpdatedAt   time.Time `json:"updatedAt" firestore:"updatedAt,serverTimestamp"`
}

// AuthState is the single authoritative authentication snapshot owned by the
// background process. Invariants: IsAuthenticated == (User != nil), and
// UserID == User.UID whenever User is present.
type AuthState struct {
	UserID          string       `json:"userId,omitempty"`
	IsAuthenticated bool         `json:"isAuthenticated"`
	User            *UserProfile `json:"user,omitempty"`
}

// NewAuthState builds a consistent AuthState from an optional profile.
func NewAuthState(user *UserProfile) AuthState {
	if user == nil {
		return AuthState{}
	}
	return AuthState{
		UserID:          user.UID,
		IsAuthenticated: true,
		User:            user,
	}
}
