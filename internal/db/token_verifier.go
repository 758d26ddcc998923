package db

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"

	"aetherflow-syncd/internal/models"
)

// FirebaseTokenVerifier verifies Firebase ID tokens and extracts the standard
// profile claims. It backs both the REST auth middleware and the router's
// AUTHENTICATE message.
type FirebaseTokenVerifier struct {
	authClient *auth.Client
}

// NewFirebaseTokenVerifier creates a verifier over an initialized auth client.
func NewFirebaseTokenVerifier(authClient *auth.Client) *FirebaseTokenVerifier {
	return &FirebaseTokenVerifier{authClient: authClient}
}

// Verify validates the ID token and returns a profile built from its claims.
func (v *FirebaseTokenVerifier) Verify(ctx context.Context, idToken string) (models.UserProfile, error) {
	token, err := v.authClient.VerifyIDToken(ctx, idToken)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to verify ID token: %w", err)
	}

	profile := models.UserProfile{UID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		profile.Email = email
	}
	// 'name' and 'picture' are the common claims Firebase populates for
	// display name and photo URL.
	if name, ok := token.Claims["name"].(string); ok {
		profile.DisplayName = name
	}
	if picture, ok := token.Claims["picture"].(string); ok {
		profile.PhotoURL = picture
	}
	return profile, nil
}
