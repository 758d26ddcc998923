package models

import "time"

// Prompt is one stored user prompt under users/{uid}/prompts. Prompts are
// soft-deleted: IsActive controls visibility and quota counting, the document
// itself is never removed.
type Prompt struct {
	ID        string    `json:"id" firestore:"-"`
	Title     string    `json:"title" firestore:"title"`
	Content   string    `json:"content" firestore:"content"`
	Tags      []string  `json:"tags,omitempty" firestore:"tags,omitempty"`
	IsActive  bool      `json:"isActive" firestore:"isActive"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt,serverTimestamp"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt,serverTimestamp"`
}
