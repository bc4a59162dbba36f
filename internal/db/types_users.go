package db

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account that can own jobs, like posts and write comments.
type User struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-" db:"password_hash"` // Never serialize to JSON
	PasswordSet     bool      `json:"password_set" db:"password_set"`
	OAuthProvider   *string   `json:"oauth_provider,omitempty"`
	OAuthProviderID *string   `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
