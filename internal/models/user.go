package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered chat identity. The username is the logical
// identity used by presence and delivery; it never changes after
// registration.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
