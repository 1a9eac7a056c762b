package models

import (
	"time"

	"github.com/google/uuid"
)

// Group represents a named conversation with a membership set.
// Group names are unique across all groups, and the creator is always a
// member at creation time.
type Group struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Creator   string    `json:"creator"` // username
	Members   []string  `json:"members"` // usernames, order irrelevant
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether username is in the membership set.
func (g *Group) HasMember(username string) bool {
	for _, m := range g.Members {
		if m == username {
			return true
		}
	}
	return false
}
