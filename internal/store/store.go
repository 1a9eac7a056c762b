package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/models"
)

// Store defines the interface for durable persistence of users, groups,
// and messages. Both PostgresStore and SQLiteStore implement this
// interface; lookups for absent rows return (nil, nil).
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsernames(ctx context.Context) ([]string, error)

	// Group directory operations
	CreateGroup(ctx context.Context, name, creator string, members []string) (*models.Group, error)
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	GroupsFor(ctx context.Context, username string) ([]models.Group, error)
	RenameGroup(ctx context.Context, id uuid.UUID, newName, requester string) error
	SetGroupMembers(ctx context.Context, id uuid.UUID, members []string, requester string) error
	DeleteGroup(ctx context.Context, id uuid.UUID, requester string) error

	// Message operations. AppendMessage persists atomically and, for group
	// targets, verifies group existence and sender membership inside the
	// same transaction as the insert. DirectHistory marks the peer's
	// messages read transactionally with the fetch; GroupHistory advances
	// the viewer's read watermark the same way.
	AppendMessage(ctx context.Context, msg *models.Message) (string, error)
	DirectHistory(ctx context.Context, viewer, peer string) ([]models.Message, error)
	GroupHistory(ctx context.Context, id uuid.UUID, viewer string) ([]models.Message, error)
	UnreadCounts(ctx context.Context, username string) (map[string]int, error)
}

// GroupUnreadKey is the unread-count map key for a group scope; direct
// scopes are keyed by the peer's username.
func GroupUnreadKey(groupID string) string {
	return "group:" + groupID
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
