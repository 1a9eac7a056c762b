package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS groups (
		id UUID PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		creator TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		PRIMARY KEY (group_id, username)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT,
		group_id UUID,
		body TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		transcription TEXT NOT NULL DEFAULT '',
		ts BIGINT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		CHECK ((recipient IS NULL) <> (group_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS group_reads (
		group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		last_read_ts BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (group_id, username)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(recipient, sender, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, ts);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(username);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE username = $1`, username).Scan(&exists); err != nil {
		return nil, apperr.Storage("check username", err)
	}
	if exists > 0 {
		return nil, apperr.Conflict("username already taken")
	}

	id := uuid.New()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, username, passwordHash, now); err != nil {
		return nil, apperr.Storage("insert user", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit user", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1
	`, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get user", err)
	}
	return user, nil
}

// ListUsernames returns every registered username, sorted.
func (s *PostgresStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, apperr.Storage("list users", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Storage("scan username", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateGroup creates a group with a unique name, force-including the
// creator in the membership set.
func (s *PostgresStore) CreateGroup(ctx context.Context, name, creator string, members []string) (*models.Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE name = $1`, name).Scan(&exists); err != nil {
		return nil, apperr.Storage("check group name", err)
	}
	if exists > 0 {
		return nil, apperr.Conflict("group name already taken")
	}

	id := uuid.New()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO groups (id, name, creator, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, name, creator, now); err != nil {
		return nil, apperr.Storage("insert group", err)
	}

	if err := insertMembersPG(ctx, tx, id, withRequired(members, creator)); err != nil {
		return nil, err
	}

	final, err := memberListPG(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit group", err)
	}
	return &models.Group{ID: id, Name: name, Creator: creator, Members: final, CreatedAt: now}, nil
}

// GetGroup retrieves a group and its membership by ID.
func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	group := &models.Group{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, creator, created_at
		FROM groups WHERE id = $1
	`, id).Scan(
		&group.ID,
		&group.Name,
		&group.Creator,
		&group.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get group", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT username FROM group_members WHERE group_id = $1 ORDER BY username`, id)
	if err != nil {
		return nil, apperr.Storage("get group members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Storage("scan group member", err)
		}
		group.Members = append(group.Members, name)
	}
	return group, rows.Err()
}

// GroupsFor returns every group the user belongs to.
func (s *PostgresStore) GroupsFor(ctx context.Context, username string) ([]models.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.name, g.creator, g.created_at
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.username = $1
		ORDER BY g.name
	`, username)
	if err != nil {
		return nil, apperr.Storage("list groups", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Creator, &g.CreatedAt); err != nil {
			return nil, apperr.Storage("scan group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate groups", err)
	}

	for i := range groups {
		memberRows, err := s.pool.Query(ctx, `SELECT username FROM group_members WHERE group_id = $1 ORDER BY username`, groups[i].ID)
		if err != nil {
			return nil, apperr.Storage("get group members", err)
		}
		for memberRows.Next() {
			var name string
			if err := memberRows.Scan(&name); err != nil {
				memberRows.Close()
				return nil, apperr.Storage("scan group member", err)
			}
			groups[i].Members = append(groups[i].Members, name)
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, apperr.Storage("iterate group members", err)
		}
	}
	return groups, nil
}

// RenameGroup changes a group's name, re-checking uniqueness.
func (s *PostgresStore) RenameGroup(ctx context.Context, id uuid.UUID, newName, requester string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT name FROM groups WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("group not found")
	}
	if err != nil {
		return apperr.Storage("get group", err)
	}

	if ok, err := isMemberPG(ctx, tx, id, requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	if newName == current {
		return tx.Commit(ctx)
	}

	var taken int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE name = $1 AND id <> $2`, newName, id).Scan(&taken); err != nil {
		return apperr.Storage("check group name", err)
	}
	if taken > 0 {
		return apperr.Conflict("group name already taken")
	}

	if _, err := tx.Exec(ctx, `UPDATE groups SET name = $1 WHERE id = $2`, newName, id); err != nil {
		return apperr.Storage("rename group", err)
	}
	return tx.Commit(ctx)
}

// SetGroupMembers replaces the membership set, always retaining the
// requester.
func (s *PostgresStore) SetGroupMembers(ctx context.Context, id uuid.UUID, members []string, requester string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE id = $1`, id).Scan(&exists); err != nil {
		return apperr.Storage("get group", err)
	}
	if exists == 0 {
		return apperr.NotFound("group not found")
	}

	if ok, err := isMemberPG(ctx, tx, id, requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return apperr.Storage("clear group members", err)
	}
	if err := insertMembersPG(ctx, tx, id, withRequired(members, requester)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteGroup removes a group, cascading to its messages in the same
// transaction.
func (s *PostgresStore) DeleteGroup(ctx context.Context, id uuid.UUID, requester string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE id = $1`, id).Scan(&exists); err != nil {
		return apperr.Storage("get group", err)
	}
	if exists == 0 {
		return apperr.NotFound("group not found")
	}

	if ok, err := isMemberPG(ctx, tx, id, requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE group_id = $1`, id); err != nil {
		return apperr.Storage("delete group messages", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM group_reads WHERE group_id = $1`, id); err != nil {
		return apperr.Storage("delete group reads", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return apperr.Storage("delete group members", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id); err != nil {
		return apperr.Storage("delete group", err)
	}
	return tx.Commit(ctx)
}

// AppendMessage persists a message atomically, validating group existence
// and sender membership inside the insert transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (string, error) {
	if !msg.Target.Valid() {
		return "", apperr.Validation("message must target exactly one recipient or group")
	}
	if !msg.HasContent() {
		return "", apperr.Validation("message requires a body or an audio attachment")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.ID == "" {
		msg.ID = newMessageID(msg.Timestamp)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var recipient, groupID *string
	switch msg.Target.Kind {
	case models.TargetDirect:
		recipient = &msg.Target.Recipient
	case models.TargetGroup:
		groupID = &msg.Target.GroupID

		gid, err := uuid.Parse(msg.Target.GroupID)
		if err != nil {
			return "", apperr.Validation("invalid group ID")
		}
		var exists int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE id = $1`, gid).Scan(&exists); err != nil {
			return "", apperr.Storage("get group", err)
		}
		if exists == 0 {
			return "", apperr.NotFound("group not found")
		}
		if ok, err := isMemberPG(ctx, tx, gid, msg.Sender); err != nil {
			return "", err
		} else if !ok {
			return "", apperr.Authorization("sender is not a group member")
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, sender, recipient, group_id, body, audio_url, transcription, ts, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`, msg.ID, msg.Sender, recipient, groupID, msg.Body, msg.AudioURL, msg.Transcription, msg.Timestamp); err != nil {
		return "", apperr.Storage("insert message", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", apperr.Storage("commit message", err)
	}
	return msg.ID, nil
}

// DirectHistory returns direct messages between viewer and peer ascending
// and marks the peer's unread messages read in the same transaction.
func (s *PostgresStore) DirectHistory(ctx context.Context, viewer, peer string) ([]models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, sender, recipient, group_id, body, audio_url, transcription, ts, read
		FROM messages
		WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)
		ORDER BY ts ASC, id ASC
	`, viewer, peer)
	if err != nil {
		return nil, apperr.Storage("query history", err)
	}
	messages, err := scanMessagesPG(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET read = TRUE
		WHERE sender = $1 AND recipient = $2 AND read = FALSE
	`, peer, viewer); err != nil {
		return nil, apperr.Storage("mark read", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit history", err)
	}

	for i := range messages {
		if messages[i].Sender == peer {
			messages[i].Read = true
		}
	}
	return messages, nil
}

// GroupHistory returns all group messages ascending and advances the
// viewer's read watermark.
func (s *PostgresStore) GroupHistory(ctx context.Context, id uuid.UUID, viewer string) ([]models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE id = $1`, id).Scan(&exists); err != nil {
		return nil, apperr.Storage("get group", err)
	}
	if exists == 0 {
		return nil, apperr.NotFound("group not found")
	}
	if ok, err := isMemberPG(ctx, tx, id, viewer); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperr.Authorization("viewer is not a group member")
	}

	rows, err := tx.Query(ctx, `
		SELECT id, sender, recipient, group_id, body, audio_url, transcription, ts, read
		FROM messages
		WHERE group_id = $1
		ORDER BY ts ASC, id ASC
	`, id)
	if err != nil {
		return nil, apperr.Storage("query history", err)
	}
	messages, err := scanMessagesPG(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO group_reads (group_id, username, last_read_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, username) DO UPDATE SET last_read_ts = EXCLUDED.last_read_ts
	`, id, viewer, time.Now().UnixMilli()); err != nil {
		return nil, apperr.Storage("advance read watermark", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit history", err)
	}
	return messages, nil
}

// UnreadCounts returns the unread summary for a user.
func (s *PostgresStore) UnreadCounts(ctx context.Context, username string) (map[string]int, error) {
	counts := make(map[string]int)

	rows, err := s.pool.Query(ctx, `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE recipient = $1 AND read = FALSE
		GROUP BY sender
	`, username)
	if err != nil {
		return nil, apperr.Storage("query direct unread", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, apperr.Storage("scan direct unread", err)
		}
		counts[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate direct unread", err)
	}

	groupRows, err := s.pool.Query(ctx, `
		SELECT m.group_id, COUNT(*)
		FROM messages m
		JOIN group_members gm ON gm.group_id = m.group_id AND gm.username = $1
		LEFT JOIN group_reads gr ON gr.group_id = m.group_id AND gr.username = $1
		WHERE m.sender <> $1 AND m.ts > COALESCE(gr.last_read_ts, 0)
		GROUP BY m.group_id
	`, username)
	if err != nil {
		return nil, apperr.Storage("query group unread", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var groupID uuid.UUID
		var n int
		if err := groupRows.Scan(&groupID, &n); err != nil {
			return nil, apperr.Storage("scan group unread", err)
		}
		counts[GroupUnreadKey(groupID.String())] = n
	}
	return counts, groupRows.Err()
}

func isMemberPG(ctx context.Context, tx pgx.Tx, groupID uuid.UUID, username string) (bool, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM group_members WHERE group_id = $1 AND username = $2`, groupID, username).Scan(&n); err != nil {
		return false, apperr.Storage("check membership", err)
	}
	return n > 0, nil
}

func insertMembersPG(ctx context.Context, tx pgx.Tx, groupID uuid.UUID, members []string) error {
	for _, m := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO group_members (group_id, username)
			SELECT $1, username FROM users WHERE username = $2
			ON CONFLICT DO NOTHING
		`, groupID, m); err != nil {
			return apperr.Storage("insert member", err)
		}
	}
	return nil
}

func memberListPG(ctx context.Context, tx pgx.Tx, groupID uuid.UUID) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT username FROM group_members WHERE group_id = $1 ORDER BY username`, groupID)
	if err != nil {
		return nil, apperr.Storage("get group members", err)
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Storage("scan group member", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

func scanMessagesPG(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var recipient *string
		var groupID *uuid.UUID
		if err := rows.Scan(&m.ID, &m.Sender, &recipient, &groupID, &m.Body, &m.AudioURL, &m.Transcription, &m.Timestamp, &m.Read); err != nil {
			return nil, apperr.Storage("scan message", err)
		}
		switch {
		case recipient != nil:
			m.Target = models.DirectTarget(*recipient)
		case groupID != nil:
			m.Target = models.GroupTarget(groupID.String())
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate messages", err)
	}
	return messages, nil
}
