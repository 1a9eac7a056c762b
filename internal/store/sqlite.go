package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/parley.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/parley.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		creator TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		PRIMARY KEY (group_id, username)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT,
		group_id TEXT,
		body TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		transcription TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		CHECK ((recipient IS NULL) <> (group_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS group_reads (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		last_read_ts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (group_id, username)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(recipient, sender, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, ts);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(username);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser creates a new user record. Fails with a conflict if the
// username is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists); err != nil {
		return nil, apperr.Storage("check username", err)
	}
	if exists > 0 {
		return nil, apperr.Conflict("username already taken")
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), username, passwordHash, now)
	if err != nil {
		return nil, apperr.Storage("insert user", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit user", err)
	}

	return &models.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = ?
	`, username).Scan(
		&idStr,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get user", err)
	}
	user.ID = uuid.MustParse(idStr)
	return user, nil
}

// ListUsernames returns every registered username, sorted.
func (s *SQLiteStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
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

// CreateGroup creates a group with a unique name. The creator is always
// added to the membership set even when absent from members; usernames
// that do not resolve to registered users are skipped.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name, creator string, members []string) (*models.Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, apperr.Storage("check group name", err)
	}
	if exists > 0 {
		return nil, apperr.Conflict("group name already taken")
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, creator, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), name, creator, now)
	if err != nil {
		return nil, apperr.Storage("insert group", err)
	}

	if err := insertMembersSQLite(ctx, tx, id.String(), withRequired(members, creator)); err != nil {
		return nil, err
	}

	final, err := memberListSQLite(ctx, tx, id.String())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit group", err)
	}

	return &models.Group{ID: id, Name: name, Creator: creator, Members: final, CreatedAt: now}, nil
}

// GetGroup retrieves a group and its membership by ID.
func (s *SQLiteStore) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	group := &models.Group{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, creator, created_at
		FROM groups WHERE id = ?
	`, id.String()).Scan(
		&idStr,
		&group.Name,
		&group.Creator,
		&group.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get group", err)
	}
	group.ID = uuid.MustParse(idStr)

	rows, err := s.db.QueryContext(ctx, `SELECT username FROM group_members WHERE group_id = ? ORDER BY username`, id.String())
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
func (s *SQLiteStore) GroupsFor(ctx context.Context, username string) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.creator, g.created_at
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.username = ?
		ORDER BY g.name
	`, username)
	if err != nil {
		return nil, apperr.Storage("list groups", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		var idStr string
		if err := rows.Scan(&idStr, &g.Name, &g.Creator, &g.CreatedAt); err != nil {
			return nil, apperr.Storage("scan group", err)
		}
		g.ID = uuid.MustParse(idStr)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate groups", err)
	}

	for i := range groups {
		members, err := s.membersOf(ctx, groups[i].ID.String())
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (s *SQLiteStore) membersOf(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM group_members WHERE group_id = ? ORDER BY username`, groupID)
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

// RenameGroup changes a group's name. Renaming to the current name is a
// no-op; any other taken name is a conflict.
func (s *SQLiteStore) RenameGroup(ctx context.Context, id uuid.UUID, newName, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT name FROM groups WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("group not found")
	}
	if err != nil {
		return apperr.Storage("get group", err)
	}

	if ok, err := isMemberSQLite(ctx, tx, id.String(), requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	if newName == current {
		return tx.Commit()
	}

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE name = ? AND id <> ?`, newName, id.String()).Scan(&taken); err != nil {
		return apperr.Storage("check group name", err)
	}
	if taken > 0 {
		return apperr.Conflict("group name already taken")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE groups SET name = ? WHERE id = ?`, newName, id.String()); err != nil {
		return apperr.Storage("rename group", err)
	}
	return tx.Commit()
}

// SetGroupMembers replaces the membership set. The requester must already
// be a member and is always retained in the result, so this path cannot
// be used for self-removal.
func (s *SQLiteStore) SetGroupMembers(ctx context.Context, id uuid.UUID, members []string, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return apperr.Storage("get group", err)
	}
	if exists == 0 {
		return apperr.NotFound("group not found")
	}

	if ok, err := isMemberSQLite(ctx, tx, id.String(), requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id.String()); err != nil {
		return apperr.Storage("clear group members", err)
	}
	if err := insertMembersSQLite(ctx, tx, id.String(), withRequired(members, requester)); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteGroup removes a group, cascading to its messages and read
// watermarks in the same transaction.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, id uuid.UUID, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return apperr.Storage("get group", err)
	}
	if exists == 0 {
		return apperr.NotFound("group not found")
	}

	if ok, err := isMemberSQLite(ctx, tx, id.String(), requester); err != nil {
		return err
	} else if !ok {
		return apperr.Authorization("requester is not a group member")
	}

	// Messages first: the group row must never outlive orphaned messages.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE group_id = ?`, id.String()); err != nil {
		return apperr.Storage("delete group messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_reads WHERE group_id = ?`, id.String()); err != nil {
		return apperr.Storage("delete group reads", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id.String()); err != nil {
		return apperr.Storage("delete group members", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id.String()); err != nil {
		return apperr.Storage("delete group", err)
	}
	return tx.Commit()
}

// AppendMessage persists a message atomically. Group targets are verified
// for existence and sender membership inside the insert transaction, so a
// concurrent group delete either happens before (send rejected) or after
// (message removed by the cascade) — never leaving an orphan.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) (string, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var recipient, groupID sql.NullString
	switch msg.Target.Kind {
	case models.TargetDirect:
		recipient = sql.NullString{String: msg.Target.Recipient, Valid: true}
	case models.TargetGroup:
		groupID = sql.NullString{String: msg.Target.GroupID, Valid: true}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, msg.Target.GroupID).Scan(&exists); err != nil {
			return "", apperr.Storage("get group", err)
		}
		if exists == 0 {
			return "", apperr.NotFound("group not found")
		}
		if ok, err := isMemberSQLite(ctx, tx, msg.Target.GroupID, msg.Sender); err != nil {
			return "", err
		} else if !ok {
			return "", apperr.Authorization("sender is not a group member")
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, group_id, body, audio_url, transcription, ts, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.Sender, recipient, groupID, msg.Body, msg.AudioURL, msg.Transcription, msg.Timestamp)
	if err != nil {
		return "", apperr.Storage("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Storage("commit message", err)
	}
	return msg.ID, nil
}

// DirectHistory returns all direct messages between viewer and peer in
// ascending order and marks the peer's unread messages to the viewer as
// read. Fetch and mark-read share one transaction: a concurrent caller
// never observes a message both delivered and still unread.
func (s *SQLiteStore) DirectHistory(ctx context.Context, viewer, peer string) ([]models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender, recipient, group_id, body, audio_url, transcription, ts, read
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY ts ASC, id ASC
	`, viewer, peer, peer, viewer)
	if err != nil {
		return nil, apperr.Storage("query history", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE sender = ? AND recipient = ? AND read = 0
	`, peer, viewer); err != nil {
		return nil, apperr.Storage("mark read", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit history", err)
	}

	// Reflect the flip in the returned slice.
	for i := range messages {
		if messages[i].Sender == peer {
			messages[i].Read = true
		}
	}
	return messages, nil
}

// GroupHistory returns all messages in a group in ascending order and
// advances the viewer's read watermark. The viewer must be a member.
func (s *SQLiteStore) GroupHistory(ctx context.Context, id uuid.UUID, viewer string) ([]models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return nil, apperr.Storage("get group", err)
	}
	if exists == 0 {
		return nil, apperr.NotFound("group not found")
	}
	if ok, err := isMemberSQLite(ctx, tx, id.String(), viewer); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperr.Authorization("viewer is not a group member")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender, recipient, group_id, body, audio_url, transcription, ts, read
		FROM messages
		WHERE group_id = ?
		ORDER BY ts ASC, id ASC
	`, id.String())
	if err != nil {
		return nil, apperr.Storage("query history", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_reads (group_id, username, last_read_ts)
		VALUES (?, ?, ?)
		ON CONFLICT (group_id, username) DO UPDATE SET last_read_ts = excluded.last_read_ts
	`, id.String(), viewer, time.Now().UnixMilli()); err != nil {
		return nil, apperr.Storage("advance read watermark", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit history", err)
	}
	return messages, nil
}

// UnreadCounts returns the unread summary for a user: direct counts keyed
// by the sender's username, group counts keyed "group:{id}" for messages
// past the user's read watermark from other senders.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, username string) (map[string]int, error) {
	counts := make(map[string]int)

	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE recipient = ? AND read = 0
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

	groupRows, err := s.db.QueryContext(ctx, `
		SELECT m.group_id, COUNT(*)
		FROM messages m
		JOIN group_members gm ON gm.group_id = m.group_id AND gm.username = ?
		LEFT JOIN group_reads gr ON gr.group_id = m.group_id AND gr.username = ?
		WHERE m.sender <> ? AND m.ts > COALESCE(gr.last_read_ts, 0)
		GROUP BY m.group_id
	`, username, username, username)
	if err != nil {
		return nil, apperr.Storage("query group unread", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var groupID string
		var n int
		if err := groupRows.Scan(&groupID, &n); err != nil {
			return nil, apperr.Storage("scan group unread", err)
		}
		counts[GroupUnreadKey(groupID)] = n
	}
	return counts, groupRows.Err()
}

// sqlTx is the subset of *sql.Tx used by the shared helpers.
type sqlTx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func isMemberSQLite(ctx context.Context, tx sqlTx, groupID, username string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_members WHERE group_id = ? AND username = ?`, groupID, username).Scan(&n); err != nil {
		return false, apperr.Storage("check membership", err)
	}
	return n > 0, nil
}

// insertMembersSQLite inserts memberships, silently skipping usernames
// that do not resolve to registered users.
func insertMembersSQLite(ctx context.Context, tx sqlTx, groupID string, members []string) error {
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO group_members (group_id, username)
			SELECT ?, username FROM users WHERE username = ?
		`, groupID, m); err != nil {
			return apperr.Storage("insert member", err)
		}
	}
	return nil
}

func memberListSQLite(ctx context.Context, tx sqlTx, groupID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT username FROM group_members WHERE group_id = ? ORDER BY username`, groupID)
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

// withRequired appends required to members when absent.
func withRequired(members []string, required string) []string {
	for _, m := range members {
		if m == required {
			return members
		}
	}
	return append(append([]string(nil), members...), required)
}

// scanMessages drains rows into messages, reconstructing the tagged
// target from the nullable columns.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var recipient, groupID sql.NullString
		var read int
		if err := rows.Scan(&m.ID, &m.Sender, &recipient, &groupID, &m.Body, &m.AudioURL, &m.Transcription, &m.Timestamp, &read); err != nil {
			return nil, apperr.Storage("scan message", err)
		}
		switch {
		case recipient.Valid:
			m.Target = models.DirectTarget(recipient.String)
		case groupID.Valid:
			m.Target = models.GroupTarget(groupID.String)
		}
		m.Read = read == 1
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate messages", err)
	}
	return messages, nil
}
