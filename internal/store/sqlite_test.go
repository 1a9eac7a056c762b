package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func mustCreateUser(t *testing.T, s *SQLiteStore, username string) {
	t.Helper()
	_, err := s.CreateUser(context.Background(), username, "hash-"+username)
	require.NoError(t, err)
}

func sendDirect(t *testing.T, s *SQLiteStore, sender, recipient, body string) string {
	t.Helper()
	id, err := s.AppendMessage(context.Background(), &models.Message{
		Sender: sender,
		Target: models.DirectTarget(recipient),
		Body:   body,
	})
	require.NoError(t, err)
	return id
}

func TestCreateUser_DuplicateUsernameConflicts(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "hash")
	req.NoError(err)
	req.Equal("alice", user.Username)

	_, err = s.CreateUser(ctx, "alice", "other")
	req.True(apperr.IsKind(err, apperr.KindConflict))
}

func TestGetUserByUsername_AbsentReturnsNilNil(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	user, err := s.GetUserByUsername(context.Background(), "nobody")
	req.NoError(err)
	req.Nil(user)
}

func TestCreateGroup_CreatorAlwaysIncluded(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	group, err := s.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "bob"}, group.Members)
}

func TestCreateGroup_UnknownMembersSkipped(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")

	group, err := s.CreateGroup(ctx, "devs", "alice", []string{"ghost"})
	req.NoError(err)
	req.Equal([]string{"alice"}, group.Members)
}

func TestCreateGroup_DuplicateNameConflicts(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")

	_, err := s.CreateGroup(ctx, "devs", "alice", nil)
	req.NoError(err)

	_, err = s.CreateGroup(ctx, "devs", "alice", nil)
	req.True(apperr.IsKind(err, apperr.KindConflict))
}

func TestRenameGroup(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "mallory")

	devs, err := s.CreateGroup(ctx, "devs", "alice", nil)
	req.NoError(err)
	_, err = s.CreateGroup(ctx, "ops", "alice", nil)
	req.NoError(err)

	// Renaming to the current name is a no-op.
	req.NoError(s.RenameGroup(ctx, devs.ID, "devs", "alice"))

	// Renaming to another group's name conflicts.
	err = s.RenameGroup(ctx, devs.ID, "ops", "alice")
	req.True(apperr.IsKind(err, apperr.KindConflict))

	// Non-members may not rename.
	err = s.RenameGroup(ctx, devs.ID, "crew", "mallory")
	req.True(apperr.IsKind(err, apperr.KindAuthorization))

	req.NoError(s.RenameGroup(ctx, devs.ID, "crew", "alice"))
	got, err := s.GetGroup(ctx, devs.ID)
	req.NoError(err)
	req.Equal("crew", got.Name)

	// Unknown group.
	err = s.RenameGroup(ctx, uuid.New(), "x", "alice")
	req.True(apperr.IsKind(err, apperr.KindNotFound))
}

func TestSetGroupMembers_RequesterAlwaysRetained(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	group, err := s.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)

	// Alice tries to remove herself; the edit keeps her.
	req.NoError(s.SetGroupMembers(ctx, group.ID, []string{"carol"}, "alice"))
	got, err := s.GetGroup(ctx, group.ID)
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "carol"}, got.Members)

	// Removed member can no longer edit.
	err = s.SetGroupMembers(ctx, group.ID, []string{"bob"}, "bob")
	req.True(apperr.IsKind(err, apperr.KindAuthorization))
}

func TestDeleteGroup_CascadesToMessages(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	group, err := s.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)

	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "alice",
		Target: models.GroupTarget(group.ID.String()),
		Body:   "hello",
	})
	req.NoError(err)

	// Non-members may not delete.
	mustCreateUser(t, s, "mallory")
	err = s.DeleteGroup(ctx, group.ID, "mallory")
	req.True(apperr.IsKind(err, apperr.KindAuthorization))

	req.NoError(s.DeleteGroup(ctx, group.ID, "alice"))

	got, err := s.GetGroup(ctx, group.ID)
	req.NoError(err)
	req.Nil(got)

	// History for the deleted group is gone with it.
	_, err = s.GroupHistory(ctx, group.ID, "alice")
	req.True(apperr.IsKind(err, apperr.KindNotFound))

	// Deleting again reports not found.
	err = s.DeleteGroup(ctx, group.ID, "alice")
	req.True(apperr.IsKind(err, apperr.KindNotFound))
}

func TestAppendMessage_RejectsInvalidTargets(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")

	_, err := s.AppendMessage(ctx, &models.Message{Sender: "alice", Body: "hi"})
	req.True(apperr.IsKind(err, apperr.KindValidation))

	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "alice",
		Target: models.Target{Kind: models.TargetDirect, Recipient: "bob", GroupID: "g"},
		Body:   "hi",
	})
	req.True(apperr.IsKind(err, apperr.KindValidation))

	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "alice",
		Target: models.DirectTarget("bob"),
	})
	req.True(apperr.IsKind(err, apperr.KindValidation))
}

func TestAppendMessage_GroupChecksInsideTransaction(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "mallory")

	group, err := s.CreateGroup(ctx, "devs", "alice", nil)
	req.NoError(err)

	// Unknown group.
	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "alice",
		Target: models.GroupTarget(uuid.New().String()),
		Body:   "hi",
	})
	req.True(apperr.IsKind(err, apperr.KindNotFound))

	// Non-member sender.
	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "mallory",
		Target: models.GroupTarget(group.ID.String()),
		Body:   "hi",
	})
	req.True(apperr.IsKind(err, apperr.KindAuthorization))
}

func TestAppendMessage_IDsOrderWithTimestamps(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	id1 := sendDirect(t, s, "alice", "bob", "first")
	id2 := sendDirect(t, s, "alice", "bob", "second")
	id3 := sendDirect(t, s, "alice", "bob", "third")

	// Monotonic ULIDs: later sends sort lexically after earlier ones even
	// within the same millisecond.
	req.Less(id1, id2)
	req.Less(id2, id3)
}

func TestDirectHistory_OrderedAndMarksRead(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	sendDirect(t, s, "alice", "bob", "one")
	sendDirect(t, s, "bob", "alice", "two")
	sendDirect(t, s, "alice", "bob", "three")
	// Noise in another conversation must not leak in.
	sendDirect(t, s, "alice", "carol", "psst")

	msgs, err := s.DirectHistory(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal("one", msgs[0].Body)
	req.Equal("two", msgs[1].Body)
	req.Equal("three", msgs[2].Body)

	// Bob read alice's messages; his unread map clears for alice.
	counts, err := s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Zero(counts["alice"])

	// Alice still has bob's message unread.
	counts, err = s.UnreadCounts(ctx, "alice")
	req.NoError(err)
	req.Equal(1, counts["bob"])
}

func TestDirectHistory_MarkReadIdempotent(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	sendDirect(t, s, "alice", "bob", "hello")

	_, err := s.DirectHistory(ctx, "bob", "alice")
	req.NoError(err)
	_, err = s.DirectHistory(ctx, "bob", "alice")
	req.NoError(err)

	counts, err := s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Zero(counts["alice"])
}

func TestUnreadCounts_OfflineRecipientAccumulates(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	sendDirect(t, s, "alice", "bob", "one")
	sendDirect(t, s, "alice", "bob", "two")
	sendDirect(t, s, "alice", "bob", "three")

	counts, err := s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(3, counts["alice"])

	// Fetching history delivers and clears in one step.
	msgs, err := s.DirectHistory(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(msgs, 3)

	counts, err = s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Zero(counts["alice"])
}

func TestGroupHistory_MembersOnlyAndWatermark(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "mallory")

	group, err := s.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)
	gid := group.ID

	_, err = s.AppendMessage(ctx, &models.Message{
		Sender: "alice",
		Target: models.GroupTarget(gid.String()),
		Body:   "standup at 10",
	})
	req.NoError(err)

	// Non-member cannot read.
	_, err = s.GroupHistory(ctx, gid, "mallory")
	req.True(apperr.IsKind(err, apperr.KindAuthorization))

	// Bob has one unread, keyed by group scope; alice, as sender, has none.
	key := GroupUnreadKey(gid.String())
	counts, err := s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(1, counts[key])

	counts, err = s.UnreadCounts(ctx, "alice")
	req.NoError(err)
	req.Zero(counts[key])

	// Reading advances bob's watermark.
	msgs, err := s.GroupHistory(ctx, gid, "bob")
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("standup at 10", msgs[0].Body)

	counts, err = s.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Zero(counts[key])
}

func TestGroupHistory_VoiceMessagesRoundTrip(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")

	group, err := s.CreateGroup(ctx, "devs", "alice", nil)
	req.NoError(err)

	_, err = s.AppendMessage(ctx, &models.Message{
		Sender:        "alice",
		Target:        models.GroupTarget(group.ID.String()),
		AudioURL:      "/uploads/abc123.webm",
		Transcription: "hello world",
	})
	req.NoError(err)

	msgs, err := s.GroupHistory(ctx, group.ID, "alice")
	req.NoError(err)
	req.Len(msgs, 1)
	req.Empty(msgs[0].Body)
	req.Equal("/uploads/abc123.webm", msgs[0].AudioURL)
	req.Equal("hello world", msgs[0].Transcription)
	req.Equal(models.TargetGroup, msgs[0].Target.Kind)
}
