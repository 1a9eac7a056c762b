package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
)

type sentEvent struct {
	Event string
	Data  any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, data any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{Event: event, Data: data})
	return true
}

func (c *fakeConn) sent() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentEvent(nil), c.events...)
}

func (c *fakeConn) eventNames() []string {
	var names []string
	for _, e := range c.sent() {
		names = append(names, e.Event)
	}
	return names
}

type fixture struct {
	store  store.Store
	reg    *presence.Registry
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	reg := presence.NewRegistry()
	return &fixture{
		store:  s,
		reg:    reg,
		router: NewRouter(s, reg, zerolog.Nop()),
	}
}

func (f *fixture) createUser(t *testing.T, username string) {
	t.Helper()
	_, err := f.store.CreateUser(context.Background(), username, "hash")
	require.NoError(t, err)
}

func (f *fixture) connect(username, connID string) *fakeConn {
	conn := &fakeConn{id: connID}
	f.reg.Register(username, conn)
	return conn
}

func TestSendDirect_DeliversAndEchoes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	alice := f.connect("alice", "a1")
	bob := f.connect("bob", "b1")

	req.NoError(f.router.SendDirect(ctx, "alice", "bob", "hello"))

	// Recipient gets the message plus a notification banner.
	req.Equal([]string{EventReceivePrivateMessage, EventNewMessageNotification}, bob.eventNames())

	// Sender gets the echo but never a notification about their own send.
	req.Equal([]string{EventReceivePrivateMessage}, alice.eventNames())

	payload, ok := bob.sent()[0].Data.(PrivateMessagePayload)
	req.True(ok)
	req.Equal("alice", payload.Sender)
	req.Equal("hello", payload.Message)
	req.NotZero(payload.Timestamp)

	// Persisted regardless of delivery.
	msgs, err := f.store.DirectHistory(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(msgs, 1)
}

func TestSendDirect_OfflineRecipientStillPersists(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	req.NoError(f.router.SendDirect(ctx, "alice", "bob", "hello"))

	counts, err := f.store.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(1, counts["alice"])
}

func TestSendDirect_UnknownRecipientSilentlyDropped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")

	alice := f.connect("alice", "a1")

	// No error surfaces, nothing is echoed, nothing persists.
	req.NoError(f.router.SendDirect(ctx, "alice", "ghost", "hello"))
	req.Empty(alice.sent())

	msgs, err := f.store.DirectHistory(ctx, "alice", "ghost")
	req.NoError(err)
	req.Empty(msgs)
}

func TestSendDirect_EmptyBodyRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	err := f.router.SendDirect(context.Background(), "alice", "bob", "")
	req.True(apperr.IsKind(err, apperr.KindValidation))
}

func TestSendGroup_RoomFanoutExcludesSenderFromNotification(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	group, err := f.store.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)
	room := presence.RoomID(group.ID.String())

	alice := f.connect("alice", "a1")
	bob := f.connect("bob", "b1")
	f.reg.Join(room, alice)
	f.reg.Join(room, bob)

	req.NoError(f.router.SendGroup(ctx, "alice", group.ID.String(), "standup"))

	// Everyone in the room sees the message; only others are notified.
	req.Equal([]string{EventReceiveGroupMessage}, alice.eventNames())
	req.Equal([]string{EventReceiveGroupMessage, EventNewMessageNotification}, bob.eventNames())

	payload, ok := bob.sent()[0].Data.(GroupMessagePayload)
	req.True(ok)
	req.Equal("devs", payload.GroupName)
	req.Equal(group.ID.String(), payload.GroupID)
}

func TestSendGroup_NonMemberSilentlyDropped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")
	f.createUser(t, "mallory")

	group, err := f.store.CreateGroup(ctx, "devs", "alice", nil)
	req.NoError(err)
	room := presence.RoomID(group.ID.String())

	alice := f.connect("alice", "a1")
	f.reg.Join(room, alice)

	req.NoError(f.router.SendGroup(ctx, "mallory", group.ID.String(), "let me in"))

	// Nothing reached the room, nothing persisted.
	req.Empty(alice.sent())
	msgs, err := f.store.GroupHistory(ctx, group.ID, "alice")
	req.NoError(err)
	req.Empty(msgs)
}

func TestSendGroup_UnknownGroupSilentlyDropped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.createUser(t, "alice")

	req.NoError(f.router.SendGroup(context.Background(), "alice", "7b2e9d8c-1111-4222-8333-444455556666", "hello?"))
}

func TestSendGroup_MalformedGroupIDRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	err := f.router.SendGroup(context.Background(), "alice", "not-a-uuid", "hi")
	req.True(apperr.IsKind(err, apperr.KindValidation))
}

func TestSendAudio_DirectAndGroup(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	group, err := f.store.CreateGroup(ctx, "devs", "alice", []string{"bob"})
	req.NoError(err)
	room := presence.RoomID(group.ID.String())

	bob := f.connect("bob", "b1")
	f.reg.Join(room, bob)

	req.NoError(f.router.SendAudio(ctx, "alice", models.DirectTarget("bob"), "/uploads/aa.webm", "hi bob"))
	req.NoError(f.router.SendAudio(ctx, "alice", models.GroupTarget(group.ID.String()), "/uploads/bb.webm", ""))

	names := bob.eventNames()
	// Direct: message + notification. Group: message + notification.
	req.Equal([]string{
		EventReceiveVoiceMessage, EventNewMessageNotification,
		EventReceiveVoiceMessage, EventNewMessageNotification,
	}, names)

	direct, ok := bob.sent()[0].Data.(VoiceMessagePayload)
	req.True(ok)
	req.Equal("hi bob", direct.Transcription)
	req.Empty(direct.GroupID)

	grp, ok := bob.sent()[2].Data.(VoiceMessagePayload)
	req.True(ok)
	req.Equal(group.ID.String(), grp.GroupID)
	req.Equal("devs", grp.GroupName)
}

func TestSendAudio_RequiresAttachmentAndTarget(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	err := f.router.SendAudio(ctx, "alice", models.Target{}, "/uploads/aa.webm", "")
	req.True(apperr.IsKind(err, apperr.KindValidation))

	err = f.router.SendAudio(ctx, "alice", models.DirectTarget("bob"), "", "")
	req.True(apperr.IsKind(err, apperr.KindValidation))
}

// failingStore stubs the persist path to verify fanout never happens for
// unpersisted messages. The embedded nil Store panics on anything the
// test does not expect to be called.
type failingStore struct {
	store.Store
}

func (f *failingStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return &models.User{Username: username}, nil
}

func (f *failingStore) AppendMessage(ctx context.Context, msg *models.Message) (string, error) {
	return "", apperr.Storage("insert message", errors.New("disk full"))
}

func TestSendDirect_PersistFailureMeansNoFanout(t *testing.T) {
	req := require.New(t)
	reg := presence.NewRegistry()
	router := NewRouter(&failingStore{}, reg, zerolog.Nop())

	bob := &fakeConn{id: "b1"}
	reg.Register("bob", bob)

	err := router.SendDirect(context.Background(), "alice", "bob", "hello")
	req.Error(err)
	req.True(apperr.IsKind(err, apperr.KindStorage))
	req.Empty(bob.sent())
}
