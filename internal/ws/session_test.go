package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/delivery"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
)

type wsFixture struct {
	srv    *httptest.Server
	store  store.Store
	tokens *auth.TokenIssuer
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	reg := presence.NewRegistry()
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	router := delivery.NewRouter(s, reg, zerolog.Nop())
	server := NewServer(s, reg, router, tokens, zerolog.Nop())

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, store: s, tokens: tokens}
}

func (f *wsFixture) createUser(t *testing.T, username string) {
	t.Helper()
	_, err := f.store.CreateUser(context.Background(), username, "hash")
	require.NoError(t, err)
}

func (f *wsFixture) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Issue(username)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one with the wanted event name arrives,
// skipping presence churn from other connections.
func readEvent(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %q", want)
		if f.Event == want {
			return f.Data
		}
	}
}

func TestSession_RejectsBadToken(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestSession_PushesPresenceAndUnreadOnConnect(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t)
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	// Bob has unread mail waiting.
	deliver := delivery.NewRouter(f.store, presence.NewRegistry(), zerolog.Nop())
	req.NoError(deliver.SendDirect(context.Background(), "alice", "bob", "hi"))

	conn := f.dial(t, "bob")

	var online []string
	req.NoError(json.Unmarshal(readEvent(t, conn, delivery.EventUpdateOnlineUsers), &online))
	req.Contains(online, "bob")

	var unread map[string]int
	req.NoError(json.Unmarshal(readEvent(t, conn, delivery.EventUnreadCounts), &unread))
	req.Equal(1, unread["alice"])
}

func TestSession_PrivateMessageRoundTrip(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t)
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	aliceConn := f.dial(t, "alice")
	bobConn := f.dial(t, "bob")

	// Wait until both sessions are live before sending.
	readEvent(t, aliceConn, delivery.EventUnreadCounts)
	readEvent(t, bobConn, delivery.EventUnreadCounts)

	payload, err := json.Marshal(map[string]string{
		"recipient": "bob",
		"message":   "hello over the wire",
	})
	req.NoError(err)
	req.NoError(aliceConn.WriteJSON(frame{Event: delivery.EventPrivateMessage, Data: payload}))

	var got delivery.PrivateMessagePayload
	req.NoError(json.Unmarshal(readEvent(t, bobConn, delivery.EventReceivePrivateMessage), &got))
	req.Equal("alice", got.Sender)
	req.Equal("hello over the wire", got.Message)

	readEvent(t, bobConn, delivery.EventNewMessageNotification)

	// Sender sees the echo.
	var echo delivery.PrivateMessagePayload
	req.NoError(json.Unmarshal(readEvent(t, aliceConn, delivery.EventReceivePrivateMessage), &echo))
	req.Equal("hello over the wire", echo.Message)

	// And the message is durable.
	msgs, err := f.store.DirectHistory(context.Background(), "bob", "alice")
	req.NoError(err)
	req.Len(msgs, 1)
}

func TestSession_GroupMessageFanout(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t)
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	group, err := f.store.CreateGroup(context.Background(), "devs", "alice", []string{"bob"})
	req.NoError(err)

	aliceConn := f.dial(t, "alice")
	bobConn := f.dial(t, "bob")
	readEvent(t, aliceConn, delivery.EventUnreadCounts)
	readEvent(t, bobConn, delivery.EventUnreadCounts)

	payload, err := json.Marshal(map[string]string{
		"group_id": group.ID.String(),
		"message":  "ship it",
	})
	req.NoError(err)
	req.NoError(aliceConn.WriteJSON(frame{Event: delivery.EventGroupMessage, Data: payload}))

	var got delivery.GroupMessagePayload
	req.NoError(json.Unmarshal(readEvent(t, bobConn, delivery.EventReceiveGroupMessage), &got))
	req.Equal("devs", got.GroupName)
	req.Equal("ship it", got.Message)

	// Sender sees the room broadcast too.
	var own delivery.GroupMessagePayload
	req.NoError(json.Unmarshal(readEvent(t, aliceConn, delivery.EventReceiveGroupMessage), &own))
	req.Equal("ship it", own.Message)
}

func TestSession_DisconnectBroadcastsPresence(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t)
	f.createUser(t, "alice")
	f.createUser(t, "bob")

	aliceConn := f.dial(t, "alice")
	readEvent(t, aliceConn, delivery.EventUnreadCounts)

	bobConn := f.dial(t, "bob")
	readEvent(t, bobConn, delivery.EventUnreadCounts)

	// Alice sees bob arrive, then leave.
	var online []string
	req.NoError(json.Unmarshal(readEvent(t, aliceConn, delivery.EventUpdateOnlineUsers), &online))
	req.Contains(online, "bob")

	req.NoError(bobConn.Close())

	var after []string
	req.NoError(json.Unmarshal(readEvent(t, aliceConn, delivery.EventUpdateOnlineUsers), &after))
	req.NotContains(after, "bob")
}
