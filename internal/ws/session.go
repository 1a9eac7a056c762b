package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/delivery"
	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
)

// sessionSetupTimeout bounds the store reads done while bringing a new
// connection online.
const sessionSetupTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin in development; auth is the
	// token, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP requests into authenticated sessions and runs each
// session's lifecycle: presence registration, room subscription, event
// dispatch, and guaranteed cleanup.
type Server struct {
	store  store.Store
	reg    *presence.Registry
	router *delivery.Router
	tokens *auth.TokenIssuer
	log    zerolog.Logger
}

// NewServer creates a session server.
func NewServer(s store.Store, reg *presence.Registry, router *delivery.Router, tokens *auth.TokenIssuer, log zerolog.Logger) *Server {
	return &Server{store: s, reg: reg, router: router, tokens: tokens, log: log}
}

// ServeHTTP authenticates and upgrades the request, then runs the session
// until the connection drops. A request that fails authentication is
// rejected before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, username, s.log)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	go s.run(client)
}

// authenticate extracts and validates the session token. Browsers cannot
// set headers on WebSocket requests, so the token query parameter is
// accepted alongside the standard bearer header.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return s.tokens.Validate(token)
}

// run owns the session from registration to cleanup. The deferred block
// is the only teardown path: every way out of the read loop passes
// through it, so presence and room state cannot leak.
func (s *Server) run(client *Client) {
	username := client.Username()

	s.reg.Register(username, client)
	defer func() {
		s.reg.Unregister(username, client)
		s.reg.LeaveAll(client)
		client.close()
		metrics.ConnectionsActive.Dec()
		s.reg.BroadcastAll(delivery.EventUpdateOnlineUsers, s.reg.OnlineUsernames())
		s.log.Info().Str("username", username).Msg("session closed")
	}()

	go client.writePump()

	if !s.setup(client) {
		return
	}

	s.log.Info().Str("username", username).Msg("session active")
	client.readPump(func(f frame) {
		s.dispatch(client, f)
	})
}

// setup subscribes the connection to its group rooms and pushes the
// initial presence and unread snapshots. Room membership is captured at
// connect time; groups joined later take effect on the next connection.
func (s *Server) setup(client *Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sessionSetupTimeout)
	defer cancel()

	username := client.Username()
	groups, err := s.store.GroupsFor(ctx, username)
	if err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("loading group subscriptions")
		return false
	}
	for _, g := range groups {
		s.reg.Join(presence.RoomID(g.ID.String()), client)
	}

	s.reg.BroadcastAll(delivery.EventUpdateOnlineUsers, s.reg.OnlineUsernames())

	unread, err := s.router.UnreadSummary(ctx, username)
	if err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("loading unread counts")
		return false
	}
	client.Send(delivery.EventUnreadCounts, unread)
	return true
}

// dispatch routes one inbound frame. Malformed or unknown frames are
// dropped; a client cannot take the session down with bad input.
func (s *Server) dispatch(client *Client, f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionSetupTimeout)
	defer cancel()

	switch f.Event {
	case delivery.EventPrivateMessage:
		var p struct {
			Recipient string `json:"recipient"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.log.Debug().Err(err).Msg("malformed private_message payload")
			return
		}
		if err := s.router.SendDirect(ctx, client.Username(), p.Recipient, p.Message); err != nil {
			s.log.Error().Err(err).Str("sender", client.Username()).Msg("direct send failed")
		}
	case delivery.EventGroupMessage:
		var p struct {
			GroupID string `json:"group_id"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.log.Debug().Err(err).Msg("malformed group_message payload")
			return
		}
		if err := s.router.SendGroup(ctx, client.Username(), p.GroupID, p.Message); err != nil {
			s.log.Error().Err(err).Str("sender", client.Username()).Msg("group send failed")
		}
	default:
		s.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
}
