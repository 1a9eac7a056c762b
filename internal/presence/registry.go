// Package presence owns the process-wide mapping from logical user
// identity to the single live connection for that identity, plus the room
// subscriptions derived from group membership. It is the sole source of
// truth for "is this user online"; callers consult it, never infer.
package presence

import (
	"sort"
	"sync"
)

// Conn is the handle the registry keeps per online user. Implementations
// must make Send non-blocking with respect to the registry: the WebSocket
// session queues into a buffered channel and reports false when the
// buffer is full.
type Conn interface {
	// ID distinguishes connection instances for the same username, so a
	// stale disconnect cannot evict a newer registration.
	ID() string
	// Send queues an event frame for delivery; false means the connection
	// is dead or saturated.
	Send(event string, data any) bool
}

// RoomID returns the room identifier for a group.
func RoomID(groupID string) string {
	return "group:" + groupID
}

// Registry maps usernames to live connections and rooms to subscriber
// sets. All mutations share one mutex; nothing slow runs under it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn            // username -> connection
	rooms map[string]map[string]Conn // room -> conn ID -> connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
		rooms: make(map[string]map[string]Conn),
	}
}

// Register records conn as the live connection for username,
// unconditionally replacing any prior entry. Last-connect-wins: a user
// re-opening a connection supersedes the stale one.
func (r *Registry) Register(username string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[username] = conn
}

// Unregister removes the entry for username only if the stored handle is
// still conn. A disconnect arriving after a newer connection registered
// for the same user is a no-op, so it cannot evict the live entry.
func (r *Registry) Unregister(username string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[username]
	if ok && current.ID() == conn.ID() {
		delete(r.conns, username)
	}
}

// Lookup returns the live connection for username, if any.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[username]
	return conn, ok
}

// OnlineUsernames returns the set of currently connected usernames,
// sorted for stable broadcasts.
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Join subscribes conn to a room.
func (r *Registry) Join(room string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.rooms[room]
	if !ok {
		subs = make(map[string]Conn)
		r.rooms[room] = subs
	}
	subs[conn.ID()] = conn
}

// Leave unsubscribes conn from a room.
func (r *Registry) Leave(room string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, conn)
}

// LeaveAll unsubscribes conn from every room it joined.
func (r *Registry) LeaveAll(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.rooms {
		r.leaveLocked(room, conn)
	}
}

func (r *Registry) leaveLocked(room string, conn Conn) {
	subs, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(subs, conn.ID())
	if len(subs) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast sends an event to every subscriber of a room, skipping except
// when non-nil. Sends go to buffered per-connection queues, so the lock
// is never held across network I/O.
func (r *Registry) Broadcast(room, event string, data any, except Conn) {
	r.mu.RLock()
	subs := make([]Conn, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		if except != nil && conn.ID() == except.ID() {
			continue
		}
		subs = append(subs, conn)
	}
	r.mu.RUnlock()

	for _, conn := range subs {
		conn.Send(event, data)
	}
}

// BroadcastAll sends an event to every online connection, used for
// presence-change announcements.
func (r *Registry) BroadcastAll(event string, data any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Send(event, data)
	}
}
