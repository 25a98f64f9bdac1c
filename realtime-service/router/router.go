// Package router multiplexes authenticated websocket connections into rooms
// and relays room-addressed messages to them.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/shared/protocol"
)

// Config bounds per-connection resources.
type Config struct {
	// QueueSize is the outbound frame buffer per connection. A connection
	// whose buffer is full when a frame arrives is dropped.
	QueueSize    int
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	MaxFrameSize int64
}

func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		AuthTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
		MaxFrameSize: 64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// TokenValidator resolves a credential to a user id.
type TokenValidator interface {
	UserIDFromBearer(token []byte) (string, error)
}

// Directory answers which rooms a user may be in.
type Directory interface {
	// Rooms lists the team and collection rooms joined on authentication.
	Rooms(ctx context.Context, userID string) ([]protocol.Room, error)
	CanJoin(ctx context.Context, userID string, room protocol.Room) (bool, error)
}

// Socket is the subset of *websocket.Conn used by the router.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Router owns the room table. Emit is safe for concurrent use.
type Router struct {
	cfg    Config
	auth   TokenValidator
	dir    Directory
	logger *log.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
	rooms map[protocol.Room]map[*conn]struct{}
}

func New(cfg Config, auth TokenValidator, dir Directory, logger *log.Logger) *Router {
	return &Router{
		cfg:    cfg.withDefaults(),
		auth:   auth,
		dir:    dir,
		logger: logger,
		conns:  make(map[*conn]struct{}),
		rooms:  make(map[protocol.Room]map[*conn]struct{}),
	}
}

// Emit queues env for every active connection in its room. Connections whose
// queue is full are dropped; delivery to the others is unaffected.
func (r *Router) Emit(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := env.Room.Parse(); err != nil {
		return err
	}
	msg := env.Message
	frame, err := sonic.Marshal(protocol.Frame{Type: protocol.FrameMessage, Message: &msg})
	if err != nil {
		return err
	}

	var slow []*conn
	delivered := 0
	r.mu.RLock()
	for c := range r.rooms[env.Room] {
		if c.State() != StateActive {
			continue
		}
		if c.enqueue(frame) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		c.drop(reasonSlowConsumer)
	}
	if delivered > 0 {
		framesRelayed.WithLabelValues(string(msg.Kind)).Add(float64(delivered))
	}
	return nil
}

// ConnCount returns the number of open connections.
func (r *Router) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of connections in room.
func (r *Router) RoomSize(room protocol.Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Close drops every connection.
func (r *Router) Close() {
	r.mu.RLock()
	all := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.drop(reasonShutdown)
	}
}

func (r *Router) register(c *conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// activate joins the initial rooms and marks c active in one step, so Emit
// never sees a half-joined connection.
func (r *Router) activate(c *conn, rooms []protocol.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	for _, room := range rooms {
		r.joinLocked(c, room)
	}
	if !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		return false
	}
	activeConnections.Inc()
	return true
}

// join adds c to room; it reports false when c was already a member.
func (r *Router) join(c *conn, room protocol.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	return r.joinLocked(c, room)
}

func (r *Router) joinLocked(c *conn, room protocol.Room) bool {
	if _, ok := c.rooms[room]; ok {
		return false
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[*conn]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

// leave removes c from room; it reports false when c was not a member.
func (r *Router) leave(c *conn, room protocol.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(c, room)
}

func (r *Router) leaveLocked(c *conn, room protocol.Room) bool {
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	members := r.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return true
}

func (r *Router) unregister(c *conn, wasActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return
	}
	for room := range c.rooms {
		r.leaveLocked(c, room)
	}
	delete(r.conns, c)
	if wasActive {
		activeConnections.Dec()
	}
}

// ErrUnauthorized is returned by Serve when the client failed to authenticate.
var ErrUnauthorized = errors.New("unauthorized")
