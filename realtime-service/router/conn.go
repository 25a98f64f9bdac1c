package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/shared/protocol"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

const (
	reasonSlowConsumer = "slow_consumer"
	reasonShutdown     = "shutdown"
	reasonWrite        = "write_failed"
	reasonDirectory    = "directory_failed"
)

type conn struct {
	id     string
	sock   Socket
	router *Router
	logger *log.Entry

	state  atomic.Int32
	userID string

	// guarded by router.mu
	rooms map[protocol.Room]struct{}

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) State() State { return State(c.state.Load()) }

// enqueue never blocks; false means the outbound queue is full.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// drop closes the connection and records why, unless it is already closed.
func (c *conn) drop(reason string) {
	c.close(func() {
		droppedConnections.WithLabelValues(reason).Inc()
		c.logger.WithField("reason", reason).Warn("dropping websocket connection")
	})
}

func (c *conn) close(onFirst func()) {
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosed)))
		c.router.unregister(c, prev == StateActive)
		close(c.done)
		_ = c.sock.Close()
		if onFirst != nil {
			onFirst()
		}
	})
}

// Serve runs the connection protocol on sock until the socket fails, the
// client is rejected, or the connection is dropped. It always closes sock.
func (r *Router) Serve(ctx context.Context, sock Socket) error {
	c := &conn{
		id:     uuid.NewString(),
		sock:   sock,
		router: r,
		rooms:  make(map[protocol.Room]struct{}),
		out:    make(chan []byte, r.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	c.logger = r.logger.WithField("conn_id", c.id)
	c.state.Store(int32(StateConnecting))
	r.register(c)
	defer c.close(nil)

	sock.SetReadLimit(r.cfg.MaxFrameSize)
	c.state.Store(int32(StateAuthenticating))

	userID, err := r.authenticate(ctx, c)
	if err != nil {
		return err
	}
	c.userID = userID
	c.logger = c.logger.WithField("user_id", userID)

	rooms, err := r.dir.Rooms(ctx, userID)
	if err != nil {
		c.drop(reasonDirectory)
		return err
	}
	rooms = append([]protocol.Room{protocol.UserRoom(userID)}, rooms...)

	ack, err := sonic.Marshal(protocol.Frame{Type: protocol.FrameAuthenticated, Rooms: rooms})
	if err != nil {
		return err
	}
	c.out <- ack
	if !r.activate(c, rooms) {
		return nil
	}
	c.logger.WithField("rooms", len(rooms)).Debug("websocket connection active")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	err = c.readLoop(ctx)
	c.close(nil)
	wg.Wait()
	return err
}

func (r *Router) authenticate(ctx context.Context, c *conn) (string, error) {
	_ = c.sock.SetReadDeadline(time.Now().Add(r.cfg.AuthTimeout))
	_, data, err := c.sock.ReadMessage()
	if err != nil {
		authFailures.WithLabelValues("no_credential").Inc()
		c.logger.WithError(err).Debug("connection closed before authenticating")
		return "", err
	}
	var f protocol.Frame
	if err := sonic.Unmarshal(data, &f); err != nil || f.Type != protocol.FrameAuthentication || f.Token == "" {
		authFailures.WithLabelValues("protocol").Inc()
		r.reject(c, "authentication required")
		return "", ErrUnauthorized
	}
	userID, err := r.auth.UserIDFromBearer([]byte(f.Token))
	if err != nil || userID == "" {
		authFailures.WithLabelValues("invalid_token").Inc()
		c.logger.WithError(err).Info("websocket authentication rejected")
		r.reject(c, "invalid token")
		return "", ErrUnauthorized
	}
	return userID, ctx.Err()
}

// reject writes directly; the write loop is not running before activation.
func (r *Router) reject(c *conn, reason string) {
	frame, err := sonic.Marshal(protocol.Frame{Type: protocol.FrameUnauthorized, Error: reason})
	if err == nil {
		_ = c.sock.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		_ = c.sock.WriteMessage(websocket.TextMessage, frame)
	}
	c.close(nil)
}

func (c *conn) readLoop(ctx context.Context) error {
	cfg := c.router.cfg
	_ = c.sock.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		var f protocol.Frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			c.logger.WithError(err).Debug("ignoring malformed frame")
			continue
		}
		switch f.Type {
		case protocol.FrameJoin:
			c.ackJoin(c.handleJoin(ctx, f.Rooms))
		case protocol.FrameLeave:
			for _, room := range f.Rooms {
				if c.router.leave(c, room) {
					c.logger.WithField("room", room).Debug("left room")
				}
			}
		default:
			c.logger.WithField("type", f.Type).Debug("ignoring unexpected frame")
		}
	}
}

// handleJoin returns the requested rooms the connection is a member of
// afterwards, already joined ones included.
func (c *conn) handleJoin(ctx context.Context, rooms []protocol.Room) []protocol.Room {
	granted := make([]protocol.Room, 0, len(rooms))
	for _, room := range rooms {
		if _, _, err := room.Parse(); err != nil {
			c.logger.WithField("room", room).Debug("ignoring join for malformed room")
			continue
		}
		ok, err := c.router.dir.CanJoin(ctx, c.userID, room)
		if err != nil {
			c.logger.WithError(err).WithField("room", room).Warn("room access check failed")
			continue
		}
		if !ok {
			c.logger.WithField("room", room).Info("join refused")
			continue
		}
		if c.router.join(c, room) {
			c.logger.WithField("room", room).Debug("joined room")
		}
		granted = append(granted, room)
	}
	return granted
}

func (c *conn) ackJoin(rooms []protocol.Room) {
	frame, err := sonic.Marshal(protocol.Frame{Type: protocol.FrameJoined, Rooms: rooms})
	if err != nil {
		c.logger.WithError(err).Error("encode join ack")
		return
	}
	if !c.enqueue(frame) {
		c.drop(reasonSlowConsumer)
	}
}

func (c *conn) writeLoop() {
	cfg := c.router.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.sock.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.drop(reasonWrite)
				}
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drop(reasonWrite)
				return
			}
		}
	}
}
