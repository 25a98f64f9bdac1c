package receiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/shared/protocol"
)

// ErrAuthRejected is returned by Dial when the server refuses the token.
var ErrAuthRejected = errors.New("realtime: authentication rejected")

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 10 * time.Second
)

// Dispatcher receives entity, star and membership messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.Message)
}

// Config describes how to reach the realtime endpoint.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	// OnRejected is called with the server's reason when the token is
	// refused, typically to prompt the user to sign in again.
	OnRejected func(reason string)
	Logger     *log.Logger
}

// Session is an authenticated realtime connection.
type Session struct {
	ws         *websocket.Conn
	dispatcher Dispatcher
	logger     *log.Logger

	writeMu sync.Mutex

	roomsMu sync.Mutex
	rooms   map[protocol.Room]struct{}
	// joins forwarded to the server and not yet acknowledged
	pending map[protocol.Room]struct{}

	closeOnce sync.Once
}

// Dial connects to the realtime endpoint and authenticates. The returned
// session is subscribed to the rooms granted by the server.
func Dial(ctx context.Context, cfg Config, dispatcher Dispatcher) (*Session, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	s := &Session{
		ws:         ws,
		dispatcher: dispatcher,
		logger:     cfg.Logger,
		rooms:      make(map[protocol.Room]struct{}),
		pending:    make(map[protocol.Room]struct{}),
	}

	if err := s.write(protocol.Frame{Type: protocol.FrameAuthentication, Token: cfg.Token}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("realtime: send credential: %w", err)
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	frame, err := s.read()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("realtime: read acknowledgement: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch frame.Type {
	case protocol.FrameAuthenticated:
		for _, r := range frame.Rooms {
			s.rooms[r] = struct{}{}
		}
		return s, nil
	case protocol.FrameUnauthorized:
		_ = ws.Close()
		if cfg.OnRejected != nil {
			cfg.OnRejected(frame.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, frame.Error)
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("realtime: unexpected frame %q during handshake", frame.Type)
	}
}

// Rooms returns the rooms the session currently receives, sorted. A forwarded
// join shows up once the server acknowledges it.
func (s *Session) Rooms() []protocol.Room {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]protocol.Room, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run reads messages until the connection fails or ctx is cancelled. It
// returns ctx.Err() on cancellation and the read error otherwise.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		frame, err := s.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if frame.Type == protocol.FrameJoined {
			s.joined(frame.Rooms)
			continue
		}
		if frame.Type != protocol.FrameMessage || frame.Message == nil {
			s.logger.WithField("type", frame.Type).Debug("ignoring frame")
			continue
		}
		s.handle(ctx, *frame.Message)
	}
}

func (s *Session) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindJoin:
		if err := s.write(protocol.Frame{Type: protocol.FrameJoin, Rooms: msg.Rooms}); err != nil {
			s.logger.WithError(err).Warn("forward join")
			return
		}
		s.roomsMu.Lock()
		for _, r := range msg.Rooms {
			s.pending[r] = struct{}{}
		}
		s.roomsMu.Unlock()
	case protocol.KindLeave:
		if err := s.write(protocol.Frame{Type: protocol.FrameLeave, Rooms: msg.Rooms}); err != nil {
			s.logger.WithError(err).Warn("forward leave")
			return
		}
		s.roomsMu.Lock()
		for _, r := range msg.Rooms {
			delete(s.pending, r)
			delete(s.rooms, r)
		}
		s.roomsMu.Unlock()
	default:
		s.dispatcher.Dispatch(ctx, msg)
	}
}

// joined records acknowledged rooms unless a leave was forwarded since.
func (s *Session) joined(rooms []protocol.Room) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	for _, r := range rooms {
		if _, ok := s.pending[r]; !ok {
			continue
		}
		delete(s.pending, r)
		s.rooms[r] = struct{}{}
	}
}

func (s *Session) read() (protocol.Frame, error) {
	var f protocol.Frame
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := sonic.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("realtime: decode frame: %w", err)
	}
	return f, nil
}

func (s *Session) write(f protocol.Frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Close releases the connection. Messages not yet read are discarded.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}
