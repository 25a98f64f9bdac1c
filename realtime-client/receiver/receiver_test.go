package receiver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"wiki-realtime/realtime-service/router"
	"wiki-realtime/shared/protocol"
)

type stubAuth struct{}

func (stubAuth) UserIDFromBearer(token []byte) (string, error) {
	if id, ok := strings.CutPrefix(string(token), "good-"); ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type stubDirectory struct{}

func (stubDirectory) Rooms(context.Context, string) ([]protocol.Room, error) {
	return []protocol.Room{protocol.TeamRoom("t1")}, nil
}

func (stubDirectory) CanJoin(_ context.Context, _ string, room protocol.Room) (bool, error) {
	return room != protocol.CollectionRoom("secret"), nil
}

func hasRoom(s *Session, room protocol.Room) bool {
	for _, r := range s.Rooms() {
		if r == room {
			return true
		}
	}
	return false
}

type chanDispatcher chan protocol.Message

func (c chanDispatcher) Dispatch(_ context.Context, msg protocol.Message) { c <- msg }

func newServer(t *testing.T) (*router.Router, string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rt := router.New(router.DefaultConfig(), stubAuth{}, stubDirectory{}, logger)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = rt.Serve(context.Background(), ws)
	}))
	t.Cleanup(func() {
		rt.Close()
		srv.Close()
	})
	return rt, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(url, token string) Config {
	logger, _ := test.NewNullLogger()
	return Config{URL: url, Token: token, HandshakeTimeout: 2 * time.Second, Logger: logger}
}

func TestDialAuthenticates(t *testing.T) {
	_, url := newServer(t)
	s, err := Dial(context.Background(), testConfig(url, "good-u1"), make(chanDispatcher, 1))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	rooms := s.Rooms()
	if len(rooms) != 2 || rooms[0] != "team-t1" || rooms[1] != "user-u1" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
}

func TestDialRejected(t *testing.T) {
	_, url := newServer(t)
	cfg := testConfig(url, "forged")
	var reason string
	cfg.OnRejected = func(r string) { reason = r }

	_, err := Dial(context.Background(), cfg, make(chanDispatcher, 1))
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if reason != "invalid token" {
		t.Fatalf("sign-in prompt not raised, reason %q", reason)
	}
}

func TestRunDispatchesAndFollowsControlMessages(t *testing.T) {
	rt, url := newServer(t)
	msgs := make(chanDispatcher, 4)
	s, err := Dial(context.Background(), testConfig(url, "good-u1"), msgs)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, func() bool { return rt.RoomSize("user-u1") == 1 })

	join := protocol.Envelope{
		Room:    protocol.UserRoom("u1"),
		Message: protocol.Message{Kind: protocol.KindJoin, Event: protocol.CollectionsAddUser, Rooms: []protocol.Room{"collection-c9"}},
	}
	if err := rt.Emit(ctx, join); err != nil {
		t.Fatalf("emit join: %v", err)
	}
	waitFor(t, func() bool { return rt.RoomSize("collection-c9") == 1 })
	waitFor(t, func() bool { return hasRoom(s, "collection-c9") })

	update := protocol.Envelope{
		Room: protocol.CollectionRoom("c9"),
		Message: protocol.Message{
			Kind:     protocol.KindEntities,
			Event:    protocol.DocumentsUpdate,
			Entities: []protocol.Descriptor{protocol.DocumentDescriptor("d1", time.Now())},
		},
	}
	if err := rt.Emit(ctx, update); err != nil {
		t.Fatalf("emit update: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Event != protocol.DocumentsUpdate || len(msg.Documents()) != 1 {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not dispatched")
	}

	leave := join
	leave.Message.Kind = protocol.KindLeave
	if err := rt.Emit(ctx, leave); err != nil {
		t.Fatalf("emit leave: %v", err)
	}
	waitFor(t, func() bool { return rt.RoomSize("collection-c9") == 0 })
	waitFor(t, func() bool { return !hasRoom(s, "collection-c9") })
	select {
	case msg := <-msgs:
		t.Fatalf("control message leaked to dispatcher: %+v", msg)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
	waitFor(t, func() bool { return rt.ConnCount() == 0 })
}

func TestRefusedJoinIsNotListed(t *testing.T) {
	rt, url := newServer(t)
	s, err := Dial(context.Background(), testConfig(url, "good-u1"), make(chanDispatcher, 1))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	waitFor(t, func() bool { return rt.RoomSize("user-u1") == 1 })

	join := protocol.Envelope{
		Room:    protocol.UserRoom("u1"),
		Message: protocol.Message{Kind: protocol.KindJoin, Event: protocol.CollectionsAddUser, Rooms: []protocol.Room{"collection-secret", "collection-c2"}},
	}
	if err := rt.Emit(ctx, join); err != nil {
		t.Fatalf("emit join: %v", err)
	}
	waitFor(t, func() bool { return hasRoom(s, "collection-c2") })
	if hasRoom(s, "collection-secret") || rt.RoomSize("collection-secret") != 0 {
		t.Fatalf("refused room listed: %v", s.Rooms())
	}
}
