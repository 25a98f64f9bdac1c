package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"wiki-realtime/realtime-service/domain"
	"wiki-realtime/shared/protocol"
)

type stubSource struct {
	teams       map[string]string
	collections map[string][]string
	loads       int
}

func (s *stubSource) TeamID(_ context.Context, userID string) (string, error) {
	team, ok := s.teams[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return team, nil
}

func (s *stubSource) CollectionIDs(_ context.Context, userID, _ string) ([]string, error) {
	s.loads++
	return s.collections[userID], nil
}

func newTestCache(t *testing.T, src *stubSource) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	logger, _ := test.NewNullLogger()
	return NewCache(src, rc, time.Hour, logger), m
}

func TestCacheMembershipsLoadsOnce(t *testing.T) {
	src := &stubSource{
		teams:       map[string]string{"u1": "t1"},
		collections: map[string][]string{"u1": {"c1", "c2"}},
	}
	cache, m := newTestCache(t, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cache.Memberships(ctx, "u1")
		if err != nil {
			t.Fatalf("memberships: %v", err)
		}
		if got.TeamID != "t1" || len(got.CollectionIDs) != 2 {
			t.Fatalf("unexpected memberships %+v", got)
		}
	}
	if src.loads != 1 {
		t.Fatalf("expected one source load, got %d", src.loads)
	}
	if !m.Exists(membershipKey("u1")) {
		t.Fatalf("expected cached entry")
	}
	if ttl := m.TTL(membershipKey("u1")); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if ok, _ := m.SIsMember(teamUsersKey("t1"), "u1"); !ok {
		t.Fatalf("expected user in team index")
	}
}

func TestCacheEventsInvalidate(t *testing.T) {
	src := &stubSource{
		teams:       map[string]string{"u1": "t1", "u2": "t1"},
		collections: map[string][]string{"u1": {"c1"}, "u2": {"c1"}},
	}
	cache, m := newTestCache(t, src)
	ctx := context.Background()
	_, _ = cache.Memberships(ctx, "u1")
	_, _ = cache.Memberships(ctx, "u2")

	if err := cache.Handle(ctx, domain.Event{Name: protocol.CollectionsAddUser, SubjectID: "u1", ParentID: "c9"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if m.Exists(membershipKey("u1")) || !m.Exists(membershipKey("u2")) {
		t.Fatalf("add_user must only invalidate the added user")
	}

	if err := cache.Handle(ctx, domain.Event{Name: protocol.CollectionsCreate, SubjectID: "c9", TeamID: "t1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if m.Exists(membershipKey("u2")) || m.Exists(teamUsersKey("t1")) {
		t.Fatalf("collection events must invalidate the whole team")
	}

	if err := cache.Handle(ctx, domain.Event{Name: protocol.DocumentsUpdate, SubjectID: "d1"}); err != nil {
		t.Fatalf("document events must be ignored: %v", err)
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	src := &stubSource{teams: map[string]string{"u1": "t1"}}
	logger, _ := test.NewNullLogger()
	cache := NewCache(src, nil, time.Hour, logger)
	ctx := context.Background()
	_, _ = cache.Memberships(ctx, "u1")
	_, _ = cache.Memberships(ctx, "u1")
	if src.loads != 2 {
		t.Fatalf("expected every call to reach the source, got %d", src.loads)
	}
	if err := cache.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
}

func TestDirectoryRoomsAndAccess(t *testing.T) {
	src := &stubSource{
		teams:       map[string]string{"u1": "t1"},
		collections: map[string][]string{"u1": {"c1"}},
	}
	cache, _ := newTestCache(t, src)
	dir := NewDirectory(cache)
	ctx := context.Background()

	rooms, err := dir.Rooms(ctx, "u1")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "team-t1" || rooms[1] != "collection-c1" {
		t.Fatalf("unexpected rooms %v", rooms)
	}

	tests := []struct {
		room protocol.Room
		want bool
	}{
		{room: "user-u1", want: true},
		{room: "user-u2", want: false},
		{room: "team-t1", want: true},
		{room: "team-t2", want: false},
		{room: "collection-c1", want: true},
		{room: "nonsense", want: false},
	}
	for _, tt := range tests {
		got, err := dir.CanJoin(ctx, "u1", tt.room)
		if err != nil {
			t.Fatalf("CanJoin(%s): %v", tt.room, err)
		}
		if got != tt.want {
			t.Fatalf("CanJoin(%s) = %v, want %v", tt.room, got, tt.want)
		}
	}
}

func TestDirectoryReloadsOnUnknownCollection(t *testing.T) {
	src := &stubSource{
		teams:       map[string]string{"u1": "t1"},
		collections: map[string][]string{"u1": {"c1"}},
	}
	cache, _ := newTestCache(t, src)
	dir := NewDirectory(cache)
	ctx := context.Background()
	_, _ = dir.Rooms(ctx, "u1")

	// membership granted after the cache was filled
	src.collections["u1"] = []string{"c1", "c2"}
	ok, err := dir.CanJoin(ctx, "u1", "collection-c2")
	if err != nil || !ok {
		t.Fatalf("expected join after reload, ok=%v err=%v", ok, err)
	}
	if src.loads != 2 {
		t.Fatalf("expected a single reload, got %d loads", src.loads)
	}
}
