package storage

import (
	"context"

	"wiki-realtime/shared/protocol"
)

// Directory derives room access from cached memberships.
type Directory struct {
	cache *Cache
}

func NewDirectory(cache *Cache) *Directory {
	return &Directory{cache: cache}
}

// Rooms lists the team room and every readable collection room of userID.
// The user's own room is added by the router.
func (d *Directory) Rooms(ctx context.Context, userID string) ([]protocol.Room, error) {
	m, err := d.cache.Memberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms := make([]protocol.Room, 0, len(m.CollectionIDs)+1)
	if m.TeamID != "" {
		rooms = append(rooms, protocol.TeamRoom(m.TeamID))
	}
	for _, id := range m.CollectionIDs {
		rooms = append(rooms, protocol.CollectionRoom(id))
	}
	return rooms, nil
}

// CanJoin reports whether userID may subscribe to room. A collection missing
// from the cached memberships triggers one reload, since join requests
// usually follow a membership change the cache has not seen yet.
func (d *Directory) CanJoin(ctx context.Context, userID string, room protocol.Room) (bool, error) {
	scope, id, err := room.Parse()
	if err != nil {
		return false, nil
	}
	if scope == protocol.ScopeUser {
		return id == userID, nil
	}
	m, err := d.cache.Memberships(ctx, userID)
	if err != nil {
		return false, err
	}
	if allowed(m, scope, id) {
		return true, nil
	}
	if err := d.cache.Invalidate(ctx, userID); err != nil {
		return false, err
	}
	m, err = d.cache.Memberships(ctx, userID)
	if err != nil {
		return false, err
	}
	return allowed(m, scope, id), nil
}

func allowed(m Memberships, scope protocol.Scope, id string) bool {
	switch scope {
	case protocol.ScopeTeam:
		return m.TeamID == id
	case protocol.ScopeCollection:
		return m.HasCollection(id)
	}
	return false
}
