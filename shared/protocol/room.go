package protocol

import (
	"errors"
	"strings"
)

// Scope is the addressing scheme of a room.
type Scope string

const (
	ScopeCollection Scope = "collection"
	ScopeUser       Scope = "user"
	ScopeTeam       Scope = "team"
)

// Room is a named broadcast scope of the form <scope>-<id>.
type Room string

var errBadRoom = errors.New("bad room name")

func CollectionRoom(id string) Room { return Room(string(ScopeCollection) + "-" + id) }
func UserRoom(id string) Room       { return Room(string(ScopeUser) + "-" + id) }
func TeamRoom(id string) Room       { return Room(string(ScopeTeam) + "-" + id) }

// Parse splits the room name into its scope and entity id. Ids may contain
// dashes themselves, only the first one separates the scope.
func (r Room) Parse() (Scope, string, error) {
	scope, id, ok := strings.Cut(string(r), "-")
	if !ok || id == "" {
		return "", "", errBadRoom
	}
	switch Scope(scope) {
	case ScopeCollection, ScopeUser, ScopeTeam:
		return Scope(scope), id, nil
	default:
		return "", "", errBadRoom
	}
}

func (r Room) String() string { return string(r) }
