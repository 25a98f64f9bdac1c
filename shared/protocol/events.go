package protocol

// EventName identifies a committed domain mutation. Names follow the
// <resource>.<action> form used on the wire.
type EventName string

const (
	DocumentsCreate    EventName = "documents.create"
	DocumentsUpdate    EventName = "documents.update"
	DocumentsPin       EventName = "documents.pin"
	DocumentsUnpin     EventName = "documents.unpin"
	DocumentsPublish   EventName = "documents.publish"
	DocumentsRestore   EventName = "documents.restore"
	DocumentsArchive   EventName = "documents.archive"
	DocumentsUnarchive EventName = "documents.unarchive"
	DocumentsDelete    EventName = "documents.delete"
	DocumentsMove      EventName = "documents.move"
	DocumentsStar      EventName = "documents.star"
	DocumentsUnstar    EventName = "documents.unstar"

	CollectionsCreate     EventName = "collections.create"
	CollectionsUpdate     EventName = "collections.update"
	CollectionsDelete     EventName = "collections.delete"
	CollectionsAddUser    EventName = "collections.add_user"
	CollectionsRemoveUser EventName = "collections.remove_user"
)

// EventNames lists every known event name. Consumers that dispatch on event
// names check themselves against this list at startup.
var EventNames = []EventName{
	DocumentsCreate,
	DocumentsUpdate,
	DocumentsPin,
	DocumentsUnpin,
	DocumentsPublish,
	DocumentsRestore,
	DocumentsArchive,
	DocumentsUnarchive,
	DocumentsDelete,
	DocumentsMove,
	DocumentsStar,
	DocumentsUnstar,
	CollectionsCreate,
	CollectionsUpdate,
	CollectionsDelete,
	CollectionsAddUser,
	CollectionsRemoveUser,
}

// Valid reports whether n is one of EventNames.
func (n EventName) Valid() bool {
	for _, known := range EventNames {
		if n == known {
			return true
		}
	}
	return false
}
