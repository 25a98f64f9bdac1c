package protocol

import "time"

// Kind is the type of a realtime message.
type Kind string

const (
	KindEntities   Kind = "entities"
	KindMembership Kind = "membership"
	KindJoin       Kind = "join"
	KindLeave      Kind = "leave"
	KindStar       Kind = "star"
)

// EntityType names the kind of record a descriptor points at.
type EntityType string

const (
	EntityDocument   EntityType = "document"
	EntityCollection EntityType = "collection"
)

// Descriptor identifies a changed record without its payload. UpdatedAt is nil
// when the sender could not resolve the record, receivers then treat the
// descriptor as a plain invalidation.
type Descriptor struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// DocumentDescriptor builds a document descriptor; a zero updatedAt yields an
// id-only descriptor.
func DocumentDescriptor(id string, updatedAt time.Time) Descriptor {
	return newDescriptor(id, EntityDocument, updatedAt)
}

// CollectionDescriptor builds a collection descriptor; a zero updatedAt yields
// an id-only descriptor.
func CollectionDescriptor(id string, updatedAt time.Time) Descriptor {
	return newDescriptor(id, EntityCollection, updatedAt)
}

func newDescriptor(id string, typ EntityType, updatedAt time.Time) Descriptor {
	d := Descriptor{ID: id, Type: typ}
	if !updatedAt.IsZero() {
		ts := updatedAt.UTC()
		d.UpdatedAt = &ts
	}
	return d
}

// Membership describes a user gaining or losing access to a collection.
type Membership struct {
	UserID       string `json:"userId"`
	CollectionID string `json:"collectionId"`
}

// Message is the unit delivered to clients.
type Message struct {
	Kind       Kind         `json:"kind"`
	Event      EventName    `json:"event"`
	Entities   []Descriptor `json:"entities,omitempty"`
	Membership *Membership  `json:"membership,omitempty"`
	Rooms      []Room       `json:"rooms,omitempty"`
}

// Documents returns the document descriptors carried by m.
func (m Message) Documents() []Descriptor { return m.ofType(EntityDocument) }

// Collections returns the collection descriptors carried by m.
func (m Message) Collections() []Descriptor { return m.ofType(EntityCollection) }

func (m Message) ofType(t EntityType) []Descriptor {
	var out []Descriptor
	for _, d := range m.Entities {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// Deletes reports whether m removes records of type t.
func (m Message) Deletes(t EntityType) bool {
	switch t {
	case EntityDocument:
		return m.Event == DocumentsDelete
	case EntityCollection:
		return m.Event == CollectionsDelete
	}
	return false
}

// Envelope addresses a message to a single room.
type Envelope struct {
	Room    Room    `json:"room"`
	Message Message `json:"message"`
}
