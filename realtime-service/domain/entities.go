package domain

import "time"

// Document is the slice of persisted document state needed to address and
// version realtime messages.
type Document struct {
	ID           string
	CollectionID string
	CreatedByID  string
	PublishedAt  *time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Published reports whether the document was ever visible to its collection.
func (d Document) Published() bool {
	return d.PublishedAt != nil && !d.PublishedAt.IsZero()
}

// Collection is the slice of persisted collection state used by the publisher.
type Collection struct {
	ID        string
	TeamID    string
	Private   bool
	UpdatedAt time.Time
}
