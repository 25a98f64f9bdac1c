package domain

import (
	"errors"
	"fmt"
	"time"

	"wiki-realtime/shared/protocol"
)

// Event represents a committed change in the domain model.
//
// SubjectID is the primary entity: the document for documents.* events, the
// collection for collections.create/update/delete and the affected user for
// collections.add_user/remove_user. ParentID is the owning collection.
type Event struct {
	ID        string             `json:"id"`
	Name      protocol.EventName `json:"name"`
	ActorID   string             `json:"actorId,omitempty"`
	SubjectID string             `json:"subjectId"`
	ParentID  string             `json:"parentId,omitempty"`
	TeamID    string             `json:"teamId,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Move      *MoveData          `json:"move,omitempty"`
}

// MoveData lists what a documents.move event touched.
type MoveData struct {
	DocumentIDs   []string `json:"documentIds"`
	CollectionIDs []string `json:"collectionIds"`
}

var (
	errMissingSubject = errors.New("missing subject id")
	errMissingMove    = errors.New("documents.move requires move data")
	errMissingParent  = errors.New("membership events require parent collection id")
)

// Validate checks the invariants producers must uphold.
func (e Event) Validate() error {
	if !e.Name.Valid() {
		return fmt.Errorf("unknown event %q", e.Name)
	}
	if e.SubjectID == "" {
		return errMissingSubject
	}
	switch e.Name {
	case protocol.DocumentsMove:
		if e.Move == nil || len(e.Move.CollectionIDs) == 0 {
			return errMissingMove
		}
	case protocol.CollectionsAddUser, protocol.CollectionsRemoveUser:
		if e.ParentID == "" {
			return errMissingParent
		}
	}
	return nil
}

// MovedDocumentIDs returns the documents a move touched, always including the subject.
func (e Event) MovedDocumentIDs() []string {
	ids := []string{e.SubjectID}
	if e.Move == nil {
		return ids
	}
	for _, id := range e.Move.DocumentIDs {
		if id != "" && id != e.SubjectID {
			ids = append(ids, id)
		}
	}
	return ids
}
