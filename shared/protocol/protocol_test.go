package protocol

import (
	"testing"
	"time"
)

func TestRoomParse(t *testing.T) {
	tests := []struct {
		room    Room
		scope   Scope
		id      string
		wantErr bool
	}{
		{room: CollectionRoom("c1"), scope: ScopeCollection, id: "c1"},
		{room: UserRoom("3f2b-41aa-9c"), scope: ScopeUser, id: "3f2b-41aa-9c"},
		{room: TeamRoom("t1"), scope: ScopeTeam, id: "t1"},
		{room: "collection-", wantErr: true},
		{room: "group-1", wantErr: true},
		{room: "nodash", wantErr: true},
	}
	for _, tt := range tests {
		scope, id, err := tt.room.Parse()
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.room)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.room, err)
		}
		if scope != tt.scope || id != tt.id {
			t.Fatalf("Parse(%q) = %s/%s, want %s/%s", tt.room, scope, id, tt.scope, tt.id)
		}
	}
}

func TestMessageSplitsDescriptors(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	msg := Message{
		Kind:  KindEntities,
		Event: DocumentsPublish,
		Entities: []Descriptor{
			DocumentDescriptor("d1", ts),
			CollectionDescriptor("c1", time.Time{}),
		},
	}
	docs := msg.Documents()
	if len(docs) != 1 || docs[0].ID != "d1" || docs[0].UpdatedAt == nil || !docs[0].UpdatedAt.Equal(ts) {
		t.Fatalf("unexpected documents %+v", docs)
	}
	cols := msg.Collections()
	if len(cols) != 1 || cols[0].ID != "c1" || cols[0].UpdatedAt != nil {
		t.Fatalf("unexpected collections %+v", cols)
	}
	if msg.Deletes(EntityDocument) {
		t.Fatalf("publish must not be a delete")
	}
	if !(Message{Event: DocumentsDelete}).Deletes(EntityDocument) {
		t.Fatalf("documents.delete must delete documents")
	}
	if !(Message{Event: CollectionsDelete}).Deletes(EntityCollection) {
		t.Fatalf("collections.delete must delete collections")
	}
}

func TestEventNameValid(t *testing.T) {
	if !DocumentsMove.Valid() {
		t.Fatalf("expected documents.move to be valid")
	}
	if EventName("documents.explode").Valid() {
		t.Fatalf("unexpected valid event name")
	}
}
