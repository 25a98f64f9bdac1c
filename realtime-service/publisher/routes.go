package publisher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/domain"
	"wiki-realtime/shared/protocol"
)

func (p *Publisher) table() map[protocol.EventName]route {
	return map[protocol.EventName]route{
		protocol.DocumentsCreate:    p.documentCreated,
		protocol.DocumentsUpdate:    p.documentChanged,
		protocol.DocumentsPin:       p.documentChanged,
		protocol.DocumentsUnpin:     p.documentChanged,
		protocol.DocumentsPublish:   p.documentListingChanged,
		protocol.DocumentsRestore:   p.documentListingChanged,
		protocol.DocumentsArchive:   p.documentListingChanged,
		protocol.DocumentsUnarchive: p.documentListingChanged,
		protocol.DocumentsDelete:    p.documentDeleted,
		protocol.DocumentsMove:      p.documentsMoved,
		protocol.DocumentsStar:      p.starChanged,
		protocol.DocumentsUnstar:    p.starChanged,

		protocol.CollectionsCreate:     p.collectionCreated,
		protocol.CollectionsUpdate:     p.collectionChanged,
		protocol.CollectionsDelete:     p.collectionChanged,
		protocol.CollectionsAddUser:    p.memberAdded,
		protocol.CollectionsRemoveUser: p.memberRemoved,
	}
}

func entities(room protocol.Room, name protocol.EventName, ds ...protocol.Descriptor) protocol.Envelope {
	return protocol.Envelope{Room: room, Message: protocol.Message{
		Kind:     protocol.KindEntities,
		Event:    name,
		Entities: ds,
	}}
}

func control(room protocol.Room, kind protocol.Kind, name protocol.EventName, rooms ...protocol.Room) protocol.Envelope {
	return protocol.Envelope{Room: room, Message: protocol.Message{
		Kind:  kind,
		Event: name,
		Rooms: rooms,
	}}
}

func membership(room protocol.Room, ev domain.Event) protocol.Envelope {
	return protocol.Envelope{Room: room, Message: protocol.Message{
		Kind:       protocol.KindMembership,
		Event:      ev.Name,
		Membership: &protocol.Membership{UserID: ev.SubjectID, CollectionID: ev.ParentID},
	}}
}

// fallbackRoom addresses a document message whose document could not be
// resolved: the owning collection when the event names one, else the actor.
func (p *Publisher) fallbackRoom(ev domain.Event) (protocol.Room, bool) {
	switch {
	case ev.ParentID != "":
		return protocol.CollectionRoom(ev.ParentID), true
	case ev.ActorID != "":
		return protocol.UserRoom(ev.ActorID), true
	}
	p.skip(ev, "no room derivable for unresolved document")
	return "", false
}

func (p *Publisher) skip(ev domain.Event, reason string) {
	p.logger.WithFields(log.Fields{"event": ev.Name, "event_id": ev.ID}).Warn(reason)
}

func (p *Publisher) documentCreated(ctx context.Context, ev domain.Event) []protocol.Envelope {
	if ev.ActorID == "" {
		p.skip(ev, "documents.create without actor")
		return nil
	}
	doc, ok := p.document(ctx, ev, ev.SubjectID)
	ds := []protocol.Descriptor{protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt)}
	col := doc.CollectionID
	if !ok {
		col = ev.ParentID
	}
	if col != "" {
		ds = append(ds, protocol.CollectionDescriptor(col, time.Time{}))
	}
	return []protocol.Envelope{entities(protocol.UserRoom(ev.ActorID), ev.Name, ds...)}
}

func (p *Publisher) documentChanged(ctx context.Context, ev domain.Event) []protocol.Envelope {
	doc, ok := p.document(ctx, ev, ev.SubjectID)
	if !ok {
		room, found := p.fallbackRoom(ev)
		if !found {
			return nil
		}
		return []protocol.Envelope{entities(room, ev.Name, protocol.DocumentDescriptor(doc.ID, time.Time{}))}
	}
	return []protocol.Envelope{entities(protocol.CollectionRoom(doc.CollectionID), ev.Name,
		protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt))}
}

func (p *Publisher) documentListingChanged(ctx context.Context, ev domain.Event) []protocol.Envelope {
	doc, ok := p.document(ctx, ev, ev.SubjectID)
	if !ok {
		return p.unresolvedListing(ev)
	}
	return []protocol.Envelope{entities(protocol.CollectionRoom(doc.CollectionID), ev.Name,
		protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt),
		protocol.CollectionDescriptor(doc.CollectionID, time.Time{}))}
}

func (p *Publisher) unresolvedListing(ev domain.Event) []protocol.Envelope {
	room, found := p.fallbackRoom(ev)
	if !found {
		return nil
	}
	ds := []protocol.Descriptor{protocol.DocumentDescriptor(ev.SubjectID, time.Time{})}
	if ev.ParentID != "" {
		ds = append(ds, protocol.CollectionDescriptor(ev.ParentID, time.Time{}))
	}
	return []protocol.Envelope{entities(room, ev.Name, ds...)}
}

func (p *Publisher) documentDeleted(ctx context.Context, ev domain.Event) []protocol.Envelope {
	doc, ok := p.document(ctx, ev, ev.SubjectID)
	if !ok {
		return p.unresolvedListing(ev)
	}
	if !doc.Published() {
		// drafts were never visible to the collection
		owner := doc.CreatedByID
		if owner == "" {
			owner = ev.ActorID
		}
		if owner == "" {
			p.skip(ev, "draft deleted without creator or actor")
			return nil
		}
		return []protocol.Envelope{entities(protocol.UserRoom(owner), ev.Name,
			protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt))}
	}
	return []protocol.Envelope{entities(protocol.CollectionRoom(doc.CollectionID), ev.Name,
		protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt),
		protocol.CollectionDescriptor(doc.CollectionID, time.Time{}))}
}

func (p *Publisher) documentsMoved(ctx context.Context, ev domain.Event) []protocol.Envelope {
	if ev.Move == nil {
		p.skip(ev, "documents.move without move data")
		return nil
	}
	var out []protocol.Envelope
	for _, id := range ev.MovedDocumentIDs() {
		doc, ok := p.document(ctx, ev, id)
		d := protocol.DocumentDescriptor(doc.ID, doc.UpdatedAt)
		seen := make(map[string]bool)
		targets := ev.Move.CollectionIDs
		if ok && doc.CollectionID != "" {
			targets = append([]string{doc.CollectionID}, targets...)
		}
		for _, col := range targets {
			if col == "" || seen[col] {
				continue
			}
			seen[col] = true
			out = append(out, entities(protocol.CollectionRoom(col), ev.Name, d))
		}
	}
	seen := make(map[string]bool)
	for _, col := range ev.Move.CollectionIDs {
		if col == "" || seen[col] {
			continue
		}
		seen[col] = true
		out = append(out, entities(protocol.CollectionRoom(col), ev.Name,
			protocol.CollectionDescriptor(col, time.Time{})))
	}
	return out
}

func (p *Publisher) starChanged(_ context.Context, ev domain.Event) []protocol.Envelope {
	if ev.ActorID == "" {
		p.skip(ev, "star change without actor")
		return nil
	}
	return []protocol.Envelope{{Room: protocol.UserRoom(ev.ActorID), Message: protocol.Message{
		Kind:     protocol.KindStar,
		Event:    ev.Name,
		Entities: []protocol.Descriptor{protocol.DocumentDescriptor(ev.SubjectID, time.Time{})},
	}}}
}

func (p *Publisher) collectionCreated(ctx context.Context, ev domain.Event) []protocol.Envelope {
	col, ok := p.collection(ctx, ev, ev.SubjectID)
	room := protocol.CollectionRoom(col.ID)
	if ok && !col.Private && col.TeamID != "" {
		room = protocol.TeamRoom(col.TeamID)
	}
	// join follows the descriptor so members already connected subscribe
	// before the next update for this collection is routed to its room
	return []protocol.Envelope{
		entities(room, ev.Name, protocol.CollectionDescriptor(col.ID, col.UpdatedAt)),
		control(room, protocol.KindJoin, ev.Name, protocol.CollectionRoom(col.ID)),
	}
}

func (p *Publisher) collectionChanged(ctx context.Context, ev domain.Event) []protocol.Envelope {
	col, ok := p.collection(ctx, ev, ev.SubjectID)
	team := col.TeamID
	if !ok || team == "" {
		team = ev.TeamID
	}
	if team == "" {
		p.skip(ev, "no team room for unresolved collection")
		return nil
	}
	return []protocol.Envelope{entities(protocol.TeamRoom(team), ev.Name,
		protocol.CollectionDescriptor(col.ID, col.UpdatedAt))}
}

func (p *Publisher) memberAdded(_ context.Context, ev domain.Event) []protocol.Envelope {
	user := protocol.UserRoom(ev.SubjectID)
	return []protocol.Envelope{
		membership(user, ev),
		membership(protocol.CollectionRoom(ev.ParentID), ev),
		control(user, protocol.KindJoin, ev.Name, protocol.CollectionRoom(ev.ParentID)),
	}
}

func (p *Publisher) memberRemoved(_ context.Context, ev domain.Event) []protocol.Envelope {
	user := protocol.UserRoom(ev.SubjectID)
	notify := membership(protocol.CollectionRoom(ev.ParentID), ev)
	if ev.ActorID != "" && ev.ActorID == ev.SubjectID {
		notify = membership(user, ev)
	}
	return []protocol.Envelope{
		notify,
		control(user, protocol.KindLeave, ev.Name, protocol.CollectionRoom(ev.ParentID)),
	}
}
