package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wiki-realtime/shared/protocol"
)

var (
	// ErrNotFound is returned by a Fetcher when the entity no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned by a Fetcher when the local user lost access.
	ErrForbidden = errors.New("forbidden")
)

const conflictTimeout = 30 * time.Second

// Fetcher loads entities from the persistence API. force bypasses any HTTP
// level caching.
type Fetcher interface {
	Document(ctx context.Context, id string, force bool) (Document, error)
	Collection(ctx context.Context, id string, force bool) (Collection, error)
}

// Focus reports the document the user currently has open, or "".
type Focus interface {
	FocusedDocumentID() string
}

// Action is an optional button attached to a notification.
type Action struct {
	Text string
	Run  func()
}

// Notification is a non blocking message for the user.
type Notification struct {
	Message string
	Timeout time.Duration
	Action  *Action
}

type Notifier interface {
	Notify(n Notification)
}

// Options configures an Engine.
type Options struct {
	// UserID is the local user. Changes made by this user never raise a
	// conflict notification.
	UserID   string
	Focus    Focus
	Notifier Notifier
	// Refresh reloads the focused document when the user accepts a conflict
	// notification.
	Refresh func()
	Logger  *log.Logger
}

// Engine applies realtime messages to a Cache.
type Engine struct {
	cache   *Cache
	fetcher Fetcher
	opts    Options
	logger  *log.Logger
	wg      sync.WaitGroup
}

func NewEngine(cache *Cache, fetcher Fetcher, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{cache: cache, fetcher: fetcher, opts: opts, logger: logger}
}

// Dispatch handles msg on its own goroutine so a slow refetch never holds up
// the next message.
func (e *Engine) Dispatch(ctx context.Context, msg protocol.Message) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Handle(ctx, msg)
	}()
}

// Wait blocks until every dispatched message has been handled.
func (e *Engine) Wait() { e.wg.Wait() }

// Handle applies msg synchronously.
func (e *Engine) Handle(ctx context.Context, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindEntities:
		e.handleEntities(ctx, msg)
	case protocol.KindStar:
		starred := msg.Event == protocol.DocumentsStar
		for _, d := range msg.Documents() {
			e.cache.SetStarred(d.ID, starred)
		}
	case protocol.KindMembership:
		e.handleMembership(ctx, msg)
	default:
		e.logger.WithFields(log.Fields{"kind": msg.Kind, "event": msg.Event}).Debug("ignoring message")
	}
}

func (e *Engine) handleEntities(ctx context.Context, msg protocol.Message) {
	collections := msg.Collections()
	for _, d := range msg.Documents() {
		if extra, ok := e.reconcileDocument(ctx, msg, d); ok && !containsID(collections, extra.ID) {
			collections = append(collections, extra)
		}
	}
	for _, d := range collections {
		e.reconcileCollection(ctx, msg, d)
	}
}

// reconcileDocument returns a collection descriptor to refresh when the
// document title changed.
func (e *Engine) reconcileDocument(ctx context.Context, msg protocol.Message, d protocol.Descriptor) (protocol.Descriptor, bool) {
	entry := e.logger.WithFields(log.Fields{"event": msg.Event, "document_id": d.ID})
	if msg.Deletes(protocol.EntityDocument) {
		e.cache.RemoveDocument(d.ID)
		return protocol.Descriptor{}, false
	}
	cached, ok := e.cache.Document(d.ID)
	if !ok {
		return protocol.Descriptor{}, false
	}
	if current(d, cached.UpdatedAt) {
		return protocol.Descriptor{}, false
	}

	fresh, err := e.fetcher.Document(ctx, d.ID, true)
	if err != nil {
		entry.WithError(err).Debug("evicting document")
		e.cache.RemoveDocument(d.ID)
		return protocol.Descriptor{}, false
	}
	if e.cache.ApplyDocument(fresh) {
		e.warnConflict(fresh)
	} else {
		entry.Debug("refetched document is not newer than cache")
	}

	if fresh.Title != cached.Title && fresh.CollectionID != "" {
		return protocol.CollectionDescriptor(fresh.CollectionID, time.Time{}), true
	}
	return protocol.Descriptor{}, false
}

func (e *Engine) warnConflict(doc Document) {
	if e.opts.Focus == nil || e.opts.Notifier == nil || e.opts.UserID == "" {
		return
	}
	if doc.ID != e.opts.Focus.FocusedDocumentID() || doc.UpdatedBy.ID == e.opts.UserID {
		return
	}
	n := Notification{
		Message: fmt.Sprintf("Document updated by %s", doc.UpdatedBy.Name),
		Timeout: conflictTimeout,
	}
	if e.opts.Refresh != nil {
		n.Action = &Action{Text: "Refresh", Run: e.opts.Refresh}
	}
	e.opts.Notifier.Notify(n)
}

func (e *Engine) reconcileCollection(ctx context.Context, msg protocol.Message, d protocol.Descriptor) {
	entry := e.logger.WithFields(log.Fields{"event": msg.Event, "collection_id": d.ID})
	if msg.Deletes(protocol.EntityCollection) {
		e.cache.RemoveCollection(d.ID)
		return
	}
	cached, ok := e.cache.Collection(d.ID)
	if !ok {
		// new collections are loaded so navigation can list them
		if msg.Event != protocol.CollectionsCreate {
			return
		}
		fresh, err := e.fetcher.Collection(ctx, d.ID, true)
		if err != nil {
			entry.WithError(err).Debug("new collection is not readable")
			return
		}
		e.cache.PutCollection(fresh)
		return
	}
	if current(d, cached.UpdatedAt) {
		return
	}

	fresh, err := e.fetcher.Collection(ctx, d.ID, true)
	if err != nil {
		entry.WithError(err).Debug("evicting collection")
		e.cache.RemoveCollection(d.ID)
		return
	}
	e.cache.ApplyCollection(fresh)
}

func (e *Engine) handleMembership(ctx context.Context, msg protocol.Message) {
	m := msg.Membership
	if m == nil {
		return
	}
	self := e.opts.UserID != "" && m.UserID == e.opts.UserID
	switch msg.Event {
	case protocol.CollectionsAddUser:
		if self {
			col, err := e.fetcher.Collection(ctx, m.CollectionID, true)
			if err != nil {
				e.logger.WithError(err).WithField("collection_id", m.CollectionID).Warn("load granted collection")
			} else {
				e.cache.PutCollection(col)
			}
		}
		e.cache.PutMembership(m.UserID, m.CollectionID)
		// access changed, so cached abilities may be stale
		for _, id := range e.cache.DocumentsInCollection(m.CollectionID) {
			e.cache.RemovePolicy(id)
		}
	case protocol.CollectionsRemoveUser:
		if self {
			e.cache.RemoveCollection(m.CollectionID)
			return
		}
		e.cache.RemoveMembership(m.UserID, m.CollectionID)
	}
}

// Refresh refetches every cached entity. It is run after a reconnect since
// messages sent while disconnected are not replayed.
func (e *Engine) Refresh(ctx context.Context) {
	for _, id := range e.cache.CollectionIDs() {
		col, err := e.fetcher.Collection(ctx, id, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.cache.RemoveCollection(id)
			continue
		}
		e.cache.ApplyCollection(col)
	}
	for _, id := range e.cache.DocumentIDs() {
		doc, err := e.fetcher.Document(ctx, id, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.cache.RemoveDocument(id)
			continue
		}
		e.cache.ApplyDocument(doc)
	}
}

// current reports whether the cached copy already matches the descriptor.
// Descriptors without a timestamp always trigger a refetch.
func current(d protocol.Descriptor, cached time.Time) bool {
	return d.UpdatedAt != nil && d.UpdatedAt.Equal(cached)
}

func containsID(ds []protocol.Descriptor, id string) bool {
	for _, d := range ds {
		if d.ID == id {
			return true
		}
	}
	return false
}
