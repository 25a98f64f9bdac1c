package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"wiki-realtime/shared/protocol"
)

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
	t3 = t2.Add(time.Minute)
)

type stubFetcher struct {
	mu          sync.Mutex
	documents   map[string]Document
	collections map[string]Collection
	errs        map[string]error
	docCalls    atomic.Int32
	colCalls    atomic.Int32
	forced      bool
	docFn       func(n int32) (Document, error)
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		documents:   make(map[string]Document),
		collections: make(map[string]Collection),
		errs:        make(map[string]error),
		forced:      true,
	}
}

func (f *stubFetcher) Document(_ context.Context, id string, force bool) (Document, error) {
	n := f.docCalls.Add(1)
	if f.docFn != nil {
		return f.docFn(n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = f.forced && force
	if err := f.errs[id]; err != nil {
		return Document{}, err
	}
	d, ok := f.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (f *stubFetcher) Collection(_ context.Context, id string, force bool) (Collection, error) {
	f.colCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = f.forced && force
	if err := f.errs[id]; err != nil {
		return Collection{}, err
	}
	c, ok := f.collections[id]
	if !ok {
		return Collection{}, ErrNotFound
	}
	return c, nil
}

type staticFocus string

func (s staticFocus) FocusedDocumentID() string { return string(s) }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func newTestEngine(f Fetcher, opts Options) (*Engine, *Cache) {
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	cache := NewCache()
	return NewEngine(cache, f, opts), cache
}

func doc(id, title string, at time.Time, by string) Document {
	return Document{ID: id, CollectionID: "c1", Title: title, UpdatedAt: at, UpdatedBy: User{ID: by, Name: by}}
}

func update(name protocol.EventName, ds ...protocol.Descriptor) protocol.Message {
	return protocol.Message{Kind: protocol.KindEntities, Event: name, Entities: ds}
}

func TestSelfEchoDoesNotRefetch(t *testing.T) {
	f := newStubFetcher()
	e, cache := newTestEngine(f, Options{UserID: "u1"})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))

	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t1)))

	if f.docCalls.Load() != 0 || f.colCalls.Load() != 0 {
		t.Fatalf("self echo triggered %d document and %d collection fetches", f.docCalls.Load(), f.colCalls.Load())
	}
}

func TestUncachedDocumentIsIgnored(t *testing.T) {
	f := newStubFetcher()
	e, cache := newTestEngine(f, Options{})
	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))
	if f.docCalls.Load() != 0 {
		t.Fatalf("uncached document should not be fetched")
	}
	if _, ok := cache.Document("d1"); ok {
		t.Fatalf("uncached document should not be loaded")
	}
}

func TestNewerDescriptorRefetches(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Roadmap", t2, "u2")
	e, cache := newTestEngine(f, Options{UserID: "u1"})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))
	cache.PutCollection(Collection{ID: "c1", UpdatedAt: t1})

	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))

	got, _ := cache.Document("d1")
	if !got.UpdatedAt.Equal(t2) || got.UpdatedBy.ID != "u2" {
		t.Fatalf("cache not updated: %+v", got)
	}
	if !f.forced {
		t.Fatalf("refetch must bypass caches")
	}
	if f.colCalls.Load() != 0 {
		t.Fatalf("unchanged title should not refresh the collection")
	}
}

func TestTitleChangeRefreshesCollection(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Roadmap 2025", t2, "u2")
	f.collections["c1"] = Collection{ID: "c1", Name: "Eng", UpdatedAt: t2}
	e, cache := newTestEngine(f, Options{UserID: "u1"})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))
	cache.PutCollection(Collection{ID: "c1", Name: "Eng", UpdatedAt: t1})

	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))

	if f.colCalls.Load() != 1 {
		t.Fatalf("expected one collection fetch, got %d", f.colCalls.Load())
	}
	if c, _ := cache.Collection("c1"); !c.UpdatedAt.Equal(t2) {
		t.Fatalf("collection not refreshed: %+v", c)
	}
}

func TestTitleChangeWithExplicitCollectionFetchesOnce(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Renamed", t2, "u2")
	f.collections["c1"] = Collection{ID: "c1", UpdatedAt: t2}
	e, cache := newTestEngine(f, Options{})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))
	cache.PutCollection(Collection{ID: "c1", UpdatedAt: t1})

	e.Handle(context.Background(), update(protocol.DocumentsPublish,
		protocol.DocumentDescriptor("d1", t2),
		protocol.CollectionDescriptor("c1", time.Time{}),
	))
	if f.colCalls.Load() != 1 {
		t.Fatalf("expected one collection fetch, got %d", f.colCalls.Load())
	}
}

func TestInaccessibleDocumentIsEvicted(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrForbidden} {
		f := newStubFetcher()
		f.errs["d1"] = err
		e, cache := newTestEngine(f, Options{})
		cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))

		e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))

		if _, ok := cache.Document("d1"); ok {
			t.Fatalf("document should be evicted after %v", err)
		}
	}
}

func TestDeleteRemovesWithoutFetch(t *testing.T) {
	f := newStubFetcher()
	e, cache := newTestEngine(f, Options{})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))

	e.Handle(context.Background(), update(protocol.DocumentsDelete, protocol.DocumentDescriptor("d1", t2)))

	if _, ok := cache.Document("d1"); ok {
		t.Fatalf("deleted document still cached")
	}
	if f.docCalls.Load() != 0 {
		t.Fatalf("delete must not fetch")
	}
}

func TestConflictNotification(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Roadmap", t2, "bob")
	notes := &recordingNotifier{}
	refreshed := false
	e, cache := newTestEngine(f, Options{
		UserID:   "alice",
		Focus:    staticFocus("d1"),
		Notifier: notes,
		Refresh:  func() { refreshed = true },
	})
	cache.PutDocument(doc("d1", "Roadmap", t1, "alice"))

	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))

	if len(notes.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes.notes))
	}
	n := notes.notes[0]
	if n.Message != "Document updated by bob" || n.Timeout != 30*time.Second || n.Action == nil || n.Action.Text != "Refresh" {
		t.Fatalf("unexpected notification %+v", n)
	}
	n.Action.Run()
	if !refreshed {
		t.Fatalf("refresh action not wired")
	}
	if got, _ := cache.Document("d1"); got.Title != "Roadmap" || !got.UpdatedAt.Equal(t2) {
		t.Fatalf("remote change not cached: %+v", got)
	}
}

func TestNoConflictForOwnOrUnfocusedChanges(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Roadmap", t2, "alice")
	f.documents["d2"] = doc("d2", "Notes", t2, "bob")
	notes := &recordingNotifier{}
	e, cache := newTestEngine(f, Options{UserID: "alice", Focus: staticFocus("d1"), Notifier: notes})
	cache.PutDocument(doc("d1", "Roadmap", t1, "alice"))
	cache.PutDocument(doc("d2", "Notes", t1, "alice"))

	e.Handle(context.Background(), update(protocol.DocumentsUpdate,
		protocol.DocumentDescriptor("d1", t2),
		protocol.DocumentDescriptor("d2", t2),
	))
	if len(notes.notes) != 0 {
		t.Fatalf("unexpected notifications %+v", notes.notes)
	}
}

func TestStaleRefetchDoesNotNotify(t *testing.T) {
	f := newStubFetcher()
	var cache *Cache
	f.docFn = func(int32) (Document, error) {
		// a newer version lands while the refetch is in flight
		cache.PutDocument(doc("d1", "Roadmap", t3, "carol"))
		return doc("d1", "Roadmap", t2, "bob"), nil
	}
	notes := &recordingNotifier{}
	var e *Engine
	e, cache = newTestEngine(f, Options{UserID: "alice", Focus: staticFocus("d1"), Notifier: notes})
	cache.PutDocument(doc("d1", "Roadmap", t1, "alice"))

	e.Handle(context.Background(), update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))

	if len(notes.notes) != 0 {
		t.Fatalf("stale version raised %+v", notes.notes)
	}
	if got, _ := cache.Document("d1"); !got.UpdatedAt.Equal(t3) || got.UpdatedBy.ID != "carol" {
		t.Fatalf("cache regressed to %+v", got)
	}
}

func TestConcurrentRefetchesDoNotRegress(t *testing.T) {
	f := newStubFetcher()
	secondDone := make(chan struct{})
	f.docFn = func(n int32) (Document, error) {
		if n == 1 {
			<-secondDone
			return doc("d1", "Roadmap", t2, "u2"), nil
		}
		defer close(secondDone)
		return doc("d1", "Roadmap", t3, "u2"), nil
	}
	e, cache := newTestEngine(f, Options{})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))

	ctx := context.Background()
	e.Dispatch(ctx, update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t2)))
	e.Dispatch(ctx, update(protocol.DocumentsUpdate, protocol.DocumentDescriptor("d1", t3)))
	e.Wait()

	if got, _ := cache.Document("d1"); !got.UpdatedAt.Equal(t3) {
		t.Fatalf("cache regressed to %v", got.UpdatedAt)
	}
}

func TestCollectionDeleteEvictsContents(t *testing.T) {
	f := newStubFetcher()
	e, cache := newTestEngine(f, Options{})
	cache.PutCollection(Collection{ID: "c1", UpdatedAt: t1})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))
	cache.PutMembership("u2", "c1")

	e.Handle(context.Background(), update(protocol.CollectionsDelete, protocol.CollectionDescriptor("c1", t2)))

	if _, ok := cache.Collection("c1"); ok {
		t.Fatalf("collection still cached")
	}
	if _, ok := cache.Document("d1"); ok {
		t.Fatalf("collection documents still cached")
	}
	if cache.HasMembership("u2", "c1") {
		t.Fatalf("collection memberships still cached")
	}
}

func TestCollectionCreateLoadsNewCollection(t *testing.T) {
	f := newStubFetcher()
	f.collections["c9"] = Collection{ID: "c9", Name: "New", UpdatedAt: t1}
	e, cache := newTestEngine(f, Options{})

	e.Handle(context.Background(), update(protocol.CollectionsCreate, protocol.CollectionDescriptor("c9", t1)))
	if _, ok := cache.Collection("c9"); !ok {
		t.Fatalf("created collection not loaded")
	}

	e.Handle(context.Background(), update(protocol.CollectionsUpdate, protocol.CollectionDescriptor("c8", t1)))
	if f.colCalls.Load() != 1 {
		t.Fatalf("updates to unknown collections must not be fetched")
	}
}

func TestStarToggle(t *testing.T) {
	e, cache := newTestEngine(newStubFetcher(), Options{})
	star := protocol.Message{Kind: protocol.KindStar, Event: protocol.DocumentsStar, Entities: []protocol.Descriptor{protocol.DocumentDescriptor("d1", time.Time{})}}
	e.Handle(context.Background(), star)
	if !cache.Starred("d1") {
		t.Fatalf("document should be starred")
	}
	star.Event = protocol.DocumentsUnstar
	e.Handle(context.Background(), star)
	if cache.Starred("d1") {
		t.Fatalf("document should be unstarred")
	}
}

func membershipMessage(name protocol.EventName, userID, collectionID string) protocol.Message {
	return protocol.Message{
		Kind:       protocol.KindMembership,
		Event:      name,
		Membership: &protocol.Membership{UserID: userID, CollectionID: collectionID},
	}
}

func TestMembershipAddedForLocalUser(t *testing.T) {
	f := newStubFetcher()
	f.collections["c1"] = Collection{ID: "c1", Name: "Eng", UpdatedAt: t1}
	e, cache := newTestEngine(f, Options{UserID: "u1"})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u2"))
	cache.PutPolicy(Policy{ID: "d1", Abilities: map[string]bool{"update": false}})

	e.Handle(context.Background(), membershipMessage(protocol.CollectionsAddUser, "u1", "c1"))

	if _, ok := cache.Collection("c1"); !ok {
		t.Fatalf("granted collection not loaded")
	}
	if !cache.HasMembership("u1", "c1") {
		t.Fatalf("membership not recorded")
	}
	if _, ok := cache.Policy("d1"); ok {
		t.Fatalf("document policy should be invalidated")
	}
}

func TestMembershipRemoved(t *testing.T) {
	f := newStubFetcher()
	e, cache := newTestEngine(f, Options{UserID: "u1"})
	cache.PutCollection(Collection{ID: "c1", UpdatedAt: t1})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u2"))
	cache.PutMembership("u1", "c1")
	cache.PutMembership("u2", "c1")

	e.Handle(context.Background(), membershipMessage(protocol.CollectionsRemoveUser, "u2", "c1"))
	if cache.HasMembership("u2", "c1") || !cache.HasMembership("u1", "c1") {
		t.Fatalf("only the removed user's membership should go")
	}
	if _, ok := cache.Collection("c1"); !ok {
		t.Fatalf("collection should stay for other users' removal")
	}

	e.Handle(context.Background(), membershipMessage(protocol.CollectionsRemoveUser, "u1", "c1"))
	if _, ok := cache.Collection("c1"); ok {
		t.Fatalf("collection should be evicted when the local user is removed")
	}
	if _, ok := cache.Document("d1"); ok {
		t.Fatalf("collection documents should be evicted")
	}
	if cache.HasMembership("u1", "c1") {
		t.Fatalf("memberships should be evicted")
	}
}

func TestRefresh(t *testing.T) {
	f := newStubFetcher()
	f.documents["d1"] = doc("d1", "Roadmap", t2, "u2")
	f.collections["c1"] = Collection{ID: "c1", UpdatedAt: t2}
	e, cache := newTestEngine(f, Options{})
	cache.PutCollection(Collection{ID: "c1", UpdatedAt: t1})
	cache.PutDocument(doc("d1", "Roadmap", t1, "u1"))
	cache.PutDocument(Document{ID: "gone", CollectionID: "c2", UpdatedAt: t1})

	e.Refresh(context.Background())

	if got, _ := cache.Document("d1"); !got.UpdatedAt.Equal(t2) {
		t.Fatalf("document not refreshed: %+v", got)
	}
	if c, _ := cache.Collection("c1"); !c.UpdatedAt.Equal(t2) {
		t.Fatalf("collection not refreshed: %+v", c)
	}
	if _, ok := cache.Document("gone"); ok {
		t.Fatalf("missing document should be evicted")
	}
}
