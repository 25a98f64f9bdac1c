package reconcile

import (
	"sort"
	"sync"
	"time"
)

// User is the author reference carried by documents.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Document is the locally cached view of a document.
type Document struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updatedAt"`
	UpdatedBy    User      `json:"updatedBy"`
}

// Collection is the locally cached view of a collection.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Policy holds the abilities the local user has on a document.
type Policy struct {
	ID        string          `json:"id"`
	Abilities map[string]bool `json:"abilities"`
}

// Cache is the client side store of loaded entities. Writers that race with
// each other rely on ApplyDocument and ApplyCollection comparing against the
// value present at apply time.
type Cache struct {
	mu          sync.RWMutex
	documents   map[string]Document
	collections map[string]Collection
	memberships map[membership]struct{}
	starred     map[string]bool
	policies    map[string]Policy
}

func NewCache() *Cache {
	return &Cache{
		documents:   make(map[string]Document),
		collections: make(map[string]Collection),
		memberships: make(map[membership]struct{}),
		starred:     make(map[string]bool),
		policies:    make(map[string]Policy),
	}
}

type membership struct {
	userID       string
	collectionID string
}

func (c *Cache) Document(id string) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.documents[id]
	return d, ok
}

// PutDocument stores d unconditionally. It is used for loads initiated by the
// local user.
func (c *Cache) PutDocument(d Document) {
	c.mu.Lock()
	c.documents[d.ID] = d
	c.mu.Unlock()
}

// ApplyDocument stores a refetched document only when the entry still exists
// and d is strictly newer than it. It reports whether d was stored.
func (c *Cache) ApplyDocument(d Document) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.documents[d.ID]
	if !ok || !d.UpdatedAt.After(cur.UpdatedAt) {
		return false
	}
	c.documents[d.ID] = d
	return true
}

func (c *Cache) RemoveDocument(id string) {
	c.mu.Lock()
	delete(c.documents, id)
	delete(c.policies, id)
	c.mu.Unlock()
}

// DocumentIDs returns the ids of all cached documents in sorted order.
func (c *Cache) DocumentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.documents)
}

// DocumentsInCollection returns the ids of cached documents that belong to the
// collection.
func (c *Cache) DocumentsInCollection(collectionID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, d := range c.documents {
		if d.CollectionID == collectionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) Collection(id string) (Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.collections[id]
	return col, ok
}

func (c *Cache) PutCollection(col Collection) {
	c.mu.Lock()
	c.collections[col.ID] = col
	c.mu.Unlock()
}

// ApplyCollection is the collection counterpart of ApplyDocument.
func (c *Cache) ApplyCollection(col Collection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.collections[col.ID]
	if !ok || !col.UpdatedAt.After(cur.UpdatedAt) {
		return false
	}
	c.collections[col.ID] = col
	return true
}

// RemoveCollection evicts the collection together with its documents and
// memberships.
func (c *Cache) RemoveCollection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, id)
	for docID, d := range c.documents {
		if d.CollectionID == id {
			delete(c.documents, docID)
			delete(c.policies, docID)
		}
	}
	for m := range c.memberships {
		if m.collectionID == id {
			delete(c.memberships, m)
		}
	}
}

func (c *Cache) CollectionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.collections)
}

func (c *Cache) PutMembership(userID, collectionID string) {
	c.mu.Lock()
	c.memberships[membership{userID, collectionID}] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) RemoveMembership(userID, collectionID string) {
	c.mu.Lock()
	delete(c.memberships, membership{userID, collectionID})
	c.mu.Unlock()
}

func (c *Cache) HasMembership(userID, collectionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.memberships[membership{userID, collectionID}]
	return ok
}

func (c *Cache) SetStarred(documentID string, starred bool) {
	c.mu.Lock()
	c.starred[documentID] = starred
	c.mu.Unlock()
}

func (c *Cache) Starred(documentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.starred[documentID]
}

func (c *Cache) PutPolicy(p Policy) {
	c.mu.Lock()
	c.policies[p.ID] = p
	c.mu.Unlock()
}

func (c *Cache) Policy(documentID string) (Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[documentID]
	return p, ok
}

func (c *Cache) RemovePolicy(documentID string) {
	c.mu.Lock()
	delete(c.policies, documentID)
	c.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
