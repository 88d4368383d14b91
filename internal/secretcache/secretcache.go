// Package secretcache is the in-memory layer in front of secretstore:
// it remembers the most recently read or written credentials and
// method data for each identity so repeated access during one
// AuthSession doesn't round-trip to disk, while every write still goes
// through to the SecretStore immediately (write-through) so a crash
// never loses a committed secret.
package secretcache

import (
	"sync"

	"github.com/roelfdiedericks/ssod/internal/secretstore"
)

type entry struct {
	credentials     secretstore.Credentials
	haveCredentials bool
	methodData      map[int64]map[string][]byte
}

// Cache sits between CredentialsDatabase and the SecretStore.
type Cache struct {
	mu      sync.Mutex
	store   *secretstore.Store
	entries map[uint32]*entry
}

// New wraps store with a cache. store must not be nil: every cache miss
// and every write calls straight through to it (the cache never invents
// data store does not have).
func New(store *secretstore.Store) *Cache {
	return &Cache{store: store, entries: make(map[uint32]*entry)}
}

func (c *Cache) entryFor(id uint32) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{methodData: make(map[int64]map[string][]byte)}
		c.entries[id] = e
	}
	return e
}

// Credentials returns the cached credentials for id, loading from the
// store on a cache miss.
func (c *Cache) Credentials(id uint32) (secretstore.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryFor(id)
	if e.haveCredentials {
		return e.credentials, nil
	}
	creds, err := c.store.LoadCredentials(id)
	if err != nil {
		return secretstore.Credentials{}, err
	}
	e.credentials = creds
	e.haveCredentials = true
	return creds, nil
}

// PutCredentials writes c through to the store and updates the cache.
func (c *Cache) PutCredentials(c2 secretstore.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.UpdateCredentials(c2); err != nil {
		return err
	}
	e := c.entryFor(c2.ID)
	e.credentials = c2
	e.haveCredentials = true
	return nil
}

// RemoveCredentials deletes id's credentials from the store and cache.
func (c *Cache) RemoveCredentials(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveCredentials(id); err != nil {
		return err
	}
	delete(c.entries, id)
	return nil
}

// MethodData returns the cached key/value data for (id, methodID),
// loading from the store on a cache miss.
func (c *Cache) MethodData(id uint32, methodID int64) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryFor(id)
	if data, ok := e.methodData[methodID]; ok {
		return cloneData(data), nil
	}
	data, err := c.store.LoadMethodData(id, methodID)
	if err != nil {
		return nil, err
	}
	e.methodData[methodID] = data
	return cloneData(data), nil
}

// PutMethodData writes data through to the store for (id, methodID) and
// updates the cache.
func (c *Cache) PutMethodData(id uint32, methodID int64, data map[string][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.UpdateMethodData(id, methodID, data); err != nil {
		return err
	}
	e := c.entryFor(id)
	e.methodData[methodID] = cloneData(data)
	return nil
}

// RemoveMethodData deletes (id, methodID)'s data from the store and cache.
func (c *Cache) RemoveMethodData(id uint32, methodID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveMethodData(id, methodID); err != nil {
		return err
	}
	e := c.entryFor(id)
	delete(e.methodData, methodID)
	return nil
}

// Invalidate drops every cache entry for id without touching the store.
// Used after remove_identity, where the rows are already gone.
func (c *Cache) Invalidate(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear drops every cache entry, without touching the store. Used after
// a bulk store.Clear().
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]*entry)
}

func cloneData(data map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(data))
	for k, v := range data {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
