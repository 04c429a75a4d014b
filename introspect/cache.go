package introspect

import (
	"context"
	"sync"

	dbus "github.com/tinkersync/xidbus"
)

// Fetcher retrieves the raw introspection XML for one (peer, path),
// typically by issuing an org.freedesktop.DBus.Introspectable.Introspect
// call over a Connection. It is the only seam between this cache and
// the wire.
type Fetcher func(ctx context.Context, peer string, path dbus.ObjectPath) (string, error)

type cacheKey struct {
	peer string
	path dbus.ObjectPath
}

// future is a shared, single-fill slot: the first caller for a key
// starts the fetch and every concurrent caller for the same key waits
// on the same done channel, guaranteeing at most one wire Introspect
// call per (peer, path) even under concurrent callers (spec.md §4.4,
// stricter than the reference implementation's per-call fetch).
type future struct {
	done   chan struct{}
	schema *Schema
	err    error
}

// Cache memoizes parsed schemas for the lifetime of the process (or
// until Forget is called for a key). It is safe for concurrent use.
type Cache struct {
	fetch Fetcher

	mu      sync.Mutex
	entries map[cacheKey]*future
}

// NewCache builds a Cache that uses fetch to retrieve introspection XML
// on a cache miss.
func NewCache(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch, entries: make(map[cacheKey]*future)}
}

// Get returns the cached schema for (peer, path), fetching and parsing
// it on first access. A failed fetch is not cached: the entry is
// evicted so the next Get retries rather than pinning a transient
// failure for the process's lifetime.
func (c *Cache) Get(ctx context.Context, peer string, path dbus.ObjectPath) (*Schema, error) {
	c.mu.Lock()
	k := cacheKey{peer, path}
	f, ok := c.entries[k]
	if !ok {
		f = &future{done: make(chan struct{})}
		c.entries[k] = f
		c.mu.Unlock()
		go c.fill(ctx, k, f)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-f.done:
		return f.schema, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fill(ctx context.Context, k cacheKey, f *future) {
	doc, err := c.fetch(ctx, k.peer, k.path)
	if err == nil {
		f.schema, err = FromXML(doc)
	}
	f.err = err
	close(f.done)
	if err != nil {
		c.mu.Lock()
		if c.entries[k] == f {
			delete(c.entries, k)
		}
		c.mu.Unlock()
	}
}

// Forget evicts the cached schema for (peer, path), if any, so the next
// Get re-fetches it. Useful after a peer's NameOwnerChanged or a
// signaled interface change.
func (c *Cache) Forget(peer string, path dbus.ObjectPath) {
	c.mu.Lock()
	delete(c.entries, cacheKey{peer, path})
	c.mu.Unlock()
}
