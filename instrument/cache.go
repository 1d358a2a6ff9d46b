package instrument

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/chazu/exitprobe/unit"
)

// Cache maps container identifiers to the hierarchy headers parsed from
// their canonical bytes. Entries are resolved at most once and never
// evicted; failed resolutions are not cached. Concurrent misses on one
// name share a single lookup. Cache implements unit.Resolver.
type Cache struct {
	src unit.Source

	mu      sync.RWMutex
	headers map[string]*unit.Header
	group   singleflight.Group
	fetches atomic.Int64
}

// NewCache creates an empty cache reading from src. The source is only
// read; it must never load or transform anything.
func NewCache(src unit.Source) *Cache {
	return &Cache{src: src, headers: make(map[string]*unit.Header)}
}

// Resolve implements unit.Resolver.
func (c *Cache) Resolve(name string) (*unit.Header, error) {
	c.mu.RLock()
	h, ok := c.headers[name]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		c.mu.RLock()
		h, ok := c.headers[name]
		c.mu.RUnlock()
		if ok {
			return h, nil
		}

		c.fetches.Add(1)
		data, err := c.src.Lookup(name)
		if err != nil {
			return nil, err
		}
		h, err = unit.ParseHeader(data)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.headers[name] = h
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*unit.Header), nil
}

// Len returns the number of cached headers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.headers)
}

// Fetches returns how many times the cache has read from its source.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}
