package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"btcore/internal/base"
)

const (
	MinCacheSize = 16 // Minimum: hold a root-to-leaf path plus page 1
)

// Cache is an LRU of clean, committed page images. It knows nothing about
// transactions: the pager only ever stores content that matches storage.
type Cache struct {
	mu      sync.Mutex
	lru     *freelru.LRU[base.Pgno, *base.Page]
	maxSize int

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashPgno(pgno base.Pgno) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(pgno))
	return uint32(xxhash.Sum64(b[:]))
}

// NewCache creates a new page cache holding at most maxSize pages
func NewCache(maxSize int) (*Cache, error) {
	c := &Cache{}
	if err := c.reset(maxSize); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) reset(maxSize int) error {
	maxSize = max(maxSize, MinCacheSize)
	lru, err := freelru.New[base.Pgno, *base.Page](uint32(maxSize), hashPgno)
	if err != nil {
		return err
	}
	lru.SetOnEvict(func(base.Pgno, *base.Page) {
		c.evictions.Add(1)
	})
	c.lru = lru
	c.maxSize = maxSize
	return nil
}

// Put adds a page to the cache, replacing any existing entry for the pgno.
func (c *Cache) Put(pgno base.Pgno, page *base.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(pgno, page)
}

// Get retrieves a page from the cache.
// Returns (Page, true) on cache hit, (nil, false) on miss.
func (c *Cache) Get(pgno base.Pgno) (*base.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.lru.Get(pgno)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return page, true
}

// Delete removes a page from the cache.
func (c *Cache) Delete(pgno base.Pgno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(pgno)
}

// Resize drops every cached page and changes the capacity.
func (c *Cache) Resize(maxSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset(maxSize)
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of cached entries
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

