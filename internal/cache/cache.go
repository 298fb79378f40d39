// Package cache keeps recent store query results in memory so repeated
// prompts within a session skip the database.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/ctxrevival/internal/lexical"
	"github.com/kalambet/ctxrevival/internal/storage"
)

const (
	DefaultSize = 200
	DefaultTTL  = 15 * time.Minute
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config sizes the cache. Zero values take the defaults.
type Config struct {
	Size int
	TTL  time.Duration
}

// Searcher is anything that answers store queries.
type Searcher interface {
	Query(ctx context.Context, q storage.Query) ([]storage.Record, error)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Evictions   uint64 `json:"evictions"`
	Size        int    `json:"size"`
}

type entry struct {
	records   []storage.Record
	fetchedAt time.Time
}

// Cache is a size-bounded LRU of query results with a per-entry TTL.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	ttl   time.Duration
	clock Clock

	// gen changes on every Purge so loads that began before it are not
	// stored afterwards.
	gen uint64

	hits, misses, expirations, evictions uint64
}

// New creates a cache. A nil clock uses wall time.
func New(cfg Config, clock Clock) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if clock == nil {
		clock = realClock{}
	}
	l, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &Cache{lru: l, ttl: cfg.TTL, clock: clock}, nil
}

// Key builds the normalized cache key of q.
func Key(q storage.Query) string {
	files := storage.NormalizeFiles(q.Files)
	sort.Strings(files)
	var b strings.Builder
	b.WriteString(lexical.Normalize(q.Text))
	b.WriteByte(0)
	b.WriteString(strings.Join(files, "\x1f"))
	b.WriteByte(0)
	b.WriteString(q.SessionID)
	fmt.Fprintf(&b, "\x00%d", q.Limit)
	return b.String()
}

// Get returns the cached records for key. Entries past their TTL are removed
// and reported as a miss.
func (c *Cache) Get(key string) ([]storage.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.clock.Now().Sub(e.fetchedAt) > c.ttl {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return nil, false
	}
	c.hits++
	return slices.Clone(e.records), true
}

// Put stores records under key, stamped with the current time.
func (c *Cache) Put(key string, records []storage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, records)
}

func (c *Cache) put(key string, records []storage.Record) {
	if evicted := c.lru.Add(key, entry{records: slices.Clone(records), fetchedAt: c.clock.Now()}); evicted {
		c.evictions++
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.gen++
}

// Len returns the number of entries, including expired ones not yet removed.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
		Evictions:   c.evictions,
		Size:        c.lru.Len(),
	}
}

// Querier is a Searcher that answers from the cache when it can.
type Querier struct {
	cache *Cache
	next  Searcher
}

// NewQuerier decorates next with c.
func NewQuerier(c *Cache, next Searcher) *Querier {
	return &Querier{cache: c, next: next}
}

// Query returns cached results for q or loads them from the wrapped
// Searcher. Errors are never cached.
func (q *Querier) Query(ctx context.Context, sq storage.Query) ([]storage.Record, error) {
	key := Key(sq)
	if recs, ok := q.cache.Get(key); ok {
		return recs, nil
	}

	q.cache.mu.Lock()
	gen := q.cache.gen
	q.cache.mu.Unlock()

	recs, err := q.next.Query(ctx, sq)
	if err != nil {
		return nil, err
	}

	q.cache.mu.Lock()
	if q.cache.gen == gen {
		q.cache.put(key, recs)
	}
	q.cache.mu.Unlock()
	return recs, nil
}
