package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/ctxrevival/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSearcher struct {
	mu    sync.Mutex
	calls int
	recs  []storage.Record
	err   error
}

func (s *countingSearcher) Query(_ context.Context, _ storage.Query) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.recs, s.err
}

func (s *countingSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestKey_Normalized(t *testing.T) {
	a := Key(storage.Query{Text: "  Login   ERROR ", Files: []string{"b.go", "a.go", "a.go"}, Limit: 20})
	b := Key(storage.Query{Text: "login error", Files: []string{"./a.go", "b.go"}, Limit: 20})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Key(storage.Query{Text: "login error", Files: []string{"a.go", "b.go"}, Limit: 5}))
	assert.NotEqual(t, a, Key(storage.Query{Text: "login error", Files: []string{"a.go", "b.go"}, Limit: 20, SessionID: "s"}))
}

func TestQuerier_HitAvoidsStore(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	store := &countingSearcher{recs: []storage.Record{{ID: 1}}}
	q := NewQuerier(c, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		recs, err := q.Query(ctx, storage.Query{Text: "login"})
		require.NoError(t, err)
		require.Len(t, recs, 1)
	}
	assert.Equal(t, 1, store.Calls())

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Size)
}

func TestQuerier_TTLExpiry(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ttl := 15 * time.Minute
	c, err := New(Config{TTL: ttl}, clock)
	require.NoError(t, err)
	store := &countingSearcher{}
	q := NewQuerier(c, store)
	ctx := context.Background()

	_, err = q.Query(ctx, storage.Query{Text: "login"})
	require.NoError(t, err)

	clock.Advance(ttl)
	_, err = q.Query(ctx, storage.Query{Text: "login"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Calls(), "entry at exactly TTL is still fresh")

	clock.Advance(time.Millisecond)
	_, err = q.Query(ctx, storage.Query{Text: "login"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(), "entry past TTL must reload")
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestQuerier_ErrorsNotCached(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	store := &countingSearcher{err: errors.New("disk gone")}
	q := NewQuerier(c, store)

	for i := 0; i < 2; i++ {
		_, err := q.Query(context.Background(), storage.Query{Text: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, 2, store.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(Config{Size: 2}, nil)
	require.NoError(t, err)

	c.Put("a", nil)
	c.Put("b", nil)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", nil)

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_Purge(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	c.Put("a", []storage.Record{{ID: 1}})
	c.Purge()
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	c.Put("a", []storage.Record{{ID: 1}})

	got, _ := c.Get("a")
	got[0].ID = 99

	again, _ := c.Get("a")
	assert.Equal(t, int64(1), again[0].ID)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, err := New(Config{Size: 8}, nil)
	require.NoError(t, err)
	q := NewQuerier(c, &countingSearcher{recs: []storage.Record{{ID: 1}}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = q.Query(context.Background(), storage.Query{Text: string(rune('a' + (i+j)%12))})
				if j%17 == 0 {
					c.Purge()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
