package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/ctxrevival/internal/breaker"
	"github.com/kalambet/ctxrevival/internal/ranking"
	"github.com/kalambet/ctxrevival/internal/storage"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

// fakeStore wraps a real in-memory store and lets tests inject latency and
// failures. Latency ignores the context, like a wedged disk would.
type fakeStore struct {
	*storage.Store

	mu      sync.Mutex
	delay   time.Duration
	err     error
	queries atomic.Int32
	puts    atomic.Int32
}

func (f *fakeStore) set(delay time.Duration, err error) {
	f.mu.Lock()
	f.delay, f.err = delay, err
	f.mu.Unlock()
}

func (f *fakeStore) get() (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay, f.err
}

func (f *fakeStore) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	f.queries.Add(1)
	delay, err := f.get()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, q)
}

func (f *fakeStore) Put(ctx context.Context, r storage.Record) (int64, bool, error) {
	f.puts.Add(1)
	if _, err := f.get(); err != nil {
		return 0, false, err
	}
	return f.Store.Put(ctx, r)
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	return &fakeStore{Store: s}
}

func newTestEngine(t *testing.T, store Store, mutate ...func(*EngineConfig, *EngineDeps)) *Engine {
	t.Helper()
	analyzer, err := trigger.NewAnalyzer(trigger.DefaultConfig())
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	cfg := DefaultEngineConfig()
	cfg.SessionID = "test-session"
	deps := EngineDeps{
		Store:    store,
		Analyzer: analyzer,
		Ranking:  ranking.DefaultConfig(),
		Breaker:  breaker.Config{RecoveryTimeout: time.Minute},
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	e, err := NewEngine("/work/project", cfg, deps)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return e
}

const loginPrompt = "Debug the same login error as yesterday"

func TestInjection_EmptyStoreReturnsEmpty(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)

	analysis := e.Analyze(loginPrompt)
	if !analysis.ShouldRetrieve {
		t.Fatalf("analysis = %+v, want retrieval", analysis)
	}
	if got := e.GenerateContextInjection(context.Background(), loginPrompt); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if store.queries.Load() != 1 {
		t.Errorf("queries = %d, want 1", store.queries.Load())
	}
	if c := e.HealthStatus(context.Background()).Stats.Counters; c.EmptyResults != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestInjection_ReturnsRelevantRecord(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := e.StoreTurnOutcome(ctx, TurnOutcome{
		Prompt:  "login error after session refresh",
		Payload: "nil pointer in session middleware, added guard",
		Files:   []string{"/work/project/internal/auth/login.go"},
		Outcome: "success",
	}); err != nil {
		t.Fatalf("StoreTurnOutcome: %v", err)
	}

	got := e.GenerateContextInjection(ctx, loginPrompt)
	if !strings.Contains(got, "login error after session refresh") {
		t.Fatalf("injection missing record:\n%s", got)
	}
	if !strings.Contains(got, "files: internal/auth/login.go") {
		t.Errorf("absolute file not made project-relative:\n%s", got)
	}
	if !strings.Contains(got, "[success]") {
		t.Errorf("missing outcome marker:\n%s", got)
	}
}

func TestInjection_BelowThresholdSkipsStore(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)

	if got := e.GenerateContextInjection(context.Background(), "rename this variable"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if store.queries.Load() != 0 {
		t.Errorf("store queried %d times for a skipped prompt", store.queries.Load())
	}
}

func TestInjection_Disabled(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store, func(c *EngineConfig, _ *EngineDeps) { c.Enabled = false })
	if got := e.GenerateContextInjection(context.Background(), loginPrompt); got != "" {
		t.Errorf("disabled engine returned %q", got)
	}
	if store.queries.Load() != 0 {
		t.Error("disabled engine queried the store")
	}
}

func TestInjection_DeadlineRespected(t *testing.T) {
	store := newFakeStore(t)
	budget := 100 * time.Millisecond
	e := newTestEngine(t, store, func(c *EngineConfig, _ *EngineDeps) { c.ReadBudget = budget })
	store.set(2*time.Second, nil)

	start := time.Now()
	got := e.GenerateContextInjection(context.Background(), loginPrompt)
	elapsed := time.Since(start)

	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if elapsed > budget+100*time.Millisecond {
		t.Errorf("returned after %v, budget %v", elapsed, budget)
	}
	if c := e.HealthStatus(context.Background()).Stats.Counters; c.BudgetExceeded != 1 {
		t.Errorf("budget_exceeded = %d, want 1", c.BudgetExceeded)
	}
}

func TestInjection_BreakerTripsAfterThreshold(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	store.set(0, &storage.UnavailableError{Op: "query", Err: errors.New("disk I/O error")})
	ctx := context.Background()

	// Distinct prompts so the cache never short-circuits.
	prompts := []string{
		"same login error as yesterday",
		"same cache error as yesterday",
		"same deploy error as yesterday",
		"same parser error as yesterday",
		"same build error as yesterday",
		"same router error as before",
	}
	for _, p := range prompts {
		if got := e.GenerateContextInjection(ctx, p); got != "" {
			t.Fatalf("got %q, want empty", got)
		}
	}

	if n := store.queries.Load(); n != breaker.DefaultFailureThreshold {
		t.Errorf("store queries = %d, want %d", n, breaker.DefaultFailureThreshold)
	}
	h := e.HealthStatus(ctx)
	if h.BreakerState != string(breaker.StateOpen) {
		t.Errorf("breaker state = %q, want open", h.BreakerState)
	}
	if h.Stats.Counters.StoreErrors != 5 || h.Stats.Counters.CircuitRejections != 1 {
		t.Errorf("counters = %+v", h.Stats.Counters)
	}
	// Health bypasses the breaker.
	if !h.StoreReachable {
		t.Error("health check should reach the store while the circuit is open")
	}
}

func TestInjection_CacheAvoidsRepeatQueriesUntilWrite(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	ctx := context.Background()

	e.GenerateContextInjection(ctx, loginPrompt)
	e.GenerateContextInjection(ctx, loginPrompt)
	if n := store.queries.Load(); n != 1 {
		t.Fatalf("queries = %d, want 1 (second call cached)", n)
	}

	if _, err := e.StoreTurnOutcome(ctx, TurnOutcome{Prompt: "login error again", Payload: "x"}); err != nil {
		t.Fatalf("StoreTurnOutcome: %v", err)
	}
	got := e.GenerateContextInjection(ctx, loginPrompt)
	if n := store.queries.Load(); n != 2 {
		t.Errorf("queries = %d, want 2 after a write purged the cache", n)
	}
	if !strings.Contains(got, "login error again") {
		t.Errorf("new record not visible:\n%s", got)
	}
}

func TestStoreTurnOutcome_Idempotent(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	ctx := context.Background()

	base := TurnOutcome{Prompt: "p", Payload: "x", Files: []string{"a.go"}}
	first := base
	first.Metadata = map[string]string{"model": "a"}
	second := base
	second.Metadata = map[string]string{"model": "b"}

	id1, err := e.StoreTurnOutcome(ctx, first)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	id2, err := e.StoreTurnOutcome(ctx, second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids %d != %d", id1, id2)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	rec, err := store.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.SessionID != "test-session" || rec.Metadata["turn"] != "1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestStoreTurnOutcome_InvalidDoesNotTrip(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := e.StoreTurnOutcome(ctx, TurnOutcome{Prompt: " "})
		if !errors.Is(err, storage.ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	}
	if s := e.HealthStatus(ctx).BreakerState; s != string(breaker.StateClosed) {
		t.Errorf("breaker = %s, want closed", s)
	}
}

func TestStoreTurnOutcome_StoreFailureReturned(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	store.set(0, &storage.UnavailableError{Op: "put", Err: errors.New("readonly")})

	_, err := e.StoreTurnOutcome(context.Background(), TurnOutcome{Prompt: "p"})
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if c := e.HealthStatus(context.Background()).Stats.Counters; c.WriteFailures != 1 {
		t.Errorf("write_failures = %d, want 1", c.WriteFailures)
	}
}

func TestSubmitTurnOutcome_Async(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)

	for _, p := range []string{"one", "two", "three"} {
		if !e.SubmitTurnOutcome(TurnOutcome{Prompt: p}) {
			t.Fatalf("submit %q dropped", p)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Count(context.Background()); n == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async writes did not land")
}

func TestSubmitTurnOutcome_FailureIsSwallowed(t *testing.T) {
	store := newFakeStore(t)
	e := newTestEngine(t, store)
	store.set(0, errors.New("locked"))

	if !e.SubmitTurnOutcome(TurnOutcome{Prompt: "p"}) {
		t.Fatal("submit should accept the record")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.HealthStatus(context.Background()).Stats.Writer.Failed == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async failure not recorded")
}

func TestSweep_PurgesOldRecords(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, err := storage.Open(":memory:", storage.WithClock(clock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := &fakeStore{Store: s}
	e := newTestEngine(t, store, func(c *EngineConfig, _ *EngineDeps) { c.Retention = 24 * time.Hour })
	ctx := context.Background()

	if _, err := e.StoreTurnOutcome(ctx, TurnOutcome{Prompt: "old"}); err != nil {
		t.Fatalf("StoreTurnOutcome: %v", err)
	}
	mu.Lock()
	now = now.Add(48 * time.Hour)
	mu.Unlock()
	if _, err := e.StoreTurnOutcome(ctx, TurnOutcome{Prompt: "new"}); err != nil {
		t.Fatalf("StoreTurnOutcome: %v", err)
	}

	n, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}

func TestRelativeFiles(t *testing.T) {
	e := &Engine{projectDir: "/work/project"}
	got := e.relativeFiles([]string{"/work/project/a/b.go", "/elsewhere/c.go", "rel/d.go", "/work/projectx/e.go"})
	want := []string{"a/b.go", "/elsewhere/c.go", "rel/d.go", "/work/projectx/e.go"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("relativeFiles[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
