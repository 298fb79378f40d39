package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ctxrevival/internal/breaker"
	"github.com/kalambet/ctxrevival/internal/cache"
	"github.com/kalambet/ctxrevival/internal/composer"
	"github.com/kalambet/ctxrevival/internal/ingest"
	"github.com/kalambet/ctxrevival/internal/ranking"
	"github.com/kalambet/ctxrevival/internal/storage"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

// errBudgetExceeded stops the read path when too little of the budget is left.
var errBudgetExceeded = errors.New("read budget exceeded")

// Store is the subset of the record store the engine uses.
type Store interface {
	Put(ctx context.Context, r storage.Record) (int64, bool, error)
	Query(ctx context.Context, q storage.Query) ([]storage.Record, error)
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (storage.Stats, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

// TurnOutcome is what the caller reports after a completed turn.
type TurnOutcome struct {
	Prompt   string            `json:"prompt"`
	Payload  string            `json:"payload"`
	Files    []string          `json:"files,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// SessionID overrides the engine's session for this record.
	SessionID string `json:"session_id,omitempty"`
}

// Counters are the engine's health counters.
type Counters struct {
	Injections        uint64 `json:"injections"`
	Skipped           uint64 `json:"skipped"`
	EmptyResults      uint64 `json:"empty_results"`
	StoreErrors       uint64 `json:"store_errors"`
	CircuitRejections uint64 `json:"circuit_rejections"`
	BudgetExceeded    uint64 `json:"budget_exceeded"`
	WriteFailures     uint64 `json:"write_failures"`
	WritesDropped     uint64 `json:"writes_dropped"`
}

type counters struct {
	injections, skipped, emptyResults              atomic.Uint64
	storeErrors, circuitRejections, budgetExceeded atomic.Uint64
	writeFailures, writesDropped                   atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		Injections:        c.injections.Load(),
		Skipped:           c.skipped.Load(),
		EmptyResults:      c.emptyResults.Load(),
		StoreErrors:       c.storeErrors.Load(),
		CircuitRejections: c.circuitRejections.Load(),
		BudgetExceeded:    c.budgetExceeded.Load(),
		WriteFailures:     c.writeFailures.Load(),
		WritesDropped:     c.writesDropped.Load(),
	}
}

// Stats is the diagnostic payload of Health.
type Stats struct {
	Records  int64              `json:"records"`
	Store    storage.Stats      `json:"store"`
	Counters Counters           `json:"counters"`
	Cache    cache.Stats        `json:"cache"`
	Breaker  breaker.Snapshot   `json:"breaker"`
	Writer   ingest.WriterStats `json:"writer"`
}

// Health is the diagnostic view of one project engine.
type Health struct {
	Enabled        bool   `json:"enabled"`
	ProjectDir     string `json:"project_dir"`
	SessionID      string `json:"session_id"`
	BreakerState   string `json:"breaker_state"`
	StoreReachable bool   `json:"store_reachable"`
	Stats          Stats  `json:"stats"`
	Error          string `json:"error,omitempty"`
}

// EngineConfig holds the per-engine tunables.
type EngineConfig struct {
	Enabled        bool
	SessionID      string
	SessionScoped  bool
	ReadBudget     time.Duration
	MinStageBudget time.Duration
	TokenBudget    int
	HealthTimeout  time.Duration
	Retention      time.Duration
	QueueSize      int
	WriteTimeout   time.Duration
}

// DefaultEngineConfig returns the stock engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:        true,
		ReadBudget:     500 * time.Millisecond,
		MinStageBudget: 20 * time.Millisecond,
		TokenBudget:    800,
		HealthTimeout:  time.Second,
		Retention:      30 * 24 * time.Hour,
		QueueSize:      ingest.DefaultQueueSize,
		WriteTimeout:   ingest.DefaultWriteTimeout,
	}
}

// Engine serves one project: one store, one cache, one breaker.
type Engine struct {
	cfg        EngineConfig
	projectDir string
	sessionID  string

	store    Store
	cache    *cache.Cache
	breaker  *breaker.Breaker
	analyzer *trigger.Analyzer
	ranker   *ranking.Ranker
	composer *composer.Composer
	writer   *ingest.Writer

	now    func() time.Time
	logger *slog.Logger

	started atomic.Bool
	turn    atomic.Uint64
	stats   counters
}

// EngineDeps are the collaborators of an Engine.
type EngineDeps struct {
	Store    Store
	Analyzer *trigger.Analyzer
	Ranking  ranking.Config
	Cache    cache.Config
	Breaker  breaker.Config
	Clock    cache.Clock
	Logger   *slog.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewEngine wires an engine for projectDir. Call Start to begin async writes.
func NewEngine(projectDir string, cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Store == nil || deps.Analyzer == nil {
		return nil, fmt.Errorf("engine requires a store and an analyzer")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = DefaultEngineConfig().ReadBudget
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultEngineConfig().HealthTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultEngineConfig().Retention
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultEngineConfig().WriteTimeout
	}

	c, err := cache.New(deps.Cache, deps.Clock)
	if err != nil {
		return nil, err
	}
	bcfg := deps.Breaker
	bcfg.Ignore = append(bcfg.Ignore, storage.ErrInvalidRecord)
	logger := deps.Logger.With("component", "engine", "project_dir", projectDir)

	e := &Engine{
		cfg:        cfg,
		projectDir: projectDir,
		sessionID:  cfg.SessionID,
		store:      deps.Store,
		cache:      c,
		breaker:    breaker.New(bcfg, logger),
		analyzer:   deps.Analyzer,
		composer:   composer.New(cfg.TokenBudget),
		now:        deps.Clock.Now,
		logger:     logger,
	}
	if e.sessionID == "" {
		e.sessionID = uuid.NewString()
	}
	e.ranker = ranking.New(deps.Ranking, cache.NewQuerier(c, guardedSearcher{e}), e.now)
	e.writer = ingest.NewWriter(ingest.PutFunc(e.putRecord), cfg.QueueSize, cfg.WriteTimeout)
	return e, nil
}

// Start runs the async writer until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	if e.started.CompareAndSwap(false, true) {
		go e.writer.Run(ctx)
	}
}

// Close drains the async writer and closes the store.
func (e *Engine) Close() error {
	wait := e.cfg.WriteTimeout
	if !e.started.Load() {
		wait = 0
	}
	e.writer.Close(wait)
	return e.store.Close()
}

// SessionID returns the session stamped on records written by this engine.
func (e *Engine) SessionID() string { return e.sessionID }

// Analyze exposes the trigger decision for a prompt.
func (e *Engine) Analyze(prompt string) trigger.Analysis {
	return e.analyzer.Analyze(prompt)
}

// GenerateContextInjection runs the read path for prompt. It never fails:
// any error, a skipped trigger or an exhausted budget yields "".
func (e *Engine) GenerateContextInjection(ctx context.Context, prompt string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.storeErrors.Add(1)
			e.logger.Error("read path panicked", "panic", r)
			out = ""
		}
	}()

	if !e.cfg.Enabled {
		return ""
	}
	deadline := e.now().Add(e.cfg.ReadBudget)

	analysis := e.analyzer.Analyze(prompt)
	if !analysis.ShouldRetrieve {
		e.stats.skipped.Add(1)
		e.logger.Debug("retrieval skipped", "confidence", analysis.Confidence, "reasons", analysis.Reasons)
		return ""
	}

	if err := e.checkBudget(deadline); err != nil {
		e.readFailed(ctx, err)
		return ""
	}

	req := ranking.Request{Text: prompt, Files: e.relativeFiles(analysis.MentionedFiles)}
	if e.cfg.SessionScoped {
		req.SessionID = e.sessionID
	}
	scored, err := e.ranker.Rank(ctx, deadline, req)
	if err != nil {
		e.readFailed(ctx, err)
		return ""
	}
	if len(scored) == 0 {
		e.stats.emptyResults.Add(1)
		return ""
	}

	if err := e.checkBudget(deadline); err != nil {
		e.readFailed(ctx, err)
		return ""
	}
	out = e.composer.Format(scored, e.cfg.TokenBudget)
	if !e.now().Before(deadline) {
		e.readFailed(ctx, errBudgetExceeded)
		return ""
	}
	if out == "" {
		e.stats.emptyResults.Add(1)
		return ""
	}

	e.stats.injections.Add(1)
	e.logger.Debug("context injected",
		"confidence", analysis.Confidence,
		"records", len(scored),
		"tokens", composer.EstimateTokens(out),
	)
	return out
}

func (e *Engine) checkBudget(deadline time.Time) error {
	if deadline.Sub(e.now()) < e.cfg.MinStageBudget {
		return errBudgetExceeded
	}
	return nil
}

func (e *Engine) readFailed(ctx context.Context, err error) {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		e.stats.circuitRejections.Add(1)
	case errors.Is(err, errBudgetExceeded), errors.Is(err, context.DeadlineExceeded):
		e.stats.budgetExceeded.Add(1)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return
	default:
		e.stats.storeErrors.Add(1)
	}
	e.logger.Warn("read path degraded to empty context", "error", err)
}

// guardedSearcher sends every store query through the breaker and bounds it
// by the caller's deadline even if the store ignores its context.
type guardedSearcher struct {
	e *Engine
}

func (g guardedSearcher) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	return breaker.Do(g.e.breaker, func() ([]storage.Record, error) {
		return callWithContext(ctx, func(ctx context.Context) ([]storage.Record, error) {
			return g.e.store.Query(ctx, q)
		})
	})
}

// callWithContext runs fn on its own goroutine and returns as soon as either
// fn finishes or ctx is done.
func callWithContext[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// StoreTurnOutcome writes a turn outcome synchronously and returns its id. A
// duplicate returns the existing id without error.
func (e *Engine) StoreTurnOutcome(ctx context.Context, t TurnOutcome) (int64, error) {
	id, _, err := e.putRecord(ctx, e.buildRecord(t))
	return id, err
}

// SubmitTurnOutcome queues a turn outcome for asynchronous writing. It
// reports false when the record was dropped.
func (e *Engine) SubmitTurnOutcome(t TurnOutcome) bool {
	if err := e.writer.Submit(e.buildRecord(t)); err != nil {
		e.stats.writesDropped.Add(1)
		return false
	}
	return true
}

func (e *Engine) buildRecord(t TurnOutcome) storage.Record {
	md := make(map[string]string, len(t.Metadata)+1)
	for k, v := range t.Metadata {
		md[k] = v
	}
	md["turn"] = strconv.FormatUint(e.turn.Add(1), 10)

	session := t.SessionID
	if session == "" {
		session = e.sessionID
	}
	return storage.Record{
		SessionID: session,
		Prompt:    t.Prompt,
		Payload:   t.Payload,
		Files:     e.relativeFiles(t.Files),
		Outcome:   storage.ParseOutcome(t.Outcome),
		Metadata:  md,
	}
}

func (e *Engine) putRecord(ctx context.Context, r storage.Record) (int64, bool, error) {
	type putResult struct {
		id      int64
		created bool
	}
	res, err := breaker.Do(e.breaker, func() (putResult, error) {
		id, created, err := e.store.Put(ctx, r)
		return putResult{id, created}, err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			e.stats.circuitRejections.Add(1)
		}
		e.stats.writeFailures.Add(1)
		return 0, false, fmt.Errorf("storing turn outcome: %w", err)
	}
	if res.created {
		e.cache.Purge()
	}
	return res.id, res.created, nil
}

// relativeFiles rewrites absolute paths inside the project as project-relative
// so that stored and mentioned paths compare equal.
func (e *Engine) relativeFiles(files []string) []string {
	if e.projectDir == "" || len(files) == 0 {
		return files
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f
		if !filepath.IsAbs(f) {
			continue
		}
		rel, err := filepath.Rel(e.projectDir, f)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			out[i] = rel
		}
	}
	return out
}

// Sweep deletes records past the retention horizon.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	n, err := breaker.Do(e.breaker, func() (int64, error) {
		return e.store.DeleteOlderThan(ctx, e.cfg.Retention)
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", e.projectDir, err)
	}
	if n > 0 {
		e.cache.Purge()
	}
	return n, nil
}

// HealthStatus reports engine health. It talks to the store directly under
// its own timeout, so it neither trips nor waits on the breaker.
func (e *Engine) HealthStatus(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()

	snap := e.breaker.Snapshot()
	h := Health{
		Enabled:      e.cfg.Enabled,
		ProjectDir:   e.projectDir,
		SessionID:    e.sessionID,
		BreakerState: string(snap.State),
		Stats: Stats{
			Counters: e.stats.snapshot(),
			Cache:    e.cache.Stats(),
			Breaker:  snap,
			Writer:   e.writer.Stats(),
		},
	}

	reachable, _ := callWithContext(ctx, func(ctx context.Context) (bool, error) {
		return e.store.HealthCheck(ctx), nil
	})
	h.StoreReachable = reachable
	if !reachable {
		return h
	}

	st, err := callWithContext(ctx, e.store.Stats)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Stats.Store = st
	h.Stats.Records = st.Records
	return h
}
