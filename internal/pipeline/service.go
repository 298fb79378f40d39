// Package pipeline wires the trigger analyzer, ranker, cache, breaker and
// record store into the two entry points the hook runner calls: the read
// path that produces a context block and the write path that records a
// completed turn.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/ctxrevival/internal/breaker"
	"github.com/kalambet/ctxrevival/internal/cache"
	"github.com/kalambet/ctxrevival/internal/ranking"
	"github.com/kalambet/ctxrevival/internal/storage"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

// StorageConfig holds record store options.
type StorageConfig struct {
	DataDir             string
	CompressThreshold   int
	IndexedPayloadBytes int
	MaxOpenConns        int
	MetadataKeys        []string
}

// Config is everything a Service needs.
type Config struct {
	Engine  EngineConfig
	Storage StorageConfig
	Trigger trigger.Config
	Ranking ranking.Config
	Cache   cache.Config
	Breaker breaker.Config
}

// DefaultConfig returns the stock configuration with data in dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Engine: DefaultEngineConfig(),
		Storage: StorageConfig{
			DataDir:             dataDir,
			CompressThreshold:   storage.DefaultCompressThreshold,
			IndexedPayloadBytes: storage.DefaultIndexedPayloadBytes,
			MaxOpenConns:        storage.DefaultMaxOpenConns,
			MetadataKeys:        storage.DefaultMetadataKeys,
		},
		Trigger: trigger.DefaultConfig(),
		Ranking: ranking.DefaultConfig(),
		Cache:   cache.Config{Size: cache.DefaultSize, TTL: cache.DefaultTTL},
		Breaker: breaker.Config{
			FailureThreshold: breaker.DefaultFailureThreshold,
			RecoveryTimeout:  breaker.DefaultRecoveryTimeout,
			HalfOpenTrials:   breaker.DefaultHalfOpenTrials,
		},
	}
}

// Service owns one Engine per project directory.
type Service struct {
	cfg      Config
	analyzer *trigger.Analyzer
	logger   *slog.Logger

	// openStore is replaced in tests.
	openStore func(dir string) (Store, error)

	ctx    context.Context
	cancel context.CancelFunc

	group   singleflight.Group
	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

// NewService validates cfg and returns a Service. Invalid trigger or ranking
// configuration is fatal here and never surfaces per request.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	analyzer, err := trigger.NewAnalyzer(cfg.Trigger)
	if err != nil {
		return nil, err
	}
	if err := cfg.Ranking.Validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		return nil, fmt.Errorf("storage data dir is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		engines:  make(map[string]*Engine),
	}
	s.openStore = s.defaultOpenStore
	return s, nil
}

// ProjectKey returns the directory name that holds a project's store.
func ProjectKey(absDir string) string {
	sum := sha256.Sum256([]byte(absDir))
	return hex.EncodeToString(sum[:])[:16]
}

// StoreDir returns where the store of projectDir lives under dataDir.
func StoreDir(dataDir, absProjectDir string) string {
	if dataDir == ":memory:" {
		return dataDir
	}
	return filepath.Join(dataDir, "projects", ProjectKey(absProjectDir))
}

func (s *Service) defaultOpenStore(dir string) (Store, error) {
	sc := s.cfg.Storage
	return storage.Open(dir,
		storage.WithCompressThreshold(sc.CompressThreshold),
		storage.WithIndexedPayloadBytes(sc.IndexedPayloadBytes),
		storage.WithMaxOpenConns(sc.MaxOpenConns),
		storage.WithMetadataKeys(sc.MetadataKeys),
		storage.WithLogger(s.logger.With("component", "storage")),
	)
}

// Engine returns the engine for projectDir, opening its store on first use.
// Concurrent first calls share one open.
func (s *Service) Engine(projectDir string) (*Engine, error) {
	if projectDir == "" {
		projectDir = "."
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("service closed")
	}
	if e, ok := s.engines[abs]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(abs, func() (interface{}, error) {
		s.mu.Lock()
		if e, ok := s.engines[abs]; ok {
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		e, err := s.openEngine(abs)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			e.Close()
			return nil, errors.New("service closed")
		}
		s.engines[abs] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func (s *Service) openEngine(abs string) (*Engine, error) {
	dir := StoreDir(s.cfg.Storage.DataDir, abs)
	store, err := s.openStore(dir)
	if err != nil {
		return nil, fmt.Errorf("opening store for %s: %w", abs, &storage.UnavailableError{Op: "open", Err: err})
	}
	e, err := NewEngine(abs, s.cfg.Engine, EngineDeps{
		Store:    store,
		Analyzer: s.analyzer,
		Ranking:  s.cfg.Ranking,
		Cache:    s.cfg.Cache,
		Breaker:  s.cfg.Breaker,
		Logger:   s.logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	e.Start(s.ctx)
	s.logger.Info("project engine opened", "project_dir", abs, "store", dir, "session_id", e.SessionID())
	return e, nil
}

// Analyze returns the trigger decision for prompt without touching any store.
func (s *Service) Analyze(prompt string) trigger.Analysis {
	return s.analyzer.Analyze(prompt)
}

// GenerateContextInjection returns a context block for prompt, or "" when
// retrieval is skipped or anything goes wrong.
func (s *Service) GenerateContextInjection(ctx context.Context, prompt, projectDir string) string {
	if !s.cfg.Engine.Enabled {
		return ""
	}
	e, err := s.Engine(projectDir)
	if err != nil {
		s.logger.Warn("context injection unavailable", "project_dir", projectDir, "error", err)
		return ""
	}
	return e.GenerateContextInjection(ctx, prompt)
}

// StoreTurnOutcome writes t to projectDir's store and returns the record id.
func (s *Service) StoreTurnOutcome(ctx context.Context, projectDir string, t TurnOutcome) (int64, error) {
	e, err := s.Engine(projectDir)
	if err != nil {
		return 0, err
	}
	return e.StoreTurnOutcome(ctx, t)
}

// SubmitTurnOutcome queues t for an asynchronous write. Failures are logged,
// never returned; false means the record was dropped.
func (s *Service) SubmitTurnOutcome(projectDir string, t TurnOutcome) bool {
	e, err := s.Engine(projectDir)
	if err != nil {
		s.logger.Warn("dropping turn outcome", "project_dir", projectDir, "error", err)
		return false
	}
	return e.SubmitTurnOutcome(t)
}

// HealthStatus reports the health of projectDir's engine.
func (s *Service) HealthStatus(ctx context.Context, projectDir string) Health {
	e, err := s.Engine(projectDir)
	if err != nil {
		return Health{
			Enabled:      s.cfg.Engine.Enabled,
			ProjectDir:   projectDir,
			BreakerState: string(breaker.StateClosed),
			Error:        err.Error(),
		}
	}
	return e.HealthStatus(ctx)
}

// Projects lists the project directories with an open engine.
func (s *Service) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.engines))
	for dir := range s.engines {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out
}

// Sweep runs retention on every open engine and returns the total deleted.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	var (
		total int64
		errs  []error
	)
	for _, e := range engines {
		n, err := e.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Close drains async writes and closes every store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	engines := s.engines
	s.engines = map[string]*Engine{}
	s.mu.Unlock()

	start := time.Now()
	var errs []error
	for dir, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", dir, err))
		}
	}
	s.cancel()
	s.logger.Debug("service closed", "engines", len(engines), "duration", time.Since(start))
	return errors.Join(errs...)
}
