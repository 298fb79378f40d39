// Package ranking scores store candidates against the current prompt.
package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/ctxrevival/internal/lexical"
	"github.com/kalambet/ctxrevival/internal/storage"
)

const (
	DefaultHalfLife       = 72 * time.Hour
	DefaultMinScore       = 0.05
	DefaultCandidateLimit = 20
	DefaultMaxResults     = 5
)

// Weights of the relevance components. They sum to 1.0 by convention.
type Weights struct {
	Recency float64 `json:"recency"`
	Lexical float64 `json:"lexical"`
	Outcome float64 `json:"outcome"`
	Files   float64 `json:"files"`
}

// DefaultWeights returns the stock weights.
func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Lexical: 0.4, Outcome: 0.2, Files: 0.1}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Recency + w.Lexical + w.Outcome + w.Files
}

// Config tunes a Ranker.
type Config struct {
	Weights        Weights
	HalfLife       time.Duration
	MinScore       float64
	CandidateLimit int
	MaxResults     int
}

// DefaultConfig returns the stock ranker configuration.
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		HalfLife:       DefaultHalfLife,
		MinScore:       DefaultMinScore,
		CandidateLimit: DefaultCandidateLimit,
		MaxResults:     DefaultMaxResults,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{"recency": w.Recency, "lexical": w.Lexical, "outcome": w.Outcome, "files": w.Files} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("ranking weight %s must not be negative", name)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("ranking weights must not all be zero")
	}
	if c.HalfLife <= 0 {
		return fmt.Errorf("ranking half life must be positive")
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("ranking min score %v outside [0,1]", c.MinScore)
	}
	if c.CandidateLimit <= 0 || c.MaxResults <= 0 {
		return fmt.Errorf("ranking limits must be positive")
	}
	return nil
}

// Components are the unweighted relevance signals, each in [0,1].
type Components struct {
	Recency float64 `json:"recency"`
	Lexical float64 `json:"lexical"`
	Outcome float64 `json:"outcome"`
	Files   float64 `json:"files"`
}

// Scored is a record with its computed relevance. The score is never stored.
type Scored struct {
	Record     storage.Record `json:"record"`
	Score      float64        `json:"score"`
	Components Components     `json:"components"`
}

// Request is what the read path asks the ranker for.
type Request struct {
	Text      string
	Files     []string
	SessionID string
}

// Searcher is the candidate source, normally the cached and breaker-guarded store.
type Searcher interface {
	Query(ctx context.Context, q storage.Query) ([]storage.Record, error)
}

// Ranker fetches candidates and orders them by relevance.
type Ranker struct {
	cfg    Config
	search Searcher
	now    func() time.Time
}

// New creates a Ranker. A nil now uses wall time.
func New(cfg Config, search Searcher, now func() time.Time) *Ranker {
	if now == nil {
		now = time.Now
	}
	return &Ranker{cfg: cfg, search: search, now: now}
}

// Rank queries candidates and returns at most MaxResults of them, best
// first. The deadline bounds the candidate query; a zero deadline means none.
func (r *Ranker) Rank(ctx context.Context, deadline time.Time, req Request) ([]Scored, error) {
	if !deadline.IsZero() {
		if !r.now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	candidates, err := r.search.Query(ctx, storage.Query{
		Text:      req.Text,
		Files:     req.Files,
		SessionID: req.SessionID,
		Limit:     r.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if !deadline.IsZero() && !r.now().Before(deadline) {
		return nil, context.DeadlineExceeded
	}
	return r.Score(candidates, req), nil
}

// Score computes relevance for every candidate, drops those below MinScore,
// sorts by score descending (newest first on ties) and caps the result.
func (r *Ranker) Score(candidates []storage.Record, req Request) []Scored {
	now := r.now()
	terms := lexical.Terms(req.Text)
	mentioned := storage.NormalizeFiles(req.Files)
	w := r.cfg.Weights

	out := make([]Scored, 0, len(candidates))
	for _, rec := range candidates {
		c := Components{
			Recency: Recency(now.Sub(rec.CreatedAt), r.cfg.HalfLife),
			Lexical: LexicalOverlap(terms, rec),
			Files:   FileOverlap(mentioned, rec.Files),
		}
		if rec.Outcome == storage.OutcomeSuccess {
			c.Outcome = 1
		}
		score := w.Recency*c.Recency + w.Lexical*c.Lexical + w.Outcome*c.Outcome + w.Files*c.Files
		if score < r.cfg.MinScore {
			continue
		}
		out = append(out, Scored{Record: rec, Score: score, Components: c})
	}

	SortScored(out)
	if r.cfg.MaxResults > 0 && len(out) > r.cfg.MaxResults {
		out = out[:r.cfg.MaxResults]
	}
	return out
}

// SortScored orders by score descending, then CreatedAt descending, then id
// descending.
func SortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if !s[i].Record.CreatedAt.Equal(s[j].Record.CreatedAt) {
			return s[i].Record.CreatedAt.After(s[j].Record.CreatedAt)
		}
		return s[i].Record.ID > s[j].Record.ID
	})
}

// Recency halves every halfLife. Records from the future count as new.
func Recency(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// LexicalOverlap is the fraction of query terms present in the record's
// prompt or payload.
func LexicalOverlap(terms []string, rec storage.Record) float64 {
	if len(terms) == 0 {
		return 0
	}
	doc := lexical.Set(rec.Prompt + "\n" + rec.Payload)
	hit := 0
	for _, t := range terms {
		if _, ok := doc[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// FileOverlap is the fraction of mentioned files that match any record file.
func FileOverlap(mentioned, files []string) float64 {
	if len(mentioned) == 0 || len(files) == 0 {
		return 0
	}
	hit := 0
	for _, m := range mentioned {
		for _, f := range files {
			if SamePath(m, f) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(mentioned))
}

// SamePath reports whether a and b name the same file, allowing either to be
// a trailing path fragment of the other ("login.go" matches "auth/login.go").
func SamePath(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasSuffix(b, "/"+a)
}
