// Package trigger decides whether a prompt is worth a trip to the record
// store. It is pure computation over validated configuration.
package trigger

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/kalambet/ctxrevival/internal/storage"
)

// Reason tags, in signal evaluation order.
const (
	ReasonTriggerKeyword   = "trigger_keyword"
	ReasonPatternPrefix    = "pattern:"
	ReasonErrorIndicator   = "error_indicator"
	ReasonSuccessIndicator = "success_indicator"
	ReasonFileMention      = "file_mention"
	ReasonLongPrompt       = "long_prompt"
	ReasonBelowThreshold   = "below_threshold"
	ReasonEmptyPrompt      = "empty_prompt"
)

// ErrInvalidConfig is wrapped by every NewAnalyzer validation failure.
var ErrInvalidConfig = errors.New("invalid trigger configuration")

// Analysis is the per-prompt decision.
type Analysis struct {
	ShouldRetrieve bool     `json:"should_retrieve"`
	Confidence     float64  `json:"confidence"`
	Reasons        []string `json:"reasons"`
	MentionedFiles []string `json:"mentioned_files,omitempty"`
}

// Pattern is a named regular expression family.
type Pattern struct {
	Name string
	Expr string
}

// Weights are the per-signal bonuses.
type Weights struct {
	Keyword          float64
	Pattern          float64
	ErrorIndicator   float64
	SuccessIndicator float64
	FileMention      float64
	FileMentionCap   float64
	LongPrompt       float64
}

// Config is the static analyzer configuration.
type Config struct {
	Threshold       float64
	Keywords        []string
	Patterns        []Pattern
	ErrorTerms      []string
	SuccessTerms    []string
	LongPromptWords int
	Weights         Weights
}

// fileExtensions are the extensions recognised as file mentions.
const fileExtensions = `go|mod|sum|py|pyi|js|jsx|mjs|cjs|ts|tsx|rs|java|kt|kts|rb|php|c|cc|cpp|h|hpp|cs|swift|m|scala|` +
	`sh|bash|zsh|ps1|sql|proto|graphql|json|jsonl|yaml|yml|toml|ini|cfg|conf|env|xml|html|htm|css|scss|` +
	`md|rst|txt|csv|lock|dockerfile|tf|hcl|vue|svelte|lua|ex|exs|erl|hs|ml|zig|dart|gradle|make|mk`

var filePathRe = regexp.MustCompile(`(?i)(?:^|[\s"'\x60(\[<])((?:\.{0,2}/)?(?:[\w@.-]+/)*[\w@-][\w@.-]*\.(?:` + fileExtensions + `))\b`)

// DefaultConfig returns the stock analyzer configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 0.3,
		Keywords: []string{
			"similar", "before", "previous", "previously", "again", "last time",
			"yesterday", "earlier", "same", "remember", "recall", "like we did",
			"continue", "history",
		},
		Patterns: []Pattern{
			{Name: "file_mention", Expr: `(?i)\b[\w/.-]*[\w-]\.(?:` + fileExtensions + `)\b`},
			{Name: "error_reference", Expr: `(?i:\berr(?:or)?:|\bexit (?:code|status) \d+|\btraceback\b|\bstack ?trace\b)|\b[A-Z]{1,4}\d{3,5}\b`},
			{Name: "history_reference", Expr: `(?i)\b(?:last|previous|earlier|prior|other) (?:session|conversation|chat|time|attempt|run|fix|change)s?\b`},
			{Name: "code_symbol", Expr: `\b[A-Za-z_][\w.]*\(\)`},
		},
		ErrorTerms: []string{
			"error", "errors", "fail", "failed", "failing", "failure", "bug", "broken",
			"crash", "crashed", "exception", "panic", "issue", "not working",
		},
		SuccessTerms: []string{
			"fixed", "resolved", "solved", "works", "working", "success",
			"succeeded", "worked",
		},
		LongPromptWords: 20,
		Weights: Weights{
			Keyword:          0.15,
			Pattern:          0.20,
			ErrorIndicator:   0.30,
			SuccessIndicator: 0.20,
			FileMention:      0.10,
			FileMentionCap:   0.20,
			LongPrompt:       0.10,
		},
	}
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Analyzer scores prompts. It is safe for concurrent use.
type Analyzer struct {
	cfg       Config
	keywords  []*regexp.Regexp
	patterns  []compiledPattern
	errorRe   *regexp.Regexp
	successRe *regexp.Regexp
}

// NewAnalyzer validates cfg and compiles its expressions.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidConfig, cfg.Threshold)
	}
	if cfg.LongPromptWords < 0 {
		return nil, fmt.Errorf("%w: long prompt words must not be negative", ErrInvalidConfig)
	}
	w := cfg.Weights
	for name, v := range map[string]float64{
		"keyword": w.Keyword, "pattern": w.Pattern, "error_indicator": w.ErrorIndicator,
		"success_indicator": w.SuccessIndicator, "file_mention": w.FileMention,
		"file_mention_cap": w.FileMentionCap, "long_prompt": w.LongPrompt,
	} {
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: weight %s is negative", ErrInvalidConfig, name)
		}
	}

	a := &Analyzer{cfg: cfg}
	distinct := make(map[string]struct{}, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		norm := strings.Join(strings.Fields(strings.ToLower(kw)), " ")
		if _, dup := distinct[norm]; dup {
			continue
		}
		distinct[norm] = struct{}{}
		re, err := wordRegexp([]string{kw})
		if err != nil {
			return nil, fmt.Errorf("%w: keyword %q: %v", ErrInvalidConfig, kw, err)
		}
		if re != nil {
			a.keywords = append(a.keywords, re)
		}
	}
	if len(a.keywords) == 0 {
		return nil, fmt.Errorf("%w: at least one trigger keyword is required", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: pattern family without a name", ErrInvalidConfig)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate pattern family %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = struct{}{}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidConfig, p.Name, err)
		}
		a.patterns = append(a.patterns, compiledPattern{name: p.Name, re: re})
	}

	var err error
	if a.errorRe, err = wordRegexp(cfg.ErrorTerms); err != nil {
		return nil, fmt.Errorf("%w: error terms: %v", ErrInvalidConfig, err)
	}
	if a.successRe, err = wordRegexp(cfg.SuccessTerms); err != nil {
		return nil, fmt.Errorf("%w: success terms: %v", ErrInvalidConfig, err)
	}
	return a, nil
}

// wordRegexp builds a case-insensitive whole-word alternation. Spaces inside
// a term match any run of whitespace. It returns nil for an empty list.
func wordRegexp(terms []string) (*regexp.Regexp, error) {
	alts := make([]string, 0, len(terms))
	for _, t := range terms {
		fields := strings.Fields(t)
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			fields[i] = regexp.QuoteMeta(f)
		}
		alts = append(alts, strings.Join(fields, `\s+`))
	}
	if len(alts) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// Analyze scores prompt against every signal.
func (a *Analyzer) Analyze(prompt string) Analysis {
	if strings.TrimSpace(prompt) == "" {
		return Analysis{Reasons: []string{ReasonEmptyPrompt}}
	}

	w := a.cfg.Weights
	var (
		score   float64
		reasons []string
	)

	matched := 0
	for _, re := range a.keywords {
		if re.MatchString(prompt) {
			matched++
		}
	}
	if matched > 0 {
		score += float64(matched) * w.Keyword
		reasons = append(reasons, ReasonTriggerKeyword)
	}

	for _, p := range a.patterns {
		if p.re.MatchString(prompt) {
			score += w.Pattern
			reasons = append(reasons, ReasonPatternPrefix+p.name)
		}
	}

	if a.errorRe != nil && a.errorRe.MatchString(prompt) {
		score += w.ErrorIndicator
		reasons = append(reasons, ReasonErrorIndicator)
	}
	if a.successRe != nil && a.successRe.MatchString(prompt) {
		score += w.SuccessIndicator
		reasons = append(reasons, ReasonSuccessIndicator)
	}

	files := MentionedFiles(prompt)
	if len(files) > 0 {
		score += math.Min(float64(len(files))*w.FileMention, w.FileMentionCap)
		reasons = append(reasons, ReasonFileMention)
	}

	if a.cfg.LongPromptWords > 0 && len(strings.Fields(prompt)) > a.cfg.LongPromptWords {
		score += w.LongPrompt
		reasons = append(reasons, ReasonLongPrompt)
	}

	confidence := math.Round(math.Max(0, math.Min(1, score))*1e4) / 1e4
	should := confidence >= a.cfg.Threshold
	if !should {
		reasons = append(reasons, ReasonBelowThreshold)
	}
	return Analysis{
		ShouldRetrieve: should,
		Confidence:     confidence,
		Reasons:        reasons,
		MentionedFiles: files,
	}
}

// Threshold returns the configured retrieval threshold.
func (a *Analyzer) Threshold() float64 { return a.cfg.Threshold }

// MentionedFiles extracts distinct file paths from text in order of
// appearance.
func MentionedFiles(text string) []string {
	matches := filePathRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	raw := make([]string, 0, len(matches))
	for _, m := range matches {
		raw = append(raw, m[1])
	}
	return storage.NormalizeFiles(raw)
}
