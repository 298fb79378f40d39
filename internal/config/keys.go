package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	}
	return "string"
}

const envPrefix = "CTXREVIVAL_"

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "log.level", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "server.host", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Storage.DataDir },
	},
	{
		key: "storage.compress_threshold", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Storage.CompressThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Storage.CompressThreshold },
	},
	{
		key: "storage.indexed_payload_bytes", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Storage.IndexedPayloadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Storage.IndexedPayloadBytes },
	},
	{
		key: "storage.max_open_conns", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Storage.MaxOpenConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Storage.MaxOpenConns },
	},
	{
		key: "storage.metadata_keys", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Storage.MetadataKeys = v.([]string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Storage.MetadataKeys },
	},
	{
		key: "engine.enabled", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.Enabled },
	},
	{
		key: "engine.session_id", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.SessionID = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.SessionID },
	},
	{
		key: "engine.session_scoped", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.SessionScoped = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.SessionScoped },
	},
	{
		key: "engine.read_budget", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.ReadBudget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.ReadBudget },
	},
	{
		key: "engine.min_stage_budget", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.MinStageBudget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.MinStageBudget },
	},
	{
		key: "engine.token_budget", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.TokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.TokenBudget },
	},
	{
		key: "engine.health_timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.HealthTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.HealthTimeout },
	},
	{
		key: "engine.queue_size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.QueueSize },
	},
	{
		key: "engine.write_timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.WriteTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.WriteTimeout },
	},
	{
		key: "retention.horizon", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Engine.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Engine.Retention },
	},
	{
		key: "sweep.interval", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Sweep.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sweep.Interval },
	},
	{
		key: "trigger.threshold", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Threshold },
	},
	{
		key: "trigger.keywords", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Keywords = v.([]string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Keywords },
	},
	{
		key: "trigger.error_terms", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.ErrorTerms = v.([]string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.ErrorTerms },
	},
	{
		key: "trigger.success_terms", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.SuccessTerms = v.([]string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.SuccessTerms },
	},
	{
		key: "trigger.long_prompt_words", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.LongPromptWords = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.LongPromptWords },
	},
	{
		key: "trigger.weight.keyword", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.Keyword = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.Keyword },
	},
	{
		key: "trigger.weight.pattern", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.Pattern = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.Pattern },
	},
	{
		key: "trigger.weight.error_indicator", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.ErrorIndicator = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.ErrorIndicator },
	},
	{
		key: "trigger.weight.success_indicator", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.SuccessIndicator = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.SuccessIndicator },
	},
	{
		key: "trigger.weight.file_mention", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.FileMention = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.FileMention },
	},
	{
		key: "trigger.weight.file_mention_cap", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.FileMentionCap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.FileMentionCap },
	},
	{
		key: "trigger.weight.long_prompt", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Trigger.Weights.LongPrompt = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Trigger.Weights.LongPrompt },
	},
	{
		key: "ranking.weight.recency", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.Weights.Recency = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.Weights.Recency },
	},
	{
		key: "ranking.weight.lexical", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.Weights.Lexical = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.Weights.Lexical },
	},
	{
		key: "ranking.weight.outcome", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.Weights.Outcome = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.Weights.Outcome },
	},
	{
		key: "ranking.weight.files", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.Weights.Files = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.Weights.Files },
	},
	{
		key: "ranking.half_life", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.HalfLife = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.HalfLife },
	},
	{
		key: "ranking.min_score", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.MinScore },
	},
	{
		key: "ranking.candidate_limit", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.CandidateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.CandidateLimit },
	},
	{
		key: "ranking.max_results", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Ranking.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Ranking.MaxResults },
	},
	{
		key: "cache.size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Cache.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Cache.Size },
	},
	{
		key: "cache.ttl", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Cache.TTL },
	},
	{
		key: "breaker.failure_threshold", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Breaker.FailureThreshold = toUint32(v.(int)) },
		extract: func(cfg Config) any { return int(cfg.Pipeline.Breaker.FailureThreshold) },
	},
	{
		key: "breaker.recovery_timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Breaker.RecoveryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Breaker.RecoveryTimeout },
	},
	{
		key: "breaker.half_open_trials", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Breaker.HalfOpenTrials = toUint32(v.(int)) },
		extract: func(cfg Config) any { return int(cfg.Pipeline.Breaker.HalfOpenTrials) },
	},
}

func init() {
	for i := range specs {
		if specs[i].env == "" {
			specs[i].env = envName(specs[i].key)
		}
	}
}

// envName maps "ranking.weight.recency" to CTXREVIVAL_RANKING_WEIGHT_RECENCY.
func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func parseValue(typ keyType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, err
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		return d, nil
	case kList:
		return splitList(raw), nil
	}
	return raw, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// toUint32 maps negative values to 0 so Validate rejects them.
func toUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	return uint32(i)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ",")
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
