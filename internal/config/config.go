package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/ctxrevival/internal/pipeline"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Sweep    SweepConfig
	Pipeline pipeline.Config
}

type LogConfig struct {
	Level string
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type SweepConfig struct {
	Interval time.Duration
}

func defaults() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Sweep:    SweepConfig{Interval: time.Hour},
		Pipeline: pipeline.DefaultConfig(defaultDataDir()),
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.kalambet.ctxrevival) and
// the API token falls back to macOS Keychain.
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/ctxrevival/config.json and the API token falls back to
// $XDG_DATA_HOME/ctxrevival/secrets.json.
//
// Environment variables (CTXREVIVAL_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		if tok, err := kc.Get(secretService, secretAccount); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and compiles the trigger patterns.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: sweep.interval must be positive", ErrInvalid)
	}
	p := c.Pipeline
	if p.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir is required", ErrInvalid)
	}
	if p.Engine.ReadBudget <= 0 {
		return fmt.Errorf("%w: engine.read_budget must be positive", ErrInvalid)
	}
	if p.Engine.MinStageBudget < 0 || p.Engine.MinStageBudget >= p.Engine.ReadBudget {
		return fmt.Errorf("%w: engine.min_stage_budget must be below engine.read_budget", ErrInvalid)
	}
	if p.Engine.TokenBudget <= 0 {
		return fmt.Errorf("%w: engine.token_budget must be positive", ErrInvalid)
	}
	if p.Engine.Retention <= 0 {
		return fmt.Errorf("%w: retention.horizon must be positive", ErrInvalid)
	}
	if p.Cache.Size <= 0 || p.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache.size and cache.ttl must be positive", ErrInvalid)
	}
	if p.Breaker.FailureThreshold <= 0 || p.Breaker.HalfOpenTrials <= 0 || p.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: breaker settings must be positive", ErrInvalid)
	}
	if err := p.Ranking.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := trigger.NewAnalyzer(p.Trigger); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}

// keychainReader reads the API token from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
