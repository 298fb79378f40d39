//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ctxrevival", "config.json")

	b := newFileBackend(p)
	if err := setKeyWith(b, "server.port", "4300"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := setKeyWith(b, "engine.session_scoped", "true"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	cfg, err := loadWith(newFileBackend(p), mockKeychain{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 4300 {
		t.Errorf("Server.Port = %d, want 4300", cfg.Server.Port)
	}
	if !cfg.Pipeline.Engine.SessionScoped {
		t.Error("SessionScoped not persisted")
	}

	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileBackendJSONArrayList(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"trigger.keywords": ["again", "previously"], "cache.size": 50}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(p), mockKeychain{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Pipeline.Trigger.Keywords) != 2 || cfg.Pipeline.Trigger.Keywords[1] != "previously" {
		t.Errorf("Keywords = %v", cfg.Pipeline.Trigger.Keywords)
	}
	if cfg.Pipeline.Cache.Size != 50 {
		t.Errorf("Cache.Size = %d, want 50", cfg.Pipeline.Cache.Size)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := SetToken("  s3cret \n"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	got, err := keychainReader{}.Get(secretService, secretAccount)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("token = %q, want s3cret", got)
	}
	if err := SetToken(" "); err == nil {
		t.Error("expected error for empty token")
	}
}
