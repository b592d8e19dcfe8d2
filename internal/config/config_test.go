package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cocrea.toml")
	data := `
ollama_url = "http://gpu-box:11434"
max_pairs = 4
request_timeout = "30s"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.OllamaURL != "http://gpu-box:11434" {
		t.Errorf("OllamaURL = %q", cfg.OllamaURL)
	}
	if cfg.MaxPairs != 4 {
		t.Errorf("MaxPairs = %d, want 4", cfg.MaxPairs)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.FetchLimit != 4000 {
		t.Errorf("FetchLimit = %d, want 4000", cfg.FetchLimit)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := Default()
	if err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"), &cfg); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg != Default() {
		t.Error("missing file changed the config")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("max_pairs = ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := Default()
	if err := LoadFile(path, &cfg); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}

	cfg := Default()
	cfg.FetchLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero fetch limit")
	}

	cfg = Default()
	cfg.MaxPairs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max pairs")
	}
}

func TestModelKey(t *testing.T) {
	if got := ModelKey(BackendWebLLM); got != "cocrea.ai.webllm" {
		t.Errorf("ModelKey() = %q", got)
	}
}
