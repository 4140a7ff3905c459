package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDurationReadsSeconds(t *testing.T) {
	t.Setenv("HFC_TEST_SECONDS", "42")
	if got := GetDuration("HFC_TEST_SECONDS", time.Second); got != 42*time.Second {
		t.Fatalf("expected 42s, got %v", got)
	}
	t.Setenv("HFC_TEST_SECONDS", "nope")
	if got := GetDuration("HFC_TEST_SECONDS", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback on invalid value, got %v", got)
	}
	if got := GetDuration("HFC_TEST_UNSET_SECONDS", 7*time.Second); got != 7*time.Second {
		t.Fatalf("expected fallback when unset, got %v", got)
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg := LoadAgentConfig()
	if cfg.HeartbeatInterval != 60*time.Second || cfg.ClaimInterval != 5*time.Second {
		t.Fatalf("unexpected intervals %v / %v", cfg.HeartbeatInterval, cfg.ClaimInterval)
	}
	if cfg.LogTailBytes != 10000 || cfg.ExecTimeout != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestResolveTokenPrefersEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".token")
	if err := os.WriteFile(path, []byte("hfc_file\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	cfg := AgentConfig{TokenFile: path}
	token, err := cfg.ResolveToken()
	if err != nil || token != "hfc_file" {
		t.Fatalf("expected file token, got %q (%v)", token, err)
	}

	cfg.Token = "hfc_env"
	token, err = cfg.ResolveToken()
	if err != nil || token != "hfc_env" {
		t.Fatalf("expected env token, got %q (%v)", token, err)
	}
}
