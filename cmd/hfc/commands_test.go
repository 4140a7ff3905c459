package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInputFlags(t *testing.T) {
	flags := inputFlags{}
	if err := flags.Set("domain=example.org"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := flags.Set("query=a=b"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if flags["query"] != "a=b" {
		t.Fatalf("expected value to keep '=', got %q", flags["query"])
	}
	for _, bad := range []string{"novalue", "=x"} {
		if err := flags.Set(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}

	path := filepath.Join(t.TempDir(), "inputs.json")
	if err := os.WriteFile(path, []byte(`{"domain":"file.org","port":8080}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	merged, err := mergeInputs(path, flags)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged["domain"] != "example.org" || merged["port"] != float64(8080) {
		t.Fatalf("expected flags to win over file, got %v", merged)
	}
}

func TestParseInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	script := fs.Bool("script", false, "")
	positional, err := parseInterspersed(fs, []string{"c-1", "--script", "extra"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !*script || len(positional) != 2 || positional[0] != "c-1" || positional[1] != "extra" {
		t.Fatalf("unexpected parse: script=%v positional=%v", *script, positional)
	}
}

func TestConfigRoundTripAndEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HFC_API_URL", "")
	t.Setenv("HFC_OPERATOR_TOKEN", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL || cfg.AccessToken != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := saveConfig(cliConfig{APIBaseURL: "http://hfc.internal", AccessToken: "saved"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, _ := configPath()
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private config file, got %v (%v)", info, err)
	}

	t.Setenv("HFC_OPERATOR_TOKEN", "from-env")
	cfg, _ = loadConfig()
	if cfg.APIBaseURL != "http://hfc.internal" || cfg.AccessToken != "from-env" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestContractsAndRegisterAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/contracts":
			if r.URL.Query().Get("status") != "PENDING" {
				t.Errorf("expected status filter, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"id":"c-1","template_slug":"demo","status":"PENDING","created_at":"2026-01-01T00:00:00Z","integrity_hash":"abc"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/servers":
			_, _ = w.Write([]byte(`{"id":"srv-1","name":"edge","status":"offline","created_at":"2026-01-01T00:00:00Z","token":"hfc_abc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HFC_API_URL", srv.URL)
	t.Setenv("HFC_OPERATOR_TOKEN", "op-token")

	var out bytes.Buffer
	if err := commandContracts([]string{"--status", "pending"}, &out); err != nil {
		t.Fatalf("contracts: %v", err)
	}
	if !strings.Contains(out.String(), "c-1") || !strings.Contains(out.String(), "PENDING") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}

	out.Reset()
	if err := commandRegister([]string{"edge"}, &out); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out.String(), "token: hfc_abc") || !strings.Contains(out.String(), "/install?token=hfc_abc") {
		t.Fatalf("unexpected register output:\n%s", out.String())
	}

	t.Setenv("HFC_OPERATOR_TOKEN", "wrong")
	if err := commandContracts(nil, &out); err == nil {
		t.Fatalf("expected unauthorized error")
	}
}

func TestSessionRequiresLogin(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HFC_OPERATOR_TOKEN", "")
	if _, _, err := session(); err == nil || !strings.Contains(err.Error(), "hfc login") {
		t.Fatalf("expected login hint, got %v", err)
	}
}
