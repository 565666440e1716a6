package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runweaver.toml")
	body := `
[orchestrator]
addr = "127.0.0.1:9999"
max_branch_depth = 2
race_timeout_ms = 1500

[logging]
level = "debug"

[[approval_rules]]
step_pattern = "deploy/**"
approval_type = "deploy"
ttl_ms = 60000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	o := cfg.Orchestrator
	if o.Addr != "127.0.0.1:9999" || o.MaxBranchDepth != 2 {
		t.Fatalf("unexpected orchestrator config: %+v", o)
	}
	if o.RaceTimeout() != 1500*time.Millisecond {
		t.Fatalf("expected race timeout 1.5s, got %s", o.RaceTimeout())
	}
	if o.DBPath != "runweaver.db" || o.SweepInterval() != time.Second || o.DefaultRaceStrategy != "first_complete" {
		t.Fatalf("expected defaults to be applied: %+v", o)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	rules := cfg.PolicyRules()
	if len(rules) != 1 || rules[0].TTL != time.Minute || rules[0].ApprovalType != "deploy" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if cfg.Path != path || cfg.Raw["orchestrator"] == nil {
		t.Fatalf("expected path and raw table to be kept")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runweaver.toml")
	if err := os.WriteFile(path, []byte("[orchestrator]\nadr = \":1\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "orchestrator.adr") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.Addr != ":8080" || cfg.Orchestrator.ServerInstance == "" {
		t.Fatalf("unexpected defaults: %+v", cfg.Orchestrator)
	}
}
