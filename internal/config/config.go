package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"runweaver/internal/policy"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Logging      LoggingConfig      `toml:"logging"`
	Approvals    []ApprovalRule     `toml:"approval_rules"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	Addr                  string `toml:"addr"`
	DBPath                string `toml:"db_path"`
	WorkspaceRoot         string `toml:"workspace_root"`
	ServerInstance        string `toml:"server_instance"`
	MaxBranchDepth        int    `toml:"max_branch_depth"`
	TaskTimeoutMS         int    `toml:"task_timeout_ms"`
	RaceTimeoutMS         int    `toml:"race_timeout_ms"`
	ApprovalTTLMS         int    `toml:"approval_ttl_ms"`
	SessionTTLMS          int    `toml:"session_ttl_ms"`
	HeartbeatTimeoutMS    int    `toml:"heartbeat_timeout_ms"`
	SweepIntervalMS       int    `toml:"sweep_interval_ms"`
	MaxOutputBytes        int    `toml:"max_output_bytes"`
	MaxLineBytes          int    `toml:"max_line_bytes"`
	StreamQueueSize       int    `toml:"stream_queue_size"`
	EventPageSize         int    `toml:"event_page_size"`
	DefaultRaceStrategy   string `toml:"default_race_strategy"`
	ShutdownGracePeriodMS int    `toml:"shutdown_grace_period_ms"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ApprovalRule struct {
	StepPattern  string `toml:"step_pattern"`
	ApprovalType string `toml:"approval_type"`
	TTLMS        int    `toml:"ttl_ms"`
	Deny         bool   `toml:"deny"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.withDefaults()
	return cfg
}

func (c *Config) withDefaults() {
	o := &c.Orchestrator
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.DBPath == "" {
		o.DBPath = "runweaver.db"
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = filepath.Join(os.TempDir(), "runweaver-sandboxes")
	}
	if o.ServerInstance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		o.ServerInstance = host
	}
	if o.MaxBranchDepth <= 0 {
		o.MaxBranchDepth = 5
	}
	if o.TaskTimeoutMS <= 0 {
		o.TaskTimeoutMS = int((10 * time.Minute).Milliseconds())
	}
	if o.RaceTimeoutMS <= 0 {
		o.RaceTimeoutMS = int((15 * time.Minute).Milliseconds())
	}
	if o.ApprovalTTLMS <= 0 {
		o.ApprovalTTLMS = int(time.Hour.Milliseconds())
	}
	if o.HeartbeatTimeoutMS <= 0 {
		o.HeartbeatTimeoutMS = int(time.Minute.Milliseconds())
	}
	if o.SweepIntervalMS <= 0 {
		o.SweepIntervalMS = 1000
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 1 << 20
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 64 << 10
	}
	if o.StreamQueueSize <= 0 {
		o.StreamQueueSize = 256
	}
	if o.EventPageSize <= 0 {
		o.EventPageSize = 200
	}
	if o.DefaultRaceStrategy == "" {
		o.DefaultRaceStrategy = "first_complete"
	}
	if o.ShutdownGracePeriodMS <= 0 {
		o.ShutdownGracePeriodMS = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	meta, err := toml.Decode(string(bytes), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.withDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func (o OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) RaceTimeout() time.Duration {
	return time.Duration(o.RaceTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) ApprovalTTL() time.Duration {
	return time.Duration(o.ApprovalTTLMS) * time.Millisecond
}

func (o OrchestratorConfig) SessionTTL() time.Duration {
	return time.Duration(o.SessionTTLMS) * time.Millisecond
}

func (o OrchestratorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(o.HeartbeatTimeoutMS) * time.Millisecond
}

func (o OrchestratorConfig) SweepInterval() time.Duration {
	return time.Duration(o.SweepIntervalMS) * time.Millisecond
}

func (o OrchestratorConfig) ShutdownGracePeriod() time.Duration {
	return time.Duration(o.ShutdownGracePeriodMS) * time.Millisecond
}

// PolicyRules converts the configured approval rules for policy.New.
func (c Config) PolicyRules() []policy.Rule {
	rules := make([]policy.Rule, 0, len(c.Approvals))
	for _, r := range c.Approvals {
		rules = append(rules, policy.Rule{
			StepPattern:  r.StepPattern,
			ApprovalType: r.ApprovalType,
			TTL:          time.Duration(r.TTLMS) * time.Millisecond,
			Deny:         r.Deny,
		})
	}
	return rules
}
