// Package config loads engine configuration: JSON5 file with environment
// overrides. Missing file means defaults; a present-but-broken file is an
// error.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Config is the full engine configuration.
type Config struct {
	// MemoryRoot is the engine's directory tree.
	MemoryRoot string `json:"memoryRoot"`
	// TranscriptsDir is where the agent writes session transcripts.
	TranscriptsDir string `json:"transcriptsDir"`

	Summarizer SummarizerConfig `json:"summarizer"`
	Sweep      SweepConfig      `json:"sweep"`
	Tracing    TracingConfig    `json:"tracing"`

	// LogLevel: debug | info | warn | error.
	LogLevel string `json:"logLevel"`
}

// SummarizerConfig configures the CLI subprocess adapter.
type SummarizerConfig struct {
	Binary         string `json:"binary"`
	DeadlineMS     int    `json:"deadlineMs"`
	CallsPerMinute int    `json:"callsPerMinute"`
	Model          string `json:"model"`
}

// SweepConfig schedules the stale-lock sweeper.
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron expression
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		MemoryRoot:     filepath.Join(home, ".clawmem"),
		TranscriptsDir: filepath.Join(home, ".claude", "projects"),
		Summarizer: SummarizerConfig{
			Binary:     "claude",
			DeadlineMS: int((5 * time.Minute).Milliseconds()),
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "* * * * *",
		},
		LogLevel: "info",
	}
}

// Load reads the config file (explicit path, CLAWMEM_CONFIG, or the
// default location under the memory root), then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CLAWMEM_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join(cfg.MemoryRoot, "config.json5")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, memerr.Wrap(err, memerr.KindNotFound, memerr.CodeFileNotFound,
				"config file %s", path)
		}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, memerr.Wrap(err, memerr.KindBadRequest, memerr.CodeInvalidFormat,
				"config file %s is not valid JSON5", path)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEMORY_ROOT"); v != "" {
		cfg.MemoryRoot = v
	}
	if v := os.Getenv("CLAWMEM_TRANSCRIPTS_DIR"); v != "" {
		cfg.TranscriptsDir = v
	}
	if v := os.Getenv("SUMMARIZER_DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Summarizer.DeadlineMS = ms
		}
	}
	if v := os.Getenv("CLAWMEM_SUMMARIZER_BIN"); v != "" {
		cfg.Summarizer.Binary = v
	}
	if v := os.Getenv("CLAWMEM_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("CLAWMEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.MemoryRoot == "" {
		return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings, "memoryRoot is empty")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"unknown logLevel %q", c.LogLevel)
	}
	if c.Sweep.Enabled && c.Sweep.Schedule != "" {
		if !gronx.New().IsValid(c.Sweep.Schedule) {
			return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
				"sweep schedule %q is not a valid cron expression", c.Sweep.Schedule)
		}
	}
	return nil
}

// SummarizerDeadline is the configured deadline as a duration.
func (c *Config) SummarizerDeadline() time.Duration {
	return time.Duration(c.Summarizer.DeadlineMS) * time.Millisecond
}
