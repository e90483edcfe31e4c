package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err == nil {
		t.Fatal("missing explicit config accepted")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() with defaults failed: %v", err)
	}
	if cfg.MemoryRoot == "" || cfg.Summarizer.Binary != "claude" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.SummarizerDeadline().Minutes() != 5 {
		t.Errorf("deadline = %v", cfg.SummarizerDeadline())
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
	// comments are allowed
	memoryRoot: "/var/lib/clawmem",
	summarizer: { binary: "claude", deadlineMs: 60000, },
	logLevel: "debug",
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MemoryRoot != "/var/lib/clawmem" || cfg.Summarizer.DeadlineMS != 60000 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_ROOT", "/data/mem")
	t.Setenv("SUMMARIZER_DEADLINE_MS", "1234")
	t.Setenv("CLAWMEM_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MemoryRoot != "/data/mem" {
		t.Errorf("memoryRoot = %q", cfg.MemoryRoot)
	}
	if cfg.Summarizer.DeadlineMS != 1234 {
		t.Errorf("deadlineMs = %d", cfg.Summarizer.DeadlineMS)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.OTLPEndpoint != "localhost:4318" {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json5")
	os.WriteFile(bad, []byte(`{ logLevel: "loud" }`), 0o644)
	if _, err := Load(bad); !memerr.HasCode(err, memerr.CodeInvalidSettings) {
		t.Errorf("bad level: %v", err)
	}

	cron := filepath.Join(dir, "cron.json5")
	os.WriteFile(cron, []byte(`{ sweep: { enabled: true, schedule: "often" } }`), 0o644)
	if _, err := Load(cron); !memerr.HasCode(err, memerr.CodeInvalidSettings) {
		t.Errorf("bad schedule: %v", err)
	}

	garbage := filepath.Join(dir, "garbage.json5")
	os.WriteFile(garbage, []byte(`{{{`), 0o644)
	if _, err := Load(garbage); !memerr.HasCode(err, memerr.CodeInvalidFormat) {
		t.Errorf("garbage: %v", err)
	}
}
