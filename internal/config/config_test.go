package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/priority"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Buffer.Engine != EngineFile {
		t.Fatalf("default engine %q", cfg.Buffer.Engine)
	}
	if cfg.Harness.MaxSetUpAttempts != 5 {
		t.Fatalf("max setup attempts default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "flobuf.json", `{
		"data_dir": "/srv/flobuf",
		"buffer": {"engine": "pebble", "fsync": "interval", "gc_interval": "2s"},
		"priority": {"policy": "cel", "levels": 2, "rules": [{"expr": "has(fields.report)", "level": 0}]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/srv/flobuf" || cfg.Buffer.Engine != EnginePebble || cfg.Buffer.GCInterval != 2*time.Second {
		t.Fatalf("unexpected %+v", cfg.Buffer)
	}
	// Unset keys keep their defaults.
	if cfg.Buffer.Name != "default" || cfg.Harness.StopTimeout != 30*time.Second {
		t.Fatalf("defaults lost: %+v %+v", cfg.Buffer, cfg.Harness)
	}
	want := []priority.CELRule{{Expr: "has(fields.report)", Level: 0}}
	if diff := cmp.Diff(want, cfg.Priority.Rules); diff != "" {
		t.Fatalf("rules (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "flobuf.yaml", `
data_dir: /tmp/fb
harness:
  max_setup_attempts: 3
  backoff:
    base: 50ms
    cap: 1s
    factor: 3
inputs:
  - name: app
    path: /var/log/app.jsonl
    copy_attachments: true
outputs:
  - name: archive
    path: /tmp/out.jsonl
    max_count: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Harness.MaxSetUpAttempts != 3 || cfg.Harness.Backoff.Base != 50*time.Millisecond || cfg.Harness.Backoff.Factor != 3 {
		t.Fatalf("harness %+v", cfg.Harness)
	}
	if len(cfg.Inputs) != 1 || !cfg.Inputs[0].CopyAttachments || cfg.Outputs[0].MaxCount != 100 {
		t.Fatalf("plugins %+v %+v", cfg.Inputs, cfg.Outputs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("FLOBUF_DATA_DIR", "/env/data")
	t.Setenv("FLOBUF_BUFFER__ENGINE", "pebble")
	t.Setenv("FLOBUF_BUFFER__GC_INTERVAL", "750ms")
	t.Setenv("FLOBUF_SERVER__GRPC_ADDR", "127.0.0.1:7070")
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.DataDir != "/env/data" || cfg.Buffer.Engine != EnginePebble || cfg.Buffer.GCInterval != 750*time.Millisecond {
		t.Fatalf("env overlay %+v", cfg)
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:7070" {
		t.Fatalf("grpc addr %q", cfg.Server.GRPCAddr)
	}
	if cfg.Buffer.Fsync != "always" {
		t.Fatalf("unrelated default changed: %q", cfg.Buffer.Fsync)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.Buffer.Engine = "redis" }},
		{"interval fsync on file engine", func(c *Config) { c.Buffer.Fsync = "interval" }},
		{"zero gc interval", func(c *Config) { c.Buffer.GCInterval = 0 }},
		{"missing input path", func(c *Config) { c.Inputs = []InputConfig{{Name: "in"}} }},
		{"duplicate plugin names", func(c *Config) {
			c.Inputs = []InputConfig{{Name: "x", Path: "a"}}
			c.Outputs = []OutputConfig{{Name: "x", Path: "b"}}
		}},
		{"plugin named like the buffer", func(c *Config) { c.Outputs = []OutputConfig{{Name: "buffer", Path: "b"}} }},
		{"bad classifier", func(c *Config) { c.Priority = priority.Config{Policy: "cel", Levels: 2, Rules: []priority.CELRule{{Expr: "(", Level: 0}}} }},
		{"bad listen address", func(c *Config) { c.Server.MetricsAddr = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, errs.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestResolveMissingFile(t *testing.T) {
	if _, err := Resolve(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
