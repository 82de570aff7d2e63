package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
)

func testConfig(t *testing.T, engine string) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Buffer.Engine = engine
	cfg.Buffer.Fsync = "never"
	cfg.Buffer.GCInterval = 10 * time.Millisecond
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	for _, engine := range []string{cfgpkg.EngineFile, cfgpkg.EnginePebble} {
		t.Run(engine, func(t *testing.T) {
			rt, err := Open(Options{Config: testConfig(t, engine), Registerer: prometheus.NewRegistry()})
			if err != nil {
				t.Fatalf("open runtime: %v", err)
			}
			defer rt.Close(context.Background())
			if err := rt.Start(); err != nil {
				t.Fatalf("start: %v", err)
			}
			if err := rt.CheckHealth(context.Background()); err != nil {
				t.Fatalf("health: %v", err)
			}
			if rt.Buffer().Levels() != 1 {
				t.Fatalf("levels %d", rt.Buffer().Levels())
			}
		})
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg := testConfig(t, cfgpkg.EngineFile)
	in := filepath.Join(cfg.DataDir, "in.jsonl")
	out := filepath.Join(cfg.DataDir, "out.jsonl")
	lines := `{"fields":{"msg":"a"}}` + "\n" + `{"fields":{"msg":"b"}}` + "\n"
	if err := os.WriteFile(in, []byte(lines), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	cfg.Inputs = []cfgpkg.InputConfig{{Name: "in", Path: in, Interval: 10 * time.Millisecond}}
	cfg.Outputs = []cfgpkg.OutputConfig{{Name: "out", Path: out, Interval: 10 * time.Millisecond}}

	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())
	if err := rt.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, _ := os.ReadFile(out)
		if strings.Count(string(b), "\n") == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never received both events")
}

func TestStartRejectsSharedFile(t *testing.T) {
	cfg := testConfig(t, cfgpkg.EngineFile)
	path := filepath.Join(cfg.DataDir, "shared.jsonl")
	cfg.Outputs = []cfgpkg.OutputConfig{{Name: "a", Path: path}, {Name: "b", Path: path}}

	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())
	if err := rt.Start(); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	var names []string
	for _, s := range rt.Harness().Status() {
		names = append(names, s.Name)
	}
	// Outputs start first, so the conflict stops Start before the
	// maintenance plugin and the inputs.
	if strings.Join(names, ",") != "a" {
		t.Fatalf("plugins %v", names)
	}
	if _, ok := rt.Buffer().Stats().Consumers["b"]; ok {
		t.Fatalf("rejected output registered a consumer")
	}
}

func TestFailedPluginUnhealthy(t *testing.T) {
	cfg := testConfig(t, cfgpkg.EngineFile)
	cfg.Harness.MaxSetUpAttempts = 1
	cfg.Inputs = []cfgpkg.InputConfig{{Name: "missing", Path: filepath.Join(cfg.DataDir, "nope.jsonl")}}

	rt, err := Open(Options{Config: cfg, Reporter: harness.ReporterFunc(func(string, error) {})})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())
	if err := rt.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Harness().Wait(context.Background(), "missing"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("expected unhealthy runtime")
	}
}

func TestOpenRejectsBadClassifier(t *testing.T) {
	cfg := testConfig(t, cfgpkg.EngineFile)
	cfg.Priority.Policy = "nope"
	if _, err := Open(Options{Config: cfg}); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
