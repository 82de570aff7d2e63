package run

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/priority"
	"github.com/rzbill/flobuf/internal/runtime"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flobuf.json")
	if err := os.WriteFile(path, []byte(`{"data_dir":"/from/file","log":{"level":"warn"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/from/file" || cfg.Log.Level != "warn" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	cfg, err = LoadConfig(Options{ConfigPath: path, DataDir: "/flag", LogLevel: "debug", GRPCAddr: "127.0.0.1:50051"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/flag" || cfg.Log.Level != "debug" || cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Fatalf("flag overrides ignored: %+v", cfg)
	}
	if _, err := LoadConfig(Options{ConfigPath: path, GRPCAddr: "bad"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jsonl")
	if err := os.WriteFile(in, []byte(`{"fields":{"msg":"hi"}}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfgPath := filepath.Join(dir, "flobuf.yaml")
	cfgYAML := "log:\n  output: \"null\"\nbuffer:\n  fsync: never\n" +
		"inputs:\n  - name: in\n    path: " + in + "\n    interval: 10ms\n" +
		"outputs:\n  - name: out\n    path: " + filepath.Join(dir, "out.jsonl") + "\n    interval: 10ms\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var plugins []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, Options{ConfigPath: cfgPath, DataDir: filepath.Join(dir, "data"), Ready: func(rt *runtime.Runtime) {
			for _, s := range rt.Harness().Status() {
				plugins = append(plugins, s.Name)
			}
			cancel()
		}})
	}()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
	if strings.Join(plugins, ",") != "buffer,out,in" {
		t.Fatalf("start order %v", plugins)
	}
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.DataDir = dir
	b, _, err := runtime.OpenBuffer(cfg, priority.Single(), logpkg.NewNop(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := b.RegisterConsumer(ctx, "archive"); err != nil {
		t.Fatalf("register: %v", err)
	}
	evs := []event.Event{{Fields: map[string]any{"msg": "a"}}, {Fields: map[string]any{"msg": "b"}}}
	if err := b.Produce(ctx, "p", evs, false); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := b.Ack(ctx, "archive", buffer.Position{Level: 0, Offset: 1}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out bytes.Buffer
	root := NewRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "--config", "", "--data-dir", dir, "--consumer", "archive"})
	if err := root.ExecuteContext(ctx); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var got inspectOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(got.Partitions) != 1 || got.Partitions[0].Next != 2 {
		t.Fatalf("partitions %+v", got.Partitions)
	}
	if c := got.Consumers["archive"]; len(c) != 1 || c[0] != 1 {
		t.Fatalf("cursors %+v", got.Consumers)
	}
	if len(got.Pending) != 1 || got.Pending[0]["position"] != "0:1" {
		t.Fatalf("pending %+v", got.Pending)
	}

	root = NewRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "--config", "", "--data-dir", dir, "--consumer", "ghost"})
	if err := root.ExecuteContext(ctx); err == nil {
		t.Fatalf("expected unknown consumer error")
	}
}

func TestBenchCommand(t *testing.T) {
	for _, engine := range []string{cfgpkg.EngineFile, cfgpkg.EnginePebble} {
		var out bytes.Buffer
		root := NewRoot()
		root.SetOut(&out)
		root.SetArgs([]string{"bench", "--config", "", "--data-dir", t.TempDir(), "--engine", engine,
			"--events", "200", "--attachment-size", "32", "--mode", "pre-emit"})
		if err := root.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("bench %s: %v", engine, err)
		}
		if !strings.Contains(out.String(), "200 events") || !strings.HasPrefix(out.String(), engine) {
			t.Fatalf("bench output %q", out.String())
		}
	}
}
