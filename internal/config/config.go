package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/internal/priority"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string          `koanf:"data_dir" validate:"required"`
	Log      logpkg.Config   `koanf:"log"`
	Buffer   BufferConfig    `koanf:"buffer"`
	Priority priority.Config `koanf:"priority"`
	Harness  HarnessConfig   `koanf:"harness"`
	Server   ServerConfig    `koanf:"server"`
	Inputs   []InputConfig   `koanf:"inputs" validate:"dive"`
	Outputs  []OutputConfig  `koanf:"outputs" validate:"dive"`
}

// Buffer engines.
const (
	EngineFile   = "file"
	EnginePebble = "pebble"
)

// BufferConfig selects and tunes the buffer engine.
type BufferConfig struct {
	Engine string `koanf:"engine" validate:"oneof=file pebble"`
	// Fsync is always or never for the file engine; the Pebble engine also
	// accepts interval.
	Fsync         string        `koanf:"fsync" validate:"oneof=always interval never"`
	FsyncInterval time.Duration `koanf:"fsync_interval" validate:"gte=0"`
	// Name is the Pebble namespace of the buffer.
	Name string `koanf:"name"`
	// CompactMinBytes is the dead prefix that triggers a file partition
	// rewrite; negative disables it.
	CompactMinBytes int64 `koanf:"compact_min_bytes"`
	// CompactAfterTrim compacts Pebble key ranges after GC.
	CompactAfterTrim bool          `koanf:"compact_after_trim"`
	GCInterval       time.Duration `koanf:"gc_interval" validate:"gt=0"`
}

// HarnessConfig tunes plugin supervision.
type HarnessConfig struct {
	Backoff          harness.Backoff `koanf:"backoff"`
	MaxSetUpAttempts int             `koanf:"max_setup_attempts" validate:"gte=1"`
	StopTimeout      time.Duration   `koanf:"stop_timeout" validate:"gt=0"`
}

// ServerConfig holds listen addresses; empty disables the listener.
type ServerConfig struct {
	GRPCAddr    string `koanf:"grpc_addr" validate:"omitempty,hostname_port"`
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
}

// InputConfig declares a JSON-lines file input.
type InputConfig struct {
	Name            string        `koanf:"name" validate:"required"`
	Path            string        `koanf:"path" validate:"required"`
	ProducerID      string        `koanf:"producer_id"`
	BatchSize       int           `koanf:"batch_size" validate:"gte=0"`
	CopyAttachments bool          `koanf:"copy_attachments"`
	Interval        time.Duration `koanf:"interval" validate:"gte=0"`
}

// OutputConfig declares a JSON-lines file output.
type OutputConfig struct {
	Name          string        `koanf:"name" validate:"required"`
	Path          string        `koanf:"path" validate:"required"`
	ConsumerID    string        `koanf:"consumer_id"`
	MaxCount      int           `koanf:"max_count" validate:"gte=0"`
	MaxBytes      int           `koanf:"max_bytes" validate:"gte=0"`
	Interval      time.Duration `koanf:"interval" validate:"gte=0"`
	AttachmentDir string        `koanf:"attachment_dir"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Log:     logpkg.Config{Level: "info", Format: "text"},
		Buffer: BufferConfig{
			Engine:     EngineFile,
			Fsync:      "always",
			Name:       "default",
			GCInterval: 5 * time.Second,
		},
		Priority: priority.Config{Policy: priority.PolicySingle},
		Harness: HarnessConfig{
			Backoff:          harness.DefaultBackoff(),
			MaxSetUpAttempts: 5,
			StopTimeout:      30 * time.Second,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// Default(). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		parser = json.Parser()
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Config{}, errs.E(errs.KindConfig, "config.load", err)
	}
	if err := unmarshal(k, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve loads path, overlays the environment and validates the result.
func Resolve(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unmarshal(k *koanf.Koanf, cfg *Config) error {
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return errs.E(errs.KindConfig, "config.unmarshal", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules: plugin names are
// unique and the classifier builds.
func (c Config) Validate() error {
	const op = "config.validate"
	if err := validate.Struct(c); err != nil {
		return errs.E(errs.KindConfig, op, err)
	}
	if c.Buffer.Engine == EngineFile && c.Buffer.Fsync == "interval" {
		return errs.Errorf(errs.KindConfig, op, "buffer.fsync=interval needs the pebble engine")
	}
	seen := map[string]bool{"buffer": true}
	names := make([]string, 0, len(c.Inputs)+len(c.Outputs))
	for _, in := range c.Inputs {
		names = append(names, in.Name)
	}
	for _, out := range c.Outputs {
		names = append(names, out.Name)
	}
	for _, n := range names {
		if seen[n] {
			return errs.Errorf(errs.KindConfig, op, "duplicate plugin name %q", n)
		}
		seen[n] = true
	}
	if _, err := priority.FromConfig(c.Priority); err != nil {
		return errs.E(errs.KindConfig, op, fmt.Errorf("priority: %w", err))
	}
	return nil
}
