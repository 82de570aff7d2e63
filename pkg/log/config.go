package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config declares a logger.
type Config struct {
	Level  string `json:"level" koanf:"level"`
	Format string `json:"format" koanf:"format"`
	// Output is "stderr" (default), "stdout" or "null".
	Output string `json:"output" koanf:"output"`
}

// ParseLevel maps debug|info|warn|error (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		return NewLogger(), nil
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var format Format
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		format = FormatText
	case "json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "null":
		return NewNop(), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return NewLogger(WithLevel(lvl), WithFormat(format), WithOutput(out)), nil
}
