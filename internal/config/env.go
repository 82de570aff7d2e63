package config

import (
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/rzbill/flobuf/internal/errs"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOBUF_"

// FromEnv overlays FLOBUF_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return errs.E(errs.KindConfig, "config.env", err)
	}
	return unmarshal(k, cfg)
}

// envKey maps FLOBUF_BUFFER__GC_INTERVAL to buffer.gc_interval.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
