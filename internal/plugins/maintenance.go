package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/pkg/log"
)

// MaintenanceConfig configures the buffer maintenance plugin.
type MaintenanceConfig struct {
	Name      string        // default: "buffer"
	Interval  time.Duration // How often to collect (default: 5s)
	Resources []string      // Exclusive tags, usually the buffer's data dir
}

// Maintenance periodically garbage-collects a buffer.
type Maintenance struct {
	cfg    MaintenanceConfig
	buf    buffer.Buffer
	logger log.Logger
}

var _ harness.BufferPlugin = (*Maintenance)(nil)

// NewMaintenance creates the maintenance plugin for buf.
func NewMaintenance(cfg MaintenanceConfig, buf buffer.Buffer, logger log.Logger) *Maintenance {
	if cfg.Name == "" {
		cfg.Name = "buffer"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Maintenance{cfg: cfg, buf: buf, logger: logger.With(log.Component("maintenance"), log.Str("plugin", cfg.Name))}
}

func (m *Maintenance) Name() string          { return m.cfg.Name }
func (m *Maintenance) Resources() []string   { return m.cfg.Resources }
func (m *Maintenance) Buffer() buffer.Buffer { return m.buf }

func (m *Maintenance) SetUp(context.Context) error { return nil }

func (m *Maintenance) Main(ctx context.Context) error {
	return harness.Loop(ctx, m.cfg.Interval, func(ctx context.Context) (bool, error) {
		return false, m.collect(ctx)
	})
}

// TearDown runs one last pass so a clean shutdown leaves nothing behind
// that every consumer has already acknowledged.
func (m *Maintenance) TearDown(ctx context.Context) error {
	if err := m.collect(ctx); err != nil && !errors.Is(err, errs.ErrClosed) {
		return err
	}
	return nil
}

func (m *Maintenance) collect(ctx context.Context) error {
	st, err := m.buf.GarbageCollect(ctx)
	if err != nil {
		return err
	}
	if st.Events > 0 || st.Attachments > 0 || st.Compacted > 0 {
		m.logger.Debug("collected",
			log.Int("events", st.Events),
			log.Int("attachments", st.Attachments),
			log.Int("compacted", st.Compacted),
			log.Int64("reclaimed_bytes", st.ReclaimedRaw))
	}
	return nil
}
