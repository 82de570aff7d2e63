package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/buffer/filebuf"
	"github.com/rzbill/flobuf/internal/buffer/pebblebuf"
	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/internal/plugins"
	"github.com/rzbill/flobuf/internal/priority"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// Reporter receives fatal plugin errors. Nil logs them.
	Reporter harness.Reporter
	// Observers are notified of plugin state changes in addition to metrics.
	Observers []harness.Observer
}

// Runtime owns the buffer and the harness running its plugins.
type Runtime struct {
	config     cfgpkg.Config
	logger     logpkg.Logger
	classifier priority.Classifier
	metrics    *metrics.Metrics
	db         *pebblestore.DB
	buf        buffer.Buffer
	harness    *harness.Harness
}

// Open builds the classifier, opens the configured buffer engine and
// prepares (but does not start) the harness.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	classifier, err := priority.FromConfig(opts.Config.Priority)
	if err != nil {
		return nil, errs.E(errs.KindConfig, "runtime.open", err)
	}
	rt := &Runtime{config: opts.Config, logger: opts.Logger, classifier: classifier}
	observers := append([]harness.Observer(nil), opts.Observers...)
	if opts.Registerer != nil {
		rt.metrics = metrics.New(opts.Registerer)
		observers = append(observers, rt.metrics)
	}

	rt.buf, rt.db, err = OpenBuffer(opts.Config, classifier, opts.Logger, rt.metrics)
	if err != nil {
		return nil, err
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(metrics.NewBufferCollector(opts.Config.Buffer.Name, rt.buf))
	}

	hc := opts.Config.Harness
	rt.harness = harness.New(harness.Options{
		Backoff:          hc.Backoff,
		MaxSetUpAttempts: hc.MaxSetUpAttempts,
		StopTimeout:      hc.StopTimeout,
		Reporter:         opts.Reporter,
		Observers:        observers,
		Logger:           opts.Logger,
	})
	return rt, nil
}

// OpenBuffer opens the engine cfg selects. m may be nil. The returned DB is
// non-nil for the Pebble engine and must be closed after the buffer.
func OpenBuffer(cfg cfgpkg.Config, c priority.Classifier, logger logpkg.Logger, m *metrics.Metrics) (buffer.Buffer, *pebblestore.DB, error) {
	var obs buffer.Observer = buffer.NoopObserver{}
	var hook pebblestore.MetricsHook = pebblestore.NoopMetrics{}
	if m != nil {
		obs, hook = m, m
	}
	bc := cfg.Buffer
	switch bc.Engine {
	case cfgpkg.EngineFile, "":
		b, err := filebuf.Open(filebuf.Options{
			Dir:             cfg.BufferDir(),
			Classifier:      c,
			NoSync:          bc.Fsync == "never",
			CompactMinBytes: bc.CompactMinBytes,
			Logger:          logger,
			Observer:        obs,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case cfgpkg.EnginePebble:
		mode, err := pebblestore.ParseFsyncMode(bc.Fsync)
		if err != nil {
			return nil, nil, errs.E(errs.KindConfig, "runtime.open_buffer", err)
		}
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.BufferDir(),
			Fsync:         mode,
			FsyncInterval: bc.FsyncInterval,
			Metrics:       hook,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, errs.FromIO("runtime.open_buffer", err)
		}
		b, err := pebblebuf.Open(pebblebuf.Options{
			DB:               db,
			Name:             bc.Name,
			Classifier:       c,
			CompactAfterTrim: bc.CompactAfterTrim,
			Logger:           logger,
			Observer:         obs,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return b, db, nil
	default:
		return nil, nil, errs.Errorf(errs.KindConfig, "runtime.open_buffer", "unknown engine %q", bc.Engine)
	}
}

// Start launches outputs, then the maintenance plugin, then inputs.
// StartOutput registers each consumer before returning, so every output is
// registered before the first collection or Produce. On error the plugins
// already started keep running; Close stops them.
func (r *Runtime) Start() error {
	cfg := r.config
	for _, oc := range cfg.Outputs {
		out := plugins.NewJSONLOutput(plugins.JSONLOutputConfig{
			Name:          oc.Name,
			Path:          oc.Path,
			ConsumerID:    oc.ConsumerID,
			MaxCount:      oc.MaxCount,
			MaxBytes:      oc.MaxBytes,
			Interval:      oc.Interval,
			AttachmentDir: oc.AttachmentDir,
		}, r.buf, r.logger)
		if err := r.harness.StartOutput(out); err != nil {
			return err
		}
	}
	if err := r.harness.StartBuffer(plugins.NewMaintenance(plugins.MaintenanceConfig{
		Interval:  cfg.Buffer.GCInterval,
		Resources: []string{"buffer:" + cfg.BufferDir()},
	}, r.buf, r.logger)); err != nil {
		return err
	}
	for _, ic := range cfg.Inputs {
		in := plugins.NewJSONLInput(plugins.JSONLInputConfig{
			Name:            ic.Name,
			Path:            ic.Path,
			ProducerID:      ic.ProducerID,
			BatchSize:       ic.BatchSize,
			CopyAttachments: ic.CopyAttachments,
			Interval:        ic.Interval,
		}, r.buf, r.logger)
		if err := r.harness.StartInput(in); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every plugin, then closes the buffer and the store.
func (r *Runtime) Close(ctx context.Context) error {
	var errList []error
	if r.harness != nil {
		if err := r.harness.Close(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	if r.buf != nil {
		if err := r.buf.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// CheckHealth fails when a plugin has failed for good.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range r.harness.Status() {
		if s.State == harness.StateFailed {
			return fmt.Errorf("plugin %s failed: %s", s.Name, s.LastError)
		}
	}
	return nil
}

// Buffer returns the running buffer.
func (r *Runtime) Buffer() buffer.Buffer { return r.buf }

// Harness returns the plugin harness.
func (r *Runtime) Harness() *harness.Harness { return r.harness }

// Classifier returns the configured classifier.
func (r *Runtime) Classifier() priority.Classifier { return r.classifier }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
