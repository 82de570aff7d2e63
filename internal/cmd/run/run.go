package run

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/internal/runtime"
	grpcserver "github.com/rzbill/flobuf/internal/server/grpc"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Options overrides parts of the loaded configuration. Empty fields keep
// the configured value.
type Options struct {
	ConfigPath  string
	DataDir     string
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	// Ready, when set, is called once every plugin has been started.
	Ready func(*runtime.Runtime)
}

// LoadConfig resolves the config file and environment and applies the
// overrides in opts.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(opts.ConfigPath)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.GRPCAddr != "" {
		cfg.Server.GRPCAddr = opts.GRPCAddr
	}
	if opts.MetricsAddr != "" {
		cfg.Server.MetricsAddr = opts.MetricsAddr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, err
	}
	return cfg, nil
}

// Run starts the pipeline and blocks until ctx is cancelled or a signal
// arrives, then stops plugins and closes the buffer.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return err
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gsrv := grpcserver.New()

	rt, err := runtime.Open(runtime.Options{
		Config:     cfg,
		Logger:     procLogger,
		Registerer: reg,
		Observers:  []harness.Observer{gsrv},
	})
	if err != nil {
		return err
	}

	procLogger.Info("Starting flobuf",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("engine", cfg.Buffer.Engine),
		logpkg.Int("levels", rt.Classifier().Levels()),
		logpkg.Int("inputs", len(cfg.Inputs)),
		logpkg.Int("outputs", len(cfg.Outputs)),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("metrics", cfg.Server.MetricsAddr),
	)

	var wg sync.WaitGroup
	if cfg.Server.GRPCAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(sctx, cfg.Server.GRPCAddr); err != nil && sctx.Err() == nil {
				procLogger.Error("grpc server failed", logpkg.Err(err))
			}
		}()
	}
	var msrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		msrv, err = serveMetrics(cfg.Server.MetricsAddr, reg, procLogger, &wg)
		if err != nil {
			_ = rt.Close(context.Background())
			return err
		}
	}

	startErr := rt.Start()
	if startErr == nil && opts.Ready != nil {
		opts.Ready(rt)
	}
	if startErr == nil {
		<-sctx.Done()
	}

	// Stop plugins and close the buffer before the servers so health
	// reflects the shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Harness.StopTimeout+5*time.Second)
	defer cancel()
	closeErr := rt.Close(shutdownCtx)
	gsrv.Close()
	if msrv != nil {
		_ = msrv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	procLogger.Info("flobuf stopped")
	return errors.Join(startErr, closeErr)
}

// serveMetrics exposes reg on /metrics.
func serveMetrics(addr string, reg *prometheus.Registry, logger logpkg.Logger, wg *sync.WaitGroup) (*http.Server, error) {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Handler:      router,
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Metrics endpoint is listening", logpkg.Str("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logpkg.Err(err))
		}
	}()
	return srv, nil
}
