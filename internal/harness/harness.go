package harness

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/flobuf/internal/errs"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// Options configures a Harness.
type Options struct {
	Backoff Backoff
	// MaxSetUpAttempts is the number of SetUp tries before the plugin is
	// declared failed. Zero means 5.
	MaxSetUpAttempts int
	// StopTimeout bounds TearDown during Stop. Zero means 30s.
	StopTimeout time.Duration
	Reporter    Reporter
	Observers   []Observer
	Logger      logpkg.Logger
}

// Harness runs plugins and tracks their state.
type Harness struct {
	opts   Options
	logger logpkg.Logger

	mu        sync.Mutex
	plugins   map[string]*runner
	order     []string
	resources map[string]string // tag -> plugin
}

// New returns an empty Harness.
func New(opts Options) *Harness {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MaxSetUpAttempts <= 0 {
		opts.MaxSetUpAttempts = 5
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	h := &Harness{
		opts:      opts,
		logger:    opts.Logger.WithComponent("harness"),
		plugins:   map[string]*runner{},
		resources: map[string]string{},
	}
	if h.opts.Reporter == nil {
		h.opts.Reporter = ReporterFunc(func(plugin string, err error) {
			h.logger.Error("plugin failed", logpkg.Str("plugin", plugin), logpkg.Err(err))
		})
	}
	return h
}

// StartInput starts an input plugin.
func (h *Harness) StartInput(p Input) error { return h.start(p, KindInput, nil) }

// StartBuffer starts a buffer plugin.
func (h *Harness) StartBuffer(p BufferPlugin) error { return h.start(p, KindBuffer, nil) }

// StartOutput registers the output's consumer with its source buffer and
// then starts the plugin. Registration happens before StartOutput returns,
// so events produced after that are retained for the output even while its
// SetUp is still failing.
func (h *Harness) StartOutput(p Output) error {
	return h.start(p, KindOutput, func(ctx context.Context) error {
		return p.Source().RegisterConsumer(ctx, p.ConsumerID())
	})
}

// start reserves the plugin's name and resources, runs register if set, and
// launches it. A conflict is a configuration error and leaves running
// plugins untouched.
func (h *Harness) start(p Lifecycle, kind Kind, register func(context.Context) error) error {
	const op = "harness.start"
	name := p.Name()
	if name == "" {
		return errs.Errorf(errs.KindConfig, op, "plugin name is empty")
	}

	h.mu.Lock()
	if r, ok := h.plugins[name]; ok && !r.state().Terminal() {
		h.mu.Unlock()
		return errs.Errorf(errs.KindConfig, op, "plugin %q is already running", name)
	}
	tags := uniqueTags(p.Resources())
	for _, tag := range tags {
		if owner, ok := h.resources[tag]; ok {
			h.mu.Unlock()
			return errs.Errorf(errs.KindConfig, op, "plugin %q: resource %q is held by %q", name, tag, owner)
		}
	}
	if register != nil {
		if err := register(context.Background()); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	for _, tag := range tags {
		h.resources[tag] = name
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		h:      h,
		plugin: p,
		kind:   kind,
		tags:   tags,
		runID:  uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
		st:     StateSettingUp,
	}
	r.logger = h.logger.With(logpkg.Str("plugin", name), logpkg.Str("kind", string(kind)), logpkg.Str("run", r.runID))
	if _, ok := h.plugins[name]; !ok {
		h.order = append(h.order, name)
	}
	h.plugins[name] = r
	h.mu.Unlock()

	h.notify(name, kind, StateSettingUp)
	go r.run(ctx)
	return nil
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (h *Harness) release(r *runner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tag := range r.tags {
		if h.resources[tag] == r.plugin.Name() {
			delete(h.resources, tag)
		}
	}
}

func (h *Harness) notify(name string, kind Kind, s State) {
	for _, o := range h.opts.Observers {
		o.PluginState(name, kind, s)
	}
}

// Stop cancels the plugin, waits for its Main to return and its TearDown
// to finish. Stopping an unknown or finished plugin is a no-op.
func (h *Harness) Stop(ctx context.Context, name string) error {
	h.mu.Lock()
	r, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every plugin in reverse start order.
func (h *Harness) Close(ctx context.Context) error {
	h.mu.Lock()
	names := append([]string(nil), h.order...)
	h.mu.Unlock()
	var first error
	for i := len(names) - 1; i >= 0; i-- {
		if err := h.Stop(ctx, names[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wait blocks until the named plugin's goroutine exits or ctx ends.
func (h *Harness) Wait(ctx context.Context, name string) error {
	h.mu.Lock()
	r, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("harness: unknown plugin %q", name)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status describes one plugin.
type Status struct {
	Name      string
	Kind      Kind
	State     State
	RunID     string
	Restarts  int
	LastError string
	Resources []string
}

// Status returns a snapshot of every plugin in start order.
func (h *Harness) Status() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.order))
	for _, name := range h.order {
		r := h.plugins[name]
		r.mu.Lock()
		s := Status{
			Name:      name,
			Kind:      r.kind,
			State:     r.st,
			RunID:     r.runID,
			Restarts:  r.restarts,
			Resources: append([]string(nil), r.tags...),
		}
		if r.lastErr != nil {
			s.LastError = r.lastErr.Error()
		}
		r.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// runner drives one plugin instance.
type runner struct {
	h      *Harness
	plugin Lifecycle
	kind   Kind
	tags   []string
	runID  string
	logger logpkg.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	st       State
	restarts int
	lastErr  error
}

func (r *runner) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *runner) set(s State, err error) {
	r.mu.Lock()
	r.st = s
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()
	r.h.notify(r.plugin.Name(), r.kind, s)
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.h.release(r)
	defer r.cancel()

	if err := r.setUp(ctx); err != nil {
		if ctx.Err() != nil {
			r.set(StateStopped, nil)
			return
		}
		fatal := errs.E(errs.KindPluginFatal, "harness.setup", err)
		r.set(StateFailed, fatal)
		r.h.opts.Reporter.ReportFatal(r.plugin.Name(), fatal)
		return
	}

	finished := r.loop(ctx)

	r.set(StateStopping, nil)
	tctx, cancel := context.WithTimeout(context.Background(), r.h.opts.StopTimeout)
	defer cancel()
	if err := r.plugin.TearDown(tctx); err != nil {
		r.logger.Warn("teardown failed", logpkg.Err(err))
	}
	if finished {
		r.set(StateFinished, nil)
		r.logger.Info("plugin finished")
		return
	}
	r.set(StateStopped, nil)
	r.logger.Info("plugin stopped")
}

// setUp runs SetUp until it succeeds,
// the attempts run out or ctx ends.
func (r *runner) setUp(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= r.h.opts.MaxSetUpAttempts; attempt++ {
		if err = r.plugin.SetUp(ctx); err == nil {
			return nil
		}
		r.logger.Warn("setup failed", logpkg.Int("attempt", attempt), logpkg.Err(err))
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		if attempt == r.h.opts.MaxSetUpAttempts {
			break
		}
		if !sleep(ctx, r.h.opts.Backoff.Delay(attempt)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("setup failed after %d attempts: %w", r.h.opts.MaxSetUpAttempts, err)
}

// loop runs Main until ctx ends or Main returns nil on its own, which it
// reports as finished.
func (r *runner) loop(ctx context.Context) (finished bool) {
	failures := 0
	for {
		r.set(StateRunning, nil)
		started := time.Now()
		err := r.safeMain(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil {
			return true
		}
		// A Main that ran for longer than the backoff cap is considered
		// healthy again.
		if maxDelay := r.h.opts.Backoff.Cap; maxDelay > 0 && time.Since(started) > maxDelay {
			failures = 0
		}
		failures++
		delay := r.h.opts.Backoff.Delay(failures)
		r.mu.Lock()
		r.restarts++
		r.mu.Unlock()
		r.set(StateBackoff, err)
		r.logger.Warn("main failed; restarting",
			logpkg.Err(err), logpkg.Dur("delay", delay),
			logpkg.Bool("transient", errs.IsTransient(err)))
		if !sleep(ctx, delay) {
			return false
		}
	}
}

func (r *runner) safeMain(ctx context.Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
			r.logger.Error("main panicked", logpkg.Str("stack", string(debug.Stack())))
		}
	}()
	return r.plugin.Main(ctx)
}

// sleep waits for d or ctx. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
