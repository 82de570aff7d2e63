package harness

import (
	"context"

	"github.com/rzbill/flobuf/internal/buffer"
)

// Lifecycle is the contract every plugin kind shares.
type Lifecycle interface {
	// Name identifies the plugin; unique within a harness.
	Name() string
	// Resources lists exclusive tags (a file path, a port). Two running
	// plugins may not share a tag.
	Resources() []string
	// SetUp prepares the plugin. A failure is retried; repeated failures
	// are fatal for the plugin.
	SetUp(ctx context.Context) error
	// Main runs until ctx is cancelled. A returned error or a panic
	// restarts it after a backoff; a nil return before cancellation ends
	// the plugin normally.
	Main(ctx context.Context) error
	// TearDown releases what SetUp acquired. It runs once after the last
	// Main returns.
	TearDown(ctx context.Context) error
}

// Input produces events into a buffer.
type Input interface {
	Lifecycle
	Target() buffer.Producer
}

// Output consumes events from a buffer under its own consumer id.
type Output interface {
	Lifecycle
	Source() buffer.Consumer
	ConsumerID() string
}

// BufferPlugin owns a buffer, typically to maintain it.
type BufferPlugin interface {
	Lifecycle
	Buffer() buffer.Buffer
}

// Kind is the plugin kind.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
	KindBuffer Kind = "buffer"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateSettingUp State = "setting_up"
	StateRunning   State = "running"
	// StateBackoff means Main failed and waits to restart (degraded).
	StateBackoff  State = "backoff"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	// StateFinished means Main returned nil on its own.
	StateFinished State = "finished"
	// StateFailed means SetUp failed for good.
	StateFailed State = "failed"
)

// Terminal reports whether the plugin goroutine has exited.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFinished || s == StateFailed
}

// Observer is notified of every state change.
type Observer interface {
	PluginState(name string, kind Kind, state State)
}

// Reporter receives plugin-fatal errors for process-level handling.
type Reporter interface {
	ReportFatal(plugin string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(plugin string, err error)

func (f ReporterFunc) ReportFatal(plugin string, err error) { f(plugin, err) }
