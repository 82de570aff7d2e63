package pebblebuf

import (
	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/priority"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// DefaultName is the namespace used when Options.Name is empty.
const DefaultName = "default"

// topic names the per-level logs inside a buffer namespace.
const topic = "events"

// Options configures a Pebble buffer.
type Options struct {
	// DB is a shared store. When nil, Open creates one in Dir and Close
	// closes it.
	DB *pebblestore.DB
	// Dir is the Pebble data directory used when DB is nil.
	Dir string
	// Fsync applies when Open creates the store.
	Fsync pebblestore.FsyncMode
	// Metrics observes the store Open creates.
	Metrics pebblestore.MetricsHook
	// Name is the buffer namespace; several buffers can share one DB.
	Name       string
	Classifier priority.Classifier
	// CompactAfterTrim asks Pebble to compact a level's key range after
	// GarbageCollect trims it.
	CompactAfterTrim bool
	Logger           logpkg.Logger
	Observer         buffer.Observer
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Logger == nil {
		o.Logger = logpkg.NewNop()
	}
	if o.Observer == nil {
		o.Observer = buffer.NoopObserver{}
	}
}
