package filebuf

import (
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/priority"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

// DefaultCompactMinBytes is the dead prefix size that triggers a partition
// rewrite during GarbageCollect.
const DefaultCompactMinBytes = 4 << 20

// defaultJournalCompactEntries bounds commits.log growth between rewrites.
const defaultJournalCompactEntries = 4096

// Options configures a file buffer.
type Options struct {
	// Dir is the buffer directory; created if missing.
	Dir string
	// Classifier assigns levels. Its level count is persisted on first open
	// and must match on every reopen.
	Classifier priority.Classifier
	// NoSync skips fsync calls. Only for tests and benchmarks.
	NoSync bool
	// CompactMinBytes is the dead prefix size that triggers compaction.
	// Zero uses DefaultCompactMinBytes; negative disables compaction.
	CompactMinBytes int64
	Logger          logpkg.Logger
	Observer        buffer.Observer

	// clock overrides the millisecond clock behind blob and batch ids.
	clock func() int64
}

func (o *Options) setDefaults() {
	if o.clock == nil {
		o.clock = func() int64 { return time.Now().UnixMilli() }
	}
	if o.CompactMinBytes == 0 {
		o.CompactMinBytes = DefaultCompactMinBytes
	}
	if o.Logger == nil {
		o.Logger = logpkg.NewNop()
	}
	if o.Observer == nil {
		o.Observer = buffer.NoopObserver{}
	}
}
