package plugins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/pkg/log"
)

// JSONLInputConfig configures a JSON-lines file input.
type JSONLInputConfig struct {
	Name            string
	Path            string
	ProducerID      string        // default: a random UUID per process
	BatchSize       int           // Lines per Produce (default: 256)
	CopyAttachments bool          // Copy attachment files into the buffer
	Interval        time.Duration // Poll interval at end of file (default: 1s)
	// OffsetPath stores the byte offset of the first unproduced line
	// (default: Path + ".offset").
	OffsetPath string
}

// JSONLInput tails a JSON-lines file and produces one event per line.
// Lines are produced in batches; the file offset is checkpointed only after
// a batch commits, so a restart may produce the last batch twice.
type JSONLInput struct {
	cfg    JSONLInputConfig
	target buffer.Producer
	logger log.Logger

	f      *os.File
	offset int64
}

var _ harness.Input = (*JSONLInput)(nil)

// NewJSONLInput creates an input producing into target.
func NewJSONLInput(cfg JSONLInputConfig, target buffer.Producer, logger log.Logger) *JSONLInput {
	if cfg.Name == "" {
		cfg.Name = "jsonl-input"
	}
	if cfg.ProducerID == "" {
		cfg.ProducerID = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.OffsetPath == "" {
		cfg.OffsetPath = cfg.Path + ".offset"
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &JSONLInput{cfg: cfg, target: target, logger: logger.With(log.Component("jsonl-input"), log.Str("plugin", cfg.Name))}
}

func (in *JSONLInput) Name() string            { return in.cfg.Name }
func (in *JSONLInput) Resources() []string     { return []string{fileTag(in.cfg.Path)} }
func (in *JSONLInput) Target() buffer.Producer { return in.target }

// SetUp opens the file and restores the checkpointed offset.
func (in *JSONLInput) SetUp(context.Context) error {
	const op = "jsonl_input.setup"
	f, err := os.Open(in.cfg.Path)
	if err != nil {
		return errs.FromIO(op, err)
	}
	off, err := readOffset(in.cfg.OffsetPath)
	if err != nil {
		f.Close()
		return errs.E(errs.KindConfig, op, fmt.Errorf("offset file %s: %w", in.cfg.OffsetPath, err))
	}
	if fi, err := f.Stat(); err == nil && off > fi.Size() {
		// The file was truncated or replaced; start over.
		in.logger.Warn("offset beyond end of file; restarting from 0",
			log.Int64("offset", off), log.Int64("size", fi.Size()))
		off = 0
	}
	in.f, in.offset = f, off
	return nil
}

func (in *JSONLInput) Main(ctx context.Context) error {
	return harness.Loop(ctx, in.cfg.Interval, in.step)
}

func (in *JSONLInput) TearDown(context.Context) error {
	if in.f == nil {
		return nil
	}
	err := in.f.Close()
	in.f = nil
	return err
}

// step produces up to BatchSize complete lines. A trailing line without a
// newline is left for a later step.
func (in *JSONLInput) step(ctx context.Context) (bool, error) {
	const op = "jsonl_input.read"
	if _, err := in.f.Seek(in.offset, io.SeekStart); err != nil {
		return false, errs.FromIO(op, err)
	}
	r := bufio.NewReader(in.f)
	events := make([]event.Event, 0, in.cfg.BatchSize)
	starts := make([]int64, 0, in.cfg.BatchSize)
	consumed := int64(0)
	lines := 0
	for lines < in.cfg.BatchSize {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, errs.FromIO(op, err)
		}
		start := in.offset + consumed
		consumed += int64(len(line))
		lines++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := in.parse(line)
		if err != nil {
			// A malformed line would otherwise block the file forever.
			in.logger.Warn("skipping line", log.Int64("offset", start), log.Err(err))
			continue
		}
		events = append(events, ev)
		starts = append(starts, start)
	}
	if lines == 0 {
		return false, nil
	}
	if len(events) > 0 {
		if err := in.produce(ctx, events, starts); err != nil {
			return false, err
		}
	}
	in.offset += consumed
	if err := writeOffset(in.cfg.OffsetPath, in.offset); err != nil {
		return false, errs.FromIO("jsonl_input.checkpoint", err)
	}
	return lines == in.cfg.BatchSize, nil
}

// produce writes events as one batch. A batch the buffer rejects is
// retried event by event and the rejected events are skipped, like
// malformed lines. Other errors leave the offset for the next attempt.
func (in *JSONLInput) produce(ctx context.Context, events []event.Event, starts []int64) error {
	err := in.target.Produce(ctx, in.cfg.ProducerID, events, in.cfg.CopyAttachments)
	if !errors.Is(err, errs.ErrProducer) {
		return err
	}
	if len(events) > 1 {
		in.logger.Debug("batch rejected; producing lines one by one", log.Err(err))
	}
	for i := range events {
		err := in.target.Produce(ctx, in.cfg.ProducerID, events[i:i+1], in.cfg.CopyAttachments)
		if errors.Is(err, errs.ErrProducer) {
			in.logger.Warn("skipping rejected line", log.Int64("offset", starts[i]), log.Err(err))
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *JSONLInput) parse(b []byte) (event.Event, error) {
	l, err := decodeLine(b)
	if err != nil {
		return event.Event{}, err
	}
	return event.BuildEvent(l.Fields, l.Attachments)
}
