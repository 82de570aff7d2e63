package plugins

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
	"github.com/rzbill/flobuf/pkg/log"
)

// JSONLOutputConfig configures a JSON-lines file output.
type JSONLOutputConfig struct {
	Name       string
	Path       string
	ConsumerID string        // default: Name
	MaxCount   int           // Events per Consume (default: 256)
	MaxBytes   int           // Encoded bytes per Consume (0: unbounded)
	Interval   time.Duration // Poll interval when idle (default: 1s)
	// AttachmentDir receives a copy of every attachment when set.
	AttachmentDir string
	NoSync        bool
}

// JSONLOutput appends delivered events to a file, one JSON object per
// line, and acknowledges them once the file is synced.
type JSONLOutput struct {
	cfg    JSONLOutputConfig
	source buffer.Consumer
	waiter harness.Waiter
	logger log.Logger

	f *os.File
}

var _ harness.Output = (*JSONLOutput)(nil)

// NewJSONLOutput creates an output reading from source. When source also
// implements harness.Waiter the output wakes as soon as events arrive.
func NewJSONLOutput(cfg JSONLOutputConfig, source buffer.Consumer, logger log.Logger) *JSONLOutput {
	if cfg.Name == "" {
		cfg.Name = "jsonl-output"
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = cfg.Name
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 256
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	out := &JSONLOutput{cfg: cfg, source: source, logger: logger.With(log.Component("jsonl-output"), log.Str("plugin", cfg.Name))}
	if w, ok := source.(harness.Waiter); ok {
		out.waiter = w
	}
	return out
}

func (o *JSONLOutput) Name() string            { return o.cfg.Name }
func (o *JSONLOutput) ConsumerID() string      { return o.cfg.ConsumerID }
func (o *JSONLOutput) Source() buffer.Consumer { return o.source }

func (o *JSONLOutput) Resources() []string {
	tags := []string{fileTag(o.cfg.Path)}
	if o.cfg.AttachmentDir != "" {
		tags = append(tags, fileTag(o.cfg.AttachmentDir))
	}
	return tags
}

func (o *JSONLOutput) SetUp(context.Context) error {
	const op = "jsonl_output.setup"
	if o.cfg.AttachmentDir != "" {
		if err := os.MkdirAll(o.cfg.AttachmentDir, 0o755); err != nil {
			return errs.FromIO(op, err)
		}
	}
	f, err := os.OpenFile(o.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.FromIO(op, err)
	}
	o.f = f
	return nil
}

func (o *JSONLOutput) Main(ctx context.Context) error {
	return harness.LoopWithWaiter(ctx, o.waiter, o.cfg.Interval, o.step)
}

func (o *JSONLOutput) TearDown(context.Context) error {
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

// step writes one batch and acknowledges it. A crash between the write and
// the Ack redelivers the batch, so lines may repeat but are never lost.
func (o *JSONLOutput) step(ctx context.Context) (bool, error) {
	const op = "jsonl_output.write"
	ds, err := o.source.Consume(ctx, o.cfg.ConsumerID, o.cfg.MaxCount, o.cfg.MaxBytes)
	if err != nil || len(ds) == 0 {
		return false, err
	}
	w := bufio.NewWriter(o.f)
	enc := json.NewEncoder(w)
	for _, d := range ds {
		line, err := o.line(d)
		if err != nil {
			return false, err
		}
		if err := enc.Encode(line); err != nil {
			return false, errs.FromIO(op, err)
		}
	}
	if err := w.Flush(); err != nil {
		return false, errs.FromIO(op, err)
	}
	if !o.cfg.NoSync {
		if err := o.f.Sync(); err != nil {
			return false, errs.FromIO(op, err)
		}
	}
	if _, err := o.source.Ack(ctx, o.cfg.ConsumerID, buffer.AckPositions(ds)...); err != nil {
		return false, err
	}
	return len(ds) == o.cfg.MaxCount, nil
}

func (o *JSONLOutput) line(d buffer.Delivery) (outputLine, error) {
	l := outputLine{
		Level:    d.Position.Level,
		Offset:   d.Position.Offset,
		Producer: d.Producer,
		Fields:   d.Event.Fields,
	}
	if len(d.Event.Attachments) == 0 {
		return l, nil
	}
	l.Attachments = make(map[string]outputAttachment, len(d.Event.Attachments))
	for _, key := range d.Event.AttachmentKeys() {
		a, err := o.attachment(d, key)
		if err != nil {
			return outputLine{}, err
		}
		l.Attachments[key] = a
	}
	return l, nil
}

// attachment hashes the attachment and copies it into AttachmentDir when
// configured.
func (o *JSONLOutput) attachment(d buffer.Delivery, key string) (outputAttachment, error) {
	const op = "jsonl_output.attachment"
	rc, err := d.Event.Attachments[key].Open()
	if err != nil {
		return outputAttachment{}, errs.FromIO(op, err)
	}
	defer rc.Close()

	h := sha256.New()
	var dst io.Writer = h
	var out outputAttachment
	var f *os.File
	if o.cfg.AttachmentDir != "" {
		out.Path = filepath.Join(o.cfg.AttachmentDir, fmt.Sprintf("%d-%d-%s", d.Position.Level, d.Position.Offset, filepath.Base(key)))
		if f, err = os.Create(out.Path); err != nil {
			return outputAttachment{}, errs.FromIO(op, err)
		}
		defer f.Close()
		dst = io.MultiWriter(h, f)
	}
	n, err := io.Copy(dst, rc)
	if err != nil {
		return outputAttachment{}, errs.FromIO(op, err)
	}
	if f != nil && !o.cfg.NoSync {
		if err := f.Sync(); err != nil {
			return outputAttachment{}, errs.FromIO(op, err)
		}
	}
	out.Size = n
	out.SHA256 = hex.EncodeToString(h.Sum(nil))
	return out, nil
}
