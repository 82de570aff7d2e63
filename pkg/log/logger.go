// Package log provides a structured logging facade for flobuf components.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger defines the core logging interface for flobuf components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Printf-style variants, mainly for adapters of third-party loggers.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// With returns a child logger carrying the given fields.
	With(fields ...Field) Logger
	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger
	// WithError attaches err under the "error" key.
	WithError(err error) Logger

	// GetLevel returns the current minimum log level.
	GetLevel() Level
}

// LoggerOption is a function that configures a logger.
type LoggerOption func(*options)

type options struct {
	level   Level
	format  Format
	out     io.Writer
	noColor bool
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(o *options) { o.level = level }
}

// WithFormat sets text (console) or json output.
func WithFormat(f Format) LoggerOption {
	return func(o *options) { o.format = f }
}

// WithOutput sets the destination writer. Defaults to stderr.
func WithOutput(w io.Writer) LoggerOption {
	return func(o *options) { o.out = w }
}

// WithoutColor disables ANSI colors in text output.
func WithoutColor() LoggerOption {
	return func(o *options) { o.noColor = true }
}

type zlogger struct {
	zl    zerolog.Logger
	level Level
}

// NewLogger creates a new logger with the given options.
func NewLogger(opts ...LoggerOption) Logger {
	o := options{level: InfoLevel, format: FormatText, out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	w := o.out
	if o.format == FormatText {
		w = zerolog.ConsoleWriter{Out: o.out, TimeFormat: time.RFC3339, NoColor: o.noColor}
	}
	zl := zerolog.New(w).Level(o.level.zerolog()).With().Timestamp().Logger()
	return &zlogger{zl: zl, level: o.level}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &zlogger{zl: zerolog.Nop(), level: ErrorLevel + 1}
}

func (l *zlogger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *zlogger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *zlogger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *zlogger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *zlogger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l *zlogger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msg(fmt.Sprintf(format, args...))
}

func (l *zlogger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msg(fmt.Sprintf(format, args...))
}

func (l *zlogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = withField(ctx, f)
	}
	return &zlogger{zl: ctx.Logger(), level: l.level}
}

func (l *zlogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *zlogger) WithError(err error) Logger {
	return l.With(Err(err))
}

func (l *zlogger) GetLevel() Level { return l.level }

// emit writes one event; a nil event means the level is disabled.
func emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			e = e.Str(f.Key, v)
		case int:
			e = e.Int(f.Key, v)
		case int64:
			e = e.Int64(f.Key, v)
		case uint64:
			e = e.Uint64(f.Key, v)
		case bool:
			e = e.Bool(f.Key, v)
		case time.Duration:
			e = e.Dur(f.Key, v)
		case error:
			e = e.AnErr(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	e.Msg(msg)
}

func withField(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case uint64:
		return ctx.Uint64(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	case time.Duration:
		return ctx.Dur(f.Key, v)
	case error:
		return ctx.AnErr(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}
