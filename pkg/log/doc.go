// Package log provides flobuf's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by zerolog; text output
// uses zerolog's console writer, json output writes one object per line.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatJSON),
//	)
//	l = l.With(log.Component("buffer"), log.Str("engine", "file"))
//	l.Info("recovered", log.Int("levels", 4))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, format,
// output). RedirectStdLog routes the stdlib logger through a Logger so that
// third-party output lands in the same stream.
package log
