// Package logging builds the component loggers used across rollbook. Every
// component gets a *log.Logger with a "[component] " prefix; all of them share
// one destination, either stderr or a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File enables rotation into this path. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet discards all output. It wins over File.
	Quiet bool
}

// Factory hands out loggers that write to a shared destination.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New creates a Factory for opts.
func New(opts Options) *Factory {
	switch {
	case opts.Quiet:
		return &Factory{out: io.Discard}
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		return &Factory{out: rotator, closer: rotator}
	default:
		return &Factory{out: os.Stderr}
	}
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer is the shared destination, for libraries that take an io.Writer.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close releases the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
