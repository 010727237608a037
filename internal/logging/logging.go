package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Stdout receives INFO records, Stderr WARN and above. Nil means the
	// process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Quiet drops INFO from the console; warnings and errors still show.
	Quiet bool
	// Level is the minimum level of the console.
	Level slog.Level
	// File, when set, also writes every record at DEBUG and above to a
	// rotating log file.
	File string
}

// New builds the process logger. The returned closer releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	level := opts.Level
	if opts.Quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	handlers := []slog.Handler{&consoleHandler{
		min:    level,
		stdout: slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}),
		stderr: slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
		}
		closer = file
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(&multiHandler{handlers: handlers}), closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Sub returns a child logger tagged with the given component name.
func Sub(l *slog.Logger, component string) *slog.Logger {
	return l.With("comp", component)
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Summary is the outcome of one command run.
type Summary struct {
	Stored   int
	Moved    int
	Deleted  int
	Bytes    int64
	Errors   int
	Duration time.Duration
}

// PrintSummary prints a summary of the sync operation
func PrintSummary(w io.Writer, s Summary, quiet bool) {
	if quiet && s.Errors == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Stored: %d files (%s)\n", s.Stored, humanize.IBytes(uint64(s.Bytes)))
	fmt.Fprintf(w, "Moved: %d files\n", s.Moved)
	fmt.Fprintf(w, "Deleted: %d files\n", s.Deleted)
	if s.Errors > 0 {
		fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	}
	fmt.Fprintf(w, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}

// consoleHandler routes INFO to stdout and WARN+ to stderr.
type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
