// Package logger is the process-wide structured logger. Everything goes to a
// log file; the server may additionally tee records to the console.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultLogPath is the default log file for the server process
const DefaultLogPath = "/tmp/funny-debug.log"

var (
	mu      sync.RWMutex
	base    *slog.Logger
	file    *os.File
	path    string
	console io.Writer
	level   = new(slog.LevelVar)
)

// SetDebug switches between debug and info level. It applies to loggers
// already handed out.
func SetDebug(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// Init opens path as the log file. It is a no-op once a file is open, so it
// must run before the first log call to take effect.
func Init(p string) error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		return nil
	}
	return openLocked(p)
}

// Tee mirrors info-and-above records to w (typically stderr) in addition to
// the log file. Loggers obtained earlier keep writing to the file only.
func Tee(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console = w
	if base != nil {
		base = slog.New(handlerLocked())
	}
}

func openLocked(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", p, err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", p, err)
	}
	file, path = f, p
	base = slog.New(handlerLocked())
	base.Info("Logger initialized", "path", p, "pid", os.Getpid())
	return nil
}

func handlerLocked() slog.Handler {
	h := slog.Handler(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	if console != nil {
		h = tee{h, slog.NewTextHandler(console, &slog.HandlerOptions{Level: slog.LevelInfo})}
	}
	return h
}

// current returns the root logger, opening the default file on first use.
// Falls back to slog.Default when no file can be opened.
func current() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		if err := openLocked(DefaultLogPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			return slog.Default()
		}
	}
	return base
}

func logf(lvl slog.Level, format string, args ...any) {
	l := current()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}
	l.Log(ctx, lvl, fmt.Sprintf(format, args...))
}

// Debug, Info, Warn and Error write printf-style messages. New code should
// prefer a ComponentLogger with key/value attributes.
func Debug(format string, args ...any) { logf(slog.LevelDebug, format, args...) }
func Info(format string, args ...any)  { logf(slog.LevelInfo, format, args...) }
func Warn(format string, args ...any)  { logf(slog.LevelWarn, format, args...) }
func Error(format string, args ...any) { logf(slog.LevelError, format, args...) }

// ComponentLogger returns a logger with the component attribute pre-attached.
//
//	log := logger.ComponentLogger("Orchestrator")
//	log.Info("thread created", "threadID", id, "mode", mode)
func ComponentLogger(component string) *slog.Logger {
	return current().With(slog.String("component", component))
}

// WithThread returns a logger scoped to one thread.
func WithThread(threadID string) *slog.Logger {
	return current().With(slog.String("threadID", threadID))
}

// Path returns the active log file, or "" before the first log call.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return path
}

// Close closes the log file. Later calls reopen the default file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	file, base, path = nil, nil, ""
}

// Reset closes the log and restores defaults. Tests use it between cases.
func Reset() {
	Close()
	mu.Lock()
	console = nil
	mu.Unlock()
	level.Set(slog.LevelInfo)
}

// ClearLogs removes the default log file and, if different, the active one.
// Returns how many files were removed.
func ClearLogs() (int, error) {
	targets := []string{DefaultLogPath}
	if p := Path(); p != "" && p != DefaultLogPath {
		targets = append(targets, p)
	}
	n := 0
	for _, t := range targets {
		if err := os.Remove(t); err == nil {
			n++
		} else if !os.IsNotExist(err) {
			return n, err
		}
	}
	return n, nil
}

// tee fans records out to two handlers.
type tee struct{ a, b slog.Handler }

func (t tee) Enabled(ctx context.Context, l slog.Level) bool {
	return t.a.Enabled(ctx, l) || t.b.Enabled(ctx, l)
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if t.a.Enabled(ctx, r.Level) {
		err = t.a.Handle(ctx, r.Clone())
	}
	if t.b.Enabled(ctx, r.Level) {
		if e := t.b.Handle(ctx, r.Clone()); err == nil {
			err = e
		}
	}
	return err
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return tee{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t tee) WithGroup(name string) slog.Handler {
	return tee{t.a.WithGroup(name), t.b.WithGroup(name)}
}
