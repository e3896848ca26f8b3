// Package vmlog is the VM's small structured logger: one readable,
// field-stamped line per notable event (class resolution, GC cycle,
// safepoint handshake), in the teacher's style of hand-built diagnostic
// strings rather than a generic logging framework.
package vmlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a vmconfig log-level name ("debug"|"info"|"warn"|"error")
// to a Level, the inverse of Level.String.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("vmlog: unknown log level %q", name)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// Logger writes one line per event to an io.Writer, guarded by a mutex
// since interpreter threads and the collector log concurrently.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level}
}

// Default writes to stderr at Info level, the VM's out-of-the-box
// configuration absent any JVMGO_LOG_LEVEL override.
func Default() *Logger { return New(os.Stderr, LevelInfo) }

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := strftime.Format("%Y-%m-%d %H:%M:%S", time.Now())
	fmt.Fprintf(l.out, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// ClassResolved logs one successful class-loader resolution.
func (l *Logger) ClassResolved(binaryName string, bytes int) {
	l.Info("resolved class %s (%s)", binaryName, humanize.Bytes(uint64(bytes)))
}

// GCCycle logs one completed collection cycle's before/after heap usage.
func (l *Logger) GCCycle(before, after, capacity uint64, d time.Duration) {
	l.Info("gc: %s -> %s of %s freed in %s", humanize.Bytes(before), humanize.Bytes(after), humanize.Bytes(capacity), d)
}

// Safepoint logs a mutator entering the GC handshake.
func (l *Logger) Safepoint(threadId uint64, phase string) {
	l.Debug("safepoint: thread %d entering %s", threadId, phase)
}
