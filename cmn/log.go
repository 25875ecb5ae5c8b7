package cmn

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Level gates what gets written. A small standard-library-backed
// leveled logger with the familiar call shape (Infof/Warnf/Errorf,
// tag-prefixed).
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	currentLevel atomic.Int32
	std          = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func SetLevel(l Level) { currentLevel.Store(int32(l)) }

// SetOutput redirects log output; tests use this to assert on redaction
// without depending on stderr.
func SetOutput(w io.Writer) { std.SetOutput(w) }

func enabled(l Level) bool { return l >= Level(currentLevel.Load()) }

func Debugf(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		std.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

func Infof(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		std.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

func Warnf(format string, args ...interface{}) {
	if enabled(LevelWarn) {
		std.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

func Errorf(format string, args ...interface{}) {
	if enabled(LevelError) {
		std.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}
