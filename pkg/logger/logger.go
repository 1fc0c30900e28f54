// Package logger provides component-scoped structured logging for the
// whole platform. Every subsystem logs through the CF variants with its
// component name so operational filtering stays cheap.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
	}
	return "UNKNOWN"
}

var (
	mu       sync.Mutex
	out      io.Writer = os.Stderr
	minLevel           = LevelInfo
	jsonMode           = false
)

// SetOutput redirects log output (tests use a buffer).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLevel sets the minimum emitted severity.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetJSON switches between JSON lines and human-readable output.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonMode = enabled
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
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

func emit(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	if jsonMode {
		entry := map[string]interface{}{
			"ts":        ts,
			"level":     level.String(),
			"component": component,
			"msg":       msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(out, "%s %s [%s] %s (marshal error: %v)\n", ts, level, component, msg, err)
			return
		}
		fmt.Fprintln(out, string(data))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", ts, level, component, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(out, b.String())
}

// DebugCF logs at debug level with a component and structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(LevelDebug, component, msg, fields)
}

// InfoC logs at info level with a component.
func InfoC(component, msg string) { emit(LevelInfo, component, msg, nil) }

// InfoCF logs at info level with a component and structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(LevelInfo, component, msg, fields)
}

// WarnC logs at warn level with a component.
func WarnC(component, msg string) { emit(LevelWarn, component, msg, nil) }

// WarnCF logs at warn level with a component and structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(LevelWarn, component, msg, fields)
}

// ErrorC logs at error level with a component.
func ErrorC(component, msg string) { emit(LevelError, component, msg, nil) }

// ErrorCF logs at error level with a component and structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(LevelError, component, msg, fields)
}
