// Package lalog provides the structured logger used across postguard. It is
// deliberately small: a component name, a handful of key/value identity
// fields, and leveled methods that keep the most recent log lines and
// warnings in memory for inspection by a health endpoint.
package lalog

import (
	"bytes"
	"fmt"
	"log"
	"time"
)

const (
	// maxLogMessageLen truncates any single formatted log message.
	maxLogMessageLen = 4096
	// numLatestEntries bounds how many recent log lines/warnings are retained.
	numLatestEntries = 256
	// dedupWindow bounds how many distinct (caller, actor) pairs are tracked
	// for warning de-duplication.
	dedupWindow = 512
)

var (
	// LatestLogs keeps the most recent log lines of any level.
	LatestLogs = NewRingBuffer(numLatestEntries)
	// LatestWarnings keeps the most recent warning-level log lines.
	LatestWarnings = NewRingBuffer(numLatestEntries)

	dedup = newLeastRecentlyUsed(dedupWindow)
)

// Field is one key/value pair contributing to a logger's component identity,
// e.g. {"Port", 25} or {"RemoteIP", "10.0.0.1"}.
type Field struct {
	Key   string
	Value interface{}
}

// Logger formats and emits log messages in a consistent shape:
//
//	Component[k1=v1;k2=v2].Caller(actor): Error "..." - message
//
// A Logger is cheap to construct and safe for concurrent use. The core never
// reaches for a package-global logger; every component that needs one
// receives it through its configuration.
type Logger struct {
	ComponentName string
	ComponentID   []Field
}

func (l Logger) idString() string {
	if len(l.ComponentID) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range l.ComponentID {
		if i > 0 {
			buf.WriteByte(';')
		}
		fmt.Fprintf(&buf, "%s=%v", f.Key, f.Value)
	}
	buf.WriteByte(']')
	return buf.String()
}

// Format renders a message in the logger's standard shape without emitting it.
func (l Logger) Format(caller string, actor interface{}, err error, template string, values ...interface{}) string {
	var buf bytes.Buffer
	buf.WriteString(l.ComponentName)
	buf.WriteString(l.idString())
	if caller != "" {
		if buf.Len() > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(caller)
	}
	if actor != nil && actor != "" {
		fmt.Fprintf(&buf, "(%v)", actor)
	}
	if buf.Len() > 0 {
		buf.WriteString(": ")
	}
	if err != nil {
		fmt.Fprintf(&buf, "Error %q", err.Error())
		if template != "" {
			buf.WriteString(" - ")
		}
	}
	fmt.Fprintf(&buf, template, values...)
	msg := buf.String()
	if len(msg) > maxLogMessageLen {
		msg = msg[:maxLogMessageLen]
	}
	return msg
}

func (l Logger) record(msg string, isWarning bool) {
	stamped := time.Now().Format("2006-01-02 15:04:05 ") + msg
	LatestLogs.Push(stamped)
	if isWarning {
		LatestWarnings.Push(stamped)
	}
}

// Info prints an informational message and keeps it in the recent-log buffer.
// If err is non-nil the message is treated as a warning.
func (l Logger) Info(caller string, actor interface{}, err error, template string, values ...interface{}) {
	if err != nil {
		l.Warning(caller, actor, err, template, values...)
		return
	}
	msg := l.Format(caller, actor, err, template, values...)
	log.Print(msg)
	l.record(msg, false)
}

// Warning prints a warning message, keeps it in both recent-log buffers, and
// de-duplicates repeated warnings from the same caller/actor pair within the
// dedup window so a misbehaving peer cannot flood the log.
func (l Logger) Warning(caller string, actor interface{}, err error, template string, values ...interface{}) {
	key := caller + fmt.Sprint(actor)
	if dedup.seen(key) {
		return
	}
	msg := l.Format(caller, actor, err, template, values...)
	log.Print(msg)
	l.record(msg, true)
}

// Abort prints a message and terminates the process. Used only for
// unrecoverable configuration errors at start-up.
func (l Logger) Abort(caller string, actor interface{}, err error, template string, values ...interface{}) {
	log.Fatal(l.Format(caller, actor, err, template, values...))
}

// DefaultLogger is used only where no more specific logger is reachable,
// such as inside a panic recovery path.
var DefaultLogger = Logger{ComponentName: "postguard"}
