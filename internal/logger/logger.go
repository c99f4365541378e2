// Package logger is the driver core's pluggable logging facility: an
// async, buffered printer that fans component messages out to a
// LogSink, where a LogSink is deliberately shaped as a subset of
// go-logr/logr's LogSink interface so callers can plug in logr, zap,
// or zerolog adapters without this package importing any of them
// directly.
package logger

import (
	"os"
	"strconv"
)

const jobBufferSize = 100
const envComponentLevelPrefix = "MONGOWIRE_LOG_"
const envMaxDocumentLength = "MONGOWIRE_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength bounds the length of a stringified BSON
// document embedded in a log message.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a message that was shortened to fit
// MaxDocumentLength; it does not count against the limit.
const TruncationSuffix = "..."

// LogSink is the sink a Logger prints to. It matches go-logr/logr's
// LogSink.Info signature so a logr.LogSink value satisfies this
// interface without an adapter.
type LogSink interface {
	Info(level int, msg string, keysAndValues ...interface{})
}

type job struct {
	level Level
	msg   ComponentMessage
}

// Logger fans out ComponentMessages to a LogSink, gated per-Component
// by ComponentLevels. Messages are queued on a buffered channel and
// printed by a background goroutine (StartPrintListener) so that
// logging never blocks the operation that produced the message.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint

	jobs chan job
}

// New constructs a Logger. A nil sink disables output entirely;
// callers that want stderr fallback should pass a LogSink wrapping the
// standard library logger explicitly -- this core has no implicit
// global sink, since a driver-core library should never write to a
// process-wide stream without being asked.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	levels := map[Component]Level{}
	for c, l := range componentLevels {
		levels[c] = l
	}
	for _, c := range []Component{
		ComponentOperation, ComponentCursor, ComponentChangeStream,
		ComponentBulkWrite, ComponentConnectionPool,
	} {
		if _, ok := levels[c]; !ok {
			levels[c] = envLevelFor(c)
		}
	}

	if maxDocumentLength == 0 {
		maxDocumentLength = envMaxDocLength()
	}

	return &Logger{
		ComponentLevels:   levels,
		Sink:              sink,
		MaxDocumentLength: maxDocumentLength,
		jobs:              make(chan job, jobBufferSize),
	}
}

func envLevelFor(c Component) Level {
	if v, ok := os.LookupEnv(envComponentLevelPrefix + string(c)); ok {
		return ParseLevel(v)
	}
	return LevelOff
}

func envMaxDocLength() uint {
	if v, ok := os.LookupEnv(envMaxDocumentLength); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(n)
		}
	}
	return DefaultMaxDocumentLength
}

// Close stops accepting new messages. It must only be called once all
// producers have stopped calling Print.
func (l *Logger) Close() {
	close(l.jobs)
}

// Is reports whether level is enabled for component.
func (l *Logger) Is(level Level, component Component) bool {
	return l.ComponentLevels[component] >= level
}

// Print enqueues msg for printing if its level is enabled. The send
// never blocks the caller: a full queue drops the message rather than
// stall command dispatch.
func (l *Logger) Print(level Level, msg ComponentMessage) {
	if l == nil || !l.Is(level, msg.Component()) {
		return
	}
	select {
	case l.jobs <- job{level, msg}:
	default:
	}
}

// StartPrintListener starts the background goroutine that drains
// queued messages into the configured LogSink. It returns
// immediately; the goroutine exits once Close is called and the
// channel drains.
func StartPrintListener(l *Logger) {
	go func() {
		for j := range l.jobs {
			if l.Sink == nil {
				continue
			}
			kv := truncateValues(j.msg.Serialize(), l.MaxDocumentLength)
			l.Sink.Info(int(j.level)-DiffToInfo, j.msg.Message(), kv...)
		}
	}()
}

func truncateValues(kv []interface{}, width uint) []interface{} {
	out := make([]interface{}, len(kv))
	for i, v := range kv {
		if s, ok := v.(string); ok {
			out[i] = truncate(s, width)
			continue
		}
		out[i] = v
	}
	return out
}

func truncate(s string, width uint) string {
	if width == 0 || uint(len(s)) <= width {
		return s
	}
	cut := s[:width]
	// Avoid splitting a multi-byte UTF-8 rune at the boundary.
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + TruncationSuffix
}
