package logger

import "github.com/go-logr/logr"

// NewLogrSink adapts a logr.Logger to a LogSink, mapping this
// package's info/debug split onto logr verbosity levels. Callers
// already holding a logr.LogSink can assign it directly instead; this
// adapter exists for the common case of a fully-constructed
// logr.Logger (zap, zerolog, stdr, ...).
func NewLogrSink(l logr.Logger) LogSink {
	return logrSink{l: l}
}

type logrSink struct {
	l logr.Logger
}

func (s logrSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.l.V(level).Info(msg, keysAndValues...)
}
