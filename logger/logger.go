package logger

// Logger is the structured logging interface used across the service.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	// With returns a child logger that prefixes every line with keyvals.
	With(keyvals ...any) Logger
}

// OrNull returns l, or a NullLogger when l is nil.
func OrNull(l Logger) Logger {
	if l == nil {
		return NewNullLogger()
	}
	return l
}

func merge(base, extra []any) []any {
	if len(base) == 0 {
		return extra
	}
	out := make([]any, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
