package logger

// Logger is the structured logging surface the engine and stores write to.
// keyvals alternate key, value.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for audit events. It must be safe
// for concurrent calls.
type TraceIDFunc func() string

// With returns a Logger that prefixes every call with keyvals.
func With(l Logger, keyvals ...any) Logger {
	if len(keyvals) == 0 {
		return l
	}
	if w, ok := l.(*withLogger); ok {
		merged := append(append([]any{}, w.fields...), keyvals...)
		return &withLogger{next: w.next, fields: merged}
	}
	return &withLogger{next: l, fields: keyvals}
}

type withLogger struct {
	next   Logger
	fields []any
}

func (w *withLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(w.fields)+len(keyvals))
	out = append(out, w.fields...)
	return append(out, keyvals...)
}

func (w *withLogger) Error(msg string, keyvals ...any) { w.next.Error(msg, w.merge(keyvals)...) }
func (w *withLogger) Info(msg string, keyvals ...any)  { w.next.Info(msg, w.merge(keyvals)...) }
func (w *withLogger) Debug(msg string, keyvals ...any) { w.next.Debug(msg, w.merge(keyvals)...) }
