package accessctl

import "github.com/oarkflow/accessctl/logger"

// Logger is re-exported so callers need not import the logger package.
type Logger = logger.Logger

// WithLogger installs a Logger. Every line carries component=accessctl.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			l = logger.NewNullLogger()
		}
		e.logger = logger.With(l, "component", "accessctl")
		return nil
	}
}

// WithTraceIDFunc sets the generator for audit event trace IDs.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}
