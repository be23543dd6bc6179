package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface every component in
// the module accepts. Context-aware variants let callers attach trace
// correlation (execution_id, transaction_id) without widening the basic
// logging surface.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with a per-component label, so the
// same base logger configuration can be reused across packages while
// structured logs remain filterable by component (e.g. "orchestration",
// "health", "transaction").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Component is the minimal lifecycle interface for long-running pieces of
// the engine (implemented by the transaction coordinator): something
// that must be started with a cancellable context and
// identifies itself in logs and metrics.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// Clock abstracts time so tests can inject deterministic clocks where
// wall-clock timing would otherwise make assertions flaky. Production code
// uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// NoOpLogger discards everything. It is the default when no logger is configured.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
