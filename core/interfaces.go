package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface shared by every component.
// Components accept this interface and never construct their own logger;
// the application root decides the backend.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation for tests and
// partially-constructed environments.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// Telemetry interface - optional metrics support. The engine records
// counters through this; the default is a no-op.
type Telemetry interface {
	RecordMetric(name string, value float64, labels map[string]string)
}

// NoOpTelemetry discards all metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// Clock is the single source of "now". All scheduling arithmetic goes
// through this so tests can drive time explicitly.
type Clock interface {
	Now() time.Time
}

// SystemClock returns local wall-clock time, which is what the vendor
// software, the store, and the UI all speak.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().Local() }

// ProcessMonitor answers whether the vendor executable is currently
// running. Implementations cache the answer and refresh it on a poll
// interval, so calls are always cheap.
type ProcessMonitor interface {
	IsVendorRunning() bool
	ProcessCount() int
	WaitForAvailable(ctx context.Context, timeout time.Duration) bool
}

// NullProcessMonitor reports the vendor as never running. Used on hosts
// where the process table cannot be queried; the executor then fails
// fast on its own if the vendor binary is missing.
type NullProcessMonitor struct{}

func (NullProcessMonitor) IsVendorRunning() bool { return false }
func (NullProcessMonitor) ProcessCount() int     { return 0 }
func (NullProcessMonitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	return true
}

// RunStateReader is the narrow view of the instrument's own database
// that the executor and engine need: the latest recorded run state for
// a method.
type RunStateReader interface {
	GetLatestRunState(ctx context.Context, methodName, experimentPath string) (string, bool)
}

// InstrumentWriter covers the two mutations the pre-execution pipeline
// performs against the instrument database.
type InstrumentWriter interface {
	SetExclusiveEvoYeastExperiment(ctx context.Context, experimentID int) error
	ClearScheduledToRun(ctx context.Context) error
	SetScheduledToRunByName(ctx context.Context, experimentName string) error
	ResetHamiltonTables(ctx context.Context, experimentName string, tables []string) error
}

// NotificationSender is what the engine holds for boundary events. The
// sender owns de-duplication; callers may fire the same event twice.
type NotificationSender interface {
	NotifyAborted(ctx context.Context, schedule *Schedule, execution *JobExecution, reason string) error
	NotifyLongRunning(ctx context.Context, schedule *Schedule, execution *JobExecution, elapsed, expected time.Duration) error
	NotifyRecoveryRequired(ctx context.Context, schedule *Schedule, note, actor string) error
	NotifyRecoveryCleared(ctx context.Context, schedule *Schedule, note, actor string) error
}

// NoOpNotificationSender drops every event. Useful when SMTP is not
// configured.
type NoOpNotificationSender struct{}

func (NoOpNotificationSender) NotifyAborted(ctx context.Context, schedule *Schedule, execution *JobExecution, reason string) error {
	return nil
}
func (NoOpNotificationSender) NotifyLongRunning(ctx context.Context, schedule *Schedule, execution *JobExecution, elapsed, expected time.Duration) error {
	return nil
}
func (NoOpNotificationSender) NotifyRecoveryRequired(ctx context.Context, schedule *Schedule, note, actor string) error {
	return nil
}
func (NoOpNotificationSender) NotifyRecoveryCleared(ctx context.Context, schedule *Schedule, note, actor string) error {
	return nil
}
