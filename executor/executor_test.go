package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolab/labscheduler/core"
)

// busyMonitor reports a fixed running state.
type busyMonitor struct{ running bool }

func (m busyMonitor) IsVendorRunning() bool { return m.running }
func (m busyMonitor) ProcessCount() int {
	if m.running {
		return 1
	}
	return 0
}
func (m busyMonitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	return !m.running
}

// fixedRunState answers every query with one label.
type fixedRunState struct {
	state string
	ok    bool
}

func (f fixedRunState) GetLatestRunState(ctx context.Context, methodName, experimentPath string) (string, bool) {
	return f.state, f.ok
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func writeMethod(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("method"), 0o644))
	return path
}

func testExecutor(t *testing.T, vendorBin string, opts ...Option) *Executor {
	t.Helper()
	cfg := core.ExecutorConfig{
		VendorBinPath:           vendorBin,
		ExecutionTimeoutMinutes: 1,
		RetryDelayBaseSeconds:   1,
		MaxRetryAttempts:        5,
	}
	return New(cfg, busyMonitor{}, opts...)
}

func execSchedule(path string) (*core.Schedule, *core.JobExecution) {
	schedule := &core.Schedule{
		ScheduleID:               "s-1",
		ExperimentName:           "DemoRun",
		ExperimentPath:           path,
		ScheduleType:             core.ScheduleOnce,
		EstimatedDurationMinutes: 30,
		Retry:                    core.DefaultRetryConfig(),
	}
	execution := &core.JobExecution{
		ExecutionID: "e-1",
		ScheduleID:  "s-1",
		Status:      core.StatusRunning,
		StartTime:   time.Now().Local(),
	}
	return schedule, execution
}

func TestResolveMethodPathRelativeJoin(t *testing.T) {
	dir := t.TempDir()
	writeMethod(t, dir, "Demo.med")

	e := New(core.ExecutorConfig{MethodBasePath: dir}, busyMonitor{})
	resolved, err := e.ResolveMethodPath("Demo.med")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Demo.med"), resolved)
}

func TestResolveMethodPathEnsuresSuffix(t *testing.T) {
	dir := t.TempDir()
	writeMethod(t, dir, "Demo.med")

	e := New(core.ExecutorConfig{MethodBasePath: dir}, busyMonitor{})
	resolved, err := e.ResolveMethodPath("Demo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Demo.med"), resolved)
}

func TestResolveMethodPathMissingFile(t *testing.T) {
	e := New(core.ExecutorConfig{MethodBasePath: t.TempDir()}, busyMonitor{})
	_, err := e.ResolveMethodPath("Ghost.med")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMethodNotFound)
}

func TestMethodBaseFromExperimentsDir(t *testing.T) {
	got := MethodBaseFromExperimentsDir(filepath.Join("C:", "Hamilton", "LabProtocols", "Experiments"))
	assert.Equal(t, filepath.Join("C:", "Hamilton"), got)
}

func TestExecuteSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the vendor binary")
	}
	dir := t.TempDir()
	vendor := writeScript(t, dir, "vendor.sh", "exit 0")
	method := writeMethod(t, dir, "Demo.med")

	e := testExecutor(t, vendor)
	schedule, execution := execSchedule(method)

	ok := e.Execute(context.Background(), schedule, execution)
	assert.True(t, ok)
	assert.Equal(t, core.StatusCompleted, execution.Status)
	assert.Empty(t, execution.ErrorMessage)
	assert.Contains(t, execution.CommandExecuted, "Demo.med")
	assert.Contains(t, execution.CommandExecuted, "-t")
	assert.False(t, execution.EndTime.IsZero())
}

func TestExecuteNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the vendor binary")
	}
	dir := t.TempDir()
	vendor := writeScript(t, dir, "vendor.sh", "echo 'run aborted by operator' >&2\nexit 64")
	method := writeMethod(t, dir, "Demo.med")

	e := testExecutor(t, vendor)
	schedule, execution := execSchedule(method)

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "return code 64")
	assert.Contains(t, execution.ErrorMessage, "run aborted by operator")
}

func TestExecuteReclassifiesVendorAbort(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the vendor binary")
	}
	dir := t.TempDir()
	vendor := writeScript(t, dir, "vendor.sh", "exit 0")
	method := writeMethod(t, dir, "Demo.med")

	// Exit code zero, but the vendor DB recorded an operator abort.
	e := testExecutor(t, vendor, WithRunStateReader(fixedRunState{state: "Aborted", ok: true}))
	schedule, execution := execSchedule(method)

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, execution.Status)
	assert.Equal(t, "Hamilton reported last run as Aborted", execution.ErrorMessage)
}

func TestExecuteMissingVendorBinary(t *testing.T) {
	dir := t.TempDir()
	method := writeMethod(t, dir, "Demo.med")

	e := testExecutor(t, filepath.Join(dir, "no-such-vendor"))
	schedule, execution := execSchedule(method)

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, execution.Status)
	assert.NotEmpty(t, execution.ErrorMessage)
}

func TestExecuteVendorBusyExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	method := writeMethod(t, dir, "Demo.med")

	var slept int
	sleeper := func(ctx context.Context, d time.Duration) bool {
		slept++
		return true
	}

	cfg := core.ExecutorConfig{ExecutionTimeoutMinutes: 1, MaxRetryAttempts: 5}
	e := New(cfg, busyMonitor{running: true}, WithSleeper(sleeper))
	schedule, execution := execSchedule(method)
	schedule.Retry.MaxRetries = 2

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "still running")
	assert.Equal(t, 2, slept, "retry count is min(schedule retries, executor cap)")
	assert.Equal(t, 2, execution.RetryCount)
}

func TestRunTimeoutScheduleCeiling(t *testing.T) {
	e := testExecutor(t, "vendor") // one-minute executor ceiling
	schedule := &core.Schedule{Retry: core.DefaultRetryConfig()}
	assert.Equal(t, time.Minute, e.runTimeout(schedule))

	schedule.Retry.AbortAfterHours = 0.25 // 15 minutes, wider than the config
	assert.Equal(t, time.Minute, e.runTimeout(schedule),
		"abort_after_hours never widens the executor ceiling")

	schedule.Retry.AbortAfterHours = 1.0 / 120 // 30 seconds
	assert.Equal(t, 30*time.Second, e.runTimeout(schedule))
}

func TestExecuteTimeoutClassification(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the vendor binary")
	}
	dir := t.TempDir()
	vendor := writeScript(t, dir, "vendor.sh", "sleep 30")
	method := writeMethod(t, dir, "Demo.med")

	e := testExecutor(t, vendor)
	schedule, execution := execSchedule(method)
	schedule.Retry.AbortAfterHours = 0.0001 // sub-second run ceiling

	ok := e.Execute(context.Background(), schedule, execution)
	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, execution.Status)
	assert.Equal(t, "Execution timeout", execution.ErrorMessage)
}

func TestBackoffDelayLinear(t *testing.T) {
	e := testExecutor(t, "vendor")
	schedule := &core.Schedule{Retry: core.RetryConfig{RetryDelayMinutes: 2, BackoffStrategy: core.BackoffLinear}}

	for attempt := 0; attempt < 4; attempt++ {
		assert.Equal(t, 2*time.Minute, e.backoffDelay(schedule, attempt))
	}
}

func TestBackoffDelayExponentialCapped(t *testing.T) {
	e := testExecutor(t, "vendor")
	schedule := &core.Schedule{Retry: core.RetryConfig{RetryDelayMinutes: 2, BackoffStrategy: core.BackoffExponential}}

	assert.Equal(t, 2*time.Minute, e.backoffDelay(schedule, 0))
	assert.Equal(t, 4*time.Minute, e.backoffDelay(schedule, 1))
	assert.Equal(t, 8*time.Minute, e.backoffDelay(schedule, 2))
	// 2m * 2^5 = 64m caps at 30m.
	assert.Equal(t, maxBackoffDelay, e.backoffDelay(schedule, 5))
}

func TestBackoffDelayFallsBackToExecutorBase(t *testing.T) {
	cfg := core.ExecutorConfig{RetryDelayBaseSeconds: 90, ExecutionTimeoutMinutes: 1}
	e := New(cfg, busyMonitor{})
	schedule := &core.Schedule{Retry: core.RetryConfig{BackoffStrategy: core.BackoffLinear}}

	assert.Equal(t, 90*time.Second, e.backoffDelay(schedule, 0))
}
