// Package executor launches the vendor executable for one experiment
// run: path resolution, monitor-gated retry with backoff, timeout with
// break-then-kill draining, and outcome classification including the
// vendor DB's own verdict on the run.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evolab/labscheduler/core"
)

// killGrace is how long a break signal gets before the process is
// killed outright.
const killGrace = 10 * time.Second

// maxBackoffDelay caps the exponential strategy.
const maxBackoffDelay = 30 * time.Minute

// Executor runs the vendor binary. One instance serves all schedules;
// per-schedule serialisation is the engine's job.
type Executor struct {
	vendorBin  string
	methodBase string
	timeout    time.Duration
	retryBase  time.Duration
	maxRetries int
	monitor    core.ProcessMonitor
	runState   core.RunStateReader
	clock      core.Clock
	logger     core.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // schedule_id -> in-flight command

	// sleep is swapped out in tests so backoff does not wall-block.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock injects the time source.
func WithClock(clock core.Clock) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithLogger sets the executor's logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithRunStateReader wires the vendor-DB adapter used to reclassify
// apparent successes.
func WithRunStateReader(reader core.RunStateReader) Option {
	return func(e *Executor) { e.runState = reader }
}

// WithSleeper replaces the interruptible sleep used between retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an executor from the executor config section.
func New(cfg core.ExecutorConfig, monitor core.ProcessMonitor, opts ...Option) *Executor {
	e := &Executor{
		vendorBin:  cfg.VendorBinPath,
		methodBase: cfg.MethodBasePath,
		timeout:    time.Duration(cfg.ExecutionTimeoutMinutes) * time.Minute,
		retryBase:  time.Duration(cfg.RetryDelayBaseSeconds) * time.Second,
		maxRetries: cfg.MaxRetryAttempts,
		monitor:    monitor,
		clock:      core.SystemClock{},
		logger:     &core.NoOpLogger{},
		running:    map[string]*exec.Cmd{},
		sleep:      sleepCtx,
	}
	if e.timeout <= 0 {
		e.timeout = 120 * time.Minute
	}
	if e.maxRetries <= 0 || e.maxRetries > 5 {
		e.maxRetries = 5
	}
	if e.monitor == nil {
		e.monitor = core.NullProcessMonitor{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveMethodPath normalises an experiment path: relative paths join
// with the configured method base, the .med suffix is ensured, and the
// file must exist.
func (e *Executor) ResolveMethodPath(experimentPath string) (string, error) {
	path := strings.TrimSpace(experimentPath)
	if path == "" {
		return "", core.ValidationError("experiment_path", "required")
	}

	if !filepath.IsAbs(path) {
		base := e.methodBase
		if base == "" {
			return "", core.ValidationError("experiment_path", "relative path with no method base configured")
		}
		path = filepath.Join(base, path)
	}

	if !strings.EqualFold(filepath.Ext(path), ".med") {
		path += ".med"
	}

	if _, err := os.Stat(path); err != nil {
		return "", core.NewError("executor.ResolveMethodPath", "not_found",
			fmt.Errorf("%w: %s", core.ErrMethodNotFound, path))
	}
	return path, nil
}

// MethodBaseFromExperimentsDir derives the method base by walking two
// parents up from a ".../LabProtocols/Experiments" directory, which is
// where the vendor installer puts method files relative to its root.
func MethodBaseFromExperimentsDir(dir string) string {
	return filepath.Dir(filepath.Dir(dir))
}

// Execute runs the schedule's method once (plus busy-retries) and
// updates the execution in place. The returned bool mirrors
// execution.Status == completed.
func (e *Executor) Execute(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution) bool {
	methodPath, err := e.ResolveMethodPath(schedule.ExperimentPath)
	if err != nil {
		e.fail(execution, err.Error())
		return false
	}

	// The vendor instrument is exclusive: wait out a running instance
	// with the schedule's backoff before giving up.
	if !e.waitForInstrument(ctx, schedule, execution) {
		e.fail(execution, "vendor executable still running after retries")
		return false
	}

	execution.CommandExecuted = fmt.Sprintf("%s %q -t", e.vendorBin, methodPath)
	exitCode, stderr, runErr := e.runVendor(ctx, schedule.ScheduleID, methodPath, e.runTimeout(schedule))

	end := core.EnsureLocalNaive(e.clock.Now())
	execution.EndTime = end
	if !execution.StartTime.IsZero() {
		execution.DurationMinutes = end.Sub(execution.StartTime).Minutes()
	}

	switch {
	case errors.Is(runErr, core.ErrVendorTimeout):
		execution.Status = core.StatusFailed
		execution.ErrorMessage = "Execution timeout"
		return false
	case runErr != nil:
		execution.Status = core.StatusFailed
		execution.ErrorMessage = runErr.Error()
		return false
	case exitCode != 0:
		execution.Status = core.StatusFailed
		execution.ErrorMessage = fmt.Sprintf("vendor exited with return code %d: %s", exitCode, strings.TrimSpace(stderr))
		return false
	}

	// Exit code zero can still hide an operator abort recorded only in
	// the vendor DB.
	if e.runState != nil {
		if state, ok := e.runState.GetLatestRunState(ctx, filepath.Base(methodPath), methodPath); ok {
			if state == "Aborted" || state == "Error" {
				execution.Status = core.StatusFailed
				execution.ErrorMessage = fmt.Sprintf("Hamilton reported last run as %s", state)
				return false
			}
		}
	}

	execution.Status = core.StatusCompleted
	execution.ErrorMessage = ""
	return true
}

// Stop drains the in-flight run for the schedule: break signal first,
// kill after the grace period. No-op when nothing is running.
func (e *Executor) Stop(scheduleID string) {
	e.mu.Lock()
	cmd := e.running[scheduleID]
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	e.logger.Info("stopping experiment", map[string]interface{}{"schedule_id": scheduleID})
	_ = sendBreak(cmd)
	go func() {
		time.Sleep(killGrace)
		e.mu.Lock()
		still := e.running[scheduleID] == cmd
		e.mu.Unlock()
		if still {
			_ = cmd.Process.Kill()
		}
	}()
}

func (e *Executor) waitForInstrument(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution) bool {
	maxAttempts := schedule.Retry.MaxRetries
	if maxAttempts > e.maxRetries {
		maxAttempts = e.maxRetries
	}

	for attempt := 0; ; attempt++ {
		if !e.monitor.IsVendorRunning() {
			return true
		}
		if attempt >= maxAttempts {
			return false
		}

		delay := e.backoffDelay(schedule, attempt)
		execution.Status = core.StatusRetrying
		execution.RetryCount = attempt + 1
		e.logger.Warn("vendor busy, backing off", map[string]interface{}{
			"schedule_id": schedule.ScheduleID,
			"attempt":     attempt + 1,
			"delay":       delay.String(),
		})
		if !e.sleep(ctx, delay) {
			return false
		}
	}
}

// backoffDelay computes the attempt's delay from the schedule's retry
// configuration, falling back to the executor-wide base.
func (e *Executor) backoffDelay(schedule *core.Schedule, attempt int) time.Duration {
	base := time.Duration(schedule.Retry.RetryDelayMinutes) * time.Minute
	if base <= 0 {
		base = e.retryBase
	}
	if base <= 0 {
		base = 2 * time.Minute
	}

	if schedule.Retry.BackoffStrategy == core.BackoffExponential {
		delay := base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay >= maxBackoffDelay {
				return maxBackoffDelay
			}
		}
		return delay
	}
	return base
}

// runTimeout bounds one vendor invocation. The schedule's
// abort_after_hours tightens the executor-wide ceiling, never widens it.
func (e *Executor) runTimeout(schedule *core.Schedule) time.Duration {
	timeout := e.timeout
	if h := schedule.Retry.AbortAfterHours; h > 0 {
		if d := time.Duration(h * float64(time.Hour)); d < timeout {
			timeout = d
		}
	}
	return timeout
}

// runVendor spawns the vendor binary and waits out the timeout. On
// timeout the process gets a break signal, then a kill after the grace
// period.
func (e *Executor) runVendor(ctx context.Context, scheduleID, methodPath string, timeout time.Duration) (int, string, error) {
	cmd := exec.Command(e.vendorBin, methodPath, "-t")
	cmd.SysProcAttr = sysProcAttr()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return -1, "", fmt.Errorf("start vendor binary: %w", err)
	}

	e.mu.Lock()
	e.running[scheduleID] = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.running[scheduleID] == cmd {
			delete(e.running, scheduleID)
		}
		e.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		code := cmd.ProcessState.ExitCode()
		if err != nil && code < 0 {
			return code, stderr.String(), fmt.Errorf("vendor process: %w", err)
		}
		return code, stderr.String(), nil
	case <-ctx.Done():
		e.drain(cmd, done)
		return -1, stderr.String(), fmt.Errorf("%w: cancelled", core.ErrVendorTimeout)
	case <-timer.C:
		e.drain(cmd, done)
		return -1, stderr.String(), core.ErrVendorTimeout
	}
}

// drain delivers a break signal, waits out the grace period, then
// kills. The final Wait is always collected so no zombie is left.
func (e *Executor) drain(cmd *exec.Cmd, done chan error) {
	_ = sendBreak(cmd)
	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	_ = cmd.Process.Kill()
	<-done
}

func (e *Executor) fail(execution *core.JobExecution, message string) {
	execution.Status = core.StatusFailed
	execution.ErrorMessage = message
	end := core.EnsureLocalNaive(e.clock.Now())
	execution.EndTime = end
	if !execution.StartTime.IsZero() {
		execution.DurationMinutes = end.Sub(execution.StartTime).Minutes()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
