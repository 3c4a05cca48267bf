// Package scheduler contains the engine: the single background loop
// that decides, every tick, which schedules dispatch, which are missed,
// and which are gated by recovery state or the instrument being busy.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolab/labscheduler/core"
	"github.com/evolab/labscheduler/pipeline"
)

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	ListActiveSchedules() ([]*core.Schedule, error)
	GetSchedule(id string) (*core.Schedule, error)
	UpdateSchedule(schedule *core.Schedule, expectedUpdatedAt time.Time) (*core.Schedule, error)
	SaveJobExecution(e *core.JobExecution) error
	IncrementFailedCount(id string) (int, error)
	MarkRecoveryRequired(id, note, actor string) (*core.Schedule, error)
	GetManualRecoveryState() (*core.ManualRecoveryState, error)
}

// Runner is the executor surface the engine drives.
type Runner interface {
	Execute(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution) bool
	Stop(scheduleID string)
}

// Pipeline runs the pre-execution steps and returns their cleanup.
type Pipeline interface {
	Run(ctx context.Context, schedule *core.Schedule) (pipeline.CleanupFunc, error)
}

// Admission mirrors live dispatch occupancy into the conflict queue so
// conflict checks see running work, not just drafts.
type Admission interface {
	MarkRunning(schedule *core.Schedule)
	MarkDone(scheduleID string)
}

// Status is the engine snapshot served by the API.
type Status struct {
	Running         bool                      `json:"running"`
	StartedAt       time.Time                 `json:"started_at"`
	TickCount       int64                     `json:"tick_count"`
	ActiveSchedules int                       `json:"active_schedules"`
	RunningJobs     []string                  `json:"running_jobs"`
	WatchedJobs     int                       `json:"watched_jobs"`
	VendorRunning   bool                      `json:"vendor_running"`
	GlobalRecovery  *core.ManualRecoveryState `json:"global_recovery,omitempty"`
}

// Engine drives the scheduling loop. One instance per process.
type Engine struct {
	cfg       core.SchedulerConfig
	store     Store
	runner    Runner
	pipeline  Pipeline
	admission Admission
	monitor   core.ProcessMonitor
	notifier  core.NotificationSender
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry

	tick         time.Duration
	startupDelay time.Duration

	mu        sync.Mutex
	running   map[string]bool // schedule_id -> in-flight
	startedAt time.Time
	tickCount int64
	active    int

	watches *watchSet

	recoveryMu   sync.Mutex
	recovery     *core.ManualRecoveryState
	recoveryAt   time.Time
	recoveryEdge bool // last observed active flag, for edge logging

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	loopDone    chan struct{}
	workers     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(clock core.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine's logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNotifier wires the notification dispatcher.
func WithNotifier(n core.NotificationSender) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPipeline wires the pre-execution step registry.
func WithPipeline(p Pipeline) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithAdmission wires the conflict queue's occupancy tracking.
func WithAdmission(a Admission) Option {
	return func(e *Engine) { e.admission = a }
}

// WithTelemetry wires a metrics sink for tick and dispatch counters.
func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// New assembles an engine. Store, runner, and monitor are mandatory;
// everything else defaults to a no-op.
func New(cfg core.SchedulerConfig, store Store, runner Runner, monitor core.ProcessMonitor, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		store:        store,
		runner:       runner,
		monitor:      monitor,
		notifier:     core.NoOpNotificationSender{},
		clock:        core.SystemClock{},
		logger:       &core.NoOpLogger{},
		telemetry:    &core.NoOpTelemetry{},
		tick:         time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		startupDelay: time.Duration(cfg.StartupDelaySeconds) * time.Second,
		running:      map[string]bool{},
		watches:      newWatchSet(),
	}
	if e.tick <= 0 {
		e.tick = 30 * time.Second
	}
	if e.monitor == nil {
		e.monitor = core.NullProcessMonitor{}
	}
	if len(e.cfg.AbortTaxonomy) == 0 {
		e.cfg.AbortTaxonomy = core.DefaultAbortTaxonomy
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the loop. It returns ErrAlreadyStarted on a second
// call without an intervening Stop.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.cancel != nil {
		return core.NewError("scheduler.Start", "state", core.ErrAlreadyStarted)
	}

	// Warm the caches before the first tick so the loop starts with a
	// consistent view.
	if schedules, err := e.store.ListActiveSchedules(); err == nil {
		e.mu.Lock()
		e.active = len(schedules)
		e.mu.Unlock()
	}
	e.refreshRecovery(true)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})

	e.mu.Lock()
	e.startedAt = core.EnsureLocalNaive(e.clock.Now())
	e.tickCount = 0
	e.mu.Unlock()

	e.logger.Info("scheduler starting", map[string]interface{}{
		"check_interval": e.tick.String(),
		"startup_delay":  e.startupDelay.String(),
		"max_concurrent": e.cfg.MaxConcurrentJobs,
	})
	go e.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for in-flight executions to finish
// their current vendor invocation. Nothing is forcibly killed so the
// pipeline cleanup handlers run.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.cancel = nil
	e.loopDone = nil
	e.lifecycleMu.Unlock()

	if cancel == nil {
		return core.NewError("scheduler.Stop", "state", core.ErrNotStarted)
	}
	cancel()
	<-done
	e.workers.Wait()
	e.logger.Info("scheduler stopped", nil)
	return nil
}

// StopExperiment signals the executor to drain one schedule's run:
// break first, kill after the grace period.
func (e *Engine) StopExperiment(scheduleID string) {
	e.runner.Stop(scheduleID)
}

// IsRunning reports whether the loop is active.
func (e *Engine) IsRunning() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.cancel != nil
}

// Status returns the current engine snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	jobs := make([]string, 0, len(e.running))
	for id := range e.running {
		jobs = append(jobs, id)
	}
	sort.Strings(jobs)
	s := Status{
		StartedAt:       e.startedAt,
		TickCount:       e.tickCount,
		ActiveSchedules: e.active,
		RunningJobs:     jobs,
	}
	e.mu.Unlock()

	s.Running = e.IsRunning()
	s.WatchedJobs = e.watches.len()
	s.VendorRunning = e.monitor.IsVendorRunning()

	e.recoveryMu.Lock()
	if e.recovery != nil && e.recovery.Active {
		snapshot := *e.recovery
		s.GlobalRecovery = &snapshot
	}
	e.recoveryMu.Unlock()
	return s
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	if e.startupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.startupDelay):
		}
	}

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTick(ctx)
		}
	}
}

// runTick is one pass: watchdog, recovery gate, then per-schedule
// dispatch decisions in ascending (start_time, created_at) order.
func (e *Engine) runTick(ctx context.Context) {
	now := core.EnsureLocalNaive(e.clock.Now())

	e.mu.Lock()
	e.tickCount++
	e.mu.Unlock()
	e.telemetry.RecordMetric("scheduler.tick", 1, nil)

	e.fireWatchdog(ctx, now)
	e.refreshRecovery(false)

	if e.globalRecoveryActive() {
		e.logger.Debug("global recovery active, skipping tick", nil)
		return
	}

	schedules, err := e.store.ListActiveSchedules()
	if err != nil {
		e.logger.Error("schedule load failed", map[string]interface{}{"error": err.Error()})
		return
	}
	e.mu.Lock()
	e.active = len(schedules)
	e.mu.Unlock()

	sort.Slice(schedules, func(i, j int) bool {
		if !schedules[i].StartTime.Equal(schedules[j].StartTime) {
			return schedules[i].StartTime.Before(schedules[j].StartTime)
		}
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})

	for _, schedule := range schedules {
		if ctx.Err() != nil {
			return
		}
		e.considerSchedule(ctx, schedule, now)
	}
}

func (e *Engine) considerSchedule(ctx context.Context, schedule *core.Schedule, now time.Time) {
	// Cron schedules materialise their first fire time lazily.
	if schedule.ScheduleType == core.ScheduleCron && schedule.StartTime.IsZero() {
		next := nextExecutionTime(schedule, now)
		if next.IsZero() {
			e.logger.Error("invalid cron expression", map[string]interface{}{
				"schedule_id": schedule.ScheduleID,
				"expression":  schedule.CronExpression,
			})
			return
		}
		schedule.StartTime = next
		if _, err := e.store.UpdateSchedule(schedule, schedule.UpdatedAt); err != nil {
			e.logger.Warn("cron start-time persist failed", map[string]interface{}{
				"schedule_id": schedule.ScheduleID, "error": err.Error(),
			})
		}
		return
	}

	if schedule.StartTime.After(now) {
		return
	}

	// Gates, in spec order.
	if schedule.RecoveryRequired {
		e.logger.Debug("schedule gated by recovery flag", map[string]interface{}{
			"schedule_id": schedule.ScheduleID,
		})
		return
	}
	e.mu.Lock()
	inFlight := e.running[schedule.ScheduleID]
	atCapacity := len(e.running) >= e.cfg.MaxConcurrentJobs
	e.mu.Unlock()
	if inFlight {
		return
	}
	if e.monitor.IsVendorRunning() {
		e.logger.Debug("vendor busy, deferring dispatch", map[string]interface{}{
			"schedule_id": schedule.ScheduleID,
		})
		return
	}
	if schedule.FailedExecutionCount > schedule.Retry.MaxRetries {
		e.deactivateFailed(schedule)
		return
	}

	overdue := now.Sub(schedule.StartTime)
	if overdue > missedGrace(schedule) {
		e.recordMissed(schedule, now, overdue)
		return
	}

	if atCapacity {
		return
	}
	e.dispatch(ctx, schedule, now)
}

func (e *Engine) deactivateFailed(schedule *core.Schedule) {
	e.logger.Warn("failure ceiling reached, deactivating", map[string]interface{}{
		"schedule_id":  schedule.ScheduleID,
		"failed_count": schedule.FailedExecutionCount,
		"max_retries":  schedule.Retry.MaxRetries,
	})
	schedule.IsActive = false
	if _, err := e.store.UpdateSchedule(schedule, schedule.UpdatedAt); err != nil {
		e.logger.Error("deactivate failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
	}
}

// recordMissed writes a missed execution and applies the per-type
// policy: one-shots deactivate, recurring schedules advance to the
// next slot and stay active.
func (e *Engine) recordMissed(schedule *core.Schedule, now time.Time, overdue time.Duration) {
	execution := &core.JobExecution{
		ExecutionID:  uuid.NewString(),
		ScheduleID:   schedule.ScheduleID,
		Status:       core.StatusMissed,
		StartTime:    schedule.StartTime,
		EndTime:      now,
		ErrorMessage: "missed: overdue by " + overdue.Truncate(time.Second).String(),
	}
	if err := e.store.SaveJobExecution(execution); err != nil {
		e.logger.Error("missed execution not recorded", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
	}

	if schedule.ScheduleType == core.ScheduleOnce {
		schedule.IsActive = false
	} else {
		schedule.StartTime = advancePastMissed(schedule, now)
	}
	if _, err := e.store.UpdateSchedule(schedule, schedule.UpdatedAt); err != nil {
		e.logger.Error("missed-policy update failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
	}
	e.logger.Warn("schedule missed", map[string]interface{}{
		"schedule_id": schedule.ScheduleID,
		"overdue":     overdue.String(),
		"type":        string(schedule.ScheduleType),
	})
}

// dispatch inserts the pending execution, registers the watch, and
// hands the run to a worker goroutine.
func (e *Engine) dispatch(ctx context.Context, schedule *core.Schedule, now time.Time) {
	execution := &core.JobExecution{
		ExecutionID: uuid.NewString(),
		ScheduleID:  schedule.ScheduleID,
		Status:      core.StatusPending,
		StartTime:   now,
	}
	if err := e.store.SaveJobExecution(execution); err != nil {
		e.logger.Error("execution insert failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
		return
	}

	e.mu.Lock()
	e.running[schedule.ScheduleID] = true
	e.mu.Unlock()
	e.watches.add(schedule, execution, now)
	if e.admission != nil {
		e.admission.MarkRunning(schedule)
	}

	e.logger.Info("dispatching experiment", map[string]interface{}{
		"schedule_id":  schedule.ScheduleID,
		"execution_id": execution.ExecutionID,
		"experiment":   schedule.ExperimentName,
	})
	e.telemetry.RecordMetric("scheduler.dispatch", 1, map[string]string{"schedule_id": schedule.ScheduleID})

	e.workers.Add(1)
	go e.runExecution(schedule, execution)
}

// runExecution is the worker body. It deliberately uses a background
// context: engine shutdown must not kill a vendor run mid-method.
func (e *Engine) runExecution(schedule *core.Schedule, execution *core.JobExecution) {
	ctx := context.Background()
	defer func() {
		e.watches.remove(execution.ExecutionID)
		e.mu.Lock()
		delete(e.running, schedule.ScheduleID)
		e.mu.Unlock()
		if e.admission != nil {
			e.admission.MarkDone(schedule.ScheduleID)
		}
		e.workers.Done()
	}()

	execution.Status = core.StatusRunning
	if err := e.store.SaveJobExecution(execution); err != nil {
		e.logger.Warn("status update failed", map[string]interface{}{
			"execution_id": execution.ExecutionID, "error": err.Error(),
		})
	}

	var cleanup pipeline.CleanupFunc = func(context.Context) {}
	if e.pipeline != nil {
		var err error
		cleanup, err = e.pipeline.Run(ctx, schedule)
		if err != nil {
			execution.Status = core.StatusFailed
			execution.EndTime = core.EnsureLocalNaive(e.clock.Now())
			execution.ErrorMessage = "pre-execution pipeline: " + err.Error()
			_ = e.store.SaveJobExecution(execution)
			e.handleFailure(ctx, schedule, execution)
			return
		}
	}

	ok := e.runner.Execute(ctx, schedule, execution)
	cleanup(ctx)

	if err := e.store.SaveJobExecution(execution); err != nil {
		e.logger.Error("execution result not persisted", map[string]interface{}{
			"execution_id": execution.ExecutionID, "error": err.Error(),
		})
	}

	if ok {
		e.handleSuccess(schedule, execution)
	} else {
		e.handleFailure(ctx, schedule, execution)
	}
}

func (e *Engine) handleSuccess(schedule *core.Schedule, execution *core.JobExecution) {
	now := core.EnsureLocalNaive(e.clock.Now())

	current, err := e.store.GetSchedule(schedule.ScheduleID)
	if err != nil {
		e.logger.Error("post-run schedule reload failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
		return
	}

	if current.ScheduleType == core.ScheduleOnce {
		current.IsActive = false
	} else {
		current.StartTime = nextExecutionTime(current, now)
	}
	current.FailedExecutionCount = 0

	if _, err := e.store.UpdateSchedule(current, current.UpdatedAt); err != nil {
		e.logger.Error("post-run schedule update failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
		return
	}
	e.logger.Info("experiment completed", map[string]interface{}{
		"schedule_id":  schedule.ScheduleID,
		"execution_id": execution.ExecutionID,
		"duration_min": execution.DurationMinutes,
	})
}

func (e *Engine) handleFailure(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution) {
	count, err := e.store.IncrementFailedCount(schedule.ScheduleID)
	if err != nil {
		e.logger.Error("failed-count increment failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
	}
	e.logger.Warn("experiment failed", map[string]interface{}{
		"schedule_id":  schedule.ScheduleID,
		"execution_id": execution.ExecutionID,
		"failed_count": count,
		"error":        execution.ErrorMessage,
	})
	e.telemetry.RecordMetric("scheduler.failure", 1, map[string]string{"schedule_id": schedule.ScheduleID})

	if !e.classifyAbort(execution.ErrorMessage) {
		return
	}

	note := "aborted: " + execution.ErrorMessage
	if _, err := e.store.MarkRecoveryRequired(schedule.ScheduleID, note, "scheduler"); err != nil {
		e.logger.Error("recovery mark failed", map[string]interface{}{
			"schedule_id": schedule.ScheduleID, "error": err.Error(),
		})
	}
	e.refreshRecovery(true)

	if err := e.notifier.NotifyAborted(ctx, schedule, execution, execution.ErrorMessage); err != nil {
		e.logger.Error("abort notification failed", map[string]interface{}{
			"execution_id": execution.ExecutionID, "error": err.Error(),
		})
	}
}

// classifyAbort matches the execution error against the configured
// abort taxonomy, case-insensitively.
func (e *Engine) classifyAbort(message string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, term := range e.cfg.AbortTaxonomy {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func (e *Engine) fireWatchdog(ctx context.Context, now time.Time) {
	for _, w := range e.watches.overdue(now) {
		elapsed := now.Sub(w.startedAt)
		e.logger.Warn("execution running long", map[string]interface{}{
			"schedule_id":  w.schedule.ScheduleID,
			"execution_id": w.execution.ExecutionID,
			"elapsed":      elapsed.String(),
			"expected":     w.expected.String(),
		})
		if err := e.notifier.NotifyLongRunning(ctx, w.schedule, w.execution, elapsed, w.expected); err != nil {
			e.logger.Error("long-running notification failed", map[string]interface{}{
				"execution_id": w.execution.ExecutionID, "error": err.Error(),
			})
		}
	}
}

// refreshRecovery reloads the global pause flag, at most every half
// tick unless forced. Transitions are logged once on edge.
func (e *Engine) refreshRecovery(force bool) {
	now := core.EnsureLocalNaive(e.clock.Now())

	e.recoveryMu.Lock()
	defer e.recoveryMu.Unlock()
	if !force && e.recovery != nil && now.Sub(e.recoveryAt) < e.tick/2 {
		return
	}

	state, err := e.store.GetManualRecoveryState()
	if err != nil {
		e.logger.Warn("recovery state load failed", map[string]interface{}{"error": err.Error()})
		return
	}
	e.recoveryAt = now

	if state.Active != e.recoveryEdge {
		if state.Active {
			e.logger.Warn("manual recovery engaged, scheduling paused", map[string]interface{}{
				"schedule_id": state.ScheduleID,
				"note":        state.Note,
			})
		} else {
			e.logger.Info("manual recovery cleared, scheduling resumes", nil)
		}
		e.recoveryEdge = state.Active
	}
	e.recovery = state
}

func (e *Engine) globalRecoveryActive() bool {
	e.recoveryMu.Lock()
	defer e.recoveryMu.Unlock()
	return e.recovery != nil && e.recovery.Active
}
