// Package queue provides priority-ordered job admission for deployments
// running more than one concurrent experiment. Jobs carry an ordinal
// priority and a projected execution window; admission rejects jobs
// whose window collides with running or queued work on the instrument.
package queue

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evolab/labscheduler/core"
)

// Priority orders jobs in the heap. Lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "CRITICAL",
	PriorityHigh:     "HIGH",
	PriorityNormal:   "NORMAL",
	PriorityLow:      "LOW",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority maps the API's string form to the ordinal. Unknown
// labels default to NORMAL.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

// ConflictKind categorises why two jobs cannot share the instrument.
type ConflictKind string

const (
	ConflictTimeOverlap ConflictKind = "time_overlap"
	ConflictVendorBusy  ConflictKind = "hamilton_busy"
	// Enumerated for API completeness; nothing raises them today.
	ConflictResource   ConflictKind = "resource_conflict"
	ConflictDependency ConflictKind = "dependency_conflict"
)

// Severity grades a conflict. High and critical conflicts block
// admission for all but CRITICAL-priority jobs.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict describes one collision found during admission or analysis.
type Conflict struct {
	Kind            ConflictKind `json:"kind"`
	Severity        Severity     `json:"severity"`
	ScheduleID      string       `json:"schedule_id"`
	OtherScheduleID string       `json:"other_schedule_id,omitempty"`
	Description     string       `json:"description"`
	WindowStart     time.Time    `json:"window_start,omitempty"`
	WindowEnd       time.Time    `json:"window_end,omitempty"`
}

// Blocking reports whether this conflict rejects admission.
func (c Conflict) Blocking() bool {
	return c.Severity == SeverityHigh || c.Severity == SeverityCritical
}

// ExecutionWindow is the projected occupancy interval of one schedule
// on the instrument. Held in memory only.
type ExecutionWindow struct {
	ScheduleID string
	Start      time.Time
	End        time.Time
	IsRunning  bool
}

// scheduleBuffer pads both sides of a queued window when checking
// overlap against other scheduled experiments.
const scheduleBuffer = 15 * time.Minute

// suggestStep and suggestHorizon bound the alternative-slot walk.
const (
	suggestStep    = 30 * time.Minute
	suggestHorizon = 48 * time.Hour
	suggestMax     = 5
)

func (w ExecutionWindow) overlaps(start, end time.Time, buffered bool) bool {
	ws, we := w.Start, w.End
	if buffered {
		ws = ws.Add(-scheduleBuffer)
		we = we.Add(scheduleBuffer)
	}
	return start.Before(we) && ws.Before(end)
}

// Job is one queued dispatch request.
type Job struct {
	Schedule      *core.Schedule
	Priority      Priority
	ScheduledTime time.Time
	CreatedAt     time.Time

	seq   uint64
	index int
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledTime.Equal(b.ScheduledTime) {
		return a.ScheduledTime.Before(b.ScheduledTime)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}

// Queue is the admission controller. Safe for concurrent use.
type Queue struct {
	mu            sync.Mutex
	heap          jobHeap
	windows       map[string]ExecutionWindow
	seq           uint64
	maxConcurrent int
	monitor       core.ProcessMonitor
	clock         core.Clock
	logger        core.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the time source.
func WithClock(clock core.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithLogger sets the queue's logger.
func WithLogger(logger core.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a queue admitting up to maxConcurrent running jobs.
func New(maxConcurrent int, monitor core.ProcessMonitor, opts ...Option) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue{
		windows:       map[string]ExecutionWindow{},
		maxConcurrent: maxConcurrent,
		monitor:       monitor,
		clock:         core.SystemClock{},
		logger:        &core.NoOpLogger{},
	}
	if q.monitor == nil {
		q.monitor = core.NullProcessMonitor{}
	}
	for _, opt := range opts {
		opt(q)
	}
	heap.Init(&q.heap)
	return q
}

// Len returns the number of queued (not running) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Enqueue admits a job for the schedule at scheduledTime. Blocking
// conflicts reject the job unless it is CRITICAL priority; the found
// conflicts are returned either way.
func (q *Queue) Enqueue(schedule *core.Schedule, priority Priority, scheduledTime time.Time) ([]Conflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	scheduledTime = core.EnsureLocalNaive(scheduledTime)
	conflicts := q.detectLocked(schedule, scheduledTime)
	if priority != PriorityCritical {
		for _, c := range conflicts {
			if c.Blocking() {
				return conflicts, core.NewError("queue.Enqueue", "conflict",
					fmt.Errorf("%w: %s", core.ErrScheduleConflict, c.Description))
			}
		}
	}

	q.seq++
	job := &Job{
		Schedule:      schedule,
		Priority:      priority,
		ScheduledTime: scheduledTime,
		CreatedAt:     core.EnsureLocalNaive(q.clock.Now()),
		seq:           q.seq,
	}
	heap.Push(&q.heap, job)
	q.windows[schedule.ScheduleID] = ExecutionWindow{
		ScheduleID: schedule.ScheduleID,
		Start:      scheduledTime,
		End:        scheduledTime.Add(schedule.EstimatedDuration()),
	}
	q.logger.Debug("job enqueued", map[string]interface{}{
		"schedule_id": schedule.ScheduleID,
		"priority":    priority.String(),
		"scheduled":   core.FormatLocal(scheduledTime),
	})
	return conflicts, nil
}

// GetNextJob pops the highest-priority dispatchable job. It returns nil
// when the queue is empty, running jobs are at capacity, the process
// monitor reports the vendor busy, or the head of the queue has a
// blocking conflict (the head stays queued).
func (q *Queue) GetNextJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	if q.runningCountLocked() >= q.maxConcurrent {
		return nil
	}
	if q.monitor.IsVendorRunning() {
		return nil
	}

	job := heap.Pop(&q.heap).(*Job)
	// Re-check against windows that appeared after admission. A blocked
	// head goes back so a later tick can retry it.
	for _, c := range q.detectLocked(job.Schedule, job.ScheduledTime) {
		if c.Blocking() && job.Priority != PriorityCritical {
			heap.Push(&q.heap, job)
			return nil
		}
	}
	return job
}

// MarkRunning flips the schedule's window to running, extending it from
// now so the occupancy reflects the actual start.
func (q *Queue) MarkRunning(schedule *core.Schedule) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := core.EnsureLocalNaive(q.clock.Now())
	q.windows[schedule.ScheduleID] = ExecutionWindow{
		ScheduleID: schedule.ScheduleID,
		Start:      now,
		End:        now.Add(schedule.EstimatedDuration()),
		IsRunning:  true,
	}
}

// MarkDone releases the schedule's window.
func (q *Queue) MarkDone(scheduleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.windows, scheduleID)
}

// Remove drops a queued job and its window, e.g. when the schedule is
// deleted. Running windows are left to MarkDone.
func (q *Queue) Remove(scheduleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.heap {
		if job.Schedule.ScheduleID == scheduleID {
			heap.Remove(&q.heap, i)
			break
		}
	}
	if w, ok := q.windows[scheduleID]; ok && !w.IsRunning {
		delete(q.windows, scheduleID)
	}
}

// Windows returns a snapshot of the tracked occupancy intervals.
func (q *Queue) Windows() []ExecutionWindow {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ExecutionWindow, 0, len(q.windows))
	for _, w := range q.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// DetectConflicts analyses one schedule's projected window at
// scheduledTime against the current queue state.
func (q *Queue) DetectConflicts(schedule *core.Schedule, scheduledTime time.Time) []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detectLocked(schedule, core.EnsureLocalNaive(scheduledTime))
}

// DetectSchedulingConflicts analyses a set of schedule drafts against
// the queue state and against each other.
func (q *Queue) DetectSchedulingConflicts(schedules []*core.Schedule) map[string][]Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := map[string][]Conflict{}
	for _, s := range schedules {
		start := core.EnsureLocalNaive(s.StartTime)
		conflicts := q.detectLocked(s, start)
		end := start.Add(s.EstimatedDuration())
		for _, other := range schedules {
			if other.ScheduleID == s.ScheduleID {
				continue
			}
			otherStart := core.EnsureLocalNaive(other.StartTime)
			w := ExecutionWindow{
				ScheduleID: other.ScheduleID,
				Start:      otherStart,
				End:        otherStart.Add(other.EstimatedDuration()),
			}
			if w.overlaps(start, end, true) {
				conflicts = append(conflicts, Conflict{
					Kind:            ConflictTimeOverlap,
					Severity:        SeverityHigh,
					ScheduleID:      s.ScheduleID,
					OtherScheduleID: other.ScheduleID,
					Description:     fmt.Sprintf("window overlaps draft schedule %s", other.ScheduleID),
					WindowStart:     w.Start,
					WindowEnd:       w.End,
				})
			}
		}
		if len(conflicts) > 0 {
			result[s.ScheduleID] = conflicts
		}
	}
	return result
}

// SuggestAlternatives walks forward from now in 30-minute steps over a
// 48-hour horizon and returns up to five start times whose window is
// free of conflicts.
func (q *Queue) SuggestAlternatives(schedule *core.Schedule) []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := core.EnsureLocalNaive(q.clock.Now()).Truncate(time.Minute)
	start := now.Truncate(suggestStep).Add(suggestStep)

	var slots []time.Time
	duration := schedule.EstimatedDuration()
	for t := start; t.Before(now.Add(suggestHorizon)) && len(slots) < suggestMax; t = t.Add(suggestStep) {
		if q.windowFreeLocked(schedule.ScheduleID, t, t.Add(duration)) {
			slots = append(slots, t)
		}
	}
	return slots
}

func (q *Queue) windowFreeLocked(scheduleID string, start, end time.Time) bool {
	for id, w := range q.windows {
		if id == scheduleID {
			continue
		}
		if w.overlaps(start, end, !w.IsRunning) {
			return false
		}
	}
	return true
}

func (q *Queue) detectLocked(schedule *core.Schedule, scheduledTime time.Time) []Conflict {
	var conflicts []Conflict
	start := scheduledTime
	end := start.Add(schedule.EstimatedDuration())

	for id, w := range q.windows {
		if id == schedule.ScheduleID {
			continue
		}
		// Queued windows get the 15-minute buffer; a running window is
		// checked as-is because its bounds are real, not projected.
		if !w.overlaps(start, end, !w.IsRunning) {
			continue
		}
		severity := SeverityHigh
		detail := "queued"
		if w.IsRunning {
			severity = SeverityCritical
			detail = "running"
		}
		conflicts = append(conflicts, Conflict{
			Kind:            ConflictTimeOverlap,
			Severity:        severity,
			ScheduleID:      schedule.ScheduleID,
			OtherScheduleID: id,
			Description:     fmt.Sprintf("window overlaps %s schedule %s", detail, id),
			WindowStart:     w.Start,
			WindowEnd:       w.End,
		})
	}

	// The instrument being busy only matters for imminent starts;
	// far-future admissions are not blocked by the current run.
	now := core.EnsureLocalNaive(q.clock.Now())
	if q.monitor.IsVendorRunning() && start.Before(now.Add(scheduleBuffer)) {
		conflicts = append(conflicts, Conflict{
			Kind:        ConflictVendorBusy,
			Severity:    SeverityHigh,
			ScheduleID:  schedule.ScheduleID,
			Description: "vendor executable is currently running",
		})
	}
	return conflicts
}

func (q *Queue) runningCountLocked() int {
	n := 0
	for _, w := range q.windows {
		if w.IsRunning {
			n++
		}
	}
	return n
}
