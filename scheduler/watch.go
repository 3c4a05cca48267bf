package scheduler

import (
	"sync"
	"time"

	"github.com/evolab/labscheduler/core"
)

// watch tracks one in-flight execution for the overrun watchdog.
type watch struct {
	schedule  *core.Schedule
	execution *core.JobExecution
	expected  time.Duration
	startedAt time.Time
	notified  map[core.EventType]bool
}

// watchSet holds active watches behind its own lock, acquired after the
// engine's schedule lock and never across I/O.
type watchSet struct {
	mu          sync.Mutex
	byExecution map[string]*watch
}

func newWatchSet() *watchSet {
	return &watchSet{byExecution: map[string]*watch{}}
}

func (ws *watchSet) add(schedule *core.Schedule, execution *core.JobExecution, startedAt time.Time) {
	expected := schedule.EstimatedDuration()
	ws.mu.Lock()
	ws.byExecution[execution.ExecutionID] = &watch{
		schedule:  schedule,
		execution: execution,
		expected:  expected,
		startedAt: startedAt,
		notified:  map[core.EventType]bool{},
	}
	ws.mu.Unlock()
}

func (ws *watchSet) remove(executionID string) {
	ws.mu.Lock()
	delete(ws.byExecution, executionID)
	ws.mu.Unlock()
}

func (ws *watchSet) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.byExecution)
}

// overdue returns watches whose elapsed time reached twice the expected
// duration and which have not had the long_running event yet. The event
// is marked before return so each watch fires at most once.
func (ws *watchSet) overdue(now time.Time) []*watch {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	var out []*watch
	for _, w := range ws.byExecution {
		if w.notified[core.EventLongRunning] {
			continue
		}
		if now.Sub(w.startedAt) >= 2*w.expected {
			w.notified[core.EventLongRunning] = true
			out = append(out, w)
		}
	}
	return out
}
