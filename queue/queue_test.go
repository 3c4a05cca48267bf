package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolab/labscheduler/core"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeMonitor struct{ running bool }

func (m fakeMonitor) IsVendorRunning() bool { return m.running }
func (m fakeMonitor) ProcessCount() int {
	if m.running {
		return 1
	}
	return 0
}
func (m fakeMonitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	return !m.running
}

func baseTime() time.Time {
	return time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
}

func schedule(id string, durationMin int) *core.Schedule {
	return &core.Schedule{
		ScheduleID:               id,
		ExperimentName:           "Exp-" + id,
		ExperimentPath:           id + ".med",
		ScheduleType:             core.ScheduleOnce,
		EstimatedDurationMinutes: durationMin,
	}
}

func TestEnqueueOrdersByPriorityThenTime(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	// Windows two hours apart so no admission conflicts.
	_, err := q.Enqueue(schedule("normal", 30), PriorityNormal, baseTime().Add(2*time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(schedule("critical", 30), PriorityCritical, baseTime().Add(6*time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(schedule("high", 30), PriorityHigh, baseTime().Add(4*time.Hour))
	require.NoError(t, err)

	first := q.GetNextJob()
	require.NotNil(t, first)
	assert.Equal(t, "critical", first.Schedule.ScheduleID)
	q.MarkDone("critical")

	second := q.GetNextJob()
	require.NotNil(t, second)
	assert.Equal(t, "high", second.Schedule.ScheduleID)
}

func TestEnqueueTieBreaksOnScheduledTime(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	_, err := q.Enqueue(schedule("later", 30), PriorityNormal, baseTime().Add(5*time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(schedule("sooner", 30), PriorityNormal, baseTime().Add(2*time.Hour))
	require.NoError(t, err)

	job := q.GetNextJob()
	require.NotNil(t, job)
	assert.Equal(t, "sooner", job.Schedule.ScheduleID)
}

func TestEnqueueRejectsOverlapWithQueuedWindow(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	start := baseTime().Add(2 * time.Hour)
	_, err := q.Enqueue(schedule("first", 60), PriorityNormal, start)
	require.NoError(t, err)

	// Ten minutes after the first window ends, but inside the 15-minute
	// buffer applied to scheduled windows.
	conflicts, err := q.Enqueue(schedule("second", 30), PriorityNormal, start.Add(70*time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrScheduleConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictTimeOverlap, conflicts[0].Kind)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
	assert.Equal(t, "first", conflicts[0].OtherScheduleID)
	assert.Equal(t, 1, q.Len(), "rejected job must not be queued")
}

func TestEnqueueAllowsBeyondBuffer(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	start := baseTime().Add(2 * time.Hour)
	_, err := q.Enqueue(schedule("first", 60), PriorityNormal, start)
	require.NoError(t, err)

	conflicts, err := q.Enqueue(schedule("second", 30), PriorityNormal, start.Add(80*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCriticalPriorityBypassesConflicts(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	start := baseTime().Add(2 * time.Hour)
	_, err := q.Enqueue(schedule("first", 60), PriorityNormal, start)
	require.NoError(t, err)

	conflicts, err := q.Enqueue(schedule("urgent", 30), PriorityCritical, start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, conflicts, "conflicts are still reported")
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueVendorBusyOnlyBlocksImminentStarts(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{running: true}, WithClock(clock))

	_, err := q.Enqueue(schedule("soon", 30), PriorityNormal, baseTime().Add(5*time.Minute))
	require.Error(t, err)

	conflicts, err := q.Enqueue(schedule("later", 30), PriorityNormal, baseTime().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestGetNextJobRespectsCapacity(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	running := schedule("running", 60)
	q.MarkRunning(running)

	_, err := q.Enqueue(schedule("waiting", 30), PriorityNormal, baseTime().Add(4*time.Hour))
	require.NoError(t, err)

	assert.Nil(t, q.GetNextJob(), "at capacity")
	q.MarkDone("running")
	assert.NotNil(t, q.GetNextJob())
}

func TestGetNextJobNilWhenVendorBusy(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(2, fakeMonitor{running: true}, WithClock(clock))

	_, err := q.Enqueue(schedule("job", 30), PriorityNormal, baseTime().Add(4*time.Hour))
	require.NoError(t, err)

	assert.Nil(t, q.GetNextJob())
	assert.Equal(t, 1, q.Len(), "job stays queued")
}

func TestGetNextJobRequeuesBlockedHead(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(2, fakeMonitor{}, WithClock(clock))

	start := baseTime().Add(30 * time.Minute)
	_, err := q.Enqueue(schedule("head", 30), PriorityNormal, start)
	require.NoError(t, err)

	// A run started after admission and now occupies the head's window.
	occupier := schedule("occupier", 120)
	q.MarkRunning(occupier)

	assert.Nil(t, q.GetNextJob())
	assert.Equal(t, 1, q.Len(), "blocked head goes back on the queue")
}

func TestSuggestAlternativesSkipsOccupiedSlots(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	// Occupy 09:30-11:30 with buffers reaching 09:15 and 11:45.
	_, err := q.Enqueue(schedule("busy", 120), PriorityNormal, baseTime().Add(30*time.Minute))
	require.NoError(t, err)

	slots := q.SuggestAlternatives(schedule("new", 30))
	require.Len(t, slots, 5)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local), slots[0])
	for i := 1; i < len(slots); i++ {
		assert.Equal(t, 30*time.Minute, slots[i].Sub(slots[i-1]))
	}
}

func TestSuggestAlternativesEmptyQueueStartsAtNextStep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 10, 0, 0, time.Local)}
	q := New(1, fakeMonitor{}, WithClock(clock))

	slots := q.SuggestAlternatives(schedule("new", 30))
	require.Len(t, slots, 5)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 30, 0, 0, time.Local), slots[0])
}

func TestDetectSchedulingConflictsAcrossDrafts(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	a := schedule("a", 60)
	a.StartTime = baseTime().Add(2 * time.Hour)
	b := schedule("b", 60)
	b.StartTime = baseTime().Add(2*time.Hour + 30*time.Minute)
	c := schedule("c", 60)
	c.StartTime = baseTime().Add(8 * time.Hour)

	result := q.DetectSchedulingConflicts([]*core.Schedule{a, b, c})
	assert.Contains(t, result, "a")
	assert.Contains(t, result, "b")
	assert.NotContains(t, result, "c")
}

func TestRemoveDropsQueuedJobAndWindow(t *testing.T) {
	clock := &fakeClock{now: baseTime()}
	q := New(1, fakeMonitor{}, WithClock(clock))

	_, err := q.Enqueue(schedule("gone", 30), PriorityNormal, baseTime().Add(2*time.Hour))
	require.NoError(t, err)
	q.Remove("gone")

	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Windows())
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("CRITICAL"))
	assert.Equal(t, PriorityLow, ParsePriority("LOW"))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
	assert.Equal(t, "HIGH", PriorityHigh.String())
}
