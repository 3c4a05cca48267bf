package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolab/labscheduler/core"
)

// fakeInstrument records the mutations the built-in steps perform.
type fakeInstrument struct {
	mu            sync.Mutex
	scheduledName string
	clearCalls    int
	resetCalls    [][]string
	exclusiveID   int
	failReset     bool
	failSetByName bool
}

func (f *fakeInstrument) SetExclusiveEvoYeastExperiment(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusiveID = id
	return nil
}

func (f *fakeInstrument) ClearScheduledToRun(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	f.scheduledName = ""
	return nil
}

func (f *fakeInstrument) SetScheduledToRunByName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetByName {
		return errors.New("instrument db offline")
	}
	f.scheduledName = name
	return nil
}

func (f *fakeInstrument) ResetHamiltonTables(ctx context.Context, name string, tables []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReset {
		return errors.New("reset routine failed")
	}
	f.resetCalls = append(f.resetCalls, tables)
	return nil
}

func newTestRegistry(instrument *fakeInstrument) *Registry {
	r := NewRegistry(&core.NoOpLogger{})
	RegisterBuiltins(r, instrument)
	return r
}

func scheduleWithSteps(steps ...string) *core.Schedule {
	return &core.Schedule{
		ScheduleID:               "s-1",
		ExperimentName:           "DemoRun",
		ExperimentPath:           "C:/Methods/Demo.med",
		ScheduleType:             core.ScheduleOnce,
		StartTime:                time.Now(),
		EstimatedDurationMinutes: 30,
		Prerequisites:            steps,
	}
}

func TestNormalizeStepName(t *testing.T) {
	assert.Equal(t, normalizeStepName("ScheduledToRun"), normalizeStepName("scheduled_to_run"))
	assert.Equal(t, normalizeStepName("Reset-Hamilton-Tables"), normalizeStepName("ResetHamiltonTables"))
}

func TestParseStepToken(t *testing.T) {
	name, args := parseStepToken("ResetHamiltonTables:Experiments, Samples")
	assert.Equal(t, "ResetHamiltonTables", name)
	assert.Equal(t, []string{"Experiments", "Samples"}, args)

	name, args = parseStepToken("ScheduledToRun")
	assert.Equal(t, "ScheduledToRun", name)
	assert.Nil(t, args)
}

func TestRunHappyPath(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	cleanup, err := r.Run(context.Background(), scheduleWithSteps("ScheduledToRun", "ResetHamiltonTables:Experiments"))
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	assert.Equal(t, "DemoRun", instrument.scheduledName)
	require.Len(t, instrument.resetCalls, 1)
	assert.Equal(t, []string{"Experiments"}, instrument.resetCalls[0])

	// Cleanup clears the flag set by ScheduledToRun.
	cleanup(context.Background())
	assert.Empty(t, instrument.scheduledName)
}

func TestRunCleanupOnMidFailure(t *testing.T) {
	instrument := &fakeInstrument{failReset: true}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("ScheduledToRun", "ResetHamiltonTables:Experiments"))
	require.Error(t, err)
	// The failing step's own message survives into the error string.
	assert.Contains(t, err.Error(), "reset hamilton tables")
	assert.Contains(t, err.Error(), "reset routine failed")

	// The ScheduledToRun flag was cleared by the reverse cleanup.
	assert.Empty(t, instrument.scheduledName)
	// Clear was called once inside the step and once during cleanup.
	assert.Equal(t, 2, instrument.clearCalls)
}

func TestRunFirstStepFailureNoCleanup(t *testing.T) {
	instrument := &fakeInstrument{failSetByName: true}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("ScheduledToRun"))
	require.Error(t, err)
	// The failing step itself registered no cleanup, so only its own
	// internal clear ran.
	assert.Equal(t, 1, instrument.clearCalls)
}

func TestRunUnknownStep(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("DefrostFreezer"))
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestRunCaseInsensitiveTokens(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("scheduled_to_run"))
	require.NoError(t, err)
	assert.Equal(t, "DemoRun", instrument.scheduledName)
}

func TestEvoYeastExperimentSet(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("EvoYeastExperiment:7|set"))
	require.NoError(t, err)
	assert.Equal(t, 7, instrument.exclusiveID)
}

func TestEvoYeastExperimentNone(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	_, err := r.Run(context.Background(), scheduleWithSteps("EvoYeastExperiment:7|none"))
	require.NoError(t, err)
	assert.Zero(t, instrument.exclusiveID)
}

func TestEvoYeastExperimentBadArgs(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	for _, token := range []string{
		"EvoYeastExperiment",
		"EvoYeastExperiment:7",
		"EvoYeastExperiment:x|set",
		"EvoYeastExperiment:7|explode",
	} {
		_, err := r.Run(context.Background(), scheduleWithSteps(token))
		assert.Error(t, err, "token %q", token)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	cleanup, err := r.Run(context.Background(), scheduleWithSteps("ScheduledToRun"))
	require.NoError(t, err)

	cleanup(context.Background())
	before := instrument.clearCalls
	cleanup(context.Background())
	assert.Equal(t, before, instrument.clearCalls, "second cleanup call must be a no-op")
}

// Round-trip law: running the pipeline then its cleanup leaves the
// instrument DB indistinguishable from the pre-run state for the
// built-in flag steps.
func TestPipelineRoundTrip(t *testing.T) {
	instrument := &fakeInstrument{}
	r := newTestRegistry(instrument)

	cleanup, err := r.Run(context.Background(), scheduleWithSteps("ScheduledToRun"))
	require.NoError(t, err)
	cleanup(context.Background())

	assert.Empty(t, instrument.scheduledName)
}
