package hamilton

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a := New("", time.Second, WithDB(sqlx.NewDb(db, "sqlserver")))
	return a, mock
}

func TestLabelForState(t *testing.T) {
	cases := map[int]string{
		1:   StateIdle,
		2:   StateRunning,
		3:   StateComplete,
		4:   StatePaused,
		8:   StateStopped,
		16:  StateError,
		64:  StateAborted,
		999: StateError, // unknown codes flag the run for the operator
	}
	for code, want := range cases {
		assert.Equal(t, want, LabelForState(code), "code %d", code)
	}
}

func TestCandidateNames(t *testing.T) {
	names := candidateNames("Demo.med", `C:\Methods\LabProtocols\Demo.med`)

	assert.Contains(t, names, "Demo.med")
	assert.Contains(t, names, "Demo")
	assert.Contains(t, names, "Demo.hsl")
	// Raw name first: equality checks try the most specific form.
	assert.Equal(t, "Demo.med", names[0])

	// No duplicates.
	seen := map[string]int{}
	for _, n := range names {
		seen[n]++
	}
	for n, count := range seen {
		assert.Equal(t, 1, count, "duplicate candidate %q", n)
	}
}

func TestGetLatestRunStateEqualityHit(t *testing.T) {
	a, mock := mockAdapter(t)

	mock.ExpectQuery(`SELECT TOP 1 RunState FROM HxRun WHERE MethodName = .+`).
		WithArgs("Demo.med").
		WillReturnRows(sqlmock.NewRows([]string{"RunState"}).AddRow(64))

	state, ok := a.GetLatestRunState(context.Background(), "Demo.med", "")
	assert.True(t, ok)
	assert.Equal(t, StateAborted, state)
}

func TestGetLatestRunStateLikeFallback(t *testing.T) {
	a, mock := mockAdapter(t)

	// All equality probes miss.
	for range candidateNames("Demo.med", "") {
		mock.ExpectQuery(`SELECT TOP 1 RunState FROM HxRun WHERE MethodName = .+`).
			WillReturnRows(sqlmock.NewRows([]string{"RunState"}))
	}
	// First LIKE probe hits.
	mock.ExpectQuery(`SELECT TOP 1 RunState FROM HxRun WHERE MethodName LIKE .+`).
		WillReturnRows(sqlmock.NewRows([]string{"RunState"}).AddRow(3))

	state, ok := a.GetLatestRunState(context.Background(), "Demo.med", "")
	assert.True(t, ok)
	assert.Equal(t, StateComplete, state)
}

func TestGetLatestRunStateUnreachable(t *testing.T) {
	a := New("", time.Second) // no DSN: degraded adapter
	state, ok := a.GetLatestRunState(context.Background(), "Demo.med", "")
	assert.False(t, ok)
	assert.Empty(t, state)
}

func TestSetExclusiveEvoYeastExperiment(t *testing.T) {
	a, mock := mockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE Experiments SET ScheduledToRun = 0`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`UPDATE Experiments SET ScheduledToRun = 1 WHERE ExperimentID = .+`).
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, a.SetExclusiveEvoYeastExperiment(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetExclusiveRollsBackOnFailure(t *testing.T) {
	a, mock := mockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE Experiments SET ScheduledToRun = 0`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := a.SetExclusiveEvoYeastExperiment(context.Background(), 42)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetHamiltonTables(t *testing.T) {
	a, mock := mockAdapter(t)

	mock.ExpectExec(`EXEC ResetHamiltonTables @ExperimentName = .+, @TablesJson = .+`).
		WithArgs("DemoRun", `["Experiments","Samples"]`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, a.ResetHamiltonTables(context.Background(), "DemoRun", []string{"Experiments", "Samples"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetHamiltonTablesDefaultSet(t *testing.T) {
	a, mock := mockAdapter(t)

	mock.ExpectExec(`EXEC ResetHamiltonTables @ExperimentName = .+`).
		WithArgs("DemoRun").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, a.ResetHamiltonTables(context.Background(), "DemoRun", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
