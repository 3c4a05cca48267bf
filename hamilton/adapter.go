// Package hamilton is the narrow read (and narrower write) adapter for
// the instrument vendor's own database. The scheduler does not own that
// schema; it reads a handful of documented columns and flips one flag.
// Every call tolerates the vendor DB being unreachable: connect errors
// degrade to "unknown" answers and a debug log line, never a blocked
// engine.
package hamilton

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/evolab/labscheduler/core"
)

// Run-state labels translated from the vendor's numeric codes.
const (
	StateIdle     = "Idle"
	StateRunning  = "Running"
	StateComplete = "Complete"
	StatePaused   = "Paused"
	StateStopped  = "Stopped"
	StateError    = "Error"
	StateAborted  = "Aborted"
)

// runStateLabels is the fixed mapping from the vendor's numeric
// RunState codes. Codes outside the table are reported as Error, which
// errs on the side of flagging a run for the operator.
var runStateLabels = map[int]string{
	1:  StateIdle,
	2:  StateRunning,
	3:  StateComplete,
	4:  StatePaused,
	8:  StateStopped,
	16: StateError,
	64: StateAborted,
}

// AbortStates are the labels that classify a run as an operator-visible
// abort.
var AbortStates = map[string]bool{
	StateAborted: true,
	StateError:   true,
}

// LabelForState translates a numeric RunState code.
func LabelForState(code int) string {
	if label, ok := runStateLabels[code]; ok {
		return label
	}
	return StateError
}

// Adapter talks to the vendor database. A nil db (empty DSN at
// construction) is valid and degrades every query.
type Adapter struct {
	db             *sqlx.DB
	connectTimeout time.Duration
	logger         core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithDB injects an existing database handle. Tests use this with
// sqlmock.
func WithDB(db *sqlx.DB) Option {
	return func(a *Adapter) { a.db = db }
}

// New creates an adapter for the given DSN. An empty DSN produces a
// degraded adapter whose reads return "unknown" and whose writes fail
// with a transport error.
func New(dsn string, connectTimeout time.Duration, opts ...Option) *Adapter {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	a := &Adapter{connectTimeout: connectTimeout, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(a)
	}
	if a.db == nil && dsn != "" {
		// sqlx.Open does not dial; the first query does, bounded by
		// the connect timeout context.
		if db, err := sqlx.Open("sqlserver", dsn); err == nil {
			a.db = db
		} else {
			a.logger.Debug("vendor db open failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return a
}

// Close releases the database handle.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// LatestRun is the most recent row of the vendor's run table.
type LatestRun struct {
	RunGUID    string    `db:"RunGUID"`
	MethodName string    `db:"MethodName"`
	StartTime  time.Time `db:"StartTime"`
	EndTime    time.Time `db:"EndTime"`
	RunState   int       `db:"RunState"`
}

// GetLatestRun returns the newest run row regardless of method.
func (a *Adapter) GetLatestRun(ctx context.Context) (*LatestRun, bool) {
	if a.db == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	var run LatestRun
	err := a.db.GetContext(ctx, &run,
		`SELECT TOP 1 RunGUID, MethodName, StartTime, EndTime, RunState FROM HxRun ORDER BY StartTime DESC`)
	if err != nil {
		a.logger.Debug("latest run query failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	return &run, true
}

// GetLatestRunState returns the mapped state label of the most recent
// run matching the method. Candidate names are tried with equality
// first, then a LIKE fallback for terms of three characters or more.
// The first non-null mapped label wins.
func (a *Adapter) GetLatestRunState(ctx context.Context, methodName, experimentPath string) (string, bool) {
	if a.db == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	for _, candidate := range candidateNames(methodName, experimentPath) {
		var state sql.NullInt64
		err := a.db.GetContext(ctx, &state,
			`SELECT TOP 1 RunState FROM HxRun WHERE MethodName = @p1 ORDER BY StartTime DESC`, candidate)
		if err == nil && state.Valid {
			return LabelForState(int(state.Int64)), true
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			a.logger.Debug("run state query failed", map[string]interface{}{
				"candidate": candidate,
				"error":     err.Error(),
			})
			return "", false
		}
	}

	for _, candidate := range candidateNames(methodName, experimentPath) {
		if len(candidate) < 3 {
			continue
		}
		var state sql.NullInt64
		err := a.db.GetContext(ctx, &state,
			`SELECT TOP 1 RunState FROM HxRun WHERE MethodName LIKE @p1 ORDER BY StartTime DESC`, "%"+candidate+"%")
		if err == nil && state.Valid {
			return LabelForState(int(state.Int64)), true
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", false
		}
	}
	return "", false
}

// candidateNames expands a method reference into the forms the vendor
// may have recorded: the raw name, the path's base name, and the stem
// with .med and .hsl variants.
func candidateNames(methodName, experimentPath string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	add(methodName)
	if experimentPath != "" {
		base := filepath.Base(filepath.ToSlash(experimentPath))
		add(base)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		add(stem)
		add(stem + ".med")
		add(stem + ".hsl")
	}
	if methodName != "" {
		stem := strings.TrimSuffix(methodName, filepath.Ext(methodName))
		add(stem)
		add(stem + ".med")
		add(stem + ".hsl")
	}
	return out
}

// Experiment is a row of the vendor's Experiments table.
type Experiment struct {
	ExperimentID   int    `db:"ExperimentID"`
	UserDefinedID  string `db:"UserDefinedID"`
	Note           string `db:"Note"`
	ScheduledToRun bool   `db:"ScheduledToRun"`
}

// GetRecentExperiments lists the newest experiment rows.
func (a *Adapter) GetRecentExperiments(ctx context.Context, limit int) ([]Experiment, error) {
	if a.db == nil {
		return nil, core.NewError("hamilton.GetRecentExperiments", "transport", core.ErrTransport)
	}
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	var out []Experiment
	query := fmt.Sprintf(`SELECT TOP %d ExperimentID, UserDefinedID, Note, ScheduledToRun FROM Experiments ORDER BY ExperimentID DESC`, limit)
	if err := a.db.SelectContext(ctx, &out, query); err != nil {
		return nil, core.NewError("hamilton.GetRecentExperiments", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	return out, nil
}

// SetExclusiveEvoYeastExperiment zeroes every row's ScheduledToRun and
// sets the target row, in one transaction.
func (a *Adapter) SetExclusiveEvoYeastExperiment(ctx context.Context, experimentID int) error {
	if a.db == nil {
		return core.NewError("hamilton.SetExclusiveEvoYeastExperiment", "transport", core.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewError("hamilton.SetExclusiveEvoYeastExperiment", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE Experiments SET ScheduledToRun = 0`); err != nil {
		return core.NewError("hamilton.SetExclusiveEvoYeastExperiment", "transport", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE Experiments SET ScheduledToRun = 1 WHERE ExperimentID = @p1`, experimentID); err != nil {
		return core.NewError("hamilton.SetExclusiveEvoYeastExperiment", "transport", err)
	}
	return tx.Commit()
}

// ClearScheduledToRun zeroes the ScheduledToRun flag on every row.
func (a *Adapter) ClearScheduledToRun(ctx context.Context) error {
	if a.db == nil {
		return core.NewError("hamilton.ClearScheduledToRun", "transport", core.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	if _, err := a.db.ExecContext(ctx, `UPDATE Experiments SET ScheduledToRun = 0`); err != nil {
		return core.NewError("hamilton.ClearScheduledToRun", "transport", err)
	}
	return nil
}

// SetScheduledToRunByName sets the ScheduledToRun flag on the row whose
// UserDefinedID matches the experiment name.
func (a *Adapter) SetScheduledToRunByName(ctx context.Context, experimentName string) error {
	if a.db == nil {
		return core.NewError("hamilton.SetScheduledToRunByName", "transport", core.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	if _, err := a.db.ExecContext(ctx, `UPDATE Experiments SET ScheduledToRun = 1 WHERE UserDefinedID = @p1`, experimentName); err != nil {
		return core.NewError("hamilton.SetScheduledToRunByName", "transport", err)
	}
	return nil
}

// ResetHamiltonTables invokes the vendor-provided stored routine.
// tables may be nil, in which case the routine's default set applies.
func (a *Adapter) ResetHamiltonTables(ctx context.Context, experimentName string, tables []string) error {
	if a.db == nil {
		return core.NewError("hamilton.ResetHamiltonTables", "transport", core.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	var err error
	if len(tables) > 0 {
		_, err = a.db.ExecContext(ctx, `EXEC ResetHamiltonTables @ExperimentName = @p1, @TablesJson = @p2`,
			experimentName, marshalTables(tables))
	} else {
		_, err = a.db.ExecContext(ctx, `EXEC ResetHamiltonTables @ExperimentName = @p1`, experimentName)
	}
	if err != nil {
		return core.NewError("hamilton.ResetHamiltonTables", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	return nil
}

func marshalTables(tables []string) string {
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = `"` + t + `"`
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
