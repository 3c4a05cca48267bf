package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/evolab/labscheduler/core"
)

// RegisterBuiltins installs the built-in pre-execution steps against
// the given instrument writer.
func RegisterBuiltins(r *Registry, instrument core.InstrumentWriter) {
	r.Register("ScheduledToRun", scheduledToRunStep(instrument))
	r.Register("ResetHamiltonTables", resetHamiltonTablesStep(instrument))
	r.Register("EvoYeastExperiment", evoYeastExperimentStep(instrument))
}

// scheduledToRunStep clears every ScheduledToRun flag in the
// instrument DB and then sets the flag for this schedule's experiment.
// Cleanup clears the flag again.
func scheduledToRunStep(instrument core.InstrumentWriter) Handler {
	return func(ctx context.Context, schedule *core.Schedule, args []string) Result {
		if err := instrument.ClearScheduledToRun(ctx); err != nil {
			return Result{Message: fmt.Sprintf("clear ScheduledToRun flags: %v", err)}
		}
		if err := instrument.SetScheduledToRunByName(ctx, schedule.ExperimentName); err != nil {
			return Result{Message: fmt.Sprintf("set ScheduledToRun for %s: %v", schedule.ExperimentName, err)}
		}
		return Result{
			Success: true,
			Message: "ScheduledToRun flag set",
			Cleanup: func(ctx context.Context) error {
				return instrument.ClearScheduledToRun(ctx)
			},
		}
	}
}

// resetHamiltonTablesStep executes the vendor reset routine against the
// named tables, or the routine's default set when no args are given.
// No cleanup: the reset is not reversible.
func resetHamiltonTablesStep(instrument core.InstrumentWriter) Handler {
	return func(ctx context.Context, schedule *core.Schedule, args []string) Result {
		var tables []string
		for _, a := range args {
			if a != "" {
				tables = append(tables, a)
			}
		}
		if err := instrument.ResetHamiltonTables(ctx, schedule.ExperimentName, tables); err != nil {
			return Result{Message: fmt.Sprintf("reset hamilton tables: %v", err)}
		}
		return Result{Success: true, Message: "hamilton tables reset"}
	}
}

// evoYeastExperimentStep parses "<id>|<action>". Action "set" resets
// all ScheduledToRun rows and sets the row with the given ExperimentID;
// action "none" is a no-op. No cleanup.
func evoYeastExperimentStep(instrument core.InstrumentWriter) Handler {
	return func(ctx context.Context, schedule *core.Schedule, args []string) Result {
		if len(args) != 1 {
			return Result{Message: "EvoYeastExperiment requires a single <id>|<action> argument"}
		}
		idPart, action, found := strings.Cut(args[0], "|")
		if !found {
			return Result{Message: fmt.Sprintf("EvoYeastExperiment argument %q missing |<action>", args[0])}
		}
		action = strings.ToLower(strings.TrimSpace(action))
		switch action {
		case "none":
			return Result{Success: true, Message: "EvoYeastExperiment: no action"}
		case "set":
			id, err := strconv.Atoi(strings.TrimSpace(idPart))
			if err != nil {
				return Result{Message: fmt.Sprintf("EvoYeastExperiment id %q is not numeric", idPart)}
			}
			if err := instrument.SetExclusiveEvoYeastExperiment(ctx, id); err != nil {
				return Result{Message: fmt.Sprintf("set exclusive experiment %d: %v", id, err)}
			}
			return Result{Success: true, Message: fmt.Sprintf("experiment %d marked ScheduledToRun", id)}
		default:
			return Result{Message: fmt.Sprintf("EvoYeastExperiment action %q not recognised", action)}
		}
	}
}
