package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/evolab/labscheduler/core"
)

// Templates are plain text. Every message carries the schedule id, the
// experiment name, and a local timestamp so the operator can find the
// run without opening the UI.

func abortedMessage(schedule *core.Schedule, execution *core.JobExecution, reason string, now time.Time) (string, string) {
	subject := fmt.Sprintf("[LabScheduler] ABORTED: %s", schedule.ExperimentName)
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment %q was aborted.\n\n", schedule.ExperimentName)
	fmt.Fprintf(&b, "Schedule ID:   %s\n", schedule.ScheduleID)
	if execution != nil {
		fmt.Fprintf(&b, "Execution ID:  %s\n", execution.ExecutionID)
		if !execution.StartTime.IsZero() {
			fmt.Fprintf(&b, "Started:       %s\n", core.FormatLocal(execution.StartTime))
		}
	}
	fmt.Fprintf(&b, "Detected:      %s\n", core.FormatLocal(now))
	fmt.Fprintf(&b, "Reason:        %s\n\n", reason)
	b.WriteString("The schedule has been paused for manual recovery. ")
	b.WriteString("Inspect the instrument, then clear the recovery flag to resume.\n")
	return subject, b.String()
}

func longRunningMessage(schedule *core.Schedule, execution *core.JobExecution, elapsed, expected time.Duration, now time.Time) (string, string) {
	subject := fmt.Sprintf("[LabScheduler] Long-running: %s", schedule.ExperimentName)
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment %q is taking longer than expected.\n\n", schedule.ExperimentName)
	fmt.Fprintf(&b, "Schedule ID:   %s\n", schedule.ScheduleID)
	if execution != nil {
		fmt.Fprintf(&b, "Execution ID:  %s\n", execution.ExecutionID)
	}
	fmt.Fprintf(&b, "Elapsed:       %.0f minutes\n", elapsed.Minutes())
	fmt.Fprintf(&b, "Expected:      %.0f minutes\n", expected.Minutes())
	fmt.Fprintf(&b, "Checked:       %s\n", core.FormatLocal(now))
	return subject, b.String()
}

func recoveryRequiredMessage(schedule *core.Schedule, note, actor string, now time.Time) (string, string) {
	subject := fmt.Sprintf("[LabScheduler] Manual recovery required: %s", schedule.ExperimentName)
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule %q now requires manual recovery.\n\n", schedule.ExperimentName)
	fmt.Fprintf(&b, "Schedule ID:   %s\n", schedule.ScheduleID)
	fmt.Fprintf(&b, "Marked by:     %s\n", actor)
	fmt.Fprintf(&b, "Marked at:     %s\n", core.FormatLocal(now))
	fmt.Fprintf(&b, "Note:          %s\n\n", note)
	b.WriteString("All scheduling is paused until the flag is cleared.\n")
	return subject, b.String()
}

func recoveryClearedMessage(schedule *core.Schedule, note, actor string, now time.Time) (string, string) {
	subject := fmt.Sprintf("[LabScheduler] Recovery cleared: %s", schedule.ExperimentName)
	var b strings.Builder
	fmt.Fprintf(&b, "Manual recovery for %q has been resolved.\n\n", schedule.ExperimentName)
	fmt.Fprintf(&b, "Schedule ID:   %s\n", schedule.ScheduleID)
	fmt.Fprintf(&b, "Cleared by:    %s\n", actor)
	fmt.Fprintf(&b, "Cleared at:    %s\n", core.FormatLocal(now))
	if note != "" {
		fmt.Fprintf(&b, "Note:          %s\n", note)
	}
	b.WriteString("\nScheduling resumes on the next tick.\n")
	return subject, b.String()
}

func testMessage(now time.Time) (string, string) {
	subject := "[LabScheduler] Test notification"
	body := fmt.Sprintf("This is a test message from the lab scheduler, sent %s.\n"+
		"If you received it, SMTP settings are working.\n", core.FormatLocal(now))
	return subject, body
}
