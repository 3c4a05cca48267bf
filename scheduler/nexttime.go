package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/evolab/labscheduler/core"
)

// onceGrace is how long a one-shot schedule may run late before it is
// recorded as missed and deactivated.
const onceGrace = 30 * time.Minute

// cronGrace bounds lateness for cron schedules the same way.
const cronGrace = 30 * time.Minute

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// nextExecutionTime computes when the schedule should fire after a
// successful run at now. Interval schedules add their period to the
// current time rounded to the minute; a start time still in the future
// is preserved. Once schedules keep their original time.
func nextExecutionTime(s *core.Schedule, now time.Time) time.Time {
	now = core.EnsureLocalNaive(now)
	switch s.ScheduleType {
	case core.ScheduleInterval:
		if s.StartTime.After(now) {
			return s.StartTime
		}
		return now.Add(intervalDuration(s)).Round(time.Minute)
	case core.ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}
		}
		return core.EnsureLocalNaive(sched.Next(now))
	default:
		if s.StartTime.After(now) {
			return s.StartTime
		}
		return now
	}
}

// advancePastMissed moves a recurring schedule's start time to the next
// slot strictly after now, stepping from the original start so the slot
// grid is preserved.
func advancePastMissed(s *core.Schedule, now time.Time) time.Time {
	now = core.EnsureLocalNaive(now)
	switch s.ScheduleType {
	case core.ScheduleInterval:
		step := intervalDuration(s)
		next := s.StartTime
		for !next.After(now) {
			next = next.Add(step)
		}
		return next.Round(time.Minute)
	case core.ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}
		}
		return core.EnsureLocalNaive(sched.Next(now))
	default:
		return s.StartTime
	}
}

// missedGrace is the lateness beyond which a due schedule is recorded
// as missed instead of dispatched.
func missedGrace(s *core.Schedule) time.Duration {
	switch s.ScheduleType {
	case core.ScheduleInterval:
		return intervalDuration(s) / 2
	case core.ScheduleCron:
		return cronGrace
	default:
		return onceGrace
	}
}

func intervalDuration(s *core.Schedule) time.Duration {
	return time.Duration(s.IntervalHours * float64(time.Hour))
}

// ValidateCronExpression reports whether the expression parses with the
// standard five-field grammar (plus @-descriptors).
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
