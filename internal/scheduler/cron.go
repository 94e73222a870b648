package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelhq/dromio/internal/domain"
)

// ComputeNextFireTimes returns every fire time of cronExpr in the
// inclusive range [start, end]. robfig/cron's Next(t) is exclusive of
// t, so a fire time landing exactly on start would otherwise be
// skipped; probing from one second before start restores the
// inclusive-start behavior the scheduler loop depends on to never
// miss a boundary tick.
func ComputeNextFireTimes(cronExpr string, start, end time.Time) ([]time.Time, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, domain.ErrInvalidCron
	}

	var times []time.Time
	next := sched.Next(start.Add(-time.Second))
	for !next.After(end) {
		times = append(times, next)
		next = sched.Next(next)
	}
	return times, nil
}
