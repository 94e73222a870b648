package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/metrics"
	"github.com/kestrelhq/dromio/internal/store"
)

// Config tunes the tick cadence and opt-in misfire catch-up behavior.
type Config struct {
	TickInterval          time.Duration
	MisfireCatchupEnabled bool
}

// Loop is the cron-expansion side of the engine: on every tick, the
// leader node scans enabled cron jobs and idempotently materializes
// any fire times due in the next minute.
type Loop struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	nodeID string
}

func NewLoop(st store.Store, cfg Config, logger *slog.Logger, nodeID string) *Loop {
	return &Loop{store: st, cfg: cfg, logger: logger.With("component", "scheduler_loop"), nodeID: nodeID}
}

func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("scheduler loop started", "tick_interval", l.cfg.TickInterval)

	if l.cfg.MisfireCatchupEnabled {
		if err := l.RunMisfireCatchup(ctx); err != nil {
			l.logger.Error("misfire catchup failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop shut down")
			return
		default:
		}

		start := time.Now()
		if err := l.tick(ctx); err != nil {
			l.logger.Error("scheduler tick error", "error", err)
		}
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(l.cfg.TickInterval)):
		}
	}
}

// jitter desynchronizes scheduler nodes by up to ±3% of interval, so
// concurrent nodes polling the advisory lock don't all wake in
// lockstep.
func jitter(d time.Duration) time.Duration {
	spread := d / 33 // ~3%
	if spread <= 0 {
		return d
	}
	return d - spread + time.Duration(rand.Int63n(int64(2*spread)))
}

func (l *Loop) tick(ctx context.Context) error {
	leader, err := l.store.AmILeader(ctx)
	if err != nil {
		return err
	}
	if leader {
		metrics.SchedulerIsLeader.Set(1)
	} else {
		metrics.SchedulerIsLeader.Set(0)
		return nil
	}

	now := time.Now().UTC()
	jobs, err := l.store.ListEnabledCronJobs(ctx)
	if err != nil {
		return err
	}

	scheduled := 0
	for _, job := range jobs {
		if job.ScheduleCron == nil {
			continue
		}
		times, err := ComputeNextFireTimes(*job.ScheduleCron, now, now.Add(time.Minute))
		if err != nil {
			l.logger.Error("invalid cron expression for job", "job_id", job.ID, "cron", *job.ScheduleCron, "error", err)
			continue
		}

		for _, ts := range times {
			inserted, err := l.store.InsertJobRunIfMissing(ctx, job.ID, ts)
			if err != nil {
				l.logger.Error("insert job run failed", "job_id", job.ID, "scheduled_for", ts, "error", err)
				continue
			}
			if inserted {
				scheduled++
				metrics.RunsMaterializedTotal.Inc()
			}
		}
	}

	if len(jobs) > 0 || scheduled > 0 {
		l.logger.Info("scheduler tick", "node", l.nodeID, "jobs_scanned", len(jobs), "runs_scheduled", scheduled)
	}
	return nil
}

// RunMisfireCatchup runs once at startup, opt-in only. It looks at
// enabled cron jobs and, per job, decides whether to materialize fire
// times that would have occurred while no leader was ticking, based on
// each job's MisfirePolicy. This never runs on the regular tick: the
// engine never silently materializes historical runs without operator
// intent.
func (l *Loop) RunMisfireCatchup(ctx context.Context) error {
	jobs, err := l.store.ListEnabledCronJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.ScheduleCron == nil {
			continue
		}

		if job.MisfirePolicy.Kind == domain.MisfireRunImmediately {
			ts := now.Truncate(time.Second)
			if _, err := l.store.InsertJobRunIfMissing(ctx, job.ID, ts); err != nil {
				l.logger.Error("misfire catchup: insert failed", "job_id", job.ID, "scheduled_for", ts, "error", err)
			}
			continue
		}

		window, ok := catchupWindow(job.MisfirePolicy, now)
		if !ok {
			continue
		}

		times, err := ComputeNextFireTimes(*job.ScheduleCron, window, now)
		if err != nil {
			l.logger.Error("misfire catchup: invalid cron", "job_id", job.ID, "error", err)
			continue
		}

		times = applyMisfireSelection(job.MisfirePolicy, times)

		for _, ts := range times {
			if _, err := l.store.InsertJobRunIfMissing(ctx, job.ID, ts); err != nil {
				l.logger.Error("misfire catchup: insert failed", "job_id", job.ID, "scheduled_for", ts, "error", err)
			}
		}
		if len(times) > 0 {
			l.logger.Info("misfire catchup materialized runs", "job_id", job.ID, "count", len(times), "policy", job.MisfirePolicy.String())
		}
	}
	return nil
}

// catchupWindow returns how far back to look for missed fire times,
// and whether this policy opts into catch-up at all. Skip and
// RunImmediately never backfill a window of missed runs: Skip by
// definition, RunImmediately by only firing once, right now.
func catchupWindow(p domain.MisfirePolicy, now time.Time) (time.Time, bool) {
	switch p.Kind {
	case domain.MisfireRunIfLateWithin:
		return now.Add(-p.Within), true
	case domain.MisfireCoalesce, domain.MisfireRunAll:
		return now.Add(-24 * time.Hour), true
	default:
		return time.Time{}, false
	}
}

// applyMisfireSelection narrows the missed fire times found in the
// catch-up window down to what the policy actually wants materialized:
// RunAll keeps every one, Coalesce (and RunIfLateWithin, which already
// bounded the window) collapse to just the most recent.
func applyMisfireSelection(p domain.MisfirePolicy, times []time.Time) []time.Time {
	if len(times) == 0 {
		return times
	}
	switch p.Kind {
	case domain.MisfireRunAll:
		return times
	default:
		return times[len(times)-1:]
	}
}
