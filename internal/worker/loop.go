// Package worker runs the claim-and-execute side of the engine: each
// node heartbeats its identity, reclaims runs abandoned by dead peers,
// and executes whatever it can claim up to its configured capacity.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/metrics"
	"github.com/kestrelhq/dromio/internal/store"
)

// Config tunes claim/heartbeat cadence and dead-worker detection.
type Config struct {
	Capacity          int
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
}

// Loop claims queued runs up to Capacity in-flight and dispatches each
// to an Executor on its own goroutine.
type Loop struct {
	store    store.Store
	exec     *Executor
	cfg      Config
	logger   *slog.Logger
	worker   domain.Worker
	mu       sync.Mutex
	inFlight int
}

func NewLoop(st store.Store, exec *Executor, cfg Config, logger *slog.Logger, w domain.Worker) *Loop {
	return &Loop{
		store:  st,
		exec:   exec,
		cfg:    cfg,
		logger: logger.With("component", "worker_loop", "worker_id", w.ID),
		worker: w,
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("worker loop started", "capacity", l.cfg.Capacity, "tick_interval", l.cfg.TickInterval)

	var wg sync.WaitGroup
	go l.heartbeatLoop(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("worker loop shutting down, waiting for in-flight runs")
			wg.Wait()
			return
		case <-ticker.C:
			l.claimAndDispatch(ctx, &wg)
		}
	}
}

func (l *Loop) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.worker.LastHeartbeat = time.Now().UTC()
			if err := l.store.Heartbeat(ctx, &l.worker); err != nil {
				l.logger.Error("heartbeat failed", "error", err)
				continue
			}
			metrics.WorkerHeartbeatsTotal.Inc()

			reclaimed, err := l.store.ReclaimDeadWorkersJobs(ctx, l.cfg.DeadAfter)
			if err != nil {
				l.logger.Error("reclaim dead workers failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				l.logger.Warn("reclaimed runs from dead workers", "count", reclaimed)
				metrics.ReclaimedRunsTotal.Add(float64(reclaimed))
			}
		}
	}
}

func (l *Loop) claimAndDispatch(ctx context.Context, wg *sync.WaitGroup) {
	l.mu.Lock()
	available := l.cfg.Capacity - l.inFlight
	l.mu.Unlock()
	if available <= 0 {
		return
	}

	runs, err := l.store.ClaimJobRuns(ctx, l.worker.ID, available)
	if err != nil {
		l.logger.Error("claim runs failed", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	metrics.ClaimedRunsTotal.Add(float64(len(runs)))
	now := time.Now()
	for _, run := range runs {
		metrics.JobPickupLatency.Observe(now.Sub(run.CreatedAt).Seconds())
	}

	l.mu.Lock()
	l.inFlight += len(runs)
	l.mu.Unlock()
	metrics.RunsInFlight.Set(float64(l.inFlight))

	for _, run := range runs {
		wg.Add(1)
		go func(run *domain.JobRun) {
			defer wg.Done()
			defer func() {
				l.mu.Lock()
				l.inFlight--
				l.mu.Unlock()
				metrics.RunsInFlight.Set(float64(l.inFlight))
			}()
			l.execute(ctx, run)
		}(run)
	}
}

func (l *Loop) execute(ctx context.Context, run *domain.JobRun) {
	logger := l.logger.With("run_id", run.ID, "job_id", run.JobID)
	logger.Info("executing run")

	start := time.Now()
	result := l.exec.Run(ctx, run)
	duration := time.Since(start)

	kind := "unknown"
	if run.Snapshot != nil {
		kind = string(run.Snapshot.Kind)
	}
	outcome := "succeeded"
	if result.Failed {
		outcome = "failed"
	}
	metrics.RunExecutionDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())

	state := domain.RunSucceeded
	if result.Failed {
		state = domain.RunFailed
	}

	if err := l.store.UpdateJobRunState(ctx, run.ID, state, result.ExitCode, result.Output, result.ErrorOutput); err != nil {
		logger.Error("failed to persist run outcome", "error", err)
		return
	}
	logger.Info("run finished", "state", state, "duration", duration)
}
