// Package store defines the persistence boundary the scheduler loop,
// worker loop, and admin API all depend on. internal/infrastructure/postgres
// is the only implementation, but callers take the interface so tests can
// substitute fakes.
package store

import (
	"context"
	"time"

	"github.com/kestrelhq/dromio/internal/domain"
)

// ListRunsFilter narrows ListRecentRuns. Zero values are unfiltered.
type ListRunsFilter struct {
	JobID  string
	Before *time.Time
	After  *time.Time
	Limit  int
	Cursor string
}

type ListRunsResult struct {
	Runs       []*domain.JobRun
	NextCursor string
}

// Store is the full persistence surface for the engine: job
// definitions, materialized runs, worker bookkeeping, and the
// leader-election primitive the scheduler loop relies on.
type Store interface {
	HealthCheck(ctx context.Context) error

	// Job CRUD, used by both the admin API and the scheduler's cron scan.
	ListEnabledCronJobs(ctx context.Context) ([]*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error)
	UpdateJob(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
	EnableJob(ctx context.Context, id string) error
	DisableJob(ctx context.Context, id string) error

	// Run lifecycle.
	InsertJobRunIfMissing(ctx context.Context, jobID string, scheduledFor time.Time) (bool, error)
	ClaimJobRuns(ctx context.Context, workerID string, limit int) ([]*domain.JobRun, error)
	UpdateJobRunState(ctx context.Context, runID string, state domain.RunState, exitCode *int, output, errOutput *string) error
	CreateAdhocRun(ctx context.Context, jobID string) (*domain.JobRun, error)
	CancelRun(ctx context.Context, runID string) error
	ListRecentRuns(ctx context.Context, filter ListRunsFilter) (*ListRunsResult, error)

	// Worker bookkeeping and leader election.
	Heartbeat(ctx context.Context, w *domain.Worker) error
	ReclaimDeadWorkersJobs(ctx context.Context, deadAfter time.Duration) (int64, error)
	AmILeader(ctx context.Context) (bool, error)
	InsertWorker(ctx context.Context, w *domain.Worker) error
	LookupWorkerByID(ctx context.Context, id string) (*domain.Worker, error)
	IncrRestartCount(ctx context.Context, id, version string) (int, error)

	// Shared connection configs, referenced by PgSQL/MySQL runner payloads.
	CreateConnectionConfig(ctx context.Context, c *domain.SharedConnectionConfig) error
	GetConnectionConfig(ctx context.Context, id string) (*domain.SharedConnectionConfig, error)
	DeleteConnectionConfig(ctx context.Context, id string) error
}
