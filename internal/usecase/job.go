package usecase

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/store"
)

// JobUsecase is the admin-API surface over the Store: job CRUD, adhoc
// runs, and run history. It does not care which transport calls it.
type JobUsecase struct {
	store store.Store
}

func NewJobUsecase(st store.Store) *JobUsecase {
	return &JobUsecase{store: st}
}

type CreateJobInput struct {
	Name          string
	Enabled       bool
	ScheduleCron  *string
	RunnerConfig  domain.RunnerConfig
	MisfirePolicy domain.MisfirePolicy
	EnvVars       []domain.JobEnvVar
}

func (u *JobUsecase) CreateJob(ctx context.Context, input CreateJobInput) (*domain.Job, error) {
	if input.ScheduleCron != nil {
		if err := validateCron(*input.ScheduleCron); err != nil {
			return nil, err
		}
	}

	job := &domain.Job{
		Name:          input.Name,
		Enabled:       input.Enabled,
		ScheduleCron:  input.ScheduleCron,
		RunnerConfig:  input.RunnerConfig,
		MisfirePolicy: input.MisfirePolicy,
		EnvVars:       input.EnvVars,
	}

	created, err := u.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

func (u *JobUsecase) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := u.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (u *JobUsecase) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	jobs, err := u.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (u *JobUsecase) UpdateJob(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error) {
	if cronExpr, ok := upd.ScheduleCron.Value(); ok && cronExpr != "" {
		if err := validateCron(cronExpr); err != nil {
			return nil, err
		}
	}

	updated, err := u.store.UpdateJob(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return updated, nil
}

func (u *JobUsecase) DeleteJob(ctx context.Context, id string) error {
	if err := u.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (u *JobUsecase) EnableJob(ctx context.Context, id string) error {
	if err := u.store.EnableJob(ctx, id); err != nil {
		return fmt.Errorf("enable job: %w", err)
	}
	return nil
}

func (u *JobUsecase) DisableJob(ctx context.Context, id string) error {
	if err := u.store.DisableJob(ctx, id); err != nil {
		return fmt.Errorf("disable job: %w", err)
	}
	return nil
}

func (u *JobUsecase) TriggerAdhocRun(ctx context.Context, jobID string) (*domain.JobRun, error) {
	run, err := u.store.CreateAdhocRun(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("trigger adhoc run: %w", err)
	}
	return run, nil
}

func (u *JobUsecase) CancelRun(ctx context.Context, runID string) error {
	if err := u.store.CancelRun(ctx, runID); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

type ListRunsInput struct {
	JobID  string
	Cursor string
	Limit  int
}

func (u *JobUsecase) ListRuns(ctx context.Context, input ListRunsInput) (*store.ListRunsResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	result, err := u.store.ListRecentRuns(ctx, store.ListRunsFilter{
		JobID:  input.JobID,
		Limit:  limit,
		Cursor: input.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return result, nil
}

func validateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return domain.ErrInvalidCron
	}
	return nil
}
