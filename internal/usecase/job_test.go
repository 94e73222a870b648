package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/store"
	"github.com/kestrelhq/dromio/internal/usecase"
)

// fakeStore implements store.Store with per-call overrides, the same
// shape as fakeUserRepo in auth_test.go. Methods not under test panic
// if called, so a test failing to stub what it exercises fails loudly.
type fakeStore struct {
	createJob       func(ctx context.Context, job *domain.Job) (*domain.Job, error)
	getJob          func(ctx context.Context, id string) (*domain.Job, error)
	listJobs        func(ctx context.Context) ([]*domain.Job, error)
	updateJob       func(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error)
	deleteJob       func(ctx context.Context, id string) error
	enableJob       func(ctx context.Context, id string) error
	disableJob      func(ctx context.Context, id string) error
	createAdhocRun  func(ctx context.Context, jobID string) (*domain.JobRun, error)
	cancelRun       func(ctx context.Context, runID string) error
	listRecentRuns  func(ctx context.Context, filter store.ListRunsFilter) (*store.ListRunsResult, error)
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeStore) ListEnabledCronJobs(ctx context.Context) ([]*domain.Job, error) {
	panic("not stubbed")
}
func (f *fakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return f.getJob(ctx, id)
}
func (f *fakeStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return f.listJobs(ctx)
}
func (f *fakeStore) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return f.createJob(ctx, job)
}
func (f *fakeStore) UpdateJob(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error) {
	return f.updateJob(ctx, id, upd)
}
func (f *fakeStore) DeleteJob(ctx context.Context, id string) error {
	return f.deleteJob(ctx, id)
}
func (f *fakeStore) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	panic("not stubbed")
}
func (f *fakeStore) EnableJob(ctx context.Context, id string) error {
	return f.enableJob(ctx, id)
}
func (f *fakeStore) DisableJob(ctx context.Context, id string) error {
	return f.disableJob(ctx, id)
}
func (f *fakeStore) InsertJobRunIfMissing(ctx context.Context, jobID string, scheduledFor time.Time) (bool, error) {
	panic("not stubbed")
}
func (f *fakeStore) ClaimJobRuns(ctx context.Context, workerID string, limit int) ([]*domain.JobRun, error) {
	panic("not stubbed")
}
func (f *fakeStore) UpdateJobRunState(ctx context.Context, runID string, state domain.RunState, exitCode *int, output, errOutput *string) error {
	panic("not stubbed")
}
func (f *fakeStore) CreateAdhocRun(ctx context.Context, jobID string) (*domain.JobRun, error) {
	return f.createAdhocRun(ctx, jobID)
}
func (f *fakeStore) CancelRun(ctx context.Context, runID string) error {
	return f.cancelRun(ctx, runID)
}
func (f *fakeStore) ListRecentRuns(ctx context.Context, filter store.ListRunsFilter) (*store.ListRunsResult, error) {
	return f.listRecentRuns(ctx, filter)
}
func (f *fakeStore) Heartbeat(ctx context.Context, w *domain.Worker) error { panic("not stubbed") }
func (f *fakeStore) ReclaimDeadWorkersJobs(ctx context.Context, deadAfter time.Duration) (int64, error) {
	panic("not stubbed")
}
func (f *fakeStore) AmILeader(ctx context.Context) (bool, error) { panic("not stubbed") }
func (f *fakeStore) InsertWorker(ctx context.Context, w *domain.Worker) error {
	panic("not stubbed")
}
func (f *fakeStore) LookupWorkerByID(ctx context.Context, id string) (*domain.Worker, error) {
	panic("not stubbed")
}
func (f *fakeStore) IncrRestartCount(ctx context.Context, id, version string) (int, error) {
	panic("not stubbed")
}
func (f *fakeStore) CreateConnectionConfig(ctx context.Context, c *domain.SharedConnectionConfig) error {
	panic("not stubbed")
}
func (f *fakeStore) GetConnectionConfig(ctx context.Context, id string) (*domain.SharedConnectionConfig, error) {
	panic("not stubbed")
}
func (f *fakeStore) DeleteConnectionConfig(ctx context.Context, id string) error {
	panic("not stubbed")
}

var _ store.Store = (*fakeStore)(nil)

func TestCreateJob_RejectsInvalidCron(t *testing.T) {
	fs := &fakeStore{}
	u := usecase.NewJobUsecase(fs)

	bad := "not a cron expression"
	_, err := u.CreateJob(context.Background(), usecase.CreateJobInput{
		Name:         "job-1",
		ScheduleCron: &bad,
		RunnerConfig: domain.ShellConfig{Command: "echo hi"},
	})
	if !errors.Is(err, domain.ErrInvalidCron) {
		t.Fatalf("expected ErrInvalidCron, got %v", err)
	}
}

func TestCreateJob_ValidCronReachesStore(t *testing.T) {
	var captured *domain.Job
	fs := &fakeStore{
		createJob: func(_ context.Context, job *domain.Job) (*domain.Job, error) {
			captured = job
			job.ID = "job-1"
			return job, nil
		},
	}
	u := usecase.NewJobUsecase(fs)

	cronExpr := "*/5 * * * *"
	created, err := u.CreateJob(context.Background(), usecase.CreateJobInput{
		Name:         "job-1",
		ScheduleCron: &cronExpr,
		RunnerConfig: domain.ShellConfig{Command: "echo hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != "job-1" {
		t.Errorf("expected job ID to come back from the store, got %q", created.ID)
	}
	if captured.Name != "job-1" {
		t.Errorf("store did not receive the job name")
	}
}

func TestUpdateJob_RejectsInvalidCron(t *testing.T) {
	fs := &fakeStore{}
	u := usecase.NewJobUsecase(fs)

	_, err := u.UpdateJob(context.Background(), "job-1", domain.JobUpdate{
		ScheduleCron: domain.SetField("garbage"),
	})
	if !errors.Is(err, domain.ErrInvalidCron) {
		t.Fatalf("expected ErrInvalidCron, got %v", err)
	}
}

func TestUpdateJob_ClearingScheduleSkipsValidation(t *testing.T) {
	fs := &fakeStore{
		updateJob: func(_ context.Context, id string, upd domain.JobUpdate) (*domain.Job, error) {
			return &domain.Job{ID: id}, nil
		},
	}
	u := usecase.NewJobUsecase(fs)

	_, err := u.UpdateJob(context.Background(), "job-1", domain.JobUpdate{
		ScheduleCron: domain.ClearField[string](),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteJob_PropagatesStoreError(t *testing.T) {
	wantErr := domain.ErrJobNotFound
	fs := &fakeStore{
		deleteJob: func(_ context.Context, _ string) error { return wantErr },
	}
	u := usecase.NewJobUsecase(fs)

	err := u.DeleteJob(context.Background(), "job-1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
}

func TestCancelRun_PropagatesNotQueuedError(t *testing.T) {
	fs := &fakeStore{
		cancelRun: func(_ context.Context, _ string) error { return domain.ErrRunNotQueued },
	}
	u := usecase.NewJobUsecase(fs)

	err := u.CancelRun(context.Background(), "run-1")
	if !errors.Is(err, domain.ErrRunNotQueued) {
		t.Fatalf("expected ErrRunNotQueued, got %v", err)
	}
}

func TestListRuns_ClampsLimit(t *testing.T) {
	var capturedLimit int
	fs := &fakeStore{
		listRecentRuns: func(_ context.Context, filter store.ListRunsFilter) (*store.ListRunsResult, error) {
			capturedLimit = filter.Limit
			return &store.ListRunsResult{}, nil
		},
	}
	u := usecase.NewJobUsecase(fs)

	if _, err := u.ListRuns(context.Background(), usecase.ListRunsInput{Limit: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedLimit != 100 {
		t.Errorf("expected clamped limit 100, got %d", capturedLimit)
	}
}

func TestListRuns_DefaultsLimit(t *testing.T) {
	var capturedLimit int
	fs := &fakeStore{
		listRecentRuns: func(_ context.Context, filter store.ListRunsFilter) (*store.ListRunsResult, error) {
			capturedLimit = filter.Limit
			return &store.ListRunsResult{}, nil
		},
	}
	u := usecase.NewJobUsecase(fs)

	if _, err := u.ListRuns(context.Background(), usecase.ListRunsInput{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedLimit != 20 {
		t.Errorf("expected default limit 20, got %d", capturedLimit)
	}
}
