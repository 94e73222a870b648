package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/store"
	"github.com/kestrelhq/dromio/internal/usecase"
)

// jobUsecaser is the subset of JobUsecase the handler needs. Defined
// at point of use so tests can inject a fake.
type jobUsecaser interface {
	CreateJob(ctx context.Context, input usecase.CreateJobInput) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	UpdateJob(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
	EnableJob(ctx context.Context, id string) error
	DisableJob(ctx context.Context, id string) error
	TriggerAdhocRun(ctx context.Context, jobID string) (*domain.JobRun, error)
	CancelRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, input usecase.ListRunsInput) (*store.ListRunsResult, error)
}

type JobHandler struct {
	jobs   jobUsecaser
	logger *slog.Logger
}

func NewJobHandler(jobs jobUsecaser, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With("component", "job_handler")}
}

// runnerConfigRequest is the wire shape of a job's runner payload. Exactly
// one of the per-kind fields should be set, matching Kind.
type runnerConfigRequest struct {
	Kind   domain.RunnerKind    `json:"kind" binding:"required"`
	Shell  *domain.ShellConfig  `json:"shell,omitempty"`
	HTTP   *domain.HTTPConfig   `json:"http,omitempty"`
	PgSQL  *domain.PgSQLConfig  `json:"pgsql,omitempty"`
	MySQL  *domain.MySQLConfig  `json:"mysql,omitempty"`
	Python *domain.PythonConfig `json:"python,omitempty"`
	Node   *domain.NodeConfig   `json:"node,omitempty"`
}

func (r runnerConfigRequest) toDomain() (domain.RunnerConfig, error) {
	switch r.Kind {
	case domain.RunnerShell:
		if r.Shell == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.Shell, nil
	case domain.RunnerHTTP:
		if r.HTTP == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.HTTP, nil
	case domain.RunnerPgSQL:
		if r.PgSQL == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.PgSQL, nil
	case domain.RunnerMySQL:
		if r.MySQL == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.MySQL, nil
	case domain.RunnerPython:
		if r.Python == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.Python, nil
	case domain.RunnerNode:
		if r.Node == nil {
			return nil, domain.ErrUnknownRunnerType
		}
		return *r.Node, nil
	default:
		return nil, domain.ErrUnknownRunnerType
	}
}

type createJobRequest struct {
	Name          string              `json:"name" binding:"required"`
	Enabled       bool                `json:"enabled"`
	ScheduleCron  *string             `json:"schedule_cron,omitempty"`
	Runner        runnerConfigRequest `json:"runner" binding:"required"`
	MisfirePolicy string              `json:"misfire_policy,omitempty"`
}

// POST /jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runnerCfg, err := req.Runner.toDomain()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	misfire := domain.MisfirePolicy{Kind: domain.MisfireSkip}
	if req.MisfirePolicy != "" {
		misfire, err = domain.ParseMisfirePolicy(req.MisfirePolicy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), usecase.CreateJobInput{
		Name:          req.Name,
		Enabled:       req.Enabled,
		ScheduleCron:  req.ScheduleCron,
		RunnerConfig:  runnerCfg,
		MisfirePolicy: misfire,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GET /jobs/:id
func (h *JobHandler) GetByID(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GET /jobs
func (h *JobHandler) List(c *gin.Context) {
	jobs, err := h.jobs.ListJobs(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// DELETE /jobs/:id
func (h *JobHandler) Delete(c *gin.Context) {
	if err := h.jobs.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /jobs/:id/enable
func (h *JobHandler) Enable(c *gin.Context) {
	if err := h.jobs.EnableJob(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /jobs/:id/disable
func (h *JobHandler) Disable(c *gin.Context) {
	if err := h.jobs.DisableJob(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /jobs/:id/runs
func (h *JobHandler) TriggerRun(c *gin.Context) {
	run, err := h.jobs.TriggerAdhocRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// GET /jobs/:id/runs
func (h *JobHandler) ListRuns(c *gin.Context) {
	result, err := h.jobs.ListRuns(c.Request.Context(), usecase.ListRunsInput{
		JobID:  c.Param("id"),
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// POST /runs/:id/cancel
func (h *JobHandler) CancelRun(c *gin.Context) {
	if err := h.jobs.CancelRun(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": errDuplicateJob})
	case errors.Is(err, domain.ErrRunNotQueued):
		c.JSON(http.StatusConflict, gin.H{"error": "run is no longer queued"})
	case errors.Is(err, domain.ErrInvalidCron), errors.Is(err, domain.ErrUnknownRunnerType), errors.Is(err, domain.ErrUnknownMisfire):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("job handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
