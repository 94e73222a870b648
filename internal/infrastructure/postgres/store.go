package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/store"
)

// advisoryLeaderKey is the pg_try_advisory_lock key scheduler nodes
// race on. Any node that acquires it ticks the cron scan; the rest
// stay idle until the connection holding the lock drops.
const advisoryLeaderKey = 134037

// Store is the Postgres-backed implementation of store.Store. One pool
// serves job/run CRUD, run claiming, and worker bookkeeping alike.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return domain.Database("health check", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type jobRow struct {
	id, name          string
	enabled           bool
	scheduleCron      *string
	runnerType        string
	maxConcurrency    int
	misfirePolicy     string
	shellCommand      *string
	shellWorkingDir   *string
	httpMethod        *string
	httpURL           *string
	httpHeaders       []byte
	httpBody          *string
	httpTimeoutSec    *int
	pgConfigID        *string
	pgQuery           *string
	pgTimeoutSec      *int
	myConfigID        *string
	myQuery           *string
	myTimeoutSec      *int
	pyModule          *string
	pyClassName       *string
	pyTimeoutSec      *int
	nodeModule        *string
	nodeFunctionName  *string
	nodeTimeoutSec    *int
	createdAt         time.Time
	updatedAt         time.Time
}

const jobSelectColumns = `
	j.id, j.name, j.enabled, j.schedule_cron, j.runner_type,
	j.max_concurrency, j.misfire_policy,
	s.command, s.working_dir,
	h.method, h.url, h.headers, h.body, h.timeout_sec,
	pg.config_id, pg.query, pg.timeout_sec,
	my.config_id, my.query, my.timeout_sec,
	py.module, py.class_name, py.timeout_sec,
	nd.module, nd.function_name, nd.timeout_sec,
	j.created_at, j.updated_at`

const jobFromJoins = `
	FROM jobs j
	LEFT JOIN job_runner_shell  s  ON s.job_id  = j.id
	LEFT JOIN job_runner_http   h  ON h.job_id  = j.id
	LEFT JOIN job_runner_pgsql  pg ON pg.job_id = j.id
	LEFT JOIN job_runner_mysql  my ON my.job_id = j.id
	LEFT JOIN job_runner_python py ON py.job_id = j.id
	LEFT JOIN job_runner_node   nd ON nd.job_id = j.id`

func scanJobRow(row rowScanner) (*jobRow, error) {
	var r jobRow
	err := row.Scan(
		&r.id, &r.name, &r.enabled, &r.scheduleCron, &r.runnerType,
		&r.maxConcurrency, &r.misfirePolicy,
		&r.shellCommand, &r.shellWorkingDir,
		&r.httpMethod, &r.httpURL, &r.httpHeaders, &r.httpBody, &r.httpTimeoutSec,
		&r.pgConfigID, &r.pgQuery, &r.pgTimeoutSec,
		&r.myConfigID, &r.myQuery, &r.myTimeoutSec,
		&r.pyModule, &r.pyClassName, &r.pyTimeoutSec,
		&r.nodeModule, &r.nodeFunctionName, &r.nodeTimeoutSec,
		&r.createdAt, &r.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// toDomainJob assembles the RunnerConfig tagged union and MisfirePolicy
// out of the left-joined columns, mirroring build_jobspec's match on
// runner_type from the original store.
func (r *jobRow) toDomainJob() (*domain.Job, error) {
	var cfg domain.RunnerConfig
	switch domain.RunnerKind(r.runnerType) {
	case domain.RunnerShell:
		if r.shellCommand == nil {
			return nil, domain.Database("missing shell_command for job "+r.id, nil)
		}
		cfg = domain.ShellConfig{Command: *r.shellCommand, WorkingDir: deref(r.shellWorkingDir)}
	case domain.RunnerHTTP:
		if r.httpMethod == nil || r.httpURL == nil {
			return nil, domain.Database("missing http fields for job "+r.id, nil)
		}
		var headers map[string]string
		if len(r.httpHeaders) > 0 {
			if err := json.Unmarshal(r.httpHeaders, &headers); err != nil {
				return nil, domain.Database("invalid http headers json for job "+r.id, err)
			}
		}
		cfg = domain.HTTPConfig{
			Method:     *r.httpMethod,
			URL:        *r.httpURL,
			Headers:    headers,
			Body:       deref(r.httpBody),
			TimeoutSec: derefInt(r.httpTimeoutSec),
		}
	case domain.RunnerPgSQL:
		if r.pgConfigID == nil || r.pgQuery == nil {
			return nil, domain.Database("missing pgsql fields for job "+r.id, nil)
		}
		cfg = domain.PgSQLConfig{ConfigID: *r.pgConfigID, Query: *r.pgQuery, TimeoutSec: derefInt(r.pgTimeoutSec)}
	case domain.RunnerMySQL:
		if r.myConfigID == nil || r.myQuery == nil {
			return nil, domain.Database("missing mysql fields for job "+r.id, nil)
		}
		cfg = domain.MySQLConfig{ConfigID: *r.myConfigID, Query: *r.myQuery, TimeoutSec: derefInt(r.myTimeoutSec)}
	case domain.RunnerPython:
		if r.pyModule == nil || r.pyClassName == nil {
			return nil, domain.Database("missing python fields for job "+r.id, nil)
		}
		cfg = domain.PythonConfig{Module: *r.pyModule, ClassName: *r.pyClassName, TimeoutSec: derefInt(r.pyTimeoutSec)}
	case domain.RunnerNode:
		if r.nodeModule == nil || r.nodeFunctionName == nil {
			return nil, domain.Database("missing node fields for job "+r.id, nil)
		}
		cfg = domain.NodeConfig{Module: *r.nodeModule, FunctionName: *r.nodeFunctionName, TimeoutSec: derefInt(r.nodeTimeoutSec)}
	default:
		return nil, domain.ErrUnknownRunnerType
	}

	misfire, err := domain.ParseMisfirePolicy(r.misfirePolicy)
	if err != nil {
		return nil, domain.InvalidInput("invalid misfire_policy for job "+r.id, err)
	}

	return &domain.Job{
		ID:             r.id,
		Name:           r.name,
		Enabled:        r.enabled,
		ScheduleCron:   r.scheduleCron,
		RunnerConfig:   cfg,
		MaxConcurrency: r.maxConcurrency,
		MisfirePolicy:  misfire,
		CreatedAt:      r.createdAt,
		UpdatedAt:      r.updatedAt,
	}, nil
}

func (s *Store) ListEnabledCronJobs(ctx context.Context) ([]*domain.Job, error) {
	query := "SELECT" + jobSelectColumns + jobFromJoins + `
		WHERE j.enabled = TRUE
		  AND j.schedule_cron IS NOT NULL
		  AND j.deleted_at IS NULL`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, domain.Database("list enabled cron jobs", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		jr, err := scanJobRow(rows)
		if err != nil {
			return nil, domain.Database("scan job row", err)
		}
		j, err := jr.toDomainJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	query := "SELECT" + jobSelectColumns + jobFromJoins + `
		WHERE j.deleted_at IS NULL
		ORDER BY j.created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, domain.Database("list jobs", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		jr, err := scanJobRow(rows)
		if err != nil {
			return nil, domain.Database("scan job row", err)
		}
		j, err := jr.toDomainJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := "SELECT" + jobSelectColumns + jobFromJoins + `
		WHERE j.id = $1 AND j.deleted_at IS NULL`

	jr, err := scanJobRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.Database("get job", err)
	}
	return jr.toDomainJob()
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Database("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (name, schedule_cron, runner_type, max_concurrency, misfire_policy)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		job.Name, job.ScheduleCron, string(job.RunnerConfig.Kind()), job.MaxConcurrency, job.MisfirePolicy.String(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, domain.Database("insert job", err)
	}

	if err := insertRunnerConfig(ctx, tx, id, job.RunnerConfig); err != nil {
		return nil, err
	}

	for _, ev := range job.EnvVars {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_env_vars (job_id, key, value, secret_ref)
			VALUES ($1, $2, $3, $4)`, id, ev.Key, ev.Value, ev.SecretRef); err != nil {
			return nil, domain.Database("insert job env var", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Database("commit tx", err)
	}

	return s.GetJob(ctx, id)
}

func insertRunnerConfig(ctx context.Context, tx pgx.Tx, jobID string, cfg domain.RunnerConfig) error {
	var err error
	switch c := cfg.(type) {
	case domain.ShellConfig:
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_shell (job_id, command, working_dir) VALUES ($1, $2, $3)`,
			jobID, c.Command, nullIfEmpty(c.WorkingDir))
	case domain.HTTPConfig:
		var headers []byte
		if len(c.Headers) > 0 {
			headers, err = json.Marshal(c.Headers)
			if err != nil {
				return domain.InvalidInput("marshal http headers", err)
			}
		}
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_http (job_id, method, url, headers, body, timeout_sec) VALUES ($1, $2, $3, $4, $5, $6)`,
			jobID, c.Method, c.URL, headers, nullIfEmpty(c.Body), nullIfZero(c.TimeoutSec))
	case domain.PgSQLConfig:
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_pgsql (job_id, config_id, query, timeout_sec) VALUES ($1, $2, $3, $4)`,
			jobID, c.ConfigID, c.Query, nullIfZero(c.TimeoutSec))
	case domain.MySQLConfig:
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_mysql (job_id, config_id, query, timeout_sec) VALUES ($1, $2, $3, $4)`,
			jobID, c.ConfigID, c.Query, nullIfZero(c.TimeoutSec))
	case domain.PythonConfig:
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_python (job_id, module, class_name, timeout_sec) VALUES ($1, $2, $3, $4)`,
			jobID, c.Module, c.ClassName, nullIfZero(c.TimeoutSec))
	case domain.NodeConfig:
		_, err = tx.Exec(ctx, `INSERT INTO job_runner_node (job_id, module, function_name, timeout_sec) VALUES ($1, $2, $3, $4)`,
			jobID, c.Module, c.FunctionName, nullIfZero(c.TimeoutSec))
	default:
		return domain.ErrUnknownRunnerType
	}
	if err != nil {
		return domain.Database("insert runner config", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// UpdateJob applies a partial update. ScheduleCron uses three-valued
// Field semantics so a PATCH can distinguish "leave cron alone" from
// "clear it to make this job adhoc-only" from "set a new expression".
func (s *Store) UpdateJob(ctx context.Context, id string, upd domain.JobUpdate) (*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Database("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if upd.Name != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET name = $2, updated_at = now() WHERE id = $1`, id, *upd.Name); err != nil {
			return nil, domain.Database("update job name", err)
		}
	}
	if upd.Enabled != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET enabled = $2, updated_at = now() WHERE id = $1`, id, *upd.Enabled); err != nil {
			return nil, domain.Database("update job enabled", err)
		}
	}
	if upd.ScheduleCron.IsSet() {
		v, _ := upd.ScheduleCron.Value()
		if _, err := tx.Exec(ctx, `UPDATE jobs SET schedule_cron = $2, updated_at = now() WHERE id = $1`, id, v); err != nil {
			return nil, domain.Database("update job schedule_cron", err)
		}
	} else if upd.ScheduleCron.IsClear() {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET schedule_cron = NULL, updated_at = now() WHERE id = $1`, id); err != nil {
			return nil, domain.Database("clear job schedule_cron", err)
		}
	}
	if upd.MaxConcurrency != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET max_concurrency = $2, updated_at = now() WHERE id = $1`, id, *upd.MaxConcurrency); err != nil {
			return nil, domain.Database("update job max_concurrency", err)
		}
	}
	if upd.MisfirePolicy != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET misfire_policy = $2, updated_at = now() WHERE id = $1`, id, upd.MisfirePolicy.String()); err != nil {
			return nil, domain.Database("update job misfire_policy", err)
		}
	}
	if upd.RunnerConfig != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET runner_type = $2, updated_at = now() WHERE id = $1`, id, string(upd.RunnerConfig.Kind())); err != nil {
			return nil, domain.Database("update job runner_type", err)
		}
		for _, tbl := range runnerTables {
			if _, err := tx.Exec(ctx, "DELETE FROM "+tbl+" WHERE job_id = $1", id); err != nil {
				return nil, domain.Database("clear old runner config", err)
			}
		}
		if err := insertRunnerConfig(ctx, tx, id, upd.RunnerConfig); err != nil {
			return nil, err
		}
	}

	// Redesign note: any structural change invalidates queued runs that
	// were materialized under the old shape, since their snapshot would
	// be built fresh from the new config at claim time otherwise.
	if upd.ScheduleCron.IsSet() || upd.ScheduleCron.IsClear() || upd.RunnerConfig != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM job_runs WHERE job_id = $1 AND state = 'queued'`, id); err != nil {
			return nil, domain.Database("invalidate queued runs", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Database("commit tx", err)
	}

	return s.GetJob(ctx, id)
}

var runnerTables = []string{
	"job_runner_shell", "job_runner_http", "job_runner_pgsql",
	"job_runner_mysql", "job_runner_python", "job_runner_node",
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET deleted_at = now(), enabled = FALSE WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return domain.Database("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_runs WHERE job_id = $1 AND state = 'queued'`, id); err != nil {
		return domain.Database("invalidate queued runs on delete", err)
	}
	return nil
}

func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET enabled = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id, enabled)
	if err != nil {
		return domain.Database("set job enabled", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	if !enabled {
		if _, err := s.pool.Exec(ctx, `DELETE FROM job_runs WHERE job_id = $1 AND state = 'queued'`, id); err != nil {
			return domain.Database("invalidate queued runs on disable", err)
		}
	}
	return nil
}

func (s *Store) EnableJob(ctx context.Context, id string) error  { return s.SetJobEnabled(ctx, id, true) }
func (s *Store) DisableJob(ctx context.Context, id string) error { return s.SetJobEnabled(ctx, id, false) }

// InsertJobRunIfMissing is the idempotent materialization primitive the
// scheduler calls once per (job, fire time) candidate. The unique index
// on (job_id, scheduled_for) makes concurrent scheduler nodes race
// harmlessly: only one insert wins, the rest see rows_affected=0.
func (s *Store) InsertJobRunIfMissing(ctx context.Context, jobID string, scheduledFor time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, scheduled_for, state)
		VALUES (gen_random_uuid(), $1, $2, 'queued')
		ON CONFLICT (job_id, scheduled_for) DO NOTHING`, jobID, scheduledFor)
	if err != nil {
		return false, domain.Database("insert job run if missing", err)
	}
	return tag.RowsAffected() == 1, nil
}

// buildSnapshotForJob assembles the immutable ExecutableConfigSnapshot
// for a claimed run: runner payload plus inlined env vars and, for
// PgSql/MySql, the referenced SharedConnectionConfig by value. It is
// the Go counterpart of build_snapshot_for_job: same LEFT JOIN shape,
// same soft-delete check on the joined config row.
func (s *Store) buildSnapshotForJob(ctx context.Context, tx pgx.Tx, jobID string) (*domain.ExecutableConfigSnapshot, error) {
	query := `
		SELECT
			j.name, j.runner_type,
			s.command, s.working_dir,
			h.method, h.url, h.headers, h.body, h.timeout_sec,
			pg.config_id, pg.query, pg.timeout_sec,
			pgcfg.name, pgcfg.host, pgcfg.port, pgcfg.username, pgcfg.password_secret, pgcfg.database, pgcfg.deleted_at,
			my.config_id, my.query, my.timeout_sec,
			mycfg.name, mycfg.host, mycfg.port, mycfg.username, mycfg.password_secret, mycfg.database, mycfg.deleted_at,
			py.module, py.class_name, py.timeout_sec,
			nd.module, nd.function_name, nd.timeout_sec
		FROM jobs j
		LEFT JOIN job_runner_shell   s     ON s.job_id   = j.id
		LEFT JOIN job_runner_http    h     ON h.job_id   = j.id
		LEFT JOIN job_runner_pgsql   pg    ON pg.job_id  = j.id
		LEFT JOIN pgsql_configs      pgcfg ON pgcfg.id   = pg.config_id
		LEFT JOIN job_runner_mysql   my    ON my.job_id  = j.id
		LEFT JOIN mysql_configs      mycfg ON mycfg.id   = my.config_id
		LEFT JOIN job_runner_python  py    ON py.job_id  = j.id
		LEFT JOIN job_runner_node    nd    ON nd.job_id  = j.id
		WHERE j.id = $1 AND j.deleted_at IS NULL`

	var (
		name, runnerType                                                    string
		shellCommand, shellWorkingDir                                       *string
		httpMethod, httpURL, httpBody                                       *string
		httpHeaders                                                         []byte
		httpTimeoutSec                                                      *int
		pgConfigID, pgQuery                                                 *string
		pgTimeoutSec                                                        *int
		pgName, pgHost, pgUsername, pgPasswordSecret, pgDatabase            *string
		pgPort                                                              *int
		pgDeletedAt                                                         *time.Time
		myConfigID, myQuery                                                 *string
		myTimeoutSec                                                        *int
		myName, myHost, myUsername, myPasswordSecret, myDatabase           *string
		myPort                                                              *int
		myDeletedAt                                                         *time.Time
		pyModule, pyClassName                                               *string
		pyTimeoutSec                                                        *int
		nodeModule, nodeFunctionName                                        *string
		nodeTimeoutSec                                                      *int
	)

	err := tx.QueryRow(ctx, query, jobID).Scan(
		&name, &runnerType,
		&shellCommand, &shellWorkingDir,
		&httpMethod, &httpURL, &httpHeaders, &httpBody, &httpTimeoutSec,
		&pgConfigID, &pgQuery, &pgTimeoutSec,
		&pgName, &pgHost, &pgPort, &pgUsername, &pgPasswordSecret, &pgDatabase, &pgDeletedAt,
		&myConfigID, &myQuery, &myTimeoutSec,
		&myName, &myHost, &myPort, &myUsername, &myPasswordSecret, &myDatabase, &myDeletedAt,
		&pyModule, &pyClassName, &pyTimeoutSec,
		&nodeModule, &nodeFunctionName, &nodeTimeoutSec,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound(fmt.Sprintf("tried to claim run for non-existent or deleted job %s", jobID), err)
		}
		return nil, domain.Database("build snapshot for job", err)
	}

	env, err := s.loadEnvForJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	switch domain.RunnerKind(runnerType) {
	case domain.RunnerShell:
		if shellCommand == nil {
			return nil, domain.Database("missing shell_command", nil)
		}
		return &domain.ExecutableConfigSnapshot{
			JobName: name, Kind: domain.RunnerShell,
			Command: *shellCommand, WorkingDir: deref(shellWorkingDir), Env: env,
		}, nil

	case domain.RunnerHTTP:
		if httpMethod == nil || httpURL == nil {
			return nil, domain.Database("missing http fields", nil)
		}
		var headers map[string]string
		if len(httpHeaders) > 0 {
			if err := json.Unmarshal(httpHeaders, &headers); err != nil {
				return nil, domain.Database("invalid http headers json for job "+jobID, err)
			}
		}
		return &domain.ExecutableConfigSnapshot{
			JobName: name, Kind: domain.RunnerHTTP,
			Method: *httpMethod, URL: *httpURL, Headers: headers,
			Body: deref(httpBody), TimeoutSec: derefInt(httpTimeoutSec),
		}, nil

	case domain.RunnerPgSQL:
		if pgConfigID == nil {
			return nil, domain.Database("missing pg_config_id", nil)
		}
		if pgDeletedAt != nil {
			return nil, domain.Database(fmt.Sprintf("pgsql config %s is soft-deleted", *pgConfigID), domain.ErrConnConfigDeleted)
		}
		if pgQuery == nil || pgHost == nil || pgPort == nil || pgUsername == nil || pgPasswordSecret == nil || pgDatabase == nil || pgName == nil {
			return nil, domain.Database("incomplete pgsql connection config", nil)
		}
		return &domain.ExecutableConfigSnapshot{
			ConfigName: *pgName, JobName: name, Kind: domain.RunnerPgSQL,
			Host: *pgHost, Port: *pgPort, Username: *pgUsername,
			PasswordSecret: *pgPasswordSecret, Database: *pgDatabase,
			Query: *pgQuery, TimeoutSec: derefInt(pgTimeoutSec),
		}, nil

	case domain.RunnerMySQL:
		if myConfigID == nil {
			return nil, domain.Database("missing my_config_id", nil)
		}
		if myDeletedAt != nil {
			return nil, domain.Database(fmt.Sprintf("mysql config %s is soft-deleted", *myConfigID), domain.ErrConnConfigDeleted)
		}
		if myQuery == nil || myHost == nil || myPort == nil || myUsername == nil || myPasswordSecret == nil || myDatabase == nil || myName == nil {
			return nil, domain.Database("incomplete mysql connection config", nil)
		}
		return &domain.ExecutableConfigSnapshot{
			ConfigName: *myName, JobName: name, Kind: domain.RunnerMySQL,
			Host: *myHost, Port: *myPort, Username: *myUsername,
			PasswordSecret: *myPasswordSecret, Database: *myDatabase,
			Query: *myQuery, TimeoutSec: derefInt(myTimeoutSec),
		}, nil

	case domain.RunnerPython:
		if pyModule == nil || pyClassName == nil {
			return nil, domain.Database("missing python fields", nil)
		}
		return &domain.ExecutableConfigSnapshot{
			JobName: name, Kind: domain.RunnerPython,
			Module: *pyModule, ClassName: *pyClassName, TimeoutSec: derefInt(pyTimeoutSec), Env: env,
		}, nil

	case domain.RunnerNode:
		if nodeModule == nil || nodeFunctionName == nil {
			return nil, domain.Database("missing node fields", nil)
		}
		return &domain.ExecutableConfigSnapshot{
			JobName: name, Kind: domain.RunnerNode,
			Module: *nodeModule, FunctionName: *nodeFunctionName, TimeoutSec: derefInt(nodeTimeoutSec), Env: env,
		}, nil

	default:
		return nil, domain.ErrUnknownRunnerType
	}
}

func (s *Store) loadEnvForJob(ctx context.Context, tx pgx.Tx, jobID string) (map[string]string, error) {
	rows, err := tx.Query(ctx, `SELECT key, value FROM job_env_vars WHERE job_id = $1 AND value IS NOT NULL`, jobID)
	if err != nil {
		return nil, domain.Database("load env for job", err)
	}
	defer rows.Close()

	env := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, domain.Database("scan job env var", err)
		}
		env[k] = v
	}
	return env, rows.Err()
}

// ClaimJobRuns locks up to limit queued-and-due runs with FOR UPDATE
// SKIP LOCKED so concurrent workers never grab the same row, builds
// each one's snapshot, and marks it running in the same transaction.
func (s *Store) ClaimJobRuns(ctx context.Context, workerID string, limit int) ([]*domain.JobRun, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Database("begin tx", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT jr.id, jr.job_id
		FROM job_runs jr
		JOIN jobs j ON j.id = jr.job_id
		WHERE jr.state = 'queued'
		  AND jr.scheduled_for <= now()
		  AND j.enabled = TRUE
		  AND j.deleted_at IS NULL
		ORDER BY jr.scheduled_for
		FOR UPDATE OF jr SKIP LOCKED
		LIMIT $1`, limit)
	if err != nil {
		return nil, domain.Database("select claim candidates", err)
	}

	type candidate struct{ runID, jobID string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.jobID); err != nil {
			rows.Close()
			return nil, domain.Database("scan claim candidate", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.Database("iterate claim candidates", err)
	}

	runs := make([]*domain.JobRun, 0, len(candidates))
	for _, c := range candidates {
		snap, err := s.buildSnapshotForJob(ctx, tx, c.jobID)
		if err != nil {
			return nil, err
		}
		snapJSON, err := json.Marshal(snap)
		if err != nil {
			return nil, domain.Execution("serialize run snapshot for run "+c.runID, err)
		}

		var run domain.JobRun
		err = tx.QueryRow(ctx, `
			UPDATE job_runs
			SET state = 'running', worker_id = $2, started_at = now(), config_snapshot = $3
			WHERE id = $1
			RETURNING id, job_id, scheduled_for, state, worker_id, started_at, finished_at, exit_code, output, error_output, is_adhoc, created_at`,
			c.runID, workerID, snapJSON,
		).Scan(&run.ID, &run.JobID, &run.ScheduledFor, &run.State, &run.WorkerID, &run.StartedAt, &run.FinishedAt, &run.ExitCode, &run.Output, &run.ErrorOutput, &run.IsAdhoc, &run.CreatedAt)
		if err != nil {
			return nil, domain.Database("mark run claimed", err)
		}
		run.Snapshot = snap
		runs = append(runs, &run)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Database("commit claim tx", err)
	}
	return runs, nil
}

func (s *Store) UpdateJobRunState(ctx context.Context, runID string, state domain.RunState, exitCode *int, output, errOutput *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET state = $2,
		    exit_code = $3,
		    output = $4,
		    error_output = $5,
		    finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'cancelled') THEN now() ELSE finished_at END
		WHERE id = $1`, runID, string(state), exitCode, output, errOutput)
	if err != nil {
		return domain.Database("update job run state", err)
	}
	return nil
}

func (s *Store) CreateAdhocRun(ctx context.Context, jobID string) (*domain.JobRun, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_runs (id, job_id, scheduled_for, state, is_adhoc)
		SELECT gen_random_uuid(), j.id, now(), 'queued', TRUE
		FROM jobs j
		WHERE j.id = $1 AND j.deleted_at IS NULL
		RETURNING id`, jobID).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.Database("create adhoc run", err)
	}

	var run domain.JobRun
	err = s.pool.QueryRow(ctx, `
		SELECT id, job_id, scheduled_for, state, worker_id, started_at, finished_at, exit_code, output, error_output, is_adhoc, created_at
		FROM job_runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.JobID, &run.ScheduledFor, &run.State, &run.WorkerID, &run.StartedAt, &run.FinishedAt, &run.ExitCode, &run.Output, &run.ErrorOutput, &run.IsAdhoc, &run.CreatedAt)
	if err != nil {
		return nil, domain.Database("read back adhoc run", err)
	}
	return &run, nil
}

// CancelRun only succeeds against a run still in Queued state, per the
// engine's no-cancel-mid-flight invariant: a Running run is already
// claimed by a worker process this node cannot safely interrupt.
func (s *Store) CancelRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET state = 'cancelled', finished_at = now()
		WHERE id = $1 AND state = 'queued'`, runID)
	if err != nil {
		return domain.Database("cancel run", err)
	}
	if tag.RowsAffected() == 0 {
		var state string
		if scanErr := s.pool.QueryRow(ctx, `SELECT state FROM job_runs WHERE id = $1`, runID).Scan(&state); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return domain.ErrRunNotFound
			}
			return domain.Database("lookup run for cancel", scanErr)
		}
		return domain.ErrRunNotQueued
	}
	return nil
}

func (s *Store) ListRecentRuns(ctx context.Context, filter store.ListRunsFilter) (*store.ListRunsResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cur, err := decodeRunCursor(filter.Cursor)
	if err != nil {
		return nil, domain.InvalidInput("invalid cursor", err)
	}

	args := []any{}
	where := []string{"1=1"}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		where = append(where, fmt.Sprintf("scheduled_for < $%d", len(args)))
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		where = append(where, fmt.Sprintf("scheduled_for > $%d", len(args)))
	}
	if cur != nil {
		args = append(args, cur.ScheduledFor, cur.ID)
		where = append(where, fmt.Sprintf("(scheduled_for, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`
		SELECT id, job_id, scheduled_for, state, worker_id, started_at, finished_at, exit_code, output, error_output, is_adhoc, created_at
		FROM job_runs
		WHERE %s
		ORDER BY scheduled_for DESC, id DESC
		LIMIT $%d`, joinWhere(where), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Database("list recent runs", err)
	}
	defer rows.Close()

	var runs []*domain.JobRun
	for rows.Next() {
		var r domain.JobRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.ScheduledFor, &r.State, &r.WorkerID, &r.StartedAt, &r.FinishedAt, &r.ExitCode, &r.Output, &r.ErrorOutput, &r.IsAdhoc, &r.CreatedAt); err != nil {
			return nil, domain.Database("scan job run", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Database("iterate job runs", err)
	}

	var next string
	if len(runs) > limit {
		last := runs[limit-1]
		runs = runs[:limit]
		next = encodeRunCursor(runCursor{ScheduledFor: last.ScheduledFor, ID: last.ID})
	}

	return &store.ListRunsResult{Runs: runs, NextCursor: next}, nil
}

type runCursor struct {
	ScheduledFor time.Time `json:"s"`
	ID           string    `json:"i"`
}

func decodeRunCursor(s string) (*runCursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c runCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &c, nil
}

func encodeRunCursor(c runCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func joinWhere(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func (s *Store) Heartbeat(ctx context.Context, w *domain.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, display_name, hostname, last_seen, capacity, version, active)
		VALUES ($1, $2, $3, now(), $4, $5, TRUE)
		ON CONFLICT (id) DO UPDATE
		SET last_seen = EXCLUDED.last_seen,
		    hostname = EXCLUDED.hostname,
		    capacity = EXCLUDED.capacity,
		    version = EXCLUDED.version,
		    active = TRUE`,
		w.ID, w.DisplayName, w.Hostname, w.Capacity, w.Version)
	if err != nil {
		return domain.Database("heartbeat", err)
	}
	return nil
}

func (s *Store) ReclaimDeadWorkersJobs(ctx context.Context, deadAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET state = 'queued', worker_id = NULL, started_at = NULL
		WHERE state = 'running'
		  AND worker_id IN (
		    SELECT id FROM workers WHERE last_seen < now() - $1::interval
		  )`, fmt.Sprintf("%d seconds", int64(deadAfter.Seconds())))
	if err != nil {
		return 0, domain.Database("reclaim dead workers jobs", err)
	}
	return tag.RowsAffected(), nil
}

// AmILeader is a non-blocking, connection-scoped advisory lock: exactly
// one scheduler node holds it at a time, for as long as that one pool
// connection stays open. Nodes that fail to acquire it simply skip
// their cron scan this tick rather than blocking.
func (s *Store) AmILeader(ctx context.Context) (bool, error) {
	var acquired bool
	if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLeaderKey).Scan(&acquired); err != nil {
		return false, domain.Database("am i leader", err)
	}
	return acquired, nil
}

func (s *Store) InsertWorker(ctx context.Context, w *domain.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, display_name, hostname, last_seen, capacity, restart_count, version)
		VALUES ($1, $2, $3, now(), $4, $5, $6)`,
		w.ID, w.DisplayName, w.Hostname, w.Capacity, w.RestartCount, w.Version)
	if err != nil {
		return domain.Database("insert worker", err)
	}
	return nil
}

func (s *Store) LookupWorkerByID(ctx context.Context, id string) (*domain.Worker, error) {
	var w domain.Worker
	w.ID = id
	err := s.pool.QueryRow(ctx, `SELECT display_name, restart_count FROM workers WHERE id = $1`, id).Scan(&w.DisplayName, &w.RestartCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, domain.Database("lookup worker by id", err)
	}
	return &w, nil
}

func (s *Store) IncrRestartCount(ctx context.Context, id, version string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE workers SET restart_count = restart_count + 1, active = TRUE, version = $2
		WHERE id = $1
		RETURNING restart_count`, id, version).Scan(&count)
	if err != nil {
		return 0, domain.Database("incr restart count", err)
	}
	return count, nil
}

func (s *Store) CreateConnectionConfig(ctx context.Context, c *domain.SharedConnectionConfig) error {
	tbl := connectionTable(c.Kind)
	if tbl == "" {
		return domain.ErrUnknownRunnerType
	}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, host, port, username, password_secret, database)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, tbl),
		c.Name, c.Host, c.Port, c.Username, c.PasswordSecret, c.Database,
	).Scan(&c.ID)
	if err != nil {
		return domain.Database("create connection config", err)
	}
	return nil
}

func (s *Store) GetConnectionConfig(ctx context.Context, id string) (*domain.SharedConnectionConfig, error) {
	for _, kind := range []domain.RunnerKind{domain.RunnerPgSQL, domain.RunnerMySQL} {
		tbl := connectionTable(kind)
		var c domain.SharedConnectionConfig
		c.Kind = kind
		err := s.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT id, name, host, port, username, password_secret, database, created_at, deleted_at
			FROM %s WHERE id = $1`, tbl), id,
		).Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &c.PasswordSecret, &c.Database, &c.CreatedAt, &c.DeletedAt)
		if err == nil {
			return &c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Database("get connection config", err)
		}
	}
	return nil, domain.NotFound("connection config not found", nil)
}

func (s *Store) DeleteConnectionConfig(ctx context.Context, id string) error {
	for _, kind := range []domain.RunnerKind{domain.RunnerPgSQL, domain.RunnerMySQL} {
		tbl := connectionTable(kind)
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, tbl), id)
		if err != nil {
			return domain.Database("delete connection config", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return domain.NotFound("connection config not found", nil)
}

func connectionTable(kind domain.RunnerKind) string {
	switch kind {
	case domain.RunnerPgSQL:
		return "pgsql_configs"
	case domain.RunnerMySQL:
		return "mysql_configs"
	default:
		return ""
	}
}
