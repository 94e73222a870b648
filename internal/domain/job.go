package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunnerKind identifies which concrete RunnerConfig a job carries. It is
// also the value stored in the job_runner_type column and the tag used
// to route execution in the worker.
type RunnerKind string

const (
	RunnerShell  RunnerKind = "shell"
	RunnerHTTP   RunnerKind = "http"
	RunnerPgSQL  RunnerKind = "pgsql"
	RunnerMySQL  RunnerKind = "mysql"
	RunnerPython RunnerKind = "python"
	RunnerNode   RunnerKind = "node"
)

// RunnerConfig is the tagged union of job payload shapes. Each job owns
// exactly one, persisted in its matching job_runner_<kind> side table.
type RunnerConfig interface {
	Kind() RunnerKind
}

// ShellConfig runs a command line through the host shell.
type ShellConfig struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

func (ShellConfig) Kind() RunnerKind { return RunnerShell }

// HTTPConfig issues a single HTTP request and treats any non-2xx
// response as a failed run.
type HTTPConfig struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

func (HTTPConfig) Kind() RunnerKind { return RunnerHTTP }

// PgSQLConfig executes a statement against a shared Postgres
// connection, referenced by ConfigID and resolved against
// SharedConnectionConfig at claim time.
type PgSQLConfig struct {
	ConfigID   string `json:"config_id"`
	Query      string `json:"query"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (PgSQLConfig) Kind() RunnerKind { return RunnerPgSQL }

// MySQLConfig mirrors PgSQLConfig for MySQL-backed connections.
type MySQLConfig struct {
	ConfigID   string `json:"config_id"`
	Query      string `json:"query"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (MySQLConfig) Kind() RunnerKind { return RunnerMySQL }

// PythonConfig invokes a class's entrypoint out of process via
// `python -m`.
type PythonConfig struct {
	Module     string `json:"module"`
	ClassName  string `json:"class_name"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (PythonConfig) Kind() RunnerKind { return RunnerPython }

// NodeConfig invokes a module-exported function out of process via
// `node -e`.
type NodeConfig struct {
	Module       string `json:"module"`
	FunctionName string `json:"function_name"`
	TimeoutSec   int    `json:"timeout_sec,omitempty"`
}

func (NodeConfig) Kind() RunnerKind { return RunnerNode }

// MisfireKind enumerates the catch-up strategies a job can opt into for
// fire times that were missed while no scheduler node was ticking.
type MisfireKind string

const (
	MisfireSkip            MisfireKind = "skip"
	MisfireRunIfLateWithin MisfireKind = "run_if_late_within"
	MisfireRunImmediately  MisfireKind = "run_immediately"
	MisfireCoalesce        MisfireKind = "coalesce"
	MisfireRunAll          MisfireKind = "run_all"
)

// MisfirePolicy is a tagged union: Kind selects the variant, and Within
// carries the duration payload for RunIfLateWithin. It round-trips
// through a plain string grammar so config and admin-API callers can
// express it as text.
type MisfirePolicy struct {
	Kind   MisfireKind
	Within time.Duration
}

func (p MisfirePolicy) String() string {
	switch p.Kind {
	case MisfireRunIfLateWithin:
		return fmt.Sprintf("run_if_late_within(%d)", int64(p.Within.Seconds()))
	case "":
		return string(MisfireSkip)
	default:
		return string(p.Kind)
	}
}

// ParseMisfirePolicy parses the grammar `skip`, `run_if_late_within(N)`
// (N in seconds), `run_immediately`, `coalesce`, `run_all`.
func ParseMisfirePolicy(s string) (MisfirePolicy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == string(MisfireSkip) || s == "":
		return MisfirePolicy{Kind: MisfireSkip}, nil
	case s == string(MisfireRunImmediately):
		return MisfirePolicy{Kind: MisfireRunImmediately}, nil
	case s == string(MisfireCoalesce):
		return MisfirePolicy{Kind: MisfireCoalesce}, nil
	case s == string(MisfireRunAll):
		return MisfirePolicy{Kind: MisfireRunAll}, nil
	case strings.HasPrefix(s, "run_if_late_within(") && strings.HasSuffix(s, ")"):
		inner := s[len("run_if_late_within(") : len(s)-1]
		secs, err := strconv.ParseInt(strings.TrimSpace(inner), 10, 64)
		if err != nil || secs < 0 {
			return MisfirePolicy{}, ErrUnknownMisfire
		}
		return MisfirePolicy{Kind: MisfireRunIfLateWithin, Within: time.Duration(secs) * time.Second}, nil
	default:
		return MisfirePolicy{}, ErrUnknownMisfire
	}
}

// JobEnvVar is one env-var row attached to a job, resolved into the
// runner's inline env map at snapshot time. Only rows with a Value are
// inlined; SecretRef is stored with the row but is not resolved, so a
// row that carries only a SecretRef is left out of the runner's env.
type JobEnvVar struct {
	JobID     string
	Key       string
	Value     *string
	SecretRef *string
}

// Job is a schedulable unit of work: a cron expression (or nil for
// adhoc-only jobs), a runner payload, and a misfire policy governing
// catch-up behavior for fire times missed during downtime.
type Job struct {
	ID             string
	Name           string
	Enabled        bool
	ScheduleCron   *string
	RunnerConfig   RunnerConfig
	MaxConcurrency int
	MisfirePolicy  MisfirePolicy
	EnvVars        []JobEnvVar
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// JobUpdate carries a partial update to a Job. Only ScheduleCron uses
// three-valued Field semantics (keep/set/clear); the other fields have
// no "clear" state, and a nil pointer or nil RunnerConfig leaves the
// stored value unchanged.
type JobUpdate struct {
	Name           *string
	Enabled        *bool
	ScheduleCron   Field[string]
	RunnerConfig   RunnerConfig
	MisfirePolicy  *MisfirePolicy
	MaxConcurrency *int
}
