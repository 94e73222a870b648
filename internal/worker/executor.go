package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/go-sql-driver/mysql"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/requestid"
)

const defaultRunTimeout = 5 * time.Minute

// Result is what an Executor reports back to the worker loop for
// persisting onto the run row.
type Result struct {
	Failed      bool
	ExitCode    *int
	Output      *string
	ErrorOutput *string
}

// Executor dispatches a claimed run to its snapshot's runner kind. The
// HTTP client is shared across runs, tuned the same way the rest of
// this codebase tunes outbound clients: bounded connection pool,
// capped redirects, a floor on TLS version.
type Executor struct {
	httpClient *http.Client
}

func NewExecutor() *Executor {
	return &Executor{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
	}
}

func (e *Executor) Run(ctx context.Context, run *domain.JobRun) Result {
	if run.Snapshot == nil {
		msg := "run has no config snapshot"
		return Result{Failed: true, ErrorOutput: &msg}
	}

	timeout := defaultRunTimeout
	if run.Snapshot.TimeoutSec > 0 {
		timeout = time.Duration(run.Snapshot.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch run.Snapshot.Kind {
	case domain.RunnerShell:
		return e.runShell(runCtx, run.Snapshot)
	case domain.RunnerHTTP:
		return e.runHTTP(runCtx, run.Snapshot)
	case domain.RunnerPgSQL:
		return e.runPgSQL(runCtx, run.Snapshot)
	case domain.RunnerMySQL:
		return e.runMySQL(runCtx, run.Snapshot)
	case domain.RunnerPython:
		return e.runPython(runCtx, run.Snapshot)
	case domain.RunnerNode:
		return e.runNode(runCtx, run.Snapshot)
	default:
		msg := fmt.Sprintf("unknown runner kind %q", run.Snapshot.Kind)
		return Result{Failed: true, ErrorOutput: &msg}
	}
}

func (e *Executor) runShell(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", snap.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", snap.Command)
	}
	if snap.WorkingDir != "" {
		cmd.Dir = snap.WorkingDir
	}
	cmd.Env = mergeEnv(snap.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	errOut := stderr.String()

	exitCode := 0
	failed := false
	if err != nil {
		failed = true
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			errOut += "\n" + err.Error()
		}
	}
	return Result{Failed: failed, ExitCode: &exitCode, Output: &out, ErrorOutput: &errOut}
}

// mergeEnv overlays a job's declared env vars on top of the process
// environment so runner commands can still see PATH and friends.
func mergeEnv(jobEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range jobEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func (e *Executor) runHTTP(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	method := snap.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if snap.Body != "" {
		body = strings.NewReader(snap.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, snap.URL, body)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	for k, v := range snap.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-Id", requestid.New())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	out := string(respBody)
	exitCode := resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errOut := fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		return Result{Failed: true, ExitCode: &exitCode, Output: &out, ErrorOutput: &errOut}
	}
	return Result{Failed: false, ExitCode: &exitCode, Output: &out}
}

func (e *Executor) runPgSQL(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		snap.Username, resolveSecret(snap.PasswordSecret), snap.Host, snap.Port, snap.Database)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	defer conn.Close(ctx)

	tag, err := conn.Exec(ctx, snap.Query)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	out := fmt.Sprintf("%d rows affected", tag.RowsAffected())
	return Result{Failed: false, Output: &out}
}

func (e *Executor) runMySQL(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		snap.Username, resolveSecret(snap.PasswordSecret), snap.Host, snap.Port, snap.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, snap.Query)
	if err != nil {
		msg := err.Error()
		return Result{Failed: true, ErrorOutput: &msg}
	}
	affected, _ := res.RowsAffected()
	out := fmt.Sprintf("%d rows affected", affected)
	return Result{Failed: false, Output: &out}
}

func (e *Executor) runPython(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	cmd := exec.CommandContext(ctx, "python3", "-m", snap.Module, snap.ClassName)
	cmd.Env = mergeEnv(snap.Env)
	return runOutOfProcess(cmd)
}

func (e *Executor) runNode(ctx context.Context, snap *domain.ExecutableConfigSnapshot) Result {
	script := fmt.Sprintf("require(%q).%s()", snap.Module, snap.FunctionName)
	cmd := exec.CommandContext(ctx, "node", "-e", script)
	cmd.Env = mergeEnv(snap.Env)
	return runOutOfProcess(cmd)
}

func runOutOfProcess(cmd *exec.Cmd) Result {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	errOut := stderr.String()

	exitCode := 0
	failed := false
	if err != nil {
		failed = true
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			errOut += "\n" + err.Error()
		}
	}
	return Result{Failed: failed, ExitCode: &exitCode, Output: &out, ErrorOutput: &errOut}
}

// resolveSecret treats a PasswordSecret as the name of an environment
// variable to read at dispatch time, the same indirection the rest of
// this codebase uses for DATABASE_URL: nothing sensitive is inlined
// into the snapshot itself.
func resolveSecret(ref string) string {
	if ref == "" {
		return ""
	}
	return os.Getenv(ref)
}
