// seed inserts a handful of test jobs into the local dev database,
// covering the HTTP and shell runners against a mix of happy-path and
// failure-inducing endpoints.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/infrastructure/postgres"
	"github.com/kestrelhq/dromio/internal/usecase"
)

type jobSpec struct {
	name    string
	runner  domain.RunnerConfig
	misfire string
}

var jobs = []jobSpec{
	// Happy path — every minute or two, should complete successfully.
	{"seed-http-get-ok", domain.HTTPConfig{Method: "GET", URL: "https://httpbin.org/get", TimeoutSec: 10}, "skip"},
	{"seed-http-post-ok", domain.HTTPConfig{Method: "POST", URL: "https://httpbin.org/post", TimeoutSec: 10}, "skip"},
	{"seed-http-put-ok", domain.HTTPConfig{Method: "PUT", URL: "https://httpbin.org/put", TimeoutSec: 10}, "skip"},

	// Will fail — server returns 5xx/4xx.
	{"seed-http-server-error", domain.HTTPConfig{Method: "POST", URL: "https://httpbin.org/status/500", TimeoutSec: 10}, "skip"},
	{"seed-http-not-found", domain.HTTPConfig{Method: "GET", URL: "https://httpbin.org/status/404", TimeoutSec: 10}, "skip"},

	// Will time out — delay exceeds the configured timeout.
	{"seed-http-timeout", domain.HTTPConfig{Method: "GET", URL: "https://httpbin.org/delay/10", TimeoutSec: 2}, "run_if_late_within(60)"},

	// Shell runner, every 5 minutes, catch up missed fires on restart.
	{"seed-shell-echo", domain.ShellConfig{Command: "echo seeded && date -u", TimeoutSec: 10}, "run_immediately"},
	{"seed-shell-fail", domain.ShellConfig{Command: "exit 7"}, "skip"},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	jobUsecase := usecase.NewJobUsecase(st)

	cronByName := map[string]string{
		"seed-http-get-ok":       "* * * * *",
		"seed-http-post-ok":      "* * * * *",
		"seed-http-put-ok":       "*/2 * * * *",
		"seed-http-server-error": "* * * * *",
		"seed-http-not-found":    "* * * * *",
		"seed-http-timeout":      "*/2 * * * *",
		"seed-shell-echo":        "*/5 * * * *",
		"seed-shell-fail":        "*/5 * * * *",
	}

	var created, skipped int
	var jobIDs []string

	for _, spec := range jobs {
		misfire, err := domain.ParseMisfirePolicy(spec.misfire)
		if err != nil {
			log.Fatalf("parse misfire policy for %s: %v", spec.name, err)
		}
		cron := cronByName[spec.name]

		job, err := jobUsecase.CreateJob(ctx, usecase.CreateJobInput{
			Name:          spec.name,
			Enabled:       true,
			ScheduleCron:  &cron,
			RunnerConfig:  spec.runner,
			MisfirePolicy: misfire,
		})
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateJob) {
				skipped++
				continue
			}
			log.Fatalf("create job %s: %v", spec.name, err)
		}
		jobIDs = append(jobIDs, job.ID)
		created++
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs created: %d  (skipped %d already existing)\n", created, skipped)
	fmt.Println()

	if len(jobIDs) > 0 {
		fmt.Println("  Job IDs:")
		for _, id := range jobIDs {
			fmt.Printf("    %s\n", id)
		}
	}

	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1 — start the admin API and a node:")
	fmt.Println()
	fmt.Println("    go run ./cmd/server &")
	fmt.Println("    go run ./cmd/node &")
	fmt.Println()
	fmt.Println("  Step 2 — query a job (use any ID from above):")
	fmt.Println()
	fmt.Println("    export JWT=eyJ...  # HS256 token signed with JWT_SECRET, or a Clerk JWT")
	fmt.Println("    curl -s http://localhost:8080/jobs/JOB_ID -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  Step 3 — wait for the cron expression to fire, then check run history:")
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/jobs/JOB_ID/runs -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  What to expect:")
	fmt.Println("    seed-http-get-ok / post-ok / put-ok / seed-shell-echo  →  complete")
	fmt.Println("    seed-http-server-error / not-found / seed-shell-fail  →  fail")
	fmt.Println("    seed-http-timeout                                     →  fail with timeout error")
}
