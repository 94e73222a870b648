// Command node runs one engine instance: the cron-expansion scheduler
// loop and the claim-and-execute worker loop side by side, under a
// single durable worker identity. Running both in one process mirrors
// how the reference implementation composed them, and keeps deploys
// simple — every instance is interchangeable.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelhq/dromio/config"
	"github.com/kestrelhq/dromio/internal/domain"
	"github.com/kestrelhq/dromio/internal/health"
	"github.com/kestrelhq/dromio/internal/identity"
	"github.com/kestrelhq/dromio/internal/infrastructure/postgres"
	dromiolog "github.com/kestrelhq/dromio/internal/log"
	"github.com/kestrelhq/dromio/internal/metrics"
	"github.com/kestrelhq/dromio/internal/scheduler"
	"github.com/kestrelhq/dromio/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := dromiolog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	ident, err := identity.Resolve(cfg.Worker.IdentityPath, cfg.Worker.AllowMultiID)
	if err != nil {
		stop()
		log.Fatalf("identity: %v", err)
	}
	defer ident.Close()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected", "worker_id", ident.ID)

	metrics.Register()
	metrics.WorkerStartTime.Set(float64(time.Now().Unix()))
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	st := postgres.NewStore(pool)

	hostname, _ := os.Hostname()
	w := domain.Worker{
		ID:           ident.ID.String(),
		DisplayName:  identity.DeriveDisplayName(ident.ID),
		Hostname:     hostname,
		Capacity:     cfg.Worker.Capacity,
		Active:       true,
		RegisteredAt: time.Now().UTC(),
	}
	existing, err := st.LookupWorkerByID(ctx, w.ID)
	switch {
	case errors.Is(err, domain.ErrWorkerNotFound):
		w.RestartCount = 1
		if err := st.InsertWorker(ctx, &w); err != nil {
			stop()
			log.Fatalf("register worker: %v", err)
		}
	case err != nil:
		stop()
		log.Fatalf("lookup worker: %v", err)
	default:
		w.DisplayName = existing.DisplayName
		restarts, err := st.IncrRestartCount(ctx, w.ID, "dev")
		if err != nil {
			stop()
			log.Fatalf("incr restart count: %v", err)
		}
		w.RestartCount = restarts
		logger.Info("worker identity restored", "restart_count", w.RestartCount, "display_name", w.DisplayName)
	}

	schedLoop := scheduler.NewLoop(st, scheduler.Config{
		TickInterval:          time.Duration(cfg.Scheduler.TickIntervalMS) * time.Millisecond,
		MisfireCatchupEnabled: cfg.Scheduler.MisfireCatchupEnabled,
	}, logger, w.ID)
	go schedLoop.Start(ctx)

	workLoop := worker.NewLoop(st, worker.NewExecutor(), worker.Config{
		Capacity:          cfg.Worker.Capacity,
		TickInterval:      time.Duration(cfg.Worker.TickIntervalMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalMS) * time.Millisecond,
		DeadAfter:         time.Duration(cfg.Worker.DeadAfterSecs) * time.Second,
	}, logger, w)
	go workLoop.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	metrics.WorkerShutdownsTotal.Inc()
	logger.Info("node shutting down", "worker_id", w.ID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}
