// Command scheduler triggers the extract binary once a day and keeps a short history
// of runs, optionally served over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/api/handlers"
	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/jobs"
	"github.com/dvloznov/invoice-ingest/internal/jobs/inmemory"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/metrics"
	"github.com/dvloznov/invoice-ingest/internal/scheduler"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("INGEST_CONFIG"), "Path to YAML config file (or set INGEST_CONFIG)")
		addr       = flag.String("addr", "", "Serve /healthz, /api/runs and /metrics on this address (empty disables)")
		command    = flag.String("command", "", "Override the extraction command")
		runNow     = flag.Bool("run-now", false, "Enqueue one run immediately at startup")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Schedule.Addr = *addr
	}
	if *command != "" {
		cfg.Schedule.Command = *command
	}

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	schedule, err := scheduler.FromConfig(cfg.Schedule)
	if err != nil {
		log.Warn().Err(err).Str("fallback", schedule.String()).Msg("Invalid cron expression, using daily fallback")
	}

	m := metrics.NewScheduler()
	jobStore := inmemory.NewStore(500)
	jobQueue := inmemory.NewQueue(10, jobStore,
		inmemory.WithWorkers(1),
		inmemory.WithMaxRetries(cfg.Schedule.MaxRetries),
	)

	runner := &scheduler.CommandRunner{
		Command: cfg.Schedule.Command,
		Args:    cfg.Schedule.Args,
		Observe: func(ok bool, d time.Duration) {
			result := "success"
			if !ok {
				result = "failure"
			}
			m.ObserveRun(result, d)
		},
	}
	if err := jobQueue.Start(ctx, runner.Handle); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	sched := scheduler.New(schedule, jobQueue)
	sched.OnNext = func(t time.Time) { m.NextRun.Set(float64(t.Unix())) }

	var srv *http.Server
	if cfg.Schedule.Addr != "" {
		router := handlers.NewRouter(
			handlers.NewRunsHandler(jobStore, jobQueue, log),
			handlers.NewHealthHandler(sched.NextRun),
			m.Handler(),
			log,
		)
		srv = &http.Server{
			Addr:              cfg.Schedule.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
				stop()
			}
		}()
	}

	if *runNow {
		if err := jobQueue.PublishExtractRun(ctx, &jobs.ExtractRunJob{Trigger: jobs.TriggerManual}); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue startup run")
		}
	}

	log.Info().
		Str("command", cfg.Schedule.Command).
		Str("args", strings.Join(cfg.Schedule.Args, " ")).
		Str("schedule", schedule.String()).
		Msg("Scheduler service started")

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Scheduler stopped with error")
	}

	log.Info().Msg("Shutting down scheduler service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Scheduler service exited")
}
