// Command extract runs one incremental extraction: it copies every invoice created
// since the last run from Alegra into the facturas table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
	"github.com/dvloznov/invoice-ingest/internal/archive"
	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/metrics"
	"github.com/dvloznov/invoice-ingest/internal/pipeline"
	"github.com/dvloznov/invoice-ingest/internal/scheduler"
	"github.com/dvloznov/invoice-ingest/internal/store"
	"github.com/dvloznov/invoice-ingest/internal/watermark"
	"github.com/dvloznov/invoice-ingest/internal/writer"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("INGEST_CONFIG"), "Path to YAML config file (or set INGEST_CONFIG)")
		logLevel    = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
		exportDir   = flag.String("export-dir", "", "Override directory for the snapshot and failed-rows files")
		noExport    = flag.Bool("no-export", false, "Skip the CSV snapshot")
		concurrency = flag.Int("concurrency", 0, "Override maximum concurrent page fetches")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *exportDir != "" {
		cfg.Export.Dir = *exportDir
	}
	if *noExport {
		cfg.Export.Enabled = false
	}
	if *concurrency > 0 {
		cfg.Fetch.Concurrency = *concurrency
	}

	runID := os.Getenv(scheduler.RunIDEnv)
	if runID == "" {
		runID = uuid.New().String()
	}
	log := logger.WithRunID(logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format), runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	os.Exit(run(ctx, cfg, runID, log))
}

func run(ctx context.Context, cfg config.Config, runID string, log zerolog.Logger) int {
	if err := cfg.RequireAPI(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	start := time.Now()
	log.Info().Str("table", cfg.Store.Table).Int("concurrency", cfg.Fetch.Concurrency).Msg("Starting extraction run")

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create store")
		return 1
	}
	defer st.Close()

	client, err := alegra.NewClient(cfg.API, cfg.Fetch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create API client")
		return 1
	}

	deps := pipeline.Deps{
		Store:    st,
		Resolver: watermark.NewResolver(st, client, cfg.Fetch),
		Fetcher:  client,
		Writer:   writer.New(st, writer.PolicyFromConfig(cfg.Insert)),
	}
	if cfg.Archive.Bucket != "" {
		arch, closeArchive, err := newArchiver(ctx, cfg.Archive)
		if err != nil {
			log.Error().Err(err).Msg("Failed to set up archiving")
			return 1
		}
		defer closeArchive()
		deps.Archiver = arch
	}

	m := metrics.NewRun()
	p := pipeline.NewExtractionPipeline(deps, cfg, pipeline.WithStepObserver(m.ObserveStep))
	state := &pipeline.PipelineState{RunID: runID}

	runErr := p.Execute(ctx, state)
	elapsed := time.Since(start)
	pipeline.RecordMetrics(m, state, runErr, elapsed, time.Now())
	pushMetrics(cfg.Metrics, m, runID, log)

	event := log.Info()
	if runErr != nil {
		event = log.Error().Err(runErr)
	}
	event.
		Int64("window_start", state.Window.Start).
		Int64("window_end", state.Window.End).
		Int("invoices", len(state.Invoices)).
		Int("rows", state.Report.Total).
		Int("inserted", state.Report.Inserted).
		Int("failed", len(state.Report.Failed)).
		Str("failed_file", state.FailedPath).
		Dur("duration", elapsed).
		Msg("Extraction run finished")

	switch {
	case runErr == nil && state.NoWork():
		log.Info().Int64("next_start", state.Window.Start).Msg("Table already up to date")
		return 0
	case runErr == nil:
		return 0
	case errors.Is(runErr, pipeline.ErrPartialFailure):
		log.Warn().Ints64("invoice_ids", state.Report.FailedInvoiceIDs()).Msg("Replay the failed rows with: cli replay -file " + state.FailedPath)
		return 1
	default:
		return 1
	}
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, func(), error) {
	objects, err := archive.NewGCSStorageService(ctx, cfg.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{objects.Close}

	var loader archive.TableLoader
	if cfg.BigQueryProject != "" {
		bq, err := archive.NewBigQueryLoader(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, cfg.BigQueryTable, cfg.CredentialsFile)
		if err != nil {
			objects.Close()
			return nil, nil, err
		}
		loader = bq
		closers = append(closers, bq.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return archive.New(objects, loader, cfg), closeAll, nil
}

func pushMetrics(cfg config.MetricsConfig, m *metrics.Run, runID string, log zerolog.Logger) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Push(ctx, cfg.PushgatewayURL, cfg.Job, runID); err != nil {
		log.Warn().Err(err).Str("pushgateway", cfg.PushgatewayURL).Msg("Failed to push run metrics")
	}
}
