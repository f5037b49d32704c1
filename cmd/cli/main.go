package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
	"github.com/dvloznov/invoice-ingest/internal/archive"
	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/export"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/store"
	"github.com/dvloznov/invoice-ingest/internal/watermark"
	"github.com/dvloznov/invoice-ingest/internal/writer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate()
	case "export":
		runExport()
	case "replay":
		runReplay()
	case "status":
		runStatus()
	case "archive":
		runArchive()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Invoice Ingest CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  migrate   Wake the database and create the line-item table if missing")
	fmt.Println("  export    Write the full table to a CSV snapshot")
	fmt.Println("  replay    Re-insert the rows of a failed-rows file")
	fmt.Println("  status    Show table statistics and the next extraction window")
	fmt.Println("  archive   Upload a file to the archive bucket")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// setup parses the shared -config flag, loads the configuration and returns a
// cancellable context carrying the logger.
func setup(fs *flag.FlagSet) (context.Context, context.CancelFunc, config.Config, zerolog.Logger) {
	configPath := fs.String("config", os.Getenv("INGEST_CONFIG"), "Path to YAML config file (or set INGEST_CONFIG)")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return logger.WithContext(ctx, log), cancel, cfg, log
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) *store.Store {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create store")
	}
	if err := st.WakeUp(ctx); err != nil {
		st.Close()
		log.Fatal().Err(err).Msg("Database unavailable")
	}
	return st
}

func runMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	ctx, cancel, cfg, log := setup(fs)
	defer cancel()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Schema bootstrap failed")
	}
	fmt.Printf("Table %s is ready.\n", st.Table())
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "Output CSV path (default: export dir + snapshot file)")
	ctx, cancel, cfg, log := setup(fs)
	defer cancel()

	path := *out
	if path == "" {
		path = filepath.Join(cfg.Export.Dir, cfg.Export.SnapshotFile)
	}

	st := openStore(ctx, cfg, log)
	defer st.Close()

	n, err := export.Snapshot(ctx, st, path)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	fmt.Printf("Exported %d rows to %s\n", n, path)
}

func runReplay() {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	file := fs.String("file", "", "Failed-rows CSV written by a previous run (local path or gs:// URI)")
	ctx, cancel, cfg, log := setup(fs)
	defer cancel()

	if *file == "" {
		log.Fatal().Msg("Usage: cli replay -file PATH")
	}

	var objects archive.ObjectStore
	if strings.HasPrefix(*file, "gs://") {
		gcs, err := archive.NewGCSStorageService(ctx, cfg.Archive.CredentialsFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create storage client")
		}
		defer gcs.Close()
		objects = gcs
	}

	st := openStore(ctx, cfg, log)
	defer st.Close()

	w := writer.New(st, writer.PolicyFromConfig(cfg.Insert))
	rep, leftover, err := replayFile(ctx, w, objects, *file, cfg.Export.Dir, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
	fmt.Printf("Replayed %d rows: %d inserted, %d failed\n", rep.Total, rep.Inserted, len(rep.Failed))
	if leftover != "" {
		fmt.Printf("Rows still failing were written to %s\n", leftover)
		os.Exit(1)
	}
}

type rowWriter interface {
	Write(ctx context.Context, items []domain.LineItem) (writer.Report, error)
}

// replayFile inserts the rows of path again. Rows that still fail go to a new side
// file in dir, whose path is returned. objects is only needed for gs:// paths.
func replayFile(ctx context.Context, w rowWriter, objects archive.ObjectStore, path, dir string, now time.Time) (writer.Report, string, error) {
	items, err := readRows(ctx, objects, path)
	if err != nil {
		return writer.Report{}, "", fmt.Errorf("replayFile: %w", err)
	}
	rep, err := w.Write(ctx, items)
	if err != nil {
		return rep, "", fmt.Errorf("replayFile: %w", err)
	}
	leftover, err := export.WriteFailed(ctx, dir, rep.Failed, now)
	if err != nil {
		return rep, "", fmt.Errorf("replayFile: %w", err)
	}
	return rep, leftover, nil
}

func readRows(ctx context.Context, objects archive.ObjectStore, path string) ([]domain.LineItem, error) {
	if !strings.HasPrefix(path, "gs://") {
		return export.ReadFile(path)
	}
	if objects == nil {
		return nil, fmt.Errorf("readRows: no object store for %s", path)
	}
	data, err := objects.FetchFromGCS(ctx, path)
	if err != nil {
		return nil, err
	}
	return export.ReadLineItems(bytes.NewReader(data))
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	ctx, cancel, cfg, log := setup(fs)
	defer cancel()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read table statistics")
	}
	fmt.Printf("Table:            %s\n", st.Table())
	fmt.Printf("Rows:             %d\n", stats.Rows)
	fmt.Printf("Invoices:         %d\n", stats.Invoices)
	fmt.Printf("Max invoice ID:   %d\n", stats.MaxInvoiceID)
	if !stats.LastCreatedAt.IsZero() {
		fmt.Printf("Last insert:      %s\n", stats.LastCreatedAt.Format(time.RFC3339))
	}

	if cfg.RequireAPI() != nil {
		fmt.Println("Next window:      (API token not configured)")
		return
	}
	client, err := alegra.NewClient(cfg.API, cfg.Fetch)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API client")
	}
	window, err := watermark.NewResolver(st, client, cfg.Fetch).Resolve(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve next window")
	}
	if window.Empty() {
		fmt.Println("Next window:      up to date")
		return
	}
	fmt.Printf("Next window:      %d..%d (%d invoices)\n", window.Start, window.End, window.End-window.Start+1)
}

func runArchive() {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	file := fs.String("file", "", "Local file to upload")
	runID := fs.String("run-id", "manual", "Run id used in the object path")
	ctx, cancel, cfg, log := setup(fs)
	defer cancel()

	if *file == "" || cfg.Archive.Bucket == "" {
		log.Fatal().Msg("Usage: cli archive -file PATH (archive.bucket must be configured)")
	}

	objects, err := archive.NewGCSStorageService(ctx, cfg.Archive.CredentialsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer objects.Close()

	a := archive.New(objects, nil, cfg.Archive)
	object := a.ObjectName(*runID, *file)
	if err := objects.UploadFile(ctx, cfg.Archive.Bucket, object, *file); err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}
	fmt.Printf("Uploaded %s to %s\n", *file, archive.GCSURI(cfg.Archive.Bucket, object))
}
