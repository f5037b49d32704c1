package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
	"github.com/dvloznov/invoice-ingest/internal/archive"
	"github.com/dvloznov/invoice-ingest/internal/export"
	"github.com/dvloznov/invoice-ingest/internal/extract"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/transform"
	"github.com/dvloznov/invoice-ingest/internal/watermark"
	"github.com/dvloznov/invoice-ingest/internal/writer"
)

// PipelineStep represents a single step of an extraction run.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	RunID string

	Window     watermark.Window
	Invoices   []alegra.Invoice
	FetchStats extract.Stats
	Transform  transform.Result
	Report     writer.Report

	FailedPath   string
	SnapshotPath string
	SnapshotRows int
	Archive      archive.Result
}

// NoWork reports whether the run found nothing new to persist.
func (s *PipelineState) NoWork() bool {
	return s.Window.Empty() || len(s.Transform.Items) == 0
}

// Succeeded reports whether every extracted row was committed.
func (s *PipelineState) Succeeded() bool {
	return s.Report.Complete()
}

// Step 1: WakeStoreStep establishes connectivity with a store that may be asleep.
type WakeStoreStep struct {
	Store Store
}

func (s *WakeStoreStep) Name() string { return "wake_store" }

func (s *WakeStoreStep) Execute(ctx context.Context, _ *PipelineState) error {
	return s.Store.WakeUp(ctx)
}

// Step 2: EnsureSchemaStep creates or migrates the destination table.
type EnsureSchemaStep struct {
	Store Store
}

func (s *EnsureSchemaStep) Name() string { return "ensure_schema" }

func (s *EnsureSchemaStep) Execute(ctx context.Context, _ *PipelineState) error {
	return s.Store.EnsureSchema(ctx)
}

// Step 3: ResolveWindowStep computes [start, end] from the store and the API.
type ResolveWindowStep struct {
	Resolver WindowResolver
}

func (s *ResolveWindowStep) Name() string { return "resolve_window" }

func (s *ResolveWindowStep) Execute(ctx context.Context, state *PipelineState) error {
	w, err := s.Resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	state.Window = w
	return nil
}

// Step 4: FetchStep pulls every page of the window concurrently.
type FetchStep struct {
	Fetcher     extract.PageFetcher
	PageSize    int64
	Concurrency int
}

func (s *FetchStep) Name() string { return "fetch" }

func (s *FetchStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Window.Empty() {
		log := logger.FromContext(ctx)
		log.Info().Msg("no new invoices, skipping fetch")
		return nil
	}
	invoices, stats, err := extract.FetchRange(ctx, s.Fetcher, state.Window.Start, state.Window.End, s.PageSize, s.Concurrency)
	if err != nil {
		return err
	}
	state.Invoices = invoices
	state.FetchStats = stats
	return nil
}

// Step 5: TransformStep explodes invoices into line items. A non-empty fetch that
// yields no rows fails the run before anything is written or exported.
type TransformStep struct{}

func (s *TransformStep) Name() string { return "transform" }

func (s *TransformStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Invoices) == 0 {
		return nil
	}
	state.Transform = transform.Transform(ctx, state.Invoices)
	if len(state.Transform.Items) == 0 {
		return fmt.Errorf("%d invoices, %d skipped: %w", len(state.Invoices), state.Transform.SkippedInvoices, ErrNoLineItems)
	}
	return nil
}

// Step 6: WriteStep persists the line items. Rows that could not be committed are
// left in the report for SaveFailedStep; only cancellation is an error here.
type WriteStep struct {
	Writer RowWriter
}

func (s *WriteStep) Name() string { return "write" }

func (s *WriteStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Transform.Items) == 0 {
		return nil
	}
	rep, err := s.Writer.Write(ctx, state.Transform.Items)
	state.Report = rep
	return err
}

// Step 7: SaveFailedStep writes the permanently failed rows to a side file.
type SaveFailedStep struct {
	Dir string
	Now func() time.Time
}

func (s *SaveFailedStep) Name() string { return "save_failed" }

func (s *SaveFailedStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Report.Failed) == 0 {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	path, err := export.WriteFailed(ctx, s.Dir, state.Report.Failed, now())
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Ints64("failed_invoice_ids", state.Report.FailedInvoiceIDs()).
			Msg("could not save failed rows")
		return err
	}
	state.FailedPath = path
	return nil
}

// Step 8: ExportStep dumps the whole table after a successful or no-op run. An export
// failure is logged and does not change the outcome of the run.
type ExportStep struct {
	Source export.RowSource
	Path   string
}

func (s *ExportStep) Name() string { return "export" }

func (s *ExportStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	if !state.Succeeded() {
		log.Warn().Int("failed_rows", len(state.Report.Failed)).Msg("skipping export after partial failure")
		return nil
	}
	n, err := export.Snapshot(ctx, s.Source, s.Path)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Error().Err(err).Str("path", s.Path).Msg("export failed")
		return nil
	}
	state.SnapshotPath = s.Path
	state.SnapshotRows = n
	return nil
}

// Step 9: ArchiveStep uploads the snapshot and the side file. Failures are logged;
// the rows are already durable in the store.
type ArchiveStep struct {
	Archiver Archiver
}

func (s *ArchiveStep) Name() string { return "archive" }

func (s *ArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.SnapshotPath == "" && state.FailedPath == "" {
		return nil
	}
	res, err := s.Archiver.Run(ctx, state.RunID, state.SnapshotPath, state.FailedPath)
	state.Archive = res
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("archive failed")
	}
	return nil
}

// SnapshotPath joins the export directory and file name.
func SnapshotPath(dir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(dir, file)
}

func stepError(i int, step PipelineStep, err error) error {
	return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
}
