// Package pipeline wires the extraction components into one run: wake the store,
// resolve the id window, fetch, transform, write, then save failures, export and
// archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/extract"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/metrics"
)

// ErrPartialFailure is returned when some rows could not be committed. They are in
// the side file named by PipelineState.FailedPath.
var ErrPartialFailure = errors.New("rows failed to insert")

// ErrNoLineItems is returned when invoices were fetched but none of them produced
// a line item, usually because every invoice was malformed.
var ErrNoLineItems = errors.New("fetched invoices produced no line items")

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps   []PipelineStep
	observe func(step string, d time.Duration)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStepObserver is called with the wall time of every step that ran.
func WithStepObserver(fn func(step string, d time.Duration)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps []PipelineStep, opts ...Option) *Pipeline {
	p := &Pipeline{steps: steps}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs all steps sequentially, stopping at the first error. It returns
// ErrPartialFailure when every step ran but some rows were not committed.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for i, step := range p.steps {
		start := time.Now()
		err := step.Execute(ctx, state)
		if p.observe != nil {
			p.observe(step.Name(), time.Since(start))
		}
		if err != nil {
			return stepError(i, step, err)
		}
		log.Debug().Str("step", step.Name()).Dur("elapsed", time.Since(start)).Msg("step done")
	}
	if !state.Succeeded() {
		return fmt.Errorf("Execute: %d of %d: %w", len(state.Report.Failed), state.Report.Total, ErrPartialFailure)
	}
	return nil
}

// Deps are the collaborators of an extraction run. Archiver may be nil.
type Deps struct {
	Store    Store
	Resolver WindowResolver
	Fetcher  extract.PageFetcher
	Writer   RowWriter
	Archiver Archiver
}

// NewExtractionPipeline builds the standard run from cfg.
func NewExtractionPipeline(d Deps, cfg config.Config, opts ...Option) *Pipeline {
	steps := []PipelineStep{
		&WakeStoreStep{Store: d.Store},
		&EnsureSchemaStep{Store: d.Store},
		&ResolveWindowStep{Resolver: d.Resolver},
		&FetchStep{Fetcher: d.Fetcher, PageSize: int64(cfg.Fetch.PageSize), Concurrency: cfg.Fetch.Concurrency},
		&TransformStep{},
		&WriteStep{Writer: d.Writer},
		&SaveFailedStep{Dir: cfg.Export.Dir},
	}
	if cfg.Export.Enabled {
		steps = append(steps, &ExportStep{
			Source: d.Store,
			Path:   SnapshotPath(cfg.Export.Dir, cfg.Export.SnapshotFile),
		})
	}
	if d.Archiver != nil {
		steps = append(steps, &ArchiveStep{Archiver: d.Archiver})
	}
	return NewPipeline(steps, opts...)
}

// RecordMetrics copies the counters of a finished run into m.
func RecordMetrics(m *metrics.Run, state *PipelineState, runErr error, elapsed time.Duration, now time.Time) {
	m.PagesFetched.Set(float64(state.FetchStats.Pages))
	m.PagesFailed.Set(float64(state.FetchStats.FailedPages))
	m.InvoicesFetched.Set(float64(state.FetchStats.Invoices))
	m.InvoicesSkipped.Set(float64(state.Transform.SkippedInvoices))
	m.RowsInserted.Set(float64(state.Report.Inserted))
	m.RowsFailed.Set(float64(len(state.Report.Failed)))
	m.Finish(runErr == nil, elapsed, now)
}
