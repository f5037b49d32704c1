// Package writer persists line items with a batch, chunk, row fallback so a store
// that is asleep or flaky loses no rows silently.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/store"
)

// maxLoggedFailures caps the failed ids listed in the summary log line.
const maxLoggedFailures = 50

// Inserter is the store surface the writer needs.
type Inserter interface {
	Probe(ctx context.Context) error
	InsertBatch(ctx context.Context, items []domain.LineItem) error
	InsertRow(ctx context.Context, item domain.LineItem) error
	Reconnect(ctx context.Context) error
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// ContextSleeper sleeps on a timer and returns early when ctx is done.
var ContextSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Report is the result of one Write.
type Report struct {
	Total    int
	Inserted int
	Failed   []domain.LineItem
	// Tier is the finest granularity the write had to fall back to.
	Tier   Tier
	Delays []time.Duration
}

// Complete reports whether every row was committed.
func (r Report) Complete() bool { return len(r.Failed) == 0 && r.Inserted == r.Total }

// FailedInvoiceIDs lists the distinct invoice ids of the failed rows.
func (r Report) FailedInvoiceIDs() []int64 { return domain.InvoiceIDs(r.Failed) }

// Writer drives the insert state machine against a store.
type Writer struct {
	store   Inserter
	policy  Policy
	sleeper Sleeper
}

// Option customizes a Writer.
type Option func(*Writer)

// WithSleeper replaces the wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(w *Writer) { w.sleeper = s }
}

// New returns a Writer for the given store and retry policy.
func New(s Inserter, p Policy, opts ...Option) *Writer {
	w := &Writer{store: s, policy: p, sleeper: ContextSleeper}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write inserts items. Rows that survive every tier are returned in Report.Failed;
// the only error is cancellation of ctx, in which case the report covers the work
// done so far.
func (w *Writer) Write(ctx context.Context, items []domain.LineItem) (Report, error) {
	log := logger.FromContext(ctx)
	m := newMachine(w.policy, len(items))
	rep := Report{Total: len(items), Tier: TierBatch}

	log.Info().Int("rows", len(items)).Msg("starting guaranteed insert")

	for s := m.start(); s.Tier != TierDone; {
		if s.Tier > rep.Tier {
			rep.Tier = s.Tier
		}
		unit := w.unit(m, s, items)

		err := w.attempt(ctx, s, unit)
		outcome := Success
		if err != nil {
			kind := store.Classify(err)
			if kind == store.KindCanceled {
				return rep, fmt.Errorf("Write: %w", err)
			}
			outcome = Fatal
			if kind == store.KindTransient {
				outcome = Recoverable
			}
		}

		step := m.next(s, outcome)
		w.logStep(log, s, step, len(unit), err)

		switch step.Settled {
		case Inserted:
			rep.Inserted += len(unit)
		case Failed:
			rep.Failed = append(rep.Failed, unit...)
		}

		if step.Wait > 0 {
			rep.Delays = append(rep.Delays, step.Wait)
			if err := w.sleeper.Sleep(ctx, step.Wait); err != nil {
				return rep, fmt.Errorf("Write: waiting before retry: %w", err)
			}
		}
		if step.Reconnect {
			if err := w.store.Reconnect(ctx); err != nil {
				if store.Classify(err) == store.KindCanceled {
					return rep, fmt.Errorf("Write: reconnecting: %w", err)
				}
				log.Warn().Err(err).Msg("reconnect failed, retrying anyway")
			}
		}
		s = step.Next
	}

	w.logSummary(log, rep)
	return rep, nil
}

// unit returns the rows covered by state s.
func (w *Writer) unit(m machine, s State, items []domain.LineItem) []domain.LineItem {
	switch s.Tier {
	case TierBatch:
		return items
	case TierChunk:
		lo, hi := m.bounds(s.Chunk)
		return items[lo:hi]
	case TierRow:
		lo, _ := m.bounds(s.Chunk)
		return items[lo+s.Row : lo+s.Row+1]
	}
	return nil
}

func (w *Writer) attempt(ctx context.Context, s State, unit []domain.LineItem) error {
	if err := w.store.Probe(ctx); err != nil {
		return err
	}
	if s.Tier == TierRow {
		return w.store.InsertRow(ctx, unit[0])
	}
	return w.store.InsertBatch(ctx, unit)
}

func (w *Writer) logStep(log zerolog.Logger, s State, step Step, rows int, err error) {
	var ev *zerolog.Event
	switch {
	case step.Settled == Failed:
		ev = log.Error().Err(err)
	case err != nil:
		ev = log.Warn().Err(err)
	default:
		ev = log.Debug()
	}
	ev = ev.Stringer("tier", s.Tier).Int("attempt", s.Attempt).Int("rows", rows)
	if s.Tier != TierBatch {
		ev = ev.Int("chunk", s.Chunk+1)
	}
	if s.Tier == TierRow {
		ev = ev.Int("row", s.Row+1)
	}
	switch step.Settled {
	case Inserted:
		ev.Msg("inserted")
	case Failed:
		ev.Msg("row failed permanently")
	case Degraded:
		ev.Stringer("next_tier", step.Next.Tier).Msg("falling back to smaller inserts")
	default:
		ev.Dur("wait", step.Wait).Msg("insert failed, retrying")
	}
}

func (w *Writer) logSummary(log zerolog.Logger, rep Report) {
	ev := log.Info()
	if !rep.Complete() {
		ids := rep.FailedInvoiceIDs()
		truncated := len(ids) > maxLoggedFailures
		if truncated {
			ids = ids[:maxLoggedFailures]
		}
		ev = log.Error().Ints64("failed_invoice_ids", ids).Bool("truncated", truncated)
	}
	ev.
		Int("total", rep.Total).
		Int("inserted", rep.Inserted).
		Int("failed", len(rep.Failed)).
		Stringer("tier", rep.Tier).
		Msg("insert summary")
}
