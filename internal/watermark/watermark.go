// Package watermark derives the invoice id window of the next extraction run from
// what the store already holds and what the API reports as latest.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

var (
	// ErrNoStart means the persisted watermark could not be read.
	ErrNoStart = errors.New("cannot determine start id")
	// ErrNoUpperBound means the API did not report a latest invoice.
	ErrNoUpperBound = errors.New("cannot determine end id")
)

// IDSource reads the highest persisted invoice id.
type IDSource interface {
	MaxInvoiceID(ctx context.Context) (int64, bool, error)
}

// LatestSource asks the API for the newest invoice dated on or before asOf.
type LatestSource interface {
	LatestInvoiceID(ctx context.Context, asOf civil.Date) (int64, bool, error)
}

// Window is the inclusive id range of one run.
type Window struct {
	Start int64
	End   int64
	// HasPriorData is true when the store already held invoices.
	HasPriorData bool
}

// Empty reports whether there is nothing new to extract.
func (w Window) Empty() bool { return w.Start > w.End }

// Resolver computes windows. Now defaults to time.Now.
type Resolver struct {
	Store  IDSource
	API    LatestSource
	Config config.FetchConfig
	Now    func() time.Time
}

// NewResolver returns a Resolver reading the local clock.
func NewResolver(store IDSource, api LatestSource, cfg config.FetchConfig) *Resolver {
	return &Resolver{Store: store, API: api, Config: cfg, Now: time.Now}
}

// LastPersistedID returns MAX(id) of the store; ok is false when there is no data.
func (r *Resolver) LastPersistedID(ctx context.Context) (int64, bool, error) {
	id, ok, err := r.Store.MaxInvoiceID(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("LastPersistedID: %w", err)
	}
	return id, ok, nil
}

// StartID is one past the last persisted id, or the bootstrap id on an empty store.
func (r *Resolver) StartID(ctx context.Context) (int64, bool, error) {
	last, ok, err := r.LastPersistedID(ctx)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return r.Config.BootstrapStartID, false, nil
	}
	return last + 1, true, nil
}

// AsOf returns the date used to look up the latest invoice: yesterday when the
// store has data, otherwise the end of the backfill window.
func (r *Resolver) AsOf(hasPriorData bool) (civil.Date, error) {
	if hasPriorData {
		return civil.DateOf(r.now()).AddDays(-1), nil
	}
	anchor, err := r.Config.BackfillStart()
	if err != nil {
		return civil.Date{}, err
	}
	return anchor.AddDays(r.Config.BackfillWindowDays), nil
}

// LatestAPIID returns the newest invoice id as of AsOf(hasPriorData).
func (r *Resolver) LatestAPIID(ctx context.Context, hasPriorData bool) (int64, bool, error) {
	asOf, err := r.AsOf(hasPriorData)
	if err != nil {
		return 0, false, fmt.Errorf("LatestAPIID: %w", err)
	}
	id, ok, err := r.API.LatestInvoiceID(ctx, asOf)
	if err != nil {
		return 0, false, fmt.Errorf("LatestAPIID: %w", err)
	}
	return id, ok, nil
}

// Resolve computes both bounds. Failing to read either is fatal for the run.
func (r *Resolver) Resolve(ctx context.Context) (Window, error) {
	log := logger.FromContext(ctx)

	start, prior, err := r.StartID(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("Resolve: %w: %w", ErrNoStart, err)
	}
	end, ok, err := r.LatestAPIID(ctx, prior)
	if err != nil {
		return Window{}, fmt.Errorf("Resolve: %w: %w", ErrNoUpperBound, err)
	}
	if !ok {
		return Window{}, fmt.Errorf("Resolve: %w: api returned no invoices", ErrNoUpperBound)
	}

	w := Window{Start: start, End: end, HasPriorData: prior}
	log.Info().
		Int64("start_id", w.Start).
		Int64("end_id", w.End).
		Bool("prior_data", prior).
		Bool("empty", w.Empty()).
		Msg("extraction window resolved")
	return w, nil
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
