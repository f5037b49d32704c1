// Package extract fans page requests out over a bounded number of goroutines.
package extract

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// PageFetcher returns one page of invoices starting at offset.
type PageFetcher interface {
	FetchPage(ctx context.Context, offset, limit int64) ([]alegra.Invoice, error)
}

// Stats summarizes one FetchRange call.
type Stats struct {
	Pages       int
	EmptyPages  int
	FailedPages int
	// RateLimitedPages counts failed pages whose last attempt was an HTTP 429.
	RateLimitedPages int
	Invoices         int
}

// Windows returns the page offsets start, start+pageSize, ... up to and including end.
func Windows(start, end, pageSize int64) []int64 {
	if pageSize <= 0 || start > end {
		return nil
	}
	offsets := make([]int64, 0, (end-start)/pageSize+1)
	for off := start; off <= end; off += pageSize {
		offsets = append(offsets, off)
	}
	return offsets
}

// FetchRange requests every window between start and end with at most maxConcurrency
// requests in flight. A failed page contributes nothing and does not stop the others.
// Pages are concatenated in offset order. The only error is cancellation of ctx.
func FetchRange(ctx context.Context, f PageFetcher, start, end, pageSize int64, maxConcurrency int) ([]alegra.Invoice, Stats, error) {
	log := logger.FromContext(ctx)
	offsets := Windows(start, end, pageSize)
	stats := Stats{Pages: len(offsets)}
	if len(offsets) == 0 {
		return nil, stats, nil
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	log.Info().
		Int64("start", start).
		Int64("end", end).
		Int("pages", len(offsets)).
		Int("concurrency", maxConcurrency).
		Msg("fetching invoice pages")

	pages := make([][]alegra.Invoice, len(offsets))
	failed := make([]bool, len(offsets))
	kinds := make([]alegra.FailureKind, len(offsets))
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var g errgroup.Group

	for i, off := range offsets {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			page, err := f.FetchPage(ctx, off, pageSize)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				kinds[i] = alegra.KindOf(err)
				log.Warn().Err(err).Int64("start", off).Stringer("kind", kinds[i]).Msg("page yielded no invoices")
				failed[i] = true
				return nil
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, fmt.Errorf("FetchRange: %w", err)
	}

	var total int
	for _, p := range pages {
		total += len(p)
	}
	out := make([]alegra.Invoice, 0, total)
	for i, p := range pages {
		if failed[i] {
			stats.FailedPages++
			if kinds[i] == alegra.RateLimited {
				stats.RateLimitedPages++
			}
		}
		if len(p) == 0 {
			stats.EmptyPages++
			continue
		}
		out = append(out, p...)
	}
	stats.Invoices = len(out)

	log.Info().
		Int("invoices", stats.Invoices).
		Int("empty_pages", stats.EmptyPages).
		Int("failed_pages", stats.FailedPages).
		Int("rate_limited_pages", stats.RateLimitedPages).
		Msg("fetch complete")
	return out, stats, nil
}
