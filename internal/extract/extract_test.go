package extract

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
)

type mockFetcher struct {
	FetchPageFunc func(ctx context.Context, offset, limit int64) ([]alegra.Invoice, error)
}

func (m *mockFetcher) FetchPage(ctx context.Context, offset, limit int64) ([]alegra.Invoice, error) {
	return m.FetchPageFunc(ctx, offset, limit)
}

func invoices(from, n int) []alegra.Invoice {
	out := make([]alegra.Invoice, n)
	for i := range out {
		out[i] = alegra.Invoice{ID: alegra.Number{Raw: strconv.Itoa(from + i), Set: true}}
	}
	return out
}

func ids(t *testing.T, invs []alegra.Invoice) []int64 {
	t.Helper()
	out := make([]int64, len(invs))
	for i, inv := range invs {
		id, err := inv.ID.Int64()
		if err != nil {
			t.Fatalf("invoice %d: %v", i, err)
		}
		out[i] = id
	}
	return out
}

func TestWindows(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		size       int64
		want       []int64
	}{
		{name: "three pages", start: 0, end: 64, size: 30, want: []int64{0, 30, 60}},
		{name: "end on boundary", start: 1, end: 31, size: 30, want: []int64{1, 31}},
		{name: "single", start: 5, end: 5, size: 30, want: []int64{5}},
		{name: "empty window", start: 10, end: 9, size: 30, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Windows(tt.start, tt.end, tt.size)); diff != "" {
				t.Errorf("Windows() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchRange_ThreePages(t *testing.T) {
	sizes := map[int64]int{0: 30, 30: 30, 60: 5}
	f := &mockFetcher{FetchPageFunc: func(_ context.Context, offset, limit int64) ([]alegra.Invoice, error) {
		if limit != 30 {
			t.Errorf("limit = %d, want 30", limit)
		}
		return invoices(int(offset), sizes[offset]), nil
	}}

	got, stats, err := FetchRange(context.Background(), f, 0, 64, 30, 7)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if len(got) != 65 {
		t.Errorf("len(got) = %d, want 65", len(got))
	}
	if diff := cmp.Diff(Stats{Pages: 3, Invoices: 65}, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRange_OffsetOrderDespiteCompletionOrder(t *testing.T) {
	f := &mockFetcher{FetchPageFunc: func(_ context.Context, offset, _ int64) ([]alegra.Invoice, error) {
		// Earlier pages finish last.
		time.Sleep(time.Duration(90-offset) * time.Millisecond)
		return invoices(int(offset), 2), nil
	}}

	got, _, err := FetchRange(context.Background(), f, 0, 89, 30, 3)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	want := []int64{0, 1, 30, 31, 60, 61}
	if diff := cmp.Diff(want, ids(t, got)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRange_FailedPageDoesNotAbortSiblings(t *testing.T) {
	f := &mockFetcher{FetchPageFunc: func(_ context.Context, offset, _ int64) ([]alegra.Invoice, error) {
		if offset == 30 {
			return nil, &alegra.FetchError{Kind: alegra.Status, StatusCode: 500, Attempts: 1, Err: errors.New("boom")}
		}
		return invoices(int(offset), 1), nil
	}}

	got, stats, err := FetchRange(context.Background(), f, 0, 90, 30, 2)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if diff := cmp.Diff([]int64{0, 60, 90}, ids(t, got)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if stats.FailedPages != 1 || stats.EmptyPages != 1 || stats.Pages != 4 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestFetchRange_CountsRateLimitedPages(t *testing.T) {
	f := &mockFetcher{FetchPageFunc: func(_ context.Context, offset, _ int64) ([]alegra.Invoice, error) {
		switch offset {
		case 0:
			return nil, &alegra.FetchError{Kind: alegra.RateLimited, StatusCode: 429, Attempts: 3, Err: errors.New("too many requests")}
		case 30:
			return nil, &alegra.FetchError{Kind: alegra.Network, Attempts: 3, Err: errors.New("timeout")}
		case 60:
			return nil, errors.New("not a fetch error")
		}
		return invoices(int(offset), 1), nil
	}}

	_, stats, err := FetchRange(context.Background(), f, 0, 90, 30, 4)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	want := Stats{Pages: 4, EmptyPages: 3, FailedPages: 3, RateLimitedPages: 1, Invoices: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRange_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	var mu sync.Mutex
	f := &mockFetcher{FetchPageFunc: func(_ context.Context, offset, _ int64) ([]alegra.Invoice, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}}

	_, stats, err := FetchRange(context.Background(), f, 0, 30*40, 30, 7)
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	if peak > 7 {
		t.Errorf("peak in-flight = %d, want <= 7", peak)
	}
	if stats.Pages != 41 || stats.EmptyPages != 41 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestFetchRange_EmptyWindow(t *testing.T) {
	f := &mockFetcher{FetchPageFunc: func(context.Context, int64, int64) ([]alegra.Invoice, error) {
		t.Error("FetchPage should not be called")
		return nil, nil
	}}

	got, stats, err := FetchRange(context.Background(), f, 100, 99, 30, 7)
	if err != nil || got != nil || stats.Pages != 0 {
		t.Errorf("FetchRange() = (%v, %+v, %v)", got, stats, err)
	}
}

func TestFetchRange_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &mockFetcher{FetchPageFunc: func(ctx context.Context, _, _ int64) ([]alegra.Invoice, error) {
		return nil, ctx.Err()
	}}

	if _, _, err := FetchRange(ctx, f, 0, 60, 30, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("FetchRange() error = %v, want context.Canceled", err)
	}
}
