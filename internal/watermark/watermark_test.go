package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/invoice-ingest/internal/config"
)

type mockStore struct {
	MaxInvoiceIDFunc func(ctx context.Context) (int64, bool, error)
}

func (m *mockStore) MaxInvoiceID(ctx context.Context) (int64, bool, error) {
	return m.MaxInvoiceIDFunc(ctx)
}

type mockAPI struct {
	LatestInvoiceIDFunc func(ctx context.Context, asOf civil.Date) (int64, bool, error)
}

func (m *mockAPI) LatestInvoiceID(ctx context.Context, asOf civil.Date) (int64, bool, error) {
	return m.LatestInvoiceIDFunc(ctx, asOf)
}

func fixedNow() time.Time {
	return time.Date(2025, time.June, 15, 2, 0, 0, 0, time.Local)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		maxID     int64
		hasData   bool
		latest    int64
		wantAsOf  civil.Date
		want      Window
		wantEmpty bool
	}{
		{
			name:     "empty store bootstraps from anchor window",
			latest:   950,
			wantAsOf: civil.Date{Year: 2022, Month: time.December, Day: 1},
			want:     Window{Start: 1, End: 950},
		},
		{
			name:     "incremental run uses yesterday",
			maxID:    4000,
			hasData:  true,
			latest:   4120,
			wantAsOf: civil.Date{Year: 2025, Month: time.June, Day: 14},
			want:     Window{Start: 4001, End: 4120, HasPriorData: true},
		},
		{
			name:      "nothing new",
			maxID:     4120,
			hasData:   true,
			latest:    4120,
			wantAsOf:  civil.Date{Year: 2025, Month: time.June, Day: 14},
			want:      Window{Start: 4121, End: 4120, HasPriorData: true},
			wantEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{MaxInvoiceIDFunc: func(context.Context) (int64, bool, error) {
				return tt.maxID, tt.hasData, nil
			}}
			api := &mockAPI{LatestInvoiceIDFunc: func(_ context.Context, asOf civil.Date) (int64, bool, error) {
				if asOf != tt.wantAsOf {
					t.Errorf("asOf = %v, want %v", asOf, tt.wantAsOf)
				}
				return tt.latest, true, nil
			}}

			r := NewResolver(store, api, config.Default().Fetch)
			r.Now = fixedNow

			got, err := r.Resolve(context.Background())
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
			if got.Empty() != tt.wantEmpty {
				t.Errorf("Empty() = %v, want %v", got.Empty(), tt.wantEmpty)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	okStore := &mockStore{MaxInvoiceIDFunc: func(context.Context) (int64, bool, error) { return 10, true, nil }}
	okAPI := &mockAPI{LatestInvoiceIDFunc: func(context.Context, civil.Date) (int64, bool, error) { return 20, true, nil }}

	tests := []struct {
		name  string
		store IDSource
		api   LatestSource
		want  error
	}{
		{
			name:  "store unreadable",
			store: &mockStore{MaxInvoiceIDFunc: func(context.Context) (int64, bool, error) { return 0, false, errors.New("conn refused") }},
			api:   okAPI,
			want:  ErrNoStart,
		},
		{
			name:  "api failed",
			store: okStore,
			api:   &mockAPI{LatestInvoiceIDFunc: func(context.Context, civil.Date) (int64, bool, error) { return 0, false, errors.New("401") }},
			want:  ErrNoUpperBound,
		},
		{
			name:  "api has no invoices",
			store: okStore,
			api:   &mockAPI{LatestInvoiceIDFunc: func(context.Context, civil.Date) (int64, bool, error) { return 0, false, nil }},
			want:  ErrNoUpperBound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.store, tt.api, config.Default().Fetch)
			r.Now = fixedNow
			if _, err := r.Resolve(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.want)
			}
		})
	}
}
