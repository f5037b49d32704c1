package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/export"
	"github.com/dvloznov/invoice-ingest/internal/writer"
)

type mockRowWriter struct {
	WriteFunc func(ctx context.Context, items []domain.LineItem) (writer.Report, error)
}

func (m *mockRowWriter) Write(ctx context.Context, items []domain.LineItem) (writer.Report, error) {
	return m.WriteFunc(ctx, items)
}

func sampleItems() []domain.LineItem {
	d := civil.Date{Year: 2024, Month: time.March, Day: 9}
	items := make([]domain.LineItem, 3)
	for i := range items {
		items[i] = domain.LineItem{
			InvoiceID:        int64(100 + i),
			ItemID:           int64(i + 1),
			Date:             d,
			Timestamp:        civil.DateTime{Date: d, Time: civil.Time{Hour: 10, Minute: 30}},
			ItemName:         "Pan",
			UnitPrice:        2.5,
			Quantity:         2,
			LineTotal:        5,
			CustomerName:     domain.DefaultCustomerName,
			InvoiceTotalPaid: 5,
			PaymentMethod:    "cash",
			SellerName:       domain.DefaultSellerName,
		}
	}
	return items
}

func writeSideFile(t *testing.T, dir string, items []domain.LineItem) string {
	t.Helper()
	path, err := export.WriteFailed(context.Background(), dir, items, time.Date(2024, time.March, 9, 2, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("WriteFailed() error = %v", err)
	}
	return path
}

func TestReplayFile(t *testing.T) {
	items := sampleItems()
	now := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		failed       []domain.LineItem
		wantLeftover bool
	}{
		{name: "all rows recovered", failed: nil},
		{name: "one row still failing", failed: items[1:2], wantLeftover: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeSideFile(t, dir, items)

			w := &mockRowWriter{WriteFunc: func(_ context.Context, got []domain.LineItem) (writer.Report, error) {
				if diff := cmp.Diff(items, got); diff != "" {
					t.Errorf("replayed rows mismatch (-want +got):\n%s", diff)
				}
				return writer.Report{Total: len(got), Inserted: len(got) - len(tt.failed), Failed: tt.failed}, nil
			}}

			rep, leftover, err := replayFile(context.Background(), w, nil, path, dir, now)
			if err != nil {
				t.Fatalf("replayFile() error = %v", err)
			}
			if rep.Total != 3 {
				t.Errorf("Total = %d, want 3", rep.Total)
			}
			if (leftover != "") != tt.wantLeftover {
				t.Fatalf("leftover = %q, wantLeftover %v", leftover, tt.wantLeftover)
			}
			if !tt.wantLeftover {
				return
			}
			if filepath.Base(leftover) != export.FailedFileName(now) {
				t.Errorf("leftover name = %q", filepath.Base(leftover))
			}
			got, err := export.ReadFile(leftover)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if diff := cmp.Diff(tt.failed, got); diff != "" {
				t.Errorf("leftover rows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		w := &mockRowWriter{WriteFunc: func(context.Context, []domain.LineItem) (writer.Report, error) {
			t.Fatal("Write called without input")
			return writer.Report{}, nil
		}}
		if _, _, err := replayFile(context.Background(), w, nil, filepath.Join(t.TempDir(), "nope.csv"), t.TempDir(), time.Now()); err == nil {
			t.Error("replayFile() error = nil")
		}
	})

	t.Run("canceled write", func(t *testing.T) {
		dir := t.TempDir()
		path := writeSideFile(t, dir, sampleItems())
		w := &mockRowWriter{WriteFunc: func(context.Context, []domain.LineItem) (writer.Report, error) {
			return writer.Report{}, context.Canceled
		}}
		if _, _, err := replayFile(context.Background(), w, nil, path, dir, time.Now()); !errors.Is(err, context.Canceled) {
			t.Errorf("replayFile() error = %v, want context.Canceled", err)
		}
	})
}

type mockObjectStore struct {
	FetchFromGCSFunc func(ctx context.Context, uri string) ([]byte, error)
}

func (m *mockObjectStore) UploadFile(context.Context, string, string, string) error { return nil }

func (m *mockObjectStore) FetchFromGCS(ctx context.Context, uri string) ([]byte, error) {
	return m.FetchFromGCSFunc(ctx, uri)
}

func TestReplayFile_FromBucket(t *testing.T) {
	items := sampleItems()
	local := writeSideFile(t, t.TempDir(), items)
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	const uri = "gs://archive/facturas/2024/03/09/run-1/facturas_failed_20240309_020000.csv"
	objects := &mockObjectStore{FetchFromGCSFunc: func(_ context.Context, got string) ([]byte, error) {
		if got != uri {
			t.Errorf("uri = %q", got)
		}
		return data, nil
	}}
	w := &mockRowWriter{WriteFunc: func(_ context.Context, got []domain.LineItem) (writer.Report, error) {
		return writer.Report{Total: len(got), Inserted: len(got)}, nil
	}}

	rep, leftover, err := replayFile(context.Background(), w, objects, uri, t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("replayFile() error = %v", err)
	}
	if rep.Inserted != len(items) || leftover != "" {
		t.Errorf("replayFile() = %+v, %q", rep, leftover)
	}

	if _, _, err := replayFile(context.Background(), w, nil, uri, t.TempDir(), time.Now()); err == nil {
		t.Error("replayFile() without object store error = nil")
	}
}
