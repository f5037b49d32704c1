package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// FailedFilePrefix starts the name of every failed-rows side file.
const FailedFilePrefix = "facturas_failed_"

// RowSource streams persisted line items in export order.
type RowSource interface {
	ForEachLineItem(ctx context.Context, fn func(domain.LineItem) error) error
}

// Snapshot dumps every row of src to path. The file is written next to path and
// renamed into place so readers never observe a partial snapshot.
func Snapshot(ctx context.Context, src RowSource, path string) (int, error) {
	n := 0
	err := writeAtomic(path, func(f *os.File) error {
		w, err := NewWriter(f)
		if err != nil {
			return err
		}
		if err := src.ForEachLineItem(ctx, w.Write); err != nil {
			return err
		}
		n = w.Count()
		return w.Flush()
	})
	if err != nil {
		return 0, fmt.Errorf("Snapshot: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("path", path).Int("rows", n).Msg("snapshot exported")
	return n, nil
}

// FailedFileName returns the side-file name for a run finishing at t.
func FailedFileName(t time.Time) string {
	return FailedFilePrefix + t.Format("20060102_150405") + ".csv"
}

// WriteFailed writes items to a timestamped side file in dir and returns its path.
// Nothing is written when items is empty.
func WriteFailed(ctx context.Context, dir string, items []domain.LineItem, now time.Time) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	path := filepath.Join(dir, FailedFileName(now))
	err := writeAtomic(path, func(f *os.File) error {
		w, err := NewWriter(f)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := w.Write(it); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	if err != nil {
		return "", fmt.Errorf("WriteFailed: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Warn().Str("path", path).Int("rows", len(items)).Msg("failed rows saved for manual review")
	return path, nil
}

// ReadFile decodes a snapshot or side file from disk.
func ReadFile(path string) ([]domain.LineItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	defer f.Close()
	return ReadLineItems(f)
}

func writeAtomic(path string, fill func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming to %s: %w", path, err)
	}
	return nil
}
