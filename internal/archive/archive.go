// Package archive copies run artifacts to Cloud Storage and mirrors the snapshot
// into BigQuery for ad hoc analysis.
package archive

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// Result lists what was archived.
type Result struct {
	SnapshotURI string
	FailedURI   string
	Loaded      bool
}

// Archiver uploads the files of one run under {prefix}/{yyyy}/{mm}/{dd}/{runID}/.
// A nil loader skips the BigQuery load.
type Archiver struct {
	objects ObjectStore
	loader  TableLoader
	bucket  string
	prefix  string
	now     func() time.Time
}

// New returns an Archiver writing to the configured bucket.
func New(objects ObjectStore, loader TableLoader, cfg config.ArchiveConfig) *Archiver {
	return &Archiver{
		objects: objects,
		loader:  loader,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		now:     time.Now,
	}
}

// ObjectName returns the object path of file for runID.
func (a *Archiver) ObjectName(runID, file string) string {
	t := a.now().UTC()
	return path.Join(a.prefix, t.Format("2006/01/02"), runID, filepath.Base(file))
}

// Run uploads the snapshot and, when present, the failed-rows file. The snapshot is
// then loaded into BigQuery.
func (a *Archiver) Run(ctx context.Context, runID, snapshotPath, failedPath string) (Result, error) {
	log := logger.FromContext(ctx)
	var res Result

	if snapshotPath != "" {
		obj := a.ObjectName(runID, snapshotPath)
		if err := a.objects.UploadFile(ctx, a.bucket, obj, snapshotPath); err != nil {
			return res, fmt.Errorf("Run: uploading snapshot: %w", err)
		}
		res.SnapshotURI = GCSURI(a.bucket, obj)
		log.Info().Str("uri", res.SnapshotURI).Msg("snapshot archived")
	}

	if failedPath != "" {
		obj := a.ObjectName(runID, failedPath)
		if err := a.objects.UploadFile(ctx, a.bucket, obj, failedPath); err != nil {
			return res, fmt.Errorf("Run: uploading failed rows: %w", err)
		}
		res.FailedURI = GCSURI(a.bucket, obj)
		log.Info().Str("uri", res.FailedURI).Msg("failed rows archived")
	}

	if a.loader != nil && res.SnapshotURI != "" {
		if err := a.loader.LoadCSV(ctx, res.SnapshotURI); err != nil {
			return res, fmt.Errorf("Run: %w", err)
		}
		res.Loaded = true
		log.Info().Str("uri", res.SnapshotURI).Msg("snapshot loaded into bigquery")
	}
	return res, nil
}
