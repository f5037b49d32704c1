package pipeline

import (
	"context"

	"github.com/dvloznov/invoice-ingest/internal/archive"
	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/watermark"
	"github.com/dvloznov/invoice-ingest/internal/writer"
)

// Store is the relational store surface a run needs. *store.Store implements it.
type Store interface {
	WakeUp(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	ForEachLineItem(ctx context.Context, fn func(domain.LineItem) error) error
}

// WindowResolver computes the id range to extract.
type WindowResolver interface {
	Resolve(ctx context.Context) (watermark.Window, error)
}

// RowWriter persists line items. *writer.Writer implements it.
type RowWriter interface {
	Write(ctx context.Context, items []domain.LineItem) (writer.Report, error)
}

// Archiver copies run artifacts off the host. *archive.Archiver implements it.
type Archiver interface {
	Run(ctx context.Context, runID, snapshotPath, failedPath string) (archive.Result, error)
}
