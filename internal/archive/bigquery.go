package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
)

// LineItemRow is the BigQuery shape of an exported line item. Field order matches
// the CSV columns so the schema can be used to load snapshot files directly.
type LineItemRow struct {
	InvoiceID        int64          `bigquery:"id"`        // REQUIRED
	ItemID           int64          `bigquery:"item_id"`   // REQUIRED
	Date             civil.Date     `bigquery:"fecha"`     // REQUIRED
	Timestamp        civil.DateTime `bigquery:"hora"`      // REQUIRED
	ItemName         string         `bigquery:"nombre"`    // REQUIRED
	UnitPrice        float64        `bigquery:"precio"`    // REQUIRED
	Quantity         int64          `bigquery:"cantidad"`  // REQUIRED
	LineTotal        float64        `bigquery:"total"`     // REQUIRED
	CustomerName     string         `bigquery:"cliente"`   // REQUIRED
	InvoiceTotalPaid float64        `bigquery:"totalfact"` // REQUIRED
	PaymentMethod    string         `bigquery:"metodo"`    // REQUIRED
	SellerName       string         `bigquery:"vendedor"`  // REQUIRED
}

func inferSchema() (bigquery.Schema, error) {
	return bigquery.InferSchema(LineItemRow{})
}

// TableLoader replaces a table with the contents of a CSV object.
type TableLoader interface {
	LoadCSV(ctx context.Context, gcsURI string) error
}

// BigQueryLoader loads snapshot files into one table.
type BigQueryLoader struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// NewBigQueryLoader creates a BigQuery client for project.
func NewBigQueryLoader(ctx context.Context, project, dataset, table, credentialsFile string) (*BigQueryLoader, error) {
	client, err := bigquery.NewClient(ctx, project, clientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryLoader: creating client: %w", err)
	}
	return &BigQueryLoader{client: client, dataset: dataset, table: table}, nil
}

// Close closes the BigQuery client connection.
func (l *BigQueryLoader) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// LoadCSV truncates the table and loads gcsURI into it, skipping the header row.
func (l *BigQueryLoader) LoadCSV(ctx context.Context, gcsURI string) error {
	schema, err := inferSchema()
	if err != nil {
		return fmt.Errorf("LoadCSV: inferring schema: %w", err)
	}

	ref := bigquery.NewGCSReference(gcsURI)
	ref.SourceFormat = bigquery.CSV
	ref.SkipLeadingRows = 1
	ref.AllowQuotedNewlines = true
	ref.Schema = schema

	loader := l.client.Dataset(l.dataset).Table(l.table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("LoadCSV: starting load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("LoadCSV: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("LoadCSV: job error: %w", err)
	}
	return nil
}
