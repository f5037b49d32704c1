// Package export writes line items to delimited files: the full-table snapshot taken
// after every run and the side file of rows the writer could not insert.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/store"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05.999999999"
)

// Header is the first record of every file. It matches the table columns minus the
// synthetic key and the creation timestamp.
var Header = store.Columns

// Writer encodes line items as CSV records.
type Writer struct {
	w *csv.Writer
	n int
}

// NewWriter writes the header to w and returns a Writer for the rows.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return nil, fmt.Errorf("NewWriter: writing header: %w", err)
	}
	return &Writer{w: cw}, nil
}

// Write encodes one item.
func (w *Writer) Write(it domain.LineItem) error {
	if err := w.w.Write(record(it)); err != nil {
		return fmt.Errorf("Write: invoice %d: %w", it.InvoiceID, err)
	}
	w.n++
	return nil
}

// Count returns the number of rows written so far.
func (w *Writer) Count() int { return w.n }

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

func record(it domain.LineItem) []string {
	return []string{
		strconv.FormatInt(it.InvoiceID, 10),
		strconv.FormatInt(it.ItemID, 10),
		it.Date.In(time.UTC).Format(dateLayout),
		it.Timestamp.In(time.UTC).Format(datetimeLayout),
		it.ItemName,
		formatFloat(it.UnitPrice),
		strconv.FormatInt(it.Quantity, 10),
		formatFloat(it.LineTotal),
		it.CustomerName,
		formatFloat(it.InvoiceTotalPaid),
		it.PaymentMethod,
		it.SellerName,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ReadLineItems decodes a file produced by Writer.
func ReadLineItems(r io.Reader) ([]domain.LineItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ReadLineItems: reading header: %w", err)
	}
	for i, col := range Header {
		if head[i] != col {
			return nil, fmt.Errorf("ReadLineItems: column %d is %q, want %q", i+1, head[i], col)
		}
	}

	var items []domain.LineItem
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ReadLineItems: %w", err)
		}
		it, err := parseRecord(rec)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("ReadLineItems: line %d: %w", line, err)
		}
		items = append(items, it)
	}
}

func parseRecord(rec []string) (domain.LineItem, error) {
	var (
		it  domain.LineItem
		err error
	)
	if it.InvoiceID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
		return it, fmt.Errorf("id: %w", err)
	}
	if it.ItemID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
		return it, fmt.Errorf("item_id: %w", err)
	}
	if it.Date, err = civil.ParseDate(rec[2]); err != nil {
		return it, fmt.Errorf("fecha: %w", err)
	}
	ts, err := time.Parse(datetimeLayout, rec[3])
	if err != nil {
		return it, fmt.Errorf("hora: %w", err)
	}
	it.Timestamp = civil.DateTimeOf(ts)
	it.ItemName = rec[4]
	if it.UnitPrice, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return it, fmt.Errorf("precio: %w", err)
	}
	if it.Quantity, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
		return it, fmt.Errorf("cantidad: %w", err)
	}
	if it.LineTotal, err = strconv.ParseFloat(rec[7], 64); err != nil {
		return it, fmt.Errorf("total: %w", err)
	}
	it.CustomerName = rec[8]
	if it.InvoiceTotalPaid, err = strconv.ParseFloat(rec[9], 64); err != nil {
		return it, fmt.Errorf("totalfact: %w", err)
	}
	it.PaymentMethod = rec[10]
	it.SellerName = rec[11]
	return it, nil
}
