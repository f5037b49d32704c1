// Package transform turns raw API invoices into flat line items.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/invoice-ingest/internal/alegra"
	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// ErrMalformed marks an invoice that cannot be converted.
var ErrMalformed = errors.New("malformed invoice")

// Result is the output of Transform.
type Result struct {
	Items []domain.LineItem
	// SkippedInvoices counts invoices dropped as malformed.
	SkippedInvoices int
	// DiscardedItems counts item entries that were not objects.
	DiscardedItems int
}

var datetimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// Transform explodes every invoice into one LineItem per item, applying defaults
// for absent fields. An invoice with any unconvertible field is skipped as a whole
// so no invoice is ever half persisted.
func Transform(ctx context.Context, invoices []alegra.Invoice) Result {
	log := logger.FromContext(ctx)
	var res Result
	for i, inv := range invoices {
		items, discarded, err := Invoice(inv)
		res.DiscardedItems += discarded
		if err != nil {
			res.SkippedInvoices++
			log.Warn().Err(err).Int("position", i).Str("invoice_id", inv.ID.Raw).Msg("skipping invoice")
			continue
		}
		res.Items = append(res.Items, items...)
	}
	log.Info().
		Int("invoices", len(invoices)).
		Int("line_items", len(res.Items)).
		Int("skipped_invoices", res.SkippedInvoices).
		Int("discarded_items", res.DiscardedItems).
		Msg("invoices transformed")
	return res
}

// Invoice converts a single invoice. The second return value counts discarded
// non-object item entries.
func Invoice(inv alegra.Invoice) ([]domain.LineItem, int, error) {
	id, err := inv.ID.Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if !inv.Date.Set {
		return nil, 0, fmt.Errorf("%w: invoice %d: missing date", ErrMalformed, id)
	}
	date, err := civil.ParseDate(inv.Date.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invoice %d: date: %v", ErrMalformed, id, err)
	}
	ts := civil.DateTime{Date: date}
	if inv.Datetime.Set {
		ts, err = parseDatetime(inv.Datetime.Value)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: invoice %d: datetime: %v", ErrMalformed, id, err)
		}
	}
	totalPaid, err := inv.TotalPaid.Float64Or(0)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invoice %d: totalPaid: %v", ErrMalformed, id, err)
	}

	items, discarded, err := alegra.DecodeItems(inv.Items)
	if err != nil {
		return nil, discarded, fmt.Errorf("%w: invoice %d: %v", ErrMalformed, id, err)
	}

	base := domain.LineItem{
		InvoiceID:        id,
		Date:             date,
		Timestamp:        ts,
		CustomerName:     inv.Client.Or(domain.DefaultCustomerName),
		InvoiceTotalPaid: totalPaid,
		PaymentMethod:    inv.PaymentMethod.Or(domain.DefaultPaymentMethod),
		SellerName:       inv.Seller.Or(domain.DefaultSellerName),
	}
	out := make([]domain.LineItem, 0, len(items))
	for j, it := range items {
		li, err := lineItem(base, it)
		if err != nil {
			return nil, discarded, fmt.Errorf("%w: invoice %d item %d: %v", ErrMalformed, id, j, err)
		}
		out = append(out, li)
	}
	return out, discarded, nil
}

func lineItem(base domain.LineItem, it alegra.Item) (domain.LineItem, error) {
	li := base
	var err error
	if li.ItemID, err = it.ID.Int64Or(0); err != nil {
		return li, fmt.Errorf("id: %v", err)
	}
	if li.UnitPrice, err = it.Price.Float64Or(0); err != nil {
		return li, fmt.Errorf("price: %v", err)
	}
	if li.Quantity, err = it.Quantity.Int64Or(0); err != nil {
		return li, fmt.Errorf("quantity: %v", err)
	}
	if li.LineTotal, err = it.Total.Float64Or(0); err != nil {
		return li, fmt.Errorf("total: %v", err)
	}
	li.ItemName = it.Name.Or(domain.DefaultItemName)
	return li, nil
}

func parseDatetime(s string) (civil.DateTime, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateTimeOf(t), nil
		}
	}
	return civil.DateTime{}, fmt.Errorf("unrecognized datetime %q", s)
}
