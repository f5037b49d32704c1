package domain

import (
	"cloud.google.com/go/civil"
)

// Default values applied by the transformer when the source invoice omits a field.
// The store never defaults anything; every LineItem is complete when it leaves transform.
const (
	DefaultItemName      = "unnamed"
	DefaultCustomerName  = "unspecified"
	DefaultPaymentMethod = "unspecified"
	DefaultSellerName    = "no seller recorded"
)

// LineItem is one (invoice, item) pair, the unit of persistence in the facturas table.
// InvoiceID is not unique: every item of an invoice carries the same value.
type LineItem struct {
	InvoiceID        int64          // "id"
	ItemID           int64          // "item_id", 0 when the source item has no id
	Date             civil.Date     // "fecha"
	Timestamp        civil.DateTime // "hora", Date at midnight when the invoice has no datetime
	ItemName         string         // "nombre"
	UnitPrice        float64        // "precio"
	Quantity         int64          // "cantidad"
	LineTotal        float64        // "total"
	CustomerName     string         // "cliente"
	InvoiceTotalPaid float64        // "totalfact"
	PaymentMethod    string         // "metodo", never empty
	SellerName       string         // "vendedor", never empty
}

// InvoiceIDs returns the distinct invoice ids of items in first-seen order.
func InvoiceIDs(items []LineItem) []int64 {
	seen := make(map[int64]bool, len(items))
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if seen[it.InvoiceID] {
			continue
		}
		seen[it.InvoiceID] = true
		ids = append(ids, it.InvoiceID)
	}
	return ids
}
