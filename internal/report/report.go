// Package report computes read-only sales aggregates over the persisted line items
// and renders, summarizes and publishes them.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
)

// Dimension is one GROUP BY of the report.
type Dimension struct {
	Name  string
	Title string
	// KeyHeader labels the key column when rendered.
	KeyHeader string
	// keyExpr is a SQL text expression; its lexical order is the natural order.
	keyExpr string
	// ranked dimensions are ordered by revenue and truncated to the top N.
	ranked bool
	label  func(string) string
}

var weekdays = map[string]string{
	"1": "Monday", "2": "Tuesday", "3": "Wednesday", "4": "Thursday",
	"5": "Friday", "6": "Saturday", "7": "Sunday",
}

// Dimensions lists every table of the report in output order.
var Dimensions = []Dimension{
	{Name: "month", Title: "Sales by month", KeyHeader: "MONTH", keyExpr: "to_char(fecha, 'YYYY-MM')"},
	{Name: "weekday", Title: "Sales by weekday", KeyHeader: "WEEKDAY", keyExpr: "to_char(fecha, 'ID')", label: func(k string) string {
		if name, ok := weekdays[k]; ok {
			return name
		}
		return k
	}},
	{Name: "hour", Title: "Sales by hour of day", KeyHeader: "HOUR", keyExpr: "to_char(hora, 'HH24')", label: func(k string) string { return k + ":00" }},
	{Name: "products", Title: "Top products", KeyHeader: "PRODUCT", keyExpr: "nombre", ranked: true},
	{Name: "customers", Title: "Top customers", KeyHeader: "CUSTOMER", keyExpr: "cliente", ranked: true},
	{Name: "sellers", Title: "Sales by seller", KeyHeader: "SELLER", keyExpr: "vendedor", ranked: true},
	{Name: "payment_methods", Title: "Sales by payment method", KeyHeader: "PAYMENT METHOD", keyExpr: "metodo", ranked: true},
}

// Row is one aggregated bucket.
type Row struct {
	Key      string
	Lines    int64
	Invoices int64
	Units    int64
	Revenue  float64
	// Share is Revenue as a percentage of the table total.
	Share float64
}

// Table is one dimension of the report.
type Table struct {
	Dimension Dimension
	Rows      []Row
}

// Totals summarizes the whole year.
type Totals struct {
	Lines     int64
	Invoices  int64
	Units     int64
	Revenue   float64
	Products  int64
	Customers int64
	Sellers   int64
}

// Report is the full yearly report.
type Report struct {
	Year        int
	GeneratedAt time.Time
	Totals      Totals
	Tables      []Table
}

// Table returns the table of the named dimension.
func (r *Report) Table(name string) (Table, bool) {
	for _, t := range r.Tables {
		if t.Dimension.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Source runs the aggregate queries.
type Source interface {
	Totals(ctx context.Context, from, to civil.Date) (Totals, error)
	Aggregate(ctx context.Context, d Dimension, from, to civil.Date, limit int) ([]Row, error)
}

// Build computes every dimension for year. Ranked dimensions keep topN rows.
func Build(ctx context.Context, src Source, year, topN int, now time.Time) (*Report, error) {
	from := civil.Date{Year: year, Month: time.January, Day: 1}
	to := civil.Date{Year: year + 1, Month: time.January, Day: 1}

	totals, err := src.Totals(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Build: totals: %w", err)
	}
	r := &Report{Year: year, GeneratedAt: now, Totals: totals}
	for _, d := range Dimensions {
		limit := 0
		if d.ranked {
			limit = topN
		}
		rows, err := src.Aggregate(ctx, d, from, to, limit)
		if err != nil {
			return nil, fmt.Errorf("Build: %s: %w", d.Name, err)
		}
		finish(d, rows, totals.Revenue)
		r.Tables = append(r.Tables, Table{Dimension: d, Rows: rows})
	}
	return r, nil
}

func finish(d Dimension, rows []Row, total float64) {
	for i := range rows {
		if total != 0 {
			rows[i].Share = rows[i].Revenue / total * 100
		}
		if d.label != nil {
			rows[i].Key = d.label(rows[i].Key)
		}
	}
	if d.ranked {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Revenue > rows[j].Revenue })
	}
}

// Querier runs read-only SQL. *store.Store implements it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGSource aggregates with SQL against the line item table.
type PGSource struct {
	q     Querier
	table string
}

// NewPGSource returns a Source over table, which must already be quoted.
func NewPGSource(q Querier, table string) *PGSource {
	return &PGSource{q: q, table: table}
}

func (s *PGSource) Totals(ctx context.Context, from, to civil.Date) (Totals, error) {
	rows, err := s.q.Query(ctx, totalsSQL(s.table), dateArg(from), dateArg(to))
	if err != nil {
		return Totals{}, fmt.Errorf("Totals: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (Totals, error) {
		var t Totals
		err := row.Scan(&t.Lines, &t.Invoices, &t.Units, &t.Revenue, &t.Products, &t.Customers, &t.Sellers)
		return t, err
	})
	if err != nil {
		return Totals{}, fmt.Errorf("Totals: %w", err)
	}
	return t, nil
}

func (s *PGSource) Aggregate(ctx context.Context, d Dimension, from, to civil.Date, limit int) ([]Row, error) {
	args := []any{dateArg(from), dateArg(to)}
	if limit > 0 {
		args = append(args, limit)
	}
	rows, err := s.q.Query(ctx, aggregateSQL(s.table, d, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("Aggregate: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Row, error) {
		var r Row
		err := row.Scan(&r.Key, &r.Lines, &r.Invoices, &r.Units, &r.Revenue)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("Aggregate: %w", err)
	}
	return out, nil
}

func dateArg(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func totalsSQL(table string) string {
	return `SELECT count(*), count(DISTINCT id), coalesce(sum(cantidad), 0)::bigint,
	coalesce(sum(total), 0)::float8, count(DISTINCT nombre), count(DISTINCT cliente), count(DISTINCT vendedor)
FROM ` + table + `
WHERE fecha >= $1 AND fecha < $2`
}

func aggregateSQL(table string, d Dimension, limit int) string {
	order := "1"
	if d.ranked {
		order = "5 DESC, 1"
	}
	sql := `SELECT ` + d.keyExpr + ` AS key, count(*), count(DISTINCT id), coalesce(sum(cantidad), 0)::bigint,
	coalesce(sum(total), 0)::float8
FROM ` + table + `
WHERE fecha >= $1 AND fecha < $2
GROUP BY 1
ORDER BY ` + order
	if limit > 0 {
		sql += "\nLIMIT $3"
	}
	return sql
}
