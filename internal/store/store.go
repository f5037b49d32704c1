// Package store is the Postgres side of the pipeline: connection lifecycle, schema
// bootstrap, bulk and single-row inserts and read-only queries over the line-item table.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/domain"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

var (
	// ErrWakeUp means the database did not answer the probe within the wake-up budget.
	ErrWakeUp = errors.New("database did not wake up")
	// ErrPoolClosed is returned by operations attempted while the pool is being rebuilt.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Columns is the insert and export column order of the line-item table.
var Columns = []string{
	"id", "item_id", "fecha", "hora", "nombre", "precio", "cantidad",
	"total", "cliente", "totalfact", "metodo", "vendedor",
}

// Store wraps a pgx pool that can be torn down and rebuilt when the server goes away.
type Store struct {
	cfg     config.StoreConfig
	poolCfg *pgxpool.Config
	table   pgx.Identifier
	timer   backoff.Timer

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// Option customizes a Store.
type Option func(*Store)

// WithTimer replaces the timer used between wake-up probes.
func WithTimer(t backoff.Timer) Option {
	return func(s *Store) { s.timer = t }
}

// New parses the connection settings and creates a lazy pool. No connection is
// opened until the first query; call WakeUp before relying on the store.
func New(ctx context.Context, cfg config.StoreConfig, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("New: parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	s := &Store{
		cfg:     cfg,
		poolCfg: poolCfg,
		table:   pgx.Identifier{cfg.Table},
	}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("New: creating pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Table returns the sanitized, quoted table name.
func (s *Store) Table() string {
	return s.table.Sanitize()
}

func (s *Store) current() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrPoolClosed
	}
	return s.pool, nil
}

// Probe runs the two trivial queries that prove the server accepts work.
func (s *Store) Probe(ctx context.Context) error {
	pool, err := s.current()
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("Probe: select 1: %w", err)
	}
	var now time.Time
	if err := pool.QueryRow(ctx, "SELECT current_timestamp").Scan(&now); err != nil {
		return fmt.Errorf("Probe: select current_timestamp: %w", err)
	}
	return nil
}

// WakeUp probes the server with exponential backoff until it answers. Hosted
// databases that scale to zero need several seconds before they accept queries.
func (s *Store) WakeUp(ctx context.Context) error {
	policy := WakePolicy{
		Attempts:     s.cfg.WakeRetries,
		InitialDelay: s.cfg.WakeInitialDelay,
		MaxDelay:     s.cfg.MaxBackoff,
	}
	return wakeUp(ctx, s.Probe, policy, s.timer)
}

// Reconnect disposes the pool, builds a new one and waits for the server to answer.
func (s *Store) Reconnect(ctx context.Context) error {
	pool, err := pgxpool.NewWithConfig(ctx, s.poolCfg.Copy())
	if err != nil {
		return fmt.Errorf("Reconnect: creating pool: %w", err)
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log := logger.FromContext(ctx)
	log.Info().Msg("connection pool rebuilt")
	return s.WakeUp(ctx)
}

// MaxInvoiceID returns the highest persisted invoice id. ok is false when the
// table does not exist or holds no rows.
func (s *Store) MaxInvoiceID(ctx context.Context) (int64, bool, error) {
	pool, err := s.current()
	if err != nil {
		return 0, false, err
	}
	var max *int64
	err = pool.QueryRow(ctx, "SELECT MAX(id) FROM "+s.Table()).Scan(&max)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("MaxInvoiceID: querying max id: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// InsertBatch writes all items in a single COPY. Either every row lands or none does.
func (s *Store) InsertBatch(ctx context.Context, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	pool, err := s.current()
	if err != nil {
		return err
	}
	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = rowValues(it)
	}
	n, err := pool.CopyFrom(ctx, s.table, Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("InsertBatch: copying %d rows: %w", len(items), err)
	}
	if n != int64(len(items)) {
		return fmt.Errorf("InsertBatch: copied %d of %d rows", n, len(items))
	}
	return nil
}

// InsertRow writes a single item.
func (s *Store) InsertRow(ctx context.Context, item domain.LineItem) error {
	pool, err := s.current()
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (id, item_id, fecha, hora, nombre, precio, cantidad, total, cliente, totalfact, metodo, vendedor) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		s.Table(),
	)
	if _, err := pool.Exec(ctx, sql, rowValues(item)...); err != nil {
		return fmt.Errorf("InsertRow: inserting invoice %d item %d: %w", item.InvoiceID, item.ItemID, err)
	}
	return nil
}

// ForEachLineItem streams the table ordered by invoice id and insertion order.
func (s *Store) ForEachLineItem(ctx context.Context, fn func(domain.LineItem) error) error {
	pool, err := s.current()
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(
		"SELECT id, item_id, fecha, hora, nombre, precio, cantidad, total, cliente, totalfact, metodo, vendedor FROM %s ORDER BY id, indx",
		s.Table(),
	)
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("ForEachLineItem: querying: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    domain.LineItem
			fecha time.Time
			hora  time.Time
		)
		if err := rows.Scan(
			&it.InvoiceID, &it.ItemID, &fecha, &hora, &it.ItemName, &it.UnitPrice, &it.Quantity,
			&it.LineTotal, &it.CustomerName, &it.InvoiceTotalPaid, &it.PaymentMethod, &it.SellerName,
		); err != nil {
			return fmt.Errorf("ForEachLineItem: scanning row: %w", err)
		}
		it.Date = civil.DateOf(fecha)
		it.Timestamp = civil.DateTimeOf(hora)
		if err := fn(it); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ForEachLineItem: iterating rows: %w", err)
	}
	return nil
}

// Query runs a read-only query on the current pool.
func (s *Store) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := s.current()
	if err != nil {
		return nil, err
	}
	return pool.Query(ctx, sql, args...)
}

// Stats describes the contents of the line-item table.
type Stats struct {
	Rows          int64
	Invoices      int64
	MaxInvoiceID  int64
	LastCreatedAt time.Time
}

// Stats summarizes the table for status output.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	pool, err := s.current()
	if err != nil {
		return Stats{}, err
	}
	var (
		st      Stats
		maxID   *int64
		created *time.Time
	)
	sql := "SELECT COUNT(*), COUNT(DISTINCT id), MAX(id), MAX(created_at) FROM " + s.Table()
	if err := pool.QueryRow(ctx, sql).Scan(&st.Rows, &st.Invoices, &maxID, &created); err != nil {
		return Stats{}, fmt.Errorf("Stats: querying table stats: %w", err)
	}
	if maxID != nil {
		st.MaxInvoiceID = *maxID
	}
	if created != nil {
		st.LastCreatedAt = *created
	}
	return st, nil
}

func rowValues(it domain.LineItem) []any {
	return []any{
		it.InvoiceID,
		it.ItemID,
		it.Date.In(time.UTC),
		it.Timestamp.In(time.UTC),
		it.ItemName,
		it.UnitPrice,
		it.Quantity,
		it.LineTotal,
		it.CustomerName,
		it.InvoiceTotalPaid,
		it.PaymentMethod,
		it.SellerName,
	}
}
