package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// TableExists reports whether the line-item table exists in the public schema.
func (s *Store) TableExists(ctx context.Context) (bool, error) {
	pool, err := s.current()
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		s.cfg.Table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("TableExists: %w", err)
	}
	return exists, nil
}

// EnsureSchema creates the table and its indexes when missing. An existing table is
// only ever extended: a missing item_id column is added with a zero default.
func (s *Store) EnsureSchema(ctx context.Context) error {
	log := logger.FromContext(ctx).With().Str("table", s.cfg.Table).Logger()

	exists, err := s.TableExists(ctx)
	if err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	pool, err := s.current()
	if err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}

	hasItemID := false
	if exists {
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 AND column_name = 'item_id')`,
			s.cfg.Table,
		).Scan(&hasItemID)
		if err != nil {
			return fmt.Errorf("EnsureSchema: checking item_id column: %w", err)
		}
	}
	switch {
	case !exists:
		log.Info().Msg("creating table")
	case !hasItemID:
		log.Info().Msg("adding item_id column")
	}
	stmts := s.schemaStatements(exists, hasItemID)

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("executing %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	log.Info().Bool("created", !exists).Msg("schema verified")
	return nil
}

// schemaStatements lists the DDL that brings the table up to date, in order.
func (s *Store) schemaStatements(exists, hasItemID bool) []string {
	var stmts []string
	switch {
	case !exists:
		stmts = append(stmts, s.createTableSQL())
	case !hasItemID:
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN item_id INTEGER DEFAULT 0 NOT NULL", s.Table()))
	}
	return append(stmts, s.indexSQL()...)
}

func (s *Store) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE %s (
    indx SERIAL PRIMARY KEY,
    id INTEGER NOT NULL,
    item_id INTEGER NOT NULL,
    fecha DATE NOT NULL,
    hora TIMESTAMP NOT NULL,
    nombre VARCHAR(200) NOT NULL,
    precio FLOAT NOT NULL,
    cantidad INTEGER NOT NULL,
    total FLOAT NOT NULL,
    cliente VARCHAR(200) NOT NULL,
    totalfact FLOAT NOT NULL,
    metodo VARCHAR(50) NOT NULL,
    vendedor VARCHAR(100) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, s.Table())
}

func (s *Store) indexSQL() []string {
	out := make([]string, 0, 3)
	for _, col := range []string{"id", "fecha", "item_id"} {
		name := pgx.Identifier{fmt.Sprintf("idx_%s_%s", s.cfg.Table, col)}.Sanitize()
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, s.Table(), col))
	}
	return out
}
