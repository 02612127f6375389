package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"openpayments/internal/table"
)

// EligibilityTable receives the year -> NPI map.
const EligibilityTable = "onc_prescriber_eligibility"

// copyBatch bounds the rows held for a single COPY.
const copyBatch = 50_000

// TableName returns the PostgreSQL table holding a finished payment file.
func TableName(dataset string, year int) string {
	return fmt.Sprintf("op_%s_%d", dataset, year)
}

// PGLoader bulk-loads finished tables into PostgreSQL.
type PGLoader struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPGLoader connects to connStr and verifies the connection.
func NewPGLoader(ctx context.Context, connStr string, maxConns int32, logger zerolog.Logger) (*PGLoader, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGLoader{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (l *PGLoader) Close() {
	l.pool.Close()
}

// Pool exposes the underlying pool.
func (l *PGLoader) Pool() *pgxpool.Pool { return l.pool }

func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), " ")
}

// LoadTable replaces the contents of the text-typed table name with t.
// The table is created when absent with a leading run_id column followed by
// t's columns. Absent cells are stored as NULL. Everything happens in one
// transaction, so a failed load leaves the previous contents in place.
func (l *PGLoader) LoadTable(ctx context.Context, name, runID string, t *table.Table) (int64, error) {
	cols := append([]string{"run_id"}, t.Columns...)

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " text"
	}
	ident := pgx.Identifier{name}.Sanitize()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident, strings.Join(defs, ", "))); err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE "+ident); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", name, err)
	}

	var copied int64
	pending := make([][]interface{}, 0, min(copyBatch, t.Len()))
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{name}, cols, pgx.CopyFromRows(pending))
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
		copied += n
		pending = pending[:0]
		return nil
	}

	for _, r := range t.Rows {
		row := make([]interface{}, len(cols))
		row[0] = runID
		for j, v := range r.Cells {
			if s, ok := v.Get(); ok && s != "" {
				row[j+1] = sanitizeUTF8(s)
			}
		}
		pending = append(pending, row)
		if len(pending) >= copyBatch {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	l.logger.Info().Str("table", name).Int64("rows", copied).Msg("loaded table")
	return copied, nil
}

// LoadEligibility replaces the eligibility table with the pairs in m.
func (l *PGLoader) LoadEligibility(ctx context.Context, m map[string][]string) (int64, error) {
	ident := pgx.Identifier{EligibilityTable}.Sanitize()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+ident+" (year text NOT NULL, npi text NOT NULL)"); err != nil {
		return 0, fmt.Errorf("create %s: %w", EligibilityTable, err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE "+ident); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", EligibilityTable, err)
	}

	years := make([]string, 0, len(m))
	for y := range m {
		years = append(years, y)
	}
	sort.Strings(years)

	var rows [][]interface{}
	for _, y := range years {
		for _, npi := range m[y] {
			rows = append(rows, []interface{}{y, npi})
		}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{EligibilityTable}, []string{"year", "npi"}, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", EligibilityTable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	l.logger.Info().Str("table", EligibilityTable).Int64("rows", copied).Msg("loaded eligibility")
	return copied, nil
}
