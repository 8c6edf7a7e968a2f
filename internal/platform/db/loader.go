package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of rows per COPY chunk.
const DefaultBatchSize = 1000

// copyConn is the subset of *pgxpool.Conn used by the loader.
type copyConn interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type acquireFunc func(ctx context.Context) (copyConn, func(), error)

// BulkLoader writes rows into CDM tables with COPY and answers the row-count
// questions used to validate a load. Every call acquires its own pooled
// connection and releases it before returning.
type BulkLoader struct {
	acquire   acquireFunc
	schema    string
	batchSize int
	logger    zerolog.Logger
}

// NewBulkLoader creates a loader writing into schema. A non-positive
// batchSize selects DefaultBatchSize.
func NewBulkLoader(pool *pgxpool.Pool, schema string, batchSize int, logger zerolog.Logger) *BulkLoader {
	return newBulkLoader(func(ctx context.Context) (copyConn, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire connection: %w", err)
		}
		return conn, conn.Release, nil
	}, schema, batchSize, logger)
}

func newBulkLoader(acquire acquireFunc, schema string, batchSize int, logger zerolog.Logger) *BulkLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BulkLoader{acquire: acquire, schema: schema, batchSize: batchSize, logger: logger}
}

func (l *BulkLoader) ident(table string) pgx.Identifier {
	if l.schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{l.schema, table}
}

// Load copies rows into table in chunks of the configured batch size. Each
// chunk commits on its own; when a chunk fails, earlier chunks stay written
// and the returned count covers them.
func (l *BulkLoader) Load(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	conn, release, err := l.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ident := l.ident(table)
	var total int64
	for start := 0; start < len(rows); start += l.batchSize {
		end := min(start+l.batchSize, len(rows))
		n, err := conn.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows[start:end]))
		total += n
		if err != nil {
			return total, fmt.Errorf("copy into %s rows %d-%d: %w", ident.Sanitize(), start+1, end, err)
		}
		l.logger.Debug().
			Str("table", table).
			Int("from", start+1).
			Int("to", end).
			Msg("chunk copied")
	}

	l.logger.Info().Str("table", table).Int64("rows", total).Msg("table loaded")
	return total, nil
}

// Count returns the number of rows in table.
func (l *BulkLoader) Count(ctx context.Context, table string) (int64, error) {
	return l.scalar(ctx, "SELECT COUNT(*) FROM "+l.ident(table).Sanitize())
}

// NextID returns one past the largest id in idColumn, or 1 for an empty table.
func (l *BulkLoader) NextID(ctx context.Context, table, idColumn string) (int64, error) {
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s",
		pgx.Identifier{idColumn}.Sanitize(), l.ident(table).Sanitize())
	return l.scalar(ctx, q)
}

// Validate reports whether table holds at least sourceCount rows, along with
// the actual count.
func (l *BulkLoader) Validate(ctx context.Context, table string, sourceCount int) (bool, int64, error) {
	n, err := l.Count(ctx, table)
	if err != nil {
		return false, 0, err
	}
	ok := n >= int64(sourceCount)
	evt := l.logger.Info()
	if !ok {
		evt = l.logger.Error()
	}
	evt.Str("table", table).Int("source", sourceCount).Int64("target", n).Bool("ok", ok).Msg("row count validation")
	return ok, n, nil
}

func (l *BulkLoader) scalar(ctx context.Context, sql string) (int64, error) {
	conn, release, err := l.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	if err := conn.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, fmt.Errorf("query %q: %w", sql, err)
	}
	return n, nil
}
