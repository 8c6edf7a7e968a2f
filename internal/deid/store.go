package deid

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ReadTable loads every row of schema.table ordered by its first column.
func ReadTable(ctx context.Context, q querier, schema, table string) (*Table, error) {
	ident := pgx.Identifier{table}
	if schema != "" {
		ident = pgx.Identifier{schema, table}
	}
	rows, err := q.Query(ctx, "SELECT * FROM "+ident.Sanitize()+" ORDER BY 1")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ident.Sanitize(), err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	t := &Table{Name: table, Columns: make([]string, len(fields))}
	for i, f := range fields {
		t.Columns[i] = f.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
		t.Rows = append(t.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return t, nil
}

// Result summarizes an export.
type Result struct {
	Path       string `json:"path"`
	Persons    int    `json:"persons"`
	Conditions int    `json:"conditions"`
	Drugs      int    `json:"drugs"`
}

// Export reads person, condition_occurrence and drug_exposure from schema,
// de-identifies them and writes the container to path.
func Export(ctx context.Context, q querier, schema, path string, opts Options, logger zerolog.Logger) (*Result, error) {
	tables := make(map[string]*Table, 3)
	for _, rel := range DefaultReleases() {
		t, err := ReadTable(ctx, q, schema, rel.Source)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("table", rel.Source).Int("rows", len(t.Rows)).Msg("table read")
		tables[rel.Key] = t
	}

	d, err := Transform(tables[KeyPerson], tables[KeyConditions], tables[KeyDrugs], opts)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, d); err != nil {
		return nil, err
	}

	res := &Result{
		Path:       path,
		Persons:    len(d.Person.Rows),
		Conditions: len(d.Conditions.Rows),
		Drugs:      len(d.Drugs.Rows),
	}
	logger.Info().
		Str("path", path).
		Int("persons", res.Persons).
		Int("conditions", res.Conditions).
		Int("drugs", res.Drugs).
		Msg("de-identified dataset written")
	return res, nil
}
