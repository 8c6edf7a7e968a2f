package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TableResolver resolves codes against OMOP vocabulary tables (concept and
// concept_relationship) in the vocab schema. A non-standard source concept
// is followed through its "Maps to" relationship; a standard concept maps to
// itself.
type TableResolver struct {
	q     queryable
	query string
}

func NewTableResolver(pool *pgxpool.Pool, schema string) *TableResolver {
	return newTableResolver(pool, schema)
}

func newTableResolver(q queryable, schema string) *TableResolver {
	if schema == "" {
		schema = "public"
	}
	s := pgx.Identifier{schema}.Sanitize()
	return &TableResolver{
		q: q,
		query: fmt.Sprintf(
			`SELECT COALESCE(cr.concept_id_2, CASE WHEN c.standard_concept = 'S' THEN c.concept_id END)
			 FROM %[1]s.concept c
			 LEFT JOIN %[1]s.concept_relationship cr
			        ON cr.concept_id_1 = c.concept_id
			       AND cr.relationship_id = 'Maps to'
			       AND cr.invalid_reason IS NULL
			 WHERE c.concept_code = $1 AND c.vocabulary_id = ANY($2)
			 ORDER BY cr.concept_id_2 NULLS LAST
			 LIMIT 1`, s),
	}
}

func (r *TableResolver) Resolve(ctx context.Context, code string, domain Domain) (int64, bool, error) {
	if code == "" {
		return Unresolved, false, nil
	}
	vocabs := domain.Vocabularies()
	if len(vocabs) == 0 {
		return Unresolved, false, fmt.Errorf("resolve %s: unknown domain %q", code, domain)
	}

	var id pgtype.Int8
	err := r.q.QueryRow(ctx, r.query, code, vocabs).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unresolved, false, nil
	}
	if err != nil {
		return Unresolved, false, fmt.Errorf("resolve %s/%s: %w", domain, code, err)
	}
	if !id.Valid || id.Int64 == 0 {
		return Unresolved, false, nil
	}
	return id.Int64, true, nil
}
