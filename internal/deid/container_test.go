package deid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
)

type decoded struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
	Tables  map[string]struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	} `json:"tables"`
}

func TestWriteContainer(t *testing.T) {
	d, err := Transform(samplePerson(), sampleConditions(), sampleDrugs(), Options{Seed: 42, MaxShiftDays: 30})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteContainer(&buf, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got decoded
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Format != ContainerFormat || got.Version != ContainerVersion {
		t.Errorf("unexpected header %s/%d", got.Format, got.Version)
	}
	if len(got.Tables) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(got.Tables))
	}

	conds := got.Tables[KeyConditions]
	if len(conds.Rows) != 3 {
		t.Fatalf("expected 3 condition rows, got %d", len(conds.Rows))
	}
	start, _ := conds.Rows[0][3].(string)
	if len(start) != len("2006-01-02") || !strings.HasPrefix(start, "2020-01-") {
		t.Errorf("expected shifted calendar date, got %v", conds.Rows[0][3])
	}
	if conds.Rows[2][1] != nil {
		t.Errorf("expected null person_id, got %v", conds.Rows[2][1])
	}
	if strings.Contains(buf.String(), "shift") || strings.Contains(buf.String(), "offset") {
		t.Error("container must not carry the shift")
	}
	if strings.Contains(buf.String(), "p1") {
		t.Error("container must not carry source values")
	}
}

func TestWriteContainer_PgtypeValues(t *testing.T) {
	tbl := &Table{
		Name:    "drug_exposure",
		Columns: []string{"drug_exposure_id", "person_id", "drug_exposure_start_date"},
		Rows: [][]any{
			{int64(1), pgtype.Int8{Int64: 4, Valid: true}, pgtype.Date{Time: day(2021, 3, 1), Valid: true}},
			{int64(2), pgtype.Int8{}, pgtype.Date{}},
		},
	}
	var buf bytes.Buffer
	if err := WriteContainer(&buf, &Dataset{Person: &Table{}, Conditions: &Table{}, Drugs: tbl}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got decoded
	json.Unmarshal(buf.Bytes(), &got)
	rows := got.Tables[KeyDrugs].Rows
	if rows[0][1] != float64(4) || rows[0][2] != "2021-03-01" {
		t.Errorf("unexpected row %v", rows[0])
	}
	if rows[1][1] != nil || rows[1][2] != nil {
		t.Errorf("expected nulls, got %v", rows[1])
	}
}

func TestWriteFile(t *testing.T) {
	d, _ := Transform(samplePerson(), sampleConditions(), sampleDrugs(), Options{Seed: 42, MaxShiftDays: 30})
	path := filepath.Join(t.TempDir(), "data", "sample_omop_data.json")

	if err := WriteFile(path, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got decoded
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(got.Tables[KeyPerson].Rows) != 2 {
		t.Errorf("expected 2 persons, got %d", len(got.Tables[KeyPerson].Rows))
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the output file, got %d entries", len(entries))
	}
}

// =========== Store ===========

type fakeRows struct {
	fields []string
	rows   [][]any
	pos    int
	err    error
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) Scan(...any) error             { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fd := make([]pgconn.FieldDescription, len(r.fields))
	for i, f := range r.fields {
		fd[i] = pgconn.FieldDescription{Name: f}
	}
	return fd
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }

type fakeQuerier struct {
	tables  map[string]*Table
	queries []string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.queries = append(q.queries, sql)
	for name, t := range q.tables {
		if strings.Contains(sql, `"`+name+`"`) {
			return &fakeRows{fields: t.Columns, rows: t.Rows}, nil
		}
	}
	return nil, errors.New("relation does not exist")
}

func TestReadTable(t *testing.T) {
	q := &fakeQuerier{tables: map[string]*Table{"person": samplePerson()}}

	tbl, err := ReadTable(context.Background(), q, "cdm", "person")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tbl.Rows) != 2 || tbl.Columns[2] != "year_of_birth" {
		t.Errorf("unexpected table %+v", tbl)
	}
	if q.queries[0] != `SELECT * FROM "cdm"."person" ORDER BY 1` {
		t.Errorf("unexpected query %s", q.queries[0])
	}

	if _, err := ReadTable(context.Background(), q, "cdm", "visit_occurrence"); err == nil {
		t.Error("expected error for missing relation")
	}
}

func TestExport(t *testing.T) {
	q := &fakeQuerier{tables: map[string]*Table{
		"person":               samplePerson(),
		"condition_occurrence": sampleConditions(),
		"drug_exposure":        sampleDrugs(),
	}}
	path := filepath.Join(t.TempDir(), "out.json")

	res, err := Export(context.Background(), q, "public", path, Options{Seed: 42, MaxShiftDays: 30}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Persons != 2 || res.Conditions != 3 || res.Drugs != 1 || res.Path != path {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected output file: %v", err)
	}
}
