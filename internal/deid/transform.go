// Package deid narrows OMOP tables to an allow-list of columns and shifts
// event dates by one seeded offset before the data leaves the store.
package deid

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

var (
	// ErrMissingColumn is returned when an allow-listed column is absent.
	ErrMissingColumn = errors.New("allow-listed column missing")
	// ErrInvalidShift is returned for a non-positive maximum shift.
	ErrInvalidShift = errors.New("max shift days must be at least 1")
	// ErrNotADate is returned when a shifted column holds a non-date value.
	ErrNotADate = errors.New("value is not a date")
)

// Table is an OMOP table read from the store.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

func (t *Table) index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Release describes what one output table keeps: the source table, the
// columns allowed out, and which of those carry shifted dates. Person keeps
// only year_of_birth and is not shifted.
type Release struct {
	Key     string
	Source  string
	Columns []string
	Shifted []string
}

// DefaultReleases returns the column allow-list of the exported dataset.
func DefaultReleases() []Release {
	return []Release{
		{
			Key:     KeyPerson,
			Source:  "person",
			Columns: []string{"person_id", "gender_concept_id", "year_of_birth", "race_concept_id"},
		},
		{
			Key:     KeyConditions,
			Source:  "condition_occurrence",
			Columns: []string{"condition_occurrence_id", "person_id", "condition_concept_id", "condition_start_date"},
			Shifted: []string{"condition_start_date"},
		},
		{
			Key:     KeyDrugs,
			Source:  "drug_exposure",
			Columns: []string{"drug_exposure_id", "person_id", "drug_concept_id", "drug_exposure_start_date"},
			Shifted: []string{"drug_exposure_start_date"},
		},
	}
}

// Output table keys.
const (
	KeyPerson     = "person"
	KeyConditions = "conditions"
	KeyDrugs      = "drugs"
)

// Project returns a copy of t holding only columns, in that order. Row
// order is preserved.
func Project(t *Table, columns []string) (*Table, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.index(c)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%s: %w: %s", t.Name, ErrMissingColumn, c)
		}
	}

	out := &Table{Name: t.Name, Columns: append([]string(nil), columns...), Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		projected := make([]any, len(idx))
		for i, j := range idx {
			projected[i] = row[j]
		}
		out.Rows[r] = projected
	}
	return out, nil
}

// Shift moves dates forward by a fixed number of days.
type Shift struct {
	days int
}

// NewShift draws one offset in [1, maxDays] from a generator seeded with
// seed. The same seed always yields the same offset.
func NewShift(seed int64, maxDays int) (Shift, error) {
	if maxDays < 1 {
		return Shift{}, fmt.Errorf("%w: %d", ErrInvalidShift, maxDays)
	}
	r := rand.New(rand.NewSource(seed))
	return Shift{days: r.Intn(maxDays) + 1}, nil
}

// Days returns the offset.
func (s Shift) Days() int { return s.days }

// Apply shifts the named columns of t in place. NULLs stay NULL.
func (s Shift) Apply(t *Table, columns ...string) error {
	for _, c := range columns {
		i := t.index(c)
		if i < 0 {
			return fmt.Errorf("%s: %w: %s", t.Name, ErrMissingColumn, c)
		}
		for r, row := range t.Rows {
			v, err := s.shiftValue(row[i])
			if err != nil {
				return fmt.Errorf("%s row %d column %s: %w", t.Name, r+1, c, err)
			}
			row[i] = v
		}
	}
	return nil
}

func (s Shift) shiftValue(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return d.AddDate(0, 0, s.days), nil
	case pgtype.Date:
		if !d.Valid {
			return d, nil
		}
		d.Time = d.Time.AddDate(0, 0, s.days)
		return d, nil
	case string:
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNotADate, d)
		}
		return t.AddDate(0, 0, s.days), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotADate, v)
	}
}

// Dataset is the de-identified release.
type Dataset struct {
	Person     *Table
	Conditions *Table
	Drugs      *Table
}

// Options configures Transform.
type Options struct {
	Seed         int64
	MaxShiftDays int
}

// Transform projects the three tables to their allow-lists and shifts the
// condition and drug start dates by one shared offset. The inputs are not
// modified.
func Transform(person, conditions, drugs *Table, opts Options) (*Dataset, error) {
	shift, err := NewShift(opts.Seed, opts.MaxShiftDays)
	if err != nil {
		return nil, err
	}

	inputs := map[string]*Table{KeyPerson: person, KeyConditions: conditions, KeyDrugs: drugs}
	out := make(map[string]*Table, len(inputs))
	for _, rel := range DefaultReleases() {
		src := inputs[rel.Key]
		if src == nil {
			return nil, fmt.Errorf("%s: table not provided", rel.Source)
		}
		t, err := Project(src, rel.Columns)
		if err != nil {
			return nil, err
		}
		if err := shift.Apply(t, rel.Shifted...); err != nil {
			return nil, err
		}
		out[rel.Key] = t
	}

	return &Dataset{Person: out[KeyPerson], Conditions: out[KeyConditions], Drugs: out[KeyDrugs]}, nil
}
