package etl

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/omop/etl/internal/platform/fallback"
)

// ErrInvalidDate is returned when a required date cannot be parsed.
var ErrInvalidDate = errors.New("invalid date")

// Synthea writes calendar dates for birth and condition columns and
// ISO-8601 instants for medication columns. Space-separated timestamps show
// up in hand-edited exports.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a source date or timestamp. A written offset is kept so
// the calendar day is the one in the source; values without one are UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// dateOnly returns midnight UTC of t's calendar day in t's own location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const secondsPerDay = 24 * 60 * 60

// daysBetween returns the number of calendar days from start to end. It
// works on Unix seconds so spans beyond the range of time.Duration stay exact.
func daysBetween(start, end time.Time) int64 {
	return (dateOnly(end).Unix() - dateOnly(start).Unix()) / secondsPerDay
}

func toDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: dateOnly(t), Valid: true}
}

// toTimestamp keeps the source wall clock; the column has no time zone.
func toTimestamp(t time.Time) pgtype.Timestamp {
	y, mo, d := t.Date()
	h, mi, sec := t.Clock()
	return pgtype.Timestamp{Time: time.Date(y, mo, d, h, mi, sec, t.Nanosecond(), time.UTC), Valid: true}
}

func toText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// requiredTime parses the cell at (r, i) and fails when it is empty or
// malformed.
func requiredTime(t *Table, r, i int, column string) (time.Time, error) {
	v := t.Cell(r, i)
	if v == "" {
		return time.Time{}, fmt.Errorf("%s row %d: %s is empty: %w", t.Name, r+1, column, ErrInvalidDate)
	}
	ts, err := ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s row %d: %s: %w", t.Name, r+1, column, err)
	}
	return ts, nil
}

// optionalTime parses the cell at (r, i). An empty cell is absent. A
// malformed cell is also absent and recorded as a fallback.
func optionalTime(t *Table, r, i int, column string, events *fallback.Recorder) (time.Time, bool) {
	v := t.Cell(r, i)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := ParseTime(v)
	if err != nil {
		events.Record(fallback.InvalidOptionalDate, "optional date unparseable, treated as absent",
			"table", t.Name, "column", column, "row", fmt.Sprint(r+1), "value", v)
		return time.Time{}, false
	}
	return ts, true
}
