package etl

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source file names as written by Synthea.
const (
	PatientsFile    = "patients.csv"
	ConditionsFile  = "conditions.csv"
	MedicationsFile = "medications.csv"
)

var (
	// ErrNoSourceFiles is returned when the input directory holds no CSV files.
	ErrNoSourceFiles = errors.New("no source csv files found")
	// ErrSourceMissing is returned when a specific source file does not exist.
	ErrSourceMissing = errors.New("source file missing")
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("required column missing")
)

// Table is a header-indexed CSV table. Cell values are kept as strings;
// the mappers decide how each column is parsed.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string

	colIdx map[string]int // lowercase trimmed header → column index
}

// NewTable builds a Table from a header and rows.
func NewTable(name string, header []string, rows [][]string) *Table {
	t := &Table{Name: name, Header: header, Rows: rows, colIdx: make(map[string]int, len(header))}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := t.colIdx[key]; !dup {
			t.colIdx[key] = i
		}
	}
	return t
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of a column, or -1 when it is absent.
func (t *Table) Index(column string) int {
	if i, ok := t.colIdx[strings.ToLower(column)]; ok {
		return i
	}
	return -1
}

// Require returns the positions of the given columns or an error naming the
// first one that is absent.
func (t *Table) Require(columns ...string) ([]int, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.Index(c)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%s: %w: %s", t.Name, ErrMissingColumn, c)
		}
	}
	return idx, nil
}

// Cell returns the trimmed value at row r, column index i. An absent column
// (i < 0) or a short row yields "".
func (t *Table) Cell(r, i int) string {
	if i < 0 || i >= len(t.Rows[r]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[r][i])
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadCSV parses a CSV stream with a header row.
func ReadCSV(name string, r io.Reader) (*Table, error) {
	br := bufio.NewReaderSize(r, 256*1024)

	// Skip UTF-8 BOM if present
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, utf8BOM) {
		br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return NewTable(name, nil, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", name, err)
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(rec) != len(header) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("read %s line %d: expected %d columns, got %d", name, line, len(header), len(rec))
		}
		rows = append(rows, rec)
	}
	return NewTable(name, header, rows), nil
}

// Source supplies source tables by file name.
type Source interface {
	// Check verifies that the source holds any input at all.
	Check() error
	// Open reads one table. A file that does not exist yields an error
	// wrapping ErrSourceMissing.
	Open(name string) (*Table, error)
}

// CSVSource reads Synthea CSV exports from a directory.
type CSVSource struct {
	Dir string
}

func (s CSVSource) Check() error {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "*.csv"))
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.Dir, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w in %s", ErrNoSourceFiles, s.Dir)
	}
	return nil
}

func (s CSVSource) Open(name string) (*Table, error) {
	path := filepath.Join(s.Dir, name)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return ReadCSV(name, f)
}

// Files lists the CSV files in the source directory.
func (s CSVSource) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	return names, nil
}
