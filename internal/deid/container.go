package deid

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Container format identifiers.
const (
	ContainerFormat  = "omop-deid"
	ContainerVersion = 1
	DefaultOutput    = "data/sample_omop_data.json"
)

const dateLayout = "2006-01-02"

type containerTable struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type container struct {
	Format  string                    `json:"format"`
	Version int                       `json:"version"`
	Tables  map[string]containerTable `json:"tables"`
}

// WriteContainer encodes the dataset as one JSON document holding the
// person, conditions and drugs tables. Dates are written as YYYY-MM-DD.
func WriteContainer(w io.Writer, d *Dataset) error {
	c := container{Format: ContainerFormat, Version: ContainerVersion, Tables: make(map[string]containerTable, 3)}
	for key, t := range map[string]*Table{KeyPerson: d.Person, KeyConditions: d.Conditions, KeyDrugs: d.Drugs} {
		ct, err := encodeTable(t)
		if err != nil {
			return err
		}
		c.Tables[key] = ct
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode container: %w", err)
	}
	return nil
}

// WriteFile writes the container to path, creating parent directories. The
// file is replaced atomically.
func WriteFile(path string, d *Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".deid-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteContainer(tmp, d); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func encodeTable(t *Table) (containerTable, error) {
	ct := containerTable{Columns: t.Columns, Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		out := make([]any, len(row))
		for i, v := range row {
			jv, err := jsonValue(v)
			if err != nil {
				return ct, fmt.Errorf("%s row %d column %s: %w", t.Name, r+1, t.Columns[i], err)
			}
			out[i] = jv
		}
		ct.Rows[r] = out
	}
	return ct, nil
}

// jsonValue unwraps driver values and renders dates as calendar days.
func jsonValue(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(dateLayout), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, err
		}
		return jsonValue(dv)
	default:
		return v, nil
	}
}
