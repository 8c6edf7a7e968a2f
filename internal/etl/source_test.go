package etl

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustTable(t *testing.T, name, data string) *Table {
	t.Helper()
	tbl, err := ReadCSV(name, strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV(%s): %v", name, err)
	}
	return tbl
}

func TestReadCSV(t *testing.T) {
	tbl := mustTable(t, PatientsFile, "\xEF\xBB\xBFId,BIRTHDATE,GENDER\np1,1990-01-01, F \np2,1985-06-15,M\n")

	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", tbl.Len())
	}
	if i := tbl.Index("id"); i != 0 {
		t.Errorf("expected BOM-stripped Id at 0, got %d", i)
	}
	if i := tbl.Index("birthdate"); i != 1 {
		t.Errorf("expected case-insensitive match, got %d", i)
	}
	if got := tbl.Cell(0, tbl.Index("GENDER")); got != "F" {
		t.Errorf("expected trimmed cell, got %q", got)
	}
	if got := tbl.Cell(0, -1); got != "" {
		t.Errorf("expected empty cell for absent column, got %q", got)
	}
}

func TestReadCSV_Empty(t *testing.T) {
	tbl := mustTable(t, ConditionsFile, "")
	if tbl.Len() != 0 {
		t.Errorf("expected no rows, got %d", tbl.Len())
	}

	tbl = mustTable(t, ConditionsFile, "PATIENT,CODE,START\n")
	if tbl.Len() != 0 || len(tbl.Header) != 3 {
		t.Errorf("expected header only, got %d rows %v", tbl.Len(), tbl.Header)
	}
}

func TestReadCSV_ColumnCountMismatch(t *testing.T) {
	_, err := ReadCSV(PatientsFile, strings.NewReader("Id,BIRTHDATE\np1,1990-01-01,extra\n"))
	if err == nil {
		t.Fatal("expected error for ragged row")
	}
}

func TestTable_Require(t *testing.T) {
	tbl := mustTable(t, ConditionsFile, "PATIENT,CODE\np1,X1\n")

	if _, err := tbl.Require("PATIENT", "CODE"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	_, err := tbl.Require("PATIENT", "START")
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "START") {
		t.Errorf("expected error to name the column, got %v", err)
	}
}

func TestCSVSource(t *testing.T) {
	dir := t.TempDir()
	src := CSVSource{Dir: dir}

	if err := src.Check(); !errors.Is(err, ErrNoSourceFiles) {
		t.Fatalf("expected ErrNoSourceFiles, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, PatientsFile), []byte("Id,BIRTHDATE\np1,1990-01-01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := src.Check(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tbl, err := src.Open(PatientsFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Name != PatientsFile || tbl.Len() != 1 {
		t.Errorf("unexpected table %s with %d rows", tbl.Name, tbl.Len())
	}

	if _, err := src.Open(MedicationsFile); !errors.Is(err, ErrSourceMissing) {
		t.Errorf("expected ErrSourceMissing, got %v", err)
	}

	files, err := src.Files()
	if err != nil || len(files) != 1 || files[0] != PatientsFile {
		t.Errorf("unexpected files %v (%v)", files, err)
	}
}
