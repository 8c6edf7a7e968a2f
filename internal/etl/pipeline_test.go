package etl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/fallback"
)

// =========== Fakes ===========

type fakeLoader struct {
	tables   map[string][][]any
	order    []string
	existing map[string]int64
	loadErr  map[string]error
	short    map[string]bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		tables:   make(map[string][][]any),
		existing: make(map[string]int64),
		loadErr:  make(map[string]error),
		short:    make(map[string]bool),
	}
}

func (l *fakeLoader) Load(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	if err := l.loadErr[table]; err != nil {
		return 0, err
	}
	l.order = append(l.order, table)
	l.tables[table] = append(l.tables[table], rows...)
	return int64(len(rows)), nil
}

func (l *fakeLoader) NextID(_ context.Context, table, _ string) (int64, error) {
	return l.existing[table] + int64(len(l.tables[table])) + 1, nil
}

func (l *fakeLoader) Validate(_ context.Context, table string, sourceCount int) (bool, int64, error) {
	n := l.existing[table] + int64(len(l.tables[table]))
	if l.short[table] {
		n--
	}
	return n >= int64(sourceCount), n, nil
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestPipeline(dir string, loader Loader) *Pipeline {
	return &Pipeline{
		Source:   CSVSource{Dir: dir},
		Loader:   loader,
		Resolver: terminology.StubResolver{},
		Events:   fallback.NewRecorder(zerolog.Nop()),
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

// =========== Pipeline Tests ===========

func TestPipeline_Run(t *testing.T) {
	dir := writeSource(t, map[string]string{
		PatientsFile:    "Id,BIRTHDATE,GENDER\np1,1990-01-01,F\np2,1980-02-02,M\n",
		ConditionsFile:  "PATIENT,CODE,START,STOP\np1,X1,2020-01-01,\np2,X2,2020-02-01,2020-03-01\nghost,X3,2020-04-01,\n",
		MedicationsFile: "PATIENT,CODE,START,STOP,REASONCODE\np2,860975,2021-01-01T00:00:00Z,,\n",
	})
	loader := newFakeLoader()
	p := newTestPipeline(dir, loader)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{TablePerson, TableObservationPeriod, TableConditionOccurrence, TableDrugExposure}
	if fmt.Sprint(loader.order) != fmt.Sprint(want) {
		t.Errorf("expected load order %v, got %v", want, loader.order)
	}
	if len(sum.Stages) != 4 {
		t.Fatalf("expected 4 stage results, got %d", len(sum.Stages))
	}
	if sum.Persons != 2 {
		t.Errorf("expected 2 persons, got %d", sum.Persons)
	}
	for _, s := range sum.Stages {
		if s.Skipped || s.Loaded != int64(s.SourceRows) {
			t.Errorf("stage %s: loaded %d of %d (skipped=%v)", s.Stage, s.Loaded, s.SourceRows, s.Skipped)
		}
	}
	if n := len(loader.tables[TableConditionOccurrence]); n != 3 {
		t.Errorf("expected all 3 conditions kept, got %d", n)
	}
	if sum.Fallbacks[fallback.UnmappedPerson] != 1 {
		t.Errorf("expected 1 unmapped_person, got %v", sum.Fallbacks)
	}
}

func TestPipeline_NoSourceFiles(t *testing.T) {
	p := newTestPipeline(t.TempDir(), newFakeLoader())
	if _, err := p.Run(context.Background()); !errors.Is(err, ErrNoSourceFiles) {
		t.Errorf("expected ErrNoSourceFiles, got %v", err)
	}
}

func TestPipeline_MissingPatientsIsFatal(t *testing.T) {
	dir := writeSource(t, map[string]string{ConditionsFile: "PATIENT,CODE,START\n"})
	p := newTestPipeline(dir, newFakeLoader())

	_, err := p.Run(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != TablePerson {
		t.Fatalf("expected person StageError, got %v", err)
	}
	if !errors.Is(err, ErrSourceMissing) {
		t.Errorf("expected ErrSourceMissing, got %v", err)
	}
}

func TestPipeline_EmptyAndMissingOptionalTables(t *testing.T) {
	dir := writeSource(t, map[string]string{
		PatientsFile:   "Id,BIRTHDATE\np1,1990-01-01\n",
		ConditionsFile: "PATIENT,CODE,START\n",
	})
	loader := newFakeLoader()
	p := newTestPipeline(dir, loader)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.Stages[2].Skipped || !sum.Stages[3].Skipped {
		t.Errorf("expected condition and drug stages skipped, got %+v", sum.Stages)
	}
	if _, ok := loader.tables[TableConditionOccurrence]; ok {
		t.Error("expected nothing written for an empty table")
	}
	if p.Events.Count(fallback.EmptyTable) != 1 || p.Events.Count(fallback.MissingSource) != 1 {
		t.Errorf("unexpected events %v", p.Events.Snapshot())
	}
}

func TestPipeline_EmptyPatients(t *testing.T) {
	dir := writeSource(t, map[string]string{
		PatientsFile:   "Id,BIRTHDATE\n",
		ConditionsFile: "PATIENT,CODE,START\np1,X1,2020-01-01\n",
	})
	loader := newFakeLoader()
	p := newTestPipeline(dir, loader)

	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.Stages[0].Skipped || !sum.Stages[1].Skipped {
		t.Errorf("expected person stages skipped, got %+v", sum.Stages)
	}
	if n := len(loader.tables[TableConditionOccurrence]); n != 1 {
		t.Errorf("expected condition kept with null person, got %d rows", n)
	}
}

func TestPipeline_StageFailureStopsRun(t *testing.T) {
	dir := writeSource(t, map[string]string{
		PatientsFile:   "Id,BIRTHDATE\np1,1990-01-01\n",
		ConditionsFile: "PATIENT,CODE,START\np1,X1,2020-01-01\n",
	})
	loader := newFakeLoader()
	loader.loadErr[TableConditionOccurrence] = errors.New("connection reset")
	p := newTestPipeline(dir, loader)

	sum, err := p.Run(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != TableConditionOccurrence {
		t.Fatalf("expected condition StageError, got %v", err)
	}
	if len(sum.Stages) != 3 {
		t.Errorf("expected run to stop after the failing stage, got %d results", len(sum.Stages))
	}
	if _, ok := loader.tables[TableDrugExposure]; ok {
		t.Error("expected drug stage not to run")
	}
	// earlier tables stay loaded
	if len(loader.tables[TablePerson]) != 1 {
		t.Error("expected person rows to remain")
	}
}

func TestPipeline_CountValidation(t *testing.T) {
	dir := writeSource(t, map[string]string{PatientsFile: "Id,BIRTHDATE\np1,1990-01-01\n"})
	loader := newFakeLoader()
	loader.short[TablePerson] = true
	p := newTestPipeline(dir, loader)

	_, err := p.Run(context.Background())
	if !errors.Is(err, ErrCountMismatch) {
		t.Errorf("expected ErrCountMismatch, got %v", err)
	}
}

func TestPipeline_TargetNotEmpty(t *testing.T) {
	dir := writeSource(t, map[string]string{PatientsFile: "Id,BIRTHDATE\np1,1990-01-01\n"})
	loader := newFakeLoader()
	loader.existing[TablePerson] = 5
	p := newTestPipeline(dir, loader)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Events.Count(fallback.TargetNotEmpty) != 1 {
		t.Error("expected target_not_empty event")
	}
}

func TestPipeline_TransformErrorWritesNothing(t *testing.T) {
	dir := writeSource(t, map[string]string{PatientsFile: "Id,BIRTHDATE\np1,1990-01-01\np2,bad\n"})
	loader := newFakeLoader()
	p := newTestPipeline(dir, loader)

	if _, err := p.Run(context.Background()); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
	if len(loader.order) != 0 {
		t.Errorf("expected no inserts, got %v", loader.order)
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	dir := writeSource(t, map[string]string{PatientsFile: "Id,BIRTHDATE\np1,1990-01-01\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestPipeline(dir, newFakeLoader()).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
