package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/fallback"
)

// ErrCountMismatch is returned when a target table holds fewer rows than
// the source it was loaded from.
var ErrCountMismatch = errors.New("row count validation failed")

// Loader persists frames and answers the row-count questions used to
// validate a load. It is implemented by db.BulkLoader.
type Loader interface {
	Load(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	NextID(ctx context.Context, table, idColumn string) (int64, error)
	Validate(ctx context.Context, table string, sourceCount int) (bool, int64, error)
}

// StageError names the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageResult describes one executed stage.
type StageResult struct {
	Stage      string `json:"stage"`
	Source     string `json:"source"`
	SourceRows int    `json:"source_rows"`
	Loaded     int64  `json:"loaded"`
	Skipped    bool   `json:"skipped"`
}

// Summary is the outcome of a pipeline run.
type Summary struct {
	Stages    []StageResult         `json:"stages"`
	Persons   int                   `json:"persons"`
	Fallbacks map[fallback.Kind]int `json:"fallbacks"`
	Started   time.Time             `json:"started"`
	Duration  time.Duration         `json:"duration"`
}

// Pipeline runs the four mapping stages in order: person, observation
// period, condition occurrence, drug exposure.
type Pipeline struct {
	Source   Source
	Loader   Loader
	Resolver terminology.Resolver
	Events   *fallback.Recorder
	Logger   zerolog.Logger
	// Now supplies the end date of open observation periods.
	Now func() time.Time
}

const stageCount = 4

// Run executes the pipeline. Each table is committed independently, so a
// failure leaves earlier tables loaded.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if err := p.Source.Check(); err != nil {
		return nil, err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	started := now()
	sum := &Summary{Started: started}

	var ids *IdentityMap
	res, err := p.runStage(ctx, 1, TablePerson, PatientsFile, func(_ context.Context, t *Table) (*Frame, error) {
		f, m, err := MapPersons(t, p.Events)
		ids = m
		return f, err
	})
	sum.Stages = append(sum.Stages, res)
	if err != nil {
		return sum, err
	}
	if ids == nil {
		// patients.csv had no rows
		ids = NewIdentityBuilder().Seal()
	}
	sum.Persons = ids.Len()

	rest := []struct {
		stage string
		file  string
		build func(context.Context, *Table) (*Frame, error)
	}{
		{TableObservationPeriod, PatientsFile, func(_ context.Context, t *Table) (*Frame, error) {
			return MapObservationPeriods(t, ids, started, p.Events)
		}},
		{TableConditionOccurrence, ConditionsFile, func(ctx context.Context, t *Table) (*Frame, error) {
			return MapConditions(ctx, t, ids, p.Resolver, p.Events)
		}},
		{TableDrugExposure, MedicationsFile, func(ctx context.Context, t *Table) (*Frame, error) {
			return MapDrugExposures(ctx, t, ids, p.Resolver, p.Events)
		}},
	}
	for i, s := range rest {
		res, err := p.runStage(ctx, i+2, s.stage, s.file, s.build)
		sum.Stages = append(sum.Stages, res)
		if err != nil {
			return sum, err
		}
	}

	sum.Fallbacks = p.Events.Snapshot()
	sum.Duration = now().Sub(started)
	p.Logger.Info().
		Int("persons", sum.Persons).
		Int("fallbacks", p.Events.Total()).
		Dur("duration", sum.Duration).
		Msg("pipeline completed")
	return sum, nil
}

func (p *Pipeline) runStage(ctx context.Context, step int, stage, file string, build func(context.Context, *Table) (*Frame, error)) (StageResult, error) {
	res := StageResult{Stage: stage, Source: file}
	if err := ctx.Err(); err != nil {
		return res, &StageError{Stage: stage, Err: err}
	}
	log := p.Logger.With().Str("stage", stage).Logger()
	log.Info().Int("step", step).Int("of", stageCount).Str("source", file).Msg("stage started")

	t, err := p.Source.Open(file)
	if err != nil {
		if errors.Is(err, ErrSourceMissing) && file != PatientsFile {
			p.Events.Record(fallback.MissingSource, "source file missing, stage skipped", "stage", stage, "file", file)
			res.Skipped = true
			return res, nil
		}
		return res, &StageError{Stage: stage, Err: err}
	}
	res.SourceRows = t.Len()
	if t.Len() == 0 {
		p.Events.Record(fallback.EmptyTable, "source table has no rows, stage skipped", "stage", stage, "file", file)
		res.Skipped = true
		return res, nil
	}

	frame, err := build(ctx, t)
	if err != nil {
		return res, &StageError{Stage: stage, Err: err}
	}
	loaded, err := p.load(ctx, frame, t.Len())
	res.Loaded = loaded
	if err != nil {
		return res, &StageError{Stage: stage, Err: err}
	}

	log.Info().Str("table", frame.Table).Int("rows", frame.Len()).Int64("loaded", loaded).Msg("stage completed")
	return res, nil
}

// load writes a frame and checks that the target holds at least as many
// rows as the source.
func (p *Pipeline) load(ctx context.Context, f *Frame, sourceRows int) (int64, error) {
	next, err := p.Loader.NextID(ctx, f.Table, f.IDColumn())
	if err != nil {
		return 0, err
	}
	if next > 1 {
		p.Events.Record(fallback.TargetNotEmpty, "target table already has rows",
			"table", f.Table, "next_id", fmt.Sprint(next))
	}

	n, err := p.Loader.Load(ctx, f.Table, f.Columns, f.Rows)
	if err != nil {
		return n, err
	}

	ok, target, err := p.Loader.Validate(ctx, f.Table, sourceRows)
	if err != nil {
		return n, err
	}
	if !ok {
		return n, fmt.Errorf("%w: %s has %d rows, source had %d", ErrCountMismatch, f.Table, target, sourceRows)
	}
	return n, nil
}
