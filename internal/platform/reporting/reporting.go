// Package reporting evaluates post-load data quality measures over the CDM.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

// ErrUnknownMeasure is returned for a measure id that is not defined.
var ErrUnknownMeasure = errors.New("unknown measure")

// MeasureDefinition defines a reporting measure with its SQL query. The
// {cdm} placeholder is replaced by the quoted CDM schema.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	ReportID    string           `json:"report_id"`
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	Schema      string           `json:"schema"`
	GeneratedAt time.Time        `json:"generated_at"`
	Results     []map[string]any `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "person-by-gender",
		Name:        "Persons by Gender",
		Description: "Person count per gender concept; 0 marks unmapped source values",
		SQL:         `SELECT gender_concept_id, COUNT(*) AS total FROM {cdm}.person GROUP BY gender_concept_id ORDER BY total DESC`,
	},
	{
		ID:          "condition-status",
		Name:        "Condition Status",
		Description: "Condition occurrences per status concept (active or resolved)",
		SQL:         `SELECT condition_status_concept_id, COUNT(*) AS total FROM {cdm}.condition_occurrence GROUP BY condition_status_concept_id ORDER BY total DESC`,
	},
	{
		ID:          "unmapped-concepts",
		Name:        "Unmapped Concepts",
		Description: "Clinical rows whose source code resolved to concept 0",
		SQL: `SELECT 'condition_occurrence' AS table_name, COUNT(*) AS total, COUNT(*) FILTER (WHERE condition_concept_id = 0) AS unmapped FROM {cdm}.condition_occurrence
UNION ALL
SELECT 'drug_exposure', COUNT(*), COUNT(*) FILTER (WHERE drug_concept_id = 0) FROM {cdm}.drug_exposure`,
	},
	{
		ID:          "orphan-references",
		Name:        "Orphan Person References",
		Description: "Clinical rows whose source patient was not in the person table",
		SQL: `SELECT 'condition_occurrence' AS table_name, COUNT(*) FILTER (WHERE person_id IS NULL) AS null_person FROM {cdm}.condition_occurrence
UNION ALL
SELECT 'drug_exposure', COUNT(*) FILTER (WHERE person_id IS NULL) FROM {cdm}.drug_exposure`,
	},
	{
		ID:          "drug-days-supply",
		Name:        "Drug Days Supply",
		Description: "Days-supply distribution of drug exposures",
		SQL: `SELECT COUNT(*) AS total, COUNT(days_supply) AS with_days_supply, MIN(days_supply) AS min_days,
MAX(days_supply) AS max_days, COALESCE(AVG(days_supply), 0)::float8 AS mean_days FROM {cdm}.drug_exposure`,
	},
	{
		ID:          "observation-period-coverage",
		Name:        "Observation Period Coverage",
		Description: "Observation periods, covered persons and overall date span",
		SQL: `SELECT COUNT(*) AS periods, COUNT(DISTINCT person_id) AS persons,
MIN(observation_period_start_date) AS earliest_start, MAX(observation_period_end_date) AS latest_end FROM {cdm}.observation_period`,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Render substitutes the schema into the measure SQL.
func (m MeasureDefinition) Render(schema string) string {
	return strings.ReplaceAll(m.SQL, "{cdm}", pgx.Identifier{schema}.Sanitize())
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Evaluator runs measures against one CDM schema.
type Evaluator struct {
	q      querier
	schema string
	now    func() time.Time
}

// NewEvaluator creates an evaluator for schema.
func NewEvaluator(q querier, schema string) *Evaluator {
	return &Evaluator{q: q, schema: schema, now: time.Now}
}

// Evaluate runs one measure.
func (e *Evaluator) Evaluate(ctx context.Context, id string) (*MeasureReport, error) {
	m := FindMeasure(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeasure, id)
	}
	results, err := e.executeSQL(ctx, m.Render(e.schema))
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", id, err)
	}
	return &MeasureReport{
		ReportID:    uuid.NewString(),
		MeasureID:   m.ID,
		MeasureName: m.Name,
		Schema:      e.schema,
		GeneratedAt: e.now().UTC(),
		Results:     results,
	}, nil
}

// EvaluateAll runs every predefined measure in order and stops at the
// first failure.
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]*MeasureReport, error) {
	reports := make([]*MeasureReport, 0, len(PredefinedMeasures))
	for _, m := range PredefinedMeasures {
		r, err := e.Evaluate(ctx, m.ID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (e *Evaluator) executeSQL(ctx context.Context, sql string) ([]map[string]any, error) {
	rows, err := e.q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	eval *Evaluator
}

// NewHandler creates a new reporting handler.
func NewHandler(eval *Evaluator) *Handler {
	return &Handler{eval: eval}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/reports/measures", h.ListMeasures)
	g.GET("/reports/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	report, err := h.eval.Evaluate(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrUnknownMeasure) {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	return c.JSON(http.StatusOK, report)
}
