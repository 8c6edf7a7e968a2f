package etl

// Target tables.
const (
	TablePerson              = "person"
	TableObservationPeriod   = "observation_period"
	TableConditionOccurrence = "condition_occurrence"
	TableDrugExposure        = "drug_exposure"
)

// Standard concept ids used by the static mapping rules.
const (
	GenderFemale int64 = 8532
	GenderMale   int64 = 8507

	RaceWhite int64 = 8527
	RaceBlack int64 = 8516
	RaceAsian int64 = 8515
	RaceOther int64 = 8522

	EthnicityHispanic    int64 = 38003563
	EthnicityNotHispanic int64 = 38003564

	// Period covering healthcare encounters.
	PeriodTypeEHR int64 = 44814724
	// EHR.
	ConditionTypeEHR int64 = 32020
	// Active / resolved condition status.
	ConditionStatusActive   int64 = 4203942
	ConditionStatusResolved int64 = 4230359
	// Prescription written.
	DrugTypePrescription int64 = 38000177
)

var (
	genderConcepts = map[string]int64{
		"female": GenderFemale,
		"f":      GenderFemale,
		"male":   GenderMale,
		"m":      GenderMale,
	}
	raceConcepts = map[string]int64{
		"white": RaceWhite,
		"black": RaceBlack,
		"asian": RaceAsian,
		"other": RaceOther,
	}
	ethnicityConcepts = map[string]int64{
		"hispanic":     EthnicityHispanic,
		"nonhispanic":  EthnicityNotHispanic,
		"non-hispanic": EthnicityNotHispanic,
	}
)

var (
	personColumns = []string{
		"person_id", "gender_concept_id", "year_of_birth", "month_of_birth",
		"day_of_birth", "birth_datetime", "race_concept_id", "ethnicity_concept_id",
		"location_id", "provider_id", "care_site_id", "person_source_value",
		"gender_source_value", "gender_source_concept_id", "race_source_value",
		"race_source_concept_id", "ethnicity_source_value", "ethnicity_source_concept_id",
	}
	observationPeriodColumns = []string{
		"observation_period_id", "person_id", "observation_period_start_date",
		"observation_period_end_date", "period_type_concept_id",
	}
	conditionColumns = []string{
		"condition_occurrence_id", "person_id", "condition_concept_id",
		"condition_start_date", "condition_start_datetime", "condition_end_date",
		"condition_end_datetime", "condition_type_concept_id", "condition_status_concept_id",
		"stop_reason", "provider_id", "visit_occurrence_id", "visit_detail_id",
		"condition_source_value", "condition_source_concept_id", "condition_status_source_value",
	}
	drugExposureColumns = []string{
		"drug_exposure_id", "person_id", "drug_concept_id",
		"drug_exposure_start_date", "drug_exposure_start_datetime",
		"drug_exposure_end_date", "drug_exposure_end_datetime", "drug_type_concept_id",
		"stop_reason", "refills", "quantity", "days_supply", "sig", "route_concept_id",
		"lot_number", "provider_id", "visit_occurrence_id", "visit_detail_id",
		"route_source_value", "dose_unit_source_value", "drug_source_value",
		"drug_source_concept_id",
	}
)

// Frame is a target-shaped batch of rows: table name, column list and one
// value per column per row. Absent values are pgtype values with Valid false.
type Frame struct {
	Table   string
	Columns []string
	Rows    [][]any
}

func newFrame(table string, columns []string, capacity int) *Frame {
	return &Frame{Table: table, Columns: columns, Rows: make([][]any, 0, capacity)}
}

// IDColumn is the surrogate key column of the frame's table.
func (f *Frame) IDColumn() string {
	if len(f.Columns) == 0 {
		return ""
	}
	return f.Columns[0]
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Value returns the value of column in row r, or nil when the column is
// not part of the frame.
func (f *Frame) Value(r int, column string) any {
	for i, c := range f.Columns {
		if c == column {
			return f.Rows[r][i]
		}
	}
	return nil
}
