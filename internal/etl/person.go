package etl

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/omop/etl/internal/platform/fallback"
)

// Synthea patients.csv columns.
const (
	colPatientID = "Id"
	colBirthDate = "BIRTHDATE"
	colDeathDate = "DEATHDATE"
	colGender    = "GENDER"
	colRace      = "RACE"
	colEthnicity = "ETHNICITY"
)

// MapPersons maps patients to person rows and builds the identity map.
// Person ids follow row order starting at 1. A malformed birth date, an
// empty or repeated patient id fails the whole table.
func MapPersons(patients *Table, events *fallback.Recorder) (*Frame, *IdentityMap, error) {
	idx, err := patients.Require(colPatientID, colBirthDate)
	if err != nil {
		return nil, nil, err
	}
	idCol, birthCol := idx[0], idx[1]
	genderCol := optionalColumn(patients, colGender, events)
	raceCol := optionalColumn(patients, colRace, events)
	ethnicityCol := optionalColumn(patients, colEthnicity, events)

	ids := NewIdentityBuilder()
	frame := newFrame(TablePerson, personColumns, patients.Len())
	var none pgtype.Int8

	for r := range patients.Rows {
		sourceID := patients.Cell(r, idCol)
		birth, err := requiredTime(patients, r, birthCol, colBirthDate)
		if err != nil {
			return nil, nil, err
		}
		personID, err := ids.Assign(sourceID)
		if err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %w", patients.Name, r+1, err)
		}

		gender := patients.Cell(r, genderCol)
		race := patients.Cell(r, raceCol)
		ethnicity := patients.Cell(r, ethnicityCol)

		frame.Rows = append(frame.Rows, []any{
			personID,
			lookupConcept(genderConcepts, gender, colGender, events),
			int32(birth.Year()),
			int32(birth.Month()),
			int32(birth.Day()),
			toTimestamp(birth),
			lookupConcept(raceConcepts, race, colRace, events),
			lookupConcept(ethnicityConcepts, ethnicity, colEthnicity, events),
			none, // location_id
			none, // provider_id
			none, // care_site_id
			toText(sourceID),
			toText(gender),
			int64(0),
			toText(race),
			int64(0),
			toText(ethnicity),
			int64(0),
		})
	}

	return frame, ids.Seal(), nil
}

// lookupConcept maps a categorical source value through a fixed table.
// Unrecognized and empty values map to 0 and are recorded.
func lookupConcept(table map[string]int64, value, column string, events *fallback.Recorder) int64 {
	if id, ok := table[strings.ToLower(strings.TrimSpace(value))]; ok {
		return id
	}
	events.Record(fallback.UnmappedCode, "categorical value has no concept, using 0",
		"column", column, "value", value)
	return 0
}

// optionalColumn returns the position of column, recording a fallback when
// it is absent.
func optionalColumn(t *Table, column string, events *fallback.Recorder) int {
	i := t.Index(column)
	if i < 0 {
		events.Record(fallback.MissingColumn, "optional column missing, values treated as absent",
			"table", t.Name, "column", column)
	}
	return i
}
