package etl

import (
	"time"

	"github.com/omop/etl/internal/platform/fallback"
)

// MapObservationPeriods emits one observation period per patient, from
// birth to death or, for living patients, to now.
func MapObservationPeriods(patients *Table, ids *IdentityMap, now time.Time, events *fallback.Recorder) (*Frame, error) {
	if ids == nil {
		return nil, ErrIdentityMapRequired
	}
	idx, err := patients.Require(colPatientID, colBirthDate)
	if err != nil {
		return nil, err
	}
	idCol, birthCol := idx[0], idx[1]
	deathCol := optionalColumn(patients, colDeathDate, events)

	frame := newFrame(TableObservationPeriod, observationPeriodColumns, patients.Len())
	for r := range patients.Rows {
		start, err := requiredTime(patients, r, birthCol, colBirthDate)
		if err != nil {
			return nil, err
		}
		end, ok := optionalTime(patients, r, deathCol, colDeathDate, events)
		if !ok {
			end = now
		}

		frame.Rows = append(frame.Rows, []any{
			int64(r + 1),
			resolvePerson(ids, patients.Cell(r, idCol), patients.Name, events),
			toDate(start),
			toDate(end),
			PeriodTypeEHR,
		})
	}
	return frame, nil
}
