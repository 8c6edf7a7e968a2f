package etl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/fallback"
)

// Synthea conditions.csv and medications.csv columns.
const (
	colPatient    = "PATIENT"
	colCode       = "CODE"
	colStart      = "START"
	colStop       = "STOP"
	colReasonCode = "REASONCODE"
)

// MapConditions maps condition rows to condition_occurrence rows. An empty
// table yields an empty frame.
func MapConditions(ctx context.Context, conditions *Table, ids *IdentityMap, resolver terminology.Resolver, events *fallback.Recorder) (*Frame, error) {
	if ids == nil {
		return nil, ErrIdentityMapRequired
	}
	if conditions.Len() == 0 {
		return newFrame(TableConditionOccurrence, conditionColumns, 0), nil
	}
	idx, err := conditions.Require(colPatient, colCode, colStart)
	if err != nil {
		return nil, err
	}
	patientCol, codeCol, startCol := idx[0], idx[1], idx[2]
	stopCol := optionalColumn(conditions, colStop, events)

	frame := newFrame(TableConditionOccurrence, conditionColumns, conditions.Len())
	var none pgtype.Int8

	for r := range conditions.Rows {
		start, err := requiredTime(conditions, r, startCol, colStart)
		if err != nil {
			return nil, err
		}
		code := conditions.Cell(r, codeCol)
		conceptID, err := resolveConcept(ctx, resolver, code, terminology.DomainCondition, events)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", conditions.Name, r+1, err)
		}

		var (
			endDate     pgtype.Date
			endDatetime pgtype.Timestamp
			status      = ConditionStatusActive
		)
		if end, ok := optionalTime(conditions, r, stopCol, colStop, events); ok {
			endDate, endDatetime = toDate(end), toTimestamp(end)
			status = ConditionStatusResolved
		}

		frame.Rows = append(frame.Rows, []any{
			int64(r + 1),
			resolvePerson(ids, conditions.Cell(r, patientCol), conditions.Name, events),
			conceptID,
			toDate(start),
			toTimestamp(start),
			endDate,
			endDatetime,
			ConditionTypeEHR,
			status,
			pgtype.Text{}, // stop_reason
			none,          // provider_id
			none,          // visit_occurrence_id
			none,          // visit_detail_id
			toText(code),
			int64(0),
			pgtype.Text{}, // condition_status_source_value
		})
	}
	return frame, nil
}

// resolvePerson looks a source patient id up in the identity map. Unknown
// patients yield a NULL reference and keep the row.
func resolvePerson(ids *IdentityMap, sourceID, table string, events *fallback.Recorder) pgtype.Int8 {
	ref := ids.Resolve(sourceID)
	if !ref.Valid {
		events.Record(fallback.UnmappedPerson, "patient not in identity map, person_id left null",
			"table", table, "patient", sourceID)
	}
	return ref
}

// resolveConcept asks the resolver for a standard concept. Unresolved codes
// map to 0; resolver failures abort the stage.
func resolveConcept(ctx context.Context, resolver terminology.Resolver, code string, domain terminology.Domain, events *fallback.Recorder) (int64, error) {
	id, ok, err := resolver.Resolve(ctx, code, domain)
	if err != nil {
		return 0, fmt.Errorf("resolve %s code %q: %w", domain, code, err)
	}
	if !ok {
		events.Record(fallback.UnresolvedConcept, "source code has no standard concept, using 0",
			"domain", string(domain), "code", code)
		return terminology.Unresolved, nil
	}
	return id, nil
}
