package etl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/fallback"
)

// MapDrugExposures maps medication rows to drug_exposure rows. A missing
// STOP ends the exposure on its start date.
func MapDrugExposures(ctx context.Context, meds *Table, ids *IdentityMap, resolver terminology.Resolver, events *fallback.Recorder) (*Frame, error) {
	if ids == nil {
		return nil, ErrIdentityMapRequired
	}
	if meds.Len() == 0 {
		return newFrame(TableDrugExposure, drugExposureColumns, 0), nil
	}
	idx, err := meds.Require(colPatient, colCode, colStart)
	if err != nil {
		return nil, err
	}
	patientCol, codeCol, startCol := idx[0], idx[1], idx[2]
	stopCol := optionalColumn(meds, colStop, events)
	reasonCol := optionalColumn(meds, colReasonCode, events)

	frame := newFrame(TableDrugExposure, drugExposureColumns, meds.Len())
	var none pgtype.Int8

	for r := range meds.Rows {
		start, err := requiredTime(meds, r, startCol, colStart)
		if err != nil {
			return nil, err
		}
		end, ok := optionalTime(meds, r, stopCol, colStop, events)
		if !ok {
			end = start
		}

		var daysSupply pgtype.Int4
		if days := daysBetween(start, end); days >= 0 {
			daysSupply = pgtype.Int4{Int32: int32(days), Valid: true}
		} else {
			events.Record(fallback.NegativeDrugSpan, "drug stop precedes start, days_supply left null",
				"row", fmt.Sprint(r+1), "start", start.Format("2006-01-02"), "stop", end.Format("2006-01-02"))
		}

		code := meds.Cell(r, codeCol)
		conceptID, err := resolveConcept(ctx, resolver, code, terminology.DomainDrug, events)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", meds.Name, r+1, err)
		}

		frame.Rows = append(frame.Rows, []any{
			int64(r + 1),
			resolvePerson(ids, meds.Cell(r, patientCol), meds.Name, events),
			conceptID,
			toDate(start),
			toTimestamp(start),
			toDate(end),
			toTimestamp(end),
			DrugTypePrescription,
			toText(meds.Cell(r, reasonCol)), // stop_reason
			pgtype.Int4{},                   // refills
			pgtype.Float8{},                 // quantity
			daysSupply,
			pgtype.Text{}, // sig
			int64(0),      // route_concept_id
			pgtype.Text{}, // lot_number
			none,          // provider_id
			none,          // visit_occurrence_id
			none,          // visit_detail_id
			pgtype.Text{}, // route_source_value
			pgtype.Text{}, // dose_unit_source_value
			toText(code),
			int64(0),
		})
	}
	return frame, nil
}
