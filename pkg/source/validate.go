package source

import (
	"math"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// ToRawRecords maps provider records to raw store rows. Any record that
// cannot be stored faithfully fails the whole batch with a DataIntegrityError.
func ToRawRecords(sourceName string, records []Record) ([]*store.RawRecord, error) {
	out := make([]*store.RawRecord, 0, len(records))

	for i := range records {
		rec := &records[i]

		if err := validateRecord(sourceName, rec); err != nil {
			return nil, err
		}

		sourceType := rec.SourceType
		if sourceType == "" {
			sourceType = store.SourceTypeAPI
		}

		periodEnd := rec.PeriodEnd
		if periodEnd.IsZero() {
			d, _ := store.PeriodDuration(rec.PeriodType)
			periodEnd = rec.PeriodStart.Add(d)
		}

		out = append(out, &store.RawRecord{
			Source:      sourceName,
			SourceType:  sourceType,
			Identifier:  rec.Identifier,
			PeriodStart: rec.PeriodStart.UTC(),
			PeriodEnd:   periodEnd.UTC(),
			PeriodType:  rec.PeriodType,
			Value:       rec.Value,
			Unit:        rec.Unit,
			Revision:    rec.Revision,
			Payload:     rec.Payload,
		})
	}

	return out, nil
}

func validateRecord(sourceName string, rec *Record) error {
	fail := func(reason string) error {
		return &DataIntegrityError{Source: sourceName, Reason: reason}
	}

	switch {
	case rec.Identifier == "":
		return fail("record without identifier")
	case rec.PeriodStart.IsZero():
		return fail("record for " + rec.Identifier + " without period start")
	case math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0):
		return fail("record for " + rec.Identifier + " has a non-finite value")
	case rec.SourceType != "" && !rec.SourceType.Valid():
		return fail("record for " + rec.Identifier + " has unknown source type " + string(rec.SourceType))
	}

	if _, ok := store.PeriodDuration(rec.PeriodType); !ok {
		return fail("record for " + rec.Identifier + " has unknown period type " + rec.PeriodType)
	}

	if !rec.PeriodEnd.IsZero() && !rec.PeriodEnd.After(rec.PeriodStart) {
		return fail("record for " + rec.Identifier + " ends before it starts")
	}

	return nil
}
