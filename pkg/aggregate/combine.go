package aggregate

import (
	"sort"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// Hourly is the combined value of the raw records overlapping one hour
type Hourly struct {
	Hour     time.Time
	Value    float64
	Coverage time.Duration
	RawIDs   []string
}

// Quality returns complete when the records covered the whole hour
func (h *Hourly) Quality() store.Quality {
	if h.Coverage >= time.Hour {
		return store.QualityComplete
	}

	return store.QualityPartial
}

type periodKey struct {
	identifier string
	start      time.Time
	end        time.Time
}

// Dedupe keeps one record per (identifier, period): the highest revision,
// then the most recently updated.
func Dedupe(records []*store.RawRecord) []*store.RawRecord {
	best := make(map[periodKey]*store.RawRecord, len(records))
	order := make([]periodKey, 0, len(records))

	for _, rec := range records {
		key := periodKey{identifier: rec.Identifier, start: rec.PeriodStart, end: rec.PeriodEnd}

		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = rec

			continue
		}

		if rec.Revision > cur.Revision || (rec.Revision == cur.Revision && rec.UpdatedAt.After(cur.UpdatedAt)) {
			best[key] = rec
		}
	}

	kept := make([]*store.RawRecord, 0, len(order))
	for _, key := range order {
		kept = append(kept, best[key])
	}

	return kept
}

// Combine collapses the records overlapping hour into one value. Records are
// deduplicated first; what remains is averaged with equal weight.
func Combine(hour time.Time, records []*store.RawRecord) (*Hourly, bool) {
	end := hour.Add(time.Hour)
	overlapping := make([]*store.RawRecord, 0, len(records))

	for _, rec := range records {
		if rec.PeriodStart.Before(end) && rec.PeriodEnd.After(hour) {
			overlapping = append(overlapping, rec)
		}
	}

	kept := Dedupe(overlapping)
	if len(kept) == 0 {
		return nil, false
	}

	h := &Hourly{Hour: hour, RawIDs: make([]string, 0, len(kept))}

	var sum float64
	for _, rec := range kept {
		sum += rec.Value
		h.RawIDs = append(h.RawIDs, rec.ID)
	}

	h.Value = sum / float64(len(kept))
	h.Coverage = coverage(hour, end, kept)

	sort.Strings(h.RawIDs)

	return h, true
}

// coverage returns how much of [from, to) the union of the records spans
func coverage(from, to time.Time, records []*store.RawRecord) time.Duration {
	type span struct{ start, end time.Time }

	spans := make([]span, 0, len(records))

	for _, rec := range records {
		s, e := rec.PeriodStart, rec.PeriodEnd
		if s.Before(from) {
			s = from
		}

		if e.After(to) {
			e = to
		}

		if e.After(s) {
			spans = append(spans, span{s, e})
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })

	var (
		total  time.Duration
		cursor = from
	)

	for _, sp := range spans {
		if sp.start.After(cursor) {
			cursor = sp.start
		}

		if sp.end.After(cursor) {
			total += sp.end.Sub(cursor)
			cursor = sp.end
		}
	}

	return total
}

// Hours returns the top of every hour in [from, to), widening the range to
// whole hours
func Hours(from, to time.Time) []time.Time {
	start := from.UTC().Truncate(time.Hour)
	stop := to.UTC().Truncate(time.Hour)

	if stop.Before(to.UTC()) {
		stop = stop.Add(time.Hour)
	}

	hours := make([]time.Time, 0, int(stop.Sub(start)/time.Hour))
	for h := start; h.Before(stop); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}

	return hours
}
