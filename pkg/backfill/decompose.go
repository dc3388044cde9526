package backfill

import (
	"strings"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// Chunk is a half-open time range [Start, End)
type Chunk struct {
	Start time.Time
	End   time.Time
}

// TaskSpec is one unit of fetch work produced by Decompose
type TaskSpec struct {
	UnitID     string
	Identifier string
	Source     string
	Chunk      Chunk
}

// NormalizeRange converts an inclusive [start, end] date range to the
// half-open instant range [start midnight, day after end midnight) in UTC.
func NormalizeRange(start, end time.Time) (Chunk, error) {
	if start.IsZero() || end.IsZero() {
		return Chunk{}, invalid("start and end dates are required")
	}

	from := truncateDay(start)
	to := truncateDay(end)

	if to.Before(from) {
		return Chunk{}, invalid("end date %s is before start date %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	return Chunk{Start: from, End: to.AddDate(0, 0, 1)}, nil
}

// MonthChunks splits r at calendar month boundaries. The first and last
// chunks are clipped to r.
func MonthChunks(r Chunk) []Chunk {
	var chunks []Chunk

	for cur := r.Start; cur.Before(r.End); {
		next := time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		if next.After(r.End) {
			next = r.End
		}

		chunks = append(chunks, Chunk{Start: cur, End: next})
		cur = next
	}

	return chunks
}

// Decompose produces one task per (unit, month chunk) of the inclusive date
// range. When sources is non-empty units of other sources are dropped first.
func Decompose(units []*store.GenerationUnit, start, end time.Time, sources []string) ([]TaskSpec, error) {
	if len(units) == 0 {
		return nil, invalid("unit set resolves to zero generation units")
	}

	r, err := NormalizeRange(start, end)
	if err != nil {
		return nil, err
	}

	selected := filterBySource(units, sources)
	chunks := MonthChunks(r)

	specs := make([]TaskSpec, 0, len(selected)*len(chunks))

	for _, u := range selected {
		for _, c := range chunks {
			specs = append(specs, TaskSpec{
				UnitID:     u.ID,
				Identifier: u.Code,
				Source:     strings.ToLower(u.Source),
				Chunk:      c,
			})
		}
	}

	if len(specs) == 0 {
		return nil, invalid("no tasks: none of %d units matches sources %v", len(units), sources)
	}

	return specs, nil
}

func filterBySource(units []*store.GenerationUnit, sources []string) []*store.GenerationUnit {
	if len(sources) == 0 {
		return units
	}

	wanted := make(map[string]bool, len(sources))
	for _, s := range sources {
		wanted[strings.ToLower(s)] = true
	}

	out := make([]*store.GenerationUnit, 0, len(units))

	for _, u := range units {
		if wanted[strings.ToLower(u.Source)] {
			out = append(out, u)
		}
	}

	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
