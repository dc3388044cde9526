package anomaly

import (
	"fmt"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// Anomaly types
const (
	TypeCapacityExceeded = "capacity_factor_exceeded"
	TypeBelowFloor       = "value_below_floor"
	TypeMissingData      = "missing_data"
)

// Severities
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Candidate is a maximal run of consecutive bad hours of one unit. PeriodEnd
// is the start of the last bad hour.
type Candidate struct {
	UnitID      string
	UnitCode    string
	Source      string
	Type        string
	Severity    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Hours       int
	PeakValue   float64
}

// SeverityFor grades a capacity factor excursion by its peak
func SeverityFor(peakCapacityFactor float64) string {
	switch {
	case peakCapacityFactor > 1.5:
		return SeverityCritical
	case peakCapacityFactor > 1.2:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// run accumulates consecutive bad hours of one check
type run struct {
	start time.Time
	last  time.Time
	hours int
	peak  float64
}

type check struct {
	anomalyType string
	// bad reports whether the hour violates the check and the value to track
	bad func(agg *store.AggregateRecord) (float64, bool)
	// worse reports whether v is a more extreme violation than the current peak
	worse    func(v, peak float64) bool
	severity func(peak float64) string
	current  *run
}

func checks(cfg *Config) []*check {
	cs := []*check{{
		anomalyType: TypeCapacityExceeded,
		bad: func(agg *store.AggregateRecord) (float64, bool) {
			if agg == nil || agg.CapacityFactor == nil {
				return 0, false
			}

			return *agg.CapacityFactor, *agg.CapacityFactor > cfg.MaxCapacityFactor
		},
		worse:    func(v, peak float64) bool { return v > peak },
		severity: SeverityFor,
	}}

	if cfg.MinValue != nil {
		floor := *cfg.MinValue

		cs = append(cs, &check{
			anomalyType: TypeBelowFloor,
			bad: func(agg *store.AggregateRecord) (float64, bool) {
				if agg == nil {
					return 0, false
				}

				return agg.Value, agg.Value < floor
			},
			worse:    func(v, peak float64) bool { return v < peak },
			severity: func(float64) string { return SeverityMedium },
		})
	}

	if cfg.DetectMissing {
		cs = append(cs, &check{
			anomalyType: TypeMissingData,
			bad: func(agg *store.AggregateRecord) (float64, bool) {
				return 0, agg == nil
			},
			worse:    func(float64, float64) bool { return false },
			severity: func(float64) string { return SeverityLow },
		})
	}

	return cs
}

// DetectSeries scans one unit's hourly series and merges consecutive bad
// hours of each check into candidates. aggs holds the aggregate of each hour
// present; hours lists every hour in range in order.
func DetectSeries(cfg *Config, unit *store.GenerationUnit, hours []time.Time, aggs map[time.Time]*store.AggregateRecord) []*Candidate {
	var out []*Candidate

	cs := checks(cfg)

	closeRun := func(c *check) {
		if c.current == nil {
			return
		}

		out = append(out, &Candidate{
			UnitID:      unit.ID,
			UnitCode:    unit.Code,
			Source:      unit.Source,
			Type:        c.anomalyType,
			Severity:    c.severity(c.current.peak),
			PeriodStart: c.current.start,
			PeriodEnd:   c.current.last,
			Hours:       c.current.hours,
			PeakValue:   c.current.peak,
		})

		c.current = nil
	}

	for _, hour := range hours {
		agg := aggs[hour]

		for _, c := range cs {
			v, bad := c.bad(agg)
			if !bad {
				closeRun(c)
				continue
			}

			if c.current == nil {
				c.current = &run{start: hour, peak: v}
			} else if c.worse(v, c.current.peak) {
				c.current.peak = v
			}

			c.current.last = hour
			c.current.hours++
		}
	}

	for _, c := range cs {
		closeRun(c)
	}

	return out
}

func (c *Candidate) toAnomaly() *store.Anomaly {
	var desc string

	switch c.Type {
	case TypeCapacityExceeded:
		desc = fmt.Sprintf("%s: capacity factor above ceiling for %d h, peak %.3f", c.UnitCode, c.Hours, c.PeakValue)
	case TypeBelowFloor:
		desc = fmt.Sprintf("%s: value below floor for %d h, lowest %.3f", c.UnitCode, c.Hours, c.PeakValue)
	case TypeMissingData:
		desc = fmt.Sprintf("%s: no aggregate for %d h", c.UnitCode, c.Hours)
	default:
		desc = fmt.Sprintf("%s: %s for %d h", c.UnitCode, c.Type, c.Hours)
	}

	return &store.Anomaly{
		UnitID:      c.UnitID,
		Source:      c.Source,
		Type:        c.Type,
		Severity:    c.Severity,
		Status:      store.AnomalyPending,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		PeakValue:   c.PeakValue,
		Description: desc,
	}
}
