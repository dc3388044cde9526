package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type aggregateRow struct {
	ID             string          `db:"id"`
	Hour           int64           `db:"hour"`
	UnitID         string          `db:"unit_id"`
	Source         string          `db:"source"`
	Value          float64         `db:"value"`
	CapacityMW     float64         `db:"capacity_mw"`
	CapacityFactor sql.NullFloat64 `db:"capacity_factor"`
	Quality        string          `db:"quality"`
	RecordCount    int             `db:"record_count"`
	RawIDs         string          `db:"raw_ids"`
	UpdatedAt      int64           `db:"updated_at"`
}

const aggregateColumns = `id, hour, unit_id, source, value, capacity_mw, capacity_factor, quality, record_count,
	raw_ids, updated_at`

func (r *aggregateRow) toAggregate() (*AggregateRecord, error) {
	agg := &AggregateRecord{
		ID:          r.ID,
		Hour:        fromUnix(r.Hour),
		UnitID:      r.UnitID,
		Source:      r.Source,
		Value:       r.Value,
		CapacityMW:  r.CapacityMW,
		Quality:     Quality(r.Quality),
		RecordCount: r.RecordCount,
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}

	if r.CapacityFactor.Valid {
		cf := r.CapacityFactor.Float64
		agg.CapacityFactor = &cf
	}

	if err := json.Unmarshal([]byte(r.RawIDs), &agg.RawIDs); err != nil {
		return nil, fmt.Errorf("aggregate %s has malformed raw_ids: %w", r.ID, err)
	}

	return agg, nil
}

// UpsertAggregates writes hourly values keyed on (hour, unit_id, source),
// overwriting value and provenance of existing rows.
func (q *queries) UpsertAggregates(ctx context.Context, aggs []*AggregateRecord, now time.Time) (int64, error) {
	var written int64

	for _, agg := range aggs {
		rawIDs, err := json.Marshal(agg.RawIDs)
		if err != nil {
			return written, fmt.Errorf("failed to encode raw ids: %w", err)
		}

		if agg.ID == "" {
			agg.ID = uuid.NewString()
		}

		cf := sql.NullFloat64{}
		if agg.CapacityFactor != nil {
			cf = sql.NullFloat64{Float64: *agg.CapacityFactor, Valid: true}
		}

		agg.UpdatedAt = now

		n, err := q.exec(ctx, `INSERT INTO aggregate_records (`+aggregateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, unit_id, source) DO UPDATE SET
				value = excluded.value,
				capacity_mw = excluded.capacity_mw,
				capacity_factor = excluded.capacity_factor,
				quality = excluded.quality,
				record_count = excluded.record_count,
				raw_ids = excluded.raw_ids,
				updated_at = excluded.updated_at`,
			agg.ID, toUnix(agg.Hour), agg.UnitID, agg.Source, agg.Value, agg.CapacityMW, cf, string(agg.Quality),
			agg.RecordCount, string(rawIDs), toUnix(now))
		if err != nil {
			return written, fmt.Errorf("failed to upsert aggregate %s/%s@%s: %w",
				agg.UnitID, agg.Source, agg.Hour.Format(time.RFC3339), err)
		}

		written += n
	}

	return written, nil
}

// AggregateFilter selects hourly rows with hour in [From, To)
type AggregateFilter struct {
	UnitIDs []string
	Sources []string
	From    time.Time
	To      time.Time
}

func (f AggregateFilter) where() *whereBuilder {
	where := &whereBuilder{}

	if len(f.UnitIDs) > 0 {
		where.add("unit_id IN (?)", f.UnitIDs)
	}

	if len(f.Sources) > 0 {
		where.add("source IN (?)", f.Sources)
	}

	if !f.From.IsZero() {
		where.add("hour >= ?", toUnix(f.From))
	}

	if !f.To.IsZero() {
		where.add("hour < ?", toUnix(f.To))
	}

	return where
}

// ListAggregates returns rows ordered by unit, source and hour
func (q *queries) ListAggregates(ctx context.Context, filter AggregateFilter) ([]*AggregateRecord, error) {
	where := filter.where()

	var rows []aggregateRow
	if err := q.selectIn(ctx, &rows, `SELECT `+aggregateColumns+` FROM aggregate_records`+where.String()+
		` ORDER BY unit_id, source, hour`, where.args...); err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}

	aggs := make([]*AggregateRecord, 0, len(rows))

	for i := range rows {
		agg, err := rows[i].toAggregate()
		if err != nil {
			return nil, err
		}

		aggs = append(aggs, agg)
	}

	return aggs, nil
}

// DeleteAggregates removes the rows matching filter
func (q *queries) DeleteAggregates(ctx context.Context, filter AggregateFilter) (int64, error) {
	where := filter.where()

	n, err := q.exec(ctx, `DELETE FROM aggregate_records`+where.String(), where.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aggregates: %w", err)
	}

	return n, nil
}
