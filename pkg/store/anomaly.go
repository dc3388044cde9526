package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type anomalyRow struct {
	ID              string  `db:"id"`
	UnitID          string  `db:"unit_id"`
	Source          string  `db:"source"`
	Type            string  `db:"anomaly_type"`
	Severity        string  `db:"severity"`
	Status          string  `db:"status"`
	PeriodStart     int64   `db:"period_start"`
	PeriodEnd       int64   `db:"period_end"`
	PeakValue       float64 `db:"peak_value"`
	Description     string  `db:"description"`
	ResolutionNotes string  `db:"resolution_notes"`
	CreatedAt       int64   `db:"created_at"`
	UpdatedAt       int64   `db:"updated_at"`
}

const anomalyColumns = `id, unit_id, source, anomaly_type, severity, status, period_start, period_end, peak_value,
	description, resolution_notes, created_at, updated_at`

func (r *anomalyRow) toAnomaly() *Anomaly {
	return &Anomaly{
		ID:              r.ID,
		UnitID:          r.UnitID,
		Source:          r.Source,
		Type:            r.Type,
		Severity:        r.Severity,
		Status:          AnomalyStatus(r.Status),
		PeriodStart:     fromUnix(r.PeriodStart),
		PeriodEnd:       fromUnix(r.PeriodEnd),
		PeakValue:       r.PeakValue,
		Description:     r.Description,
		ResolutionNotes: r.ResolutionNotes,
		CreatedAt:       fromUnix(r.CreatedAt),
		UpdatedAt:       fromUnix(r.UpdatedAt),
	}
}

// InsertAnomalies persists anomalies, assigning ids and timestamps where missing
func (q *queries) InsertAnomalies(ctx context.Context, anomalies []*Anomaly, now time.Time) error {
	for _, a := range anomalies {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}

		if a.Status == "" {
			a.Status = AnomalyPending
		}

		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}

		a.UpdatedAt = now

		_, err := q.exec(ctx, `INSERT INTO anomalies (`+anomalyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.UnitID, a.Source, a.Type, a.Severity, string(a.Status), toUnix(a.PeriodStart), toUnix(a.PeriodEnd),
			a.PeakValue, a.Description, a.ResolutionNotes, toUnix(a.CreatedAt), toUnix(a.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert anomaly for unit %s: %w", a.UnitID, err)
		}
	}

	return nil
}

// GetAnomaly loads an anomaly by id
func (q *queries) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	var row anomalyRow
	if err := q.get(ctx, &row, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id); err != nil {
		return nil, err
	}

	return row.toAnomaly(), nil
}

// AnomalyFilter narrows ListAnomalies. Periods overlapping [From, To) match.
type AnomalyFilter struct {
	UnitIDs  []string
	Statuses []AnomalyStatus
	Types    []string
	Severity string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// ListAnomalies returns a page of anomalies, newest period first, with the unpaginated total
func (q *queries) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*Anomaly, int, error) {
	var where whereBuilder

	if len(filter.UnitIDs) > 0 {
		where.add("unit_id IN (?)", filter.UnitIDs)
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}

		where.add("status IN (?)", statuses)
	}

	if len(filter.Types) > 0 {
		where.add("anomaly_type IN (?)", filter.Types)
	}

	if filter.Severity != "" {
		where.add("severity = ?", filter.Severity)
	}

	if !filter.From.IsZero() {
		where.add("period_end >= ?", toUnix(filter.From))
	}

	if !filter.To.IsZero() {
		where.add("period_start < ?", toUnix(filter.To))
	}

	var total []int
	if err := q.selectIn(ctx, &total, `SELECT COUNT(*) FROM anomalies`+where.String(), where.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count anomalies: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	args := append(append([]interface{}{}, where.args...), limit, filter.Offset)

	var rows []anomalyRow
	if err := q.selectIn(ctx, &rows, `SELECT `+anomalyColumns+` FROM anomalies`+where.String()+
		` ORDER BY period_start DESC, id LIMIT ? OFFSET ?`, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list anomalies: %w", err)
	}

	anomalies := make([]*Anomaly, 0, len(rows))
	for i := range rows {
		anomalies = append(anomalies, rows[i].toAnomaly())
	}

	count := 0
	if len(total) > 0 {
		count = total[0]
	}

	return anomalies, count, nil
}

// UpdateAnomalyStatus sets the review status and notes of an anomaly
func (q *queries) UpdateAnomalyStatus(ctx context.Context, id string, status AnomalyStatus, notes string, now time.Time) error {
	n, err := q.exec(ctx, `UPDATE anomalies SET status = ?, resolution_notes = ?, updated_at = ? WHERE id = ?`,
		string(status), notes, toUnix(now), id)
	if err != nil {
		return fmt.Errorf("failed to update anomaly %s: %w", id, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// AnomalyOverlaps reports whether an anomaly of the type for the unit and
// source already covers part of [periodStart, periodEnd]. Both bounds are
// the first and last bad hour.
func (q *queries) AnomalyOverlaps(ctx context.Context, unitID, source, anomalyType string, periodStart, periodEnd time.Time) (bool, error) {
	var ids []string
	if err := q.selectIn(ctx, &ids, `SELECT id FROM anomalies WHERE unit_id = ? AND source = ? AND anomaly_type = ?
		AND period_start <= ? AND period_end >= ? LIMIT 1`,
		unitID, source, anomalyType, toUnix(periodEnd), toUnix(periodStart)); err != nil {
		return false, fmt.Errorf("failed to look up anomaly: %w", err)
	}

	return len(ids) > 0, nil
}
