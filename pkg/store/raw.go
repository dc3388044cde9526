package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type rawRow struct {
	ID          string        `db:"id"`
	Source      string        `db:"source"`
	SourceType  string        `db:"source_type"`
	Identifier  string        `db:"identifier"`
	PeriodStart int64         `db:"period_start"`
	PeriodEnd   int64         `db:"period_end"`
	PeriodType  string        `db:"period_type"`
	Value       float64       `db:"value"`
	Unit        string        `db:"unit"`
	Revision    int64         `db:"revision"`
	Payload     string        `db:"payload"`
	CorrectedAt sql.NullInt64 `db:"corrected_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

const rawColumns = `id, source, source_type, identifier, period_start, period_end, period_type, value, unit,
	revision, payload, corrected_at, created_at, updated_at`

func (r *rawRow) toRecord() (*RawRecord, error) {
	rec := &RawRecord{
		ID:          r.ID,
		Source:      r.Source,
		SourceType:  SourceType(r.SourceType),
		Identifier:  r.Identifier,
		PeriodStart: fromUnix(r.PeriodStart),
		PeriodEnd:   fromUnix(r.PeriodEnd),
		PeriodType:  r.PeriodType,
		Value:       r.Value,
		Unit:        r.Unit,
		Revision:    r.Revision,
		CorrectedAt: fromNullUnix(r.CorrectedAt),
		CreatedAt:   fromUnix(r.CreatedAt),
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}

	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("raw record %s has malformed payload: %w", r.ID, err)
		}
	}

	return rec, nil
}

// The conflict branch only fires for an equal or newer revision that changes
// something, so replaying an identical record leaves the row untouched.
// Period metadata rewritten by reconciliation (corrected_at set) is kept.
const upsertRawSQL = `INSERT INTO raw_records (` + rawColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	ON CONFLICT (source, source_type, identifier, period_start) DO UPDATE SET
		value = excluded.value,
		unit = excluded.unit,
		revision = excluded.revision,
		payload = excluded.payload,
		period_type = CASE WHEN raw_records.corrected_at IS NULL THEN excluded.period_type ELSE raw_records.period_type END,
		period_end = CASE WHEN raw_records.corrected_at IS NULL THEN excluded.period_end ELSE raw_records.period_end END,
		updated_at = excluded.updated_at
	WHERE excluded.revision >= raw_records.revision
	AND (
		raw_records.value <> excluded.value
		OR raw_records.unit <> excluded.unit
		OR raw_records.revision <> excluded.revision
		OR raw_records.payload <> excluded.payload
		OR (raw_records.corrected_at IS NULL AND (
			raw_records.period_type <> excluded.period_type OR raw_records.period_end <> excluded.period_end))
	)`

// UpsertRawRecords writes records keyed on (source, source_type, identifier,
// period_start) and returns the number of rows inserted or changed.
func (q *queries) UpsertRawRecords(ctx context.Context, records []*RawRecord, now time.Time) (int64, error) {
	var written int64

	for _, rec := range records {
		payload := []byte("{}")

		if rec.Payload != nil {
			var err error

			payload, err = json.Marshal(rec.Payload)
			if err != nil {
				return written, fmt.Errorf("failed to encode payload for %s/%s: %w", rec.Source, rec.Identifier, err)
			}
		}

		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		n, err := q.exec(ctx, upsertRawSQL,
			rec.ID, rec.Source, string(rec.SourceType), rec.Identifier, toUnix(rec.PeriodStart), toUnix(rec.PeriodEnd),
			rec.PeriodType, rec.Value, rec.Unit, rec.Revision, string(payload), toUnix(now), toUnix(now))
		if err != nil {
			return written, fmt.Errorf("failed to upsert raw record %s/%s@%s: %w",
				rec.Source, rec.Identifier, rec.PeriodStart.Format(time.RFC3339), err)
		}

		written += n
	}

	return written, nil
}

// RawFilter selects raw records whose [period_start, period_end) overlaps [From, To)
type RawFilter struct {
	Source      string
	SourceTypes []SourceType
	Identifiers []string
	PeriodType  string
	From        time.Time
	To          time.Time
}

// ListRawRecords returns matching records ordered by identifier and period_start
func (q *queries) ListRawRecords(ctx context.Context, filter RawFilter) ([]*RawRecord, error) {
	var where whereBuilder

	if filter.Source != "" {
		where.add("source = ?", filter.Source)
	}

	if len(filter.SourceTypes) > 0 {
		types := make([]string, 0, len(filter.SourceTypes))
		for _, t := range filter.SourceTypes {
			types = append(types, string(t))
		}

		where.add("source_type IN (?)", types)
	}

	if len(filter.Identifiers) > 0 {
		where.add("identifier IN (?)", filter.Identifiers)
	}

	if filter.PeriodType != "" {
		where.add("period_type = ?", filter.PeriodType)
	}

	if !filter.To.IsZero() {
		where.add("period_start < ?", toUnix(filter.To))
	}

	if !filter.From.IsZero() {
		where.add("period_end > ?", toUnix(filter.From))
	}

	var rows []rawRow
	if err := q.selectIn(ctx, &rows, `SELECT `+rawColumns+` FROM raw_records`+where.String()+
		` ORDER BY identifier, period_start, source_type`, where.args...); err != nil {
		return nil, fmt.Errorf("failed to list raw records: %w", err)
	}

	records := make([]*RawRecord, 0, len(rows))

	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

// RawIdentifiers returns the distinct identifiers stored for a source
func (q *queries) RawIdentifiers(ctx context.Context, source string) ([]string, error) {
	var ids []string
	if err := q.selectIn(ctx, &ids, `SELECT DISTINCT identifier FROM raw_records WHERE source = ? ORDER BY identifier`, source); err != nil {
		return nil, fmt.Errorf("failed to list identifiers of %s: %w", source, err)
	}

	return ids, nil
}

// CorrectRawPeriod rewrites the resolution metadata of a record in place
func (q *queries) CorrectRawPeriod(ctx context.Context, id, periodType string, periodEnd, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE raw_records SET period_type = ?, period_end = ?, corrected_at = ?, updated_at = ?
		WHERE id = ?`, periodType, toUnix(periodEnd), toUnix(now), toUnix(now), id)
	if err != nil {
		return fmt.Errorf("failed to correct raw record %s: %w", id, err)
	}

	return nil
}

// RawMove is a corrected key for a stored record
type RawMove struct {
	Record      *RawRecord
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// MoveRawRecords re-keys records whose stored period_start was wrong. All
// mislabelled rows are removed before any is rewritten so that a shift of a
// whole series never lands on a row that is itself about to move. Rewrites go
// through the usual revision guard.
func (q *queries) MoveRawRecords(ctx context.Context, moves []RawMove, now time.Time) error {
	for _, m := range moves {
		if _, err := q.exec(ctx, `DELETE FROM raw_records WHERE id = ?`, m.Record.ID); err != nil {
			return fmt.Errorf("failed to remove mislabelled raw record %s: %w", m.Record.ID, err)
		}
	}

	for _, m := range moves {
		moved := *m.Record
		moved.PeriodStart = m.PeriodStart
		moved.PeriodEnd = m.PeriodEnd

		if _, err := q.UpsertRawRecords(ctx, []*RawRecord{&moved}, now); err != nil {
			return err
		}

		if _, err := q.exec(ctx, `UPDATE raw_records SET corrected_at = ? WHERE source = ? AND source_type = ?
			AND identifier = ? AND period_start = ?`,
			toUnix(now), moved.Source, string(moved.SourceType), moved.Identifier, toUnix(m.PeriodStart)); err != nil {
			return fmt.Errorf("failed to mark raw record %s corrected: %w", moved.ID, err)
		}
	}

	return nil
}

// SetRawValue overwrites the value of a single record
func (q *queries) SetRawValue(ctx context.Context, id string, value float64, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE raw_records SET value = ?, corrected_at = ?, updated_at = ? WHERE id = ?`,
		value, toUnix(now), toUnix(now), id)
	if err != nil {
		return fmt.Errorf("failed to set value of raw record %s: %w", id, err)
	}

	return nil
}

// RetagRawRecords moves records in [from, to) from one source_type to another
func (q *queries) RetagRawRecords(ctx context.Context, source string, identifiers []string, fromType, toType SourceType, from, to, now time.Time) (int64, error) {
	var where whereBuilder

	where.add("source = ?", source)
	where.add("source_type = ?", string(fromType))
	where.add("period_start >= ?", toUnix(from))
	where.add("period_start < ?", toUnix(to))

	if len(identifiers) > 0 {
		where.add("identifier IN (?)", identifiers)
	}

	args := append([]interface{}{string(toType), toUnix(now), toUnix(now)}, where.args...)

	n, err := q.exec(ctx, `UPDATE raw_records SET source_type = ?, corrected_at = ?, updated_at = ?`+where.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retag raw records: %w", err)
	}

	return n, nil
}
