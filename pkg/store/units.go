package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type unitRow struct {
	ID         string  `db:"id"`
	Code       string  `db:"code"`
	Name       string  `db:"name"`
	Source     string  `db:"source"`
	WindfarmID string  `db:"windfarm_id"`
	CapacityMW float64 `db:"capacity_mw"`
	Active     int     `db:"active"`
}

const unitColumns = `id, code, name, source, windfarm_id, capacity_mw, active`

func (r *unitRow) toUnit() *GenerationUnit {
	return &GenerationUnit{
		ID:         r.ID,
		Code:       r.Code,
		Name:       r.Name,
		Source:     r.Source,
		WindfarmID: r.WindfarmID,
		CapacityMW: r.CapacityMW,
		Active:     r.Active != 0,
	}
}

// UpsertUnit inserts a unit or updates the one with the same (source, code)
func (q *queries) UpsertUnit(ctx context.Context, unit *GenerationUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}

	active := 0
	if unit.Active {
		active = 1
	}

	_, err := q.exec(ctx, `INSERT INTO generation_units (`+unitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, code) DO UPDATE SET name = excluded.name, windfarm_id = excluded.windfarm_id,
		capacity_mw = excluded.capacity_mw, active = excluded.active`,
		unit.ID, unit.Code, unit.Name, strings.ToLower(unit.Source), unit.WindfarmID, unit.CapacityMW, active)
	if err != nil {
		return fmt.Errorf("failed to upsert unit %s/%s: %w", unit.Source, unit.Code, err)
	}

	var row unitRow
	if err := q.get(ctx, &row, `SELECT `+unitColumns+` FROM generation_units WHERE source = ? AND code = ?`,
		strings.ToLower(unit.Source), unit.Code); err != nil {
		return err
	}

	*unit = *row.toUnit()

	return nil
}

// GetUnit loads a unit by id
func (q *queries) GetUnit(ctx context.Context, id string) (*GenerationUnit, error) {
	var row unitRow
	if err := q.get(ctx, &row, `SELECT `+unitColumns+` FROM generation_units WHERE id = ?`, id); err != nil {
		return nil, err
	}

	return row.toUnit(), nil
}

// UnitFilter selects units. UnitIDs and WindfarmIDs are unioned when both are
// set; Sources narrows the result.
type UnitFilter struct {
	UnitIDs     []string
	WindfarmIDs []string
	Sources     []string
	ActiveOnly  bool
}

// ListUnits returns units matching filter ordered by source and code
func (q *queries) ListUnits(ctx context.Context, filter UnitFilter) ([]*GenerationUnit, error) {
	var where whereBuilder

	switch {
	case len(filter.UnitIDs) > 0 && len(filter.WindfarmIDs) > 0:
		where.add("(id IN (?) OR windfarm_id IN (?))", filter.UnitIDs, filter.WindfarmIDs)
	case len(filter.UnitIDs) > 0:
		where.add("id IN (?)", filter.UnitIDs)
	case len(filter.WindfarmIDs) > 0:
		where.add("windfarm_id IN (?)", filter.WindfarmIDs)
	}

	if len(filter.Sources) > 0 {
		sources := make([]string, 0, len(filter.Sources))
		for _, s := range filter.Sources {
			sources = append(sources, strings.ToLower(s))
		}

		where.add("source IN (?)", sources)
	}

	if filter.ActiveOnly {
		where.add("active = 1")
	}

	var rows []unitRow
	if err := q.selectIn(ctx, &rows, `SELECT `+unitColumns+` FROM generation_units`+where.String()+
		` ORDER BY source, code`, where.args...); err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	units := make([]*GenerationUnit, 0, len(rows))
	for i := range rows {
		units = append(units, rows[i].toUnit())
	}

	return units, nil
}
