package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CorrectionApplied reports whether a named correction has already been recorded
func (q *queries) CorrectionApplied(ctx context.Context, name string) (bool, error) {
	var applied int64

	err := q.get(ctx, &applied, `SELECT applied_at FROM applied_corrections WHERE name = ?`, name)

	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up correction %s: %w", name, err)
	}

	return true, nil
}

// RecordCorrection marks a named correction applied
func (q *queries) RecordCorrection(ctx context.Context, name string, rows int64, now time.Time) error {
	_, err := q.exec(ctx, `INSERT INTO applied_corrections (name, rows_affected, applied_at) VALUES (?, ?, ?)`,
		name, rows, toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to record correction %s: %w", name, err)
	}

	return nil
}
