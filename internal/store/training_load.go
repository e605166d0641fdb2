package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertTrainingLoad updates the row for the record's date, inserting it when
// absent. It reports whether a new row was inserted.
func (w *Writer) UpsertTrainingLoad(ctx context.Context, t *TrainingLoad) (inserted bool, err error) {
	date := t.Date.UTC().Format(dateLayout)

	res, err := w.q.ExecContext(ctx, `
		UPDATE training_load SET
			tss = ?, ctl = ?, atl = ?, tsb = ?,
			avg_normalized_power = ?, max_daily_power = ?, power_balance = ?, power_tss = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE date = ?
	`, t.TSS, t.CTL, t.ATL, t.TSB, t.AvgNormalizedPower, t.MaxDailyPower, t.PowerBalance, t.PowerTSS, date)
	if err != nil {
		return false, fmt.Errorf("updating training load %s: %w", date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	_, err = w.q.ExecContext(ctx, `
		INSERT INTO training_load (
			date, tss, ctl, atl, tsb, avg_normalized_power, max_daily_power, power_balance, power_tss
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, date, t.TSS, t.CTL, t.ATL, t.TSB, t.AvgNormalizedPower, t.MaxDailyPower, t.PowerBalance, t.PowerTSS)
	if err != nil {
		return false, fmt.Errorf("inserting training load %s: %w", date, err)
	}
	return true, nil
}

// ListTrainingLoad returns daily records from since onward in date order.
// limit <= 0 returns all of them.
func (db *DB) ListTrainingLoad(ctx context.Context, since time.Time, limit int) ([]TrainingLoad, error) {
	query := `
		SELECT date, tss, ctl, atl, tsb, avg_normalized_power, max_daily_power, power_balance, power_tss
		FROM training_load
		WHERE date >= ?
		ORDER BY date`
	args := []any{since.UTC().Format(dateLayout)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrainingLoad
	for rows.Next() {
		var t TrainingLoad
		var date string
		if err := rows.Scan(&date, &t.TSS, &t.CTL, &t.ATL, &t.TSB,
			&t.AvgNormalizedPower, &t.MaxDailyPower, &t.PowerBalance, &t.PowerTSS); err != nil {
			return nil, err
		}
		if t.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing training load date %q: %w", date, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestTrainingLoad returns the most recent daily record, or nil if none exist
func (db *DB) LatestTrainingLoad(ctx context.Context) (*TrainingLoad, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT date, tss, ctl, atl, tsb, avg_normalized_power, max_daily_power, power_balance, power_tss
		FROM training_load
		ORDER BY date DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var t TrainingLoad
	var date string
	if err := rows.Scan(&date, &t.TSS, &t.CTL, &t.ATL, &t.TSB,
		&t.AvgNormalizedPower, &t.MaxDailyPower, &t.PowerBalance, &t.PowerTSS); err != nil {
		return nil, err
	}
	if t.Date, err = time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("parsing training load date %q: %w", date, err)
	}
	return &t, nil
}
