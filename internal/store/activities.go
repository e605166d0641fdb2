package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const activityColumns = `id, name, type, start_date, distance, moving_time, elapsed_time,
	total_elevation_gain, average_speed, max_speed,
	ftp, best_10m_power, best_20m_power, best_30m_power, best_45m_power, best_60m_power,
	max_power, normalized_power, intensity_factor, variability_index`

// InsertActivity inserts an activity unless its id is already stored.
// It reports whether a row was written.
func (w *Writer) InsertActivity(ctx context.Context, a *Activity) (bool, error) {
	res, err := w.q.ExecContext(ctx, `
		INSERT INTO activities (
			id, name, type, start_date, distance, moving_time, elapsed_time,
			total_elevation_gain, average_speed, max_speed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID, a.Name, a.Type, a.StartDate.UTC().Format(time.RFC3339),
		a.Distance, a.MovingTime, a.ElapsedTime,
		a.TotalElevationGain, a.AverageSpeed, a.MaxSpeed,
	)
	if err != nil {
		return false, fmt.Errorf("inserting activity %d: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertActivities inserts each activity and returns how many were new
func (w *Writer) InsertActivities(ctx context.Context, activities []Activity) (int, error) {
	inserted := 0
	for i := range activities {
		ok, err := w.InsertActivity(ctx, &activities[i])
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// UpdateActivityPower writes the power sub-record for an activity
func (w *Writer) UpdateActivityPower(ctx context.Context, id int64, p ActivityPower) error {
	result, err := w.q.ExecContext(ctx, `
		UPDATE activities SET
			ftp = ?,
			best_10m_power = ?,
			best_20m_power = ?,
			best_30m_power = ?,
			best_45m_power = ?,
			best_60m_power = ?,
			max_power = ?,
			normalized_power = ?,
			intensity_factor = ?,
			variability_index = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		p.FTP, p.Best10m, p.Best20m, p.Best30m, p.Best45m, p.Best60m,
		p.MaxPower, p.NormalizedPower, p.IntensityFactor, p.VariabilityIndex, id,
	)
	if err != nil {
		return fmt.Errorf("updating power for activity %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrActivityNotFound
	}
	return nil
}

// ActivityIDs returns the set of stored activity ids
func (db *DB) ActivityIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM activities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// GetActivity retrieves an activity by ID
func (db *DB) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities, err := scanActivities(rows)
	if err != nil {
		return nil, err
	}
	if len(activities) == 0 {
		return nil, ErrActivityNotFound
	}
	return &activities[0], nil
}

// ListActivities returns activities ordered by start date descending
func (db *DB) ListActivities(ctx context.Context, limit, offset int) ([]Activity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		ORDER BY start_date DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanActivities(rows)
}

// ActivitiesNeedingPower returns activities whose power metrics have not been
// computed, newest first
func (db *DB) ActivitiesNeedingPower(ctx context.Context, f CandidateFilter) ([]Activity, error) {
	where := []string{"(normalized_power IS NULL OR (best_10m_power IS NULL AND moving_time > 0))"}
	return db.candidates(ctx, where, f, "start_date DESC")
}

// ActivitiesNeedingSegments returns activities with no stored segment
// efforts, oldest first
func (db *DB) ActivitiesNeedingSegments(ctx context.Context, f CandidateFilter) ([]Activity, error) {
	where := []string{"NOT EXISTS (SELECT 1 FROM segment_efforts e WHERE e.activity_id = activities.id)"}
	return db.candidates(ctx, where, f, "start_date ASC")
}

// ActivitiesSince returns activities starting at or after since in
// chronological order. A zero since returns everything.
func (db *DB) ActivitiesSince(ctx context.Context, since time.Time) ([]Activity, error) {
	return db.candidates(ctx, nil, CandidateFilter{After: since}, "start_date ASC")
}

func (db *DB) candidates(ctx context.Context, where []string, f CandidateFilter, order string) ([]Activity, error) {
	var args []any
	if f.NameContains != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.NameContains+"%")
	}
	if !f.After.IsZero() {
		where = append(where, "start_date >= ?")
		args = append(args, f.After.UTC().Format(time.RFC3339))
	}

	query := `SELECT ` + activityColumns + ` FROM activities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	return scanActivities(rows)
}

// CountActivities returns the total number of activities
func (db *DB) CountActivities(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activities").Scan(&count)
	return count, err
}

// scanActivities scans multiple activities from rows
func scanActivities(rows *sql.Rows) ([]Activity, error) {
	var activities []Activity

	for rows.Next() {
		var a Activity
		var startDate string

		err := rows.Scan(
			&a.ID, &a.Name, &a.Type, &startDate, &a.Distance, &a.MovingTime, &a.ElapsedTime,
			&a.TotalElevationGain, &a.AverageSpeed, &a.MaxSpeed,
			&a.FTP, &a.Best10mPower, &a.Best20mPower, &a.Best30mPower, &a.Best45mPower, &a.Best60mPower,
			&a.MaxPower, &a.NormalizedPower, &a.IntensityFactor, &a.VariabilityIndex,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActivityNotFound
		}
		if err != nil {
			return nil, err
		}

		a.StartDate, err = time.Parse(time.RFC3339, startDate)
		if err != nil {
			return nil, fmt.Errorf("parsing start_date %q: %w", startDate, err)
		}

		activities = append(activities, a)
	}

	return activities, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
