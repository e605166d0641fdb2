package store

import (
	"context"
	"fmt"
	"time"
)

// EnsureSegment creates the segment if its id is not stored yet and reports
// whether it was created. Existing segments are left untouched.
func (w *Writer) EnsureSegment(ctx context.Context, s *Segment) (bool, error) {
	res, err := w.q.ExecContext(ctx, `
		INSERT INTO segments (
			id, name, activity_type, distance, average_grade, maximum_grade,
			elevation_high, elevation_low, start_lat, start_lng, end_lat, end_lng,
			climb_category, city, state, country, private, hazardous
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		s.ID, s.Name, s.ActivityType, s.Distance, s.AverageGrade, s.MaximumGrade,
		s.ElevationHigh, s.ElevationLow, s.StartLat, s.StartLng, s.EndLat, s.EndLng,
		s.ClimbCategory, s.City, s.State, s.Country, boolToInt(s.Private), boolToInt(s.Hazardous),
	)
	if err != nil {
		return false, fmt.Errorf("inserting segment %d: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertSegmentEffort stores one effort. Re-inserting a known effort id is a no-op.
func (w *Writer) InsertSegmentEffort(ctx context.Context, e *SegmentEffort) error {
	_, err := w.q.ExecContext(ctx, `
		INSERT INTO segment_efforts (
			id, activity_id, segment_id, elapsed_time, moving_time, start_date,
			distance, average_watts, average_heartrate, max_heartrate, kom_rank, pr_rank
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID, e.ActivityID, e.SegmentID, e.ElapsedTime, e.MovingTime,
		e.StartDate.UTC().Format(time.RFC3339), e.Distance,
		e.AverageWatts, e.AverageHeartrate, e.MaxHeartrate, e.KOMRank, e.PRRank,
	)
	if err != nil {
		return fmt.Errorf("inserting segment effort %d: %w", e.ID, err)
	}
	return nil
}

// GetSegment retrieves a segment by id
func (db *DB) GetSegment(ctx context.Context, id int64) (*Segment, error) {
	var s Segment
	var activityType, city, state, country *string
	var private, hazardous int
	err := db.QueryRowContext(ctx, `
		SELECT id, name, activity_type, distance, average_grade, maximum_grade,
			elevation_high, elevation_low, start_lat, start_lng, end_lat, end_lng,
			climb_category, city, state, country, private, hazardous
		FROM segments WHERE id = ?
	`, id).Scan(
		&s.ID, &s.Name, &activityType, &s.Distance, &s.AverageGrade, &s.MaximumGrade,
		&s.ElevationHigh, &s.ElevationLow, &s.StartLat, &s.StartLng, &s.EndLat, &s.EndLng,
		&s.ClimbCategory, &city, &state, &country, &private, &hazardous,
	)
	if err != nil {
		return nil, err
	}
	s.ActivityType = deref(activityType)
	s.City = deref(city)
	s.State = deref(state)
	s.Country = deref(country)
	s.Private = private == 1
	s.Hazardous = hazardous == 1
	return &s, nil
}

// SegmentEffortsForActivity returns the stored efforts of an activity in start order
func (db *DB) SegmentEffortsForActivity(ctx context.Context, activityID int64) ([]SegmentEffort, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, activity_id, segment_id, elapsed_time, moving_time, start_date,
			distance, average_watts, average_heartrate, max_heartrate, kom_rank, pr_rank
		FROM segment_efforts
		WHERE activity_id = ?
		ORDER BY start_date, id
	`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var efforts []SegmentEffort
	for rows.Next() {
		var e SegmentEffort
		var startDate string
		if err := rows.Scan(
			&e.ID, &e.ActivityID, &e.SegmentID, &e.ElapsedTime, &e.MovingTime, &startDate,
			&e.Distance, &e.AverageWatts, &e.AverageHeartrate, &e.MaxHeartrate, &e.KOMRank, &e.PRRank,
		); err != nil {
			return nil, err
		}
		if e.StartDate, err = time.Parse(time.RFC3339, startDate); err != nil {
			return nil, fmt.Errorf("parsing effort start_date %q: %w", startDate, err)
		}
		efforts = append(efforts, e)
	}
	return efforts, rows.Err()
}

// CountSegments returns the number of stored segments
func (db *DB) CountSegments(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`).Scan(&n)
	return n, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
