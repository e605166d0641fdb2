package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveJob inserts or replaces the job row
func (db *DB) SaveJob(ctx context.Context, j *Job) error {
	var endTime *string
	if j.EndTime != nil {
		s := j.EndTime.UTC().Format(time.RFC3339)
		endTime = &s
	}
	var success *int
	if j.Success != nil {
		v := boolToInt(*j.Success)
		success = &v
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, start_time, end_time, success, message, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			success = excluded.success,
			message = excluded.message,
			progress = excluded.progress
	`, j.ID, j.Type, string(j.Status), j.StartTime.UTC().Format(time.RFC3339), endTime, success, j.Message, j.Progress)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, type, status, start_time, end_time, success, message, progress
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// ListJobs returns the most recent jobs first
func (db *DB) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, type, status, start_time, end_time, success, message, progress
		FROM jobs
		ORDER BY start_time DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status, startTime string
	var endTime sql.NullString
	var success sql.NullInt64

	if err := row.Scan(&j.ID, &j.Type, &status, &startTime, &endTime, &success, &j.Message, &j.Progress); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)

	var err error
	if j.StartTime, err = time.Parse(time.RFC3339, startTime); err != nil {
		return nil, fmt.Errorf("parsing job start_time %q: %w", startTime, err)
	}
	if endTime.Valid {
		t, err := time.Parse(time.RFC3339, endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing job end_time %q: %w", endTime.String, err)
		}
		j.EndTime = &t
	}
	if success.Valid {
		ok := success.Int64 == 1
		j.Success = &ok
	}
	return &j, nil
}
