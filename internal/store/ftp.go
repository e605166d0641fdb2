package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetFTP records the FTP effective from date, replacing any value for that day
func (db *DB) SetFTP(ctx context.Context, date time.Time, ftp float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ftp_history (date, ftp, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(date) DO UPDATE SET
			ftp = excluded.ftp,
			updated_at = CURRENT_TIMESTAMP
	`, date.UTC().Format(dateLayout), ftp)
	if err != nil {
		return fmt.Errorf("saving ftp for %s: %w", date.Format(dateLayout), err)
	}
	return nil
}

// FTPHistory returns every FTP record in date order
func (db *DB) FTPHistory(ctx context.Context) ([]FTPRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT date, ftp FROM ftp_history ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FTPRecord
	for rows.Next() {
		var r FTPRecord
		var date string
		if err := rows.Scan(&date, &r.FTP); err != nil {
			return nil, err
		}
		if r.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing ftp date %q: %w", date, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FTPAt returns the most recent FTP recorded on or before date.
// ok is false when no record qualifies.
func (db *DB) FTPAt(ctx context.Context, date time.Time) (ftp float64, ok bool, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT ftp FROM ftp_history
		WHERE date <= ?
		ORDER BY date DESC
		LIMIT 1
	`, date.UTC().Format(dateLayout)).Scan(&ftp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ftp, true, nil
}
