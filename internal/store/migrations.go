package store

import "database/sql"

// migrate runs all database migrations
func migrate(db *sql.DB) error {
	migrations := []string{
		// Authentication (singleton row)
		`CREATE TABLE IF NOT EXISTS auth (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// Activities (summary data from /athlete/activities, power fields from streams)
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL,
			distance REAL NOT NULL,
			moving_time INTEGER NOT NULL,
			elapsed_time INTEGER NOT NULL,
			total_elevation_gain REAL NOT NULL DEFAULT 0,
			average_speed REAL NOT NULL DEFAULT 0,
			max_speed REAL NOT NULL DEFAULT 0,
			ftp REAL,
			best_10m_power REAL,
			best_20m_power REAL,
			best_30m_power REAL,
			best_45m_power REAL,
			best_60m_power REAL,
			max_power REAL,
			normalized_power REAL,
			intensity_factor REAL,
			variability_index REAL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_activities_start_date ON activities(start_date)`,

		// Segments (created lazily from the first effort seen)
		`CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			activity_type TEXT,
			distance REAL,
			average_grade REAL,
			maximum_grade REAL,
			elevation_high REAL,
			elevation_low REAL,
			start_lat REAL,
			start_lng REAL,
			end_lat REAL,
			end_lng REAL,
			climb_category INTEGER,
			city TEXT,
			state TEXT,
			country TEXT,
			private INTEGER NOT NULL DEFAULT 0,
			hazardous INTEGER NOT NULL DEFAULT 0,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS segment_efforts (
			id INTEGER PRIMARY KEY,
			activity_id INTEGER NOT NULL,
			segment_id INTEGER NOT NULL,
			elapsed_time INTEGER NOT NULL,
			moving_time INTEGER NOT NULL,
			start_date TEXT NOT NULL,
			distance REAL NOT NULL DEFAULT 0,
			average_watts REAL,
			average_heartrate REAL,
			max_heartrate REAL,
			kom_rank INTEGER,
			pr_rank INTEGER,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (activity_id) REFERENCES activities(id) ON DELETE CASCADE,
			FOREIGN KEY (segment_id) REFERENCES segments(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_segment_efforts_activity ON segment_efforts(activity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_segment_efforts_segment ON segment_efforts(segment_id)`,

		// FTP history (one value per effective date)
		`CREATE TABLE IF NOT EXISTS ftp_history (
			date TEXT PRIMARY KEY,
			ftp REAL NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// Daily training load
		`CREATE TABLE IF NOT EXISTS training_load (
			date TEXT PRIMARY KEY,
			tss REAL NOT NULL,
			ctl REAL NOT NULL,
			atl REAL NOT NULL,
			tsb REAL NOT NULL,
			avg_normalized_power REAL NOT NULL DEFAULT 0,
			max_daily_power REAL NOT NULL DEFAULT 0,
			power_balance REAL NOT NULL DEFAULT 1,
			power_tss REAL NOT NULL DEFAULT 0,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		// Jobs (one row per top-level run, never deleted)
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			success INTEGER,
			message TEXT NOT NULL DEFAULT '',
			progress TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_start_time ON jobs(start_time)`,

		// Sync State (key-value store for sync tracking)
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}
