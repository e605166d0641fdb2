package store

import "time"

// Auth represents OAuth tokens for Strava API access
type Auth struct {
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Activity represents a stored activity. Units are already converted:
// distance in miles, speeds in mph, elevation in meters.
type Activity struct {
	ID                 int64     `db:"id"`
	Name               string    `db:"name"`
	Type               string    `db:"type"`
	StartDate          time.Time `db:"start_date"`
	Distance           float64   `db:"distance"`     // miles
	MovingTime         int       `db:"moving_time"`  // seconds
	ElapsedTime        int       `db:"elapsed_time"` // seconds
	TotalElevationGain float64   `db:"total_elevation_gain"`
	AverageSpeed       float64   `db:"average_speed"` // mph
	MaxSpeed           float64   `db:"max_speed"`     // mph

	// Power fields stay nil until streams have been processed
	FTP              *float64 `db:"ftp"`
	Best10mPower     *float64 `db:"best_10m_power"`
	Best20mPower     *float64 `db:"best_20m_power"`
	Best30mPower     *float64 `db:"best_30m_power"`
	Best45mPower     *float64 `db:"best_45m_power"`
	Best60mPower     *float64 `db:"best_60m_power"`
	MaxPower         *float64 `db:"max_power"`
	NormalizedPower  *float64 `db:"normalized_power"`
	IntensityFactor  *float64 `db:"intensity_factor"`
	VariabilityIndex *float64 `db:"variability_index"`
}

// ActivityPower is the power sub-record written after stream processing
type ActivityPower struct {
	FTP              float64
	Best10m          float64
	Best20m          float64
	Best30m          float64
	Best45m          float64
	Best60m          float64
	MaxPower         float64
	NormalizedPower  float64
	IntensityFactor  float64
	VariabilityIndex float64
}

// CandidateFilter narrows the activities an ingestor pass will visit
type CandidateFilter struct {
	NameContains string
	After        time.Time // zero means no floor
	Limit        int       // 0 means unlimited
}

// Segment represents a Strava segment, created the first time an effort on it is seen
type Segment struct {
	ID            int64
	Name          string
	ActivityType  string
	Distance      float64 // meters
	AverageGrade  float64
	MaximumGrade  float64
	ElevationHigh float64
	ElevationLow  float64
	StartLat      *float64
	StartLng      *float64
	EndLat        *float64
	EndLng        *float64
	ClimbCategory int
	City          string
	State         string
	Country       string
	Private       bool
	Hazardous     bool
}

// SegmentEffort is one traversal of a segment within an activity
type SegmentEffort struct {
	ID               int64
	ActivityID       int64
	SegmentID        int64
	ElapsedTime      int
	MovingTime       int
	StartDate        time.Time
	Distance         float64 // meters
	AverageWatts     *float64
	AverageHeartrate *float64
	MaxHeartrate     *float64
	KOMRank          *int
	PRRank           *int
}

// FTPRecord is an FTP value effective from Date onward
type FTPRecord struct {
	Date time.Time
	FTP  float64
}

// TrainingLoad is one day of the fitness/fatigue/form model
type TrainingLoad struct {
	Date               time.Time
	TSS                float64
	CTL                float64
	ATL                float64
	TSB                float64
	AvgNormalizedPower float64
	MaxDailyPower      float64
	PowerBalance       float64
	PowerTSS           float64
}

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
)

// Job records one top-level run
type Job struct {
	ID        string
	Type      string
	Status    JobStatus
	StartTime time.Time
	EndTime   *time.Time
	Success   *bool
	Message   string
	Progress  string
}

// dateLayout is the storage format for calendar dates
const dateLayout = "2006-01-02"
