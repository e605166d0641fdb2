package service

import "time"

const (
	// Unit conversions
	MilesPerMeter = 0.000621371
	MPHPerMPS     = 2.23694

	// Candidate passes commit every this many processed activities
	DefaultCommitEvery = 5

	// Activity list page size
	DefaultPerPage = 200

	// The streams endpoint is unreliable for activities before this year
	DefaultStreamCutoffYear = 2013

	// Pause between candidates that hit the API
	DefaultCandidateThrottle = time.Second
)
