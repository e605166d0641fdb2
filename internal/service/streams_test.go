package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

func newStreamIngestor(api API, db *store.DB) *StreamIngestor {
	ing := NewStreamIngestor(api, db, testOptions(), zerolog.Nop())
	ing.sleep = noSleep
	return ing
}

func TestPowerFromStreams(t *testing.T) {
	p, err := PowerFromStreams(constantStreams(3600, 250), 200)
	require.NoError(t, err)

	assert.Equal(t, 200.0, p.FTP)
	assert.InDelta(t, 250, p.Best10m, 1e-9)
	assert.InDelta(t, 250, p.Best20m, 1e-9)
	assert.InDelta(t, 250, p.MaxPower, 1e-9)
	assert.InDelta(t, 250, p.NormalizedPower, 1e-6)
	assert.InDelta(t, 1.25, p.IntensityFactor, 1e-6)
	assert.InDelta(t, 1.0, p.VariabilityIndex, 1e-6)
}

func TestPowerFromStreamsRejectsUnusableData(t *testing.T) {
	tests := []struct {
		name    string
		streams strava.Streams
	}{
		{"no watts", strava.Streams{"time": {0, 1, 2}}},
		{"no time", strava.Streams{"watts": {100, 110, 120}}},
		{"length mismatch", strava.Streams{"watts": {100, 110}, "time": {0, 1, 2}}},
		{"all zero", strava.Streams{"watts": {0, 0, 0}, "time": {0, 1, 2}}},
		{"empty", strava.Streams{}},
		{"no usable time", strava.Streams{"watts": {100, 110}, "time": {-1, -2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PowerFromStreams(tt.streams, 200)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errs.Is(err, errs.KindValidation))
		})
	}
}

func TestStreamIngestorLoadMissing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedActivities(t, db,
		ride(1, "Threshold", day("2024-05-10").Add(7*time.Hour)),
		ride(2, "Old", day("2012-06-01")),
		ride(3, "Deleted", day("2024-05-08")),
		ride(4, "No meter", day("2024-05-06")),
		ride(5, "Early season", day("2023-12-20")),
	)
	require.NoError(t, db.SetFTP(ctx, day("2024-01-01"), 250))

	api := &fakeAPI{
		streams: map[int64]strava.Streams{
			1: constantStreams(1800, 300),
			4: {"time": {0, 1, 2}, "heartrate": {120, 121, 122}},
			5: constantStreams(1200, 180),
		},
		streamErr: map[int64]error{
			3: errs.E(errs.KindNotFound, "get streams", errors.New("404")),
		},
	}

	res, err := newStreamIngestor(api, db).LoadMissing(ctx, store.CandidateFilter{})
	require.NoError(t, err)

	assert.Equal(t, PassResult{Candidates: 5, Updated: 2, Skipped: 2, NotFound: 1}, res)
	assert.Equal(t, []int64{1, 3, 4, 5}, api.streamCalls, "newest first, pre-cutoff never fetched")

	a, err := db.GetActivity(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, a.NormalizedPower)
	require.NotNil(t, a.FTP)
	assert.Equal(t, 250.0, *a.FTP)
	assert.InDelta(t, 300, *a.NormalizedPower, 1e-6)
	assert.InDelta(t, 1.2, *a.IntensityFactor, 1e-6)
	require.NotNil(t, a.Best20mPower)
	assert.InDelta(t, 300, *a.Best20mPower, 1e-9)

	// before the first FTP record the default applies
	e, err := db.GetActivity(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, e.FTP)
	assert.Equal(t, 200.0, *e.FTP)

	left, err := db.ActivitiesNeedingPower(ctx, store.CandidateFilter{})
	require.NoError(t, err)
	var ids []int64
	for _, a := range left {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []int64{3, 4, 2}, ids, "failed and skipped activities stay candidates")
}

func TestStreamIngestorFilter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedActivities(t, db,
		ride(1, "Morning Ride", day("2024-05-10")),
		ride(2, "Evening Run", day("2024-05-09")),
		ride(3, "Lunch Ride", day("2024-05-08")),
	)
	api := &fakeAPI{streams: map[int64]strava.Streams{
		1: constantStreams(600, 200),
		3: constantStreams(600, 200),
	}}

	res, err := newStreamIngestor(api, db).LoadMissing(ctx, store.CandidateFilter{NameContains: "Ride", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, []int64{1}, api.streamCalls)
}

func TestStreamIngestorCommitsInBatches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	api := &fakeAPI{streams: map[int64]strava.Streams{}}
	for i := int64(1); i <= 7; i++ {
		seedActivities(t, db, ride(i, "Ride", day("2024-05-01").AddDate(0, 0, int(i))))
		api.streams[i] = constantStreams(600, 150)
	}

	ing := newStreamIngestor(api, db)
	var notes []string
	ing.OnProgress(func(ctx context.Context, msg string) { notes = append(notes, msg) })

	res, err := ing.LoadMissing(ctx, store.CandidateFilter{})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Updated)

	// start, one note at the commit after five, final summary
	assert.Equal(t, []string{
		"processing 7 activities",
		"5/7 activities: 5 updated",
		res.String(),
	}, notes)

	left, err := db.ActivitiesNeedingPower(ctx, store.CandidateFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}
