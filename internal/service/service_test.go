package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// fakeAPI serves canned pages, streams and efforts and records calls
type fakeAPI struct {
	pages     [][]json.RawMessage
	pageErr   error
	streams   map[int64]strava.Streams
	streamErr map[int64]error
	efforts   map[int64][]strava.SegmentEffort
	effortErr map[int64]error
	usage     strava.Usage

	after       time.Time
	perPage     int
	streamCalls []int64
	effortCalls []int64
}

func (f *fakeAPI) GetAllActivities(ctx context.Context, after time.Time, perPage int, onPage func(page int, records []json.RawMessage) error) error {
	f.after, f.perPage = after, perPage
	for i, p := range f.pages {
		if err := onPage(i+1, p); err != nil {
			return err
		}
	}
	return f.pageErr
}

func (f *fakeAPI) GetActivityStreams(ctx context.Context, id int64) (strava.Streams, error) {
	f.streamCalls = append(f.streamCalls, id)
	if err := f.streamErr[id]; err != nil {
		return nil, err
	}
	return f.streams[id], nil
}

func (f *fakeAPI) GetSegmentEfforts(ctx context.Context, id int64) ([]strava.SegmentEffort, error) {
	f.effortCalls = append(f.effortCalls, id)
	if err := f.effortErr[id]; err != nil {
		return nil, err
	}
	return f.efforts[id], nil
}

func (f *fakeAPI) APIUsage() strava.Usage { return f.usage }

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CandidateThrottle = 0
	return opts
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func seedActivities(t *testing.T, db *store.DB, acts ...store.Activity) {
	t.Helper()
	_, err := db.Writer().InsertActivities(context.Background(), acts)
	require.NoError(t, err)
}

func ride(id int64, name string, start time.Time) store.Activity {
	return store.Activity{
		ID:           id,
		Name:         name,
		Type:         "Ride",
		StartDate:    start,
		Distance:     20,
		MovingTime:   3600,
		ElapsedTime:  3700,
		AverageSpeed: 18,
		MaxSpeed:     30,
	}
}

// constantStreams returns n seconds of steady power
func constantStreams(n int, watts float64) strava.Streams {
	power := make([]float64, n)
	times := make([]float64, n)
	for i := range n {
		power[i] = watts
		times[i] = float64(i)
	}
	return strava.Streams{"watts": power, "time": times}
}

func newPass(db *store.DB, commitEvery int) *candidatePass {
	return &candidatePass{
		name:  "test",
		batch: db.NewBatch(commitEvery),
		sleep: noSleep,
		log:   zerolog.Nop(),
	}
}

func TestCandidatePassClassifiesFailures(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	candidates := []store.Activity{
		{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}, {ID: 5},
	}
	outcomes := map[int64]error{
		2: errSkip,
		3: errs.E(errs.KindNotFound, "get", errors.New("404")),
		4: errs.Errorf(errs.KindValidation, "check", "bad data"),
		5: errs.E(errs.KindTransient, "get", errors.New("502")),
	}

	var notes []string
	pass := newPass(db, 5)
	pass.progress = func(ctx context.Context, msg string) { notes = append(notes, msg) }

	res, err := pass.run(ctx, candidates, func(ctx context.Context, a store.Activity) error {
		return outcomes[a.ID]
	})
	require.NoError(t, err)

	assert.Equal(t, PassResult{Candidates: 5, Updated: 1, Skipped: 2, NotFound: 1, Errors: 1}, res)
	require.NotEmpty(t, notes)
	assert.Equal(t, "processing 5 activities", notes[0])
	assert.Equal(t, res.String(), notes[len(notes)-1])
}

func TestCandidatePassAuthAbortsAfterCommitting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedActivities(t, db, ride(1, "a", day("2024-05-01")), ride(2, "b", day("2024-05-02")), ride(3, "c", day("2024-05-03")))

	pass := newPass(db, 5)
	var seen []int64
	res, err := pass.run(ctx, []store.Activity{{ID: 1}, {ID: 2}, {ID: 3}}, func(ctx context.Context, a store.Activity) error {
		seen = append(seen, a.ID)
		if a.ID == 2 {
			return errs.Errorf(errs.KindAuth, "token", "refresh rejected")
		}
		return pass.write(ctx, func(w *store.Writer) error {
			return w.UpdateActivityPower(ctx, a.ID, store.ActivityPower{FTP: 200, NormalizedPower: 180})
		})
	})

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuth))
	assert.Equal(t, []int64{1, 2}, seen)
	assert.Equal(t, 1, res.Updated)

	a, err := db.GetActivity(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, a.NormalizedPower, "work before the auth failure is committed")
	assert.Equal(t, 180.0, *a.NormalizedPower)
}

func TestCandidatePassAuthAbortCountsFailedCommit(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE activities SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	ctx := context.Background()
	pass := newPass(&store.DB{DB: sqlDB}, 5)
	rollbacks := 0
	pass.onRollback = func() { rollbacks++ }

	res, err := pass.run(ctx, []store.Activity{{ID: 1}, {ID: 2}}, func(ctx context.Context, a store.Activity) error {
		if a.ID == 2 {
			return errs.Errorf(errs.KindAuth, "token", "refresh rejected")
		}
		return pass.write(ctx, func(w *store.Writer) error {
			return w.UpdateActivityPower(ctx, a.ID, store.ActivityPower{FTP: 200, NormalizedPower: 180})
		})
	})

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuth))
	assert.Equal(t, PassResult{Candidates: 2, Updated: 0, Errors: 1}, res)
	assert.Equal(t, 1, rollbacks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidatePassThrottle(t *testing.T) {
	db := setupTestDB(t)

	var waits []time.Duration
	pass := newPass(db, 5)
	pass.throttle = time.Second
	pass.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := pass.run(context.Background(), []store.Activity{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}, func(ctx context.Context, a store.Activity) error {
		if a.ID == 2 {
			return errSkip
		}
		return nil
	})
	require.NoError(t, err)

	// no pause after a skip or after the last candidate
	assert.Equal(t, []time.Duration{time.Second, time.Second}, waits)
}

func TestCandidatePassCancelled(t *testing.T) {
	db := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	res, err := newPass(db, 5).run(ctx, []store.Activity{{ID: 1}}, func(ctx context.Context, a store.Activity) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 0, res.Updated)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
