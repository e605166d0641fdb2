package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravapower/internal/analysis"
	"stravapower/internal/store"
)

func seedPoweredRides(t *testing.T, db *store.DB) {
	t.Helper()
	ctx := context.Background()
	seedActivities(t, db,
		ride(1, "Tempo", day("2024-05-01").Add(7*time.Hour)),
		ride(2, "Recovery", day("2024-05-01").Add(18*time.Hour)),
		ride(3, "Long", day("2024-05-03").Add(8*time.Hour)),
		ride(4, "No power", day("2024-05-04").Add(8*time.Hour)),
	)
	w := db.Writer()
	require.NoError(t, w.UpdateActivityPower(ctx, 1, store.ActivityPower{FTP: 250, NormalizedPower: 250, MaxPower: 600}))
	require.NoError(t, w.UpdateActivityPower(ctx, 2, store.ActivityPower{FTP: 250, NormalizedPower: 150, MaxPower: 300}))
	require.NoError(t, w.UpdateActivityPower(ctx, 3, store.ActivityPower{FTP: 250, NormalizedPower: 200, MaxPower: 450}))
}

func TestTrainingLoadSync(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedPoweredRides(t, db)
	require.NoError(t, db.SetFTP(ctx, day("2024-01-01"), 250))

	svc := NewTrainingLoadService(db, analysis.DefaultParams(), zerolog.Nop())

	res, err := svc.Sync(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Activities)
	assert.Equal(t, 3, res.Days)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	require.NotNil(t, res.Latest)
	assert.Equal(t, day("2024-05-04"), res.Latest.Date)

	rows, err := db.ListTrainingLoad(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, day("2024-05-01"), rows[0].Date)
	assert.InDelta(t, 100+36, rows[0].TSS, 0.01, "one hour at FTP plus one hour at 0.6")
	assert.Equal(t, 600.0, rows[0].MaxDailyPower)
	assert.Greater(t, rows[1].CTL, 0.0)
	assert.InDelta(t, rows[2].CTL-rows[2].ATL, rows[2].TSB, 0.01)

	again, err := svc.Sync(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 3, again.Updated)

	rows2, err := db.ListTrainingLoad(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, rows, rows2, "recomputing is idempotent")
}

func TestTrainingLoadSyncEmpty(t *testing.T) {
	db := setupTestDB(t)

	res, err := NewTrainingLoadService(db, analysis.DefaultParams(), zerolog.Nop()).Sync(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Days)
	assert.Nil(t, res.Latest)
}

func TestImportFTP(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	records, err := analysis.ParseFTPCSV(strings.NewReader("240 W,01-Jan-24\n255,2024-03-01\n"))
	require.NoError(t, err)

	n, err := ImportFTP(ctx, db, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ImportFTP(ctx, db, []store.FTPRecord{{Date: day("2024-03-01"), FTP: 260}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := db.FTPHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 260.0, history[1].FTP, "same date replaces the value")
}
