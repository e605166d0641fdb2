package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravapower/internal/errs"
)

type fakeTokens struct {
	mu     sync.Mutex
	forced int
	err    error
}

func (f *fakeTokens) AccessToken(ctx context.Context, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if force {
		f.forced++
	}
	return fmt.Sprintf("tok-%d", f.forced), nil
}

type testAPI struct {
	client *Client
	tokens *fakeTokens
	sleeps *sleepRecorder
	hits   *atomic.Int32
}

// newTestAPI passes the 1-based request number to handler
func newTestAPI(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) *testAPI {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		handler(n, w, r)
	}))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	tokens := &fakeTokens{}
	client := NewClient(tokens,
		WithBaseURL(srv.URL),
		WithRateLimiter(newTestLimiter(rec)),
		withSleep(rec.sleep),
	)
	return &testAPI{client: client, tokens: tokens, sleeps: rec, hits: hits}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Usage", "10,100")
	w.Header().Set("X-RateLimit-Limit", "100,1000")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetRefreshesTokenOn401(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Authorization Error"})
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, 2, api.tokens.forced)
	assert.EqualValues(t, 3, api.hits.Load())
	assert.Empty(t, api.sleeps.waits)
}

func TestGetGivesUpAfterMaxAuthRetries(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Authorization Error"})
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuth), "got %v", err)
	assert.EqualValues(t, 4, api.hits.Load(), "initial request plus three refreshes")
}

func TestGetTokenFailureIsAuthError(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	api.tokens.err = fmt.Errorf("no refresh token")

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	assert.True(t, errs.Is(err, errs.KindAuth))
	assert.EqualValues(t, 0, api.hits.Load())
}

func TestGetNotFoundDoesNotRetry(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Record Not Found"})
	})

	_, err := api.client.GetActivityStreams(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.EqualValues(t, 1, api.hits.Load())
}

func TestGet429HonoursResetHeader(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.Header().Set("X-RateLimit-Reset", "7")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Rate Limit Exceeded"})
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, api.sleeps.waits)
}

func TestGet429BacksOffThenFails(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Rate Limit Exceeded"})
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateLimit), "got %v", err)
	assert.EqualValues(t, 3, api.hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, api.sleeps.waits)
}

func TestGetTransientErrorsBackOff(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "bad gateway"})
			return
		}
		writeJSON(w, http.StatusOK, []any{map[string]any{"id": 1}})
	})

	records, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, api.sleeps.waits)
}

func TestGetTransientErrorsExhausted(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "oops"})
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	assert.True(t, errs.Is(err, errs.KindTransient), "got %v", err)
	assert.EqualValues(t, 3, api.hits.Load())
}

func TestGetRepeatsRequestAfterGatePause(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-RateLimit-Usage", "99,10")
			w.Header().Set("X-RateLimit-Limit", "100,1000")
			w.Header().Set("X-RateLimit-Reset", "60")
			_, _ = w.Write([]byte(`[]`))
			return
		}
		writeJSON(w, http.StatusOK, []any{map[string]any{"id": 5}})
	})

	records, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	require.NoError(t, err)
	assert.Len(t, records, 1, "result comes from the repeated request")
	assert.EqualValues(t, 2, api.hits.Load())
	assert.Equal(t, []time.Duration{60 * time.Second}, api.sleeps.waits)
}

func TestGetGateRetriesBounded(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Usage", "100,10")
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	assert.True(t, errs.Is(err, errs.KindRateLimit), "got %v", err)
	assert.EqualValues(t, DefaultRetryPolicy().GateRetries+1, api.hits.Load())
}

func TestGetMalformedBodyIsValidationError(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"`))
	})

	_, err := api.client.ListActivities(context.Background(), time.Time{}, 1, 200)
	assert.True(t, errs.Is(err, errs.KindValidation), "got %v", err)
}

func TestGetAllActivitiesPaginates(t *testing.T) {
	var seenAfter, seenPerPage string
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		seenAfter = r.URL.Query().Get("after")
		seenPerPage = r.URL.Query().Get("per_page")
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, http.StatusOK, []any{map[string]any{"id": 1}, map[string]any{"id": 2}})
		case "2":
			writeJSON(w, http.StatusOK, []any{map[string]any{"id": 3}})
		default:
			writeJSON(w, http.StatusOK, []any{})
		}
	})

	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var pages []int
	total := 0
	err := api.client.GetAllActivities(context.Background(), after, 200, func(page int, records []json.RawMessage) error {
		pages = append(pages, page)
		total += len(records)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, pages)
	assert.Equal(t, 3, total)
	assert.EqualValues(t, 3, api.hits.Load(), "stops at the first empty page")
	assert.Equal(t, fmt.Sprint(after.Unix()), seenAfter)
	assert.Equal(t, "200", seenPerPage)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, api.sleeps.waits)
}

func TestGetActivityStreams(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/42/streams", r.URL.Path)
		assert.Equal(t, StreamKeys, r.URL.Query().Get("keys"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"type":"time","data":[0,1,2],"series_type":"time","original_size":3,"resolution":"high"},
			{"type":"watts","data":[200,null,210],"series_type":"time","original_size":3,"resolution":"high"},
			{"type":"latlng","data":[[37.1,-122.1],[37.2,-122.2],[37.3,-122.3]],"series_type":"time"}
		]`))
	})

	s, err := api.client.GetActivityStreams(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, s["time"])
	assert.Equal(t, []float64{200, 0, 210}, s["watts"], "null samples become 0")
	assert.False(t, s.Has("latlng"))
	assert.Equal(t, 3, s.Len())
}

func TestDecodeStreamsKeyedByType(t *testing.T) {
	s, err := decodeStreams([]byte(`{"time":{"data":[0,1]},"watts":{"data":[150,160]}}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{150, 160}, s["watts"])

	_, err = decodeStreams([]byte(`"nope"`))
	assert.Error(t, err)
}

func TestGetSegmentEfforts(t *testing.T) {
	api := newTestAPI(t, func(n int, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": 9,
			"segment_efforts": [{
				"id": 100, "elapsed_time": 300, "moving_time": 295,
				"start_date": "2024-05-01T08:10:00Z", "distance": 1500.5,
				"average_watts": 280.4, "kom_rank": null, "pr_rank": 2,
				"segment": {"id": 555, "name": "Wall", "activity_type": "Ride", "distance": 1500,
					"average_grade": 8.1, "start_latlng": [37.1, -122.1], "end_latlng": [37.2, -122.2],
					"climb_category": 3, "city": "Woodside", "private": false, "hazardous": true}
			}]
		}`))
	})

	efforts, err := api.client.GetSegmentEfforts(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, efforts, 1)

	e := efforts[0]
	assert.Equal(t, int64(100), e.ID)
	require.NotNil(t, e.AverageWatts)
	assert.Equal(t, 280.4, *e.AverageWatts)
	assert.Nil(t, e.KOMRank)
	require.NotNil(t, e.PRRank)
	assert.Equal(t, 2, *e.PRRank)
	require.NotNil(t, e.Segment)
	assert.Equal(t, "Wall", e.Segment.Name)
	assert.True(t, e.Segment.Hazardous)
	assert.Equal(t, []float64{37.1, -122.1}, e.Segment.StartLatLng)
}
