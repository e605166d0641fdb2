package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// ActivityResult counts the outcome of an activity pass
type ActivityResult struct {
	After    time.Time // effective floor
	Pages    int
	Fetched  int
	Inserted int
	Existing int
	Invalid  int
	Failed   int // records lost to a rolled back page
}

func (r ActivityResult) String() string {
	return fmt.Sprintf("%d fetched: %d new, %d existing, %d invalid, %d failed",
		r.Fetched, r.Inserted, r.Existing, r.Invalid, r.Failed)
}

// ActivityIngestor loads activity summaries that are not stored yet
type ActivityIngestor struct {
	api      API
	db       *store.DB
	opts     Options
	log      zerolog.Logger
	progress ProgressFunc
	now      func() time.Time
}

// NewActivityIngestor creates an activity ingestor
func NewActivityIngestor(api API, db *store.DB, opts Options, log zerolog.Logger) *ActivityIngestor {
	return &ActivityIngestor{api: api, db: db, opts: opts, log: log, now: time.Now}
}

// OnProgress sets the progress callback
func (s *ActivityIngestor) OnProgress(fn ProgressFunc) { s.progress = fn }

// Load pages through every activity started after 'after' and inserts the
// ones whose id is not stored yet. A zero 'after' resumes from the last
// successful pass. Each page is written in its own transaction.
func (s *ActivityIngestor) Load(ctx context.Context, after time.Time) (*ActivityResult, error) {
	started := s.now().UTC()

	if after.IsZero() {
		last, err := s.db.LastActivitySync(ctx)
		if err != nil {
			return nil, errs.E(errs.KindPersistence, "load activities", err)
		}
		after = last
	}
	res := &ActivityResult{After: after}

	known, err := s.db.ActivityIDs(ctx)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, "load activities", err)
	}
	s.log.Info().Time("after", after).Int("known", len(known)).Msg("loading activities")

	batch := s.db.NewBatch(1)
	perPage := s.opts.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}

	err = s.api.GetAllActivities(ctx, after, perPage, func(page int, records []json.RawMessage) error {
		res.Pages++
		res.Fetched += len(records)

		var fresh []store.Activity
		for _, raw := range records {
			a, err := convertActivity(raw)
			if err != nil {
				res.Invalid++
				s.log.Warn().Err(err).Int("page", page).Msg("skipping activity")
				continue
			}
			if _, ok := known[a.ID]; ok {
				res.Existing++
				continue
			}
			known[a.ID] = struct{}{}
			fresh = append(fresh, a)
		}

		if len(fresh) > 0 {
			var n int
			err := batch.Do(ctx, func(w *store.Writer) error {
				var err error
				n, err = w.InsertActivities(ctx, fresh)
				return err
			})
			if err != nil {
				res.Failed += len(fresh)
				for _, a := range fresh {
					delete(known, a.ID)
				}
				s.log.Error().Err(err).Int("page", page).Int("records", len(fresh)).Msg("page rolled back")
			} else {
				res.Inserted += n
				res.Existing += len(fresh) - n
			}
		}

		if s.progress != nil {
			s.progress(ctx, fmt.Sprintf("page %d: %s", page, res))
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	// A failed page must be fetched again next time
	if res.Failed == 0 {
		if err := s.db.SetSyncState(ctx, store.KeyLastActivitySync, started.Format(time.RFC3339)); err != nil {
			s.log.Warn().Err(err).Msg("could not record sync time")
		}
	}

	s.log.Info().Str("result", res.String()).Msg("activities loaded")
	return res, nil
}

// convertActivity decodes one summary and converts it to stored units.
// Missing numeric fields become 0; an unparsable start date is an error.
func convertActivity(raw json.RawMessage) (store.Activity, error) {
	const op = "convert activity"

	var a strava.ActivitySummary
	if err := json.Unmarshal(raw, &a); err != nil {
		return store.Activity{}, errs.E(errs.KindValidation, op, err)
	}
	if a.ID <= 0 {
		return store.Activity{}, errs.Errorf(errs.KindValidation, op, "missing id")
	}

	start, err := time.Parse(strava.StartDateLayout, a.StartDate)
	if err != nil {
		return store.Activity{}, errs.E(errs.KindValidation, op, fmt.Errorf("activity %d: %w", a.ID, err))
	}

	typ := a.SportType
	if typ == "" {
		typ = a.Type
	}

	return store.Activity{
		ID:                 a.ID,
		Name:               a.Name,
		Type:               typ,
		StartDate:          start.UTC(),
		Distance:           floatOr0(a.Distance) * MilesPerMeter,
		MovingTime:         intOr0(a.MovingTime),
		ElapsedTime:        intOr0(a.ElapsedTime),
		TotalElevationGain: floatOr0(a.TotalElevationGain),
		AverageSpeed:       floatOr0(a.AverageSpeed) * MPHPerMPS,
		MaxSpeed:           floatOr0(a.MaxSpeed) * MPHPerMPS,
	}, nil
}

func floatOr0(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func intOr0(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
