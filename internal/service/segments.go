package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// SegmentResult counts the outcome of a segment pass
type SegmentResult struct {
	PassResult
	SegmentsCreated int
	EffortsInserted int
	InvalidEfforts  int
}

func (r SegmentResult) String() string {
	return fmt.Sprintf("%s; %d segments created, %d efforts stored, %d invalid efforts",
		r.PassResult, r.SegmentsCreated, r.EffortsInserted, r.InvalidEfforts)
}

// SegmentIngestor loads segment efforts for activities that have none
type SegmentIngestor struct {
	api      API
	db       *store.DB
	opts     Options
	log      zerolog.Logger
	progress ProgressFunc
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewSegmentIngestor creates a segment ingestor
func NewSegmentIngestor(api API, db *store.DB, opts Options, log zerolog.Logger) *SegmentIngestor {
	return &SegmentIngestor{api: api, db: db, opts: opts, log: log, sleep: sleepCtx}
}

// OnProgress sets the progress callback
func (s *SegmentIngestor) OnProgress(fn ProgressFunc) { s.progress = fn }

// LoadMissing fetches segment efforts for every activity without stored
// efforts, oldest first. Segments are created the first time they are seen.
// An activity whose fetch yields no valid efforts stays a candidate.
func (s *SegmentIngestor) LoadMissing(ctx context.Context, f store.CandidateFilter) (SegmentResult, error) {
	var res SegmentResult

	candidates, err := s.db.ActivitiesNeedingSegments(ctx, f)
	if err != nil {
		return res, errs.E(errs.KindPersistence, "segment candidates", err)
	}
	s.log.Info().Int("candidates", len(candidates)).Msg("loading segment efforts")

	// counts in the open transaction, moved to res on commit
	var pendingSegments, pendingEfforts int

	pass := &candidatePass{
		name:     "segments",
		batch:    s.db.NewBatch(s.opts.CommitEvery),
		throttle: s.opts.CandidateThrottle,
		sleep:    s.sleep,
		progress: s.progress,
		log:      s.log,
		onCommit: func() {
			res.SegmentsCreated += pendingSegments
			res.EffortsInserted += pendingEfforts
			pendingSegments, pendingEfforts = 0, 0
		},
		onRollback: func() {
			pendingSegments, pendingEfforts = 0, 0
		},
	}

	pr, err := pass.run(ctx, candidates, func(ctx context.Context, a store.Activity) error {
		efforts, err := s.api.GetSegmentEfforts(ctx, a.ID)
		if err != nil {
			return err
		}

		var segments []store.Segment
		var rows []store.SegmentEffort
		for _, e := range efforts {
			seg, row, err := convertEffort(a.ID, e)
			if err != nil {
				res.InvalidEfforts++
				s.log.Warn().Err(err).Int64("activity_id", a.ID).Int64("effort_id", e.ID).Msg("skipping effort")
				continue
			}
			segments = append(segments, seg)
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return errs.Errorf(errs.KindValidation, "segments", "activity %d has no valid segment efforts", a.ID)
		}

		var created int
		err = pass.write(ctx, func(w *store.Writer) error {
			created = 0
			for i := range rows {
				ok, err := w.EnsureSegment(ctx, &segments[i])
				if err != nil {
					return err
				}
				if ok {
					created++
				}
				if err := w.InsertSegmentEffort(ctx, &rows[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		// write commits once the batch fills
		if pass.batch.Pending() == 0 {
			res.SegmentsCreated += created
			res.EffortsInserted += len(rows)
		} else {
			pendingSegments += created
			pendingEfforts += len(rows)
		}
		return nil
	})
	res.PassResult = pr

	s.log.Info().Str("result", res.String()).Msg("segment efforts loaded")
	return res, err
}

// convertEffort maps one API effort to its segment and effort rows
func convertEffort(activityID int64, e strava.SegmentEffort) (store.Segment, store.SegmentEffort, error) {
	const op = "convert effort"

	if e.Segment == nil || e.Segment.ID == 0 {
		return store.Segment{}, store.SegmentEffort{}, errs.Errorf(errs.KindValidation, op, "effort %d has no segment", e.ID)
	}
	start, err := time.Parse(strava.StartDateLayout, e.StartDate)
	if err != nil {
		return store.Segment{}, store.SegmentEffort{}, errs.E(errs.KindValidation, op, fmt.Errorf("effort %d: %w", e.ID, err))
	}

	ss := e.Segment
	seg := store.Segment{
		ID:            ss.ID,
		Name:          ss.Name,
		ActivityType:  ss.ActivityType,
		Distance:      ss.Distance,
		AverageGrade:  ss.AverageGrade,
		MaximumGrade:  ss.MaximumGrade,
		ElevationHigh: ss.ElevationHigh,
		ElevationLow:  ss.ElevationLow,
		ClimbCategory: ss.ClimbCategory,
		City:          ss.City,
		State:         ss.State,
		Country:       ss.Country,
		Private:       ss.Private,
		Hazardous:     ss.Hazardous,
	}
	seg.StartLat, seg.StartLng = latLng(ss.StartLatLng)
	seg.EndLat, seg.EndLng = latLng(ss.EndLatLng)

	row := store.SegmentEffort{
		ID:               e.ID,
		ActivityID:       activityID,
		SegmentID:        ss.ID,
		ElapsedTime:      e.ElapsedTime,
		MovingTime:       e.MovingTime,
		StartDate:        start.UTC(),
		Distance:         e.Distance,
		AverageWatts:     e.AverageWatts,
		AverageHeartrate: e.AverageHeartrate,
		MaxHeartrate:     e.MaxHeartrate,
		KOMRank:          e.KOMRank,
		PRRank:           e.PRRank,
	}
	return seg, row, nil
}

func latLng(v []float64) (lat, lng *float64) {
	if len(v) != 2 {
		return nil, nil
	}
	return &v[0], &v[1]
}
