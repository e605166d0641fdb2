package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/analysis"
	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// SyncService orchestrates syncing data from Strava
type SyncService struct {
	api    API
	store  *store.DB
	jobs   *JobTracker
	opts   Options
	params analysis.Params
	log    zerolog.Logger
}

// NewSyncService creates a new sync service
func NewSyncService(api API, db *store.DB, jobs *JobTracker, opts Options, params analysis.Params, log zerolog.Logger) *SyncService {
	return &SyncService{
		api:    api,
		store:  db,
		jobs:   jobs,
		opts:   opts,
		params: params,
		log:    log,
	}
}

// SyncRequest selects what a run does
type SyncRequest struct {
	JobID          string // attach to this job id instead of generating one
	After          time.Time
	Filter         store.CandidateFilter
	UpdateTraining bool // recompute training load after the pass
}

// SyncResult contains the results of a sync operation
type SyncResult struct {
	Job        *store.Job
	Activities *ActivityResult
	Streams    *PassResult
	Segments   *SegmentResult
	Training   *TrainingResult
	Usage      strava.Usage
}

// Summary joins the non-empty phase results
func (r *SyncResult) Summary() string {
	var parts []string
	if r.Activities != nil {
		parts = append(parts, "activities: "+r.Activities.String())
	}
	if r.Streams != nil {
		parts = append(parts, "streams: "+r.Streams.String())
	}
	if r.Segments != nil {
		parts = append(parts, "segments: "+r.Segments.String())
	}
	if r.Training != nil {
		parts = append(parts, "training load: "+r.Training.String())
	}
	return strings.Join(parts, "; ")
}

// SyncActivities loads new activity summaries
func (s *SyncService) SyncActivities(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	return s.run(ctx, JobActivities, req, func(ctx context.Context, j *store.Job, result *SyncResult) error {
		ing := NewActivityIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "activities").Logger())
		ing.OnProgress(s.progress(j))
		res, err := ing.Load(ctx, req.After)
		result.Activities = res
		return err
	})
}

// SyncStreams computes power metrics for activities missing them
func (s *SyncService) SyncStreams(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	return s.run(ctx, JobStreams, req, func(ctx context.Context, j *store.Job, result *SyncResult) error {
		ing := NewStreamIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "streams").Logger())
		ing.OnProgress(s.progress(j))
		res, err := ing.LoadMissing(ctx, req.Filter)
		result.Streams = &res
		return err
	})
}

// SyncSegments loads segment efforts for activities missing them
func (s *SyncService) SyncSegments(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	return s.run(ctx, JobSegments, req, func(ctx context.Context, j *store.Job, result *SyncResult) error {
		ing := NewSegmentIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "segments").Logger())
		ing.OnProgress(s.progress(j))
		res, err := ing.LoadMissing(ctx, req.Filter)
		result.Segments = &res
		return err
	})
}

// SyncTrainingLoad recomputes daily training load
func (s *SyncService) SyncTrainingLoad(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	req.UpdateTraining = true
	return s.run(ctx, JobTrainingLoad, req, func(ctx context.Context, j *store.Job, result *SyncResult) error {
		return nil
	})
}

// SyncAll performs a full sync: activities -> streams -> segments -> training load
func (s *SyncService) SyncAll(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	req.UpdateTraining = true
	return s.run(ctx, JobSync, req, func(ctx context.Context, j *store.Job, result *SyncResult) error {
		progress := s.progress(j)

		acts := NewActivityIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "activities").Logger())
		acts.OnProgress(progress)
		ar, err := acts.Load(ctx, req.After)
		result.Activities = ar
		if err != nil {
			return fmt.Errorf("syncing activities: %w", err)
		}

		streams := NewStreamIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "streams").Logger())
		streams.OnProgress(progress)
		sr, err := streams.LoadMissing(ctx, req.Filter)
		result.Streams = &sr
		if err != nil {
			return fmt.Errorf("syncing streams: %w", err)
		}

		segs := NewSegmentIngestor(s.api, s.store, s.opts, s.log.With().Str("phase", "segments").Logger())
		segs.OnProgress(progress)
		gr, err := segs.LoadMissing(ctx, req.Filter)
		result.Segments = &gr
		if err != nil {
			return fmt.Errorf("syncing segments: %w", err)
		}
		return nil
	})
}

// APIUsage returns the quota snapshot from the most recent response
func (s *SyncService) APIUsage() strava.Usage {
	return s.api.APIUsage()
}

func (s *SyncService) run(ctx context.Context, jobType string, req SyncRequest, phase func(ctx context.Context, j *store.Job, result *SyncResult) error) (*SyncResult, error) {
	result := &SyncResult{}

	job, err := s.jobs.Run(ctx, jobType, req.JobID, func(ctx context.Context, j *store.Job) (string, error) {
		if err := phase(ctx, j, result); err != nil {
			return result.Summary(), err
		}

		if req.UpdateTraining {
			svc := NewTrainingLoadService(s.store, s.params, s.log.With().Str("phase", "training_load").Logger())
			tr, err := svc.Sync(ctx, time.Time{})
			result.Training = tr
			if err != nil {
				return result.Summary(), fmt.Errorf("updating training load: %w", err)
			}
		}

		result.Usage = s.api.APIUsage()
		u := result.Usage
		s.log.Info().
			Int("short_used", u.Overall.Short.Used).
			Int("short_limit", u.Overall.Short.Limit).
			Int("daily_used", u.Overall.Daily.Used).
			Int("daily_limit", u.Overall.Daily.Limit).
			Int("read_daily_used", u.Read.Daily.Used).
			Msg("API usage")

		return result.Summary(), nil
	})
	result.Job = job
	return result, err
}

// progress persists progress notes on the job
func (s *SyncService) progress(j *store.Job) ProgressFunc {
	return func(ctx context.Context, msg string) {
		s.jobs.Progress(ctx, j, "%s", msg)
	}
}

// IsFatal reports whether err should stop a scheduled run from retrying
func IsFatal(err error) bool {
	return errs.Is(err, errs.KindAuth)
}
