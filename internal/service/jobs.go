package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stravapower/internal/errs"
	"stravapower/internal/store"
)

// Job types
const (
	JobActivities   = "activities"
	JobStreams      = "streams"
	JobSegments     = "segments"
	JobTrainingLoad = "training_load"
	JobFTPImport    = "ftp_import"
	JobSync         = "sync"
)

// JobStore persists job records
type JobStore interface {
	SaveJob(ctx context.Context, j *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListJobs(ctx context.Context, limit int) ([]store.Job, error)
}

// JobTracker records the lifecycle of top-level runs. The store is the only
// source of truth for reads; updates that fail to persist are held in memory
// and written again before the next update.
type JobTracker struct {
	store JobStore
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	unsaved map[string]store.Job
}

// NewJobTracker creates a tracker backed by s
func NewJobTracker(s JobStore, log zerolog.Logger) *JobTracker {
	return &JobTracker{
		store:   s,
		log:     log,
		now:     time.Now,
		unsaved: make(map[string]store.Job),
	}
}

// NewJobID returns "<type>_<uuid>"
func NewJobID(jobType string) string {
	return jobType + "_" + uuid.NewString()
}

// Start records a new running job. An empty id generates one.
func (t *JobTracker) Start(ctx context.Context, jobType, id string) *store.Job {
	if id == "" {
		id = NewJobID(jobType)
	}
	j := &store.Job{
		ID:        id,
		Type:      jobType,
		Status:    store.JobRunning,
		StartTime: t.now().UTC(),
		Message:   "started",
	}
	t.save(ctx, j)
	return j
}

// Progress records a progress note on a running job
func (t *JobTracker) Progress(ctx context.Context, j *store.Job, format string, args ...any) {
	j.Progress = fmt.Sprintf(format, args...)
	t.save(ctx, j)
}

// Finish moves a job to its terminal state
func (t *JobTracker) Finish(ctx context.Context, j *store.Job, success bool, message string) {
	end := t.now().UTC()
	j.Status = store.JobCompleted
	j.EndTime = &end
	j.Success = &success
	j.Message = message
	t.save(ctx, j)
}

// Run wraps fn in a job. Whatever fn returns, the job ends completed with
// success and message set from the outcome. A panic in fn is recorded as a
// failure and re-raised.
func (t *JobTracker) Run(ctx context.Context, jobType, id string, fn func(ctx context.Context, j *store.Job) (string, error)) (job *store.Job, err error) {
	job = t.Start(ctx, jobType, id)
	log := t.log.With().Str("job_id", job.ID).Str("job_type", jobType).Logger()
	log.Info().Msg("job started")

	// Terminal writes must land even when the run was cancelled.
	finishCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			t.Finish(finishCtx, job, false, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	msg, err := fn(ctx, job)
	if err != nil {
		if msg == "" {
			msg = err.Error()
		} else {
			msg = msg + ": " + err.Error()
		}
		t.Finish(finishCtx, job, false, msg)
		log.Error().Err(err).Str("kind", errs.KindOf(err).String()).Msg("job failed")
		return job, err
	}

	t.Finish(finishCtx, job, true, msg)
	log.Info().Str("message", msg).Dur("took", job.EndTime.Sub(job.StartTime)).Msg("job completed")
	return job, nil
}

// Status returns the persisted state of a job
func (t *JobTracker) Status(ctx context.Context, id string) (*store.Job, error) {
	j, err := t.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, errs.E(errs.KindNotFound, "job status", err)
	}
	if err != nil {
		return nil, errs.E(errs.KindPersistence, "job status", err)
	}
	return j, nil
}

// List returns the most recent jobs
func (t *JobTracker) List(ctx context.Context, limit int) ([]store.Job, error) {
	jobs, err := t.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, "list jobs", err)
	}
	return jobs, nil
}

// Unsaved returns how many job updates are waiting to be persisted
func (t *JobTracker) Unsaved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unsaved)
}

func (t *JobTracker) save(ctx context.Context, j *store.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, pending := range t.unsaved {
		if id == j.ID {
			continue
		}
		if err := t.store.SaveJob(ctx, &pending); err != nil {
			break
		}
		delete(t.unsaved, id)
	}

	if err := t.store.SaveJob(ctx, j); err != nil {
		t.unsaved[j.ID] = *j
		t.log.Warn().Err(err).Str("job_id", j.ID).Msg("could not persist job update, will retry")
		return
	}
	delete(t.unsaved, j.ID)
}
