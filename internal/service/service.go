package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// API is the part of the Strava client the ingestors depend on
type API interface {
	GetAllActivities(ctx context.Context, after time.Time, perPage int, onPage func(page int, records []json.RawMessage) error) error
	GetActivityStreams(ctx context.Context, activityID int64) (strava.Streams, error)
	GetSegmentEfforts(ctx context.Context, activityID int64) ([]strava.SegmentEffort, error)
	APIUsage() strava.Usage
}

// Options tunes ingestion passes
type Options struct {
	PerPage           int
	CommitEvery       int
	StreamCutoffYear  int
	CandidateThrottle time.Duration
	DefaultFTP        float64
}

// DefaultOptions returns the standard pass settings
func DefaultOptions() Options {
	return Options{
		PerPage:           DefaultPerPage,
		CommitEvery:       DefaultCommitEvery,
		StreamCutoffYear:  DefaultStreamCutoffYear,
		CandidateThrottle: DefaultCandidateThrottle,
		DefaultFTP:        200,
	}
}

// ProgressFunc receives a progress note. It is only called while no batch
// transaction is open, so it may write to the store.
type ProgressFunc func(ctx context.Context, msg string)

// PassResult counts the outcome of a candidate pass
type PassResult struct {
	Candidates int
	Updated    int
	Skipped    int // validation failures and pre-API skips
	NotFound   int
	Errors     int // API and persistence failures
}

func (r PassResult) String() string {
	return fmt.Sprintf("%d candidates: %d updated, %d skipped, %d not found, %d errors",
		r.Candidates, r.Updated, r.Skipped, r.NotFound, r.Errors)
}

// errSkip marks a candidate skipped before any API call
var errSkip = errors.New("skipped")

// candidatePass drives one sequential pass over candidate activities. Writes
// go through a batch that commits every CommitEvery successful candidates.
type candidatePass struct {
	name     string
	batch    *store.Batch
	throttle time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	progress ProgressFunc
	log      zerolog.Logger

	// onCommit runs after every successful commit
	onCommit func()
	// onRollback runs when a batch is discarded
	onRollback func()
}

// write runs fn as one unit in the pass batch
func (p *candidatePass) write(ctx context.Context, fn func(w *store.Writer) error) error {
	before := p.batch.Committed()
	if err := p.batch.Do(ctx, fn); err != nil {
		return errs.E(errs.KindPersistence, p.name, err)
	}
	if p.batch.Committed() > before && p.onCommit != nil {
		p.onCommit()
	}
	return nil
}

func (p *candidatePass) flush() error {
	before := p.batch.Committed()
	if err := p.batch.Flush(); err != nil {
		return errs.E(errs.KindPersistence, p.name, err)
	}
	if p.batch.Committed() > before && p.onCommit != nil {
		p.onCommit()
	}
	return nil
}

func (p *candidatePass) rollback() {
	p.batch.Rollback()
	if p.onRollback != nil {
		p.onRollback()
	}
}

// run processes candidates in order. Auth failures and cancellation stop
// the pass; every other failure is confined to its candidate.
func (p *candidatePass) run(ctx context.Context, candidates []store.Activity, process func(ctx context.Context, a store.Activity) error) (PassResult, error) {
	res := PassResult{Candidates: len(candidates)}
	p.report(ctx, fmt.Sprintf("processing %d activities", len(candidates)))

	for i, a := range candidates {
		if err := ctx.Err(); err != nil {
			p.rollback()
			return res, err
		}

		inFlight := p.batch.Pending()
		err := process(ctx, a)
		log := p.log.With().Int64("activity_id", a.ID).Str("name", a.Name).Logger()

		switch {
		case err == nil:
			res.Updated++
		case errors.Is(err, errSkip):
			res.Skipped++
			log.Debug().Msg("skipped")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			p.rollback()
			return res, err
		case errs.Is(err, errs.KindAuth):
			log.Error().Err(err).Msg("authentication failed, aborting pass")
			if ferr := p.flush(); ferr != nil {
				res.Updated -= inFlight
				res.Errors++
				log.Error().Err(ferr).Int("rolled_back", inFlight).Msg("committing before abort")
				if p.onRollback != nil {
					p.onRollback()
				}
			}
			return res, err
		case errs.Is(err, errs.KindNotFound):
			res.NotFound++
			log.Warn().Err(err).Msg("not found")
		case errs.Is(err, errs.KindValidation):
			res.Skipped++
			log.Warn().Err(err).Msg("invalid data, skipping")
		case errs.Is(err, errs.KindPersistence):
			res.Errors++
			res.Updated -= inFlight
			if p.onRollback != nil {
				p.onRollback()
			}
			log.Error().Err(err).Int("rolled_back", inFlight).Msg("write failed, batch rolled back")
		default:
			res.Errors++
			log.Error().Err(err).Msg("processing failed")
		}

		if p.batch.Pending() == 0 {
			p.report(ctx, fmt.Sprintf("%d/%d activities: %d updated", i+1, len(candidates), res.Updated))
		}

		if !errors.Is(err, errSkip) && p.throttle > 0 && i < len(candidates)-1 {
			if serr := p.sleep(ctx, p.throttle); serr != nil {
				p.rollback()
				return res, serr
			}
		}
	}

	pending := p.batch.Pending()
	if err := p.flush(); err != nil {
		res.Updated -= pending
		res.Errors++
		p.log.Error().Err(err).Int("rolled_back", pending).Msg("final commit failed")
		if p.onRollback != nil {
			p.onRollback()
		}
	}
	p.report(ctx, res.String())
	return res, nil
}

func (p *candidatePass) report(ctx context.Context, msg string) {
	if p.progress != nil {
		p.progress(ctx, msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
