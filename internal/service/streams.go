package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/analysis"
	"stravapower/internal/errs"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// StreamIngestor computes power metrics for activities that lack them
type StreamIngestor struct {
	api      API
	db       *store.DB
	opts     Options
	log      zerolog.Logger
	progress ProgressFunc
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStreamIngestor creates a stream ingestor
func NewStreamIngestor(api API, db *store.DB, opts Options, log zerolog.Logger) *StreamIngestor {
	return &StreamIngestor{api: api, db: db, opts: opts, log: log, sleep: sleepCtx}
}

// OnProgress sets the progress callback
func (s *StreamIngestor) OnProgress(fn ProgressFunc) { s.progress = fn }

// LoadMissing fetches streams for every activity without normalized power
// (or without a 10 minute best despite moving time), newest first, and
// writes the derived power fields.
func (s *StreamIngestor) LoadMissing(ctx context.Context, f store.CandidateFilter) (PassResult, error) {
	candidates, err := s.db.ActivitiesNeedingPower(ctx, f)
	if err != nil {
		return PassResult{}, errs.E(errs.KindPersistence, "stream candidates", err)
	}
	records, err := s.db.FTPHistory(ctx)
	if err != nil {
		return PassResult{}, errs.E(errs.KindPersistence, "ftp history", err)
	}
	ftp := analysis.NewFTPHistory(records, s.opts.DefaultFTP)

	s.log.Info().Int("candidates", len(candidates)).Int("ftp_records", ftp.Len()).Msg("loading streams")

	pass := &candidatePass{
		name:     "streams",
		batch:    s.db.NewBatch(s.opts.CommitEvery),
		throttle: s.opts.CandidateThrottle,
		sleep:    s.sleep,
		progress: s.progress,
		log:      s.log,
	}

	res, err := pass.run(ctx, candidates, func(ctx context.Context, a store.Activity) error {
		if a.StartDate.Year() < s.opts.StreamCutoffYear {
			return errSkip
		}

		streams, err := s.api.GetActivityStreams(ctx, a.ID)
		if err != nil {
			return err
		}

		p, err := PowerFromStreams(streams, ftp.At(a.StartDate))
		if err != nil {
			return err
		}

		return pass.write(ctx, func(w *store.Writer) error {
			return w.UpdateActivityPower(ctx, a.ID, *p)
		})
	})

	s.log.Info().Str("result", res.String()).Msg("streams loaded")
	return res, err
}

// PowerFromStreams validates the time and watts channels and derives the
// stored power fields. ftp is the FTP in effect on the activity date.
func PowerFromStreams(streams strava.Streams, ftp float64) (*store.ActivityPower, error) {
	const op = "power from streams"

	watts, times := streams["watts"], streams["time"]
	switch {
	case !streams.Has("watts"):
		return nil, errs.Errorf(errs.KindValidation, op, "no power stream")
	case !streams.Has("time"):
		return nil, errs.Errorf(errs.KindValidation, op, "no time stream")
	case len(watts) != streams.Len():
		return nil, errs.Errorf(errs.KindValidation, op, "watts has %d samples but time has %d", len(watts), streams.Len())
	case !anyPositive(watts):
		return nil, errs.Errorf(errs.KindValidation, op, "power stream is all zero")
	}

	m, err := analysis.ComputePowerMetrics(watts, times)
	if err != nil {
		return nil, err
	}

	return &store.ActivityPower{
		FTP:              ftp,
		Best10m:          m.Best10m,
		Best20m:          m.Best20m,
		Best30m:          m.Best30m,
		Best45m:          m.Best45m,
		Best60m:          m.Best60m,
		MaxPower:         m.MaxPower,
		NormalizedPower:  m.NormalizedPower,
		IntensityFactor:  analysis.IntensityFactor(m.NormalizedPower, ftp),
		VariabilityIndex: analysis.VariabilityIndex(m.NormalizedPower, m.AveragePower),
	}, nil
}

func anyPositive(xs []float64) bool {
	for _, x := range xs {
		if x > 0 {
			return true
		}
	}
	return false
}
