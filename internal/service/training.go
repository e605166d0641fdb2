package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stravapower/internal/analysis"
	"stravapower/internal/errs"
	"stravapower/internal/store"
)

// TrainingResult counts the outcome of a training load sync
type TrainingResult struct {
	Activities int
	Days       int
	Updated    int
	Inserted   int
	Latest     *analysis.DailyLoad
}

func (r TrainingResult) String() string {
	return fmt.Sprintf("%d activities over %d days: %d updated, %d inserted",
		r.Activities, r.Days, r.Updated, r.Inserted)
}

// TrainingLoadService recomputes daily training load from stored activities
type TrainingLoadService struct {
	db     *store.DB
	params analysis.Params
	log    zerolog.Logger
}

// NewTrainingLoadService creates a training load service
func NewTrainingLoadService(db *store.DB, params analysis.Params, log zerolog.Logger) *TrainingLoadService {
	return &TrainingLoadService{db: db, params: params, log: log}
}

// Sync recomputes TSS and CTL/ATL/TSB for every activity starting at or
// after 'after' (all when zero) and upserts one row per day in a single
// transaction.
func (s *TrainingLoadService) Sync(ctx context.Context, after time.Time) (*TrainingResult, error) {
	const op = "sync training load"

	activities, err := s.db.ActivitiesSince(ctx, after)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, op, err)
	}
	res := &TrainingResult{Activities: len(activities)}
	if len(activities) == 0 {
		s.log.Info().Msg("no activities for training load")
		return res, nil
	}

	records, err := s.db.FTPHistory(ctx)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, op, err)
	}
	ftp := analysis.NewFTPHistory(records, s.params.DefaultFTP)

	loads := analysis.ComputeDailyLoads(activities, ftp, s.params)
	trend := analysis.CalculateFitnessTrend(loads, s.params)
	res.Days = len(trend)

	measured := 0
	for _, a := range activities {
		if a.NormalizedPower != nil && *a.NormalizedPower > 0 {
			measured++
		}
	}
	s.log.Info().
		Int("activities", len(activities)).
		Int("with_power", measured).
		Int("days", len(trend)).
		Str("model", string(s.params.Model)).
		Msg("computed training load")

	batch := s.db.NewBatch(len(trend))
	var updated, inserted int
	for i := range trend {
		row := toTrainingLoad(trend[i])
		err := batch.Do(ctx, func(w *store.Writer) error {
			ins, err := w.UpsertTrainingLoad(ctx, &row)
			if err != nil {
				return err
			}
			if ins {
				inserted++
			} else {
				updated++
			}
			return nil
		})
		if err != nil {
			return res, errs.E(errs.KindPersistence, op, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return res, errs.E(errs.KindPersistence, op, err)
	}

	res.Updated, res.Inserted = updated, inserted
	latest := trend[len(trend)-1]
	res.Latest = &latest
	return res, nil
}

func toTrainingLoad(d analysis.DailyLoad) store.TrainingLoad {
	return store.TrainingLoad{
		Date:               d.Date,
		TSS:                d.TSS,
		CTL:                d.CTL,
		ATL:                d.ATL,
		TSB:                d.TSB,
		AvgNormalizedPower: d.AvgNormalizedPower,
		MaxDailyPower:      d.MaxDailyPower,
		PowerBalance:       d.PowerBalance,
		PowerTSS:           d.PowerTSS,
	}
}

// ImportFTP stores FTP records, replacing values on the same dates
func ImportFTP(ctx context.Context, db *store.DB, records []store.FTPRecord) (int, error) {
	for i, r := range records {
		if err := db.SetFTP(ctx, r.Date, r.FTP); err != nil {
			return i, errs.E(errs.KindPersistence, "import ftp", err)
		}
	}
	return len(records), nil
}
