package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"stravapower/internal/analysis"
	"stravapower/internal/auth"
	"stravapower/internal/config"
	"stravapower/internal/logging"
	"stravapower/internal/service"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

// appContext builds the pipeline on first use and shares it between commands
type appContext struct {
	configFlag string
	logLevel   string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	appOnce sync.Once
	appErr  error
	db      *store.DB
	creds   *auth.CredentialStore
	client  *strava.Client
	jobs    *service.JobTracker
	sync    *service.SyncService
	log     zerolog.Logger
}

func (c *appContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = fmt.Errorf("loading config: %w", err)
			return
		}
		if c.logLevel != "" {
			cfg.Log.Level = c.logLevel
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("invalid config %s: %w", configLocation(cfg), err)
			return
		}
		logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		c.config = cfg
	})
	return c.config, c.configErr
}

// ensureApp opens the store and wires credentials, client and services
func (c *appContext) ensureApp(ctx context.Context) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	c.appOnce.Do(func() {
		c.log = logging.Named("cli")

		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			c.appErr = err
			return
		}
		c.db = db

		lockPath := filepath.Join(filepath.Dir(cfg.Database.Path), "token.lock")
		c.creds = auth.NewCredentialStore(
			auth.NewOAuthConfig(auth.Config{
				ClientID:     cfg.Strava.ClientID,
				ClientSecret: cfg.Strava.ClientSecret,
				TokenURL:     cfg.Strava.TokenURL,
			}),
			db,
			auth.WithLockFile(lockPath),
			auth.WithLogger(logging.Named("auth")),
			auth.WithToken(auth.SeedToken(cfg.Strava.AccessToken, cfg.Strava.RefreshToken, cfg.Strava.TokenExpiresAt)),
		)
		if err := c.creds.Load(ctx); err != nil {
			c.appErr = err
			return
		}

		stravaLog := logging.Named("strava")
		limiter := strava.NewRateLimiter(strava.RateLimitOptions{
			ShortMargin:    cfg.RateLimit.ShortMargin,
			DefaultReset:   cfg.RateLimit.DefaultReset,
			MidnightBuffer: cfg.RateLimit.MidnightBuffer,
			MinInterval:    cfg.RateLimit.MinInterval,
			Logger:         &stravaLog,
		})
		c.client = strava.NewClient(c.creds,
			strava.WithBaseURL(cfg.Strava.BaseURL),
			strava.WithRateLimiter(limiter),
			strava.WithRetryPolicy(strava.RetryPolicy{
				MaxAttempts:    cfg.Sync.MaxAttempts,
				MaxAuthRetries: cfg.Sync.MaxAuthRetries,
				GateRetries:    cfg.RateLimit.GateRetries,
				InitialBackoff: cfg.Sync.InitialBackoff,
			}),
			strava.WithPageDelay(cfg.Sync.PageDelay),
			strava.WithLogger(stravaLog),
		)

		c.jobs = service.NewJobTracker(db, logging.Named("jobs"))
		c.sync = service.NewSyncService(c.client, db, c.jobs, serviceOptions(cfg), trainingParams(cfg), logging.Named("sync"))
	})
	return c.appErr
}

func (c *appContext) close() {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn().Err(err).Msg("closing database")
		}
	}
}

func serviceOptions(cfg *config.Config) service.Options {
	return service.Options{
		PerPage:           cfg.Sync.PerPage,
		CommitEvery:       cfg.Sync.CommitEvery,
		StreamCutoffYear:  cfg.Sync.StreamCutoffYear,
		CandidateThrottle: cfg.Sync.CandidateThrottle,
		DefaultFTP:        cfg.Training.DefaultFTP,
	}
}

func trainingParams(cfg *config.Config) analysis.Params {
	t := cfg.Training
	return analysis.Params{
		DefaultFTP:   t.DefaultFTP,
		DefaultIF:    t.DefaultIF,
		CTLDays:      t.CTLDays,
		ATLDays:      t.ATLDays,
		ATLDecayBase: t.ATLDecayBase,
		ATLDampening: t.ATLDampening,
		Model:        analysis.TrendModel(t.Model),
		NPModel: analysis.NPModel{
			Intercept:  t.NPModel.Intercept,
			Speed:      t.NPModel.Speed,
			SpeedCubed: t.NPModel.SpeedCubed,
			Distance:   t.NPModel.Distance,
			Elevation:  t.NPModel.Elevation,
		},
	}
}

func configLocation(cfg *config.Config) string {
	if cfg.Source != "" {
		return cfg.Source
	}
	return "(defaults and environment)"
}
