package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Strava    StravaConfig    `mapstructure:"strava"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sync      SyncConfig      `mapstructure:"sync"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Training  TrainingConfig  `mapstructure:"training"`
	Log       LogConfig       `mapstructure:"log"`

	// Source is the config file that was read, empty when only defaults and env applied.
	Source string `mapstructure:"-"`
}

// StravaConfig holds Strava API credentials and endpoints.
// Token fields seed the credential store when nothing is persisted yet.
type StravaConfig struct {
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	RefreshToken   string `mapstructure:"refresh_token"`
	AccessToken    string `mapstructure:"access_token"`
	TokenExpiresAt int64  `mapstructure:"token_expires_at" validate:"gte=0"`
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	TokenURL       string `mapstructure:"token_url" validate:"required,url"`
}

// DatabaseConfig locates the SQLite file
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// SyncConfig tunes the ingestion passes
type SyncConfig struct {
	PerPage           int           `mapstructure:"per_page" validate:"gte=1,lte=200"`
	PageDelay         time.Duration `mapstructure:"page_delay" validate:"gte=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	MaxAuthRetries    int           `mapstructure:"max_auth_retries" validate:"gte=1"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	CommitEvery       int           `mapstructure:"commit_every" validate:"gte=1"`
	StreamCutoffYear  int           `mapstructure:"stream_cutoff_year" validate:"gte=2000"`
	CandidateThrottle time.Duration `mapstructure:"candidate_throttle" validate:"gte=0"`
}

// RateLimitConfig tunes the quota gate
type RateLimitConfig struct {
	ShortMargin    int           `mapstructure:"short_margin" validate:"gte=0"`
	DefaultReset   time.Duration `mapstructure:"default_reset" validate:"gt=0"`
	MidnightBuffer time.Duration `mapstructure:"midnight_buffer" validate:"gte=0"`
	GateRetries    int           `mapstructure:"gate_retries" validate:"gte=1"`
	MinInterval    time.Duration `mapstructure:"min_interval" validate:"gte=0"`
}

// TrainingConfig holds the training load model parameters
type TrainingConfig struct {
	DefaultFTP   float64       `mapstructure:"default_ftp" validate:"gt=0"`
	DefaultIF    float64       `mapstructure:"default_if" validate:"gt=0"`
	CTLDays      float64       `mapstructure:"ctl_days" validate:"gt=0"`
	ATLDays      float64       `mapstructure:"atl_days" validate:"gt=0"`
	ATLDecayBase float64       `mapstructure:"atl_decay_base" validate:"gt=0,lt=1"`
	ATLDampening float64       `mapstructure:"atl_dampening" validate:"gt=0,lte=1"`
	Model        string        `mapstructure:"model" validate:"oneof=decay linear"`
	NPModel      NPModelConfig `mapstructure:"np_model"`
}

// NPModelConfig holds regression coefficients for estimating normalized
// power from speed (mph), distance (miles) and elevation gain (m).
type NPModelConfig struct {
	Intercept  float64 `mapstructure:"intercept"`
	Speed      float64 `mapstructure:"speed"`
	SpeedCubed float64 `mapstructure:"speed_cubed"`
	Distance   float64 `mapstructure:"distance"`
	Elevation  float64 `mapstructure:"elevation"`
}

// LogConfig holds logging preferences
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error off disabled"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=console json"`
}

// ErrNoConfig is returned when an explicitly requested config file doesn't exist
var ErrNoConfig = errors.New("config file not found")

const (
	placeholderClientID     = "YOUR_CLIENT_ID"
	placeholderClientSecret = "YOUR_CLIENT_SECRET"
)

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	dir, err := GetConfigDir()
	if err != nil {
		dir = ".stravapower"
	}
	return Config{
		Strava: StravaConfig{
			BaseURL:  "https://www.strava.com/api/v3",
			TokenURL: "https://www.strava.com/oauth/token",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dir, "data.db"),
		},
		Sync: SyncConfig{
			PerPage:           200,
			PageDelay:         2 * time.Second,
			MaxAttempts:       3,
			MaxAuthRetries:    3,
			InitialBackoff:    2 * time.Second,
			CommitEvery:       5,
			StreamCutoffYear:  2013,
			CandidateThrottle: time.Second,
		},
		RateLimit: RateLimitConfig{
			ShortMargin:    2,
			DefaultReset:   15 * time.Second,
			MidnightBuffer: 30 * time.Second,
			GateRetries:    5,
			MinInterval:    150 * time.Millisecond,
		},
		Training: TrainingConfig{
			DefaultFTP:   200,
			DefaultIF:    0.75,
			CTLDays:      42,
			ATLDays:      7,
			ATLDecayBase: 0.9,
			ATLDampening: 0.7,
			Model:        "decay",
			NPModel: NPModelConfig{
				Intercept:  29.604638,
				Speed:      7.300535,
				SpeedCubed: -0.002229,
				Distance:   0.149428,
				Elevation:  0.050259,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from path, or ~/.stravapower/config.json when
// path is empty. Environment variables override file values, with dots in
// keys replaced by underscores (strava.client_id -> STRAVA_CLIENT_ID).
// A missing default file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := getConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	source := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		source = path
	} else if os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("%w: %s", ErrNoConfig, path)
		}
	} else {
		return nil, fmt.Errorf("checking config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Source = source
	cfg.Database.Path = expandHome(cfg.Database.Path)

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("strava.client_id", d.Strava.ClientID)
	v.SetDefault("strava.client_secret", d.Strava.ClientSecret)
	v.SetDefault("strava.refresh_token", d.Strava.RefreshToken)
	v.SetDefault("strava.access_token", d.Strava.AccessToken)
	v.SetDefault("strava.token_expires_at", d.Strava.TokenExpiresAt)
	v.SetDefault("strava.base_url", d.Strava.BaseURL)
	v.SetDefault("strava.token_url", d.Strava.TokenURL)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("sync.per_page", d.Sync.PerPage)
	v.SetDefault("sync.page_delay", d.Sync.PageDelay)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.max_auth_retries", d.Sync.MaxAuthRetries)
	v.SetDefault("sync.initial_backoff", d.Sync.InitialBackoff)
	v.SetDefault("sync.commit_every", d.Sync.CommitEvery)
	v.SetDefault("sync.stream_cutoff_year", d.Sync.StreamCutoffYear)
	v.SetDefault("sync.candidate_throttle", d.Sync.CandidateThrottle)

	v.SetDefault("rate_limit.short_margin", d.RateLimit.ShortMargin)
	v.SetDefault("rate_limit.default_reset", d.RateLimit.DefaultReset)
	v.SetDefault("rate_limit.midnight_buffer", d.RateLimit.MidnightBuffer)
	v.SetDefault("rate_limit.gate_retries", d.RateLimit.GateRetries)
	v.SetDefault("rate_limit.min_interval", d.RateLimit.MinInterval)

	v.SetDefault("training.default_ftp", d.Training.DefaultFTP)
	v.SetDefault("training.default_if", d.Training.DefaultIF)
	v.SetDefault("training.ctl_days", d.Training.CTLDays)
	v.SetDefault("training.atl_days", d.Training.ATLDays)
	v.SetDefault("training.atl_decay_base", d.Training.ATLDecayBase)
	v.SetDefault("training.atl_dampening", d.Training.ATLDampening)
	v.SetDefault("training.model", d.Training.Model)
	v.SetDefault("training.np_model.intercept", d.Training.NPModel.Intercept)
	v.SetDefault("training.np_model.speed", d.Training.NPModel.Speed)
	v.SetDefault("training.np_model.speed_cubed", d.Training.NPModel.SpeedCubed)
	v.SetDefault("training.np_model.distance", d.Training.NPModel.Distance)
	v.SetDefault("training.np_model.elevation", d.Training.NPModel.Elevation)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// CreateExample writes an example config file if none exists and returns its path
func CreateExample() (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return path, nil // Config exists, don't overwrite
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	example := map[string]any{
		"strava": map[string]any{
			"client_id":     placeholderClientID,
			"client_secret": placeholderClientSecret,
			"refresh_token": "",
		},
		"sync": map[string]any{
			"page_delay":         "2s",
			"candidate_throttle": "1s",
		},
		"log": map[string]any{
			"level": "info",
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return "-"
		}
		return name
	})
	return v
}

// Validate checks if the config has required fields and sane tuning values
func (c *Config) Validate() error {
	if c.Strava.ClientID == "" || c.Strava.ClientID == placeholderClientID {
		return errors.New("strava.client_id is required - get it from https://www.strava.com/settings/api")
	}
	if c.Strava.ClientSecret == "" || c.Strava.ClientSecret == placeholderClientSecret {
		return errors.New("strava.client_secret is required - get it from https://www.strava.com/settings/api")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := fe.Namespace()
			if i := strings.IndexByte(field, '.'); i >= 0 {
				field = field[i+1:]
			}
			if fe.Param() != "" {
				return fmt.Errorf("%s fails %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
			}
			return fmt.Errorf("%s fails %s (got %v)", field, fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validating config: %w", err)
	}

	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".stravapower"), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
