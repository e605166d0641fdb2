package strava

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Strava rate limits (defaults when headers are missing):
// - 100 requests per 15 minutes
// - 1000 requests per day
// Both the overall and the read-only quota are reported and enforced.
const (
	defaultShortLimit = 100
	defaultDailyLimit = 1000
)

// Window is the usage of one quota window
type Window struct {
	Used  int
	Limit int
}

// Remaining returns how many requests are left in the window
func (w Window) Remaining() int { return w.Limit - w.Used }

// Quota is the usage of one header family
type Quota struct {
	Short Window
	Daily Window
}

// Usage is a snapshot of both header families
type Usage struct {
	Overall Quota
	Read    Quota
}

// Decision is the outcome of checking quota headers
type Decision struct {
	OK     bool
	Wait   time.Duration
	Reason string // "short" or "daily" when not OK
}

// RateLimiter tracks Strava quota from response headers and decides when
// requests must pause. It also paces outgoing requests to a minimum interval.
type RateLimiter struct {
	mu    sync.Mutex
	usage Usage

	shortMargin    int
	defaultReset   time.Duration
	midnightBuffer time.Duration

	pacer *rate.Limiter
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   zerolog.Logger
}

// RateLimitOptions tunes the limiter
type RateLimitOptions struct {
	ShortMargin    int           // pause when short usage reaches limit minus this
	DefaultReset   time.Duration // wait when X-RateLimit-Reset is missing
	MidnightBuffer time.Duration // added to the wait for the daily reset
	MinInterval    time.Duration // minimum spacing between requests, 0 disables
	Logger         *zerolog.Logger
}

// DefaultRateLimitOptions returns Strava's documented behaviour
func DefaultRateLimitOptions() RateLimitOptions {
	return RateLimitOptions{
		ShortMargin:    2,
		DefaultReset:   15 * time.Second,
		MidnightBuffer: 30 * time.Second,
		MinInterval:    150 * time.Millisecond,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	r := &RateLimiter{
		usage:          defaultUsage(),
		shortMargin:    opts.ShortMargin,
		defaultReset:   opts.DefaultReset,
		midnightBuffer: opts.MidnightBuffer,
		pacer:          rate.NewLimiter(limit, 1),
		now:            time.Now,
		sleep:          sleepCtx,
		log:            zerolog.Nop(),
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	return r
}

func defaultUsage() Usage {
	q := Quota{
		Short: Window{Limit: defaultShortLimit},
		Daily: Window{Limit: defaultDailyLimit},
	}
	return Usage{Overall: q, Read: q}
}

// Pace blocks until the minimum interval since the previous request has passed
func (r *RateLimiter) Pace(ctx context.Context) error {
	return r.pacer.Wait(ctx)
}

// Observe records quota headers from a response and decides whether the
// caller may continue. It does not sleep.
func (r *RateLimiter) Observe(h http.Header) Decision {
	overall := Quota{
		Short: Window{Limit: defaultShortLimit},
		Daily: Window{Limit: defaultDailyLimit},
	}
	read := overall
	overall.Short.Used, overall.Daily.Used = parsePair(h.Get("X-RateLimit-Usage"), 0, 0)
	overall.Short.Limit, overall.Daily.Limit = parsePair(h.Get("X-RateLimit-Limit"), defaultShortLimit, defaultDailyLimit)
	read.Short.Used, read.Daily.Used = parsePair(h.Get("X-ReadRateLimit-Usage"), 0, 0)
	read.Short.Limit, read.Daily.Limit = parsePair(h.Get("X-ReadRateLimit-Limit"), defaultShortLimit, defaultDailyLimit)

	r.mu.Lock()
	r.usage = Usage{Overall: overall, Read: read}
	r.mu.Unlock()

	if overall.Short.Remaining() <= r.shortMargin || read.Short.Remaining() <= r.shortMargin {
		wait := r.defaultReset
		if s := strings.TrimSpace(h.Get("X-RateLimit-Reset")); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return Decision{OK: false, Wait: wait, Reason: "short"}
	}

	if overall.Daily.Remaining() <= 0 || read.Daily.Remaining() <= 0 {
		now := r.now().UTC()
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return Decision{OK: false, Wait: midnight.Sub(now) + r.midnightBuffer, Reason: "daily"}
	}

	return Decision{OK: true}
}

// ObserveAndGate records quota headers and, when a limit is near, sleeps for
// the required time and returns false so the caller repeats its request.
func (r *RateLimiter) ObserveAndGate(ctx context.Context, h http.Header) bool {
	d := r.Observe(h)
	if d.OK {
		return true
	}

	u := r.Snapshot()
	r.log.Warn().
		Str("window", d.Reason).
		Dur("wait", d.Wait).
		Str("usage", formatPair(u.Overall.Short.Used, u.Overall.Daily.Used)).
		Str("limit", formatPair(u.Overall.Short.Limit, u.Overall.Daily.Limit)).
		Str("read_usage", formatPair(u.Read.Short.Used, u.Read.Daily.Used)).
		Msg("rate limit nearly reached, pausing")

	_ = r.sleep(ctx, d.Wait)
	return false
}

// Snapshot returns a copy of the tracked usage for both families
func (r *RateLimiter) Snapshot() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// parsePair parses "short,daily". Anything malformed yields the defaults.
func parsePair(v string, defShort, defDaily int) (int, int) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return defShort, defDaily
	}
	short, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return defShort, defDaily
	}
	return short, daily
}

func formatPair(a, b int) string {
	return strconv.Itoa(a) + "," + strconv.Itoa(b)
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
