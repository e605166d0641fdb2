package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"stravapower/internal/errs"
)

// BaseURL is the Strava API root
const BaseURL = "https://www.strava.com/api/v3"

// StreamKeys are the channels requested for power analysis
const StreamKeys = "time,watts,velocity_smooth,heartrate,cadence,altitude,distance"

// TokenProvider hands out access tokens; forceRefresh bypasses any cache
type TokenProvider interface {
	AccessToken(ctx context.Context, forceRefresh bool) (string, error)
}

// RetryPolicy bounds how often a request is repeated
type RetryPolicy struct {
	MaxAttempts    int           // attempts for 429 and transient failures
	MaxAuthRetries int           // forced token refreshes after 401
	GateRetries    int           // repeats after the quota gate paused
	InitialBackoff time.Duration // first backoff delay, doubled each retry
}

// DefaultRetryPolicy returns 3 attempts, 3 refreshes, 5 gate repeats and a 2s backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		MaxAuthRetries: 3,
		GateRetries:    5,
		InitialBackoff: 2 * time.Second,
	}
}

// Client is a Strava API client
type Client struct {
	httpClient  *http.Client
	baseURL     string
	tokens      TokenProvider
	rateLimiter *RateLimiter
	retry       RetryPolicy
	pageDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API root
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter shares a rate limiter between clients
func WithRateLimiter(r *RateLimiter) Option {
	return func(c *Client) { c.rateLimiter = r }
}

// WithRetryPolicy sets the retry bounds
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithPageDelay sets the pause between activity pages
func WithPageDelay(d time.Duration) Option {
	return func(c *Client) { c.pageDelay = d }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a new Strava API client
func NewClient(tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    BaseURL,
		tokens:     tokens,
		retry:      DefaultRetryPolicy(),
		pageDelay:  2 * time.Second,
		sleep:      sleepCtx,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(DefaultRateLimitOptions())
	}
	return c
}

// ListActivities fetches one page of activity summaries started after
// 'after'. Records are returned undecoded so callers can skip bad ones
// individually.
func (c *Client) ListActivities(ctx context.Context, after time.Time, page, perPage int) ([]json.RawMessage, error) {
	params := url.Values{}
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	var activities []json.RawMessage
	if err := c.get(ctx, "/athlete/activities", params, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// GetAllActivities pages through every activity after 'after', calling
// onPage for each non-empty page. It stops at the first empty page and
// waits the page delay between requests.
func (c *Client) GetAllActivities(ctx context.Context, after time.Time, perPage int, onPage func(page int, records []json.RawMessage) error) error {
	for page := 1; ; page++ {
		records, err := c.ListActivities(ctx, after, page, perPage)
		if err != nil {
			return fmt.Errorf("fetching page %d: %w", page, err)
		}
		if len(records) == 0 {
			return nil
		}

		if err := onPage(page, records); err != nil {
			return err
		}

		if err := c.sleep(ctx, c.pageDelay); err != nil {
			return err
		}
	}
}

// GetActivityStreams fetches the power analysis channels for an activity
func (c *Client) GetActivityStreams(ctx context.Context, activityID int64) (Streams, error) {
	params := url.Values{}
	params.Set("keys", StreamKeys)

	path := fmt.Sprintf("/activities/%d/streams", activityID)
	body, err := c.getRaw(ctx, path, params)
	if err != nil {
		return nil, err
	}

	streams, err := decodeStreams(body)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "GET "+path, err)
	}
	return streams, nil
}

// GetSegmentEfforts fetches the segment efforts recorded in an activity
func (c *Client) GetSegmentEfforts(ctx context.Context, activityID int64) ([]SegmentEffort, error) {
	var detail DetailedActivity
	if err := c.get(ctx, fmt.Sprintf("/activities/%d", activityID), nil, &detail); err != nil {
		return nil, err
	}
	return detail.SegmentEfforts, nil
}

// APIUsage returns the quota snapshot from the most recent response
func (c *Client) APIUsage() Usage {
	return c.rateLimiter.Snapshot()
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	body, err := c.getRaw(ctx, path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.E(errs.KindValidation, "GET "+path, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// getRaw performs a GET with the full retry policy:
//   - 401 forces a token refresh, up to MaxAuthRetries times
//   - 404 fails immediately
//   - 429 waits X-RateLimit-Reset (or the next backoff delay), up to MaxAttempts
//   - other failures back off exponentially, up to MaxAttempts
//   - a 2xx whose quota headers trip the gate is repeated after the pause
func (c *Client) getRaw(ctx context.Context, path string, params url.Values) ([]byte, error) {
	op := "GET " + path
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	bo := c.newBackOff()
	attempts, authRetries, gateRetries := 0, 0, 0
	force := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token, err := c.tokens.AccessToken(ctx, force)
		if err != nil {
			if errs.KindOf(err) == errs.KindUnknown {
				err = errs.E(errs.KindAuth, op, err)
			}
			return nil, err
		}
		force = false

		if err := c.rateLimiter.Pace(ctx); err != nil {
			return nil, err
		}

		status, header, body, err := c.do(ctx, reqURL, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attempts++
			if attempts >= c.retry.MaxAttempts {
				return nil, errs.E(errs.KindTransient, op, err)
			}
			wait := bo.NextBackOff()
			c.log.Warn().Err(err).Str("op", op).Int("attempt", attempts).Dur("backoff", wait).Msg("request failed, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status == http.StatusUnauthorized:
			authRetries++
			if authRetries > c.retry.MaxAuthRetries {
				return nil, errs.Errorf(errs.KindAuth, op, "still unauthorized after %d token refreshes", c.retry.MaxAuthRetries)
			}
			c.log.Info().Str("op", op).Int("refresh", authRetries).Msg("unauthorized, refreshing token")
			force = true
			continue

		case status == http.StatusNotFound:
			return nil, errs.E(errs.KindNotFound, op, apiError(status, body))

		case status == http.StatusTooManyRequests:
			c.rateLimiter.Observe(header)
			attempts++
			if attempts >= c.retry.MaxAttempts {
				return nil, errs.E(errs.KindRateLimit, op, apiError(status, body))
			}
			wait := bo.NextBackOff()
			if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("X-RateLimit-Reset"))); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}
			c.log.Warn().Str("op", op).Int("attempt", attempts).Dur("wait", wait).Msg("rate limited")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case status < 200 || status > 299:
			attempts++
			if attempts >= c.retry.MaxAttempts {
				return nil, errs.E(errs.KindTransient, op, apiError(status, body))
			}
			wait := bo.NextBackOff()
			c.log.Warn().Str("op", op).Int("status", status).Int("attempt", attempts).Dur("backoff", wait).Msg("API error, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if !c.rateLimiter.ObserveAndGate(ctx, header) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			gateRetries++
			if gateRetries > c.retry.GateRetries {
				return nil, errs.Errorf(errs.KindRateLimit, op, "quota still exhausted after %d pauses", c.retry.GateRetries)
			}
			continue
		}

		return body, nil
	}
}

func (c *Client) do(ctx context.Context, reqURL, token string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func apiError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("API error %d: %s", status, msg)
}
