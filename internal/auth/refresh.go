package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"stravapower/internal/errs"
	"stravapower/internal/store"
)

// expiryBuffer is how long before expiry a token stops being handed out
const expiryBuffer = 60 * time.Second

// refreshTimeout bounds a shared token exchange. It runs detached from the
// caller that started it so joined callers are not cancelled with it.
const refreshTimeout = 30 * time.Second

// TokenStore persists the current token
type TokenStore interface {
	GetAuth(ctx context.Context) (*store.Auth, error)
	SaveAuth(ctx context.Context, a *store.Auth) error
}

// CredentialStore owns the access token. It refreshes the token when it is
// about to expire or when a caller forces it, persists every new token, and
// makes sure only one refresh is in flight per process (singleflight) and
// across processes sharing the same lock file (flock).
type CredentialStore struct {
	config     *oauth2.Config
	persist    TokenStore
	lock       *flock.Flock
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
}

// Option configures a CredentialStore
type Option func(*CredentialStore)

// WithLockFile serialises refreshes across processes using path as a lock file
func WithLockFile(path string) Option {
	return func(c *CredentialStore) {
		if path != "" {
			c.lock = flock.New(path)
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *CredentialStore) { c.log = l }
}

// WithHTTPClient sets the client used for the token exchange
func WithHTTPClient(hc *http.Client) Option {
	return func(c *CredentialStore) { c.httpClient = hc }
}

// WithToken seeds the store with a token, used when nothing is persisted yet
func WithToken(tok *oauth2.Token) Option {
	return func(c *CredentialStore) { c.token = tok }
}

func withClock(now func() time.Time) Option {
	return func(c *CredentialStore) { c.now = now }
}

// NewCredentialStore creates a CredentialStore
func NewCredentialStore(cfg *oauth2.Config, persist TokenStore, opts ...Option) *CredentialStore {
	c := &CredentialStore{
		config:  cfg,
		persist: persist,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the in-memory token with the persisted one, if any
func (c *CredentialStore) Load(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	a, err := c.persist.GetAuth(ctx)
	if errors.Is(err, store.ErrNoAuth) {
		return nil
	}
	if err != nil {
		return errs.E(errs.KindPersistence, "loading token", err)
	}
	c.mu.Lock()
	c.token = fromAuth(a)
	c.mu.Unlock()
	return nil
}

// AccessToken returns a usable access token. Unless forceRefresh is set, a
// cached token that stays valid for at least another minute is returned
// without any I/O.
func (c *CredentialStore) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	current := c.token
	c.mu.Unlock()

	if !forceRefresh && c.usable(current) {
		return current.AccessToken, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx, current)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.log.Debug().Msg("joined in-flight token refresh")
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

// Expiry returns the expiry of the cached token, or the zero time
func (c *CredentialStore) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return time.Time{}
	}
	return c.token.Expiry
}

func (c *CredentialStore) usable(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && tok.Expiry.After(c.now().Add(expiryBuffer))
}

// refresh exchanges the refresh token for a new access token. stale is the
// token the caller found unusable; if another process has already replaced
// it in the persisted store, that token is adopted instead.
func (c *CredentialStore) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	if c.config == nil || c.config.ClientID == "" || c.config.ClientSecret == "" {
		return nil, errs.Errorf(errs.KindAuth, "refreshing token", "client id and secret are required")
	}

	if c.lock != nil {
		locked, err := c.lock.TryLockContext(ctx, 100*time.Millisecond)
		if err != nil {
			return nil, errs.E(errs.KindAuth, "acquiring token lock", err)
		}
		if !locked {
			return nil, errs.Errorf(errs.KindAuth, "acquiring token lock", "lock %s not acquired", c.lock.Path())
		}
		defer func() {
			if err := c.lock.Unlock(); err != nil {
				c.log.Warn().Err(err).Msg("releasing token lock")
			}
		}()
	}

	base := stale
	if c.persist != nil {
		a, err := c.persist.GetAuth(ctx)
		switch {
		case err == nil:
			persisted := fromAuth(a)
			if (stale == nil || persisted.AccessToken != stale.AccessToken) && c.usable(persisted) {
				c.log.Debug().Msg("using token refreshed by another process")
				c.setToken(persisted)
				return persisted, nil
			}
			base = persisted
		case errors.Is(err, store.ErrNoAuth):
		default:
			c.log.Warn().Err(err).Msg("reading persisted token")
		}
	}

	if base == nil || base.RefreshToken == "" {
		return nil, errs.Errorf(errs.KindAuth, "refreshing token", "no refresh token available")
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	src := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: base.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, errs.E(errs.KindAuth, "refreshing token", err)
	}
	if exp, ok := expiryFromExtra(tok); ok {
		tok.Expiry = time.Unix(exp, 0)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = base.RefreshToken
	}

	c.setToken(tok)
	c.log.Info().Time("expires_at", tok.Expiry).Msg("access token refreshed")

	if c.persist != nil {
		err := c.persist.SaveAuth(ctx, &store.Auth{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		})
		if err != nil {
			// The new token is still valid in memory; the old refresh
			// token keeps working for other processes until it is used.
			c.log.Error().Err(err).Msg("persisting refreshed token")
		}
	}

	return tok, nil
}

func (c *CredentialStore) setToken(tok *oauth2.Token) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func fromAuth(a *store.Auth) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		Expiry:       a.ExpiresAt,
		TokenType:    "Bearer",
	}
}

// SeedToken builds a token from bootstrap configuration values.
// It returns nil when no refresh token is configured.
func SeedToken(accessToken, refreshToken string, expiresAt int64) *oauth2.Token {
	if refreshToken == "" {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	if expiresAt > 0 {
		tok.Expiry = time.Unix(expiresAt, 0)
	}
	return tok
}

// String describes the cached token state for status output
func (c *CredentialStore) String() string {
	exp := c.Expiry()
	if exp.IsZero() {
		return "no token"
	}
	return fmt.Sprintf("token expires %s", exp.UTC().Format(time.RFC3339))
}
