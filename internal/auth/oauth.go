package auth

import (
	"golang.org/x/oauth2"
)

// TokenURL is Strava's OAuth token endpoint
const TokenURL = "https://www.strava.com/oauth/token"

// Config holds the OAuth client credentials
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to TokenURL
}

// NewOAuthConfig creates an oauth2.Config from our Config.
// Strava expects client credentials in the form body.
func NewOAuthConfig(cfg Config) *oauth2.Config {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// expiryFromExtra reads Strava's absolute expires_at field, which is more
// reliable than the relative expires_in the oauth2 package uses.
func expiryFromExtra(tok *oauth2.Token) (int64, bool) {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	}
	return 0, false
}
