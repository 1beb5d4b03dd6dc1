package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// OAuthClient talks to the provider's authorization and token endpoints.
// Token endpoint calls use HTTP Basic client authentication and are attempted
// once.
type OAuthClient struct {
	oauth  *oauth2.Config
	client *http.Client
	scale  float64
	logger *slog.Logger
	now    func() time.Time
}

// NewOAuthClient builds a client from cfg. A nil httpClient uses the oauth2
// default transport.
func NewOAuthClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *OAuthClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client: httpClient,
		scale:  cfg.TokenDeadlineScale,
		logger: logger,
		now:    time.Now,
	}
}

// AuthorizationURL returns the provider URL that starts an authorization-code
// flow, carrying state as JSON.
func (c *OAuthClient) AuthorizationURL(state AuthorizationState) string {
	return c.oauth.AuthCodeURL(state.encode())
}

// ExchangeCode redeems an authorization code. Transport failures and non-2xx
// responses are returned to the caller.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := c.oauth.Exchange(c.context(ctx), code,
		oauth2.SetAuthURLParam("client_id", c.oauth.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return c.merge(nil, tok), nil
}

// Refresh runs the refresh_token grant for tok and returns a merged copy with
// a new deadline. Failures are logged and reported as nil.
func (c *OAuthClient) Refresh(ctx context.Context, tok *Token) *Token {
	if tok == nil || tok.RefreshToken == "" {
		c.logger.Warn("token refresh skipped", "reason", "no refresh token")
		return nil
	}
	src := c.oauth.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		c.logger.Error("token refresh failed", "error", err)
		return nil
	}
	return c.merge(tok, fresh)
}

func (c *OAuthClient) context(ctx context.Context) context.Context {
	if c.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

// merge overlays the fields of a token endpoint response on base.
func (c *OAuthClient) merge(base *Token, t *oauth2.Token) *Token {
	now := c.now()
	out := Token{}
	if base != nil {
		out = *base
	}
	out.AccessToken = t.AccessToken
	if t.TokenType != "" {
		out.TokenType = t.TokenType
	}
	if t.RefreshToken != "" {
		out.RefreshToken = t.RefreshToken
	}
	if v, ok := t.Extra("id_token").(string); ok && v != "" {
		out.IDToken = v
	}
	if v, ok := t.Extra("scope").(string); ok && v != "" {
		out.Scope = v
	}
	out.ExpiresIn = expiresIn(t, now)
	out.Deadline = computeDeadline(now, out.ExpiresIn, c.scale)
	return &out
}

// fallbackExpiresIn is the lifetime in seconds assumed when the response has
// neither expires_in nor an access token exp claim.
const fallbackExpiresIn = 300

// expiresIn reads expires_in from the raw response. Without it the access
// token's exp claim is used, then fallbackExpiresIn.
func expiresIn(t *oauth2.Token, now time.Time) int64 {
	switch v := t.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if !t.Expiry.IsZero() {
		if n := int64(t.Expiry.Sub(now).Round(time.Second) / time.Second); n > 0 {
			return n
		}
	}
	if exp := expiryClaim(t.AccessToken); !exp.IsZero() {
		if n := int64(exp.Sub(now) / time.Second); n > 0 {
			return n
		}
	}
	return fallbackExpiresIn
}

// expiryClaim reads exp from an access token without verifying it. Opaque
// tokens yield the zero time.
func expiryClaim(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
