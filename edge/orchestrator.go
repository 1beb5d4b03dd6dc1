// Package edge implements the token lifecycle of the gateway: reading the
// token from chunked cookies, refreshing it, completing the authorization-code
// callback, verifying access tokens and handing refreshed tokens from the
// request phase to the response phase of one exchange.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oidcedge/jwk"
)

// Orchestrator decides, per exchange, whether to pass a request through,
// redirect to the provider, complete a callback, refresh or reject. It holds
// no per-request state and is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	cookies     *CookieCodec
	verifier    *Verifier
	oauth       *OAuthClient
	hooks       Hooks
	redirectURL *url.URL
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator wires the core components for cfg. httpClient is used for
// token endpoint calls.
func NewOrchestrator(cfg Config, keyring *jwk.Keyring, httpClient *http.Client, hooks Hooks, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if keyring.Len() == 0 {
		return nil, errors.New("keyring is empty")
	}
	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	if redirect.Path == "" {
		redirect.Path = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		cookies:     NewCookieCodec(cfg.CookieNamePrefix, cfg.CookieChunkMaxLength, cfg.CookieMaxCount),
		verifier:    NewVerifier(keyring, cfg.Issuer),
		oauth:       NewOAuthClient(cfg, httpClient, logger),
		hooks:       hooks.withDefaults(),
		redirectURL: redirect,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// HandleRequest runs the request phase. req is modified in place and, unless
// a response short-circuits the exchange, returned as the request to forward.
func (o *Orchestrator) HandleRequest(ctx context.Context, inv Invocation, req *Request) (Result, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	logger := o.logger.With("invocation_id", inv.ID, "path", req.URI)

	tok, err := parseToken(o.cookies.Decode(req.Header))
	if err != nil {
		logger.Debug("token cookie unreadable", "error", err)
		tok = nil
	}

	// Only the request phase may set the exchange header.
	req.Header.Del(o.cfg.TokenExchangeHeader)

	res := Result{Request: req, Outcome: OutcomePass}

	if tok != nil && tok.Expired(o.now()) {
		refreshed := o.oauth.Refresh(ctx, tok)
		if refreshed == nil {
			logger.Info("token refresh failed, re-authenticating")
		} else {
			data, _ := json.Marshal(refreshed)
			for _, chunk := range splitChunks(string(data), o.cfg.CookieChunkMaxLength) {
				req.Header.Add(o.cfg.TokenExchangeHeader, chunk)
			}
			res.Outcome = OutcomeRefreshed
		}
		tok = refreshed
	}

	if tok == nil {
		query, _ := url.ParseQuery(req.Querystring)
		if req.URI == o.redirectURL.Path && query.Has("code") {
			res, tok = o.completeCallback(ctx, logger, query)
		} else {
			res = Result{Response: o.loginRedirect(req), Outcome: OutcomeLogin}
		}
	}

	if tok != nil {
		if reason := o.checkAccessToken(tok); reason != nil {
			logger.Warn("access token rejected", "error", reason)
			res = o.failure(http.StatusUnauthorized, OutcomeRejected)
		}
	}

	return o.hooks.Request.TransformRequest(ctx, inv, res)
}

// HandleResponse runs the response phase. req is the request forwarded by the
// request phase of the same exchange.
func (o *Orchestrator) HandleResponse(ctx context.Context, inv Invocation, req *Request, resp *Response) (*Response, error) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if req != nil && req.Header != nil {
		if chunks := req.Header.Values(o.cfg.TokenExchangeHeader); len(chunks) > 0 {
			o.materialize(inv, resp, strings.Join(chunks, ""))
		}
	}
	resp.Header.Del(o.cfg.TokenExchangeHeader)

	return o.hooks.Response.TransformResponse(ctx, inv, resp)
}

func (o *Orchestrator) materialize(inv Invocation, resp *Response, data string) {
	logger := o.logger.With("invocation_id", inv.ID)
	tok, err := parseToken(data)
	if err != nil || tok == nil {
		logger.Warn("exchanged token unreadable", "error", err)
		return
	}
	if err := o.cookies.Encode(resp.Header, data, tok.DeadlineTime()); err != nil {
		logger.Error("refreshed token not stored", "error", err)
	}
}

func (o *Orchestrator) completeCallback(ctx context.Context, logger *slog.Logger, query url.Values) (Result, *Token) {
	state, err := decodeState(query.Get("state"))
	if err != nil {
		logger.Warn("callback state rejected", "error", err)
		return o.failure(http.StatusBadRequest, OutcomeBadState), nil
	}

	tok, err := o.oauth.ExchangeCode(ctx, query.Get("code"))
	if err != nil {
		logger.Error("code exchange failed", "error", err)
		return o.failure(http.StatusBadGateway, OutcomeExchangeFailed), nil
	}

	resp := newResponse(http.StatusFound)
	resp.Header.Set("Location", o.returnURL(state))
	data, _ := json.Marshal(tok)
	if err := o.cookies.Encode(resp.Header, string(data), tok.DeadlineTime()); err != nil {
		logger.Error("token not stored", "error", err)
		return o.failure(http.StatusInternalServerError, OutcomeOverflow), nil
	}
	logger.Info("callback completed", "location", resp.Header.Get("Location"))
	return Result{Response: resp, Outcome: OutcomeCallback}, tok
}

func (o *Orchestrator) loginRedirect(req *Request) *Response {
	resp := newResponse(http.StatusFound)
	resp.Header.Set("Location", o.oauth.AuthorizationURL(AuthorizationState{
		URI:         req.URI,
		Querystring: req.Querystring,
	}))
	o.cookies.Clear(resp.Header)
	return resp
}

func (o *Orchestrator) checkAccessToken(tok *Token) error {
	if tok.AccessToken == "" {
		return errors.New("access_token missing")
	}
	return o.verifier.Check(tok.AccessToken)
}

// failure answers status and expires the token cookies.
func (o *Orchestrator) failure(status int, outcome Outcome) Result {
	resp := newResponse(status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(http.StatusText(status) + "\n")
	o.cookies.Clear(resp.Header)
	return Result{Response: resp, Outcome: outcome}
}

// returnURL rebuilds the originally requested page on the redirect URI's
// origin.
func (o *Orchestrator) returnURL(state AuthorizationState) string {
	u := url.URL{
		Scheme:   o.redirectURL.Scheme,
		Host:     o.redirectURL.Host,
		Path:     state.URI,
		RawQuery: state.Querystring,
	}
	return u.String()
}
