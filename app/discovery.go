package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"

	"oidcedge/jwk"
)

// Endpoints are the provider endpoints resolved through discovery.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
}

// Discover reads the issuer's OpenID configuration document.
func Discover(ctx context.Context, issuer string, client *http.Client) (Endpoints, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover provider %s: %w", issuer, err)
	}

	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := op.Claims(&claims); err != nil {
		return Endpoints{}, fmt.Errorf("decode discovery document: %w", err)
	}

	endpoint := op.Endpoint()
	return Endpoints{
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		JWKSURI:               claims.JWKSURI,
	}, nil
}

// FetchKeySet downloads a JWK set and keeps its RSA signature keys.
func FetchKeySet(ctx context.Context, uri string, client *http.Client, logger *slog.Logger) (jwk.KeySet, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return jwk.KeySet{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return jwk.KeySet{}, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return jwk.KeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jwk.KeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jwk.KeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return signingKeys(set, logger), nil
}

// signingKeys drops keys the keyring cannot use. Published sets often mix in
// encryption or EC keys; keys without a use are taken as signature keys.
func signingKeys(set jwk.KeySet, logger *slog.Logger) jwk.KeySet {
	out := jwk.KeySet{Keys: make([]jwk.JSONWebKey, 0, len(set.Keys))}
	for _, key := range set.Keys {
		if key.Use == "" {
			key.Use = "sig"
		}
		if key.Kty != "RSA" || key.Use != "sig" {
			logger.Info("jwk skipped", "kid", key.Kid, "kty", key.Kty, "use", key.Use)
			continue
		}
		out.Keys = append(out.Keys, key)
	}
	return out
}

func readKeySet(path string) (jwk.KeySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return jwk.KeySet{}, fmt.Errorf("read jwks file: %w", err)
	}
	var set jwk.KeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return jwk.KeySet{}, fmt.Errorf("parse jwks file %s: %w", path, err)
	}
	return set, nil
}

// ResolveProvider runs discovery when enabled and builds the keyring. Keys
// from jwks_uri are only fetched when the configuration carries none.
func ResolveProvider(ctx context.Context, cfg Config, client *http.Client, logger *slog.Logger) (Endpoints, *jwk.Keyring, error) {
	var endpoints Endpoints
	set := cfg.OIDC.JWKS

	if cfg.OIDC.Discovery {
		var err error
		endpoints, err = Discover(ctx, cfg.OIDC.Issuer, client)
		if err != nil {
			return Endpoints{}, nil, err
		}
		logger.Info("provider discovered",
			"issuer", cfg.OIDC.Issuer,
			"authorization_endpoint", endpoints.AuthorizationEndpoint,
			"token_endpoint", endpoints.TokenEndpoint,
		)
		if len(set.Keys) == 0 {
			if endpoints.JWKSURI == "" {
				return Endpoints{}, nil, fmt.Errorf("provider %s publishes no jwks_uri", cfg.OIDC.Issuer)
			}
			set, err = FetchKeySet(ctx, endpoints.JWKSURI, client, logger)
			if err != nil {
				return Endpoints{}, nil, err
			}
		}
	}

	keyring, err := jwk.NewKeyring(set, logger)
	if err != nil {
		return Endpoints{}, nil, fmt.Errorf("build keyring: %w", err)
	}
	if keyring.Len() == 0 {
		return Endpoints{}, nil, fmt.Errorf("no signing keys available for %s", cfg.OIDC.Issuer)
	}
	return endpoints, keyring, nil
}
