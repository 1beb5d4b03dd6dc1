package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"oidcedge/edge"
	"oidcedge/jwk"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Origin.Target = "http://origin.internal:3000"
	cfg.OIDC.Issuer = "https://idp.example.com"
	cfg.OIDC.AuthorizationEndpoint = "https://idp.example.com/authorize"
	cfg.OIDC.TokenEndpoint = "https://idp.example.com/token"
	cfg.OIDC.ClientID = "client"
	cfg.OIDC.RedirectURI = "https://app.example.com/callback"
	cfg.OIDC.JWKS = jwk.KeySet{Keys: []jwk.JSONWebKey{publicJWK("k1", &generateKey(t).PublicKey)}}
	return cfg
}

func TestLoadConfigAppliesDefaultsAndEnvOverrides(t *testing.T) {
	key := publicJWK("k1", &generateKey(t).PublicKey)
	yaml := fmt.Sprintf(`# gateway
server:
  dev_mode: true
origin:
  target: http://localhost:3000
oidc:
  issuer: https://idp.example.com
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
  client_id: web
  client_secret: s3cret
  redirect_uri: https://app.example.com/callback
  jwks:
    keys:
      # primary signing key
      - kid: %s
        kty: RSA
        use: sig
        n: %s
        e: %s
`, key.Kid, key.N, key.E)
	path := writeFile(t, "config.yaml", yaml)

	t.Setenv("OIDCEDGE_ORIGIN_TARGET", "http://backend:8080")
	t.Setenv("OIDCEDGE_TOKEN_DEADLINE_SCALE", "0.5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Origin.Target != "http://backend:8080" {
		t.Fatalf("origin target override mismatch, got %q", cfg.Origin.Target)
	}
	if cfg.Token.DeadlineScale != 0.5 {
		t.Fatalf("deadline scale override mismatch, got %v", cfg.Token.DeadlineScale)
	}
	if cfg.Cookies.NamePrefix != "oidc_token_" || cfg.Cookies.ChunkMaxLength != 3000 || cfg.Cookies.MaxCount != 10 {
		t.Fatalf("cookie defaults not applied: %+v", cfg.Cookies)
	}
	if cfg.Token.ExchangeHeader != "X-Oidc-Token-Exchange" || cfg.OIDC.Scope != "openid" {
		t.Fatalf("token defaults not applied: %+v / %q", cfg.Token, cfg.OIDC.Scope)
	}
	if len(cfg.OIDC.JWKS.Keys) != 1 || cfg.OIDC.JWKS.Keys[0].N != key.N {
		t.Fatalf("inline jwks not decoded: %+v", cfg.OIDC.JWKS)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", `origin:
  target: http://localhost:3000
  retries: 3
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadConfigReadsJWKSFile(t *testing.T) {
	set := jwk.KeySet{Keys: []jwk.JSONWebKey{publicJWK("file-key", &generateKey(t).PublicKey)}}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	jwksPath := writeFile(t, "jwks.json", string(data))
	path := writeFile(t, "config.yaml", fmt.Sprintf(`origin:
  target: http://localhost:3000
oidc:
  issuer: https://idp.example.com
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
  client_id: web
  redirect_uri: https://app.example.com/callback
  jwks_file: %s
`, jwksPath))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if diff := cmp.Diff(set, cfg.OIDC.JWKS); diff != "" {
		t.Fatalf("jwks mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		modify  func(*Config)
		wantErr string
	}{
		"valid":               {modify: func(*Config) {}},
		"missing origin":      {modify: func(c *Config) { c.Origin.Target = "" }, wantErr: "origin.target"},
		"relative origin":     {modify: func(c *Config) { c.Origin.Target = "/backend" }, wantErr: "origin.target"},
		"bad origin timeout":  {modify: func(c *Config) { c.Origin.Timeout = "soon" }, wantErr: "origin.timeout"},
		"missing issuer":      {modify: func(c *Config) { c.OIDC.Issuer = "" }, wantErr: "oidc.issuer"},
		"missing token url":   {modify: func(c *Config) { c.OIDC.TokenEndpoint = "" }, wantErr: "oidc.token_endpoint"},
		"ftp redirect":        {modify: func(c *Config) { c.OIDC.RedirectURI = "ftp://app/callback" }, wantErr: "oidc.redirect_uri"},
		"no keys":             {modify: func(c *Config) { c.OIDC.JWKS = jwk.KeySet{} }, wantErr: "oidc.jwks"},
		"zero chunk length":   {modify: func(c *Config) { c.Cookies.ChunkMaxLength = 0 }, wantErr: "cookies"},
		"empty prefix":        {modify: func(c *Config) { c.Cookies.NamePrefix = "" }, wantErr: "cookies.name_prefix"},
		"prefix with spaces":  {modify: func(c *Config) { c.Cookies.NamePrefix = "my token " }, wantErr: "cookies.name_prefix"},
		"prefix with equals":  {modify: func(c *Config) { c.Cookies.NamePrefix = "tok=" }, wantErr: "cookies.name_prefix"},
		"scale above one":     {modify: func(c *Config) { c.Token.DeadlineScale = 1.5 }, wantErr: "deadline_scale"},
		"zero scale":          {modify: func(c *Config) { c.Token.DeadlineScale = 0 }, wantErr: "deadline_scale"},
		"bad exchange header": {modify: func(c *Config) { c.Token.ExchangeHeader = "X Token" }, wantErr: "exchange_header"},
		"bad hook header":     {modify: func(c *Config) { c.Hooks.ResponseHeaders = map[string]string{"a:b": "1"} }, wantErr: "hooks.response_headers"},
		"bad log format":      {modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		"prod without domains": {
			modify:  func(c *Config) { c.Server.DevMode = false; c.Server.TLS.Domains = nil },
			wantErr: "server.tls.domains",
		},
		"discovery fills endpoints and keys": {
			modify: func(c *Config) {
				c.OIDC.Discovery = true
				c.OIDC.AuthorizationEndpoint = ""
				c.OIDC.TokenEndpoint = ""
				c.OIDC.JWKS = jwk.KeySet{}
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEdgeConfigPrefersConfiguredEndpoints(t *testing.T) {
	cfg := validConfig(t)
	cfg.OIDC.ClientSecret = "s3cret"
	cfg.OIDC.TokenEndpoint = ""
	cfg.Token.ExchangeHeader = "x-oidc-token-exchange"

	got := cfg.EdgeConfig(Endpoints{
		AuthorizationEndpoint: "https://discovered.example.com/auth",
		TokenEndpoint:         "https://discovered.example.com/token",
	})
	want := edge.Config{
		Issuer:                "https://idp.example.com",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://discovered.example.com/token",
		ClientID:              "client",
		ClientSecret:          "s3cret",
		RedirectURI:           "https://app.example.com/callback",
		Scope:                 "openid",
		CookieNamePrefix:      "oidc_token_",
		CookieChunkMaxLength:  3000,
		CookieMaxCount:        10,
		TokenExchangeHeader:   "X-Oidc-Token-Exchange",
		TokenDeadlineScale:    0.9,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("edge config mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	if diff := cmp.Diff([]string{"a", "b", "c"}, out); diff != "" {
		t.Fatalf("splitAndTrim mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestParseFloatFallback(t *testing.T) {
	if parseFloat("x", 0.9) != 0.9 {
		t.Fatalf("invalid float should return fallback")
	}
	if parseFloat(" 0.25 ", 0.9) != 0.25 {
		t.Fatalf("parsed float mismatch")
	}
}
