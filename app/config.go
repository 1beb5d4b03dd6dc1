package app

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"

	"oidcedge/edge"
	"oidcedge/jwk"
)

// Cookie and token defaults.
const (
	DefaultCookieNamePrefix     = "oidc_token_"
	DefaultCookieChunkMaxLength = 3000
	DefaultCookieMaxCount       = 10
	DefaultTokenExchangeHeader  = "X-Oidc-Token-Exchange"
	DefaultTokenDeadlineScale   = 0.9
	DefaultScope                = "openid"
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Origin  OriginConfig  `yaml:"origin"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Cookies CookieConfig  `yaml:"cookies"`
	Token   TokenConfig   `yaml:"token"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls listener and TLS concerns.
type ServerConfig struct {
	DevMode         bool      `yaml:"dev_mode"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	AdminListenAddr string    `yaml:"admin_listen_addr"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OriginConfig describes the protected upstream.
type OriginConfig struct {
	Target             string `yaml:"target"`
	Timeout            string `yaml:"timeout"`
	PreserveHost       bool   `yaml:"preserve_host"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// OIDCConfig holds the provider endpoints, client credentials and keys.
type OIDCConfig struct {
	Issuer                string     `yaml:"issuer"`
	AuthorizationEndpoint string     `yaml:"authorization_endpoint"`
	TokenEndpoint         string     `yaml:"token_endpoint"`
	ClientID              string     `yaml:"client_id"`
	ClientSecret          string     `yaml:"client_secret"`
	RedirectURI           string     `yaml:"redirect_uri"`
	Scope                 string     `yaml:"scope"`
	Discovery             bool       `yaml:"discovery"`
	JWKSFile              string     `yaml:"jwks_file"`
	JWKS                  jwk.KeySet `yaml:"jwks"`
}

// CookieConfig controls how the token is chunked into cookies.
type CookieConfig struct {
	NamePrefix     string `yaml:"name_prefix"`
	ChunkMaxLength int    `yaml:"chunk_max_length"`
	MaxCount       int    `yaml:"max_count"`
}

// TokenConfig controls refresh timing and the token endpoint.
type TokenConfig struct {
	ExchangeHeader  string  `yaml:"exchange_header"`
	DeadlineScale   float64 `yaml:"deadline_scale"`
	EndpointTimeout string  `yaml:"endpoint_timeout"`
}

// HooksConfig lists headers added by the built-in hooks.
type HooksConfig struct {
	RequestHeaders  map[string]string `yaml:"request_headers"`
	ResponseHeaders map[string]string `yaml:"response_headers"`
}

// LoggingConfig selects the log level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.OIDC.JWKSFile != "" {
		set, err := readKeySet(cfg.OIDC.JWKSFile)
		if err != nil {
			return Config{}, err
		}
		cfg.OIDC.JWKS.Keys = append(cfg.OIDC.JWKS.Keys, set.Keys...)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevMode:         true,
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			AdminListenAddr: "127.0.0.1:9090",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		Origin: OriginConfig{
			Timeout: "30s",
		},
		OIDC: OIDCConfig{
			Scope: DefaultScope,
		},
		Cookies: CookieConfig{
			NamePrefix:     DefaultCookieNamePrefix,
			ChunkMaxLength: DefaultCookieChunkMaxLength,
			MaxCount:       DefaultCookieMaxCount,
		},
		Token: TokenConfig{
			ExchangeHeader:  DefaultTokenExchangeHeader,
			DeadlineScale:   DefaultTokenDeadlineScale,
			EndpointTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCEDGE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCEDGE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCEDGE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCEDGE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCEDGE_SERVER_ADMIN_LISTEN_ADDR": func(v string) { cfg.Server.AdminListenAddr = v },
		"OIDCEDGE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCEDGE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCEDGE_ORIGIN_TARGET":            func(v string) { cfg.Origin.Target = v },
		"OIDCEDGE_OIDC_ISSUER":              func(v string) { cfg.OIDC.Issuer = v },
		"OIDCEDGE_OIDC_CLIENT_ID":           func(v string) { cfg.OIDC.ClientID = v },
		"OIDCEDGE_OIDC_CLIENT_SECRET":       func(v string) { cfg.OIDC.ClientSecret = v },
		"OIDCEDGE_OIDC_REDIRECT_URI":        func(v string) { cfg.OIDC.RedirectURI = v },
		"OIDCEDGE_OIDC_DISCOVERY":           func(v string) { cfg.OIDC.Discovery = parseBool(v, cfg.OIDC.Discovery) },
		"OIDCEDGE_OIDC_JWKS_FILE":           func(v string) { cfg.OIDC.JWKSFile = v },
		"OIDCEDGE_TOKEN_DEADLINE_SCALE":     func(v string) { cfg.Token.DeadlineScale = parseFloat(v, cfg.Token.DeadlineScale) },
		"OIDCEDGE_LOGGING_LEVEL":            func(v string) { cfg.Logging.Level = v },
		"OIDCEDGE_LOGGING_FORMAT":           func(v string) { cfg.Logging.Format = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseFloat(val string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return fallback
	}
	return f
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Provider endpoints and keys
// may be left empty when discovery is enabled.
func (c Config) Validate() error {
	if c.Origin.Target == "" {
		slog.Error("Missing required configuration", "field", "origin.target")
		return errors.New("origin.target is required")
	}
	if err := validateHTTPURL("origin.target", c.Origin.Target); err != nil {
		return err
	}
	if c.Origin.Timeout != "" {
		if _, err := time.ParseDuration(c.Origin.Timeout); err != nil {
			slog.Error("Invalid origin timeout", "timeout", c.Origin.Timeout, "error", err)
			return fmt.Errorf("origin.timeout: invalid duration '%s': %w", c.Origin.Timeout, err)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	required := []struct{ field, value string }{
		{"oidc.issuer", c.OIDC.Issuer},
		{"oidc.client_id", c.OIDC.ClientID},
		{"oidc.redirect_uri", c.OIDC.RedirectURI},
	}
	if !c.OIDC.Discovery {
		required = append(required,
			struct{ field, value string }{"oidc.authorization_endpoint", c.OIDC.AuthorizationEndpoint},
			struct{ field, value string }{"oidc.token_endpoint", c.OIDC.TokenEndpoint},
		)
	}
	for _, f := range required {
		if f.value == "" {
			slog.Error("Missing required configuration", "field", f.field)
			return fmt.Errorf("%s is required", f.field)
		}
	}
	for _, f := range []struct{ field, value string }{
		{"oidc.redirect_uri", c.OIDC.RedirectURI},
		{"oidc.authorization_endpoint", c.OIDC.AuthorizationEndpoint},
		{"oidc.token_endpoint", c.OIDC.TokenEndpoint},
	} {
		if f.value == "" {
			continue
		}
		if err := validateHTTPURL(f.field, f.value); err != nil {
			return err
		}
	}

	if !c.OIDC.Discovery && len(c.OIDC.JWKS.Keys) == 0 {
		slog.Error("Missing required configuration", "field", "oidc.jwks", "reason", "no keys and discovery disabled")
		return errors.New("oidc.jwks must contain at least one key unless oidc.discovery is enabled")
	}

	if c.Cookies.NamePrefix == "" {
		return errors.New("cookies.name_prefix is required")
	}
	if !validHeaderName(c.Cookies.NamePrefix) {
		slog.Error("Invalid cookie name prefix", "field", "cookies.name_prefix", "value", c.Cookies.NamePrefix)
		return fmt.Errorf("cookies.name_prefix %q is not a valid cookie name", c.Cookies.NamePrefix)
	}
	if c.Cookies.ChunkMaxLength <= 0 || c.Cookies.MaxCount <= 0 {
		slog.Error("Invalid cookie limits", "chunk_max_length", c.Cookies.ChunkMaxLength, "max_count", c.Cookies.MaxCount)
		return errors.New("cookies.chunk_max_length and cookies.max_count must be positive")
	}

	if !validHeaderName(c.Token.ExchangeHeader) {
		slog.Error("Invalid token exchange header", "field", "token.exchange_header", "value", c.Token.ExchangeHeader)
		return fmt.Errorf("token.exchange_header %q is not a valid header name", c.Token.ExchangeHeader)
	}
	if c.Token.DeadlineScale <= 0 || c.Token.DeadlineScale > 1 {
		slog.Error("Invalid deadline scale", "field", "token.deadline_scale", "value", c.Token.DeadlineScale)
		return fmt.Errorf("token.deadline_scale must be in (0, 1], got: %v", c.Token.DeadlineScale)
	}
	if c.Token.EndpointTimeout != "" {
		if _, err := time.ParseDuration(c.Token.EndpointTimeout); err != nil {
			return fmt.Errorf("token.endpoint_timeout: invalid duration '%s': %w", c.Token.EndpointTimeout, err)
		}
	}

	for name := range c.Hooks.RequestHeaders {
		if !validHeaderName(name) {
			return fmt.Errorf("hooks.request_headers: %q is not a valid header name", name)
		}
	}
	for name := range c.Hooks.ResponseHeaders {
		if !validHeaderName(name) {
			return fmt.Errorf("hooks.response_headers: %q is not a valid header name", name)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got: %s", c.Logging.Format)
	}

	return nil
}

// EdgeConfig resolves the core configuration. Endpoints found through
// discovery fill whatever the file left empty.
func (c Config) EdgeConfig(discovered Endpoints) edge.Config {
	authorize := c.OIDC.AuthorizationEndpoint
	if authorize == "" {
		authorize = discovered.AuthorizationEndpoint
	}
	token := c.OIDC.TokenEndpoint
	if token == "" {
		token = discovered.TokenEndpoint
	}
	return edge.Config{
		Issuer:                c.OIDC.Issuer,
		AuthorizationEndpoint: authorize,
		TokenEndpoint:         token,
		ClientID:              c.OIDC.ClientID,
		ClientSecret:          c.OIDC.ClientSecret,
		RedirectURI:           c.OIDC.RedirectURI,
		Scope:                 c.OIDC.Scope,
		CookieNamePrefix:      c.Cookies.NamePrefix,
		CookieChunkMaxLength:  c.Cookies.ChunkMaxLength,
		CookieMaxCount:        c.Cookies.MaxCount,
		TokenExchangeHeader:   http.CanonicalHeaderKey(c.Token.ExchangeHeader),
		TokenDeadlineScale:    c.Token.DeadlineScale,
	}
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("%s must be an absolute http:// or https:// URL, got: %s", field, raw)
	}
	return nil
}

func validHeaderName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}
