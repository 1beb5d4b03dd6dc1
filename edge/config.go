package edge

import (
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/net/http/httpguts"
)

// Config is the immutable, process-wide configuration of the gateway core.
type Config struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	Scope                 string

	CookieNamePrefix     string
	CookieChunkMaxLength int
	CookieMaxCount       int

	// TokenExchangeHeader carries a refreshed token from the request phase to
	// the response phase of the same exchange.
	TokenExchangeHeader string
	// TokenDeadlineScale is the fraction of expires_in after which a token is
	// refreshed.
	TokenDeadlineScale float64
}

// Validate checks the fields the core depends on.
func (c Config) Validate() error {
	required := []struct{ name, value string }{
		{"issuer", c.Issuer},
		{"authorization endpoint", c.AuthorizationEndpoint},
		{"token endpoint", c.TokenEndpoint},
		{"client id", c.ClientID},
		{"redirect uri", c.RedirectURI},
		{"cookie name prefix", c.CookieNamePrefix},
		{"token exchange header", c.TokenExchangeHeader},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	// Cookie names share the token grammar of header field names.
	if !httpguts.ValidHeaderFieldName(c.CookieNamePrefix) {
		return fmt.Errorf("cookie name prefix %q is not a valid cookie name", c.CookieNamePrefix)
	}
	if !httpguts.ValidHeaderFieldName(c.TokenExchangeHeader) {
		return fmt.Errorf("token exchange header %q is not a valid header name", c.TokenExchangeHeader)
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return fmt.Errorf("redirect uri: %w", err)
	}
	if c.CookieChunkMaxLength <= 0 {
		return errors.New("cookie chunk max length must be positive")
	}
	if c.CookieMaxCount <= 0 {
		return errors.New("cookie max count must be positive")
	}
	if c.TokenDeadlineScale <= 0 {
		return errors.New("token deadline scale must be positive")
	}
	return nil
}
