package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"oidcedge/jwk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func publicJWK(kid string, pub *rsa.PublicKey) jwk.JSONWebKey {
	return jwk.JSONWebKey{
		Kid: kid,
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

// stubProvider serves discovery, a JWK set and a token endpoint.
type stubProvider struct {
	t    *testing.T
	srv  *httptest.Server
	priv *rsa.PrivateKey

	mu     sync.Mutex
	grants []url.Values
	status int
}

func newStubProvider(t *testing.T) *stubProvider {
	t.Helper()
	p := &stubProvider{t: t, priv: generateKey(t)}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *stubProvider) issuer() string {
	return p.srv.URL
}

func (p *stubProvider) accessToken() string {
	return signToken(p.t, p.priv, "k1", jwt.MapClaims{"iss": p.issuer(), "sub": "alice"})
}

func (p *stubProvider) setStatus(status int) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *stubProvider) received() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.grants...)
}

func (p *stubProvider) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                p.issuer(),
			"authorization_endpoint":                p.issuer() + "/authorize",
			"token_endpoint":                        p.issuer() + "/token",
			"jwks_uri":                              p.issuer() + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	case "/jwks":
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{
			publicJWK("k1", &p.priv.PublicKey),
			map[string]string{"kid": "ec1", "kty": "EC", "use": "sig", "crv": "P-256", "x": "AA", "y": "AA"},
		}})
	case "/token":
		if err := r.ParseForm(); err != nil {
			p.t.Errorf("parse token form: %v", err)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "client" || pass != "s3cret" {
			p.t.Errorf("token endpoint basic auth = %q/%q/%v", user, pass, ok)
		}
		p.mu.Lock()
		p.grants = append(p.grants, r.PostForm)
		status := p.status
		p.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  p.accessToken(),
			"refresh_token": "rt-" + r.PostForm.Get("grant_type"),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	default:
		http.NotFound(w, r)
	}
}

// stubOrigin records the requests it receives.
type stubOrigin struct {
	srv *httptest.Server

	mu   sync.Mutex
	last *http.Request
	hits int
}

func newStubOrigin(t *testing.T) *stubOrigin {
	t.Helper()
	o := &stubOrigin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.last = r.Clone(r.Context())
		o.hits++
		o.mu.Unlock()

		w.Header().Set("X-Origin", "1")
		w.Header().Set("X-Oidc-Token-Exchange", "from-origin")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("origin ok"))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *stubOrigin) lastRequest() (*http.Request, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.hits
}

// browserCookies turns Set-Cookie headers into the Cookie header a browser
// would send back, skipping cookies that were expired.
func browserCookies(setCookies http.Header) string {
	var pairs []string
	for _, c := range (&http.Response{Header: setCookies}).Cookies() {
		if c.Value == "" || c.Expires.Unix() <= 0 {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}
