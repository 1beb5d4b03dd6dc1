package edge

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"oidcedge/jwk"
)

const testIssuer = "https://idp.example.com"

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
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func newTestKeyring(t *testing.T, kid string) (*rsa.PrivateKey, *jwk.Keyring) {
	t.Helper()
	priv := generateKey(t)
	kr, err := jwk.NewKeyring(jwk.KeySet{Keys: []jwk.JSONWebKey{publicJWK(kid, &priv.PublicKey)}}, testLogger())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return priv, kr
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

// browserCookies turns Set-Cookie headers into the Cookie header a browser
// would send back, skipping cookies that were expired.
func browserCookies(t *testing.T, setCookies http.Header) string {
	t.Helper()
	var pairs []string
	for _, c := range (&http.Response{Header: setCookies}).Cookies() {
		if c.Value == "" || c.Expires.Unix() <= 0 {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}
