// Package jwk turns RSA JSON Web Keys into verification keys.
//
// Keys are converted by building the DER SubjectPublicKeyInfo from the raw
// modulus and exponent, framing it as PEM, and parsing it back into an
// *rsa.PublicKey. A Keyring is built once at cold start and only read after.
package jwk

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedKey is returned for keys that are not RSA signature keys.
var ErrUnsupportedKey = errors.New("unsupported jwk")

// JSONWebKey is the subset of RFC 7517 fields the keyring understands.
type JSONWebKey struct {
	Kid string `json:"kid" yaml:"kid"`
	Kty string `json:"kty" yaml:"kty"`
	Use string `json:"use" yaml:"use"`
	Alg string `json:"alg,omitempty" yaml:"alg,omitempty"`
	N   string `json:"n" yaml:"n"`
	E   string `json:"e" yaml:"e"`
}

// KeySet is a JWK set document.
type KeySet struct {
	Keys []JSONWebKey `json:"keys" yaml:"keys"`
}

// Entry describes one loaded key.
type Entry struct {
	Kid        string
	Thumbprint string
	PEM        string
}

// Keyring maps key ids to RSA public keys. It is immutable once built.
type Keyring struct {
	keys    map[string]*rsa.PublicKey
	entries []Entry
}

// ToPEM converts an RSA signature JWK into a PEM framed SubjectPublicKeyInfo.
func ToPEM(key JSONWebKey) ([]byte, error) {
	if key.Kty != "RSA" {
		return nil, fmt.Errorf("%w: kid %q: only RSA keys are supported, got kty %q", ErrUnsupportedKey, key.Kid, key.Kty)
	}
	if key.Use != "sig" {
		return nil, fmt.Errorf("%w: kid %q: only signature keys are supported, got use %q", ErrUnsupportedKey, key.Kid, key.Use)
	}
	n, err := decodeComponent(key.N)
	if err != nil {
		return nil, fmt.Errorf("kid %q: modulus: %w", key.Kid, err)
	}
	e, err := decodeComponent(key.E)
	if err != nil {
		return nil, fmt.Errorf("kid %q: exponent: %w", key.Kid, err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: subjectPublicKeyInfo(n, e),
	}), nil
}

// publicKey converts an RSA signature JWK into an *rsa.PublicKey, returning
// the PEM block it was parsed from.
func publicKey(key JSONWebKey) (*rsa.PublicKey, []byte, error) {
	block, err := ToPEM(key)
	if err != nil {
		return nil, nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("kid %q: parse public key: %w", key.Kid, err)
	}
	return pub, block, nil
}

// NewKeyring converts every key in the set. Any unsupported or malformed key
// fails construction.
func NewKeyring(set KeySet, logger *slog.Logger) (*Keyring, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kr := &Keyring{keys: make(map[string]*rsa.PublicKey, len(set.Keys))}
	for _, key := range set.Keys {
		if _, dup := kr.keys[key.Kid]; dup {
			return nil, fmt.Errorf("duplicate kid %q", key.Kid)
		}
		pub, pemBytes, err := publicKey(key)
		if err != nil {
			return nil, err
		}
		thumb, err := thumbprint(pub)
		if err != nil {
			return nil, fmt.Errorf("kid %q: thumbprint: %w", key.Kid, err)
		}
		kr.keys[key.Kid] = pub
		kr.entries = append(kr.entries, Entry{Kid: key.Kid, Thumbprint: thumb, PEM: string(pemBytes)})
		logger.Info("jwk loaded", "kid", key.Kid, "bits", pub.N.BitLen(), "thumbprint", thumb)
	}
	sort.Slice(kr.entries, func(i, j int) bool { return kr.entries[i].Kid < kr.entries[j].Kid })
	return kr, nil
}

// Lookup returns the key registered under kid.
func (k *Keyring) Lookup(kid string) (*rsa.PublicKey, bool) {
	if k == nil {
		return nil, false
	}
	pub, ok := k.keys[kid]
	return pub, ok
}

// Keyfunc selects the verification key by the token's kid header.
func (k *Keyring) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("kid header missing")
	}
	pub, ok := k.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return pub, nil
}

// Len reports the number of loaded keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// Entries lists loaded keys ordered by kid.
func (k *Keyring) Entries() []Entry {
	if k == nil {
		return nil
	}
	out := make([]Entry, len(k.entries))
	copy(out, k.entries)
	return out
}

func thumbprint(pub *rsa.PublicKey) (string, error) {
	sum, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// decodeComponent decodes a base64url big-endian integer, with or without
// padding.
func decodeComponent(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return b, nil
}
