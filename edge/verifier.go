package edge

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"oidcedge/jwk"
)

var errIssuerMismatch = errors.New("issuer mismatch")

// Verifier checks compact RS256 tokens against a keyring and an issuer.
// Lifetime claims are not evaluated; the refresh deadline governs expiry.
type Verifier struct {
	keyring *jwk.Keyring
	issuer  string
	parser  *jwt.Parser
}

// NewVerifier returns a verifier bound to keyring and issuer.
func NewVerifier(keyring *jwk.Keyring, issuer string) *Verifier {
	return &Verifier{
		keyring: keyring,
		issuer:  issuer,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithPaddingAllowed(),
		),
	}
}

// Check returns the reason raw is not a valid token, or nil.
func (v *Verifier) Check(raw string) error {
	claims := jwt.MapClaims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, v.keyring.Keyfunc)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !tok.Valid {
		return errors.New("token invalid")
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("issuer claim: %w", err)
	}
	if iss != v.issuer {
		return fmt.Errorf("%w: got %q", errIssuerMismatch, iss)
	}
	return nil
}

// Verify reports whether raw carries a valid signature from a known key and
// the expected issuer. Every failure yields false.
func (v *Verifier) Verify(raw string) bool {
	return v.Check(raw) == nil
}
