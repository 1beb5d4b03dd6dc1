package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidState is returned when the OAuth state parameter cannot be decoded.
var ErrInvalidState = errors.New("invalid authorization state")

// Token is the token set kept in the browser's cookies.
type Token struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	// Deadline is the unix time in milliseconds after which the token is
	// refreshed.
	Deadline int64 `json:"deadline"`
}

// Expired reports whether the refresh deadline has passed.
func (t *Token) Expired(now time.Time) bool {
	return t.Deadline < now.UnixMilli()
}

// DeadlineTime returns the deadline as a time.
func (t *Token) DeadlineTime() time.Time {
	return time.UnixMilli(t.Deadline)
}

// computeDeadline returns now + expiresIn*scale seconds in unix milliseconds.
func computeDeadline(now time.Time, expiresIn int64, scale float64) int64 {
	return now.UnixMilli() + int64(float64(expiresIn)*scale*1000)
}

// parseToken decodes serialized token data. Empty data and JSON null yield a
// nil token without error.
func parseToken(data string) (*Token, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var tok *Token
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

// AuthorizationState is the page originally requested, carried through the
// provider in the OAuth state parameter.
type AuthorizationState struct {
	URI         string `json:"uri"`
	Querystring string `json:"querystring"`
}

func (s AuthorizationState) encode() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeState(raw string) (AuthorizationState, error) {
	var st *AuthorizationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return AuthorizationState{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if st == nil {
		return AuthorizationState{}, fmt.Errorf("%w: empty", ErrInvalidState)
	}
	if !strings.HasPrefix(st.URI, "/") {
		st.URI = "/" + st.URI
	}
	return *st, nil
}
