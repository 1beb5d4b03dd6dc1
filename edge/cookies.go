package edge

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrTokenTooLarge is returned when data needs more chunks than the cookie
// limit allows.
var ErrTokenTooLarge = errors.New("token exceeds cookie capacity")

var epoch = time.Unix(0, 0).UTC()

// CookieCodec spreads an opaque string across numbered cookies named
// <prefix><index>.
type CookieCodec struct {
	prefix   string
	chunkMax int
	maxCount int
}

// NewCookieCodec returns a codec for cookies named prefix0..prefix(maxCount-1),
// each holding at most chunkMax raw bytes.
func NewCookieCodec(prefix string, chunkMax, maxCount int) *CookieCodec {
	return &CookieCodec{prefix: prefix, chunkMax: chunkMax, maxCount: maxCount}
}

// Capacity is the largest data length Encode accepts.
func (c *CookieCodec) Capacity() int {
	return c.chunkMax * c.maxCount
}

// Decode reassembles the chunks found in the Cookie headers, ordered by index.
// Cookies outside the prefix, chunks with a malformed index or value, and
// repeated indexes after the first are ignored.
func (c *CookieCodec) Decode(header http.Header) string {
	type chunk struct {
		index int
		value string
	}
	var chunks []chunk
	seen := make(map[int]bool)

	for _, line := range header.Values("Cookie") {
		for _, pair := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.HasPrefix(name, c.prefix) {
				continue
			}
			index, ok := parseIndex(name[len(c.prefix):])
			if !ok || seen[index] {
				continue
			}
			decoded, err := url.PathUnescape(value)
			if err != nil {
				continue
			}
			seen[index] = true
			chunks = append(chunks, chunk{index: index, value: decoded})
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.value)
	}
	return b.String()
}

// Encode adds one Set-Cookie header per chunk of data, then expired empty
// cookies for every remaining index up to the cookie limit. A zero expires
// writes every cookie already expired.
func (c *CookieCodec) Encode(header http.Header, data string, expires time.Time) error {
	if len(data) > c.Capacity() {
		c.clearFrom(header, 0)
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrTokenTooLarge, len(data), c.Capacity())
	}
	chunks := splitChunks(data, c.chunkMax)
	if expires.IsZero() {
		expires = epoch
	}
	for i, ch := range chunks {
		header.Add("Set-Cookie", c.cookie(i, url.PathEscape(ch), expires).String())
	}
	c.clearFrom(header, len(chunks))
	return nil
}

// Clear expires every chunk cookie.
func (c *CookieCodec) Clear(header http.Header) {
	c.clearFrom(header, 0)
}

func (c *CookieCodec) clearFrom(header http.Header, start int) {
	for i := start; i < c.maxCount; i++ {
		header.Add("Set-Cookie", c.cookie(i, "", epoch).String())
	}
}

func (c *CookieCodec) cookie(index int, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.prefix + strconv.Itoa(index),
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
	}
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitChunks cuts s into consecutive pieces of at most size bytes.
func splitChunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
