// Package segment defines relay segment tokens and the token-to-origin map.
package segment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultExt is the extension of served segments.
const DefaultExt = ".ts"

// tokenPrefix starts every generated token.
const tokenPrefix = "seg_"

// Segment represents a single media segment of the source playlist.
type Segment struct {
	// Token is the relay-local name the segment is served under
	Token string

	// URL is the resolved origin location (http(s) URL or local path)
	URL string

	// Duration is the segment duration in seconds, from the preceding #EXTINF
	Duration float64

	// Sequence is the position in the original playlist
	Sequence int
}

// Token returns the token for the segment at index, e.g. seg_0007.ts.
func Token(index int, ext string) string {
	return fmt.Sprintf("%s%04d%s", tokenPrefix, index, ext)
}

var tokenIndex = regexp.MustCompile(`^seg_(\d{4,})`)

// ParseToken returns the index encoded in token. It fails unless token has
// the exact form produced by Token with the given extension.
func ParseToken(token, ext string) (int, error) {
	if !strings.HasSuffix(token, ext) {
		return 0, fmt.Errorf("token %q: extension is not %q", token, ext)
	}

	m := tokenIndex.FindStringSubmatch(token)
	if m == nil || len(m[0])+len(ext) != len(token) {
		return 0, fmt.Errorf("token %q: malformed", token)
	}

	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("token %q: %w", token, err)
	}
	if Token(index, ext) != token {
		return 0, fmt.Errorf("token %q: non-canonical index", token)
	}

	return index, nil
}

// Map resolves tokens to origin locations. A Map is filled once while
// rewriting a playlist and never changes afterwards, so concurrent reads
// need no locking.
type Map struct {
	origins map[string]string
	order   []string
}

// NewMap builds a map from segments in playlist order. Tokens must be
// unique.
func NewMap(segments []Segment) (*Map, error) {
	m := &Map{
		origins: make(map[string]string, len(segments)),
		order:   make([]string, 0, len(segments)),
	}

	for _, seg := range segments {
		if _, dup := m.origins[seg.Token]; dup {
			return nil, fmt.Errorf("duplicate token %q", seg.Token)
		}
		m.origins[seg.Token] = seg.URL
		m.order = append(m.order, seg.Token)
	}

	return m, nil
}

// Lookup returns the origin location for token.
func (m *Map) Lookup(token string) (string, bool) {
	if m == nil {
		return "", false
	}
	origin, ok := m.origins[token]
	return origin, ok
}

// Len returns the number of tokens.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Tokens returns all tokens in playlist order.
func (m *Map) Tokens() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
