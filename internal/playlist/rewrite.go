// Package playlist rewrites a source media playlist so that every segment
// reference points at the relay.
package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agleyzer/hlsrelay/internal/segment"
)

var (
	// ErrEmptyPlaylist is returned for a source playlist with no content.
	ErrEmptyPlaylist = errors.New("playlist is empty")

	// ErrInvalidUTF8 is returned for a source playlist that is not UTF-8.
	ErrInvalidUTF8 = errors.New("playlist is not valid UTF-8")
)

// Options control how references are rewritten.
type Options struct {
	// BaseURL is the relay address tokens are served from, e.g.
	// http://localhost:8888
	BaseURL string

	// Ext is appended to every token. Defaults to segment.DefaultExt.
	Ext string
}

// Result is the outcome of a rewrite. It is immutable once returned.
type Result struct {
	// Playlist is the rewritten playlist text
	Playlist string

	// Tokens maps every generated token to its origin location
	Tokens *segment.Map

	// Segments lists the rewritten references in playlist order
	Segments []segment.Segment
}

// Rewrite replaces each segment reference in text with a relay URL and
// records where the token's bytes live.
//
// Lines that are blank or start with '#' are copied unchanged, including
// their line terminator. Reference lines are resolved against location
// (a http(s) URL, a file:// URL or a local path) and replaced with
// BaseURL/<token>. Tokens are numbered from 0 in reference order.
func Rewrite(text, location string, opts Options) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPlaylist
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || !isRemote(base) {
		return nil, fmt.Errorf("invalid relay base URL %q", opts.BaseURL)
	}
	prefix := strings.TrimSuffix(opts.BaseURL, "/") + "/"

	ext := opts.Ext
	if ext == "" {
		ext = segment.DefaultExt
	}

	res, err := newResolver(location)
	if err != nil {
		return nil, err
	}

	var (
		b        strings.Builder
		segments []segment.Segment
		duration float64
	)
	b.Grow(len(text))

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if d, ok := parseExtinf(trimmed); ok {
				duration = d
			}
			b.WriteString(line)
			continue
		}

		origin := res.resolve(trimmed)

		token := segment.Token(len(segments), ext)
		segments = append(segments, segment.Segment{
			Token:    token,
			URL:      origin,
			Duration: duration,
			Sequence: len(segments),
		})
		duration = 0

		b.WriteString(prefix)
		b.WriteString(token)
		b.WriteString("\n")
	}

	tokens, err := segment.NewMap(segments)
	if err != nil {
		return nil, err
	}

	return &Result{
		Playlist: b.String(),
		Tokens:   tokens,
		Segments: segments,
	}, nil
}

// parseExtinf extracts the duration from an #EXTINF directive.
func parseExtinf(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(line, "#EXTINF:")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, ','); i >= 0 {
		rest = rest[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

// resolver turns references into origin locations relative to the
// playlist's own location.
type resolver struct {
	remote *url.URL // set when the playlist was fetched over http(s)
	dir    string   // directory of a local playlist
}

func newResolver(location string) (*resolver, error) {
	if u, err := url.Parse(location); err == nil {
		if isRemote(u) {
			return &resolver{remote: u}, nil
		}
		if u.Scheme == "file" {
			if u.Path == "" {
				return nil, fmt.Errorf("empty path in file URL %q", location)
			}
			return &resolver{dir: filepath.Dir(filepath.FromSlash(u.Path))}, nil
		}
	}
	return &resolver{dir: filepath.Dir(location)}, nil
}

func (r *resolver) resolve(ref string) string {
	if IsAbsoluteURL(ref) {
		return ref
	}

	if r.remote != nil {
		return r.remote.ResolveReference(parseReference(ref)).String()
	}

	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(r.dir, ref)
}

// parseReference parses a relative reference. A colon in the first path
// segment (10:00.ts, seg:1.ts) belongs to the path, not to a scheme, and
// malformed escapes are kept as literal path characters.
func parseReference(ref string) *url.URL {
	if rel, err := url.Parse(ref); err == nil && rel.Scheme == "" {
		return rel
	}
	if !strings.HasPrefix(ref, "/") {
		if rel, err := url.Parse("./" + ref); err == nil {
			return rel
		}
	}
	return &url.URL{Path: ref}
}

// IsAbsoluteURL reports whether ref is an absolute http or https URL.
// Local paths that contain a colon, like "C:\media\a.ts" or "seg:1.ts",
// are not URLs.
func IsAbsoluteURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return isRemote(u)
}

func isRemote(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
