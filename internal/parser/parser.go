// Package parser loads the source playlist and checks that it is a media
// playlist the relay can serve.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"
)

var (
	// ErrMasterPlaylist is returned for master playlists. The relay serves a
	// single media playlist; pick a variant first.
	ErrMasterPlaylist = errors.New("master playlists are not supported, use a variant playlist")

	// ErrNoLocation is returned by Load for an empty location.
	ErrNoLocation = errors.New("playlist location is required")

	errUnexpectedType = errors.New("unexpected playlist type")
)

// Fetcher retrieves raw content from an http(s) URL or local path.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Source is a loaded playlist and where it came from.
type Source struct {
	// Location is the URL or path the playlist was read from
	Location string

	// Text is the playlist content
	Text string
}

// PlaylistInfo summarizes a media playlist.
type PlaylistInfo struct {
	// Recognized is false when the text could not be decoded as a media
	// playlist. The other counts are zero then.
	Recognized bool

	// DecodeError explains why the text was not recognized
	DecodeError error

	// Segments is the number of media segments
	Segments int

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int

	// Closed is true when the playlist carries #EXT-X-ENDLIST
	Closed bool
}

// Load reads the playlist at location using f.
func Load(ctx context.Context, location string, f Fetcher) (*Source, error) {
	if strings.TrimSpace(location) == "" {
		return nil, ErrNoLocation
	}

	data, err := f.Fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to load playlist: %w", err)
	}

	return &Source{Location: location, Text: string(data)}, nil
}

// Inspect parses text and reports its shape. Only master playlists are an
// error: text that does not decode as a media playlist, or that declares no
// segments, is reported through PlaylistInfo and left to the rewriter,
// which treats every non-directive line as a reference.
func Inspect(text string) (*PlaylistInfo, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		if hasVariantStreams(text) {
			return nil, ErrMasterPlaylist
		}
		return &PlaylistInfo{DecodeError: err}, nil
	}

	if listType == m3u8.MASTER {
		return nil, ErrMasterPlaylist
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return &PlaylistInfo{DecodeError: errUnexpectedType}, nil
	}

	count := 0
	maxDuration := 0.0
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		count++
		if seg.Duration > maxDuration {
			maxDuration = seg.Duration
		}
	}

	targetDuration := int(mediaPlaylist.TargetDuration)
	if targetDuration == 0 && count > 0 {
		// If target duration is not set, use the max segment duration
		targetDuration = int(maxDuration) + 1
	}

	return &PlaylistInfo{
		Recognized:     true,
		Segments:       count,
		TargetDuration: targetDuration,
		Closed:         mediaPlaylist.Closed,
	}, nil
}

// hasVariantStreams reports whether text carries master playlist tags.
func hasVariantStreams(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") || strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF") {
			return true
		}
	}
	return false
}
