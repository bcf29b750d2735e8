// Package integration provides integration testing utilities for hlsrelay.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"
)

// pngSignature prefixes every disguised segment served by the test origin.
var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	relayCmd   *exec.Cmd
	relayPort  int
	tempDir    string
	cancel     context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:         t,
		httpPort:  findAvailablePort(t),
		relayPort: findAvailablePort(t),
	}
}

// StartHTTPServer starts an origin server serving files, keyed by name.
func (h *TestHarness) StartHTTPServer(files map[string][]byte) {
	h.t.Helper()

	h.tempDir = h.t.TempDir()
	for name, content := range files {
		h.AddFile(name, content)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.tempDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.OriginURL(""), 5*time.Second)
	h.t.Logf("origin server started on port %d", h.httpPort)
}

// AddFile writes an additional file for the origin to serve.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	if h.tempDir == "" {
		h.tempDir = h.t.TempDir()
	}

	path := filepath.Join(h.tempDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// OriginURL returns the origin URL of name.
func (h *TestHarness) OriginURL(name string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/%s", h.httpPort, name)
}

// RelayURL returns the relay URL of path.
func (h *TestHarness) RelayURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.relayPort, path)
}

// relayArgs are the arguments every relay started by the harness gets.
func (h *TestHarness) relayArgs(playlistName string, extra ...string) []string {
	args := []string{
		"--host", "localhost",
		"--port", fmt.Sprintf("%d", h.relayPort),
		"--no-player",
		"--retries", "0",
		"--log-level", "debug",
	}
	args = append(args, extra...)
	return append(args, h.OriginURL(playlistName))
}

// StartRelay starts the hlsrelay binary against the origin playlist.
func (h *TestHarness) StartRelay(playlistName string, extra ...string) {
	h.t.Helper()

	binaryPath := h.findRelayBinary()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.relayCmd = exec.CommandContext(ctx, binaryPath, h.relayArgs(playlistName, extra...)...)
	h.relayCmd.Stdout = os.Stdout
	h.relayCmd.Stderr = os.Stderr

	if err := h.relayCmd.Start(); err != nil {
		h.t.Fatalf("failed to start hlsrelay: %v", err)
	}

	h.waitForServer(h.RelayURL("/health"), 10*time.Second)
	h.t.Logf("hlsrelay started on port %d", h.relayPort)
}

// RunRelay runs the hlsrelay binary to completion and returns its exit
// output and exit error. It is used for runs expected to fail at startup.
func (h *TestHarness) RunRelay(playlistName string, extra ...string) (string, error) {
	h.t.Helper()

	binaryPath := h.findRelayBinary()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binaryPath, h.relayArgs(playlistName, extra...)...).CombinedOutput()
	return string(out), err
}

// Get fetches path from the relay and returns the status code and body.
func (h *TestHarness) Get(path string) (int, []byte) {
	h.t.Helper()

	resp, err := http.Get(h.RelayURL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}

	return resp.StatusCode, body
}

// FetchPlaylist fetches the rewritten playlist from the relay.
func (h *TestHarness) FetchPlaylist() string {
	h.t.Helper()

	status, body := h.Get("/fixed.m3u8")
	if status != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", status)
	}

	return string(body)
}

// Health is the decoded /health response.
type Health struct {
	Status string `json:"status"`
	Stats  struct {
		Segments    int    `json:"segments"`
		Fetches     uint64 `json:"fetches"`
		FetchErrors uint64 `json:"fetch_errors"`
		Cache       struct {
			Len       int    `json:"len"`
			Capacity  int    `json:"capacity"`
			Hits      uint64 `json:"hits"`
			Misses    uint64 `json:"misses"`
			Evictions uint64 `json:"evictions"`
		} `json:"cache"`
	} `json:"stats"`
}

// FetchHealth fetches and decodes the health endpoint.
func (h *TestHarness) FetchHealth() Health {
	h.t.Helper()

	status, body := h.Get("/health")
	if status != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", status)
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		h.t.Fatalf("failed to decode health: %v", err)
	}

	return health
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.relayCmd != nil && h.relayCmd.Process != nil {
		h.relayCmd.Process.Kill()
		h.relayCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findRelayBinary locates the hlsrelay binary, skipping the test when it
// has not been built.
func (h *TestHarness) findRelayBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../hlsrelay",          // From test/integration
		"./hlsrelay",              // From project root
		"../hlsrelay",             // From test directory
		"./cmd/hlsrelay/hlsrelay", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found hlsrelay binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Skip("hlsrelay binary not found. Run 'go build -o hlsrelay ./cmd/hlsrelay' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}

	return port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration float64
	URL      string
}

// ParsePlaylist parses an HLS playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var current *PlaylistSegment
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			current = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &current.Duration)

		case !strings.HasPrefix(line, "#"):
			seg := PlaylistSegment{URL: line}
			if current != nil {
				seg.Duration = current.Duration
				current = nil
			}
			playlist.Segments = append(playlist.Segments, seg)
		}
	}

	return playlist
}

// Disguise prefixes payload with a PNG signature and some padding, the way
// the origin hides its segments.
func Disguise(payload []byte) []byte {
	out := append([]byte{}, pngSignature...)
	out = append(out, 0x00, 0x00, 0x00, 0x0D, 'I', 'H', 'D', 'R')
	return append(out, payload...)
}
