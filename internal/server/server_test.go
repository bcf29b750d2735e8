package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsrelay/internal/cache"
	"github.com/agleyzer/hlsrelay/internal/playlist"
	"github.com/agleyzer/hlsrelay/internal/unwrap"
)

const (
	testBase     = "http://localhost:8888"
	testOrigin   = "https://origin.example.com/live/index.m3u8"
	testPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg1.ts\n#EXTINF:10.0,\nseg2.ts\n#EXTINF:10.0,\nseg3.ts\n"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeFetcher serves canned origin content and records calls.
type fakeFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	errs    map[string][]error
	calls   map[string]int
	hook    func(location string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		content: map[string][]byte{},
		errs:    map[string][]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	f.calls[location]++
	var err error
	if queued := f.errs[location]; len(queued) > 0 {
		err, f.errs[location] = queued[0], queued[1:]
	}
	data, ok := f.content[location]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(location)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no such origin object")
	}
	return data, nil
}

func (f *fakeFetcher) callCount(location string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[location]
}

func disguised(payload string) []byte {
	return append(append([]byte{}, unwrap.Signature...), append([]byte{0x00, 0x00, unwrap.SyncByte}, payload...)...)
}

func cleaned(payload string) []byte {
	return append([]byte{unwrap.SyncByte}, payload...)
}

func createTestServer(t *testing.T, cfg Config, capacity int, f Fetcher) *Server {
	t.Helper()

	res, err := playlist.Rewrite(testPlaylist, testOrigin, playlist.Options{BaseURL: testBase, Ext: ".ts"})
	require.NoError(t, err)

	c, err := cache.New(capacity)
	require.NoError(t, err)

	return New(cfg, Session{Playlist: res.Playlist, Tokens: res.Tokens}, c, f, createTestLogger())
}

func defaultFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.content["https://origin.example.com/live/seg1.ts"] = disguised("one")
	f.content["https://origin.example.com/live/seg2.ts"] = disguised("two")
	f.content["https://origin.example.com/live/seg3.ts"] = cleaned("three")
	return f
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNew_Defaults(t *testing.T) {
	srv := createTestServer(t, Config{}, 5, defaultFetcher())

	assert.Equal(t, "/fixed.m3u8", srv.cfg.PlaylistPath)
	assert.Equal(t, ".ts", srv.cfg.SegmentExt)
	assert.Equal(t, 10*time.Second, srv.cfg.ShutdownTimeout)
}

func TestHandlePlaylist(t *testing.T) {
	srv := createTestServer(t, Config{PlaylistPath: "/fixed.m3u8"}, 5, defaultFetcher())

	w := get(t, srv.Handler(), "/fixed.m3u8")

	resp := w.Result()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PlaylistContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, srv.session.Playlist, string(body))
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
	assert.Contains(t, string(body), testBase+"/seg_0000.ts\n")
	assert.Contains(t, string(body), testBase+"/seg_0002.ts\n")
}

func TestHandleSegment_MissThenHit(t *testing.T) {
	f := defaultFetcher()
	srv := createTestServer(t, Config{}, 5, f)

	for i := 0; i < 3; i++ {
		w := get(t, srv.Handler(), "/seg_0000.ts")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, SegmentContentType, w.Header().Get("Content-Type"))
		assert.Equal(t, cleaned("one"), w.Body.Bytes())
		assert.Equal(t, strconv.Itoa(len(cleaned("one"))), w.Header().Get("Content-Length"))
	}

	assert.Equal(t, 1, f.callCount("https://origin.example.com/live/seg1.ts"))
	stats := srv.cache.Stats()
	assert.Equal(t, 1, stats.Len)
	assert.Equal(t, uint64(2), stats.Hits)
}

func TestHandleSegment_UndisguisedPassesThrough(t *testing.T) {
	srv := createTestServer(t, Config{}, 5, defaultFetcher())

	w := get(t, srv.Handler(), "/seg_0002.ts")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cleaned("three"), w.Body.Bytes())
}

func TestHandleSegment_NotFound(t *testing.T) {
	f := defaultFetcher()
	srv := createTestServer(t, Config{}, 5, f)

	paths := []string{
		"/seg_0003.ts",   // well formed, not in the map
		"/seg_1.ts",      // malformed index
		"/seg_0000.mp4",  // wrong extension
		"/seg_0000.ts/x", // nested
		"/playlist.m3u8", // not the configured playlist path
		"/",
		"/favicon.ico",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			w := get(t, srv.Handler(), path)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "Not found", w.Body.String())
		})
	}

	assert.Equal(t, 0, srv.cache.Len())
	assert.Equal(t, uint64(0), srv.fetches.Load())
}

func TestHandleSegment_FetchFailureIsIsolated(t *testing.T) {
	f := defaultFetcher()
	f.errs["https://origin.example.com/live/seg1.ts"] = []error{errors.New("connection reset")}
	srv := createTestServer(t, Config{}, 5, f)

	w := get(t, srv.Handler(), "/seg_0000.ts")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 0, srv.cache.Len())

	// other tokens are unaffected
	w = get(t, srv.Handler(), "/seg_0001.ts")
	assert.Equal(t, http.StatusOK, w.Code)

	// a later request retries the origin
	w = get(t, srv.Handler(), "/seg_0000.ts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cleaned("one"), w.Body.Bytes())
	assert.Equal(t, 2, f.callCount("https://origin.example.com/live/seg1.ts"))
	assert.Equal(t, uint64(1), srv.fetchErrors.Load())
}

func TestHandleSegment_Timeout(t *testing.T) {
	f := defaultFetcher()
	f.errs["https://origin.example.com/live/seg1.ts"] = []error{context.DeadlineExceeded}
	srv := createTestServer(t, Config{}, 5, f)

	w := get(t, srv.Handler(), "/seg_0000.ts")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestHandleSegment_Eviction(t *testing.T) {
	f := defaultFetcher()
	srv := createTestServer(t, Config{}, 1, f)

	for _, path := range []string{"/seg_0000.ts", "/seg_0001.ts", "/seg_0000.ts"} {
		w := get(t, srv.Handler(), path)
		require.Equal(t, http.StatusOK, w.Code)
		assert.LessOrEqual(t, srv.cache.Len(), 1)
	}

	assert.Equal(t, 2, f.callCount("https://origin.example.com/live/seg1.ts"))
	assert.Equal(t, []string{"seg_0000.ts"}, srv.cache.Keys())
}

func TestHandleSegment_PanicRecovered(t *testing.T) {
	f := defaultFetcher()
	f.hook = func(location string) {
		if location == "https://origin.example.com/live/seg1.ts" {
			panic("boom")
		}
	}
	srv := createTestServer(t, Config{}, 5, f)

	w := get(t, srv.Handler(), "/seg_0000.ts")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = get(t, srv.Handler(), "/seg_0001.ts")
	assert.Equal(t, http.StatusOK, w.Code)
}

// concurrentGet issues n simultaneous requests for path once the fetcher
// has seen want fetches start, and returns the response bodies.
func concurrentGet(t *testing.T, srv *Server, f *fakeFetcher, path string, n, want int) [][]byte {
	t.Helper()

	started := make(chan struct{}, n)
	release := make(chan struct{})
	f.hook = func(string) {
		started <- struct{}{}
		<-release
	}

	bodies := make([][]byte, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			codes[i] = w.Code
			bodies[i] = w.Body.Bytes()
		}(i)
	}

	for i := 0; i < want; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d fetches started", i, want)
		}
	}
	// let stragglers reach the in-flight fetch before it completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, code := range codes {
		require.Equal(t, http.StatusOK, code, "request %d", i)
	}
	return bodies
}

func TestHandleSegment_ConcurrentMissesWithoutCoalescing(t *testing.T) {
	f := defaultFetcher()
	srv := createTestServer(t, Config{}, 5, f)

	bodies := concurrentGet(t, srv, f, "/seg_0000.ts", 2, 2)

	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, cleaned("one"), bodies[0])
	// both requests missed and fetched; the cache still holds one entry
	assert.Equal(t, 2, f.callCount("https://origin.example.com/live/seg1.ts"))
	assert.Equal(t, []string{"seg_0000.ts"}, srv.cache.Keys())
}

func TestHandleSegment_ConcurrentMissesWithCoalescing(t *testing.T) {
	f := defaultFetcher()
	srv := createTestServer(t, Config{CoalesceFetches: true}, 5, f)

	bodies := concurrentGet(t, srv, f, "/seg_0000.ts", 5, 1)

	for _, body := range bodies {
		assert.Equal(t, cleaned("one"), body)
	}
	assert.Equal(t, 1, f.callCount("https://origin.example.com/live/seg1.ts"))
	assert.Equal(t, 1, srv.cache.Len())
}

func TestHandleHealth(t *testing.T) {
	srv := createTestServer(t, Config{}, 5, defaultFetcher())
	get(t, srv.Handler(), "/seg_0000.ts")

	w := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var health map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	stats, ok := health["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), stats["segments"])
	assert.Equal(t, float64(1), stats["fetches"])
	assert.Equal(t, false, stats["coalescing"])

	cacheStats, ok := stats["cache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), cacheStats["len"])
	assert.Equal(t, float64(5), cacheStats["capacity"])
}

func TestServer_Lifecycle(t *testing.T) {
	srv := createTestServer(t, Config{ShutdownTimeout: 2 * time.Second}, 5, defaultFetcher())

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	base := BaseURL("127.0.0.1", ln)
	assert.Regexp(t, `^http://127\.0\.0\.1:\d+$`, base)

	require.NoError(t, srv.Start(ln))
	assert.ErrorIs(t, srv.Start(ln), ErrAlreadyStarted)

	resp, err := http.Get(base + "/seg_0001.ts")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cleaned("two"), body)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))

	_, err = http.Get(base + "/fixed.m3u8")
	assert.Error(t, err, "listener should be closed after Stop")
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv := createTestServer(t, Config{}, 5, defaultFetcher())
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_Run(t *testing.T) {
	srv := createTestServer(t, Config{}, 5, defaultFetcher())

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	base := BaseURL("127.0.0.1", ln)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx, ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestListen_PortInUse(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	assert.Error(t, err)
}
