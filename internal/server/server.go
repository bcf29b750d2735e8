// Package server implements the relay's HTTP side: it serves the rewritten
// playlist and answers segment requests from the cache or the origin.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/agleyzer/hlsrelay/internal/cache"
	"github.com/agleyzer/hlsrelay/internal/origin"
	"github.com/agleyzer/hlsrelay/internal/segment"
	"github.com/agleyzer/hlsrelay/internal/unwrap"
)

// Content types of served responses.
const (
	PlaylistContentType = "application/vnd.apple.mpegurl"
	SegmentContentType  = "video/MP2T"
)

const (
	defaultPlaylistPath    = "/fixed.m3u8"
	defaultShutdownTimeout = 10 * time.Second
)

// ErrAlreadyStarted is returned by Start on a server that is serving.
var ErrAlreadyStarted = errors.New("server already started")

// Fetcher retrieves raw segment bytes from an origin location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Config holds server settings.
type Config struct {
	// PlaylistPath is where the rewritten playlist is served, e.g. /fixed.m3u8
	PlaylistPath string
	// SegmentExt is the extension every token carries
	SegmentExt string
	// CoalesceFetches lets concurrent misses for one token share a fetch
	CoalesceFetches bool
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration
}

// Session is the rewritten playlist and its token map. It must not change
// once handed to a Server.
type Session struct {
	Playlist string
	Tokens   *segment.Map
}

// Server serves one relay session.
type Server struct {
	cfg     Config
	session Session
	cache   *cache.SegmentCache
	fetcher Fetcher
	logger  *slog.Logger
	handler http.Handler

	inflight singleflight.Group

	fetches     atomic.Uint64
	fetchErrors atomic.Uint64
	coalesced   atomic.Uint64

	mu         sync.Mutex
	httpServer *http.Server
	serveErr   chan error
	stopped    bool
}

// New creates a server for session. The cache is owned by the server from
// here on.
func New(cfg Config, session Session, segments *cache.SegmentCache, fetcher Fetcher, logger *slog.Logger) *Server {
	if cfg.PlaylistPath == "" {
		cfg.PlaylistPath = defaultPlaylistPath
	}
	if cfg.SegmentExt == "" {
		cfg.SegmentExt = segment.DefaultExt
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:     cfg,
		session: session,
		cache:   segments,
		fetcher: fetcher,
		logger:  logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(Recovery(s.logger))

	r.Get(s.cfg.PlaylistPath, s.handlePlaylist)
	r.Get("/health", s.handleHealth)
	r.Get("/{token}", s.handleSegment)
	r.NotFound(s.handleNotFound)

	return r
}

// Handler returns the HTTP handler serving this session.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds a TCP listener on addr. Port 0 picks a free port.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// BaseURL returns the http URL clients use to reach ln, naming the host as
// host rather than the bound IP.
func BaseURL(host string, ln net.Listener) string {
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Start serves on ln in the background. The listener is already bound, so
// requests are accepted as soon as Start returns.
func (s *Server) Start(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrAlreadyStarted
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	httpServer := s.httpServer
	serveErr := s.serveErr
	go func() {
		s.logger.Info("starting relay server", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server error", "error", err)
			serveErr <- err
		}
		close(serveErr)
	}()

	return nil
}

// Stop gracefully shuts the server down and closes its listener. It is
// safe to call more than once and before Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil || s.stopped {
		return nil
	}
	s.stopped = true

	s.logger.Info("shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Run serves on ln until ctx is done, then stops the server.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	if err := s.Start(ln); err != nil {
		return err
	}

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			s.Stop(context.Background())
			return err
		}
	}

	return s.Stop(context.Background())
}

// handlePlaylist serves the rewritten playlist.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.session.Playlist)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.session.Playlist))
}

// handleSegment serves one segment, fetching and unwrapping it on a miss.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if _, err := segment.ParseToken(token, s.cfg.SegmentExt); err != nil {
		s.handleNotFound(w, r)
		return
	}

	originURL, ok := s.session.Tokens.Lookup(token)
	if !ok {
		s.handleNotFound(w, r)
		return
	}

	data, ok := s.cache.Get(token)
	if !ok {
		var err error
		data, err = s.load(r.Context(), token, originURL)
		if err != nil {
			status := http.StatusBadGateway
			if origin.IsTimeout(err) {
				status = http.StatusGatewayTimeout
			}
			s.logger.Warn("segment fetch failed",
				"token", token,
				"origin", originURL,
				"status", status,
				"error", err,
			)
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	w.Header().Set("Content-Type", SegmentContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// load fetches a segment that missed the cache. With coalescing enabled
// concurrent callers for the same token wait on a single fetch.
func (s *Server) load(ctx context.Context, token, originURL string) ([]byte, error) {
	if !s.cfg.CoalesceFetches {
		return s.fetchSegment(ctx, token, originURL)
	}

	v, err, shared := s.inflight.Do(token, func() (any, error) {
		if data, ok := s.cache.Get(token); ok {
			return data, nil
		}
		// one caller going away must not fail the others
		return s.fetchSegment(context.WithoutCancel(ctx), token, originURL)
	})
	if shared {
		s.coalesced.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// fetchSegment retrieves, unwraps and caches one segment. The cache is not
// locked while the fetch is in flight.
func (s *Server) fetchSegment(ctx context.Context, token, originURL string) ([]byte, error) {
	s.fetches.Add(1)

	start := time.Now()
	raw, err := s.fetcher.Fetch(ctx, originURL)
	if err != nil {
		s.fetchErrors.Add(1)
		return nil, err
	}

	data := unwrap.Strip(raw)
	s.cache.Put(token, data)

	s.logger.Debug("cached segment",
		"token", token,
		"origin", originURL,
		"raw_bytes", len(raw),
		"bytes", len(data),
		"unwrapped", len(data) != len(raw),
		"duration", time.Since(start),
	)

	return data, nil
}

// handleNotFound answers unknown paths and tokens.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("Not found"))
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"stats":  s.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// Stats returns current statistics about the session and cache.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"segments":       s.session.Tokens.Len(),
		"playlist_bytes": len(s.session.Playlist),
		"cache":          s.cache.Stats(),
		"fetches":        s.fetches.Load(),
		"fetch_errors":   s.fetchErrors.Load(),
		"coalesced":      s.coalesced.Load(),
		"coalescing":     s.cfg.CoalesceFetches,
	}
}
