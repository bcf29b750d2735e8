// The hlsrelay command serves a disguised HLS media playlist locally so a
// standard player can play it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agleyzer/hlsrelay/internal/cache"
	"github.com/agleyzer/hlsrelay/internal/config"
	"github.com/agleyzer/hlsrelay/internal/logging"
	"github.com/agleyzer/hlsrelay/internal/origin"
	"github.com/agleyzer/hlsrelay/internal/parser"
	"github.com/agleyzer/hlsrelay/internal/player"
	"github.com/agleyzer/hlsrelay/internal/playlist"
	"github.com/agleyzer/hlsrelay/internal/server"
)

const (
	version = "1.0.0"
)

var errNoReferences = errors.New("source playlist contains no segment references")

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// flagBindings maps command-line flags to configuration keys.
var flagBindings = map[string]string{
	"host":          "server.host",
	"port":          "server.port",
	"playlist-path": "server.playlist_path",
	"cache-size":    "relay.cache_size",
	"ext":           "relay.segment_ext",
	"coalesce":      "relay.coalesce_fetches",
	"output":        "relay.output",
	"timeout":       "origin.timeout",
	"retries":       "origin.retry_max",
	"user-agent":    "origin.user_agent",
	"player":        "player.binary",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
}

func newRootCmd(logOutput io.Writer) *cobra.Command {
	var (
		cfgFile  string
		noPlayer bool
	)

	cmd := &cobra.Command{
		Use:     "hlsrelay [flags] <playlist>",
		Short:   "Relay a disguised HLS playlist to a local player",
		Version: version,
		Long: `hlsrelay rewrites the segment references of an HLS media playlist into
local tokens, serves the rewritten playlist and fetches each segment from its
origin on demand, stripping the PNG header it is disguised with.

The playlist may be an http(s) URL or a local file. By default ffplay is
launched against the relay and the session ends when it exits.`,
		Example: `  hlsrelay https://example.com/live/index.m3u8
  hlsrelay --port 9000 --cache-size 10 ./index.m3u8
  hlsrelay --no-player --output fixed.m3u8 https://example.com/live/index.m3u8`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New(cfgFile)
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if noPlayer {
				v.Set("player.enabled", false)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Logging, logOutput)
			logger.Info("hlsrelay starting", "version", version)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Setup signal handling for graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					logger.Info("received signal", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := run(ctx, cfg, args[0], logger); err != nil {
				logger.Error("application error", "error", err)
				return err
			}

			logger.Info("hlsrelay stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./hlsrelay.yaml or $HOME/.config/hlsrelay/hlsrelay.yaml)")
	flags.String("host", config.DefaultHost, "Host name used in rewritten segment URLs and for listening")
	flags.Int("port", config.DefaultPort, "HTTP server port (0 picks a free port)")
	flags.String("playlist-path", config.DefaultPlaylistPath, "Path the rewritten playlist is served at")
	flags.Int("cache-size", config.DefaultCacheSize, "Number of decoded segments kept in memory")
	flags.String("ext", config.DefaultSegmentExt, "Extension of rewritten segment tokens")
	flags.Bool("coalesce", false, "Share one origin fetch between concurrent requests for a segment")
	flags.String("output", "", "Also write the rewritten playlist to this file")
	flags.Duration("timeout", config.DefaultOriginTimeout, "Origin fetch timeout")
	flags.Int("retries", config.DefaultRetryMax, "Origin fetch retries")
	flags.String("user-agent", config.DefaultUserAgent, "User-Agent sent to the origin")
	flags.String("player", config.DefaultPlayerBinary, "Player binary launched against the playlist URL")
	flags.BoolVar(&noPlayer, "no-player", false, "Do not launch a player; serve until interrupted")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	cmd.SetErr(logOutput)
	return cmd
}

// bindFlags binds explicitly set flags so they override config file and
// environment values without their defaults masking either.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q to %q: %w", name, key, err)
		}
	}
	return nil
}

// run relays the playlist at location until ctx is done or the player exits.
func run(ctx context.Context, cfg *config.Config, location string, logger *slog.Logger) error {
	client := origin.New(origin.Config{
		Timeout:      cfg.Origin.Timeout,
		RetryMax:     cfg.Origin.RetryMax,
		RetryWaitMin: cfg.Origin.RetryWaitMin,
		RetryWaitMax: cfg.Origin.RetryWaitMax,
		UserAgent:    cfg.Origin.UserAgent,
	}, logger)

	// Load and validate the source playlist
	logger.Info("loading source playlist", "location", location)
	src, err := parser.Load(ctx, location, client)
	if err != nil {
		return err
	}

	info, err := parser.Inspect(src.Text)
	if err != nil {
		return fmt.Errorf("invalid source playlist: %w", err)
	}
	switch {
	case !info.Recognized:
		logger.Warn("source is not a recognized media playlist, rewriting every reference line",
			"error", info.DecodeError,
		)
	case info.Segments == 0:
		logger.Warn("source playlist declares no media segments")
	default:
		logger.Info("parsed media playlist",
			"segments", info.Segments,
			"targetDuration", info.TargetDuration,
			"closed", info.Closed,
		)
	}

	// Bind first so the rewritten URLs carry the real port
	ln, err := server.Listen(cfg.Server.Address())
	if err != nil {
		return err
	}
	baseURL := server.BaseURL(cfg.Server.Host, ln)

	res, err := playlist.Rewrite(src.Text, src.Location, playlist.Options{
		BaseURL: baseURL,
		Ext:     cfg.Relay.SegmentExt,
	})
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to rewrite playlist: %w", err)
	}
	if res.Tokens.Len() == 0 {
		ln.Close()
		return errNoReferences
	}

	if cfg.Relay.Output != "" {
		if err := os.WriteFile(cfg.Relay.Output, []byte(res.Playlist), 0o644); err != nil {
			ln.Close()
			return fmt.Errorf("writing rewritten playlist: %w", err)
		}
		logger.Info("wrote rewritten playlist", "path", cfg.Relay.Output)
	}

	segments, err := cache.New(cfg.Relay.CacheSize)
	if err != nil {
		ln.Close()
		return err
	}

	srv := server.New(server.Config{
		PlaylistPath:    cfg.Server.PlaylistPath,
		SegmentExt:      cfg.Relay.SegmentExt,
		CoalesceFetches: cfg.Relay.CoalesceFetches,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Session{
		Playlist: res.Playlist,
		Tokens:   res.Tokens,
	}, segments, client, logger)

	playlistURL := baseURL + cfg.Server.PlaylistPath
	logger.Info("relay ready",
		"url", playlistURL,
		"health", baseURL+"/health",
		"segments", res.Tokens.Len(),
		"cache_size", cfg.Relay.CacheSize,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	playerErr := make(chan error, 1)
	if cfg.Player.Enabled {
		p := player.New(cfg.Player.Binary, cfg.Player.Args, logger)
		go func() {
			defer cancel()
			playerErr <- p.Launch(ctx, playlistURL)
		}()
	}

	// Serve until interrupted or the player exits
	if err := srv.Run(ctx, ln); err != nil {
		return err
	}

	if cfg.Player.Enabled {
		if err := <-playerErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
