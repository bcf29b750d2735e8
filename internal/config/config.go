// Package config holds hlsrelay configuration and loads it with Viper from
// defaults, an optional YAML file and HLSRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 8888
	DefaultPlaylistPath    = "/fixed.m3u8"
	DefaultCacheSize       = 5
	DefaultSegmentExt      = ".ts"
	DefaultOriginTimeout   = 20 * time.Second
	DefaultRetryMax        = 2
	DefaultRetryWaitMin    = 500 * time.Millisecond
	DefaultRetryWaitMax    = 3 * time.Second
	DefaultUserAgent       = "Mozilla/5.0"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultPlayerBinary    = "ffplay"
)

// EnvPrefix prefixes environment variable overrides, e.g. HLSRELAY_SERVER_PORT.
const EnvPrefix = "HLSRELAY"

// Config holds all configuration for the relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Origin  OriginConfig  `mapstructure:"origin"`
	Player  PlayerConfig  `mapstructure:"player"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the local listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PlaylistPath    string        `mapstructure:"playlist_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RelayConfig holds segment serving configuration.
type RelayConfig struct {
	// CacheSize is the maximum number of decoded segments kept in memory
	CacheSize int `mapstructure:"cache_size"`
	// SegmentExt is appended to every token, e.g. ".ts"
	SegmentExt string `mapstructure:"segment_ext"`
	// CoalesceFetches shares one origin fetch between concurrent misses
	// for the same token
	CoalesceFetches bool `mapstructure:"coalesce_fetches"`
	// Output, when set, receives a copy of the rewritten playlist
	Output string `mapstructure:"output"`
}

// OriginConfig holds origin fetch configuration.
type OriginConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// PlayerConfig holds external player configuration.
type PlayerConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Binary  string   `mapstructure:"binary"`
	Args    []string `mapstructure:"args"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// DefaultPlayerArgs are passed to ffplay before the playlist URL.
func DefaultPlayerArgs() []string {
	return []string{
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto,data",
		"-autoexit",
		"-loglevel", "warning",
	}
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.playlist_path", DefaultPlaylistPath)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("relay.cache_size", DefaultCacheSize)
	v.SetDefault("relay.segment_ext", DefaultSegmentExt)
	v.SetDefault("relay.coalesce_fetches", false)
	v.SetDefault("relay.output", "")

	v.SetDefault("origin.timeout", DefaultOriginTimeout)
	v.SetDefault("origin.retry_max", DefaultRetryMax)
	v.SetDefault("origin.retry_wait_min", DefaultRetryWaitMin)
	v.SetDefault("origin.retry_wait_max", DefaultRetryWaitMax)
	v.SetDefault("origin.user_agent", DefaultUserAgent)

	v.SetDefault("player.enabled", true)
	v.SetDefault("player.binary", DefaultPlayerBinary)
	v.SetDefault("player.args", DefaultPlayerArgs())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// New returns a Viper instance with defaults and environment overrides
// configured. configPath may be empty.
func New(configPath string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hlsrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/hlsrelay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file, if any, and decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 0 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 0 and %d", maxPort)
	}
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if !strings.HasPrefix(c.Server.PlaylistPath, "/") {
		return errors.New("server.playlist_path must start with /")
	}
	if strings.HasPrefix(c.Server.PlaylistPath, "/seg_") {
		return errors.New("server.playlist_path must not collide with segment tokens")
	}

	if c.Relay.CacheSize < 1 {
		return errors.New("relay.cache_size must be at least 1")
	}
	if !strings.HasPrefix(c.Relay.SegmentExt, ".") || strings.ContainsAny(c.Relay.SegmentExt, "/?#") {
		return errors.New("relay.segment_ext must start with . and contain no path characters")
	}

	if c.Origin.Timeout <= 0 {
		return errors.New("origin.timeout must be positive")
	}
	if c.Origin.RetryMax < 0 {
		return errors.New("origin.retry_max must not be negative")
	}
	if c.Origin.RetryWaitMax < c.Origin.RetryWaitMin {
		return errors.New("origin.retry_wait_max must not be less than origin.retry_wait_min")
	}

	if c.Player.Enabled && c.Player.Binary == "" {
		return errors.New("player.binary is required when the player is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return errors.New("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the listen address in host:port format.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
