// Package player launches an external media player against the relay.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ErrNoBinary is returned when no player binary is configured.
var ErrNoBinary = errors.New("no player binary configured")

// Player runs a player binary with fixed arguments followed by the
// playlist URL.
type Player struct {
	binary string
	args   []string
	logger *slog.Logger

	// Stdout and Stderr receive the player's output. They default to the
	// process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates a player for binary. args are passed before the URL.
func New(binary string, args []string, logger *slog.Logger) *Player {
	return &Player{
		binary: binary,
		args:   append([]string(nil), args...),
		logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Command returns the command line Launch runs for url.
func (p *Player) Command(url string) []string {
	cmd := make([]string, 0, len(p.args)+2)
	cmd = append(cmd, p.binary)
	cmd = append(cmd, p.args...)
	return append(cmd, url)
}

// Launch starts the player on url and blocks until it exits. Cancelling ctx
// kills the player; that is not reported as an error.
func (p *Player) Launch(ctx context.Context, url string) error {
	if p.binary == "" {
		return ErrNoBinary
	}

	path, err := exec.LookPath(p.binary)
	if err != nil {
		return fmt.Errorf("finding player %q: %w", p.binary, err)
	}

	args := append(append([]string(nil), p.args...), url)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	p.logger.Info("launching player", "binary", path, "url", url)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			p.logger.Info("player stopped", "duration", time.Since(start))
			return nil
		}
		return fmt.Errorf("running player: %w", err)
	}

	p.logger.Info("player exited", "duration", time.Since(start))
	return nil
}
