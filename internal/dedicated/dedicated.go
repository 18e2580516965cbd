// Package dedicated runs a standalone session server.
package dedicated

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/config"
	"github.com/LemmyAI/lockstep/internal/server"
	"github.com/LemmyAI/lockstep/internal/transport"
)

// ForbiddenFlags are game options. They belong to the controller that
// starts the game, never to a dedicated server.
var ForbiddenFlags = []string{
	"-deh", "-iwad", "-cdrom", "-gameversion", "-nomonsters", "-respawn",
	"-fast", "-altdeath", "-deathmatch", "-turbo", "-merge", "-af", "-as",
	"-aa", "-file", "-wart", "-skill", "-episode", "-timer", "-avg", "-warp",
	"-loadgame", "-longtics", "-extratics", "-dup", "-shorttics",
}

// ForbiddenFlagError names a game option given to a dedicated server.
type ForbiddenFlagError struct {
	Flag string
}

func (e *ForbiddenFlagError) Error() string {
	return fmt.Sprintf("the option %s was given to a dedicated server: game options belong to the first player to join, not to the server", e.Flag)
}

// CheckClientOptions rejects any forbidden flag in args, written as
// -flag, --flag or -flag=value.
func CheckClientOptions(args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := "-" + strings.TrimLeft(arg, "-")
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		for _, f := range ForbiddenFlags {
			if name == f {
				return &ForbiddenFlagError{Flag: f}
			}
		}
	}
	return nil
}

// OpenFunc creates the transport modules a server listens on.
type OpenFunc func(cfg config.Config) ([]transport.Module, error)

// Options tune the run loop.
type Options struct {
	Clock clock.Clock
	// Period is the pause between server iterations.
	Period time.Duration
	// ShutdownGrace bounds how long disconnecting nodes are waited for.
	ShutdownGrace time.Duration
}

func DefaultOptions() Options {
	return Options{
		Clock:         clock.New(),
		Period:        time.Millisecond,
		ShutdownGrace: 10 * time.Second,
	}
}

// Run checks args, opens the modules and serves until ctx ends. Nodes are
// then disconnected gracefully.
func Run(ctx context.Context, args []string, cfg config.Config, open OpenFunc, opts Options) error {
	if err := CheckClientOptions(args); err != nil {
		return err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	modules, err := open(cfg)
	if err != nil {
		return fmt.Errorf("open modules: %w", err)
	}
	if len(modules) == 0 {
		return server.ErrNoModules
	}

	srv := server.New(cfg.ServerSession(), opts.Clock, modules...)
	if err := srv.Init(); err != nil {
		return errors.Join(err, srv.Close())
	}
	log.Info().Str("id", srv.ID.String()).Int("modules", len(modules)).
		Int("max_players", cfg.Server.MaxPlayers).Msg("🎧 dedicated server ready")

	for ctx.Err() == nil {
		srv.Run()
		opts.Clock.Sleep(opts.Period)
	}

	srv.Shutdown()
	deadline := opts.Clock.Now().Add(opts.ShutdownGrace)
	for !srv.Idle() && opts.Clock.Now().Before(deadline) {
		srv.Run()
		opts.Clock.Sleep(opts.Period)
	}
	if !srv.Idle() {
		log.Warn().Msg("⚠️ nodes still connected at shutdown")
	}
	log.Info().Msg("👋 dedicated server stopped")
	return srv.Close()
}
