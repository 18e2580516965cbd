package sim

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/client"
	"github.com/LemmyAI/lockstep/internal/protocol"
)

// Input produces this node's command for its next tic.
type Input func(seq uint32) protocol.TicCmd

// Runner drives a client at the tic rate: it builds local tics and folds
// released bundles into a State.
type Runner struct {
	client   *client.Client
	input    Input
	clock    clock.Clock
	config   Config
	tickRate time.Duration

	state   *State
	built   uint32
	applied uint64
}

// NewRunner creates a runner for c. input may be nil for drones.
func NewRunner(c *client.Client, input Input, clk clock.Clock, config Config) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	rate := config.TickRate
	if rate <= 0 {
		rate = DefaultConfig().TickRate
	}
	return &Runner{
		client:   c,
		input:    input,
		clock:    clk,
		config:   config,
		tickRate: time.Second / time.Duration(rate),
	}
}

// State returns the world, or nil before the game starts.
func (r *Runner) State() *State { return r.state }

// Built is the number of local tics sent.
func (r *Runner) Built() uint32 { return r.built }

// Step runs the client once, builds at most one tic and applies every
// released bundle.
func (r *Runner) Step() {
	r.client.Run()
	if r.client.State() != client.StateRunning {
		return
	}
	settings := r.client.Settings()
	if r.state == nil {
		r.state = NewState(r.config, int(settings.TicDup))
	}

	if r.input != nil && settings.ConsolePlayer >= 0 && r.client.CanBuild() {
		if _, err := r.client.SendTic(r.input(r.built), 0); err == nil {
			r.built++
		}
	}

	for {
		tic, ok := r.client.NextBundle()
		if !ok {
			break
		}
		r.state.Apply(tic)
		r.applied++
	}
}

// Run steps at the tic rate until ctx ends or the session is over, and
// returns why the session ended.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.tickRate)
	defer ticker.Stop()

	lastReport := r.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Step()
		}
		if r.client.State() == client.StateDisconnected {
			return r.client.Err()
		}

		if r.state != nil && r.clock.Since(lastReport) >= time.Second {
			log.Info().Uint64("tic", r.state.Tick()).Uint32("built", r.built).
				Uint64("applied", r.applied).Str("digest", formatDigest(r.state.Digest())).Msg("📊 simulation")
			lastReport = r.clock.Now()
		}
	}
}
