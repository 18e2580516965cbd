// Command client joins a lockstep session and plays it with a bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LemmyAI/lockstep/internal/client"
	"github.com/LemmyAI/lockstep/internal/config"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/sim"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "client [server]",
	Short: "Join a lockstep session",
	Long: `Connects to a session server and drives a bot player at the tic rate.

With --start N the client acts as controller: once N players are in the
wait room it launches, waits for everyone to be ready and starts the game.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("module", "udp", "transport module: udp, websocket, webrtc")
	f.String("name", "", "player name (default from $USER)")
	f.Bool("drone", false, "join as a drone that only observes")
	f.Int("start", 0, "launch and start once this many players are connected")
	f.Int8("skill", 2, "skill level")
	f.Uint8("episode", 1, "episode")
	f.Uint8("map", 1, "map")
	f.Uint8("ticdup", 1, "tics per command")
	f.Uint8("extratics", 1, "redundant tics per packet")
	f.Uint8("deathmatch", 0, "deathmatch mode")
	f.Duration("duration", 0, "leave after this long (0 runs until interrupted)")
	f.String("log-level", "", "log level")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	cfg := config.Default()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

func playerName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "player"
	}
	return name
}

func connectData(cmd *cobra.Command, cfg config.Config) protocol.ConnectData {
	session := cfg.ServerSession()
	data := protocol.ConnectData{MaxPlayers: uint8(cfg.Server.MaxPlayers)}
	data.Drone, _ = cmd.Flags().GetBool("drone")
	if session.GameMode != nil {
		data.GameMode = *session.GameMode
	}
	if session.GameMission != nil {
		data.GameMission = *session.GameMission
	}
	if session.WadSHA1 != nil {
		data.WadSHA1 = *session.WadSHA1
	}
	if session.DehSHA1 != nil {
		data.DehSHA1 = *session.DehSHA1
	}
	return data
}

func gameSettings(cmd *cobra.Command) protocol.GameSettings {
	f := cmd.Flags()
	var s protocol.GameSettings
	s.Skill, _ = f.GetInt8("skill")
	s.Episode, _ = f.GetUint8("episode")
	s.Map, _ = f.GetUint8("map")
	s.TicDup, _ = f.GetUint8("ticdup")
	s.ExtraTics, _ = f.GetUint8("extratics")
	s.Deathmatch, _ = f.GetUint8("deathmatch")
	s.NewSync = true
	return s
}

// bot walks in a square, turning every second.
func bot(seq uint32) protocol.TicCmd {
	leg := (seq / 35) % 4
	cmd := protocol.TicCmd{}
	switch leg {
	case 0:
		cmd.ForwardMove = 50
	case 1:
		cmd.SideMove = 40
	case 2:
		cmd.ForwardMove = -50
	case 3:
		cmd.SideMove = -40
	}
	return cmd
}

// controller launches and starts the game when enough players are in.
type controller struct {
	want     int
	settings protocol.GameSettings
	started  bool
}

func (c *controller) step(cl *client.Client) {
	if c.want <= 0 || c.started || cl.State() != client.StateWaiting {
		return
	}
	wait := cl.WaitData()
	if !wait.IsController || int(wait.NumPlayers) < c.want {
		return
	}
	if !cl.Launched() {
		if err := cl.Launch(); err == nil {
			log.Info().Int("players", int(wait.NumPlayers)).Msg("🚀 launching")
		}
		return
	}
	switch err := cl.StartGame(c.settings); {
	case err == nil:
		c.started = true
		log.Info().Uint8("map", c.settings.Map).Int8("skill", c.settings.Skill).Msg("🎮 starting game")
	case errors.Is(err, client.ErrNotReady):
	default:
		log.Error().Err(err).Msg("❌ cannot start game")
		c.started = true
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Log, os.Stderr)

	server := fmt.Sprintf("localhost:%d", cfg.Server.Port)
	if len(args) > 0 {
		server = args[0]
	}
	kind, _ := cmd.Flags().GetString("module")
	module, err := transport.Open(kind, cfg.TransportModule(), 0, cfg.Server.ICEServers)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	clk := clock.New()
	cl := client.New(module, clk, playerName(cmd), connectData(cmd, cfg))
	defer cl.Close()
	cl.OnConsole(func(msg string) { fmt.Println(msg) })
	if err := cl.Connect(server); err != nil {
		return err
	}

	want, _ := cmd.Flags().GetInt("start")
	ctrl := &controller{want: want, settings: gameSettings(cmd)}

	runner := sim.NewRunner(cl, bot, clk, sim.DefaultConfig())

	// Lobby phase: the runner only steps the client until the game starts.
	for cl.State() == client.StateConnecting || cl.State() == client.StateWaiting {
		select {
		case <-ctx.Done():
			return leave(cl, clk)
		case <-clk.After(10 * time.Millisecond):
		}
		ctrl.step(cl)
		runner.Step()
	}
	if cl.State() == client.StateDisconnected {
		return cl.Err()
	}

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return leave(cl, clk)
	}
	return err
}

// leave disconnects gracefully, giving the server a few seconds to ack.
func leave(cl *client.Client, clk clock.Clock) error {
	cl.Disconnect()
	deadline := clk.Now().Add(5 * time.Second)
	for cl.State() != client.StateDisconnected && clk.Now().Before(deadline) {
		cl.Run()
		clk.Sleep(10 * time.Millisecond)
	}
	log.Info().Msg("👋 left session")
	return cl.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
