// Command master runs a master server that lists public session servers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LemmyAI/lockstep/internal/config"
	"github.com/LemmyAI/lockstep/internal/master"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:          "master",
	Short:        "Run a master server",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.Int("port", 0, "UDP port (default from config)")
	f.String("db", "", "SQLite database path (default from config)")
	f.String("log-level", "", "log level")
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	cfg := config.Default()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if f.Changed("port") {
		cfg.Master.Port, _ = f.GetInt("port")
	}
	if f.Changed("db") {
		cfg.Master.Database, _ = f.GetString("db")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	config.SetupLogging(cfg.Log, os.Stderr)

	clk := clock.New()
	dir, err := master.OpenDirectory(cfg.Master.Database, clk)
	if err != nil {
		return err
	}
	defer dir.Close()

	svc := master.NewService(transport.NewUDPModule(cfg.TransportModule(), cfg.Master.Port), dir, clk, cfg.MasterService())
	if err := svc.Init(); err != nil {
		return err
	}
	log.Info().Int("port", cfg.Master.Port).Str("db", cfg.Master.Database).Msg("📡 master server ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	for ctx.Err() == nil {
		svc.Run()
		clk.Sleep(time.Millisecond)
	}

	log.Info().Msg("👋 master server stopped")
	return svc.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
