// Command server runs a dedicated lockstep session server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LemmyAI/lockstep/internal/config"
	"github.com/LemmyAI/lockstep/internal/dedicated"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a dedicated lockstep session server",
	Long: `Runs a session server with no local player.

The first player to connect becomes the controller and picks the game
options. Players reach the server over UDP, or over WebSocket and WebRTC
through the HTTP listener.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.Int("port", 0, "UDP port (default from config)")
	f.String("http", "", "HTTP listen address for websocket and webrtc")
	f.Int("max-players", 0, "maximum players")
	f.String("description", "", "server description shown to queries")
	f.StringSlice("modules", nil, "transport modules: udp, websocket, webrtc")
	f.Bool("register", false, "register with the master server")
	f.String("master", "", "master server address")
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
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("http") {
		cfg.Server.HTTPAddr, _ = f.GetString("http")
	}
	if f.Changed("max-players") {
		cfg.Server.MaxPlayers, _ = f.GetInt("max-players")
	}
	if f.Changed("description") {
		cfg.Server.Description, _ = f.GetString("description")
	}
	if f.Changed("modules") {
		cfg.Server.Modules, _ = f.GetStringSlice("modules")
	}
	if f.Changed("register") {
		cfg.Server.Register, _ = f.GetBool("register")
	}
	if f.Changed("master") {
		cfg.Server.MasterAddr, _ = f.GetString("master")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

// openModules builds the configured modules. UDP goes first so the master
// server is reached over it.
func openModules(cfg config.Config) ([]transport.Module, error) {
	var modules []transport.Module
	kinds := append([]string(nil), cfg.Server.Modules...)
	for i, k := range kinds {
		if k == "udp" && i > 0 {
			kinds[0], kinds[i] = kinds[i], kinds[0]
		}
	}
	for _, k := range kinds {
		m, err := transport.Open(k, cfg.TransportModule(), cfg.Server.Port, cfg.Server.ICEServers)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Log, os.Stderr)

	modules, err := openModules(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		open := func(config.Config) ([]transport.Module, error) { return modules, nil }
		return dedicated.Run(ctx, args, cfg, open, dedicated.DefaultOptions())
	})

	if handlers := transport.Handlers(modules); len(handlers) > 0 {
		mux := http.NewServeMux()
		for path, h := range handlers {
			mux.Handle(path, h)
		}
		httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Server.HTTPAddr).Int("endpoints", len(handlers)).Msg("🌐 HTTP listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func main() {
	// Game options look like flags, so catch them before cobra does.
	if err := dedicated.CheckClientOptions(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
