// Command query looks for session servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/LemmyAI/lockstep/internal/config"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/query"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:          "query",
	Short:        "Query session servers",
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server <addr>...",
	Short: "Query one or more servers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuerier(cmd, func(q *query.Querier) error {
			for _, a := range args {
				if err := q.Query(a); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var lanCmd = &cobra.Command{
	Use:   "lan",
	Short: "Search the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		return withQuerier(cmd, func(q *query.Querier) error { return q.SearchLAN(port) })
	},
}

var masterCmd = &cobra.Command{
	Use:   "master [addr]",
	Short: "List the servers known to a master server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := config.Default().Server.MasterAddr
		if len(args) > 0 {
			addr = args[0]
		}
		return withQuerier(cmd, func(q *query.Querier) error { return q.QueryMaster(addr) })
	},
}

var punchCmd = &cobra.Command{
	Use:   "punch <master> <server>",
	Short: "Ask a server behind NAT to open a hole, then query it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuerier(cmd, func(q *query.Querier) error {
			if err := q.RequestHolePunch(args[0], args[1]); err != nil {
				return err
			}
			return q.Query(args[1])
		})
	},
}

func init() {
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Second, "how long to wait for answers")
	lanCmd.Flags().Int("port", protocol.DefaultPort, "server port to broadcast to")
	rootCmd.AddCommand(serverCmd, lanCmd, masterCmd, punchCmd)
}

func withQuerier(cmd *cobra.Command, start func(*query.Querier) error) error {
	config.SetupLogging(config.LogConfig{Level: "warn", Pretty: true}, os.Stderr)

	q := query.New(transport.NewUDPModule(transport.DefaultConfig(), 0), clock.New())
	if err := q.Init(); err != nil {
		return err
	}
	defer q.Close()
	if err := start(q); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	results := q.Wait(ctx, timeout)

	if cmd.Name() == "master" {
		fmt.Printf("Master lists %d servers\n\n", len(q.MasterList()))
	}
	printResults(results)
	return nil
}

func printResults(results []query.Target) {
	if len(results) == 0 {
		fmt.Println("No servers found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PING\tADDRESS\tPLAYERS\tSTATE\tVERSION\tDESCRIPTION")
	for _, t := range results {
		fmt.Fprintf(w, "%dms\t%s\t%d/%d\t%s\t%s\t%s\n",
			t.Ping.Milliseconds(), t.Addr, t.Data.NumPlayers, t.Data.MaxPlayers,
			t.Data.State, t.Data.Version, t.Data.Description)
	}
	w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
