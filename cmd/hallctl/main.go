// hallctl is the operator CLI for a running hallwatch server.
//
// Usage:
//
//	hallctl start hall-1 --institution uni-1 --invigilator inv-1
//	hallctl submit hall-1 --kind head_pose --row 3 --seat 4
//	hallctl replay hall-1 recorded.jsonl
//	hallctl alerts hall-1
//	hallctl ack <alert-id> --actor inv-1
//	hallctl end hall-1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
	outputFmt string
	timeout   time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hallctl",
		Short: "Operate exam sessions on a hallwatch server",
		Long: `hallctl drives a hallwatch server over its HTTP API.

It starts and ends exam sessions, feeds detection events (one at a time or
replayed from a JSON-lines recording) and acts on the alerts they raise.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("HALLWATCH_SERVER", "http://localhost:8080"), "hallwatch server base URL")
	root.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")

	root.AddCommand(startCmd())
	root.AddCommand(endCmd())
	root.AddCommand(assignCmd())
	root.AddCommand(submitCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(alertsCmd())
	root.AddCommand(feedCmd())
	for _, c := range transitionCmds() {
		root.AddCommand(c)
	}
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
