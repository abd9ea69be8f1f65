// Package main provides the qflow binary entry point: a node daemon
// (`qflow serve`) and a reference CLI for flows, executions, ledgers,
// and cluster state.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/commands"
	"github.com/c360studio/qflow/qerr"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(qerr.ExitUsage)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(qerr.ExitCode(err))
	}
}

func rootCmd() *cobra.Command {
	opts := &commands.Options{}
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Distributed serverless automation engine",
		Long: `Qflow runs automation flows across a mesh of nodes: declarative
step graphs executed in capability-scoped sandboxes, every transition
committed to a signed hash-chained ledger, with an adaptive control
plane that degrades gracefully under resource pressure.

All nodes communicate via NATS JetStream. The CLI publishes commands
onto the shared command stream and reads the shared KV stores, so it
works against any reachable node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path (YAML)")
	flags.StringVar(&opts.NATSURL, "nats-url", "", "NATS server URL (default: config, then nats://localhost:4222)")
	flags.StringVar(&opts.DataDir, "data-dir", "", "Local ledger data directory")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output format: text or json")
	flags.DurationVar(&opts.Timeout, "timeout", 0, "Confirmation wait for cluster commands")
	flags.StringVar(&opts.Actor, "actor", "", "Acting identity recorded on commands")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts, &logLevel),
		commands.NewFlowCommand(opts),
		commands.NewExecCommand(opts),
		commands.NewLedgerCommand(opts),
		commands.NewSystemCommand(opts),
		commands.NewScanCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// shutdownTimeout bounds how long StopAll waits for services.
const shutdownTimeout = 30 * time.Second
