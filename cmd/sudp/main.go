// Package main provides the CLI entry point for sudp.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/registry"
)

// Version is set at build time.
var Version = "dev"

// Exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitConfigError    = 2
	exitAlreadyRunning = 3
	exitNotRunning     = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "sudp",
		Short: "sudp - reliable UDP tunnel",
		Long: `sudp carries UDP datagrams over a WebSocket or QUIC tunnel with
acknowledgments, retransmission and automatic reconnection.

A client instance exposes a local UDP socket and relays everything it
receives to a server instance, which forwards it to a UDP target and
tunnels the replies back.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags.register(rootCmd)

	rootCmd.AddCommand(
		startCmd(flags),
		stopCmd(flags),
		restartCmd(flags),
		statusCmd(flags),
		listCmd(flags),
		runCmd(flags),
		probeCmd(flags),
		initCmd(),
	)

	return rootCmd
}

// exitCode maps an error returned by a command to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid), errors.Is(err, registry.ErrInvalidInstanceID):
		return exitConfigError
	case errors.Is(err, registry.ErrAlreadyRunning):
		return exitAlreadyRunning
	case errors.Is(err, registry.ErrNotRunning):
		return exitNotRunning
	default:
		return exitFailure
	}
}
