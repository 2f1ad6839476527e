package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/probe"
	"github.com/postalsys/sudp/internal/tunnel"
)

var errProbeFailed = errors.New("probe failed")

func probeCmd(flags *globalFlags) *cobra.Command {
	var (
		url       string
		transport string
		count     int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test connectivity to a sudp server",
		Long: `Connect to the server named by the configuration (or --url), complete
the session hello and time a few heartbeat round trips. No datagrams are
relayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Tunnel.Transport = transport
			}
			if url != "" {
				cfg.Tunnel.URL = url
			}

			dialer, err := tunnel.NewDialer(cfg, uuid.New(), logging.NopLogger())
			if err != nil {
				return fmt.Errorf("%w: %w", config.ErrInvalid, err)
			}

			res := probe.Probe(cmd.Context(), dialer, probe.Options{
				Address: cfg.Tunnel.URL,
				Count:   count,
				Timeout: timeout,
			})

			out := newPrinter(cmd.OutOrStdout())
			out.printProbe(res)
			if !res.Success {
				return fmt.Errorf("%w: %s", errProbeFailed, res.ErrorDetail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Server to probe: ws(s)://host:port/path, or host:port for quic")
	cmd.Flags().StringVar(&transport, "transport", "", "Transport: ws or quic (default from config)")
	cmd.Flags().IntVarP(&count, "count", "n", 3, "Number of heartbeats to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")

	return cmd
}
