package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/sudp/internal/registry"
)

// startupCheck is how long start watches a launched instance before
// reporting success.
const startupCheck = 500 * time.Millisecond

func startCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start an instance in the background",
		Long: `Start an instance as a background process. The instance listens on
the port from the configuration, or --port; port 0 picks a free port and
records it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}
			spec, err := flags.startSpec(cfg)
			if err != nil {
				return err
			}

			st, err := reg.Start(cmd.Context(), cfg.InstanceID, spec)
			if err != nil {
				return err
			}
			if err := confirmStarted(cmd.Context(), reg, st); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Started instance %s (pid %d) on %s\n", st.ID, st.PID, st.ListenAddr())
			fmt.Fprintf(cmd.OutOrStdout(), "Log file: %s\n", reg.LogFile(st.ID))
			return nil
		},
	}
}

// confirmStarted fails if the launched process exits during its first
// moments, which is how bind and config errors surface.
func confirmStarted(ctx context.Context, reg *registry.Registry, st *registry.Status) error {
	timer := time.NewTimer(startupCheck)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	cur, err := reg.Status(st.ID)
	if err != nil {
		return err
	}
	if cur.State == registry.StateStopped {
		return fmt.Errorf("instance %s exited during startup, see %s", st.ID, reg.LogFile(st.ID))
	}
	return nil
}

func stopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}

			if err := reg.Stop(cmd.Context(), cfg.InstanceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped instance %s\n", cfg.InstanceID)
			return nil
		},
	}
}

func restartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop an instance if it is running, then start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}
			spec, err := flags.startSpec(cfg)
			if err != nil {
				return err
			}

			st, err := reg.Restart(cmd.Context(), cfg.InstanceID, spec)
			if err != nil {
				return err
			}
			if err := confirmStarted(cmd.Context(), reg, st); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Restarted instance %s (pid %d) on %s\n", st.ID, st.PID, st.ListenAddr())
			return nil
		},
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of an instance",
		Long: `Show the state of an instance. The exit code is 4 when the instance
is not running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}

			st, err := reg.Status(cfg.InstanceID)
			if err != nil {
				return err
			}

			out := newPrinter(cmd.OutOrStdout())
			out.printStatus(st, reg.LogFile(st.ID), time.Now())

			if st.State == registry.StateStopped {
				return fmt.Errorf("%w: %s", registry.ErrNotRunning, st.ID)
			}
			return nil
		},
	}
}

func listCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig("")
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cliLogger())
			if err != nil {
				return err
			}

			all, err := reg.List()
			if err != nil {
				return err
			}

			out := newPrinter(cmd.OutOrStdout())
			out.printList(all, time.Now())
			return nil
		},
	}
}
