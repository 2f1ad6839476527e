package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/health"
	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/registry"
	"github.com/postalsys/sudp/internal/tunnel"
)

// heartbeatInterval keeps the heartbeat well inside the stale threshold.
const heartbeatInterval = registry.DefaultStaleAfter / 3

// tunnelStack is the client or server an instance runs.
type tunnelStack interface {
	Start(ctx context.Context) error
	Stop() error
	Healthy() bool
	Status() tunnel.Status
}

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		logFile       string
		listenAddress string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an instance in the foreground",
		Long: `Run an instance in the foreground until interrupted. This is what
start launches in the background; it can also be used directly under a
process supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(listenAddress)
			if err != nil {
				return err
			}
			configFile, err := flags.configPath()
			if err != nil {
				return err
			}

			logger, closeLog, err := runLogger(cfg, logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			err = runInstance(cmd.Context(), cfg, configFile, logger)
			if err != nil {
				logger.Error("instance failed", logging.KeyError, err)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	cmd.Flags().StringVar(&listenAddress, "listen-address", "", "Address to bind (default from config)")

	return cmd
}

// runLogger returns the instance logger and a function releasing it.
func runLogger(cfg *config.Config, logFile string) (*slog.Logger, func(), error) {
	if logFile == "" {
		return logging.NewLogger(cfg.LogLevel, cfg.LogFormat), func() {}, nil
	}
	logger, closer, err := logging.NewFileLogger(cfg.LogLevel, cfg.LogFormat, logFile)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { closer.Close() }, nil
}

// runInstance registers the process, runs the tunnel stack and blocks until
// a signal arrives or the stack stops on its own.
func runInstance(ctx context.Context, cfg *config.Config, configFile string, logger *slog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}

	host, port := listenEndpoint(cfg)
	inst := registry.Instance{ConfigFile: configFile, ListenAddress: host, Port: port}
	handle, err := reg.Attach(cfg.InstanceID, inst)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, handle.Release())
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := tunnel.Options{
		Logger:  logger,
		Metrics: metrics.NewMetricsWithRegistry(promReg),
	}

	stack, bound, done, stackErr, err := newStack(cfg, opts)
	if err != nil {
		return err
	}

	// A zero port was resolved when the stack bound; record the real one.
	if p := portOf(bound); p != 0 && p != inst.Port {
		inst.Port = p
		if handle, err = reg.Attach(cfg.InstanceID, inst); err != nil {
			return multierr.Append(err, stack.Stop())
		}
	}

	if err := stack.Start(ctx); err != nil {
		return multierr.Append(err, stack.Stop())
	}

	var hs *health.Server
	if cfg.Metrics.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = cfg.Metrics.Address
		hcfg.Gatherer = promReg
		hcfg.Logger = logger
		hs = health.NewServer(hcfg, stack)
		if err := hs.Start(); err != nil {
			return multierr.Append(fmt.Errorf("health server: %w", err), stack.Stop())
		}
	}

	var wg sync.WaitGroup
	beatCtx, stopBeat := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat(beatCtx, handle, logger)
	}()

	logger.Info("instance running",
		logging.KeyInstance, cfg.InstanceID,
		"mode", cfg.Mode,
		logging.KeyLocalAddr, bound.String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-done:
		runErr = stackErr()
		logger.Warn("tunnel stopped", logging.KeyError, runErr)
	}

	stopBeat()
	wg.Wait()

	if hs != nil {
		runErr = multierr.Append(runErr, hs.Stop())
	}
	runErr = multierr.Append(runErr, stack.Stop())
	logger.Info("instance stopped", logging.KeyInstance, cfg.InstanceID)
	return runErr
}

// newStack builds the client or server for cfg. done is closed if the stack
// stops for good without being asked to, in which case stackErr says why.
func newStack(cfg *config.Config, opts tunnel.Options) (stack tunnelStack, bound net.Addr, done <-chan struct{}, stackErr func() error, err error) {
	if cfg.Mode == config.ModeServer {
		srv, err := tunnel.NewServer(cfg, opts)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return srv, srv.Addr(), nil, func() error { return nil }, nil
	}

	c, err := tunnel.NewClient(cfg, opts)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return c, c.LocalAddr(), c.Done(), c.Err, nil
}

// heartbeat refreshes the registry heartbeat until ctx is done.
func heartbeat(ctx context.Context, handle *registry.Handle, logger *slog.Logger) {
	beat := func() {
		if err := handle.Beat(); err != nil {
			logger.Warn("heartbeat write failed", logging.KeyError, err)
		}
	}
	beat()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// portOf returns the port of a bound UDP or TCP address.
func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		return 0
	}
}
