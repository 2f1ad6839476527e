package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/registry"
)

// globalFlags are shared by every instance command.
type globalFlags struct {
	instance   string
	stateDir   string
	configFile string
	port       int

	portSet bool
}

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.instance, "instance", "i", "", "Instance identifier (default from config)")
	pf.StringVar(&f.stateDir, "state-dir", "", "State directory (default from config)")
	pf.StringVarP(&f.configFile, "config-file", "c", "", "Path to configuration file")
	pf.IntVarP(&f.port, "port", "p", 0, "UDP port for a client, tunnel port for a server (0 = pick a free port)")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		f.portSet = cmd.Flags().Changed("port")
	}
}

// overrides returns the command line values that replace config fields.
func (f *globalFlags) overrides(listenAddress string) config.Overrides {
	o := config.Overrides{
		InstanceID:    f.instance,
		StateDir:      f.stateDir,
		ListenAddress: listenAddress,
	}
	if f.portSet {
		port := f.port
		o.Port = &port
	}
	return o
}

// configPath returns the config file as an absolute path. Launched
// instances run inside their own directory, so relative paths would break.
func (f *globalFlags) configPath() (string, error) {
	if f.configFile == "" {
		return "", nil
	}
	abs, err := filepath.Abs(f.configFile)
	if err != nil {
		return "", fmt.Errorf("%w: config file path: %w", config.ErrInvalid, err)
	}
	return abs, nil
}

// loadConfig loads and validates the configuration with flag overrides.
func (f *globalFlags) loadConfig(listenAddress string) (*config.Config, error) {
	path, err := f.configPath()
	if err != nil {
		return nil, err
	}
	return config.LoadWithOverrides(path, f.overrides(listenAddress))
}

// openRegistry opens the registry under the configured state directory.
func openRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	return registry.New(cfg.StateDir, registry.Options{Logger: logger})
}

// cliLogger logs registry warnings to stderr for the management commands.
func cliLogger() *slog.Logger {
	return logging.NewLoggerWithWriter("warn", "text", os.Stderr)
}

// listenEndpoint returns the address and port an instance binds: the local
// UDP socket for a client, the tunnel listener for a server.
func listenEndpoint(cfg *config.Config) (string, int) {
	if cfg.Mode == config.ModeServer {
		host, portStr, err := net.SplitHostPort(cfg.Tunnel.Listen)
		if err != nil {
			return "", 0
		}
		port, _ := strconv.Atoi(portStr)
		if host == "" {
			host = "0.0.0.0"
		}
		return host, port
	}
	return cfg.Local.ListenAddress, cfg.Local.ListenPort
}

// startSpec builds the launch settings for cfg.
func (f *globalFlags) startSpec(cfg *config.Config) (registry.StartSpec, error) {
	path, err := f.configPath()
	if err != nil {
		return registry.StartSpec{}, err
	}
	host, port := listenEndpoint(cfg)
	return registry.StartSpec{
		ConfigFile:    path,
		ListenAddress: host,
		Port:          port,
		Network:       listenNetwork(cfg),
	}, nil
}

// listenNetwork returns the protocol the endpoint of listenEndpoint is
// bound with. A WebSocket server listens on TCP; everything else on UDP.
func listenNetwork(cfg *config.Config) string {
	if cfg.Mode == config.ModeServer && cfg.Tunnel.Transport == config.TransportWebSocket {
		return registry.NetworkTCP
	}
	return registry.NetworkUDP
}
