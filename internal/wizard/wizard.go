// Package wizard provides the interactive setup wizard behind `sudp init`.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/registry"
	"github.com/postalsys/sudp/internal/transport"
)

// ErrNotTerminal is returned when the wizard is started without an
// interactive terminal on stdin.
var ErrNotTerminal = errors.New("setup wizard requires an interactive terminal")

// TLS choices offered for the server certificate.
const (
	tlsNone     = "none"
	tlsGenerate = "generate"
	tlsExisting = "existing"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// answers collects everything the forms ask for.
type answers struct {
	instanceID string
	configPath string
	stateDir   string
	mode       string
	transport  string

	// client
	localAddress string
	localPort    string
	tunnelURL    string
	caFile       string
	insecure     bool

	// server
	listen      string
	path        string
	forwardMode string
	target      string
	tlsChoice   string
	certFile    string
	keyFile     string

	logLevel       string
	metricsEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard and writes the configuration.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotTerminal
	}

	w.printBanner()

	a := defaultAnswers()
	steps := []func(*answers) error{
		w.askBasicSetup,
		w.askRole,
	}
	for _, step := range steps {
		if err := step(a); err != nil {
			return nil, err
		}
	}

	var err error
	if a.mode == config.ModeServer {
		err = w.askServer(a)
	} else {
		err = w.askClient(a)
	}
	if err != nil {
		return nil, err
	}

	if err := w.askAdvancedOptions(a); err != nil {
		return nil, err
	}

	if a.tlsChoice == tlsGenerate {
		if err := generateCertificates(a); err != nil {
			return nil, err
		}
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a.configPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.configPath}, nil
}

func defaultAnswers() *answers {
	def := config.Default()
	return &answers{
		instanceID:   def.InstanceID,
		configPath:   "./sudp.yaml",
		stateDir:     def.StateDir,
		mode:         config.ModeClient,
		transport:    config.TransportWebSocket,
		localAddress: def.Local.ListenAddress,
		localPort:    strconv.Itoa(def.Local.ListenPort),
		tunnelURL:    def.Tunnel.URL,
		listen:       def.Tunnel.Listen,
		path:         def.Tunnel.Path,
		forwardMode:  config.ForwardModeForward,
		tlsChoice:    tlsNone,
		logLevel:     def.LogLevel,
	}
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
               _
  ___ _   _  __| |_ __
 / __| | | |/ _` + "`" + ` | '_ \
 \__ \ |_| | (_| | |_) |
 |___/\__,_|\__,_| .__/
                 |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Reliable UDP over WebSocket and QUIC - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Name this instance and choose where its files live."),

			huh.NewInput().
				Title("Instance ID").
				Description("Letters, digits, dot, dash and underscore").
				Value(&a.instanceID).
				Validate(func(s string) error {
					_, err := registry.NormalizeID(s)
					return err
				}),

			huh.NewInput().
				Title("State Directory").
				Description("PID files, metadata and logs are kept here").
				Value(&a.stateDir).
				Validate(required("state directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Value(&a.configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askRole(a *answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("The client accepts local UDP traffic; the server terminates tunnels").
				Options(
					huh.NewOption("Client (local UDP socket, dials the server)", config.ModeClient),
					huh.NewOption("Server (accepts tunnels, forwards to a UDP target)", config.ModeServer),
				).
				Value(&a.mode),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Options(
					huh.NewOption("WebSocket (TCP, proxy-friendly)", config.TransportWebSocket),
					huh.NewOption("QUIC (UDP, requires TLS)", config.TransportQUIC),
				).
				Value(&a.transport),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askClient(a *answers) error {
	if a.transport == config.TransportQUIC {
		a.tunnelURL = "127.0.0.1:11223"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client").
				Description("Applications send datagrams to the local socket."),

			huh.NewInput().
				Title("Local Listen Address").
				Value(&a.localAddress).
				Validate(validateIP),

			huh.NewInput().
				Title("Local Listen Port").
				Description("0 lets the system choose").
				Value(&a.localPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Server").
				Description(serverHint(a.transport)).
				Value(&a.tunnelURL).
				Validate(func(s string) error { return validateTunnelURL(a.transport, s) }),

			huh.NewInput().
				Title("Forward Target (optional)").
				Description("host:port the server should deliver to when it has no target of its own").
				Value(&a.target).
				Validate(optionalHostPort),
		),
	).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}

	if a.transport == config.TransportWebSocket && !strings.HasPrefix(a.tunnelURL, "wss://") {
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("CA Certificate (optional)").
				Description("PEM file used to verify the server").
				Value(&a.caFile).
				Validate(optionalFile),

			huh.NewConfirm().
				Title("Skip certificate verification?").
				Description("Only for development against self-signed servers").
				Value(&a.insecure),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askServer(a *answers) error {
	options := []huh.Option[string]{
		huh.NewOption("Generate a self-signed certificate", tlsGenerate),
		huh.NewOption("Use existing certificate files", tlsExisting),
	}
	if a.transport == config.TransportWebSocket {
		options = append([]huh.Option[string]{huh.NewOption("No TLS (plain ws://, e.g. behind a reverse proxy)", tlsNone)}, options...)
	} else {
		a.tlsChoice = tlsGenerate
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server").
				Description("Tunnels are accepted here and their datagrams relayed."),

			huh.NewInput().
				Title("Listen Address").
				Description("host:port for the tunnel listener").
				Value(&a.listen).
				Validate(validateHostPort),

			huh.NewSelect[string]().
				Title("Delivery").
				Options(
					huh.NewOption("Forward to a UDP target", config.ForwardModeForward),
					huh.NewOption("Echo payloads back (testing)", config.ForwardModeEcho),
				).
				Value(&a.forwardMode),

			huh.NewSelect[string]().
				Title("TLS").
				Options(options...).
				Value(&a.tlsChoice),
		),
	).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}

	var fields []huh.Field
	if a.transport == config.TransportWebSocket {
		fields = append(fields, huh.NewInput().
			Title("HTTP Path").
			Description("URL path serving the WebSocket upgrade").
			Value(&a.path).
			Validate(validatePath))
	}
	if a.forwardMode == config.ForwardModeForward {
		fields = append(fields, huh.NewInput().
			Title("Forward Target").
			Description("host:port of the UDP service; empty uses each client's hint").
			Value(&a.target).
			Validate(optionalHostPort))
	}
	switch a.tlsChoice {
	case tlsExisting:
		fields = append(fields,
			huh.NewInput().Title("Certificate File").Value(&a.certFile).Validate(requiredFile),
			huh.NewInput().Title("Key File").Value(&a.keyFile).Validate(requiredFile),
		)
	case tlsGenerate:
		certsDir := filepath.Join(a.stateDir, a.instanceID, "certs")
		a.certFile = filepath.Join(certsDir, "server.crt")
		a.keyFile = filepath.Join(certsDir, "server.key")
	}

	if len(fields) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable health and metrics endpoint?").
				Description("HTTP endpoint with /healthz, /status and /metrics").
				Value(&a.metricsEnabled),
		),
	).WithTheme(w.theme).Run()
}

// generateCertificates writes a self-signed server certificate.
func generateCertificates(a *answers) error {
	if err := os.MkdirAll(filepath.Dir(a.certFile), 0o700); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}
	host, _, err := net.SplitHostPort(a.listen)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return transport.GenerateAndSaveCert(a.certFile, a.keyFile, host, 365*24*time.Hour)
}

// buildConfig turns answers into a validated configuration.
func buildConfig(a *answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.InstanceID = a.instanceID
	cfg.StateDir = a.stateDir
	cfg.Mode = a.mode
	cfg.LogLevel = a.logLevel
	cfg.LogFormat = "text"
	cfg.Tunnel.Transport = a.transport
	cfg.Forward.Target = a.target
	cfg.Metrics.Enabled = a.metricsEnabled

	switch a.mode {
	case config.ModeServer:
		cfg.Tunnel.Listen = a.listen
		cfg.Tunnel.Path = a.path
		cfg.Forward.Mode = a.forwardMode
		if a.forwardMode == config.ForwardModeEcho {
			cfg.Forward.Target = ""
		}
		if a.tlsChoice != tlsNone {
			cfg.Tunnel.TLS.Cert = a.certFile
			cfg.Tunnel.TLS.Key = a.keyFile
		}

	default:
		port, err := strconv.Atoi(a.localPort)
		if err != nil {
			return nil, fmt.Errorf("%w: local port %q", config.ErrInvalid, a.localPort)
		}
		cfg.Local.ListenAddress = a.localAddress
		cfg.Local.ListenPort = port
		cfg.Tunnel.URL = a.tunnelURL
		cfg.Tunnel.TLS.CA = a.caFile
		cfg.Tunnel.TLS.InsecureSkipVerify = a.insecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# sudp configuration\n# Generated by `sudp init`\n\n"
	if err := os.WriteFile(path, []byte(header+cfg.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Instance:     %s (%s)\n", cfg.InstanceID, cfg.Mode)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  State dir:    %s\n", cfg.StateDir)

	if cfg.Mode == config.ModeServer {
		fmt.Printf("  Listener:     %s://%s\n", cfg.Tunnel.Transport, cfg.Tunnel.Listen)
		if cfg.Forward.Mode == config.ForwardModeEcho {
			fmt.Println("  Delivery:     echo")
		} else if cfg.Forward.Target != "" {
			fmt.Printf("  Delivery:     forward to %s\n", cfg.Forward.Target)
		}
	} else {
		fmt.Printf("  Local UDP:    %s:%d\n", cfg.Local.ListenAddress, cfg.Local.ListenPort)
		fmt.Printf("  Server:       %s\n", cfg.Tunnel.URL)
	}

	if cfg.Metrics.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To start the instance:")
	fmt.Printf("    sudp start --instance %s --config-file %s\n", cfg.InstanceID, configPath)
	fmt.Println()
}

func serverHint(transportType string) string {
	if transportType == config.TransportQUIC {
		return "host:port of the server"
	}
	return "ws:// or wss:// URL of the server"
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateIP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("must be an IP address")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func optionalHostPort(s string) error {
	if s == "" {
		return nil
	}
	return validateHostPort(s)
}

func validatePath(s string) error {
	if s == "" || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateTunnelURL(transportType, s string) error {
	if transportType == config.TransportQUIC {
		return validateHostPort(s)
	}
	if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		return fmt.Errorf("URL must start with ws:// or wss://")
	}
	return nil
}

func requiredFile(s string) error {
	if s == "" {
		return fmt.Errorf("file path is required")
	}
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

func optionalFile(s string) error {
	if s == "" {
		return nil
	}
	return requiredFile(s)
}
