package wizard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/sudp/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil || w.theme == nil {
		t.Fatal("New() returned a wizard without a theme")
	}
}

func TestBuildConfig_Client(t *testing.T) {
	a := defaultAnswers()
	a.instanceID = "alpha"
	a.stateDir = t.TempDir()
	a.localPort = "5000"
	a.tunnelURL = "wss://tunnel.example.com/sudp"
	a.insecure = true
	a.target = "10.0.0.5:53"

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	if cfg.Mode != config.ModeClient {
		t.Errorf("Mode = %s, want client", cfg.Mode)
	}
	if cfg.Local.ListenPort != 5000 {
		t.Errorf("ListenPort = %d, want 5000", cfg.Local.ListenPort)
	}
	if cfg.Tunnel.URL != a.tunnelURL || !cfg.Tunnel.TLS.InsecureSkipVerify {
		t.Errorf("Tunnel = %+v", cfg.Tunnel)
	}
	if cfg.Forward.Target != "10.0.0.5:53" {
		t.Errorf("Forward.Target = %s", cfg.Forward.Target)
	}
}

func TestBuildConfig_ServerEcho(t *testing.T) {
	a := defaultAnswers()
	a.mode = config.ModeServer
	a.listen = "0.0.0.0:8443"
	a.forwardMode = config.ForwardModeEcho
	a.target = "ignored:1"

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	if cfg.Tunnel.Listen != "0.0.0.0:8443" {
		t.Errorf("Listen = %s", cfg.Tunnel.Listen)
	}
	if cfg.Forward.Target != "" {
		t.Errorf("echo mode kept target %q", cfg.Forward.Target)
	}
	if cfg.Tunnel.TLS.Cert != "" {
		t.Errorf("TLS cert set without a TLS choice: %q", cfg.Tunnel.TLS.Cert)
	}
}

func TestBuildConfig_ServerGeneratedCert(t *testing.T) {
	dir := t.TempDir()
	a := defaultAnswers()
	a.mode = config.ModeServer
	a.transport = config.TransportQUIC
	a.listen = "127.0.0.1:8443"
	a.target = "127.0.0.1:53"
	a.tlsChoice = tlsGenerate
	a.certFile = filepath.Join(dir, "certs", "server.crt")
	a.keyFile = filepath.Join(dir, "certs", "server.key")

	if err := generateCertificates(a); err != nil {
		t.Fatalf("generateCertificates() error = %v", err)
	}
	for _, f := range []string{a.certFile, a.keyFile} {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("expected %s to exist: %v", f, err)
		}
	}

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	if cfg.Tunnel.TLS.Cert != a.certFile || cfg.Tunnel.TLS.Key != a.keyFile {
		t.Errorf("TLS = %+v", cfg.Tunnel.TLS)
	}
}

func TestBuildConfig_Invalid(t *testing.T) {
	a := defaultAnswers()
	a.localPort = "eighty"
	if _, err := buildConfig(a); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("buildConfig() error = %v, want ErrInvalid", err)
	}

	a = defaultAnswers()
	a.logLevel = "chatty"
	if _, err := buildConfig(a); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("buildConfig() error = %v, want ErrInvalid", err)
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sudp.yaml")
	a := defaultAnswers()
	a.instanceID = "written"
	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatal(err)
	}

	if err := writeConfig(cfg, path); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# sudp configuration") {
		t.Errorf("missing header:\n%s", data)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if loaded.InstanceID != "written" {
		t.Errorf("InstanceID = %s, want written", loaded.InstanceID)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(string) error
		input string
		ok    bool
	}{
		{"config path yaml", validateConfigPath, "a.yaml", true},
		{"config path json", validateConfigPath, "a.json", false},
		{"ip", validateIP, "127.0.0.1", true},
		{"hostname not ip", validateIP, "localhost", false},
		{"port zero", validatePort, "0", true},
		{"port too big", validatePort, "65536", false},
		{"host port", validateHostPort, "example.com:53", true},
		{"host without port", validateHostPort, "example.com", false},
		{"optional empty", optionalHostPort, "", true},
		{"path", validatePath, "/sudp", true},
		{"path relative", validatePath, "sudp", false},
		{"missing file", requiredFile, "/nonexistent/file", false},
		{"optional file empty", optionalFile, "", true},
		{"required blank", required("thing"), "  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.input)
			if (err == nil) != tt.ok {
				t.Errorf("%q: error = %v, want ok=%v", tt.input, err, tt.ok)
			}
		})
	}
}

func TestValidateTunnelURL(t *testing.T) {
	if err := validateTunnelURL(config.TransportWebSocket, "ws://host/sudp"); err != nil {
		t.Errorf("ws URL rejected: %v", err)
	}
	if err := validateTunnelURL(config.TransportWebSocket, "host:80"); err == nil {
		t.Error("bare host accepted for ws")
	}
	if err := validateTunnelURL(config.TransportQUIC, "host:443"); err != nil {
		t.Errorf("quic host:port rejected: %v", err)
	}
}
