// Package tunnel composes the sudp stack from configuration.
//
// A Client binds the local UDP socket applications talk to and carries
// their datagrams over a supervised tunnel connection. A Server accepts
// tunnel sessions, keeps one supervisor per client session across
// reconnects, and either echoes payloads back or forwards them to a UDP
// target through per-endpoint associations.
package tunnel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/reliability"
	"github.com/postalsys/sudp/internal/supervisor"
	"github.com/postalsys/sudp/internal/transport"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("tunnel already started")

// ErrSessionLimit refuses a new session on a server at tunnel.max_sessions.
var ErrSessionLimit = errors.New("session limit reached")

// Drop reasons recorded on the datagrams_dropped metric.
const (
	dropBackpressure  = "backpressure"
	dropRateLimited   = "rate_limited"
	dropTooLarge      = "too_large"
	dropNoDestination = "no_destination"
	dropQueueFull     = "queue_full"
	dropSendFailed    = "send_failed"
)

// Session rejection reasons recorded on the sessions_rejected metric.
const (
	rejectMaxSessions = "max_sessions"
	rejectStale       = "stale"
)

// Options carries the process-level dependencies of a stack.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return logging.NopLogger()
	}
	return o.Logger
}

// Status is a health snapshot of a running stack.
type Status struct {
	Mode      string          `json:"mode"`
	Instance  string          `json:"instance"`
	Transport string          `json:"transport"`
	Address   string          `json:"address"`
	Healthy   bool            `json:"healthy"`
	Sessions  []SessionStatus `json:"sessions"`
}

// SessionStatus describes one supervised connection.
type SessionStatus struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	Unacked       int     `json:"unacked"`
	Sent          uint64  `json:"sent"`
	Retransmitted uint64  `json:"retransmitted"`
	Acked         uint64  `json:"acked"`
	Lost          uint64  `json:"lost"`
	Delivered     uint64  `json:"delivered"`
	Duplicates    uint64  `json:"duplicates"`
	Connects      uint64  `json:"connects"`
	RTTMillis     float64 `json:"rtt_ms"`
	Associations  int     `json:"associations,omitempty"`
}

func sessionStatus(id uuid.UUID, st supervisor.Stats) SessionStatus {
	return SessionStatus{
		ID:            id.String(),
		State:         st.State.String(),
		Unacked:       st.Engine.Unacked,
		Sent:          st.Engine.Sent,
		Retransmitted: st.Engine.Retransmitted,
		Acked:         st.Engine.Acked,
		Lost:          st.Engine.Lost,
		Delivered:     st.Engine.Delivered,
		Duplicates:    st.Engine.Duplicates,
		Connects:      st.Connects,
		RTTMillis:     float64(st.LastRTT.Microseconds()) / 1000,
	}
}

func engineConfig(cfg *config.Config) reliability.Config {
	return reliability.Config{
		MaxUnacked:         cfg.Reliability.MaxUnacked,
		MaxRetries:         cfg.Reliability.MaxRetries,
		AckTimeout:         cfg.Reliability.AckTimeout,
		MaxRetransmitDelay: cfg.Reliability.MaxRetransmitDelay,
		Jitter:             cfg.Reliability.Jitter,
		WindowSize:         cfg.Reliability.WindowSize,
	}
}

func supervisorConfig(cfg *config.Config, opts Options, logger *slog.Logger) supervisor.Config {
	return supervisor.Config{
		Engine:                   engineConfig(cfg),
		RetransmitInterval:       cfg.Reliability.RetransmitInterval,
		HeartbeatInterval:        cfg.Heartbeat.Interval,
		MissedHeartbeatThreshold: cfg.Heartbeat.MissedThreshold,
		DialTimeout:              cfg.Tunnel.DialTimeout,
		ReattachTimeout:          cfg.Tunnel.SessionTimeout,
		Reconnect: supervisor.ReconnectConfig{
			Base:        cfg.Reconnect.BackoffBase,
			Cap:         cfg.Reconnect.BackoffCap,
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Jitter:      cfg.Reconnect.Jitter,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	}
}

func tunnelOptions(cfg *config.Config) transport.TunnelOptions {
	return transport.TunnelOptions{
		SendQueue:        cfg.Tunnel.SendQueue,
		HandshakeTimeout: cfg.Tunnel.HandshakeTimeout,
	}
}

// NewDialer builds the client side of the configured transport. id is the
// session identifier presented on every dial.
func NewDialer(cfg *config.Config, id uuid.UUID, logger *slog.Logger) (transport.Dialer, error) {
	tlsCfg := cfg.Tunnel.TLS

	switch cfg.Tunnel.Transport {
	case config.TransportQUIC:
		tlsConf, err := transport.LoadClientTLSConfig(tlsCfg.CA, tlsCfg.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		return &transport.QUICDialer{
			Address:   cfg.Tunnel.URL,
			SessionID: id,
			TLSConfig: tlsConf,
			Options:   tunnelOptions(cfg),
			Logger:    logger,
		}, nil

	case config.TransportWebSocket:
		var tlsConf *tls.Config
		if strings.HasPrefix(cfg.Tunnel.URL, "wss://") {
			var err error
			if tlsConf, err = transport.LoadClientTLSConfig(tlsCfg.CA, tlsCfg.InsecureSkipVerify); err != nil {
				return nil, err
			}
		}
		return &transport.WebSocketDialer{
			URL:       cfg.Tunnel.URL,
			SessionID: id,
			TLSConfig: tlsConf,
			Options:   tunnelOptions(cfg),
			Logger:    logger,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Tunnel.Transport)
	}
}

// newListener builds the server side of the configured transport. QUIC
// always runs TLS; WebSocket runs TLS only when a certificate is configured.
func newListener(cfg *config.Config, opts transport.TunnelOptions, logger *slog.Logger) (transport.Listener, error) {
	tlsCfg := cfg.Tunnel.TLS

	switch cfg.Tunnel.Transport {
	case config.TransportQUIC:
		tlsConf, err := transport.ServerTLSConfig(tlsCfg.Cert, tlsCfg.Key)
		if err != nil {
			return nil, err
		}
		return transport.ListenQUIC(transport.QUICListenerConfig{
			Address:   cfg.Tunnel.Listen,
			TLSConfig: tlsConf,
			Options:   opts,
			Logger:    logger,
		})

	case config.TransportWebSocket:
		var tlsConf *tls.Config
		if tlsCfg.Cert != "" {
			var err error
			if tlsConf, err = transport.LoadTLSConfig(tlsCfg.Cert, tlsCfg.Key); err != nil {
				return nil, err
			}
		}
		return transport.ListenWebSocket(transport.WebSocketListenerConfig{
			Address:   cfg.Tunnel.Listen,
			Path:      cfg.Tunnel.Path,
			TLSConfig: tlsConf,
			Options:   opts,
			Logger:    logger,
		})

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Tunnel.Transport)
	}
}

// resolveEndpoint resolves a host:port to a UDP endpoint. Empty input
// yields the zero AddrPort.
func resolveEndpoint(hostport string) (netip.AddrPort, error) {
	if hostport == "" {
		return netip.AddrPort{}, nil
	}
	ua, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// udpAddr converts an endpoint to the net.Addr UDP sockets expect.
func udpAddr(ap netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ap)
}
