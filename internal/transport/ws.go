package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/packet"
)

// WebSocket transport constants
const (
	wsDefaultPath = "/sudp"
	// wsReadLimit admits the largest encoded packet plus slack for the hello.
	wsReadLimit = packet.MaxPacketSize + 64
)

// WebSocketDialer dials tunnel sockets over WebSocket binary messages.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// SessionID identifies this client across reconnects.
	SessionID uuid.UUID

	// TLSConfig is used for wss:// URLs. Nil uses the system roots.
	TLSConfig *tls.Config

	Options TunnelOptions
	Logger  *slog.Logger
}

// Dial connects, performs the session hello and returns the tunnel socket.
func (d *WebSocketDialer) Dial(ctx context.Context) (Socket, error) {
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: invalid WebSocket URL %q", ErrTransport, d.URL)
	}
	opts := d.Options.withDefaults()

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
	}
	if u.Scheme == "wss" && d.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: httpTLSConfig(d.TLSConfig)},
		}
	}

	conn, _, err := websocket.Dial(ctx, d.URL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: WebSocket dial failed: %w", ErrTransport, err)
	}
	conn.SetReadLimit(wsReadLimit)

	mc := &wsConn{
		conn:   conn,
		local:  tunnelAddr{network: "ws", addr: "client"},
		remote: tunnelAddr{network: "ws", addr: u.Host},
	}
	epoch, err := clientHandshake(ctx, mc, d.SessionID, opts.HandshakeTimeout)
	if err != nil {
		mc.Close()
		return nil, err
	}

	return newTunnelSocket(mc, epoch, opts.SendQueue, d.Logger), nil
}

// WebSocketListenerConfig configures a WebSocket listener.
type WebSocketListenerConfig struct {
	// Address is host:port to listen on.
	Address string

	// Path is the HTTP path serving the upgrade.
	Path string

	// TLSConfig enables TLS. Nil serves plaintext, for deployments behind
	// a TLS-terminating reverse proxy.
	TLSConfig *tls.Config

	Options TunnelOptions
	Logger  *slog.Logger
}

// WebSocketListener accepts tunnel sessions over WebSocket.
type WebSocketListener struct {
	cfg       WebSocketListenerConfig
	server    *http.Server
	netLn     net.Listener
	sessionCh chan *Session
	closeCh   chan struct{}
	closed    atomic.Bool
	logger    *slog.Logger
}

// ListenWebSocket starts an HTTP server accepting WebSocket tunnels.
func ListenWebSocket(cfg WebSocketListenerConfig) (*WebSocketListener, error) {
	if cfg.Path == "" {
		cfg.Path = wsDefaultPath
	}
	cfg.Options = cfg.Options.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l := &WebSocketListener{
		cfg:       cfg,
		sessionCh: make(chan *Session, 16),
		closeCh:   make(chan struct{}),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleWebSocket)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         httpTLSConfig(cfg.TLSConfig),
		ReadHeaderTimeout: cfg.Options.HandshakeTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen failed: %w", ErrTransport, err)
	}
	l.netLn = ln

	go func() {
		var err error
		if cfg.TLSConfig != nil {
			err = l.server.ServeTLS(ln, "", "")
		} else {
			err = l.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("WebSocket server stopped", logging.KeyError, err)
		}
	}()

	return l, nil
}

// handleWebSocket upgrades the request and runs the session hello.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		l.logger.Debug("WebSocket upgrade failed", logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	mc := &wsConn{
		conn:   conn,
		local:  tunnelAddr{network: "ws", addr: l.netLn.Addr().String()},
		remote: tunnelAddr{network: "ws", addr: r.RemoteAddr},
	}

	id, epoch, err := serverHandshake(context.Background(), mc, l.cfg.Options.HandshakeTimeout, l.cfg.Options.SessionEpoch)
	if err != nil {
		l.logger.Debug("session hello failed", logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
		mc.Close()
		return
	}

	session := &Session{
		ID:         id,
		Epoch:      epoch,
		Socket:     newTunnelSocket(mc, epoch, l.cfg.Options.SendQueue, l.logger),
		RemoteAddr: mc.remote,
	}

	select {
	case l.sessionCh <- session:
	case <-l.closeCh:
		session.Socket.Close()
	}
}

// Accept waits for and returns the next session.
func (l *WebSocketListener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-l.sessionCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("%w: listener closed", ErrTransport)
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops accepting sessions. Hijacked session connections are not
// tracked by the HTTP server and stay open.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// httpTLSConfig returns a copy of c negotiating HTTP/1.1, which the
// WebSocket upgrade requires.
func httpTLSConfig(c *tls.Config) *tls.Config {
	if c == nil {
		return nil
	}
	c = c.Clone()
	c.NextProtos = []string{"http/1.1"}
	return c
}

// wsConn frames messages as WebSocket binary messages.
type wsConn struct {
	conn   *websocket.Conn
	local  net.Addr
	remote net.Addr
	closed atomic.Bool
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected message type: %v", typ)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func (c *wsConn) LocalAddr() net.Addr  { return c.local }
func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.CloseNow()
}
