package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/recovery"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 30 * time.Second
	DefaultKeepAlivePeriod = 10 * time.Second

	// quicMaxMessage bounds a length-prefixed message on the stream.
	quicMaxMessage = wsReadLimit
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// QUICDialer dials tunnel sockets carried on one bidirectional QUIC stream.
type QUICDialer struct {
	// Address is the server's host:port.
	Address string

	// SessionID identifies this client across reconnects.
	SessionID uuid.UUID

	// TLSConfig must be set; ALPN is forced to ALPNProtocol.
	TLSConfig *tls.Config

	Options TunnelOptions
	Logger  *slog.Logger
}

// Dial connects, opens the stream, performs the hello and returns the socket.
func (d *QUICDialer) Dial(ctx context.Context) (Socket, error) {
	if d.TLSConfig == nil {
		return nil, fmt.Errorf("%w: TLS config required for QUIC", ErrTransport)
	}
	opts := d.Options.withDefaults()

	tlsConf := d.TLSConfig.Clone()
	tlsConf.NextProtos = []string{ALPNProtocol}

	conn, err := quic.DialAddr(ctx, d.Address, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: QUIC dial failed: %w", ErrTransport, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("%w: failed to open QUIC stream: %w", ErrTransport, err)
	}

	mc := &quicStreamConn{conn: conn, stream: stream}
	epoch, err := clientHandshake(ctx, mc, d.SessionID, opts.HandshakeTimeout)
	if err != nil {
		mc.Close()
		return nil, err
	}

	return newTunnelSocket(mc, epoch, opts.SendQueue, d.Logger), nil
}

// QUICListenerConfig configures a QUIC listener.
type QUICListenerConfig struct {
	// Address is host:port to listen on.
	Address string

	// TLSConfig must carry a certificate.
	TLSConfig *tls.Config

	Options TunnelOptions
	Logger  *slog.Logger
}

// QUICListener accepts tunnel sessions over QUIC.
type QUICListener struct {
	listener  *quic.Listener
	opts      TunnelOptions
	logger    *slog.Logger
	sessionCh chan *Session
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// ListenQUIC starts a QUIC listener.
func ListenQUIC(cfg QUICListenerConfig) (*QUICListener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("%w: TLS config required for QUIC listener", ErrTransport)
	}
	tlsConf := cfg.TLSConfig.Clone()
	tlsConf.NextProtos = []string{ALPNProtocol}

	ln, err := quic.ListenAddr(cfg.Address, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: QUIC listen failed: %w", ErrTransport, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	l := &QUICListener{
		listener:  ln,
		opts:      cfg.Options.withDefaults(),
		logger:    logger,
		sessionCh: make(chan *Session, 16),
		ctx:       ctx,
		cancel:    cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "QUICListener.acceptLoop")

	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Error("QUIC accept failed", logging.KeyError, err)
			}
			return
		}
		go l.handshake(conn)
	}
}

func (l *QUICListener) handshake(conn quic.Connection) {
	defer recovery.RecoverWithLog(l.logger, "QUICListener.handshake")

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.HandshakeTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		l.logger.Debug("QUIC stream accept failed", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyError, err)
		conn.CloseWithError(0, "no stream")
		return
	}

	mc := &quicStreamConn{conn: conn, stream: stream}
	id, epoch, err := serverHandshake(l.ctx, mc, l.opts.HandshakeTimeout, l.opts.SessionEpoch)
	if err != nil {
		l.logger.Debug("session hello failed", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyError, err)
		mc.Close()
		return
	}

	session := &Session{
		ID:         id,
		Epoch:      epoch,
		Socket:     newTunnelSocket(mc, epoch, l.opts.SendQueue, l.logger),
		RemoteAddr: conn.RemoteAddr(),
	}

	select {
	case l.sessionCh <- session:
	case <-l.ctx.Done():
		session.Socket.Close()
	}
}

// Accept waits for and returns the next session.
func (l *QUICListener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-l.sessionCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, fmt.Errorf("%w: listener closed", ErrTransport)
	}
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.cancel()
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

// quicStreamConn frames messages on a QUIC stream with a 4 byte big-endian
// length prefix.
type quicStreamConn struct {
	conn   quic.Connection
	stream quic.Stream
	header [4]byte
	closed atomic.Bool
}

func (c *quicStreamConn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := io.ReadFull(c.stream, c.header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(c.header[:])
	if n > quicMaxMessage {
		return nil, fmt.Errorf("message of %d bytes exceeds limit %d", n, quicMaxMessage)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.stream, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *quicStreamConn) WriteMessage(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetWriteDeadline(deadline)
		defer c.stream.SetWriteDeadline(time.Time{})
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err := c.stream.Write(buf)
	return err
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}
