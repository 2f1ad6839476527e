// Package transport provides the datagram sockets sudp sends packets through:
// plain UDP sockets for local applications and message-oriented tunnel
// sockets (WebSocket, QUIC) between peers.
package transport

import (
	"context"
	"errors"
	"iter"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// TransportType identifies the tunnel protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
)

var (
	// ErrTransport wraps every socket failure other than ErrWouldBlock.
	ErrTransport = errors.New("transport error")

	// ErrWouldBlock is returned by SendTo when the send could not complete
	// without waiting. Nothing was sent.
	ErrWouldBlock = errors.New("send would block")

	// ErrSocketClosed is wrapped by SendTo after Close.
	ErrSocketClosed = errors.New("socket closed")
)

// Datagram is one received message and the address it came from.
type Datagram struct {
	Data   []byte
	Source net.Addr
}

// SourceAddrPort returns the source as a netip.AddrPort when it is a UDP
// address, or the zero value otherwise.
func (d Datagram) SourceAddrPort() netip.AddrPort {
	if ua, ok := d.Source.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

// Socket is a bound datagram endpoint.
//
// SendTo never blocks. Receive returns a lazy sequence that yields
// datagrams until the socket is closed, at which point it ends without an
// error. Any other read failure is yielded once, wrapped in ErrTransport,
// and ends the sequence. The socket never retries on its own.
type Socket interface {
	// SendTo sends b to dst. Connected sockets (tunnel sockets) ignore dst.
	SendTo(b []byte, dst net.Addr) error

	// Receive yields inbound datagrams until the socket is closed or ctx ends.
	Receive(ctx context.Context) iter.Seq2[Datagram, error]

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr

	// Close releases the socket and unblocks Receive. It is idempotent.
	Close() error
}

// Dialer opens tunnel sockets to a server.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// Listener accepts tunnel sessions from clients.
type Listener interface {
	// Accept waits for and returns the next session.
	Accept(ctx context.Context) (*Session, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener. Sessions already accepted stay open.
	Close() error
}

// Tunnel defaults.
const (
	DefaultSendQueue        = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

// TunnelOptions holds the settings shared by dialers and listeners.
type TunnelOptions struct {
	// SendQueue bounds the outbound messages buffered per socket.
	SendQueue int

	// HandshakeTimeout bounds the session hello exchange.
	HandshakeTimeout time.Duration

	// SessionEpoch returns the epoch a listener announces for a session ID.
	// It must change whenever the state behind an ID is recreated. An
	// error refuses the session: the hello goes unanswered. When nil, a
	// listener announces one random epoch for all sessions.
	SessionEpoch func(id uuid.UUID) (uuid.UUID, error)
}

func (o TunnelOptions) withDefaults() TunnelOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SessionEpoch == nil {
		epoch := uuid.New()
		o.SessionEpoch = func(uuid.UUID) (uuid.UUID, error) { return epoch, nil }
	}
	return o
}

// tunnelAddr is the net.Addr of a tunnel endpoint.
type tunnelAddr struct {
	network string
	addr    string
}

func (a tunnelAddr) Network() string { return a.network }
func (a tunnelAddr) String() string  { return a.addr }
