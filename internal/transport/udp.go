package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadBuffer fits the largest UDP payload.
const DefaultReadBuffer = 65535

// UDPOptions tunes a UDP socket.
type UDPOptions struct {
	// ReadBuffer is the largest datagram Receive delivers. Longer ones are
	// dropped whole rather than truncated.
	ReadBuffer int
	// OnOversize, if set, is called with the source of each dropped
	// oversized datagram.
	OnOversize func(src netip.AddrPort)
}

// UDPSocket is a Socket bound to a local UDP address.
type UDPSocket struct {
	conn     *net.UDPConn
	raw      syscall.RawConn
	network  string
	bufSize  int
	oversize func(netip.AddrPort)
	dropped  atomic.Uint64
	closed   atomic.Bool
}

// ListenUDP binds a UDP socket on address:port. Port 0 asks the OS for an
// ephemeral port; Port reports the one assigned.
func ListenUDP(address string, port int, opts UDPOptions) (*UDPSocket, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrTransport, port)
	}
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("%w: bind address %q: %v", ErrTransport, address, err)
	}
	ip = ip.Unmap()

	network := "udp6"
	if ip.Is4() {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %w", ErrTransport, net.JoinHostPort(address, strconv.Itoa(port)), err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	bufSize := opts.ReadBuffer
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}

	return &UDPSocket{conn: conn, raw: raw, network: network, bufSize: bufSize, oversize: opts.OnOversize}, nil
}

// Oversized reports how many datagrams were dropped for exceeding the read
// buffer.
func (s *UDPSocket) Oversized() uint64 {
	return s.dropped.Load()
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Port returns the bound port.
func (s *UDPSocket) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendTo sends b to dst, which must be a *net.UDPAddr. The write is issued
// with MSG_DONTWAIT so a full socket buffer yields ErrWouldBlock instead of
// stalling the caller.
func (s *UDPSocket) SendTo(b []byte, dst net.Addr) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransport, ErrSocketClosed)
	}
	ua, ok := dst.(*net.UDPAddr)
	if !ok || ua == nil {
		return fmt.Errorf("%w: destination %v is not a UDP address", ErrTransport, dst)
	}
	sa, err := s.sockaddr(ua.AddrPort())
	if err != nil {
		return err
	}

	var sendErr error
	err = s.raw.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), b, unix.MSG_DONTWAIT, sa)
		return true
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	switch {
	case sendErr == nil:
		return nil
	case errors.Is(sendErr, unix.EAGAIN), errors.Is(sendErr, unix.EWOULDBLOCK), errors.Is(sendErr, unix.ENOBUFS):
		return ErrWouldBlock
	default:
		return fmt.Errorf("%w: sendto %s: %w", ErrTransport, ua, sendErr)
	}
}

func (s *UDPSocket) sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if s.network == "udp4" {
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: cannot send to %s from an IPv4 socket", ErrTransport, ap)
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
}

// Receive yields datagrams until the socket is closed or ctx ends.
func (s *UDPSocket) Receive(ctx context.Context) iter.Seq2[Datagram, error] {
	return func(yield func(Datagram, error) bool) {
		// Clear a deadline left by an earlier cancelled Receive.
		s.conn.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			s.conn.SetReadDeadline(time.Now())
		})
		defer stop()

		// One spare byte tells a datagram that filled the buffer from one
		// the kernel cut short.
		buf := make([]byte, s.bufSize+1)
		for {
			n, from, err := s.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if s.closed.Load() || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				yield(Datagram{}, fmt.Errorf("%w: read: %w", ErrTransport, err))
				return
			}

			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			if n > s.bufSize {
				s.dropped.Add(1)
				if s.oversize != nil {
					s.oversize(from)
				}
				continue
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			if !yield(Datagram{Data: data, Source: net.UDPAddrFromAddrPort(from)}, nil) {
				return
			}
		}
	}
}

// Close releases the socket.
func (s *UDPSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
