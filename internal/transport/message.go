package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/recovery"
)

// messageConn is a reliable, ordered, message-framed connection such as a
// WebSocket or a length-prefixed QUIC stream.
type messageConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, b []byte) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// tunnelSocket adapts a messageConn to Socket. Sends are queued to a single
// writer goroutine so SendTo never blocks; a full queue reports
// ErrWouldBlock.
type tunnelSocket struct {
	conn   messageConn
	epoch  uuid.UUID
	out    chan []byte
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	errMu    sync.Mutex
	writeErr error
}

func newTunnelSocket(conn messageConn, epoch uuid.UUID, queue int, logger *slog.Logger) *tunnelSocket {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &tunnelSocket{
		conn:   conn,
		epoch:  epoch,
		out:    make(chan []byte, queue),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	go s.writeLoop()
	return s
}

func (s *tunnelSocket) writeLoop() {
	defer recovery.RecoverWithLog(s.logger, "tunnelSocket.writeLoop")

	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.out:
			if err := s.conn.WriteMessage(s.ctx, b); err != nil {
				if s.closed.Load() {
					return
				}
				s.setWriteErr(err)
				s.logger.Debug("tunnel write failed",
					logging.KeyRemoteAddr, s.conn.RemoteAddr(),
					logging.KeyError, err)
				// Closing the connection fails the pending read so the
				// receiver sees the loss.
				s.conn.Close()
				return
			}
		}
	}
}

func (s *tunnelSocket) setWriteErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

func (s *tunnelSocket) getWriteErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErr
}

// SendTo queues b for the peer. dst is ignored.
func (s *tunnelSocket) SendTo(b []byte, _ net.Addr) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrTransport, ErrSocketClosed)
	}
	if err := s.getWriteErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	msg := make([]byte, len(b))
	copy(msg, b)

	select {
	case s.out <- msg:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Receive yields messages from the peer.
func (s *tunnelSocket) Receive(ctx context.Context) iter.Seq2[Datagram, error] {
	return func(yield func(Datagram, error) bool) {
		remote := s.conn.RemoteAddr()
		for {
			msg, err := s.conn.ReadMessage(ctx)
			if err != nil {
				if s.closed.Load() || ctx.Err() != nil {
					return
				}
				if werr := s.getWriteErr(); werr != nil {
					err = errors.Join(werr, err)
				}
				yield(Datagram{}, fmt.Errorf("%w: read: %w", ErrTransport, err))
				return
			}
			if !yield(Datagram{Data: msg, Source: remote}, nil) {
				return
			}
		}
	}
}

// LocalAddr returns the local tunnel address.
func (s *tunnelSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Epoch returns the server epoch announced in the session hello.
func (s *tunnelSocket) Epoch() uuid.UUID {
	return s.epoch
}

// RemoteAddr returns the peer's address.
func (s *tunnelSocket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close stops the writer and closes the connection.
func (s *tunnelSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	return s.conn.Close()
}
