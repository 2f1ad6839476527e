package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// helloMagic opens every tunnel connection, followed by the 16 byte session ID.
var helloMagic = []byte("SUDP/1")

// ALPNProtocol is the ALPN and WebSocket subprotocol identifier.
const ALPNProtocol = "sudp/1"

// Session is an accepted tunnel connection. A client keeps its session ID
// across reconnects so the server can reattach the same reliability state.
type Session struct {
	ID uuid.UUID

	// Epoch is the server-side incarnation announced to the client in the
	// hello reply.
	Epoch uuid.UUID

	Socket     Socket
	RemoteAddr net.Addr
}

// EpochSocket is a tunnel socket that knows the incarnation of the server
// state behind it. A client seeing a different epoch after a reconnect is
// talking to fresh server state whose sequence numbers start over.
type EpochSocket interface {
	Socket
	Epoch() uuid.UUID
}

func encodeHello(id uuid.UUID) []byte {
	b := make([]byte, 0, len(helloMagic)+16)
	b = append(b, helloMagic...)
	return append(b, id[:]...)
}

// encodeHelloReply is the hello followed by the server's 16 byte epoch.
func encodeHelloReply(id, epoch uuid.UUID) []byte {
	return append(encodeHello(id), epoch[:]...)
}

func decodeHelloReply(b []byte) (id, epoch uuid.UUID, err error) {
	if len(b) != len(helloMagic)+32 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad hello reply (%d bytes)", ErrTransport, len(b))
	}
	if id, err = decodeHello(b[:len(helloMagic)+16]); err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if epoch, err = uuid.FromBytes(b[len(helloMagic)+16:]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad session epoch: %w", ErrTransport, err)
	}
	return id, epoch, nil
}

func decodeHello(b []byte) (uuid.UUID, error) {
	if len(b) != len(helloMagic)+16 || !bytes.HasPrefix(b, helloMagic) {
		return uuid.Nil, fmt.Errorf("%w: bad session hello (%d bytes)", ErrTransport, len(b))
	}
	id, err := uuid.FromBytes(b[len(helloMagic):])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad session id: %w", ErrTransport, err)
	}
	return id, nil
}

// clientHandshake sends the hello and waits for the server to echo it with
// its epoch.
func clientHandshake(ctx context.Context, conn messageConn, id uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.WriteMessage(ctx, encodeHello(id)); err != nil {
		return uuid.Nil, fmt.Errorf("%w: send hello: %w", ErrTransport, err)
	}
	reply, err := conn.ReadMessage(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: read hello reply: %w", ErrTransport, err)
	}
	got, epoch, err := decodeHelloReply(reply)
	if err != nil {
		return uuid.Nil, err
	}
	if got != id {
		return uuid.Nil, fmt.Errorf("%w: server echoed session %s, want %s", ErrTransport, got, id)
	}
	return epoch, nil
}

// serverHandshake reads the client's hello and replies with the session's
// epoch from epochFor. When epochFor refuses the session no reply is sent.
func serverHandshake(ctx context.Context, conn messageConn, timeout time.Duration, epochFor func(uuid.UUID) (uuid.UUID, error)) (id, epoch uuid.UUID, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: read hello: %w", ErrTransport, err)
	}
	if id, err = decodeHello(msg); err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if epoch, err = epochFor(id); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("session %s refused: %w", id, err)
	}
	if err := conn.WriteMessage(ctx, encodeHelloReply(id, epoch)); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: send hello reply: %w", ErrTransport, err)
	}
	return id, epoch, nil
}
