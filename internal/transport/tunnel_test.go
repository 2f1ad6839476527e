package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testServerTLS(t *testing.T) *tls.Config {
	t.Helper()
	cfg, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	return cfg
}

func acceptSession(t *testing.T, l Listener) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	return s
}

// exchange sends one message each way over a dialed socket and its session.
func exchange(t *testing.T, client Socket, server *Session) {
	t.Helper()

	if err := client.SendTo([]byte("up"), nil); err != nil {
		t.Fatalf("client SendTo() error = %v", err)
	}
	if dg := recvOne(t, server.Socket, 5*time.Second); string(dg.Data) != "up" {
		t.Errorf("server got %q, want up", dg.Data)
	}

	if err := server.Socket.SendTo([]byte("down"), nil); err != nil {
		t.Fatalf("server SendTo() error = %v", err)
	}
	if dg := recvOne(t, client, 5*time.Second); string(dg.Data) != "down" {
		t.Errorf("client got %q, want down", dg.Data)
	}
}

func TestWebSocket_DialAccept(t *testing.T) {
	l, err := ListenWebSocket(WebSocketListenerConfig{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ListenWebSocket() error = %v", err)
	}
	defer l.Close()

	id := uuid.New()
	d := &WebSocketDialer{URL: "ws://" + l.Addr().String() + "/sudp", SessionID: id}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	session := acceptSession(t, l)
	defer session.Socket.Close()
	if session.ID != id {
		t.Errorf("session ID = %s, want %s", session.ID, id)
	}

	exchange(t, client, session)
}

func TestWebSocket_TLS(t *testing.T) {
	l, err := ListenWebSocket(WebSocketListenerConfig{
		Address:   "127.0.0.1:0",
		Path:      "/tunnel",
		TLSConfig: testServerTLS(t),
	})
	if err != nil {
		t.Fatalf("ListenWebSocket() error = %v", err)
	}
	defer l.Close()

	clientTLS, err := LoadClientTLSConfig("", true)
	if err != nil {
		t.Fatal(err)
	}
	d := &WebSocketDialer{
		URL:       "wss://" + l.Addr().String() + "/tunnel",
		SessionID: uuid.New(),
		TLSConfig: clientTLS,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	session := acceptSession(t, l)
	defer session.Socket.Close()
	exchange(t, client, session)
}

func TestWebSocket_PeerCloseSurfacesError(t *testing.T) {
	l, err := ListenWebSocket(WebSocketListenerConfig{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	d := &WebSocketDialer{URL: "ws://" + l.Addr().String() + "/sudp", SessionID: uuid.New()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	session := acceptSession(t, l)
	session.Socket.Close()

	var recvErr error
	for _, err := range client.Receive(ctx) {
		recvErr = err
		break
	}
	if !errors.Is(recvErr, ErrTransport) {
		t.Errorf("Receive() error = %v, want ErrTransport", recvErr)
	}
}

func TestWebSocketDialer_Errors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, u := range []string{"http://example.com/", "::bad"} {
		d := &WebSocketDialer{URL: u, SessionID: uuid.New()}
		if _, err := d.Dial(ctx); !errors.Is(err, ErrTransport) {
			t.Errorf("Dial(%q) error = %v, want ErrTransport", u, err)
		}
	}

	// Nothing listens on the reserved port.
	d := &WebSocketDialer{URL: "ws://127.0.0.1:1/sudp", SessionID: uuid.New()}
	if _, err := d.Dial(ctx); !errors.Is(err, ErrTransport) {
		t.Errorf("Dial(refused) error = %v, want ErrTransport", err)
	}
}

func TestWebSocketListener_AcceptAfterClose(t *testing.T) {
	l, err := ListenWebSocket(WebSocketListenerConfig{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrTransport) {
		t.Errorf("Accept() after Close error = %v, want ErrTransport", err)
	}
}

func TestQUIC_DialAccept(t *testing.T) {
	l, err := ListenQUIC(QUICListenerConfig{Address: "127.0.0.1:0", TLSConfig: testServerTLS(t)})
	if err != nil {
		t.Fatalf("ListenQUIC() error = %v", err)
	}
	defer l.Close()

	clientTLS, err := LoadClientTLSConfig("", true)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	d := &QUICDialer{Address: l.Addr().String(), SessionID: id, TLSConfig: clientTLS}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	session := acceptSession(t, l)
	defer session.Socket.Close()
	if session.ID != id {
		t.Errorf("session ID = %s, want %s", session.ID, id)
	}

	exchange(t, client, session)
}

func TestQUIC_LargeMessage(t *testing.T) {
	l, err := ListenQUIC(QUICListenerConfig{Address: "127.0.0.1:0", TLSConfig: testServerTLS(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	clientTLS, _ := LoadClientTLSConfig("", true)
	d := &QUICDialer{Address: l.Addr().String(), SessionID: uuid.New(), TLSConfig: clientTLS}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	session := acceptSession(t, l)
	defer session.Socket.Close()

	big := make([]byte, 60000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := client.SendTo(big, nil); err != nil {
		t.Fatal(err)
	}
	dg := recvOne(t, session.Socket, 5*time.Second)
	if len(dg.Data) != len(big) || dg.Data[59999] != big[59999] {
		t.Errorf("received %d bytes, want %d", len(dg.Data), len(big))
	}
}

func TestQUIC_RequiresTLS(t *testing.T) {
	if _, err := ListenQUIC(QUICListenerConfig{Address: "127.0.0.1:0"}); !errors.Is(err, ErrTransport) {
		t.Errorf("ListenQUIC() error = %v, want ErrTransport", err)
	}
	d := &QUICDialer{Address: "127.0.0.1:1", SessionID: uuid.New()}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrTransport) {
		t.Errorf("Dial() error = %v, want ErrTransport", err)
	}
}
