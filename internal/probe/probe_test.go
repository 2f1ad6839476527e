package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/transport"
)

// startServer runs a WebSocket listener whose sessions acknowledge
// heartbeats when ack is true and ignore them otherwise.
func startServer(t *testing.T, ack bool) string {
	t.Helper()
	ln, err := transport.ListenWebSocket(transport.WebSocketListenerConfig{
		Address: "127.0.0.1:0",
		Path:    "/sudp",
	})
	if err != nil {
		t.Fatalf("ListenWebSocket() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go func() {
		for {
			sess, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				defer sess.Socket.Close()
				for dg, err := range sess.Socket.Receive(ctx) {
					if err != nil {
						return
					}
					p, err := packet.Decode(dg.Data)
					if err != nil || p.Flag != packet.FlagHeartbeat || !ack {
						continue
					}
					frame, _ := packet.Encode(packet.NewHeartbeatAck(p))
					sess.Socket.SendTo(frame, nil)
				}
			}()
		}
	}()

	return fmt.Sprintf("ws://%s/sudp", ln.Addr())
}

func dialer(url string) transport.Dialer {
	return &transport.WebSocketDialer{URL: url, SessionID: uuid.New()}
}

func TestProbe_Success(t *testing.T) {
	url := startServer(t, true)

	res := Probe(context.Background(), dialer(url), Options{
		Address:  url,
		Count:    3,
		Interval: 10 * time.Millisecond,
	})
	if !res.Success {
		t.Fatalf("Probe() failed: %v (%s)", res.Error, res.ErrorDetail)
	}
	if res.Sent != 3 || res.Received != 3 {
		t.Errorf("Sent/Received = %d/%d, want 3/3", res.Sent, res.Received)
	}
	if res.MinRTT <= 0 || res.MaxRTT < res.MinRTT || res.AvgRTT < res.MinRTT || res.AvgRTT > res.MaxRTT {
		t.Errorf("RTT min %v avg %v max %v", res.MinRTT, res.AvgRTT, res.MaxRTT)
	}
	if res.ConnectTime <= 0 {
		t.Errorf("ConnectTime = %v, want > 0", res.ConnectTime)
	}
	if res.Address != url {
		t.Errorf("Address = %q, want %q", res.Address, url)
	}
}

func TestProbe_NoAcknowledgments(t *testing.T) {
	url := startServer(t, false)

	res := Probe(context.Background(), dialer(url), Options{
		Count:    2,
		Interval: 10 * time.Millisecond,
		Timeout:  500 * time.Millisecond,
	})
	if res.Success {
		t.Fatal("Probe() succeeded without acknowledgments")
	}
	if res.Sent != 2 || res.Received != 0 {
		t.Errorf("Sent/Received = %d/%d, want 2/0", res.Sent, res.Received)
	}
	if !errors.Is(res.Error, context.DeadlineExceeded) {
		t.Errorf("Error = %v, want deadline exceeded", res.Error)
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := Probe(context.Background(), dialer("ws://"+addr+"/sudp"), Options{Timeout: 2 * time.Second})
	if res.Success {
		t.Fatal("Probe() succeeded against a closed port")
	}
	if !strings.Contains(res.ErrorDetail, "Connection refused") {
		t.Errorf("ErrorDetail = %q, want connection refused", res.ErrorDetail)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), "Connection refused"},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), "Timed out"},
		{errors.New("x509: certificate signed by unknown authority"), "unknown authority"},
		{errors.New("x509: certificate has expired or is not yet valid"), "expired"},
		{errors.New("transport error: read hello reply: EOF"), "session hello failed"},
		{&net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, "DNS lookup failed"},
		{errors.New("something else"), "something else"},
	}

	for _, tt := range tests {
		got := classifyError(tt.err)
		if tt.want == "" {
			if got != "" {
				t.Errorf("classifyError(nil) = %q, want empty", got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("classifyError(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}
