package chaos

import (
	"context"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/sudp/internal/transport"
)

// recordingSocket remembers what was sent through it.
type recordingSocket struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (s *recordingSocket) SendTo(b []byte, _ net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}

func (s *recordingSocket) Receive(ctx context.Context) iter.Seq2[transport.Datagram, error] {
	return func(yield func(transport.Datagram, error) bool) {}
}

func (s *recordingSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (s *recordingSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type staticDialer struct {
	sock transport.Socket
}

func (d staticDialer) Dial(context.Context) (transport.Socket, error) {
	return d.sock, nil
}

func TestFaultInjector_Always(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
	})

	if fault, _ := injector.Next(); fault != FaultDrop {
		t.Errorf("Next() = %v, want drop", fault)
	}
	if stats := injector.Stats(); stats[FaultDrop] != 1 {
		t.Errorf("Stats()[drop] = %d, want 1", stats[FaultDrop])
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDisconnect,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Fatal("IsEnabled() = true after Disable")
	}
	if fault, _ := injector.Next(); fault != FaultNone {
		t.Errorf("Next() = %v, want none when disabled", fault)
	}

	injector.Enable()
	if fault, _ := injector.Next(); fault != FaultDisconnect {
		t.Errorf("Next() = %v, want disconnect after Enable", fault)
	}
}

func TestFaultInjector_ZeroProbability(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if fault, _ := injector.Next(); fault != FaultNone {
			t.Fatalf("Next() = %v, want none with 0%% probability", fault)
		}
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	})

	for i := 0; i < 20; i++ {
		fault, delay := injector.Next()
		if fault != FaultDelay {
			t.Fatalf("Next() = %v, want delay", fault)
		}
		if delay < 10*time.Millisecond || delay >= 50*time.Millisecond {
			t.Fatalf("delay = %v, want within [10ms, 50ms)", delay)
		}
	}
}

func TestFaultInjector_SeedReplays(t *testing.T) {
	cfg := FaultConfig{Type: FaultDrop, Probability: 0.5}
	a := NewSeededFaultInjector(42, cfg)
	b := NewSeededFaultInjector(42, cfg)

	for i := 0; i < 50; i++ {
		fa, _ := a.Next()
		fb, _ := b.Next()
		if fa != fb {
			t.Fatalf("decision %d differs: %v vs %v", i, fa, fb)
		}
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0})
	injector.Next()
	injector.Next()

	injector.Reset()
	if stats := injector.Stats(); len(stats) != 0 {
		t.Errorf("Stats() after Reset = %v, want empty", stats)
	}
}

func TestSocket_Drop(t *testing.T) {
	inner := &recordingSocket{}
	s := WrapSocket(inner, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))

	if err := s.SendTo([]byte("x"), nil); err != nil {
		t.Fatalf("SendTo() error = %v, want nil for a dropped datagram", err)
	}
	if n := inner.count(); n != 0 {
		t.Errorf("inner socket got %d datagrams, want 0", n)
	}
}

func TestSocket_PassThrough(t *testing.T) {
	inner := &recordingSocket{}
	s := WrapSocket(inner, NewFaultInjector())

	for i := 0; i < 3; i++ {
		if err := s.SendTo([]byte("x"), nil); err != nil {
			t.Fatalf("SendTo() error = %v", err)
		}
	}
	if n := inner.count(); n != 3 {
		t.Errorf("inner socket got %d datagrams, want 3", n)
	}
	if s.LocalAddr().String() != inner.LocalAddr().String() {
		t.Errorf("LocalAddr() = %v, want inner address", s.LocalAddr())
	}
}

func TestSocket_Delay(t *testing.T) {
	inner := &recordingSocket{}
	s := WrapSocket(inner, NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    20 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	}))

	if err := s.SendTo([]byte("late"), nil); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	if n := inner.count(); n != 0 {
		t.Fatalf("delayed datagram sent immediately")
	}

	deadline := time.Now().Add(2 * time.Second)
	for inner.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delayed datagram never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocket_CloseCancelsDelayed(t *testing.T) {
	inner := &recordingSocket{}
	s := WrapSocket(inner, NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	}))

	s.SendTo([]byte("late"), nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := inner.count(); n != 0 {
		t.Errorf("delayed datagram sent after Close")
	}
}

func TestSocket_Disconnect(t *testing.T) {
	inner := &recordingSocket{}
	s := WrapSocket(inner, NewFaultInjector(FaultConfig{Type: FaultDisconnect, Probability: 1.0}))

	s.SendTo([]byte("x"), nil)
	if !inner.isClosed() {
		t.Error("disconnect fault did not close the socket")
	}
}

func TestDialer_WrapsSockets(t *testing.T) {
	inner := &recordingSocket{}
	d := WrapDialer(staticDialer{sock: inner}, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))

	s, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if _, ok := s.(*Socket); !ok {
		t.Fatalf("Dial() returned %T, want *Socket", s)
	}
	s.SendTo([]byte("x"), nil)
	if n := inner.count(); n != 0 {
		t.Errorf("dialed socket is not faulty")
	}
}

func TestFaultType_String(t *testing.T) {
	tests := map[FaultType]string{
		FaultNone:       "none",
		FaultDrop:       "drop",
		FaultDelay:      "delay",
		FaultDisconnect: "disconnect",
		FaultType(99):   "unknown",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("FaultType(%d).String() = %q, want %q", int(f), got, want)
		}
	}
}
