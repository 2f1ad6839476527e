package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/reliability"
	"github.com/postalsys/sudp/internal/transport"
)

var (
	srcEP    = netip.MustParseAddrPort("127.0.0.1:4000")
	dstEP    = netip.MustParseAddrPort("127.0.0.1:5000")
	pipeAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
)

// pipeSocket is one end of an in-memory socket pair.
type pipeSocket struct {
	in     chan []byte
	peer   *pipeSocket
	closed chan struct{}
	once   sync.Once
	failCh chan error
}

func newPipe() (*pipeSocket, *pipeSocket) {
	mk := func() *pipeSocket {
		return &pipeSocket{
			in:     make(chan []byte, 256),
			closed: make(chan struct{}),
			failCh: make(chan error, 1),
		}
	}
	a, b := mk(), mk()
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeSocket) SendTo(b []byte, _ net.Addr) error {
	select {
	case <-p.closed:
		return fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrSocketClosed)
	default:
	}
	select {
	case p.peer.in <- append([]byte(nil), b...):
		return nil
	default:
		return transport.ErrWouldBlock
	}
}

func (p *pipeSocket) Receive(ctx context.Context) iter.Seq2[transport.Datagram, error] {
	return func(yield func(transport.Datagram, error) bool) {
		for {
			select {
			case m := <-p.in:
				if !yield(transport.Datagram{Data: m, Source: pipeAddr}, nil) {
					return
				}
			case err := <-p.failCh:
				yield(transport.Datagram{}, fmt.Errorf("%w: %w", transport.ErrTransport, err))
				return
			case <-p.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *pipeSocket) LocalAddr() net.Addr { return pipeAddr }

func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeSocket) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// fail makes the pending Receive yield err.
func (p *pipeSocket) fail(err error) { p.failCh <- err }

// testPeer answers heartbeats and acknowledges data unless muted.
type testPeer struct {
	sock  *pipeSocket
	muted atomic.Bool

	mu         sync.Mutex
	heartbeats int
	data       []*packet.Packet
	acks       []*packet.Packet
}

func (p *testPeer) run(ctx context.Context) {
	for dg, err := range p.sock.Receive(ctx) {
		if err != nil {
			return
		}
		pkt, err := packet.Decode(dg.Data)
		if err != nil {
			continue
		}

		p.mu.Lock()
		switch pkt.Flag {
		case packet.FlagHeartbeat:
			p.heartbeats++
		case packet.FlagData:
			p.data = append(p.data, pkt)
		case packet.FlagAck:
			p.acks = append(p.acks, pkt)
		}
		p.mu.Unlock()

		if p.muted.Load() {
			continue
		}
		var reply *packet.Packet
		switch pkt.Flag {
		case packet.FlagHeartbeat:
			reply = packet.NewHeartbeatAck(pkt)
		case packet.FlagData:
			reply = packet.NewAck(pkt, pkt.Timestamp)
		}
		if reply != nil {
			b, _ := packet.Encode(reply)
			p.sock.SendTo(b, nil)
		}
	}
}

func (p *testPeer) heartbeatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats
}

func (p *testPeer) dataSeqs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.data))
	for _, d := range p.data {
		out = append(out, d.Sequence)
	}
	return out
}

func (p *testPeer) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

// sendData writes a DATA packet from the peer side.
func (p *testPeer) sendData(seq uint32, payload string) {
	b, _ := packet.Encode(packet.NewData(seq, []byte(payload), dstEP, srcEP, time.Unix(0, 0)))
	p.sock.SendTo(b, nil)
}

// epochPipe is a pipeSocket announcing a server epoch.
type epochPipe struct {
	*pipeSocket
	epoch uuid.UUID
}

func (p *epochPipe) Epoch() uuid.UUID { return p.epoch }

type fakeDialer struct {
	ctx context.Context

	// epochs, when set, gives the epoch announced by each successive dial.
	epochs []uuid.UUID

	mu      sync.Mutex
	err     error
	calls   int
	peers   []*testPeer
	clients []*pipeSocket
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	client, server := newPipe()
	peer := &testPeer{sock: server}
	go peer.run(d.ctx)
	d.peers = append(d.peers, peer)
	d.clients = append(d.clients, client)
	if n := len(d.clients) - 1; n < len(d.epochs) {
		return &epochPipe{pipeSocket: client, epoch: d.epochs[n]}, nil
	}
	return client, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

func (d *fakeDialer) peer(i int) *testPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[i]
}

func (d *fakeDialer) client(i int) *pipeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func testConfig(mock *clock.Mock, d transport.Dialer) Config {
	engine := reliability.DefaultConfig()
	engine.Rand = func() float64 { return 0 }
	cfg := Config{
		Engine:                   engine,
		RetransmitInterval:       100 * time.Millisecond,
		HeartbeatInterval:        5 * time.Second,
		MissedHeartbeatThreshold: 3,
		Reconnect: ReconnectConfig{
			Base:       time.Second,
			Cap:        4 * time.Second,
			Multiplier: 2,
		},
		Clock: mock,
		Rand:  func() float64 { return 0.5 },
	}
	if d != nil {
		cfg.Dialer = d
	}
	return cfg
}

func newDialer(t *testing.T) *fakeDialer {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fakeDialer{ctx: ctx}
}

func TestSupervisor_ConnectSendAndDeliver(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	cfg := testConfig(mock, d)

	var mu sync.Mutex
	var delivered []string
	cfg.OnDeliver = func(p *packet.Packet) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, string(p.Payload))
	}

	s := New(cfg)
	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	seq, err := s.Send(context.Background(), []byte("up"), srcEP, dstEP)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	peer := d.peer(0)
	waitFor(t, "peer to receive data", func() bool { return slices.Contains(peer.dataSeqs(), seq) })
	waitFor(t, "ack to clear", func() bool { return s.Stats().Engine.Unacked == 0 })

	peer.sendData(9, "down")
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	})
	waitFor(t, "peer to receive ack", func() bool { return peer.ackCount() == 1 })
}

func TestSupervisor_HeartbeatFailureReconnects(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	rec := &stateRecorder{}
	cfg := testConfig(mock, d)
	cfg.OnStateChange = rec.record

	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	first := d.peer(0)
	first.muted.Store(true)

	seq, err := s.Send(context.Background(), []byte("buffered"), srcEP, dstEP)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first transmission", func() bool { return len(first.dataSeqs()) >= 1 })

	// Three unanswered heartbeats, then the fourth interval degrades.
	for i := 1; i <= 3; i++ {
		mock.Add(5 * time.Second)
		waitFor(t, fmt.Sprintf("heartbeat %d", i), func() bool { return first.heartbeatCount() == i })
	}
	mock.Add(5 * time.Second)

	waitFor(t, "reconnect", func() bool {
		return d.connections() == 2 && s.State() == StateConnected
	})
	if !d.client(0).isClosed() {
		t.Error("old socket was not closed")
	}

	second := d.peer(1)
	waitFor(t, "resend on new connection", func() bool { return slices.Contains(second.dataSeqs(), seq) })
	waitFor(t, "ack after reconnect", func() bool { return s.Stats().Engine.Unacked == 0 })

	states := rec.get()
	want := []State{StateConnecting, StateConnected, StateDegraded, StateConnected}
	if !slices.Equal(states, want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}

	st := s.Stats()
	if st.HeartbeatMisses != 3 || st.Connects != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestSupervisor_ReceiveErrorReconnects(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	s := New(testConfig(mock, d))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	d.client(0).fail(errors.New("connection reset"))

	waitFor(t, "reconnect", func() bool {
		return d.connections() == 2 && s.State() == StateConnected
	})
}

func TestSupervisor_NewPeerEpochClearsReceivedWindow(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	first, restarted := uuid.New(), uuid.New()
	d.epochs = []uuid.UUID{first, first, restarted}

	cfg := testConfig(mock, d)
	var delivered atomic.Int32
	cfg.OnDeliver = func(*packet.Packet) { delivered.Add(1) }

	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	d.peer(0).sendData(0, "before")
	waitFor(t, "first delivery", func() bool { return delivered.Load() == 1 })

	// Same epoch: the peer resumed, so sequence 0 is a retransmission.
	d.client(0).fail(errors.New("connection reset"))
	waitFor(t, "resume", func() bool { return d.connections() == 2 && s.State() == StateConnected })
	d.peer(1).sendData(0, "before")
	waitFor(t, "duplicate", func() bool { return s.Stats().Engine.Duplicates == 1 })

	// New epoch: the peer restarted and numbers from zero again.
	d.client(1).fail(errors.New("connection reset"))
	waitFor(t, "reconnect", func() bool { return d.connections() == 3 && s.State() == StateConnected })
	d.peer(2).sendData(0, "after")
	waitFor(t, "delivery after restart", func() bool { return delivered.Load() == 2 })

	if dup := s.Stats().Engine.Duplicates; dup != 1 {
		t.Errorf("duplicates = %d, want 1", dup)
	}
}

func TestSupervisor_DialRetriesWithBackoff(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	d.setErr(errors.New("connection refused"))

	s := New(testConfig(mock, d))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "first failure", func() bool { return s.Stats().DialFailures == 1 })
	if s.State() != StateConnecting {
		t.Errorf("state = %v, want connecting", s.State())
	}

	d.setErr(nil)
	// Jitter is centred (Rand 0.5), so the first retry waits exactly Base.
	mock.Add(999 * time.Millisecond)
	if d.connections() != 0 {
		t.Fatal("redialed before the backoff elapsed")
	}
	mock.Add(time.Millisecond)
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
}

func TestSupervisor_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	d.setErr(errors.New("connection refused"))

	cfg := testConfig(mock, d)
	cfg.Reconnect.MaxAttempts = 2
	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "first failure", func() bool { return s.Stats().DialFailures == 1 })
	mock.Add(time.Second)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not close")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", s.Err())
	}
	if _, err := s.Send(context.Background(), []byte("x"), srcEP, dstEP); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
}

func TestSupervisor_Backpressure(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	s := New(testConfig(mock, d))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	d.peer(0).muted.Store(true)

	for i := 0; i < reliability.DefaultMaxUnacked; i++ {
		if _, err := s.Send(context.Background(), []byte("x"), srcEP, dstEP); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}
	if _, err := s.Send(context.Background(), []byte("x"), srcEP, dstEP); !errors.Is(err, reliability.ErrBackpressure) {
		t.Errorf("Send() #101 error = %v, want ErrBackpressure", err)
	}
}

func TestSupervisor_Stop(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	rec := &stateRecorder{}
	cfg := testConfig(mock, d)
	cfg.OnStateChange = rec.record

	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v after clean stop, want nil", s.Err())
	}
	if !d.client(0).isClosed() {
		t.Error("socket not closed on Stop")
	}
	if _, err := s.Send(context.Background(), []byte("x"), srcEP, dstEP); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Stop error = %v, want ErrClosed", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Stop error = %v, want ErrClosed", err)
	}

	// No retries after Closed.
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if d.connections() != 1 {
		t.Errorf("dials after Stop = %d, want 1", d.connections())
	}
	if got := rec.get(); got[len(got)-1] != StateClosed {
		t.Errorf("last transition = %v, want closed", got[len(got)-1])
	}
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	s := New(testConfig(clock.NewMock(), nil))
	if _, err := s.Send(context.Background(), nil, srcEP, dstEP); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Send() before Start error = %v, want ErrNotStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	if _, err := s.Send(context.Background(), nil, srcEP, dstEP); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Stop error = %v, want ErrClosed", err)
	}
}

func TestSupervisor_ContextCancelCloses(t *testing.T) {
	mock := clock.NewMock()
	d := newDialer(t)
	s := New(testConfig(mock, d))

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on context cancel")
	}
}

func TestSupervisor_PassiveReattach(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig(mock, nil)
	cfg.ReattachTimeout = 10 * time.Second
	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	a, _ := newPipe()
	if err := s.Reattach(a); err != nil {
		t.Fatalf("Reattach() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	a.fail(errors.New("peer went away"))
	waitFor(t, "degraded", func() bool { return s.State() == StateDegraded })

	// Buffered while waiting for the peer.
	seq, err := s.Send(context.Background(), []byte("held"), srcEP, dstEP)
	if err != nil {
		t.Fatal(err)
	}

	b, bSide := newPipe()
	peer := &testPeer{sock: bSide}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go peer.run(ctx)

	if err := s.Reattach(b); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reattached", func() bool { return s.State() == StateConnected })
	waitFor(t, "held packet resent", func() bool { return slices.Contains(peer.dataSeqs(), seq) })

	// Lose the peer again and let the reattach deadline pass.
	b.fail(errors.New("peer went away again"))
	waitFor(t, "degraded again", func() bool { return s.State() == StateDegraded })
	s.Stats() // the loop has armed the deadline once it answers
	mock.Add(10 * time.Second)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("passive supervisor did not give up")
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", s.Err())
	}
}

func TestReconnectConfig_Delay(t *testing.T) {
	cfg := ReconnectConfig{Base: time.Second, Cap: 10 * time.Second, Multiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i+1, 0.5); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	cfg.Jitter = 0.2
	lo, hi := cfg.Delay(1, 0), cfg.Delay(1, 0.999999)
	if lo != 800*time.Millisecond {
		t.Errorf("Delay with minimum jitter = %v, want 800ms", lo)
	}
	if hi <= time.Second || hi > 1200*time.Millisecond {
		t.Errorf("Delay with maximum jitter = %v, want (1s, 1.2s]", hi)
	}

	if cfg.Exhausted(100) {
		t.Error("unlimited attempts should never be exhausted")
	}
	cfg.MaxAttempts = 3
	if cfg.Exhausted(2) || !cfg.Exhausted(3) {
		t.Error("Exhausted() wrong around MaxAttempts")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDegraded:     "degraded",
		StateClosed:       "closed",
		State(42):         "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
