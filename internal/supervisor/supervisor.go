// Package supervisor owns one tunnel connection: it binds the reliability
// engine to a socket, drives retransmission and heartbeats, and reconnects
// when the connection is lost.
//
// All engine access happens on the supervisor's event loop goroutine.
// Application sends, inbound frames, receive errors, timers and dial
// results are funnelled to it over channels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/recovery"
	"github.com/postalsys/sudp/internal/reliability"
	"github.com/postalsys/sudp/internal/transport"
)

// Defaults.
const (
	DefaultRetransmitInterval       = 100 * time.Millisecond
	DefaultHeartbeatInterval        = 5 * time.Second
	DefaultMissedHeartbeatThreshold = 3
	DefaultReattachTimeout          = 60 * time.Second
)

var (
	// ErrConnectionLost reports a connection that stopped responding or
	// could not be re-established.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosed is returned by Send after Stop or a terminal failure.
	ErrClosed = errors.New("supervisor closed")

	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("supervisor not started")
)

// Config configures a Supervisor.
type Config struct {
	// Dialer opens new sockets. When nil the supervisor is passive: it
	// waits for Reattach and gives up after ReattachTimeout.
	Dialer transport.Dialer

	// Engine configures the reliability engine. Its delivery and heartbeat
	// hooks are owned by the supervisor; use the hooks below instead.
	Engine reliability.Config

	RetransmitInterval       time.Duration
	HeartbeatInterval        time.Duration
	MissedHeartbeatThreshold int
	DialTimeout              time.Duration
	ReattachTimeout          time.Duration
	Reconnect                ReconnectConfig

	// Clock drives every timer. Defaults to the wall clock.
	Clock clock.Clock

	// Rand returns a uniform value in [0, 1) for reconnect jitter.
	Rand func() float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Hooks run on the event loop goroutine and must not block.
	OnStateChange func(from, to State)
	OnDeliver     func(p *packet.Packet)
	OnPacketLost  func(p *packet.Packet, err error)
}

func (c *Config) applyDefaults() {
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeatThreshold <= 0 {
		c.MissedHeartbeatThreshold = DefaultMissedHeartbeatThreshold
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = transport.DefaultDialTimeout
	}
	if c.ReattachTimeout <= 0 {
		c.ReattachTimeout = DefaultReattachTimeout
	}
	c.Reconnect.applyDefaults()
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = defaultRand
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
	if c.Engine.Metrics == nil {
		c.Engine.Metrics = c.Metrics
	}
}

// Stats is a snapshot of the connection.
type Stats struct {
	State           State
	Engine          reliability.Stats
	Connects        uint64
	DialFailures    int
	HeartbeatMisses uint64
	LastRTT         time.Duration
}

type sendRequest struct {
	payload  []byte
	src, dst netip.AddrPort
	reply    chan sendResult
}

type sendResult struct {
	seq uint32
	err error
}

type inboundFrame struct {
	gen  uint64
	data []byte
}

type receiveFailure struct {
	gen uint64
	err error
}

type dialResult struct {
	id   uint64
	sock transport.Socket
	err  error
}

// Supervisor manages one connection's lifecycle.
type Supervisor struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	engine *reliability.Engine

	state   atomic.Int32
	started atomic.Bool

	sendCh     chan sendRequest
	inboundCh  chan inboundFrame
	recvErrCh  chan receiveFailure
	dialCh     chan dialResult
	reattachCh chan transport.Socket
	statsCh    chan chan Stats
	stopCh     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	errMu sync.Mutex
	err   error
	final Stats

	// Owned by the event loop.
	ctx           context.Context
	cancel        context.CancelFunc
	sock          transport.Socket
	gen           uint64
	recvCancel    context.CancelFunc
	dialID        uint64
	dialCancel    context.CancelFunc
	timer         *clock.Timer
	failures      int
	connects      uint64
	hbOutstanding bool
	missed        int
	misses        uint64
	lastRTT       time.Duration
	terminal      bool
	peerEpoch     uuid.UUID
}

// New creates a supervisor in the Disconnected state.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With(logging.KeyComponent, "supervisor"),
		sendCh:     make(chan sendRequest),
		inboundCh:  make(chan inboundFrame, 64),
		recvErrCh:  make(chan receiveFailure, 1),
		dialCh:     make(chan dialResult, 1),
		reattachCh: make(chan transport.Socket),
		statsCh:    make(chan chan Stats),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	engineCfg := cfg.Engine
	engineCfg.OnDeliver = cfg.OnDeliver
	engineCfg.OnPacketLost = s.onPacketLost
	engineCfg.OnHeartbeatAck = s.onHeartbeatAck
	engineCfg.OnTransmitError = nil
	s.engine = reliability.New(engineCfg)
	return s
}

// Start launches the event loop and the first connection attempt. The
// supervisor stops when ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if s.started.Swap(true) {
		return errors.New("supervisor already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateConnecting)
	go s.run()
	return nil
}

// Send queues payload for reliable delivery and returns its sequence number.
// It fails with reliability.ErrBackpressure when too many packets are
// unacknowledged, and with ErrClosed once the supervisor has stopped.
// While reconnecting, packets are buffered and sent after reconnection.
func (s *Supervisor) Send(ctx context.Context, payload []byte, src, dst netip.AddrPort) (uint32, error) {
	if !s.started.Load() {
		if s.State() == StateClosed {
			return 0, ErrClosed
		}
		return 0, ErrNotStarted
	}

	req := sendRequest{
		payload: append([]byte(nil), payload...),
		src:     src,
		dst:     dst,
		reply:   make(chan sendResult, 1),
	}
	select {
	case s.sendCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}

	select {
	case res := <-req.reply:
		return res.seq, res.err
	case <-s.done:
		return 0, ErrClosed
	}
}

// Reattach hands the supervisor a new socket from the peer, replacing the
// current one. Passive supervisors use it to resume after the peer
// reconnects; the socket is closed if the supervisor has stopped.
func (s *Supervisor) Reattach(sock transport.Socket) error {
	if !s.started.Load() {
		sock.Close()
		return ErrNotStarted
	}
	select {
	case s.reattachCh <- sock:
		return nil
	case <-s.done:
		sock.Close()
		return ErrClosed
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the connection.
func (s *Supervisor) Stats() Stats {
	if s.started.Load() {
		reply := make(chan Stats, 1)
		select {
		case s.statsCh <- reply:
			return <-reply
		case <-s.done:
		}
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	st := s.final
	st.State = s.State()
	return st
}

// Done is closed once the supervisor reaches Closed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the supervisor closed, or nil after a clean Stop.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop closes the connection and waits for the event loop to exit. It is
// idempotent.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			s.setState(StateClosed)
			close(s.done)
			return
		}
		close(s.stopCh)
	})
	<-s.done
	return nil
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer recovery.RecoverWithCallback(s.logger, "supervisor.run", func(err error) {
		s.shutdown(err)
	})

	retransmit := s.clock.Ticker(s.cfg.RetransmitInterval)
	defer retransmit.Stop()
	heartbeat := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	s.connect()

	for !s.terminal {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C
		}

		select {
		case <-s.ctx.Done():
			s.shutdown(nil)

		case <-s.stopCh:
			s.shutdown(nil)

		case req := <-s.sendCh:
			seq, err := s.engine.Send(req.payload, req.src, req.dst, s.clock.Now())
			req.reply <- sendResult{seq: seq, err: err}

		case in := <-s.inboundCh:
			if in.gen != s.gen {
				continue
			}
			if err := s.engine.HandleFrame(in.data, s.clock.Now()); err != nil {
				s.logger.Debug("dropping malformed frame", logging.KeyError, err)
			}

		case rf := <-s.recvErrCh:
			if rf.gen == s.gen {
				s.degrade(rf.err)
			}

		case <-retransmit.C:
			s.engine.Tick(s.clock.Now())

		case <-heartbeat.C:
			s.heartbeatTick()

		case <-timerC:
			s.timer = nil
			if s.cfg.Dialer == nil {
				s.logger.Warn("peer did not reattach", logging.KeyDelay, s.cfg.ReattachTimeout)
				s.shutdown(fmt.Errorf("%w: peer did not reconnect within %s", ErrConnectionLost, s.cfg.ReattachTimeout))
				continue
			}
			s.connect()

		case res := <-s.dialCh:
			s.handleDial(res)

		case sock := <-s.reattachCh:
			s.cancelPending()
			s.detach()
			s.attach(sock)

		case reply := <-s.statsCh:
			reply <- s.snapshot()
		}
	}
}

// connect starts a dial, or for passive supervisors arms the reattach
// deadline.
func (s *Supervisor) connect() {
	if s.cfg.Dialer == nil {
		if s.timer != nil {
			return
		}
		s.timer = s.clock.Timer(s.cfg.ReattachTimeout)
		s.dialID++
		return
	}

	s.dialID++
	id := s.dialID
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	s.dialCancel = cancel

	go func() {
		defer recovery.RecoverWithLog(s.logger, "supervisor.dial")
		defer cancel()

		sock, err := s.cfg.Dialer.Dial(ctx)
		select {
		case s.dialCh <- dialResult{id: id, sock: sock, err: err}:
		case <-s.ctx.Done():
			if sock != nil {
				sock.Close()
			}
		}
	}()
}

// cancelPending abandons an in-flight dial or pending timer.
func (s *Supervisor) cancelPending() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.dialID++
}

func (s *Supervisor) handleDial(res dialResult) {
	if res.id != s.dialID {
		if res.sock != nil {
			res.sock.Close()
		}
		return
	}
	s.dialCancel = nil

	if res.err != nil {
		s.failures++
		s.cfg.Metrics.RecordReconnect("failure")
		if s.cfg.Reconnect.Exhausted(s.failures) {
			s.logger.Error("giving up reconnecting",
				logging.KeyAttempt, s.failures,
				logging.KeyError, res.err)
			s.shutdown(fmt.Errorf("%w: %d dial attempts failed: %w", ErrConnectionLost, s.failures, res.err))
			return
		}
		delay := s.cfg.Reconnect.Delay(s.failures, s.cfg.Rand())
		s.logger.Warn("dial failed",
			logging.KeyAttempt, s.failures,
			logging.KeyDelay, delay,
			logging.KeyError, res.err)
		s.timer = s.clock.Timer(delay)
		return
	}

	if s.connects > 0 {
		s.cfg.Metrics.RecordReconnect("success")
	}
	s.attach(res.sock)
}

// attach binds sock, resends everything buffered and enters Connected.
func (s *Supervisor) attach(sock transport.Socket) {
	s.gen++
	s.sock = sock
	ctx, cancel := context.WithCancel(s.ctx)
	s.recvCancel = cancel
	go s.receive(ctx, sock, s.gen)

	s.checkPeerEpoch(sock)
	s.engine.Bind(sock)
	resent := s.engine.ResendAll(s.clock.Now())
	s.failures = 0
	s.missed = 0
	s.hbOutstanding = false
	s.connects++

	s.logger.Info("connected",
		logging.KeyLocalAddr, sock.LocalAddr(),
		logging.KeyCount, resent)
	s.setState(StateConnected)
}

// checkPeerEpoch clears the duplicate window when sock leads to a new
// incarnation of the peer, which numbers its packets from zero again.
func (s *Supervisor) checkPeerEpoch(sock transport.Socket) {
	es, ok := sock.(transport.EpochSocket)
	if !ok {
		return
	}
	epoch := es.Epoch()
	if s.peerEpoch != uuid.Nil && epoch != s.peerEpoch {
		s.logger.Info("peer state was reset, clearing received window",
			"old_epoch", s.peerEpoch.String(),
			"new_epoch", epoch.String())
		s.engine.ResetReceived()
	}
	s.peerEpoch = epoch
}

// detach unbinds and closes the current socket.
func (s *Supervisor) detach() {
	if s.sock == nil {
		return
	}
	s.engine.Unbind()
	if s.recvCancel != nil {
		s.recvCancel()
		s.recvCancel = nil
	}
	s.sock.Close()
	s.sock = nil
	// Frames still queued from the old socket are ignored by generation.
	s.gen++
}

// degrade drops the current socket and starts reconnecting.
func (s *Supervisor) degrade(cause error) {
	if s.State() != StateConnected {
		return
	}
	s.logger.Warn("connection degraded", logging.KeyError, cause)
	s.detach()
	s.setState(StateDegraded)
	s.connect()
}

func (s *Supervisor) heartbeatTick() {
	if s.State() != StateConnected {
		return
	}
	if s.hbOutstanding {
		s.missed++
		s.misses++
		s.cfg.Metrics.RecordHeartbeatMiss()
		if s.missed >= s.cfg.MissedHeartbeatThreshold {
			s.degrade(fmt.Errorf("%w: %d heartbeats unanswered", ErrConnectionLost, s.missed))
			return
		}
	}
	if _, err := s.engine.SendHeartbeat(s.clock.Now()); err != nil {
		s.logger.Debug("heartbeat send failed", logging.KeyError, err)
	}
	s.hbOutstanding = true
}

func (s *Supervisor) onHeartbeatAck(p *packet.Packet, now time.Time) {
	s.hbOutstanding = false
	s.missed = 0
	if rtt := now.Sub(p.Timestamp); rtt >= 0 {
		s.lastRTT = rtt
		s.cfg.Metrics.RecordHeartbeatRTT(rtt.Seconds())
	}
}

func (s *Supervisor) onPacketLost(p *packet.Packet, err error) {
	s.logger.Warn("packet lost", logging.KeySequence, p.Sequence, logging.KeyError, err)
	if s.cfg.OnPacketLost != nil {
		s.cfg.OnPacketLost(p, err)
	}
}

// receive forwards inbound frames to the loop until the socket fails.
func (s *Supervisor) receive(ctx context.Context, sock transport.Socket, gen uint64) {
	defer recovery.RecoverWithLog(s.logger, "supervisor.receive")

	for dg, err := range sock.Receive(ctx) {
		if err != nil {
			s.reportReceiveFailure(ctx, gen, err)
			return
		}
		select {
		case s.inboundCh <- inboundFrame{gen: gen, data: dg.Data}:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() == nil {
		s.reportReceiveFailure(ctx, gen, fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrSocketClosed))
	}
}

func (s *Supervisor) reportReceiveFailure(ctx context.Context, gen uint64, err error) {
	select {
	case s.recvErrCh <- receiveFailure{gen: gen, err: err}:
	case <-ctx.Done():
	}
}

// shutdown tears everything down and makes the loop exit. cause is nil for
// a requested stop.
func (s *Supervisor) shutdown(cause error) {
	if s.terminal {
		return
	}
	s.terminal = true
	s.cancelPending()
	s.detach()
	if s.cancel != nil {
		s.cancel()
	}

	final := s.snapshot()
	s.engine.Close()

	s.errMu.Lock()
	s.err = cause
	s.final = final
	s.errMu.Unlock()

	s.setState(StateClosed)
}

func (s *Supervisor) snapshot() Stats {
	return Stats{
		State:           s.State(),
		Engine:          s.engine.Stats(),
		Connects:        s.connects,
		DialFailures:    s.failures,
		HeartbeatMisses: s.misses,
		LastRTT:         s.lastRTT,
	}
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.cfg.Metrics.SetConnectionState(to.String(), stateNames)
	s.logger.Debug("state change", logging.KeyState, to.String(), "from", from.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}
