// Package reliability implements acknowledgment, retransmission and
// duplicate suppression on top of a datagram socket.
//
// An Engine is a synchronous state machine. It never starts goroutines or
// reads the clock: callers pass the current time to every operation and
// drive retransmission with Tick. It is not safe for concurrent use; the
// connection supervisor owns it from a single goroutine.
package reliability

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/transport"
)

// Defaults.
const (
	DefaultMaxUnacked         = 100
	DefaultMaxRetries         = 5
	DefaultAckTimeout         = time.Second
	DefaultMaxRetransmitDelay = 30 * time.Second
	DefaultJitter             = 0.1
	DefaultWindowSize         = 1024
)

var (
	// ErrBackpressure is returned by Send when MaxUnacked packets are
	// already waiting for acknowledgment. Nothing was queued.
	ErrBackpressure = errors.New("too many unacknowledged packets")

	// ErrPacketLost is passed to OnPacketLost when a packet exhausted its
	// retries.
	ErrPacketLost = errors.New("packet lost")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrNotBound is returned by SendHeartbeat when no socket is bound.
	ErrNotBound = errors.New("no socket bound")
)

// Config configures an Engine.
type Config struct {
	MaxUnacked         int
	MaxRetries         int
	AckTimeout         time.Duration
	MaxRetransmitDelay time.Duration
	Jitter             float64
	WindowSize         int

	// OnDeliver receives every first-seen DATA packet.
	OnDeliver func(p *packet.Packet)

	// OnPacketLost receives DATA packets dropped after MaxRetries
	// retransmissions. err wraps ErrPacketLost.
	OnPacketLost func(p *packet.Packet, err error)

	// OnHeartbeatAck receives HEARTBEAT_ACK packets.
	OnHeartbeatAck func(p *packet.Packet, now time.Time)

	// OnTransmitError receives socket send failures. The packet, if DATA,
	// stays buffered for retransmission.
	OnTransmitError func(p *packet.Packet, err error)

	// Rand returns a uniform value in [0, 1) for jitter. Defaults to
	// math/rand/v2.
	Rand func() float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		MaxUnacked:         DefaultMaxUnacked,
		MaxRetries:         DefaultMaxRetries,
		AckTimeout:         DefaultAckTimeout,
		MaxRetransmitDelay: DefaultMaxRetransmitDelay,
		Jitter:             DefaultJitter,
		WindowSize:         DefaultWindowSize,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxUnacked <= 0 {
		c.MaxUnacked = DefaultMaxUnacked
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetransmitDelay <= 0 {
		c.MaxRetransmitDelay = DefaultMaxRetransmitDelay
	}
	if c.MaxRetransmitDelay < c.AckTimeout {
		c.MaxRetransmitDelay = c.AckTimeout
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Sent           uint64
	Retransmitted  uint64
	Acked          uint64
	Lost           uint64
	Delivered      uint64
	Duplicates     uint64
	Backpressure   uint64
	HeartbeatsSent uint64
	Malformed      uint64
	Unacked        int
}

// pendingEntry is a DATA packet awaiting acknowledgment.
type pendingEntry struct {
	packet     *packet.Packet
	frame      []byte
	sentAt     time.Time
	retryCount int
	nextRetry  time.Time
	delay      time.Duration
}

// Engine tracks one connection's reliability state.
type Engine struct {
	cfg      Config
	sock     transport.Socket
	nextSeq  uint32
	hbSeq    uint32
	unacked  map[uint32]*pendingEntry
	received *receivedWindow
	stats    Stats
	closed   bool
}

// New creates an unbound engine.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		unacked:  make(map[uint32]*pendingEntry, cfg.MaxUnacked),
		received: newReceivedWindow(cfg.WindowSize),
	}
}

// Bind attaches the socket used for transmission. It does not resend
// buffered packets; call ResendAll for that.
func (e *Engine) Bind(sock transport.Socket) {
	e.sock = sock
}

// Unbind detaches the socket. Sends are buffered until the next Bind.
func (e *Engine) Unbind() {
	e.sock = nil
}

// Bound reports whether a socket is attached.
func (e *Engine) Bound() bool {
	return e.sock != nil
}

// Send assigns the next sequence number to payload, buffers it until
// acknowledged and transmits it if a socket is bound.
func (e *Engine) Send(payload []byte, src, dst netip.AddrPort, now time.Time) (uint32, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if len(payload) > packet.MaxPayloadSize {
		return 0, fmt.Errorf("%w: %d bytes", packet.ErrPayloadTooLarge, len(payload))
	}
	if len(e.unacked) >= e.cfg.MaxUnacked {
		e.stats.Backpressure++
		e.cfg.Metrics.RecordBackpressure()
		return 0, ErrBackpressure
	}

	p := packet.NewData(e.nextSeq, payload, src, dst, now)
	frame, err := packet.Encode(p)
	if err != nil {
		return 0, err
	}

	seq := e.nextSeq
	e.nextSeq++
	entry := &pendingEntry{
		packet: p,
		frame:  frame,
		sentAt: now,
	}
	entry.nextRetry = now.Add(e.retryDelay(entry))
	e.unacked[seq] = entry
	e.stats.Sent++
	e.cfg.Metrics.SetUnacked(len(e.unacked))

	if e.sock != nil {
		e.transmit(p, frame)
	}
	return seq, nil
}

// SendHeartbeat transmits a HEARTBEAT. Heartbeats use their own sequence
// space and are never retransmitted.
func (e *Engine) SendHeartbeat(now time.Time) (uint32, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if e.sock == nil {
		return 0, ErrNotBound
	}

	seq := e.hbSeq
	e.hbSeq++
	p := packet.NewHeartbeat(seq, now)
	frame, err := packet.Encode(p)
	if err != nil {
		return 0, err
	}
	if err := e.transmit(p, frame); err != nil {
		return seq, err
	}
	e.stats.HeartbeatsSent++
	return seq, nil
}

// HandleFrame decodes an inbound frame and processes it. Decode failures
// are counted and returned; they do not affect engine state.
func (e *Engine) HandleFrame(b []byte, now time.Time) error {
	p, err := packet.Decode(b)
	if err != nil {
		e.stats.Malformed++
		e.cfg.Metrics.RecordMalformed(malformedReason(err))
		return err
	}
	e.HandleInbound(p, now)
	return nil
}

func malformedReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, packet.ErrInvalidAddress):
		return "invalid_address"
	default:
		return "malformed"
	}
}

// HandleInbound processes a decoded packet from the peer.
func (e *Engine) HandleInbound(p *packet.Packet, now time.Time) {
	if e.closed {
		return
	}
	e.cfg.Metrics.RecordPacketReceived(p.Flag.String(), p.Size())

	switch p.Flag {
	case packet.FlagData:
		if e.received.seen(p.Sequence) {
			e.stats.Duplicates++
			e.cfg.Metrics.RecordDuplicate()
			e.cfg.Logger.Debug("duplicate packet", logging.KeySequence, p.Sequence)
		} else {
			e.received.record(p.Sequence)
			e.stats.Delivered++
			if e.cfg.OnDeliver != nil {
				e.cfg.OnDeliver(p)
			}
		}
		// The earlier ACK may have been lost, so duplicates are ACKed too.
		e.reply(packet.NewAck(p, now))

	case packet.FlagAck:
		if _, ok := e.unacked[p.Sequence]; ok {
			delete(e.unacked, p.Sequence)
			e.stats.Acked++
			e.cfg.Metrics.SetUnacked(len(e.unacked))
		}

	case packet.FlagHeartbeat:
		e.reply(packet.NewHeartbeatAck(p))

	case packet.FlagHeartbeatAck:
		if e.cfg.OnHeartbeatAck != nil {
			e.cfg.OnHeartbeatAck(p, now)
		}
	}
}

func (e *Engine) reply(p *packet.Packet) {
	if e.sock == nil {
		return
	}
	frame, err := packet.Encode(p)
	if err != nil {
		e.cfg.Logger.Warn("failed to encode reply", logging.KeyFlag, p.Flag, logging.KeyError, err)
		return
	}
	e.transmit(p, frame)
}

// Tick retransmits every entry whose deadline has passed and drops entries
// that exceeded MaxRetries. It does nothing while unbound.
func (e *Engine) Tick(now time.Time) {
	if e.closed || e.sock == nil {
		return
	}

	for _, seq := range e.sortedSeqs() {
		entry := e.unacked[seq]
		if now.Before(entry.nextRetry) {
			continue
		}

		entry.retryCount++
		if entry.retryCount > e.cfg.MaxRetries {
			delete(e.unacked, seq)
			e.stats.Lost++
			e.cfg.Metrics.RecordLost()
			e.cfg.Logger.Debug("packet lost",
				logging.KeySequence, seq,
				logging.KeyRetries, e.cfg.MaxRetries)
			if e.cfg.OnPacketLost != nil {
				e.cfg.OnPacketLost(entry.packet,
					fmt.Errorf("%w: sequence %d after %d retries", ErrPacketLost, seq, e.cfg.MaxRetries))
			}
			continue
		}

		entry.sentAt = now
		entry.nextRetry = now.Add(e.retryDelay(entry))
		e.stats.Retransmitted++
		e.cfg.Metrics.RecordRetransmit()
		e.transmit(entry.packet, entry.frame)
	}
	e.cfg.Metrics.SetUnacked(len(e.unacked))
}

// NextDeadline returns the earliest retransmit deadline, or false when
// nothing is buffered.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, entry := range e.unacked {
		if next.IsZero() || entry.nextRetry.Before(next) {
			next = entry.nextRetry
		}
	}
	return next, !next.IsZero()
}

// ResendAll transmits every buffered entry, as after a reconnect. Retry
// counts are kept so the loss bound still holds across reconnects.
func (e *Engine) ResendAll(now time.Time) int {
	if e.closed || e.sock == nil {
		return 0
	}
	seqs := e.sortedSeqs()
	for _, seq := range seqs {
		entry := e.unacked[seq]
		entry.sentAt = now
		entry.nextRetry = now.Add(e.retryDelay(entry))
		e.stats.Retransmitted++
		e.cfg.Metrics.RecordRetransmit()
		e.transmit(entry.packet, entry.frame)
	}
	return len(seqs)
}

// sortedSeqs returns the buffered sequence numbers in send order.
func (e *Engine) sortedSeqs() []uint32 {
	seqs := make([]uint32, 0, len(e.unacked))
	for seq := range e.unacked {
		seqs = append(seqs, seq)
	}
	// Order relative to nextSeq so a wrapped counter still sorts oldest first.
	base := e.nextSeq
	slices.SortFunc(seqs, func(a, b uint32) int {
		da, db := a-base, b-base
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	})
	return seqs
}

func (e *Engine) transmit(p *packet.Packet, frame []byte) error {
	if err := e.sock.SendTo(frame, nil); err != nil {
		e.cfg.Logger.Debug("transmit failed",
			logging.KeySequence, p.Sequence,
			logging.KeyFlag, p.Flag,
			logging.KeyError, err)
		if e.cfg.OnTransmitError != nil {
			e.cfg.OnTransmitError(p, err)
		}
		return err
	}
	e.cfg.Metrics.RecordPacketSent(p.Flag.String(), len(frame))
	return nil
}

// ResetReceived forgets every received sequence number. Call it when the
// peer's state was recreated and its sequence numbers start over, or its
// new packets would be mistaken for duplicates.
func (e *Engine) ResetReceived() {
	e.received.reset()
}

// Unacked returns the number of packets awaiting acknowledgment.
func (e *Engine) Unacked() int {
	return len(e.unacked)
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Unacked = len(e.unacked)
	return s
}

// Close drops all buffered packets and detaches the socket. The socket is
// not closed; it belongs to the caller.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.sock = nil
	clear(e.unacked)
	e.received.reset()
	e.cfg.Metrics.SetUnacked(0)
}

func (e *Engine) rand() float64 {
	if e.cfg.Rand != nil {
		return e.cfg.Rand()
	}
	return rand.Float64()
}
