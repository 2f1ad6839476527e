// Package chaos injects faults into tunnel sockets so delivery guarantees
// can be tested over a path that drops, delays and disconnects.
package chaos

import (
	"context"
	"iter"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/sudp/internal/transport"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone lets the datagram through untouched.
	FaultNone FaultType = iota
	// FaultDrop silently discards an outbound datagram.
	FaultDrop
	// FaultDelay sends an outbound datagram late.
	FaultDelay
	// FaultDisconnect closes the socket instead of sending.
	FaultDisconnect
)

func (f FaultType) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides, datagram by datagram, which fault to apply. It is
// safe for concurrent use.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector. Configs are tried in
// order and the first that fires wins.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates a fault injector with a fixed random seed
// so a failing run can be replayed.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next returns the fault for the next datagram and, for FaultDelay, how
// long to hold it.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}
	for _, c := range f.configs {
		if f.rng.Float64() >= c.Probability {
			continue
		}
		f.faultHits[c.Type]++
		if c.Type == FaultDelay {
			return FaultDelay, f.randomDelay(c.MinDelay, c.MaxDelay)
		}
		return c.Type, 0
	}
	return FaultNone, 0
}

// Stats returns how many times each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Socket wraps a transport.Socket and applies the injector's faults to
// every outbound datagram. Inbound traffic is untouched; wrap both ends of
// a tunnel for loss in both directions.
type Socket struct {
	inner    transport.Socket
	injector *FaultInjector

	mu     sync.Mutex
	timers []*time.Timer
}

// WrapSocket returns s with faults applied to SendTo.
func WrapSocket(s transport.Socket, injector *FaultInjector) *Socket {
	return &Socket{inner: s, injector: injector}
}

// SendTo applies the next fault. A dropped datagram reports success, as a
// lossy network would.
func (s *Socket) SendTo(b []byte, dst net.Addr) error {
	fault, delay := s.injector.Next()
	switch fault {
	case FaultDrop:
		return nil
	case FaultDisconnect:
		s.inner.Close()
		return nil
	case FaultDelay:
		data := append([]byte(nil), b...)
		s.mu.Lock()
		s.timers = append(s.timers, time.AfterFunc(delay, func() {
			s.inner.SendTo(data, dst)
		}))
		s.mu.Unlock()
		return nil
	default:
		return s.inner.SendTo(b, dst)
	}
}

// Receive yields the wrapped socket's datagrams.
func (s *Socket) Receive(ctx context.Context) iter.Seq2[transport.Datagram, error] {
	return s.inner.Receive(ctx)
}

// LocalAddr returns the wrapped socket's address.
func (s *Socket) LocalAddr() net.Addr {
	return s.inner.LocalAddr()
}

// Epoch returns the wrapped socket's server epoch, or uuid.Nil when it
// announces none.
func (s *Socket) Epoch() uuid.UUID {
	if es, ok := s.inner.(transport.EpochSocket); ok {
		return es.Epoch()
	}
	return uuid.Nil
}

// Close cancels delayed sends and closes the wrapped socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()

	return s.inner.Close()
}

// Dialer wraps a transport.Dialer so every socket it opens is faulty.
type Dialer struct {
	inner    transport.Dialer
	injector *FaultInjector
}

// WrapDialer returns d with faults applied to the sockets it dials.
func WrapDialer(d transport.Dialer, injector *FaultInjector) *Dialer {
	return &Dialer{inner: d, injector: injector}
}

// Dial opens a socket through the wrapped dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Socket, error) {
	s, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return WrapSocket(s, d.injector), nil
}
