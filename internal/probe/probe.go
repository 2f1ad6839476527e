// Package probe tests connectivity to a sudp server.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/transport"
)

// ackWait is how long Probe waits for acknowledgments after the last
// heartbeat.
const ackWait = 2 * time.Second

// Options contains configuration for a connectivity probe.
type Options struct {
	// Address is shown in the result; the dialer decides where to connect.
	Address string

	// Count is the number of heartbeats to send.
	Count int

	// Interval separates heartbeats.
	Interval time.Duration

	// Timeout bounds the entire probe operation.
	Timeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Count <= 0 {
		o.Count = 3
	}
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success is true when the tunnel connected and at least one heartbeat
	// was acknowledged.
	Success bool

	Address string

	// ConnectTime covers the transport connection and session hello.
	ConnectTime time.Duration

	Sent     int
	Received int

	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

func (r *Result) fail(err error) *Result {
	r.Error = err
	r.ErrorDetail = classifyError(err)
	return r
}

// Probe dials a server and measures heartbeat round trips. It performs:
// 1. Transport-level connection and the session hello
// 2. HEARTBEAT / HEARTBEAT_ACK exchanges
func Probe(ctx context.Context, dialer transport.Dialer, opts Options) *Result {
	opts.applyDefaults()
	result := &Result{Address: opts.Address}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	startTime := time.Now()
	sock, err := dialer.Dial(ctx)
	if err != nil {
		return result.fail(err)
	}
	defer sock.Close()
	result.ConnectTime = time.Since(startTime)

	var (
		mu       sync.Mutex
		sentAt   = make(map[uint32]time.Time, opts.Count)
		rtts     []time.Duration
		finished = make(chan struct{})
	)

	go func() {
		defer close(finished)
		for dg, err := range sock.Receive(ctx) {
			if err != nil {
				return
			}
			p, err := packet.Decode(dg.Data)
			if err != nil || p.Flag != packet.FlagHeartbeatAck {
				continue
			}
			now := time.Now()

			mu.Lock()
			if at, ok := sentAt[p.Sequence]; ok {
				delete(sentAt, p.Sequence)
				rtts = append(rtts, now.Sub(at))
			}
			done := len(rtts) == opts.Count
			mu.Unlock()

			if done {
				return
			}
		}
	}()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var sendErr error
	for seq := uint32(0); int(seq) < opts.Count; seq++ {
		frame, err := packet.Encode(packet.NewHeartbeat(seq, time.Now()))
		if err != nil {
			return result.fail(err)
		}

		mu.Lock()
		sentAt[seq] = time.Now()
		mu.Unlock()
		if sendErr = sock.SendTo(frame, nil); sendErr != nil {
			break
		}
		result.Sent++

		if int(seq) < opts.Count-1 {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	wait := time.NewTimer(ackWait)
	defer wait.Stop()
	select {
	case <-finished:
	case <-wait.C:
	case <-ctx.Done():
	}
	sock.Close()
	<-finished

	mu.Lock()
	defer mu.Unlock()

	result.Received = len(rtts)
	if result.Received > 0 {
		var total time.Duration
		result.MinRTT = rtts[0]
		for _, rtt := range rtts {
			total += rtt
			result.MinRTT = min(result.MinRTT, rtt)
			result.MaxRTT = max(result.MaxRTT, rtt)
		}
		result.AvgRTT = total / time.Duration(len(rtts))
		result.Success = true
		return result
	}

	switch {
	case sendErr != nil:
		return result.fail(sendErr)
	case ctx.Err() != nil:
		return result.fail(fmt.Errorf("no heartbeat acknowledged: %w", ctx.Err()))
	default:
		return result.fail(errors.New("no heartbeat acknowledged"))
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - server not running or port blocked"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network unreachable"
	}
	if strings.Contains(errStr, "network is unreachable") {
		return "Network unreachable"
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Timed out - firewall may be blocking, or the server is not a sudp server"
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (set tunnel.tls.ca or insecure_skip_verify)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	// Handshake errors
	if strings.Contains(errStr, "hello") || strings.Contains(errStr, "handshake") {
		return "Connected but the session hello failed - not a sudp server?"
	}

	return err.Error()
}
