// Package loadtest drives UDP round-trip load through a tunnel endpoint.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// EchoMetrics contains the results of an echo load run.
type EchoMetrics struct {
	Sent               int64
	Received           int64
	Lost               int64
	Mismatched         int64
	BytesSent          int64
	BytesReceived      int64
	AvgLatency         time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	Duration           time.Duration
	DatagramsPerSecond float64
	ThroughputMBps     float64
}

// String summarises the run on one line.
func (m *EchoMetrics) String() string {
	return fmt.Sprintf("%s sent, %s received, %s lost, %s/%s in %s (%.0f dgram/s, latency avg %s min %s max %s)",
		humanize.Comma(m.Sent), humanize.Comma(m.Received), humanize.Comma(m.Lost),
		humanize.IBytes(uint64(m.BytesReceived)), humanize.IBytes(uint64(m.BytesSent)),
		m.Duration.Round(time.Millisecond), m.DatagramsPerSecond,
		m.AvgLatency, m.MinLatency, m.MaxLatency)
}

// EchoConfig configures an EchoLoadGenerator.
type EchoConfig struct {
	// Concurrency is the number of workers, each with its own UDP socket.
	Concurrency int

	// Count is the number of round trips per worker. Zero runs until
	// Duration elapses.
	Count int

	// Size is the datagram size in bytes, at least 8.
	Size int

	// Timeout is how long a worker waits for each echo before counting
	// the datagram lost.
	Timeout time.Duration

	// Duration bounds the whole run.
	Duration time.Duration
}

func (c *EchoConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Size < 8 {
		c.Size = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Duration <= 0 {
		c.Duration = time.Minute
	}
}

// EchoLoadGenerator sends numbered datagrams to an address that echoes
// them, such as a tunnel client whose server runs in echo mode, and times
// each round trip.
type EchoLoadGenerator struct {
	cfg EchoConfig

	metrics EchoMetrics
	mu      sync.Mutex
	total   time.Duration
}

// NewEchoLoadGenerator creates a new echo load generator.
func NewEchoLoadGenerator(cfg EchoConfig) *EchoLoadGenerator {
	cfg.applyDefaults()
	return &EchoLoadGenerator{cfg: cfg}
}

// Run executes the load test against target.
func (g *EchoLoadGenerator) Run(ctx context.Context, target string) (*EchoMetrics, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Duration)
	defer cancel()

	conns := make([]*net.UDPConn, 0, g.cfg.Concurrency)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < g.cfg.Concurrency; i++ {
		c, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("open worker socket: %w", err)
		}
		conns = append(conns, c)
	}

	var wg sync.WaitGroup
	startTime := time.Now()

	for i, c := range conns {
		wg.Add(1)
		go func(worker int, conn *net.UDPConn) {
			defer wg.Done()
			g.runWorker(ctx, uint32(worker), conn)
		}(i, c)
	}

	wg.Wait()
	g.metrics.Duration = time.Since(startTime)

	if g.metrics.Duration > 0 {
		seconds := g.metrics.Duration.Seconds()
		g.metrics.DatagramsPerSecond = float64(g.metrics.Received) / seconds
		totalBytes := float64(g.metrics.BytesSent + g.metrics.BytesReceived)
		g.metrics.ThroughputMBps = totalBytes / (1024 * 1024) / seconds
	}
	if g.metrics.Received > 0 {
		g.metrics.AvgLatency = g.total / time.Duration(g.metrics.Received)
	}

	return &g.metrics, nil
}

func (g *EchoLoadGenerator) runWorker(ctx context.Context, worker uint32, conn *net.UDPConn) {
	data := make([]byte, g.cfg.Size)
	rand.Read(data)
	binary.BigEndian.PutUint32(data, worker)
	readBuf := make([]byte, g.cfg.Size+64)

	for i := uint32(0); g.cfg.Count == 0 || int(i) < g.cfg.Count; i++ {
		if ctx.Err() != nil {
			return
		}
		binary.BigEndian.PutUint32(data[4:], i)

		start := time.Now()
		n, err := conn.Write(data)
		if err != nil {
			atomic.AddInt64(&g.metrics.Lost, 1)
			continue
		}
		atomic.AddInt64(&g.metrics.Sent, 1)
		atomic.AddInt64(&g.metrics.BytesSent, int64(n))

		if !g.awaitEcho(ctx, conn, data, readBuf) {
			atomic.AddInt64(&g.metrics.Lost, 1)
			continue
		}
		g.recordLatency(time.Since(start))
	}
}

// awaitEcho reads until the echo of data arrives. Late echoes of earlier
// datagrams are skipped.
func (g *EchoLoadGenerator) awaitEcho(ctx context.Context, conn *net.UDPConn, data, buf []byte) bool {
	deadline := time.Now().Add(g.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				time.Sleep(time.Millisecond)
				if time.Now().Before(deadline) {
					continue
				}
			}
			return false
		}
		atomic.AddInt64(&g.metrics.BytesReceived, int64(n))
		if bytes.Equal(buf[:n], data) {
			atomic.AddInt64(&g.metrics.Received, 1)
			return true
		}
		atomic.AddInt64(&g.metrics.Mismatched, 1)
	}
}

func (g *EchoLoadGenerator) recordLatency(latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total += latency
	if latency > g.metrics.MaxLatency {
		g.metrics.MaxLatency = latency
	}
	if g.metrics.MinLatency == 0 || latency < g.metrics.MinLatency {
		g.metrics.MinLatency = latency
	}
}
