package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/postalsys/sudp/internal/config"
	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/packet"
	"github.com/postalsys/sudp/internal/recovery"
	"github.com/postalsys/sudp/internal/reliability"
	"github.com/postalsys/sudp/internal/supervisor"
	"github.com/postalsys/sudp/internal/transport"
)

// Client carries datagrams from a local UDP socket to a server.
//
// Every datagram received locally is sent as a DATA packet whose source is
// the application's endpoint and whose destination is the configured
// forward target, if any. DATA packets from the server are written to
// their destination endpoint on the same local socket.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sessionID uuid.UUID

	local   *transport.UDPSocket
	sup     *supervisor.Supervisor
	limiter *ingressLimiter
	target  netip.AddrPort

	started  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewClient binds the local socket and prepares the tunnel connection.
// Nothing is dialed until Start.
func NewClient(cfg *config.Config, opts Options) (*Client, error) {
	logger := opts.logger().With(logging.KeyInstance, cfg.InstanceID)

	target, err := resolveEndpoint(cfg.Forward.Target)
	if err != nil {
		return nil, fmt.Errorf("forward target: %w", err)
	}

	sessionID := uuid.New()
	dialer, err := NewDialer(cfg, sessionID, logger)
	if err != nil {
		return nil, fmt.Errorf("tunnel dialer: %w", err)
	}

	local, err := transport.ListenUDP(cfg.Local.ListenAddress, cfg.Local.ListenPort, transport.UDPOptions{
		ReadBuffer: cfg.Local.BufferSize,
		OnOversize: func(src netip.AddrPort) {
			opts.Metrics.RecordDropped(dropTooLarge)
			logger.Debug("oversized datagram dropped",
				logging.KeyRemoteAddr, src.String(),
				"buffer_size", cfg.Local.BufferSize)
		},
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With(logging.KeySession, sessionID.String()),
		metrics:   opts.Metrics,
		sessionID: sessionID,
		local:     local,
		limiter:   newIngressLimiter(cfg.Local.MaxDatagramsPerSecond),
		target:    target,
	}

	scfg := supervisorConfig(cfg, opts, c.logger)
	scfg.Dialer = dialer
	scfg.OnDeliver = c.deliver
	scfg.OnPacketLost = c.onPacketLost
	scfg.OnStateChange = func(from, to supervisor.State) {
		c.logger.Info("tunnel state changed", "from", from.String(), logging.KeyState, to.String())
	}
	c.sup = supervisor.New(scfg)

	return c, nil
}

// Start connects to the server and begins relaying. The client stops when
// ctx is cancelled, when Stop is called, or when the supervisor gives up.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.sup.Start(ctx); err != nil {
		c.cancel()
		return err
	}

	c.logger.Info("client started",
		logging.KeyLocalAddr, c.local.LocalAddr().String(),
		logging.KeyTransport, c.cfg.Tunnel.Transport,
		"url", c.cfg.Tunnel.URL)

	c.wg.Add(2)
	go c.ingress(ctx)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.sup.Done():
			// A terminal supervisor takes the local socket down with it.
			c.local.Close()
		case <-ctx.Done():
		}
	}()
	return nil
}

// ingress reads local datagrams and hands them to the supervisor.
func (c *Client) ingress(ctx context.Context) {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "tunnel.Client.ingress")

	for dg, err := range c.local.Receive(ctx) {
		if err != nil {
			c.logger.Error("local socket failed", logging.KeyError, err)
			return
		}
		c.metrics.RecordIngress()

		if !c.limiter.Allow() {
			c.metrics.RecordDropped(dropRateLimited)
			continue
		}

		_, sendErr := c.sup.Send(ctx, dg.Data, dg.SourceAddrPort(), c.target)
		switch {
		case sendErr == nil:
		case errors.Is(sendErr, reliability.ErrBackpressure):
			c.metrics.RecordDropped(dropBackpressure)
			c.logger.Debug("datagram dropped, too many unacknowledged packets")
		case errors.Is(sendErr, packet.ErrPayloadTooLarge):
			c.metrics.RecordDropped(dropTooLarge)
			c.logger.Debug("datagram dropped, payload too large", "size", len(dg.Data))
		case errors.Is(sendErr, supervisor.ErrClosed), ctx.Err() != nil:
			return
		default:
			c.metrics.RecordDropped(dropSendFailed)
			c.logger.Warn("datagram dropped", logging.KeyError, sendErr)
		}
	}
}

// deliver runs on the supervisor loop and must not block.
func (c *Client) deliver(p *packet.Packet) {
	if !p.Dest.IsValid() {
		c.metrics.RecordDropped(dropNoDestination)
		c.logger.Debug("delivery without destination dropped", logging.KeySequence, p.Sequence)
		return
	}
	if err := c.local.SendTo(p.Payload, udpAddr(p.Dest)); err != nil {
		c.metrics.RecordDropped(dropSendFailed)
		c.logger.Debug("local delivery failed", "dest", p.Dest.String(), logging.KeyError, err)
		return
	}
	c.metrics.RecordDelivery()
}

func (c *Client) onPacketLost(p *packet.Packet, err error) {
	c.logger.Warn("packet lost", logging.KeySequence, p.Sequence, logging.KeyError, err)
}

// LocalAddr returns the address applications send to.
func (c *Client) LocalAddr() net.Addr {
	return c.local.LocalAddr()
}

// SessionID returns the session identifier presented to the server.
func (c *Client) SessionID() uuid.UUID {
	return c.sessionID
}

// State returns the tunnel connection state.
func (c *Client) State() supervisor.State {
	return c.sup.State()
}

// Stats returns the tunnel connection statistics.
func (c *Client) Stats() supervisor.Stats {
	return c.sup.Stats()
}

// Healthy reports whether the tunnel is connected.
func (c *Client) Healthy() bool {
	return c.sup.State() == supervisor.StateConnected
}

// Status returns a health snapshot.
func (c *Client) Status() Status {
	st := c.sup.Stats()
	return Status{
		Mode:      config.ModeClient,
		Instance:  c.cfg.InstanceID,
		Transport: c.cfg.Tunnel.Transport,
		Address:   c.local.LocalAddr().String(),
		Healthy:   st.State == supervisor.StateConnected,
		Sessions:  []SessionStatus{sessionStatus(c.sessionID, st)},
	}
}

// Done is closed when the tunnel connection has stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.sup.Done()
}

// Err returns why the tunnel stopped, or nil after a clean Stop.
func (c *Client) Err() error {
	return c.sup.Err()
}

// Stop closes the tunnel and the local socket. It is idempotent.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.stopErr = multierr.Combine(c.sup.Stop(), c.local.Close())
		c.wg.Wait()
		c.logger.Info("client stopped")
	})
	return c.stopErr
}
