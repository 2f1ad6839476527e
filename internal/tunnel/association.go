package tunnel

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/metrics"
	"github.com/postalsys/sudp/internal/recovery"
	"github.com/postalsys/sudp/internal/transport"
)

// associationKey identifies the flow between a tunneled client endpoint
// and one UDP target.
type associationKey struct {
	client netip.AddrPort
	target netip.AddrPort
}

// association is a server-side UDP socket relaying one client endpoint's
// datagrams to a target. Replies read from the socket go back through the
// session addressed to the client endpoint.
type association struct {
	mu sync.RWMutex

	key          associationKey
	sock         *transport.UDPSocket
	createdAt    time.Time
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func newAssociation(parent context.Context, key associationKey, sock *transport.UDPSocket) *association {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &association{
		key:          key,
		sock:         sock,
		createdAt:    now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// updateActivity records traffic in either direction.
func (a *association) updateActivity() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivity = time.Now()
}

// isExpired reports whether the association has been idle longer than
// timeout. A zero timeout never expires.
func (a *association) isExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	return time.Since(a.lastActivity) > timeout
}

func (a *association) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.closed
}

// write sends payload to the target.
func (a *association) write(payload []byte) error {
	a.updateActivity()
	return a.sock.SendTo(payload, udpAddr(a.key.target))
}

// close releases the socket, ending the read loop.
func (a *association) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	return a.sock.Close()
}

// replyFunc sends a datagram read from a target back to the client
// endpoint through the session.
type replyFunc func(ctx context.Context, payload []byte, from, to netip.AddrPort) error

// associationTable owns the associations of one session.
type associationTable struct {
	mu           sync.RWMutex
	associations map[associationKey]*association

	idleTimeout time.Duration
	bufferSize  int
	reply       replyFunc
	logger      *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAssociationTable(idleTimeout time.Duration, bufferSize int, reply replyFunc, logger *slog.Logger, m *metrics.Metrics) *associationTable {
	ctx, cancel := context.WithCancel(context.Background())

	t := &associationTable{
		associations: make(map[associationKey]*association),
		idleTimeout:  idleTimeout,
		bufferSize:   bufferSize,
		reply:        reply,
		logger:       logger,
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
	}

	if idleTimeout > 0 {
		t.wg.Add(1)
		go t.cleanupLoop()
	}

	return t
}

// forward writes payload from client to target, opening an association on
// first use.
func (t *associationTable) forward(client, target netip.AddrPort, payload []byte) error {
	a, err := t.get(associationKey{client: client, target: target})
	if err != nil {
		return err
	}
	return a.write(payload)
}

func (t *associationTable) get(key associationKey) (*association, error) {
	t.mu.RLock()
	a := t.associations[key]
	t.mu.RUnlock()
	if a != nil && !a.isClosed() {
		return a, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if a := t.associations[key]; a != nil && !a.isClosed() {
		return a, nil
	}
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}

	bind := "0.0.0.0"
	if key.target.Addr().Is6() {
		bind = "::"
	}
	sock, err := transport.ListenUDP(bind, 0, transport.UDPOptions{
		ReadBuffer: t.bufferSize,
		OnOversize: func(netip.AddrPort) { t.metrics.RecordDropped(dropTooLarge) },
	})
	if err != nil {
		return nil, err
	}

	a = newAssociation(t.ctx, key, sock)
	t.associations[key] = a
	t.metrics.RecordAssociationOpen()

	t.wg.Add(1)
	go t.readLoop(a)

	t.logger.Debug("association opened",
		"client", key.client.String(),
		"target", key.target.String(),
		logging.KeyLocalAddr, sock.LocalAddr().String())
	return a, nil
}

// readLoop relays datagrams from the target back to the client endpoint.
func (t *associationTable) readLoop(a *association) {
	defer t.wg.Done()
	defer recovery.RecoverWithLog(t.logger, "tunnel.associationTable.readLoop")

	for dg, err := range a.sock.Receive(a.ctx) {
		if err != nil {
			t.logger.Debug("association read failed", "client", a.key.client.String(), logging.KeyError, err)
			t.remove(a)
			return
		}
		a.updateActivity()

		if err := t.reply(a.ctx, dg.Data, dg.SourceAddrPort(), a.key.client); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			t.logger.Debug("reply dropped", "client", a.key.client.String(), logging.KeyError, err)
		}
	}
}

// remove closes a and drops it from the table if it is still registered.
func (t *associationTable) remove(a *association) {
	t.mu.Lock()
	if t.associations[a.key] == a {
		delete(t.associations, a.key)
		t.metrics.RecordAssociationClose()
	}
	t.mu.Unlock()

	a.close()
}

// len returns the number of open associations.
func (t *associationTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.associations)
}

// cleanupLoop periodically removes expired associations.
func (t *associationTable) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

// cleanupExpired removes associations that have exceeded the idle timeout.
func (t *associationTable) cleanupExpired() {
	t.mu.RLock()
	var expired []*association
	for _, a := range t.associations {
		if a.isExpired(t.idleTimeout) {
			expired = append(expired, a)
		}
	}
	t.mu.RUnlock()

	for _, a := range expired {
		t.logger.Debug("association expired", "client", a.key.client.String(), "target", a.key.target.String())
		t.remove(a)
	}
}

// close shuts every association and waits for their read loops.
func (t *associationTable) close() error {
	t.cancel()

	t.mu.Lock()
	all := make([]*association, 0, len(t.associations))
	for key, a := range t.associations {
		all = append(all, a)
		delete(t.associations, key)
		t.metrics.RecordAssociationClose()
	}
	t.mu.Unlock()

	var err error
	for _, a := range all {
		err = multierr.Append(err, a.close())
	}
	t.wg.Wait()
	return err
}
