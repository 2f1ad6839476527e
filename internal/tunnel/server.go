package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
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

// sessionQueueSize bounds the deliveries waiting for a session's worker.
const sessionQueueSize = 256

// Server accepts tunnel sessions and relays their datagrams.
//
// Each client session ID gets one passive supervisor. When the client
// reconnects with the same ID, the new socket is reattached to the existing
// supervisor so unacknowledged packets are resent and duplicates are still
// recognised. A session whose client stays away longer than the session
// timeout is closed.
//
// Every session is announced to its client with a fresh epoch. A client
// that comes back to a different epoch (the server restarted, or its
// session expired) knows the server's sequence numbers start over. New
// session IDs beyond the configured maximum are refused; resumes are not.
type Server struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	target  netip.AddrPort
	echo    bool

	listener transport.Listener

	mu       sync.Mutex
	sessions map[uuid.UUID]*serverSession
	// epochs holds the epoch announced for each session ID, from the
	// handshake until the session closes.
	epochs map[uuid.UUID]uuid.UUID

	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewServer starts listening on the configured tunnel address. Sessions
// are accepted once Start is called.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.logger().With(logging.KeyInstance, cfg.InstanceID)

	target, err := resolveEndpoint(cfg.Forward.Target)
	if err != nil {
		return nil, fmt.Errorf("forward target: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		target:   target,
		echo:     cfg.Forward.Mode == config.ForwardModeEcho,
		sessions: make(map[uuid.UUID]*serverSession),
		epochs:   make(map[uuid.UUID]uuid.UUID),
	}

	topts := tunnelOptions(cfg)
	topts.SessionEpoch = s.sessionEpoch
	if s.listener, err = newListener(cfg, topts, logger); err != nil {
		return nil, err
	}
	return s, nil
}

// sessionEpoch runs during the handshake. It returns the live epoch of id,
// or allocates a fresh one. A new id is refused once the session limit is
// reached, which fails the client's dial so it backs off before retrying.
func (s *Server) sessionEpoch(id uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	epoch, ok := s.epochs[id]
	full := !ok && len(s.sessions) >= s.cfg.Tunnel.MaxSessions
	if !ok && !full {
		epoch = uuid.New()
		s.epochs[id] = epoch
	}
	s.mu.Unlock()

	if full {
		s.rejectFull(id)
		return uuid.Nil, ErrSessionLimit
	}
	return epoch, nil
}

func (s *Server) rejectFull(id uuid.UUID) {
	s.metrics.RecordSessionRejected(rejectMaxSessions)
	s.logger.Warn("session limit reached, connection refused",
		logging.KeySession, id.String(),
		"max_sessions", s.cfg.Tunnel.MaxSessions)
}

// Start begins accepting sessions. The server stops when ctx is cancelled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	mode := config.ForwardModeForward
	if s.echo {
		mode = config.ForwardModeEcho
	}
	s.logger.Info("server started",
		logging.KeyTransport, s.cfg.Tunnel.Transport,
		"listen", s.listener.Addr().String(),
		"mode", mode,
		"target", s.cfg.Forward.Target)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "tunnel.Server.acceptLoop")

	for {
		sess, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("accept failed", logging.KeyError, err)
			}
			return
		}
		s.handleSession(sess)
	}
}

// handleSession reattaches a returning client or opens a new session.
func (s *Server) handleSession(ts *transport.Session) {
	remote := ts.RemoteAddr.String()

	s.mu.Lock()
	existing := s.sessions[ts.ID]
	epoch, known := s.epochs[ts.ID]
	switch {
	case !known || epoch != ts.Epoch:
		// The session this handshake announced has closed since. The
		// client will dial again and learn the new epoch.
		s.mu.Unlock()
		ts.Socket.Close()
		s.metrics.RecordSessionRejected(rejectStale)
		s.logger.Debug("stale session handshake refused",
			logging.KeySession, ts.ID.String(),
			logging.KeyRemoteAddr, remote)
		return
	case existing == nil && len(s.sessions) >= s.cfg.Tunnel.MaxSessions:
		// Concurrent handshakes for new IDs all passed the check in
		// sessionEpoch before any of them opened a session.
		delete(s.epochs, ts.ID)
		s.mu.Unlock()
		ts.Socket.Close()
		s.rejectFull(ts.ID)
		return
	}
	s.mu.Unlock()

	if existing != nil {
		if err := existing.sup.Reattach(ts.Socket); err == nil {
			existing.logger.Info("session resumed", logging.KeyRemoteAddr, remote)
			return
		}
		// The supervisor closed between the lookup and the reattach. The
		// socket is gone with it, so the client will dial again.
		return
	}

	sess := s.newSession(ts.ID, ts.Epoch)
	if err := sess.sup.Start(s.ctx); err != nil {
		s.forgetEpoch(ts.ID, ts.Epoch)
		ts.Socket.Close()
		return
	}
	if err := sess.sup.Reattach(ts.Socket); err != nil {
		s.forgetEpoch(ts.ID, ts.Epoch)
		return
	}

	s.mu.Lock()
	s.sessions[ts.ID] = sess
	s.mu.Unlock()
	s.metrics.RecordSessionOpen()
	sess.logger.Info("session opened", logging.KeyRemoteAddr, remote)

	s.wg.Add(1)
	go s.runSession(sess)
}

// forgetEpoch drops id's epoch if it is still epoch.
func (s *Server) forgetEpoch(id, epoch uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[id] == epoch {
		delete(s.epochs, id)
	}
}

func (s *Server) newSession(id, epoch uuid.UUID) *serverSession {
	logger := s.logger.With(logging.KeySession, id.String())
	sess := &serverSession{
		id:     id,
		epoch:  epoch,
		server: s,
		logger: logger,
		inbox:  make(chan *packet.Packet, sessionQueueSize),
	}

	scfg := supervisorConfig(s.cfg, s.opts, logger)
	scfg.OnDeliver = sess.enqueue
	scfg.OnPacketLost = func(p *packet.Packet, err error) {
		logger.Warn("packet lost", logging.KeySequence, p.Sequence, logging.KeyError, err)
	}
	sess.sup = supervisor.New(scfg)

	if !s.echo {
		sess.assocs = newAssociationTable(s.cfg.Forward.IdleTimeout, s.cfg.Local.BufferSize, sess.reply, logger, s.metrics)
	}
	return sess
}

// runSession processes deliveries until the session's supervisor stops,
// then releases the session.
func (s *Server) runSession(sess *serverSession) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(sess.logger, "tunnel.Server.runSession")

	sess.work()

	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	if s.epochs[sess.id] == sess.epoch {
		delete(s.epochs, sess.id)
	}
	s.mu.Unlock()
	s.metrics.RecordSessionClose()

	if sess.assocs != nil {
		if err := sess.assocs.close(); err != nil {
			sess.logger.Debug("closing associations", logging.KeyError, err)
		}
	}

	if err := sess.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		sess.logger.Info("session closed", logging.KeyError, err)
	} else {
		sess.logger.Info("session closed")
	}
}

// Addr returns the tunnel listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Healthy reports whether the server is accepting sessions.
func (s *Server) Healthy() bool {
	return s.started.Load() && s.ctx.Err() == nil
}

// Status returns a health snapshot with one entry per session.
func (s *Server) Status() Status {
	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	st := Status{
		Mode:      config.ModeServer,
		Instance:  s.cfg.InstanceID,
		Transport: s.cfg.Tunnel.Transport,
		Address:   s.listener.Addr().String(),
		Healthy:   s.Healthy(),
		Sessions:  make([]SessionStatus, 0, len(sessions)),
	}
	for _, sess := range sessions {
		ss := sessionStatus(sess.id, sess.sup.Stats())
		if sess.assocs != nil {
			ss.Associations = sess.assocs.len()
		}
		st.Sessions = append(st.Sessions, ss)
	}
	slices.SortFunc(st.Sessions, func(a, b SessionStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return st
}

// Stop closes the listener and every session. It is idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err := s.listener.Close()

		s.mu.Lock()
		sessions := make([]*serverSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			err = multierr.Append(err, sess.sup.Stop())
		}
		s.wg.Wait()
		s.stopErr = err
		s.logger.Info("server stopped")
	})
	return s.stopErr
}

// serverSession is one client's supervised connection on the server.
type serverSession struct {
	id     uuid.UUID
	epoch  uuid.UUID
	server *Server
	logger *slog.Logger
	sup    *supervisor.Supervisor
	inbox  chan *packet.Packet
	assocs *associationTable
}

// enqueue runs on the supervisor loop. Replies must go through Send, which
// waits on that loop, so deliveries are handed to the worker instead.
func (ss *serverSession) enqueue(p *packet.Packet) {
	select {
	case ss.inbox <- p:
	default:
		ss.server.metrics.RecordDropped(dropQueueFull)
		ss.logger.Debug("delivery queue full, datagram dropped", logging.KeySequence, p.Sequence)
	}
}

// work handles deliveries until the supervisor stops.
func (ss *serverSession) work() {
	for {
		select {
		case p := <-ss.inbox:
			ss.handle(p)
		case <-ss.sup.Done():
			return
		}
	}
}

func (ss *serverSession) handle(p *packet.Packet) {
	srv := ss.server

	if srv.echo {
		if err := ss.reply(srv.ctx, p.Payload, p.Dest, p.Source); err != nil {
			ss.logger.Debug("echo dropped", logging.KeySequence, p.Sequence, logging.KeyError, err)
		}
		return
	}

	target := srv.target
	if !target.IsValid() {
		target = p.Dest
	}
	if !target.IsValid() {
		srv.metrics.RecordDropped(dropNoDestination)
		ss.logger.Debug("datagram without target dropped", logging.KeySequence, p.Sequence)
		return
	}

	if err := ss.assocs.forward(p.Source, target, p.Payload); err != nil {
		srv.metrics.RecordDropped(dropSendFailed)
		ss.logger.Debug("forward failed", "target", target.String(), logging.KeyError, err)
		return
	}
	srv.metrics.RecordDelivery()
}

// reply sends a datagram back to the client. Backpressure drops it, as a
// congested UDP path would.
func (ss *serverSession) reply(ctx context.Context, payload []byte, from, to netip.AddrPort) error {
	_, err := ss.sup.Send(ctx, payload, from, to)
	if errors.Is(err, reliability.ErrBackpressure) {
		ss.server.metrics.RecordDropped(dropBackpressure)
	}
	return err
}
