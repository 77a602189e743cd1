package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/protocol"
)

// Server accepts LLP sessions on a PacketListener.
//
// Admission runs before any cryptographic work: the per-IP connection
// limit, the global handshake rate, and registry capacity are checked in
// that order, and a rejected client receives an unencrypted Disconnect.
type Server struct {
	cfg       *Config
	listener  PacketListener
	registry  *Registry
	slots     *connSlots
	hsGate    *handshakeGate
	obs       Observer
	logger    *metrics.Logger

	conns chan *Conn

	mu     sync.Mutex
	active map[SessionID]*Conn

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen wraps ln in a Server. It runs the cryptographic self-test and
// fails if any primitive misbehaves.
func Listen(ln PacketListener, cfg *Config) (*Server, error) {
	cfg, err := cfg.prepare()
	if err != nil {
		return nil, err
	}
	if err := crypto.SelfTest().Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		listener: ln,
		registry: NewRegistry(RegistryConfig{
			MaxConnections:    cfg.MaxConnections,
			ConnectionTimeout: cfg.ConnectionTimeout,
			SweepInterval:     cfg.SweepInterval,
			Logger:            cfg.Logger,
			Now:               cfg.Now,
		}),
		slots:  newConnSlots(cfg.MaxConnectionsPerIP),
		hsGate: newHandshakeGate(cfg.HandshakeRate, cfg.HandshakeBurst, cfg.Now),
		obs:    baseObserver(cfg),
		logger: cfg.Logger.Named("server"),
		conns:  make(chan *Conn, cfg.MaxConnections),
		active: make(map[SessionID]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	return s, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Serve accepts transports until ctx is cancelled, the server is closed,
// or the listener fails. It also runs the idle sweep and the periodic
// statistics log.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()
	if s.cfg.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logStats(ctx)
		}()
	}
	context.AfterFunc(ctx, func() { _ = s.listener.Close() })

	s.logger.Info("listening", metrics.Fields{
		"addr":            s.listener.Addr().String(),
		"layers":          s.cfg.Layers.String(),
		"max_connections": s.cfg.MaxConnections,
	})

	for {
		pc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, pc)
		}()
	}
}

// Accept returns the next established connection.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, qerrors.ErrTimeout
	case <-s.ctx.Done():
		return nil, qerrors.ErrSessionClosed
	}
}

// Close stops accepting, disconnects every session, and waits for the
// server goroutines.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.listener.Close()

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.active))
		for _, c := range s.active {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		s.registry.CloseAll(qerrors.ErrSessionClosed)
		s.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) logStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.registry.Stats()
			s.logger.Info("stats", metrics.Fields{
				"sessions":         st.Sessions,
				"active":           st.Active,
				"capacity":         st.Capacity,
				"packets_sent":     st.Traffic.PacketsSent,
				"packets_received": st.Traffic.PacketsReceived,
				"bytes_sent":       st.Traffic.BytesSent,
				"bytes_received":   st.Traffic.BytesReceived,
				"dropped":          st.Traffic.Dropped,
				"retransmits":      st.Traffic.Retransmits,
			})
		}
	}
}

// serveConn runs admission control and the server handshake for one
// transport.
func (s *Server) serveConn(ctx context.Context, pc PacketConn) {
	ip := remoteIP(pc.RemoteAddr())
	hio := &handshakeIO{pc: pc, shaper: s.cfg.Shaper, timeout: s.cfg.HandshakeTimeout, now: s.cfg.Now}
	reject := func(err error) {
		hio.disconnect(err)
		_ = pc.Close()
	}

	release, ok := s.slots.acquire(ip)
	if !ok {
		s.cfg.RateLimitObserver.OnConnectionRateLimit(ip)
		s.logger.Debug("connection rate limited", metrics.Fields{"ip": ip})
		reject(qerrors.ErrRateLimited)
		return
	}
	pc = &slotConn{PacketConn: pc, release: release}
	hio.pc = pc

	if !s.hsGate.allow() {
		s.cfg.RateLimitObserver.OnHandshakeRateLimit(ip)
		s.logger.Debug("handshake rate limited", metrics.Fields{"ip": ip})
		reject(qerrors.ErrRateLimited)
		return
	}
	if s.registry.Full() {
		s.cfg.RateLimitObserver.OnCapacityReached(ip)
		s.logger.Warn("at capacity", metrics.Fields{"ip": ip, "max": s.cfg.MaxConnections})
		reject(qerrors.ErrTooManyConnections)
		return
	}

	hctx, finish := s.obs.OnHandshakeStart(ctx)
	c, err := s.handshake(hctx, hio, pc)
	finish(err)
	if err != nil {
		s.failHandshake(hio, pc, ip, err)
		return
	}

	s.mu.Lock()
	s.active[c.ID()] = c
	s.mu.Unlock()
	c.session.OnClose(func(error) {
		s.mu.Lock()
		delete(s.active, c.ID())
		s.mu.Unlock()
	})

	select {
	case s.conns <- c:
	default:
		if s.cfg.Router == nil {
			s.logger.Warn("accept queue full", metrics.Fields{"session": c.ID().String()})
		}
	}
}

// handshake performs the server side of the handshake and starts the
// connection.
func (s *Server) handshake(ctx context.Context, hio *handshakeIO, pc PacketConn) (*Conn, error) {
	hs := NewServerHandshake(s.cfg)

	hello, err := hio.recv(ctx, protocol.PacketHandshakeInit)
	if err != nil {
		return nil, err
	}
	challenge, err := hs.HandleHello(hello)
	if err != nil {
		return nil, err
	}
	s.obs.OnPuzzleIssued(s.cfg.puzzleDifficulty())
	if err := hio.send(ctx, protocol.PacketHandshakeResponse, challenge); err != nil {
		return nil, err
	}

	proof, err := hio.recv(ctx, protocol.PacketHandshakeInit)
	if err != nil {
		return nil, err
	}
	if err := hs.HandleProof(proof); err != nil {
		var pe *qerrors.ProtocolError
		if qerrors.As(err, &pe) && pe.Phase == puzzlePhase {
			s.obs.OnPuzzleFailed()
		}
		return nil, err
	}

	sess, err := s.registry.CreateSession(RoleResponder, pc.RemoteAddr())
	if err != nil {
		return nil, err
	}
	established, res, err := hs.Establish(sess.ID)
	if err != nil {
		sess.Close(err)
		return nil, err
	}
	if err := hio.send(ctx, protocol.PacketHandshakeResponse, established); err != nil {
		res.Keys.Zeroize()
		sess.Close(err)
		return nil, err
	}

	c, err := newConn(s.cfg, pc, sess, res)
	if err != nil {
		sess.Close(err)
		return nil, err
	}
	return c, nil
}

// failHandshake reports a failed handshake to the client and releases the
// transport.
func (s *Server) failHandshake(hio *handshakeIO, pc PacketConn, ip string, err error) {
	s.obs.OnSessionFailed(err)
	if qerrors.Is(err, qerrors.ErrAuthenticationFailed) {
		s.obs.OnAuthFailure()
	}
	s.logger.Warn("handshake failed", metrics.Fields{"ip": ip, "error": err.Error()})
	hio.disconnect(err)
	_ = pc.Close()
}

// Dial runs the client handshake over pc and returns the established
// connection. pc is closed on failure.
func Dial(ctx context.Context, pc PacketConn, cfg *Config) (*Conn, error) {
	cfg, err := cfg.prepare()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	obs := baseObserver(cfg)
	logger := cfg.Logger.Named("client")

	hctx, finish := obs.OnHandshakeStart(ctx)
	res, err := runClientHandshake(hctx, pc, cfg)
	finish(err)
	if err != nil {
		obs.OnSessionFailed(err)
		logger.Warn("handshake failed", metrics.Fields{
			"remote": pc.RemoteAddr().String(),
			"error":  err.Error(),
		})
		_ = pc.Close()
		return nil, err
	}

	sess := newSession(res.SessionID, RoleInitiator, pc.RemoteAddr(), cfg.Now)
	c, err := newConn(cfg, pc, sess, res)
	if err != nil {
		sess.Close(err)
		_ = pc.Close()
		return nil, err
	}
	return c, nil
}
