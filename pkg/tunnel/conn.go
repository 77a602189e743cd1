package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/keys"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/protocol"
)

const (
	// timerTick drives retransmission, keep-alive, idle, and rotation
	// checks.
	timerTick = 50 * time.Millisecond

	// rotationRetryInterval spaces rotation retries and repeated
	// KeyUpdateRequests while a trigger stays pending.
	rotationRetryInterval = 5 * time.Second
)

// innerAADSize covers the packet header plus the unencrypted inner payload
// prefix (real length, compression, priority, reserved).
const innerAADSize = constants.HeaderSize + 8

// Conn is an established session bound to a transport. It runs a read
// loop, a timer loop, and the control stream writer until the session
// closes.
type Conn struct {
	cfg     *Config
	pc      PacketConn
	session *Session
	keys    *keys.Manager
	mux     *Mux
	obs     Observer
	logger  *metrics.Logger
	result  *HandshakeResult

	writeMu      sync.Mutex
	nonceReplay  *ReplayWindow
	authFailures atomic.Int64
	lastSend     atomic.Int64

	rotMu        sync.Mutex
	rotateWanted atomic.Bool
	rotateCh     chan struct{}
	lastRotation time.Time // guarded by rotMu

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newConn installs the handshake result into session and starts the
// connection goroutines.
func newConn(cfg *Config, pc PacketConn, session *Session, res *HandshakeResult) (*Conn, error) {
	c := &Conn{
		cfg:         cfg,
		pc:          pc,
		session:     session,
		obs:         observerFor(cfg, session),
		result:      res,
		nonceReplay: NewReplayWindow(),
		rotateCh:    make(chan struct{}, 1),
	}
	c.logger = cfg.Logger.Named("conn").With(metrics.Fields{
		"session": session.ID.String(),
		"role":    session.Role.String(),
	})

	km, err := keys.New(res.Keys, keys.Options{
		Layers:           res.Layers,
		Direction:        session.Role.direction(),
		RotationBytes:    cfg.RotationBytes,
		RotationInterval: cfg.RotationInterval,
		FallbackWindow:   cfg.FallbackWindow,
		Handler:          c.onRotationTrigger,
		Now:              cfg.Now,
	})
	if err != nil {
		res.Keys.Zeroize()
		return nil, err
	}
	c.keys = km
	session.PeerIdentity = res.PeerIdentity

	c.mux = newMux(session.Context(), c, muxConfig{
		Role:       session.Role,
		Session:    session.ID,
		MaxStreams: cfg.MaxStreams,
		Window:     cfg.InitialWindow,
		Router:     cfg.Router,
		Observer:   c.obs,
		Logger:     c.logger,
		Now:        cfg.Now,
	})

	session.OnClose(func(reason error) {
		c.mux.Close(reason)
		_ = c.pc.Close()
		c.obs.OnSessionEnd(reason)
		c.logger.Info("session closed", metrics.Fields{"reason": reason.Error()})
	})
	session.Activate(km)
	c.lastSend.Store(cfg.Now().UnixNano())
	c.lastRotation = cfg.Now()
	c.obs.OnSessionStart()

	c.wg.Add(3)
	go c.readLoop()
	go c.timerLoop()
	go func() {
		defer c.wg.Done()
		c.mux.runControl()
	}()

	c.logger.Info("session established", metrics.Fields{
		"layers":       res.Layers.String(),
		"curve":        res.Curve.String(),
		"post_quantum": res.PostQuantum,
	})
	return c, nil
}

// ID returns the session identifier.
func (c *Conn) ID() SessionID { return c.session.ID }

// Session returns the underlying session.
func (c *Conn) Session() *Session { return c.session }

// Layers returns the negotiated crypto layer set.
func (c *Conn) Layers() crypto.LayerSet { return c.result.Layers }

// PostQuantum reports whether the ML-KEM exchange was negotiated.
func (c *Conn) PostQuantum() bool { return c.result.PostQuantum }

// Generation returns the current key generation.
func (c *Conn) Generation() uint64 { return c.keys.Generation() }

// LocalAddr returns the transport's local address.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// RemoteAddr returns the transport's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.pc.RemoteAddr() }

// Stats returns a snapshot of the session counters.
func (c *Conn) Stats() StatsSnapshot { return c.session.Stats.Snapshot() }

// RTT returns the smoothed round-trip time and retransmission timeout.
func (c *Conn) RTT() (srtt, rto time.Duration) { return c.mux.RTT() }

// OpenStream opens a new stream.
func (c *Conn) OpenStream() (*Stream, error) { return c.mux.OpenStream() }

// AcceptStream waits for a stream opened by the peer.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	return c.mux.AcceptStream(ctx)
}

// NumStreams returns the open streams including the control stream.
func (c *Conn) NumStreams() int { return c.mux.NumStreams() }

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.session.Done() }

// Err returns why the session ended, or nil while it is open.
func (c *Conn) Err() error { return c.session.Err() }

// Close sends a Disconnect, tears the session down, and waits for the
// connection goroutines to exit.
func (c *Conn) Close() error {
	c.closeWith(qerrors.ErrSessionClosed)
	c.wg.Wait()
	return nil
}

// fail closes the session with err after telling the peer. It may be
// called from the connection goroutines.
func (c *Conn) fail(err error) {
	c.logger.Warn("closing session", metrics.Fields{"error": err.Error()})
	c.closeWith(err)
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		if c.session.State() == SessionActive {
			c.session.setState(SessionDisconnecting)
			code := qerrors.CodeFor(err)
			d := protocol.Disconnect{Code: code, Reason: code.String()}
			_ = c.send(context.Background(), protocol.PacketDisconnect, constants.ControlStreamID, 0, protocol.FlagPriority, d.Encode())
		}
		c.session.Close(err)
	})
}

// --- write path ---

// send compresses, pads, and seals body into a packet and writes it.
func (c *Conn) send(ctx context.Context, t protocol.PacketType, stream uint16, seq uint64, flags protocol.Flags, body []byte) error {
	plain, comp, err := protocol.Compress(c.cfg.Compression, body)
	if err != nil {
		return err
	}

	h := protocol.Header{
		Type:      t,
		StreamID:  stream,
		Sequence:  seq,
		Timestamp: protocol.Timestamp(c.cfg.Now()),
		Flags:     flags,
	}
	raw := protocol.EncodeHeader(h)
	inner := &protocol.InnerPayload{
		RealLength:  uint32(len(plain)),
		Compression: comp,
	}
	if flags.Has(protocol.FlagPriority) {
		inner.Priority = 1
	}
	aad := innerAAD(raw[:], inner.RealLength, inner.Compression, inner.Priority)

	ectx, end := c.obs.OnEncrypt(ctx, len(plain))
	var sealed []byte
	var sealErr error
	err = c.cfg.WorkerPool.Do(ectx, func() {
		inner.Nonce, sealed, sealErr = c.keys.Seal(plain, aad)
	})
	if err == nil {
		err = sealErr
	}
	end(err)
	if err != nil {
		return err
	}
	if err := inner.SetSealed(sealed); err != nil {
		return err
	}
	if pad := protocol.PaddingFor(inner.Size(), c.cfg.PaddingBlock); pad > 0 {
		inner.Padding = make([]byte, pad)
		if err := crypto.SecureRandom(inner.Padding); err != nil {
			return err
		}
	}

	pkt, err := protocol.Encode(h, inner.Encode())
	if err != nil {
		return err
	}
	shaped, err := c.cfg.Shaper.Shape(pkt)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.pc.WritePacket(shaped)
	c.writeMu.Unlock()
	if err != nil {
		c.session.Stats.Errors.Add(1)
		return err
	}
	c.session.Stats.PacketsSent.Add(1)
	c.session.Stats.BytesSent.Add(uint64(len(shaped)))
	c.lastSend.Store(c.cfg.Now().UnixNano())
	return nil
}

func innerAAD(header []byte, realLen uint32, comp protocol.Compression, priority uint8) []byte {
	aad := make([]byte, innerAADSize)
	copy(aad, header)
	binary.BigEndian.PutUint32(aad[constants.HeaderSize:], realLen)
	aad[constants.HeaderSize+4] = byte(comp)
	aad[constants.HeaderSize+5] = priority
	return aad
}

func (c *Conn) sendData(ctx context.Context, stream uint16, seq uint64, flags protocol.Flags, data []byte) error {
	return c.send(ctx, protocol.PacketData, stream, seq, flags, data)
}

func (c *Conn) sendAck(stream uint16, cum uint64, sack []protocol.SeqRange) error {
	return c.send(c.session.Context(), protocol.PacketAck, stream, cum, 0, protocol.EncodeSACK(sack))
}

// --- read path ---

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		raw, err := c.pc.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.session.Close(qerrors.ErrSessionClosed)
			} else {
				c.session.Close(qerrors.NewProtocolError("transport", err))
			}
			return
		}
		c.handlePacket(raw)
	}
}

// drop counts a packet discarded for err.
func (c *Conn) drop(h protocol.Header, err error) {
	c.session.Stats.Dropped.Add(1)
	c.session.Stats.Errors.Add(1)
	reason := dropReason(err)
	c.obs.OnPacketDropped(reason)
	if c.logger.Enabled(metrics.LevelDebug) {
		c.logger.Debug("packet dropped", metrics.Fields{
			"type":   h.Type.String(),
			"stream": h.StreamID,
			"seq":    h.Sequence,
			"reason": reason,
		})
	}
}

// handlePacket validates, authenticates, and dispatches one inbound
// packet. Invalid packets are dropped; only repeated authentication
// failures and Disconnect end the session.
func (c *Conn) handlePacket(raw []byte) {
	data, err := c.cfg.Shaper.Unshape(raw)
	if err != nil {
		c.drop(protocol.Header{}, qerrors.ErrProtocol)
		return
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		c.drop(protocol.Header{}, err)
		return
	}
	h := pkt.Header

	// Cheap checks first: timestamp, packet type, stream replay window.
	if err := h.CheckTimestamp(c.cfg.Now(), constants.MaxClockSkew); err != nil {
		c.drop(h, err)
		return
	}
	switch h.Type {
	case protocol.PacketHandshakeInit, protocol.PacketHandshakeResponse:
		c.drop(h, qerrors.ErrProtocol)
		return
	case protocol.PacketData:
		if s, ok := c.mux.Stream(h.StreamID); ok {
			if err := s.replay.Check(h.Sequence); err != nil {
				c.obs.OnReplayDetected()
				c.drop(h, err)
				_ = c.mux.ack(s)
				return
			}
		}
	}

	body, nonce, err := c.open(pkt)
	if err != nil {
		switch {
		case qerrors.Is(err, qerrors.ErrKeysClosed):
		case qerrors.Is(err, qerrors.ErrAuthenticationFailed):
			c.authFailure(h)
		default:
			c.drop(h, err)
		}
		return
	}

	if h.Type != protocol.PacketData {
		if err := c.nonceReplay.Commit(binary.BigEndian.Uint64(nonce[4:])); err != nil {
			c.obs.OnReplayDetected()
			c.drop(h, err)
			return
		}
	}

	c.session.Touch()
	c.session.Stats.PacketsReceived.Add(1)
	c.session.Stats.BytesReceived.Add(uint64(len(raw)))

	switch h.Type {
	case protocol.PacketData:
		if err := c.mux.handleData(h, body); err != nil {
			switch {
			case qerrors.Is(err, qerrors.ErrInvalidSequence):
				c.obs.OnReplayDetected()
				c.drop(h, err)
			case qerrors.Is(err, qerrors.ErrStreamReset), qerrors.Is(err, qerrors.ErrSessionClosed):
			default:
				c.drop(h, err)
			}
		}
	case protocol.PacketAck:
		sack, err := protocol.DecodeSACK(body)
		if err != nil {
			c.drop(h, err)
			return
		}
		c.mux.handleAck(h.StreamID, h.Sequence, sack)
	case protocol.PacketKeepAlive:
	case protocol.PacketDisconnect:
		d, err := protocol.DecodeDisconnect(body)
		if err != nil {
			c.drop(h, err)
			return
		}
		c.logger.Info("peer disconnected", metrics.Fields{"code": d.Code.String()})
		c.closeOnce.Do(func() {
			c.session.setState(SessionDisconnecting)
			c.session.Close(qerrors.ErrorFor(d.Code))
		})
	}
}

// open authenticates and decrypts a packet payload on the worker pool.
func (c *Conn) open(pkt *protocol.Packet) ([]byte, [constants.NonceSize]byte, error) {
	var nonce [constants.NonceSize]byte
	inner, err := protocol.DecodeInnerPayload(pkt.Payload, c.keys.Overhead())
	if err != nil {
		return nil, nonce, err
	}
	nonce = inner.Nonce
	aad := innerAAD(pkt.Raw[:], inner.RealLength, inner.Compression, inner.Priority)
	sealed := inner.Sealed()

	ctx, end := c.obs.OnDecrypt(c.session.Context(), len(sealed))
	var plain []byte
	var openErr error
	err = c.cfg.WorkerPool.Do(ctx, func() {
		plain, openErr = c.keys.Open(nonce[:], sealed, aad)
	})
	if err == nil {
		err = openErr
	}
	end(err)
	if err != nil {
		return nil, nonce, err
	}

	body, err := protocol.Decompress(inner.Compression, plain)
	if err != nil {
		return nil, nonce, err
	}
	return body, nonce, nil
}

func (c *Conn) authFailure(h protocol.Header) {
	n := c.authFailures.Add(1)
	c.session.Stats.AuthFailures.Add(1)
	c.obs.OnAuthFailure()
	c.drop(h, qerrors.ErrAuthenticationFailed)
	if n > int64(c.cfg.AuthFailureThreshold) {
		c.fail(qerrors.ErrAuthenticationFailed)
	}
}

// --- timers ---

func (c *Conn) timerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.session.Done():
			return
		case <-c.rotateCh:
			_ = c.startRotation(false)
		case <-ticker.C:
			c.tick(c.cfg.Now())
		}
	}
}

func (c *Conn) tick(now time.Time) {
	if err := c.mux.retransmit(now); err != nil {
		c.fail(err)
		return
	}
	if c.session.IdleFor(now) >= c.cfg.ConnectionTimeout {
		c.fail(qerrors.ErrTimeout)
		return
	}
	if now.Sub(time.Unix(0, c.lastSend.Load())) >= c.cfg.KeepAliveInterval {
		_ = c.send(c.session.Context(), protocol.PacketKeepAlive, constants.ControlStreamID, 0, 0, nil)
	}
	if c.keys.ShouldRotate() {
		_ = c.startRotation(false)
	}
}

// --- key rotation ---

// onRotationTrigger runs on the sealing goroutine, so it only flags the
// timer loop.
func (c *Conn) onRotationTrigger(*keys.Manager) {
	c.rotateWanted.Store(true)
	signal(c.rotateCh)
}

// Rotate starts a key rotation now. The initiator prepares the next
// generation and announces it; the responder asks the initiator to.
func (c *Conn) Rotate() error {
	return c.startRotation(true)
}

// startRotation runs when a trigger fires. force skips the retry spacing.
func (c *Conn) startRotation(force bool) error {
	c.rotMu.Lock()
	defer c.rotMu.Unlock()

	now := c.cfg.Now()
	wanted := c.rotateWanted.Swap(false)
	if !force && !wanted && now.Sub(c.lastRotation) < rotationRetryInterval {
		return nil
	}
	c.lastRotation = now

	if c.session.Role == RoleResponder {
		c.mux.queueFrame(protocol.KeyUpdateRequestFrame())
		return nil
	}
	if c.keys.Pending() {
		// Announcing a second generation before the first is confirmed
		// would let the peers diverge.
		return nil
	}

	_, end := c.obs.OnRotationStart(c.session.Context(), c.keys.Generation()+1)
	r, err := c.keys.Prepare()
	end(err)
	if err != nil {
		c.logger.Warn("key rotation deferred", metrics.Fields{"error": err.Error()})
		return err
	}
	c.mux.queueFrame(protocol.KeyUpdateFrame(r.Generation, r.Entropy[:]))
	c.logger.Debug("key rotation announced", metrics.Fields{"generation": r.Generation})
	return nil
}

// keyFrame handles rotation control frames from the peer.
func (c *Conn) keyFrame(f protocol.Frame) {
	switch {
	case f.Type == protocol.FrameKeyUpdateRequest && c.session.Role == RoleInitiator:
		_ = c.startRotation(true)

	case f.Type == protocol.FrameKeyUpdate && c.session.Role == RoleResponder:
		_, end := c.obs.OnRotationStart(c.session.Context(), f.Generation)
		err := c.keys.Apply(&keys.Rotation{Generation: f.Generation, Entropy: f.Entropy})
		end(err)
		if err != nil {
			c.logger.Warn("peer key rotation rejected", metrics.Fields{
				"generation": f.Generation,
				"error":      err.Error(),
			})
			return
		}
		c.logger.Debug("key rotation applied", metrics.Fields{"generation": f.Generation})

	default:
		c.obs.OnProtocolError(qerrors.ErrProtocol)
	}
}
