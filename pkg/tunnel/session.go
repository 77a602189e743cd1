// Package tunnel implements the LLP session engine: the handshake state
// machine, the session registry, stream multiplexing with flow control and
// reliability, and the per-connection runtime that ties them to a
// transport.
//
// The tunnel provides:
//   - Layered encryption (ECC, HSE, QRL) with generation-based key rotation
//   - Admission control through rate limits and a proof-of-work puzzle
//   - Up to 256 multiplexed streams per session with windowed flow control
//   - Selective acknowledgement, fast retransmit, and RTT-based timeouts
//   - Per-stream replay protection through sequence numbers
package tunnel

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/keys"
)

// SessionID identifies a session. The server assigns it and sends it to
// the client as the session token.
type SessionID = uuid.UUID

// SessionState represents the current state of a session.
type SessionState int32

const (
	// SessionHandshaking indicates the handshake is in progress
	SessionHandshaking SessionState = iota

	// SessionActive indicates the session carries traffic
	SessionActive

	// SessionDisconnecting indicates a Disconnect was sent or received
	SessionDisconnecting

	// SessionClosed indicates the session has been terminated
	SessionClosed
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case SessionHandshaking:
		return "Handshaking"
	case SessionActive:
		return "Active"
	case SessionDisconnecting:
		return "Disconnecting"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Role indicates whether this endpoint is the initiator or responder.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// String returns "initiator" or "responder".
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

func (r Role) direction() keys.Direction {
	if r == RoleInitiator {
		return keys.DirectionInitiator
	}
	return keys.DirectionResponder
}

// Stats holds per-session counters. They are statistics only and use
// relaxed atomic updates.
type Stats struct {
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	Errors          atomic.Uint64
	Dropped         atomic.Uint64
	AuthFailures    atomic.Uint64
	Retransmits     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
	Dropped         uint64
	AuthFailures    uint64
	Retransmits     uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		Errors:          s.Errors.Load(),
		Dropped:         s.Dropped.Load(),
		AuthFailures:    s.AuthFailures.Load(),
		Retransmits:     s.Retransmits.Load(),
	}
}

// Session is the state of one peer relationship.
type Session struct {
	// ID is the session identifier shared by both peers
	ID SessionID

	// Role of this endpoint
	Role Role

	// Peer is the remote transport address
	Peer net.Addr

	// PeerIdentity is the client's Ed25519 identity key (server side)
	PeerIdentity ed25519.PublicKey

	// CreatedAt is when the session record was created
	CreatedAt time.Time

	// Stats are the session traffic counters
	Stats Stats

	state        atomic.Int32
	lastActivity atomic.Int64
	keys         atomic.Pointer[keys.Manager]
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closeReason error
	onClose     []func(error)
	closeOnce   sync.Once
}

func newSession(id SessionID, role Role, peer net.Addr, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Role:      role,
		Peer:      peer,
		CreatedAt: now(),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.state.Store(int32(SessionHandshaking))
	s.Touch()
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState moves the session forward. A closed session never reopens.
func (s *Session) setState(state SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) == SessionClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

// Activate marks the handshake complete and installs the key manager.
func (s *Session) Activate(m *keys.Manager) {
	s.keys.Store(m)
	s.setState(SessionActive)
	s.Touch()
}

// Keys returns the session key manager, or nil before activation.
func (s *Session) Keys() *keys.Manager {
	return s.keys.Load()
}

// Touch records activity.
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the reason the session closed, or nil while open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// OnClose registers fn to run once when the session closes. If the session
// is already closed, fn runs immediately.
func (s *Session) OnClose(fn func(error)) {
	s.mu.Lock()
	if s.State() == SessionClosed {
		reason := s.closeReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close tears the session down: close hooks run (stream teardown, registry
// removal), keys are zeroized, and the session context is cancelled.
// Closing twice is a no-op.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = qerrors.ErrSessionClosed
		}

		s.mu.Lock()
		s.closeReason = reason
		s.state.Store(int32(SessionClosed))
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i](reason)
		}
		if m := s.keys.Load(); m != nil {
			m.Close()
		}
		s.cancel()
	})
}
