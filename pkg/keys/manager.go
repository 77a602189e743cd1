package keys

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
)

// Direction is the first byte of every nonce. Each side seals with its own
// direction and refuses to open nonces carrying it, which blocks reflection
// of a peer's own packets back at it.
type Direction byte

// Directions
const (
	DirectionInitiator Direction = 0x01
	DirectionResponder Direction = 0x02
)

// Rotation describes a key generation change. It travels to the peer in a
// KeyUpdate control frame.
type Rotation struct {
	Generation uint64
	Entropy    [constants.RotationEntropySize]byte
}

// RotationHandler is called when a rotation trigger fires. It runs on the
// goroutine that called Seal and must not block.
type RotationHandler func(m *Manager)

// Options configures a Manager.
type Options struct {
	// Layers is the enabled layer set. Required.
	Layers crypto.LayerSet

	// Direction is the local nonce direction. Required.
	Direction Direction

	// RotationBytes triggers rotation after this many sealed bytes
	// (default 5 MiB).
	RotationBytes uint64

	// RotationInterval triggers rotation after this long (default 30m).
	RotationInterval time.Duration

	// FallbackWindow is the minimum time between local rotations, which is
	// also the minimum lifetime of the previous generation (default 5s).
	// Negative disables the window.
	FallbackWindow time.Duration

	// Handler coordinates rotation with the peer. When nil, the manager
	// rotates itself.
	Handler RotationHandler

	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.RotationBytes == 0 {
		o.RotationBytes = constants.DefaultRotationBytes
	}
	if o.RotationInterval == 0 {
		o.RotationInterval = constants.DefaultRotationInterval
	}
	if o.FallbackWindow == 0 {
		o.FallbackWindow = constants.DefaultFallbackWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type generation struct {
	keys        *SessionKeys
	pipe        *crypto.Pipeline
	installedAt time.Time
}

func newGeneration(k *SessionKeys, set crypto.LayerSet, now time.Time) (*generation, error) {
	p, err := crypto.NewPipeline(set, &k.Layers)
	if err != nil {
		return nil, err
	}
	return &generation{keys: k, pipe: p, installedAt: now}, nil
}

func (g *generation) zeroize() {
	if g != nil {
		g.keys.Zeroize()
	}
}

// Manager owns the current, previous, and pending key generations of one
// session and performs all packet sealing and opening.
//
// Seal and Open are safe for concurrent use. The nonce counter is
// monotonic across generations so a nonce is never reused under any key.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	current  *generation
	previous *generation
	pending  *generation
	closed   bool

	counter   atomic.Uint64
	sealed    atomic.Uint64 // bytes sealed since the last install
	notified  atomic.Bool   // trigger reported for the current generation
	rotations atomic.Uint64
	fallbacks atomic.Uint64
}

// New creates a manager with k as the current generation. The manager owns
// k and zeroizes it on Close.
func New(k *SessionKeys, opts Options) (*Manager, error) {
	if k == nil {
		return nil, qerrors.NewCryptoError("keys.New", qerrors.ErrInvalidKeySize)
	}
	if opts.Direction != DirectionInitiator && opts.Direction != DirectionResponder {
		return nil, qerrors.NewCryptoError("keys.New", qerrors.ErrInvalidConfig)
	}
	opts.setDefaults()

	g, err := newGeneration(k, opts.Layers, opts.Now())
	if err != nil {
		return nil, err
	}
	return &Manager{opts: opts, current: g}, nil
}

// Overhead returns the bytes Seal adds to a plaintext.
func (m *Manager) Overhead() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return m.current.pipe.Overhead()
}

// Layers returns the enabled layer set.
func (m *Manager) Layers() crypto.LayerSet { return m.opts.Layers }

// Direction returns the local nonce direction.
func (m *Manager) Direction() Direction { return m.opts.Direction }

// Generation returns the current generation number.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return m.current.keys.Generation
}

// AuthKey returns a copy of the current generation's authentication key.
func (m *Manager) AuthKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return append([]byte(nil), m.current.keys.Auth[:]...)
}

// Rotations returns how many generations have been installed.
func (m *Manager) Rotations() uint64 { return m.rotations.Load() }

// Fallbacks returns how many packets opened under the previous generation.
func (m *Manager) Fallbacks() uint64 { return m.fallbacks.Load() }

func (m *Manager) nextNonce() [constants.NonceSize]byte {
	var n [constants.NonceSize]byte
	n[0] = byte(m.opts.Direction)
	binary.BigEndian.PutUint64(n[4:], m.counter.Add(1))
	return n
}

// Seal encrypts plaintext under the current generation.
//
// Returns the nonce to transmit alongside the sealed bytes. Sealing counts
// toward the rotation trigger; when it fires the manager either rotates
// itself or reports it to the Handler, once per generation.
func (m *Manager) Seal(plaintext, aad []byte) ([constants.NonceSize]byte, []byte, error) {
	nonce := m.nextNonce()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nonce, nil, qerrors.ErrKeysClosed
	}
	out, err := m.current.pipe.Seal(nonce[:], plaintext, aad)
	m.mu.RUnlock()
	if err != nil {
		return nonce, nil, err
	}

	m.sealed.Add(uint64(len(plaintext)))
	m.checkTrigger()
	return nonce, out, nil
}

func (m *Manager) checkTrigger() {
	if !m.ShouldRotate() || !m.notified.CompareAndSwap(false, true) {
		return
	}
	if m.opts.Handler != nil {
		m.opts.Handler(m)
		return
	}
	if _, err := m.Rotate(); err != nil {
		// Retry on a later trigger.
		m.notified.Store(false)
	}
}

// ShouldRotate reports whether the byte or time trigger has fired for the
// current generation.
func (m *Manager) ShouldRotate() bool {
	if m.sealed.Load() >= m.opts.RotationBytes {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return false
	}
	return m.opts.Now().Sub(m.current.installedAt) >= m.opts.RotationInterval
}

// Open decrypts with fallback: the current generation, then the previous
// one, then a pending generation. Success under the pending generation
// confirms the peer installed it, and it becomes current.
func (m *Manager) Open(nonce, sealed, aad []byte) ([]byte, error) {
	if len(nonce) != constants.NonceSize || Direction(nonce[0]) == m.opts.Direction {
		return nil, qerrors.ErrAuthenticationFailed
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, qerrors.ErrKeysClosed
	}
	cur, prev, pend := m.current, m.previous, m.pending

	if pt, err := cur.pipe.Open(nonce, sealed, aad); err == nil {
		m.mu.RUnlock()
		return pt, nil
	}
	if prev != nil {
		if pt, err := prev.pipe.Open(nonce, sealed, aad); err == nil {
			m.mu.RUnlock()
			m.fallbacks.Add(1)
			return pt, nil
		}
	}
	var pt []byte
	var err error = qerrors.ErrAuthenticationFailed
	if pend != nil {
		pt, err = pend.pipe.Open(nonce, sealed, aad)
	}
	m.mu.RUnlock()
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}

	m.mu.Lock()
	if m.pending == pend {
		m.installLocked(pend)
	}
	m.mu.Unlock()
	return pt, nil
}

// installLocked makes g current and retires the old previous generation.
func (m *Manager) installLocked(g *generation) {
	m.previous.zeroize()
	m.previous = m.current
	m.current = g
	if m.pending == g {
		m.pending = nil
	}
	g.installedAt = m.opts.Now()
	m.sealed.Store(0)
	m.notified.Store(false)
	m.rotations.Add(1)
}

func (m *Manager) deriveLocked(from *generation, r *Rotation) (*generation, error) {
	next, err := from.keys.Next(r.Entropy[:])
	if err != nil {
		return nil, qerrors.NewCryptoError("rotate", qerrors.ErrKeyRotationFailure)
	}
	g, err := newGeneration(next, m.opts.Layers, m.opts.Now())
	if err != nil {
		next.Zeroize()
		return nil, qerrors.NewCryptoError("rotate", qerrors.ErrKeyRotationFailure)
	}
	return g, nil
}

func (m *Manager) newRotationLocked() (*Rotation, error) {
	if m.closed {
		return nil, qerrors.ErrKeysClosed
	}
	if w := m.opts.FallbackWindow; w > 0 && m.previous != nil &&
		m.opts.Now().Sub(m.current.installedAt) < w {
		return nil, qerrors.NewCryptoError("rotate", qerrors.ErrKeyRotationFailure)
	}
	r := &Rotation{Generation: m.current.keys.Generation + 1}
	if err := crypto.SecureRandom(r.Entropy[:]); err != nil {
		return nil, qerrors.NewCryptoError("rotate", qerrors.ErrKeyRotationFailure)
	}
	return r, nil
}

// Rotate derives and installs the next generation immediately.
//
// It is refused with ErrKeyRotationFailure inside the fallback window of
// the previous rotation; the current generation stays in use.
func (m *Manager) Rotate() (*Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.newRotationLocked()
	if err != nil {
		return nil, err
	}
	g, err := m.deriveLocked(m.current, r)
	if err != nil {
		return nil, err
	}
	m.pending.zeroize()
	m.pending = nil
	m.installLocked(g)
	return r, nil
}

// Prepare derives the next generation and holds it as pending. The caller
// sends the returned Rotation to the peer; the generation is installed when
// the peer's first packet under it opens, or on Commit.
//
// Preparing again before installation replaces the pending generation.
func (m *Manager) Prepare() (*Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.newRotationLocked()
	if err != nil {
		m.notified.Store(false)
		return nil, err
	}
	g, err := m.deriveLocked(m.current, r)
	if err != nil {
		m.notified.Store(false)
		return nil, err
	}
	m.pending.zeroize()
	m.pending = g
	return r, nil
}

// Commit installs the pending generation if it matches gen.
func (m *Manager) Commit(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || m.pending.keys.Generation != gen {
		return false
	}
	m.installLocked(m.pending)
	return true
}

// Pending reports whether a prepared generation awaits installation.
func (m *Manager) Pending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending != nil
}

// Apply installs a rotation announced by the peer. Duplicates of the
// current generation are ignored; a gap of more than one generation fails
// with ErrKeyRotationFailure.
func (m *Manager) Apply(r *Rotation) error {
	if r == nil {
		return qerrors.NewCryptoError("apply", qerrors.ErrKeyRotationFailure)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return qerrors.ErrKeysClosed
	}
	cur := m.current.keys.Generation
	switch {
	case r.Generation <= cur:
		return nil
	case r.Generation != cur+1:
		return qerrors.NewCryptoError("apply", qerrors.ErrKeyRotationFailure)
	}

	g, err := m.deriveLocked(m.current, r)
	if err != nil {
		return err
	}
	m.pending.zeroize()
	m.pending = nil
	m.installLocked(g)
	return nil
}

// Close zeroizes every generation. Further Seal and Open calls fail with
// ErrKeysClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.current.zeroize()
	m.previous.zeroize()
	m.pending.zeroize()
	m.previous = nil
	m.pending = nil
}
