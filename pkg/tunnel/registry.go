package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/metrics"
)

const registryShards = 16

type registryShard struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxConnections caps live sessions (default 1000)
	MaxConnections int

	// ConnectionTimeout is the idle time after which Sweep closes a
	// session (default 300s)
	ConnectionTimeout time.Duration

	// SweepInterval is the Run ticker period (default 60s)
	SweepInterval time.Duration

	Logger *metrics.Logger
	Now    func() time.Time
}

// AggregateStats sums counters across live sessions.
type AggregateStats struct {
	Sessions  int
	Active    int
	Traffic   StatsSnapshot
	Capacity  int
	Timeout   time.Duration
	Collected time.Time
}

// Registry tracks live sessions by ID. It is sharded so lookups on the
// packet path rarely contend.
type Registry struct {
	shards [registryShards]registryShard
	count  atomic.Int64

	max      int64
	timeout  time.Duration
	interval time.Duration
	logger   *metrics.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxConnections
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = constants.DefaultConnectionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = metrics.NullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		max:      int64(cfg.MaxConnections),
		timeout:  cfg.ConnectionTimeout,
		interval: cfg.SweepInterval,
		logger:   cfg.Logger.Named("registry"),
		now:      cfg.Now,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[SessionID]*Session)
	}
	return r
}

func (r *Registry) shard(id SessionID) *registryShard {
	return &r.shards[int(id[15])%registryShards]
}

// reserve claims one connection slot.
func (r *Registry) reserve() bool {
	for {
		n := r.count.Load()
		if n >= r.max {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Full reports whether the registry is at capacity. Servers use it as a
// cheap pre-check before spending work on a handshake.
func (r *Registry) Full() bool {
	return r.count.Load() >= r.max
}

// CreateSession registers a new session in the Handshaking state.
//
// Returns ErrTooManyConnections when the registry is at capacity. The
// session removes itself from the registry when closed.
func (r *Registry) CreateSession(role Role, peer net.Addr) (*Session, error) {
	return r.createSession(uuid.New(), role, peer)
}

// AdoptSession registers a session under an ID chosen elsewhere, such as
// the token a server sent to this client.
func (r *Registry) AdoptSession(id SessionID, role Role, peer net.Addr) (*Session, error) {
	return r.createSession(id, role, peer)
}

func (r *Registry) createSession(id SessionID, role Role, peer net.Addr) (*Session, error) {
	if !r.reserve() {
		return nil, qerrors.ErrTooManyConnections
	}

	s := newSession(id, role, peer, r.now)
	sh := r.shard(id)
	sh.mu.Lock()
	if _, exists := sh.sessions[id]; exists {
		sh.mu.Unlock()
		r.count.Add(-1)
		return nil, qerrors.NewProtocolError("registry", qerrors.ErrProtocol)
	}
	sh.sessions[id] = s
	sh.mu.Unlock()

	s.OnClose(func(error) { r.Remove(id) })
	return s, nil
}

// Get looks up a session.
func (r *Registry) Get(id SessionID) (*Session, error) {
	sh := r.shard(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, qerrors.ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes a session without closing it. It reports whether the
// session was present.
func (r *Registry) Remove(id SessionID) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()
	if ok {
		r.count.Add(-1)
	}
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls fn for every session until fn returns false. fn must not
// call back into the registry's mutating methods.
func (r *Registry) Range(fn func(*Session) bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		list := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()

		for _, s := range list {
			if !fn(s) {
				return
			}
		}
	}
}

// Stats aggregates counters across sessions.
func (r *Registry) Stats() AggregateStats {
	agg := AggregateStats{
		Capacity:  int(r.max),
		Timeout:   r.timeout,
		Collected: r.now(),
	}
	r.Range(func(s *Session) bool {
		agg.Sessions++
		if s.State() == SessionActive {
			agg.Active++
		}
		snap := s.Stats.Snapshot()
		agg.Traffic.PacketsSent += snap.PacketsSent
		agg.Traffic.PacketsReceived += snap.PacketsReceived
		agg.Traffic.BytesSent += snap.BytesSent
		agg.Traffic.BytesReceived += snap.BytesReceived
		agg.Traffic.Errors += snap.Errors
		agg.Traffic.Dropped += snap.Dropped
		agg.Traffic.AuthFailures += snap.AuthFailures
		agg.Traffic.Retransmits += snap.Retransmits
		return true
	})
	return agg
}

// Sweep closes sessions idle for at least the connection timeout and drops
// already-closed records. It returns how many sessions were removed.
func (r *Registry) Sweep(now time.Time) int {
	var stale []*Session
	r.Range(func(s *Session) bool {
		if s.State() == SessionClosed || s.IdleFor(now) >= r.timeout {
			stale = append(stale, s)
		}
		return true
	})

	removed := 0
	for _, s := range stale {
		if s.State() != SessionClosed {
			s.Close(qerrors.ErrTimeout)
		}
		r.Remove(s.ID)
		removed++
	}
	if removed > 0 {
		r.logger.Info("swept idle sessions", metrics.Fields{
			"removed":   removed,
			"remaining": r.Len(),
		})
	}
	return removed
}

// Run sweeps on every interval tick until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll closes every session with reason.
func (r *Registry) CloseAll(reason error) {
	r.Range(func(s *Session) bool {
		s.Close(reason)
		return true
	})
}
