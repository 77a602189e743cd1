package tunnel

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connSlots caps the carriers one remote address may hold open at once.
type connSlots struct {
	max int // <= 0 means unlimited

	mu   sync.Mutex
	held map[string]int
}

func newConnSlots(max int) *connSlots {
	return &connSlots{max: max, held: make(map[string]int)}
}

// acquire takes a slot for ip. The returned release may be called any
// number of times; only the first call frees the slot.
func (s *connSlots) acquire(ip string) (release func(), ok bool) {
	if s.max <= 0 {
		return func() {}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[ip] >= s.max {
		return nil, false
	}
	s.held[ip]++

	var once sync.Once
	return func() { once.Do(func() { s.free(ip) }) }, true
}

func (s *connSlots) free(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n := s.held[ip]; {
	case n > 1:
		s.held[ip] = n - 1
	case n == 1:
		delete(s.held, ip)
	}
}

// inUse returns the slots ip holds.
func (s *connSlots) inUse(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[ip]
}

// handshakeGate is the server-wide token bucket consulted before a puzzle
// is issued.
type handshakeGate struct {
	lim *rate.Limiter
	now func() time.Time
}

// newHandshakeGate admits perSecond handshakes with bursts of up to burst.
// A non-positive rate admits everything.
func newHandshakeGate(perSecond float64, burst int, now func() time.Time) *handshakeGate {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &handshakeGate{lim: rate.NewLimiter(limit, max(burst, 1)), now: now}
}

func (g *handshakeGate) allow() bool { return g.lim.AllowN(g.now(), 1) }

// slotConn gives back its connection slot on Close.
type slotConn struct {
	PacketConn
	release func()
}

func (c *slotConn) Close() error {
	c.release()
	return c.PacketConn.Close()
}

// remoteIP is the per-address accounting key for addr. IPv4-mapped IPv6
// addresses count as their IPv4 form.
func remoteIP(addr net.Addr) string {
	var ip net.IP
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
			return ap.Addr().Unmap().String()
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
	if a, ok := netip.AddrFromSlice(ip); ok {
		return a.Unmap().String()
	}
	return ip.String()
}
