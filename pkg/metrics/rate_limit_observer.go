package metrics

import (
	"sync"
	"time"
)

// rejectLogInterval is the minimum gap between two log lines for the same
// rejection reason and address. Counters are always updated.
const rejectLogInterval = 10 * time.Second

// maxRejectKeys bounds the throttle table; older entries are pruned first.
const maxRejectKeys = 4096

type rejectReason uint8

const (
	rejectConnectionRate rejectReason = iota
	rejectHandshakeRate
	rejectCapacity
)

var rejectMessages = [...]string{
	rejectConnectionRate: "connection rate limit exceeded",
	rejectHandshakeRate:  "handshake rate limit exceeded",
	rejectCapacity:       "session capacity reached",
}

type rejectKey struct {
	reason rejectReason
	ip     string
}

type rejectState struct {
	logged     time.Time
	suppressed uint64
}

// RateLimitObserver counts admission rejections from the tunnel server and
// logs them, throttled per address. It satisfies tunnel.RateLimitObserver.
type RateLimitObserver struct {
	collector *Collector
	logger    *Logger
	now       func() time.Time

	mu    sync.Mutex
	state map[rejectKey]*rejectState
}

func NewRateLimitObserver(collector *Collector, logger *Logger) *RateLimitObserver {
	if collector == nil {
		collector = NewCollector(nil)
	}
	if logger == nil {
		logger = NullLogger()
	}
	return &RateLimitObserver{
		collector: collector,
		logger:    logger.Named("rate_limit"),
		now:       time.Now,
		state:     make(map[rejectKey]*rejectState),
	}
}

func (o *RateLimitObserver) OnConnectionRateLimit(remoteIP string) {
	o.collector.RecordConnectionRateLimit()
	o.reject(rejectConnectionRate, remoteIP)
}

func (o *RateLimitObserver) OnHandshakeRateLimit(remoteIP string) {
	o.collector.RecordHandshakeRateLimit()
	o.reject(rejectHandshakeRate, remoteIP)
}

func (o *RateLimitObserver) OnCapacityReached(remoteIP string) {
	o.collector.RecordCapacityRejection()
	o.reject(rejectCapacity, remoteIP)
}

func (o *RateLimitObserver) reject(reason rejectReason, ip string) {
	if !o.logger.Enabled(LevelWarn) {
		return
	}
	suppressed, ok := o.admitLog(rejectKey{reason, ip})
	if !ok {
		return
	}
	fields := Fields{}
	if ip != "" {
		fields["remote_ip"] = ip
	}
	if suppressed > 0 {
		fields["suppressed"] = suppressed
	}
	o.logger.Warn(rejectMessages[reason], fields)
}

// admitLog reports whether key may be logged now, and how many events were
// swallowed since it was last logged.
func (o *RateLimitObserver) admitLog(key rejectKey) (uint64, bool) {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.state[key]
	if ok && now.Sub(st.logged) < rejectLogInterval {
		st.suppressed++
		return 0, false
	}
	if !ok {
		if len(o.state) >= maxRejectKeys {
			o.prune(now)
		}
		st = &rejectState{}
		o.state[key] = st
	}
	n := st.suppressed
	st.logged, st.suppressed = now, 0
	return n, true
}

// prune drops expired entries, or everything when none have expired.
func (o *RateLimitObserver) prune(now time.Time) {
	for k, st := range o.state {
		if now.Sub(st.logged) >= rejectLogInterval {
			delete(o.state, k)
		}
	}
	if len(o.state) >= maxRejectKeys {
		clear(o.state)
	}
}
