package tunnel

import (
	"crypto/ed25519"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/protocol"
)

// Config configures clients, servers, and the connections they run.
// Zero values select the documented defaults.
type Config struct {
	// Layers is the requested crypto layer set (default all three). The
	// QRL layer is dropped for a session when the peer does not agree to
	// the post-quantum exchange.
	Layers crypto.LayerSet

	// Curves in preference order (default X25519, P-384, P-256)
	Curves []constants.Curve

	// Identity is the client's Ed25519 signing key. A fresh key is
	// generated per handshake when nil.
	Identity ed25519.PrivateKey

	// AuthorizedKeys restricts which client identities a server accepts.
	// Empty accepts any identity.
	AuthorizedKeys []ed25519.PublicKey

	// PuzzleDifficulty is the leading zero bits required of the client's
	// proof of work (default 16). Negative disables the puzzle.
	PuzzleDifficulty int

	// HandshakeTimeout bounds each handshake message wait (default 30s)
	HandshakeTimeout time.Duration

	// Key rotation
	RotationBytes    uint64
	RotationInterval time.Duration
	FallbackWindow   time.Duration

	// MaxConnections caps server sessions (default 1000)
	MaxConnections int

	// MaxStreams caps streams per session including control stream 0
	// (default 256)
	MaxStreams int

	// InitialWindow is each stream's starting flow-control window
	// (default 256 KiB, at most 16 MiB)
	InitialWindow uint32

	// ConnectionTimeout closes sessions idle this long (default 300s)
	ConnectionTimeout time.Duration

	// SweepInterval is the registry cleanup period (default 60s)
	SweepInterval time.Duration

	// KeepAliveInterval is the idle time before a KeepAlive is sent
	// (default 15s)
	KeepAliveInterval time.Duration

	// AuthFailureThreshold is how many packets may fail authentication
	// before the session is torn down (default 16)
	AuthFailureThreshold int

	// Compression applied to payloads before sealing
	Compression protocol.Compression

	// PaddingBlock pads inner payloads to a multiple of this size.
	// Zero or one disables padding.
	PaddingBlock int

	// Admission control (server). Non-positive values disable each limit.
	MaxConnectionsPerIP int
	HandshakeRate       float64
	HandshakeBurst      int

	// Workers bounds concurrent packet crypto (default GOMAXPROCS).
	// Ignored when WorkerPool is set.
	Workers    int
	WorkerPool *WorkerPool

	// StatsInterval is how often a server logs registry statistics
	// (default 60s, negative disables)
	StatsInterval time.Duration

	Shaper            Shaper
	Router            Router
	Logger            *metrics.Logger
	Observer          Observer
	ObserverFactory   ObserverFactory
	RateLimitObserver RateLimitObserver

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Layers == 0 {
		c.Layers = crypto.LayersAll
	}
	if len(c.Curves) == 0 {
		c.Curves = append([]constants.Curve(nil), constants.PreferredCurves...)
	}
	if c.PuzzleDifficulty == 0 {
		c.PuzzleDifficulty = constants.DefaultPuzzleDifficulty
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = constants.DefaultMaxConnections
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = constants.MaxStreams
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = constants.DefaultWindowSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = constants.DefaultConnectionTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = constants.DefaultSweepInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = constants.DefaultKeepAliveInterval
	}
	if c.AuthFailureThreshold <= 0 {
		c.AuthFailureThreshold = constants.DefaultAuthFailureThreshold
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = constants.DefaultSweepInterval
	}
	if c.WorkerPool == nil {
		c.WorkerPool = NewWorkerPool(c.Workers)
	}
	if c.Shaper == nil {
		c.Shaper = IdentityShaper{}
	}
	if c.Logger == nil {
		c.Logger = metrics.NullLogger()
	}
	if c.RateLimitObserver == nil {
		c.RateLimitObserver = nopRateLimitObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks option ranges. Defaults must already be applied.
func (c *Config) Validate() error {
	switch {
	case c.Layers&^crypto.LayersAll != 0:
		return qerrors.NewProtocolError("config: layers", qerrors.ErrInvalidConfig)
	case c.PuzzleDifficulty > constants.MaxPuzzleDifficulty:
		return qerrors.NewProtocolError("config: puzzle_difficulty", qerrors.ErrInvalidConfig)
	case c.MaxStreams > constants.MaxStreams:
		return qerrors.NewProtocolError("config: max_streams", qerrors.ErrInvalidConfig)
	case c.InitialWindow > constants.MaxWindowSize:
		return qerrors.NewProtocolError("config: initial_window", qerrors.ErrInvalidConfig)
	case !c.Compression.IsValid():
		return qerrors.NewProtocolError("config: compression", qerrors.ErrInvalidConfig)
	case c.Identity != nil && len(c.Identity) != ed25519.PrivateKeySize:
		return qerrors.NewProtocolError("config: identity", qerrors.ErrInvalidConfig)
	}
	for _, cv := range c.Curves {
		if !cv.IsSupported() {
			return qerrors.NewProtocolError("config: curves", qerrors.ErrInvalidConfig)
		}
	}
	return nil
}

// prepare copies c, fills defaults and validates.
func (c *Config) prepare() (*Config, error) {
	var cfg Config
	if c != nil {
		cfg = *c
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) puzzleDifficulty() uint8 {
	if c.PuzzleDifficulty < 0 {
		return 0
	}
	return uint8(c.PuzzleDifficulty)
}
