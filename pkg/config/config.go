// Package config loads LLP server and client settings from YAML.
//
// A file selects a security mode, which presets the crypto layers, and may
// override individual layers and limits:
//
//	mode: balanced
//	server:
//	  listen: 0.0.0.0:8443
//	  transport: quic
//	crypto:
//	  qrl_enabled: true
//	  key_rotation_interval: 20m
//	limits:
//	  max_streams_per_connection: 64
//	  connection_timeout: 300   # seconds, or a duration string
//
// Environment variables prefixed LLP_ override the file.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/protocol"
	"github.com/lostlove-net/llp/pkg/transport"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

// Mode is a security preset.
type Mode string

const (
	// ModePerformance enables only the hybrid stream layer.
	ModePerformance Mode = "performance"
	// ModeBalanced enables the ECC and hybrid layers.
	ModeBalanced Mode = "balanced"
	// ModeMaximumSecurity enables every layer and pads payloads.
	ModeMaximumSecurity Mode = "maximum_security"
)

// maximumSecurityPadding is the padding block used by ModeMaximumSecurity
// when none is configured.
const maximumSecurityPadding = 256

// MTU bounds.
const (
	MinMTU     = 576
	MaxMTU     = 9000
	DefaultMTU = 1400
)

// Duration is a time.Duration that decodes from a Go duration string
// ("90s", "30m") or from a bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete file layout.
type Config struct {
	Mode Mode `yaml:"mode"`

	Server struct {
		Listen              string  `yaml:"listen"`
		Transport           string  `yaml:"transport"`
		MaxConnections      int     `yaml:"max_connections"`
		MaxConnectionsPerIP int     `yaml:"max_connections_per_ip,omitempty"`
		HandshakeRate       float64 `yaml:"handshake_rate,omitempty"`
		HandshakeBurst      int     `yaml:"handshake_burst,omitempty"`
		WorkerThreads       int     `yaml:"worker_threads,omitempty"`
	} `yaml:"server"`

	Client struct {
		Server      string `yaml:"server,omitempty"`
		IdentityKey string `yaml:"identity_key,omitempty"`
	} `yaml:"client"`

	Crypto struct {
		ECCEnabled          *bool    `yaml:"ecc_enabled,omitempty"`
		HSEEnabled          *bool    `yaml:"hse_enabled,omitempty"`
		QRLEnabled          *bool    `yaml:"qrl_enabled,omitempty"`
		KeyRotationInterval Duration `yaml:"key_rotation_interval"`
		KeyRotationBytes    uint64   `yaml:"key_rotation_bytes"`
		PuzzleDifficulty    int      `yaml:"puzzle_difficulty"`
		Compression         string   `yaml:"compression,omitempty"`
		PaddingBlock        int      `yaml:"padding_block,omitempty"`
		AuthorizedKeys      []string `yaml:"authorized_keys,omitempty"`
	} `yaml:"crypto"`

	Limits struct {
		MaxStreamsPerConnection int      `yaml:"max_streams_per_connection"`
		ConnectionTimeout       Duration `yaml:"connection_timeout"`
		HandshakeTimeout        Duration `yaml:"handshake_timeout"`
		AuthFailureThreshold    int      `yaml:"auth_failure_threshold"`
		SweepInterval           Duration `yaml:"sweep_interval"`
		KeepAliveInterval       Duration `yaml:"keepalive_interval"`
		MTU                     int      `yaml:"mtu"`
	} `yaml:"limits"`

	Monitoring struct {
		MetricsListen string `yaml:"metrics_listen,omitempty"`
		LogLevel      string `yaml:"log_level"`
		LogFormat     string `yaml:"log_format"`
	} `yaml:"monitoring"`
}

// Default returns the balanced configuration with every default filled in.
func Default() *Config {
	c := &Config{Mode: ModeBalanced}

	c.Server.Listen = "0.0.0.0:8443"
	c.Server.Transport = string(transport.KindTCP)
	c.Server.MaxConnections = constants.DefaultMaxConnections

	c.Crypto.KeyRotationInterval = Duration(constants.DefaultRotationInterval)
	c.Crypto.KeyRotationBytes = constants.DefaultRotationBytes
	c.Crypto.PuzzleDifficulty = constants.DefaultPuzzleDifficulty
	c.Crypto.Compression = protocol.CompressionNone.String()

	c.Limits.MaxStreamsPerConnection = constants.MaxStreams
	c.Limits.ConnectionTimeout = Duration(constants.DefaultConnectionTimeout)
	c.Limits.HandshakeTimeout = Duration(constants.DefaultHandshakeTimeout)
	c.Limits.AuthFailureThreshold = constants.DefaultAuthFailureThreshold
	c.Limits.SweepInterval = Duration(constants.DefaultSweepInterval)
	c.Limits.KeepAliveInterval = Duration(constants.DefaultKeepAliveInterval)
	c.Limits.MTU = DefaultMTU

	c.Monitoring.LogLevel = "info"
	c.Monitoring.LogFormat = "text"
	return c
}

// Load reads path over the defaults, applies LLP_ environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result. It does
// not consult the environment.
func Parse(data []byte) (*Config, error) {
	c, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return c, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// applyEnv overrides fields from LLP_ variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LLP_MODE":           (*string)(&c.Mode),
		"LLP_LISTEN":         &c.Server.Listen,
		"LLP_TRANSPORT":      &c.Server.Transport,
		"LLP_SERVER":         &c.Client.Server,
		"LLP_IDENTITY_KEY":   &c.Client.IdentityKey,
		"LLP_COMPRESSION":    &c.Crypto.Compression,
		"LLP_METRICS_LISTEN": &c.Monitoring.MetricsListen,
		"LLP_LOG_LEVEL":      &c.Monitoring.LogLevel,
		"LLP_LOG_FORMAT":     &c.Monitoring.LogFormat,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("LLP_MAX_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LLP_MAX_CONNECTIONS: %w", err)
		}
		c.Server.MaxConnections = n
	}
	for name, dst := range map[string]**bool{
		"LLP_ECC_ENABLED": &c.Crypto.ECCEnabled,
		"LLP_HSE_ENABLED": &c.Crypto.HSEEnabled,
		"LLP_QRL_ENABLED": &c.Crypto.QRLEnabled,
	} {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = &b
		}
	}
	return nil
}

// Layers resolves the mode preset and explicit layer switches.
func (c *Config) Layers() crypto.LayerSet {
	var ecc, hse, qrl bool
	switch c.Mode {
	case ModePerformance:
		hse = true
	case ModeMaximumSecurity:
		ecc, hse, qrl = true, true, true
	default:
		ecc, hse = true, true
	}
	if c.Crypto.ECCEnabled != nil {
		ecc = *c.Crypto.ECCEnabled
	}
	if c.Crypto.HSEEnabled != nil {
		hse = *c.Crypto.HSEEnabled
	}
	if c.Crypto.QRLEnabled != nil {
		qrl = *c.Crypto.QRLEnabled
	}
	return crypto.NewLayerSet(ecc, hse, qrl)
}

// PaddingBlock returns the configured padding, defaulting for
// ModeMaximumSecurity.
func (c *Config) PaddingBlock() int {
	if c.Crypto.PaddingBlock == 0 && c.Mode == ModeMaximumSecurity {
		return maximumSecurityPadding
	}
	return c.Crypto.PaddingBlock
}

func invalid(field string, format string, args ...interface{}) error {
	return fmt.Errorf("config: %s: %s: %w", field, fmt.Sprintf(format, args...), qerrors.ErrInvalidConfig)
}

// Validate checks every field. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePerformance, ModeBalanced, ModeMaximumSecurity:
	default:
		return invalid("mode", "unknown mode %q", c.Mode)
	}
	if c.Layers() == 0 {
		return invalid("crypto", "no layer enabled")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		return err
	}
	if _, err := transport.ParseKind(c.Server.Transport); err != nil {
		return invalid("server.transport", "unknown transport %q", c.Server.Transport)
	}
	if c.Server.MaxConnections <= 0 {
		return invalid("server.max_connections", "must be positive")
	}
	if c.Server.WorkerThreads < 0 {
		return invalid("server.worker_threads", "must not be negative")
	}

	interval := c.Crypto.KeyRotationInterval.Std()
	if interval < constants.MinRotationInterval || interval > constants.MaxRotationInterval {
		return invalid("crypto.key_rotation_interval", "%s outside [%s, %s]",
			interval, constants.MinRotationInterval, constants.MaxRotationInterval)
	}
	if c.Crypto.KeyRotationBytes == 0 {
		return invalid("crypto.key_rotation_bytes", "must be positive")
	}
	if c.Crypto.PuzzleDifficulty > constants.MaxPuzzleDifficulty {
		return invalid("crypto.puzzle_difficulty", "at most %d", constants.MaxPuzzleDifficulty)
	}
	if _, ok := protocol.ParseCompression(c.Crypto.Compression); !ok {
		return invalid("crypto.compression", "unknown algorithm %q", c.Crypto.Compression)
	}
	if c.Crypto.PaddingBlock < 0 || c.Crypto.PaddingBlock > constants.MaxSegmentSize {
		return invalid("crypto.padding_block", "must be within [0, %d]", constants.MaxSegmentSize)
	}
	if _, err := c.AuthorizedKeys(); err != nil {
		return err
	}
	if c.Client.IdentityKey != "" {
		if _, err := c.Identity(); err != nil {
			return err
		}
	}

	if n := c.Limits.MaxStreamsPerConnection; n < 2 || n > constants.MaxStreams {
		return invalid("limits.max_streams_per_connection", "%d outside [2, %d]", n, constants.MaxStreams)
	}
	if c.Limits.ConnectionTimeout <= 0 {
		return invalid("limits.connection_timeout", "must be positive")
	}
	if c.Limits.HandshakeTimeout <= 0 {
		return invalid("limits.handshake_timeout", "must be positive")
	}
	if c.Limits.AuthFailureThreshold <= 0 {
		return invalid("limits.auth_failure_threshold", "must be positive")
	}
	if c.Limits.SweepInterval <= 0 || c.Limits.KeepAliveInterval <= 0 {
		return invalid("limits", "sweep and keepalive intervals must be positive")
	}
	if c.Limits.MTU < MinMTU || c.Limits.MTU > MaxMTU {
		return invalid("limits.mtu", "%d outside [%d, %d]", c.Limits.MTU, MinMTU, MaxMTU)
	}

	if c.Monitoring.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.Monitoring.MetricsListen); err != nil {
			return invalid("monitoring.metrics_listen", "%v", err)
		}
	}
	switch strings.ToLower(c.Monitoring.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "silent", "off", "none":
	default:
		return invalid("monitoring.log_level", "unknown level %q", c.Monitoring.LogLevel)
	}
	switch c.Monitoring.LogFormat {
	case "text", "json":
	default:
		return invalid("monitoring.log_format", "unknown format %q", c.Monitoring.LogFormat)
	}
	return nil
}

func validateListen(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return invalid("server.listen", "%v", err)
	}
	if host == "" && !strings.HasPrefix(addr, ":") {
		return invalid("server.listen", "missing host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return invalid("server.listen", "port %q outside [1, 65535]", port)
	}
	return nil
}

// AuthorizedKeys decodes the hex-encoded client identities.
func (c *Config) AuthorizedKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.Crypto.AuthorizedKeys))
	for i, s := range c.Crypto.AuthorizedKeys {
		b, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil || len(b) != ed25519.PublicKeySize {
			return nil, invalid(fmt.Sprintf("crypto.authorized_keys[%d]", i), "want %d hex-encoded bytes", ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(b))
	}
	return keys, nil
}

// Identity decodes the client's hex-encoded Ed25519 seed. It returns nil
// when none is configured.
func (c *Config) Identity() (ed25519.PrivateKey, error) {
	if c.Client.IdentityKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(strings.TrimSpace(c.Client.IdentityKey))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, invalid("client.identity_key", "want a %d-byte hex seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// TransportKind returns the parsed carrier name.
func (c *Config) TransportKind() transport.Kind {
	kind, _ := transport.ParseKind(c.Server.Transport)
	return kind
}

// Logger builds the configured logger writing to stderr.
func (c *Config) Logger() *metrics.Logger {
	format := metrics.FormatText
	if c.Monitoring.LogFormat == "json" {
		format = metrics.FormatJSON
	}
	return metrics.NewLogger(
		metrics.WithOutput(os.Stderr),
		metrics.WithLevel(metrics.ParseLevel(c.Monitoring.LogLevel)),
		metrics.WithFormat(format),
	)
}

// TunnelConfig maps c onto a tunnel configuration. logger may be nil.
func (c *Config) TunnelConfig(logger *metrics.Logger) (*tunnel.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	authorized, _ := c.AuthorizedKeys()
	identity, _ := c.Identity()
	comp, _ := protocol.ParseCompression(c.Crypto.Compression)

	puzzle := c.Crypto.PuzzleDifficulty
	if puzzle == 0 {
		puzzle = -1
	}

	return &tunnel.Config{
		Layers:               c.Layers(),
		Identity:             identity,
		AuthorizedKeys:       authorized,
		PuzzleDifficulty:     puzzle,
		HandshakeTimeout:     c.Limits.HandshakeTimeout.Std(),
		RotationBytes:        c.Crypto.KeyRotationBytes,
		RotationInterval:     c.Crypto.KeyRotationInterval.Std(),
		MaxConnections:       c.Server.MaxConnections,
		MaxStreams:           c.Limits.MaxStreamsPerConnection,
		ConnectionTimeout:    c.Limits.ConnectionTimeout.Std(),
		SweepInterval:        c.Limits.SweepInterval.Std(),
		KeepAliveInterval:    c.Limits.KeepAliveInterval.Std(),
		AuthFailureThreshold: c.Limits.AuthFailureThreshold,
		Compression:          comp,
		PaddingBlock:         c.PaddingBlock(),
		MaxConnectionsPerIP:  c.Server.MaxConnectionsPerIP,
		HandshakeRate:        c.Server.HandshakeRate,
		HandshakeBurst:       c.Server.HandshakeBurst,
		Workers:              c.Server.WorkerThreads,
		Logger:               logger,
	}, nil
}
