package tunnel

import (
	"context"
	"time"

	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Observer provides hooks for session lifecycle, metrics, and tracing.
// Implementations should be lightweight; callbacks may run on hot paths.
type Observer interface {
	OnSessionStart()
	OnSessionEnd(reason error)
	OnSessionFailed(err error)
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnPuzzleIssued(difficulty uint8)
	OnPuzzleFailed()
	OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error))
	OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error))
	OnReplayDetected()
	OnAuthFailure()
	OnRotationStart(ctx context.Context, generation uint64) (context.Context, func(error))
	OnProtocolError(err error)
	OnPacketDropped(reason string)
	OnRetransmit(fast bool)
	OnRTT(sample time.Duration)
	OnStreamOpened(id uint16)
	OnStreamClosed(id uint16)
}

// ObserverFactory builds a per-session observer.
type ObserverFactory func(session *Session) Observer

// RateLimitObserver receives notifications when admission control rejects
// a client.
type RateLimitObserver interface {
	// OnConnectionRateLimit is called when a connection is rejected due to per-IP limits.
	OnConnectionRateLimit(remoteIP string)
	// OnHandshakeRateLimit is called when a handshake is rejected due to global limits.
	OnHandshakeRateLimit(remoteIP string)
	// OnCapacityReached is called when the session registry is full.
	OnCapacityReached(remoteIP string)
}

type nopObserver struct{}

func (nopObserver) OnSessionStart()             {}
func (nopObserver) OnSessionEnd(error)          {}
func (nopObserver) OnSessionFailed(error)       {}
func (nopObserver) OnReplayDetected()           {}
func (nopObserver) OnAuthFailure()              {}
func (nopObserver) OnPuzzleIssued(uint8)        {}
func (nopObserver) OnPuzzleFailed()             {}
func (nopObserver) OnProtocolError(error)       {}
func (nopObserver) OnPacketDropped(string)      {}
func (nopObserver) OnRetransmit(bool)           {}
func (nopObserver) OnRTT(time.Duration)         {}
func (nopObserver) OnStreamOpened(uint16)       {}
func (nopObserver) OnStreamClosed(uint16)       {}
func (nopObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) OnEncrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) OnDecrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) OnRotationStart(ctx context.Context, _ uint64) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type nopRateLimitObserver struct{}

func (nopRateLimitObserver) OnConnectionRateLimit(string) {}
func (nopRateLimitObserver) OnHandshakeRateLimit(string)  {}
func (nopRateLimitObserver) OnCapacityReached(string)     {}

// baseObserver is used before a session exists.
func baseObserver(cfg *Config) Observer {
	if cfg.Observer != nil {
		return cfg.Observer
	}
	return nopObserver{}
}

func observerFor(cfg *Config, session *Session) Observer {
	if cfg.ObserverFactory != nil {
		if o := cfg.ObserverFactory(session); o != nil {
			return o
		}
	}
	if cfg.Observer != nil {
		return cfg.Observer
	}
	return nopObserver{}
}

// dropReason names a packet-local error for observers and logs.
func dropReason(err error) string {
	switch {
	case qerrors.Is(err, qerrors.ErrChecksumMismatch):
		return "checksum"
	case qerrors.Is(err, qerrors.ErrInvalidProtocolID), qerrors.Is(err, qerrors.ErrUnknownPacketType),
		qerrors.Is(err, qerrors.ErrInsufficientData), qerrors.Is(err, qerrors.ErrProtocol):
		return "malformed"
	case qerrors.Is(err, qerrors.ErrInvalidSequence):
		return "replay"
	case qerrors.Is(err, qerrors.ErrTimestampOutOfRange):
		return "timestamp"
	case qerrors.Is(err, qerrors.ErrAuthenticationFailed):
		return "auth"
	case qerrors.Is(err, qerrors.ErrFlowControlViolation):
		return "flow_control"
	case qerrors.Is(err, qerrors.ErrTooManyStreams):
		return "too_many_streams"
	case qerrors.Is(err, qerrors.ErrCompression):
		return "compression"
	default:
		return "other"
	}
}
