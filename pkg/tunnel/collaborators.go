package tunnel

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// PacketConn is a message-oriented transport carrying whole packets.
// Implementations live in package transport (framed TCP, QUIC, WebSocket).
type PacketConn interface {
	// ReadPacket blocks until one packet arrives.
	ReadPacket() ([]byte, error)

	// WritePacket sends one packet. It must be safe to call concurrently
	// with ReadPacket but need not be safe for concurrent writers.
	WritePacket(p []byte) error

	// SetReadDeadline bounds the next ReadPacket calls. A zero value
	// disables the deadline.
	SetReadDeadline(t time.Time) error

	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// PacketListener accepts PacketConns.
type PacketListener interface {
	Accept() (PacketConn, error)
	Close() error
	Addr() net.Addr
}

// Shaper transforms encoded packets before transmission and reverses the
// transformation on receipt. It can be used for traffic disguise.
type Shaper interface {
	Shape(packet []byte) ([]byte, error)
	Unshape(data []byte) ([]byte, error)
}

// IdentityShaper passes packets through unchanged.
type IdentityShaper struct{}

// Shape returns packet unchanged.
func (IdentityShaper) Shape(packet []byte) ([]byte, error) { return packet, nil }

// Unshape returns data unchanged.
func (IdentityShaper) Unshape(data []byte) ([]byte, error) { return data, nil }

// Router receives in-order stream data when configured. Without a Router,
// data is buffered for Stream.Read.
type Router interface {
	Route(session uuid.UUID, stream uint16, data []byte)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(session uuid.UUID, stream uint16, data []byte)

// Route calls f.
func (f RouterFunc) Route(session uuid.UUID, stream uint16, data []byte) { f(session, stream, data) }
