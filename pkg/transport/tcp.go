package transport

import (
	"context"
	"net"
	"time"

	"github.com/lostlove-net/llp/pkg/tunnel"
)

// TCPConn carries length-prefixed packets over a stream socket.
type TCPConn struct {
	conn net.Conn
	f    *framer
}

// NewTCPConn wraps an established stream connection.
func NewTCPConn(conn net.Conn) *TCPConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &TCPConn{conn: conn, f: newFramer(conn)}
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn), nil
}

func (c *TCPConn) ReadPacket() ([]byte, error)       { return c.f.readFrame() }
func (c *TCPConn) WritePacket(p []byte) error        { return c.f.writeFrame(p) }
func (c *TCPConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *TCPConn) Close() error                      { return c.conn.Close() }
func (c *TCPConn) LocalAddr() net.Addr               { return c.conn.LocalAddr() }
func (c *TCPConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

// TCPListener accepts framed TCP carriers.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (tunnel.PacketConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn), nil
}

func (l *TCPListener) Close() error   { return l.ln.Close() }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
