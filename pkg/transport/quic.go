package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/lostlove-net/llp/pkg/tunnel"
)

// ALPN is the QUIC application protocol identifier.
const ALPN = "llp"

const (
	quicKeepAlive     = 15 * time.Second
	quicIdleTimeout   = 5 * time.Minute
	quicStreamTimeout = 10 * time.Second
)

// quicConfig is shared by listeners and dialers.
func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// selfSignedTLS returns a server config with a fresh ed25519 certificate.
// Peer authentication happens inside the LLP handshake, so the QUIC
// certificate only keys the outer encryption.
func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "llp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // the LLP handshake authenticates the session
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// QUICConn carries framed packets over one bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	f      *framer

	closeOnce sync.Once
	onClose   func()
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, onClose func()) *QUICConn {
	return &QUICConn{conn: conn, stream: stream, f: newFramer(stream), onClose: onClose}
}

// DialQUIC connects to addr and opens the packet stream.
func DialQUIC(ctx context.Context, addr string) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLS(), quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICConn(conn, stream, nil), nil
}

func (c *QUICConn) ReadPacket() ([]byte, error)       { return c.f.readFrame() }
func (c *QUICConn) WritePacket(p []byte) error        { return c.f.writeFrame(p) }
func (c *QUICConn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }
func (c *QUICConn) LocalAddr() net.Addr               { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

// Close closes the stream and the QUIC connection.
func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "closed")
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// QUICListener accepts QUIC connections and waits for each client's
// packet stream before handing it to Accept. The UDP socket stays open
// until the listener and every carrier it accepted are closed.
type QUICListener struct {
	tr *quic.Transport
	ln *quic.Listener
	q  *acceptQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	open   int
	closed bool
}

// ListenQUIC listens on the UDP address addr.
func ListenQUIC(addr string) (*QUICListener, error) {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{tr: tr, ln: ln, q: newAcceptQueue(), ctx: ctx, cancel: cancel}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	defer l.q.close()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.awaitStream(conn)
	}
}

func (l *QUICListener) awaitStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.CloseWithError(0, "closed")
		return
	}
	l.open++
	l.mu.Unlock()
	l.q.push(newQUICConn(conn, stream, l.release))
}

func (l *QUICListener) release() {
	l.mu.Lock()
	l.open--
	done := l.closed && l.open == 0
	l.mu.Unlock()
	if done {
		_ = l.tr.Close()
	}
}

// Accept returns the next carrier.
func (l *QUICListener) Accept() (tunnel.PacketConn, error) { return l.q.accept() }

// Close stops accepting. Established carriers stay usable.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	done := l.open == 0
	l.mu.Unlock()

	l.cancel()
	l.q.close()
	err := l.ln.Close()
	if done {
		_ = l.tr.Close()
	}
	return err
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }
