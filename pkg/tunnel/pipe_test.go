package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// memAddr is a net.Addr for in-memory transports.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "mem: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// memConn is one end of an in-memory PacketConn pair. Like a datagram
// socket, writes to a closed peer are silently lost. filter, when set,
// sees every outbound packet and drops it by returning false.
type memConn struct {
	local, remote memAddr
	in            chan []byte
	out           chan []byte
	done          chan struct{}
	peerDone      chan struct{}
	once          sync.Once

	mu        sync.Mutex
	deadline  time.Time
	dlChanged chan struct{}
	filter    func([]byte) bool
}

func memPipe(a, b string) (*memConn, *memConn) {
	ab := make(chan []byte, 4096)
	ba := make(chan []byte, 4096)
	da := make(chan struct{})
	db := make(chan struct{})
	ca := &memConn{local: memAddr(a), remote: memAddr(b), in: ba, out: ab, done: da, peerDone: db, dlChanged: make(chan struct{}, 1)}
	cb := &memConn{local: memAddr(b), remote: memAddr(a), in: ab, out: ba, done: db, peerDone: da, dlChanged: make(chan struct{}, 1)}
	return ca, cb
}

func (c *memConn) setFilter(f func([]byte) bool) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *memConn) ReadPacket() ([]byte, error) {
	for {
		c.mu.Lock()
		dl := c.deadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return nil, timeoutErr{}
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case p := <-c.in:
			stopTimer(timer)
			return p, nil
		case <-c.done:
			stopTimer(timer)
			return nil, net.ErrClosed
		case <-c.peerDone:
			stopTimer(timer)
			select {
			case p := <-c.in:
				return p, nil
			default:
				return nil, io.EOF
			}
		case <-timeout:
			return nil, timeoutErr{}
		case <-c.dlChanged:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *memConn) WritePacket(p []byte) error {
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()
	if filter != nil && !filter(p) {
		return nil
	}
	cp := append([]byte(nil), p...)
	select {
	case <-c.done:
		return net.ErrClosed
	case <-c.peerDone:
		return nil
	default:
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-c.peerDone:
		return nil
	}
}

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	signal(c.dlChanged)
	return nil
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr  { return c.local }
func (c *memConn) RemoteAddr() net.Addr { return c.remote }

// memListener hands out the server ends of pipes created by dial.
type memListener struct {
	conns chan PacketConn
	done  chan struct{}
	once  sync.Once
}

func newMemListener() *memListener {
	return &memListener{conns: make(chan PacketConn, 16), done: make(chan struct{})}
}

func (l *memListener) Accept() (PacketConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memListener) Addr() net.Addr { return memAddr("192.0.2.1:4433") }

// dial connects a new client pipe end from addr.
func (l *memListener) dial(addr string) *memConn {
	client, server := memPipe(addr, "192.0.2.1:4433")
	l.conns <- server
	return client
}

// testConfig returns a fast configuration for tests.
func testConfig() *Config {
	return &Config{
		PuzzleDifficulty: 6,
		HandshakeTimeout: 5 * time.Second,
	}
}

// startServer runs a server on an in-memory listener until the test ends.
func startServer(t *testing.T, cfg *Config) (*Server, *memListener) {
	t.Helper()
	ln := newMemListener()
	srv, err := Listen(ln, cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-served
	})
	return srv, ln
}

// connectPair dials srv and returns the client and server connections.
func connectPair(t *testing.T, srv *Server, ln *memListener, cfg *Config) (client, server *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.dial("198.51.100.10:50000"), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	server, err = srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return client, server
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
