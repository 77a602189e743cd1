package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

// WebSocketPath is the HTTP path upgraded to a packet carrier.
const WebSocketPath = "/llp"

const (
	wsHandshakeTimeout = 10 * time.Second
	wsCloseGrace       = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn carries one packet per binary message.
type WebSocketConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocketConn{conn: conn}
}

// DialWebSocket connects to addr, which is either host:port or a ws:// or
// wss:// URL.
func DialWebSocket(ctx context.Context, addr string) (*WebSocketConn, error) {
	url := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		url = "ws://" + addr + WebSocketPath
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWebSocketConn(conn), nil
}

// ReadPacket returns the next binary message. Text messages are a
// protocol error.
func (c *WebSocketConn) ReadPacket() ([]byte, error) {
	typ, p, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("transport: websocket message type %d: %w", typ, qerrors.ErrProtocol)
	}
	return p, nil
}

// WritePacket sends p as one binary message.
func (c *WebSocketConn) WritePacket(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes: %w", len(p), qerrors.ErrPacketTooLarge)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *WebSocketConn) LocalAddr() net.Addr               { return c.conn.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		err = c.conn.Close()
	})
	return err
}

// WebSocketListener serves HTTP on a TCP listener and upgrades requests
// for WebSocketPath into carriers.
type WebSocketListener struct {
	ln  net.Listener
	srv *http.Server
	q   *acceptQueue
}

// ListenWebSocket listens on addr.
func ListenWebSocket(addr string) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return ServeWebSocket(ln), nil
}

// ServeWebSocket upgrades connections accepted on ln.
func ServeWebSocket(ln net.Listener) *WebSocketListener {
	l := &WebSocketListener{ln: ln, q: newAcceptQueue()}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsHandshakeTimeout,
	}
	go func() {
		_ = l.srv.Serve(ln)
		l.q.close()
	}()
	return l
}

func (l *WebSocketListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.q.push(newWebSocketConn(conn))
}

// Accept returns the next upgraded carrier.
func (l *WebSocketListener) Accept() (tunnel.PacketConn, error) { return l.q.accept() }

// Close stops the HTTP server. Upgraded carriers are hijacked and stay open.
func (l *WebSocketListener) Close() error {
	l.q.close()
	err := l.srv.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (l *WebSocketListener) Addr() net.Addr { return l.ln.Addr() }
