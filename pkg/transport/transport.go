// Package transport provides packet-oriented carriers for LLP sessions.
//
// Each carrier delivers whole encoded packets and satisfies the tunnel
// package's PacketConn and PacketListener interfaces:
//   - TCP: stream sockets with a 4-byte length prefix per packet
//   - QUIC: one bidirectional QUIC stream per session, framed like TCP
//   - WebSocket: one binary message per packet
//
// Listen and Dial select a carrier by name.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/protocol"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

// Kind names a carrier.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
)

// MaxFrameSize bounds one framed packet. Shapers may grow packets past
// MaxPacketSize, so the bound leaves headroom.
const MaxFrameSize = 2 * constants.MaxPacketSize

const frameHeaderSize = 4

// DialTimeout bounds carrier setup when the context has no deadline.
const DialTimeout = 10 * time.Second

// ParseKind parses a carrier name. The empty string selects TCP.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindTCP:
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindWebSocket, "ws":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q: %w", s, qerrors.ErrInvalidConfig)
	}
}

// Listen opens a listener for kind on addr.
func Listen(kind Kind, addr string) (tunnel.PacketListener, error) {
	switch kind {
	case "", KindTCP:
		return ListenTCP(addr)
	case KindQUIC:
		return ListenQUIC(addr)
	case KindWebSocket:
		return ListenWebSocket(addr)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q: %w", kind, qerrors.ErrInvalidConfig)
	}
}

// Dial connects to addr over kind.
func Dial(ctx context.Context, kind Kind, addr string) (tunnel.PacketConn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DialTimeout)
		defer cancel()
	}
	switch kind {
	case "", KindTCP:
		return DialTCP(ctx, addr)
	case KindQUIC:
		return DialQUIC(ctx, addr)
	case KindWebSocket:
		return DialWebSocket(ctx, addr)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q: %w", kind, qerrors.ErrInvalidConfig)
	}
}

// framer reads and writes length-prefixed packets over a byte stream.
type framer struct {
	r *bufio.Reader
	w io.Writer

	writeMu sync.Mutex
	hdr     [frameHeaderSize]byte
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{r: bufio.NewReaderSize(rw, 32*1024), w: rw}
}

func (f *framer) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(f.hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes: %w", n, qerrors.ErrPacketTooLarge)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(f.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

func (f *framer) writeFrame(p []byte) error {
	if len(p) == 0 || len(p) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes: %w", len(p), qerrors.ErrPacketTooLarge)
	}
	buf := protocol.GetBuffer(frameHeaderSize + len(p))
	defer protocol.PutBuffer(buf)
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[frameHeaderSize:], p)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := f.w.Write(buf)
	return err
}

// acceptQueue hands accepted carriers from background goroutines to Accept.
type acceptQueue struct {
	conns     chan tunnel.PacketConn
	done      chan struct{}
	closeOnce sync.Once
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{
		conns: make(chan tunnel.PacketConn, 16),
		done:  make(chan struct{}),
	}
}

// push queues pc, or closes it when the listener is shutting down.
func (q *acceptQueue) push(pc tunnel.PacketConn) {
	select {
	case q.conns <- pc:
	case <-q.done:
		_ = pc.Close()
	}
}

func (q *acceptQueue) accept() (tunnel.PacketConn, error) {
	select {
	case pc := <-q.conns:
		return pc, nil
	case <-q.done:
		return nil, net.ErrClosed
	}
}

func (q *acceptQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
