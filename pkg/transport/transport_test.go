package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

var (
	_ tunnel.PacketConn     = (*TCPConn)(nil)
	_ tunnel.PacketConn     = (*QUICConn)(nil)
	_ tunnel.PacketConn     = (*WebSocketConn)(nil)
	_ tunnel.PacketListener = (*TCPListener)(nil)
	_ tunnel.PacketListener = (*QUICListener)(nil)
	_ tunnel.PacketListener = (*WebSocketListener)(nil)
)

// rw joins a reader and a writer.
type rw struct {
	io.Reader
	io.Writer
}

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newFramer(rw{&buf, &buf})

	packets := [][]byte{{0x01}, bytes.Repeat([]byte{0xAB}, 70000), []byte("llp")}
	for _, p := range packets {
		if err := f.writeFrame(p); err != nil {
			t.Fatalf("writeFrame(%d bytes): %v", len(p), err)
		}
	}
	for _, want := range packets {
		got, err := f.readFrame()
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame of %d bytes came back as %d bytes", len(want), len(got))
		}
	}
	if _, err := f.readFrame(); err != io.EOF {
		t.Errorf("read past end: err = %v, want EOF", err)
	}
}

func TestFramerLimits(t *testing.T) {
	var buf bytes.Buffer
	f := newFramer(rw{&buf, &buf})

	if err := f.writeFrame(nil); !qerrors.Is(err, qerrors.ErrPacketTooLarge) {
		t.Errorf("empty frame: err = %v", err)
	}
	if err := f.writeFrame(make([]byte, MaxFrameSize+1)); !qerrors.Is(err, qerrors.ErrPacketTooLarge) {
		t.Errorf("oversized frame: err = %v", err)
	}

	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := f.readFrame(); !qerrors.Is(err, qerrors.ErrPacketTooLarge) {
		t.Errorf("oversized length prefix: err = %v", err)
	}
}

func TestFramerTruncated(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 1, 2, 3})
	f := newFramer(rw{buf, io.Discard})
	if _, err := f.readFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("truncated frame: err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindTCP, false},
		{"tcp", KindTCP, false},
		{"quic", KindQUIC, false},
		{"websocket", KindWebSocket, false},
		{"ws", KindWebSocket, false},
		{"udp", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := Listen("carrier-pigeon", "127.0.0.1:0"); !errors.Is(err, qerrors.ErrInvalidConfig) {
		t.Errorf("Listen with unknown kind: err = %v", err)
	}
}

// exchange checks that packets cross a carrier pair in both directions.
func exchange(t *testing.T, kind Kind) {
	t.Helper()
	ln, err := Listen(kind, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan tunnel.PacketConn, 1)
	go func() {
		pc, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- pc
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, kind, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// QUIC only announces the stream once data is written.
	if err := client.WritePacket([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var server tunnel.PacketConn
	select {
	case server = <-accepted:
		if server == nil {
			t.Fatal("Accept failed")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Accept timed out")
	}
	defer server.Close()

	got, err := server.ReadPacket()
	if err != nil || string(got) != "hello" {
		t.Fatalf("server read %q, %v", got, err)
	}

	big := bytes.Repeat([]byte{0x5A}, 60*1024)
	if err := server.WritePacket(big); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got, err = client.ReadPacket()
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("client read %d bytes, %v", len(got), err)
	}

	if err := client.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	_, err = client.ReadPacket()
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("read past deadline: err = %v, want a timeout", err)
	}

	if client.RemoteAddr() == nil || server.RemoteAddr() == nil {
		t.Error("missing remote address")
	}
}

func TestTCPExchange(t *testing.T)       { exchange(t, KindTCP) }
func TestQUICExchange(t *testing.T)      { exchange(t, KindQUIC) }
func TestWebSocketExchange(t *testing.T) { exchange(t, KindWebSocket) }

func TestWebSocketPeerClose(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	_ = client.Close()
	if _, err := server.ReadPacket(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("read after peer close: err = %v, want net.ErrClosed", err)
	}
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	for _, kind := range []Kind{KindTCP, KindQUIC, KindWebSocket} {
		t.Run(string(kind), func(t *testing.T) {
			ln, err := Listen(kind, "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			errc := make(chan error, 1)
			go func() {
				_, err := ln.Accept()
				errc <- err
			}()
			time.Sleep(20 * time.Millisecond)
			_ = ln.Close()
			select {
			case err := <-errc:
				if err == nil {
					t.Error("Accept returned a carrier after Close")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Accept still blocked after Close")
			}
		})
	}
}
