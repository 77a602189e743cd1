package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/lostlove-net/llp/pkg/tunnel"
)

func tunnelConfig() *tunnel.Config {
	return &tunnel.Config{
		PuzzleDifficulty: 4,
		HandshakeTimeout: 5 * time.Second,
	}
}

// TestTunnelOverCarriers runs a full session, handshake through stream
// echo, over every carrier.
func TestTunnelOverCarriers(t *testing.T) {
	for _, kind := range []Kind{KindTCP, KindQUIC, KindWebSocket} {
		t.Run(string(kind), func(t *testing.T) {
			ln, err := Listen(kind, "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			srv, err := tunnel.Listen(ln, tunnelConfig())
			if err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			go func() { _ = srv.Serve(ctx) }()
			defer srv.Close()

			pc, err := Dial(ctx, kind, ln.Addr().String())
			if err != nil {
				t.Fatalf("Dial carrier: %v", err)
			}
			client, err := tunnel.Dial(ctx, pc, tunnelConfig())
			if err != nil {
				t.Fatalf("tunnel.Dial: %v", err)
			}
			defer client.Close()

			server, err := srv.Accept(ctx)
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if server.ID() != client.ID() {
				t.Errorf("session ids differ: %v vs %v", server.ID(), client.ID())
			}

			cs, err := client.OpenStream()
			if err != nil {
				t.Fatal(err)
			}
			if _, err := cs.Write([]byte("over " + string(kind))); err != nil {
				t.Fatal(err)
			}
			if err := cs.CloseWrite(); err != nil {
				t.Fatal(err)
			}

			ss, err := server.AcceptStream(ctx)
			if err != nil {
				t.Fatalf("AcceptStream: %v", err)
			}
			got, err := io.ReadAll(ss)
			if err != nil || string(got) != "over "+string(kind) {
				t.Fatalf("server read %q, %v", got, err)
			}
		})
	}
}
