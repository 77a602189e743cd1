// Package llp implements the LLP secure tunnel: a layered AEAD pipeline,
// a puzzle-gated authenticated handshake, and a reliable stream
// multiplexer carried over TCP, QUIC, or WebSocket.
//
// # Quick Start
//
// A server echoing every stream:
//
//	import (
//		"github.com/lostlove-net/llp/pkg/transport"
//		"github.com/lostlove-net/llp/pkg/tunnel"
//	)
//
//	ln, _ := transport.Listen(transport.KindTCP, ":8443")
//	srv, _ := tunnel.Listen(ln, tunnel.DefaultConfig())
//	go srv.Serve(ctx)
//	conn, _ := srv.Accept(ctx)
//	st, _ := conn.AcceptStream(ctx)
//	io.Copy(st, st)
//
// A client:
//
//	pc, _ := transport.Dial(ctx, transport.KindTCP, "localhost:8443")
//	conn, _ := tunnel.Dial(ctx, pc, tunnel.DefaultConfig())
//	st, _ := conn.OpenStream()
//	st.Write([]byte("Hello!"))
//
// # Package Structure
//
//   - pkg/crypto: ECC, HSE and QRL layers, the pipeline, ML-KEM-1024, ECDH, HKDF, and the puzzle
//   - pkg/keys: per-session key schedule, rotation, and the fallback window
//   - pkg/protocol: packet header, checksum, frames, handshake messages, and compression
//   - pkg/tunnel: handshake, session registry, stream mux, server and client connections
//   - pkg/transport: TCP, QUIC, and WebSocket packet carriers
//   - pkg/config: YAML configuration with security modes and LLP_ environment overrides
//   - pkg/metrics: structured logging, counters, histograms, tracing, Prometheus, and health
//   - internal/constants: protocol constants and defaults
//   - internal/errors: sentinel errors and wire error codes
//
// # Security Properties
//
//   - Layered encryption: each enabled layer is an independent AEAD under its own key
//   - Hybrid key agreement: ECDH (X25519, P-256, or P-384) combined with ML-KEM-1024
//   - Client authentication: Ed25519 signatures checked against an allowlist
//   - Admission control: SHA3 proof-of-work puzzle bound to the client random
//   - Key rotation: by bytes or time, with a short fallback window for in-flight packets
//   - Replay protection: 64-entry sliding window per stream and a ±30s timestamp bound
//
// # Testing
//
//	go test ./...                                     # All tests
//	go test -fuzz=FuzzDecode ./pkg/protocol          # Wire fuzzing
//	go test -fuzz=FuzzPipelineOpen ./pkg/crypto      # Layer fuzzing
//	go test -bench=. ./pkg/crypto ./pkg/tunnel       # Benchmarks
//
// The llp command in cmd/llp runs servers, clients, and benchmarks.
package llp
