package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lostlove-net/llp/pkg/config"
	"github.com/lostlove-net/llp/pkg/transport"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

func clientCommand(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file (defaults when empty)")
	server := fs.String("server", "", "Server address, overrides client.server")
	kind := fs.String("transport", "", "Carrier: tcp, quic, or websocket; overrides server.transport")
	identity := fs.String("identity", "", "Hex Ed25519 seed from 'llp keygen', overrides client.identity_key")
	message := fs.String("message", "Hello from llp!", "Message to send; '-' streams stdin")
	rotate := fs.Bool("rotate", false, "Rotate session keys right after connecting")
	verbose := fs.Bool("verbose", false, "Verbose output")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error, silent")
	logFormat := fs.String("log-format", "", "Log format: text or json")
	tracing := fs.String("tracing", "none", "Tracing mode: none, simple, otel")

	fs.Usage = func() {
		fmt.Println(`USAGE: llp client [options]

Connect to an llp server, open one stream, and print what comes back.

OPTIONS:`)
		fs.PrintDefaults()
		fmt.Println(`
EXAMPLES:
    # One message over TCP
    llp client --server localhost:8443 --message "Test message"

    # Pipe a file through the echo server over WebSocket
    llp client --server localhost:8443 --transport websocket --message - < file.bin

    # Show session details and rotate keys once
    llp client --server localhost:8443 --verbose --rotate`)
	}
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *server != "" {
		cfg.Client.Server = *server
	}
	if cfg.Client.Server == "" {
		cfg.Client.Server = "localhost:8443"
	}
	if *kind != "" {
		cfg.Server.Transport = *kind
	}
	if *identity != "" {
		cfg.Client.IdentityKey = *identity
	}

	obs, err := setupObservability(cfg, *logLevel, *logFormat, *tracing)
	if err != nil {
		return err
	}
	tc, err := cfg.TunnelConfig(obs.logger)
	if err != nil {
		return err
	}
	obs.install(tc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Connecting to %s over %s...\n", cfg.Client.Server, cfg.TransportKind())
	start := time.Now()
	pc, err := transport.Dial(ctx, cfg.TransportKind(), cfg.Client.Server)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn, err := tunnel.Dial(ctx, pc, tc)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer func() { _ = conn.Close() }()

	fmt.Println("✓ Connected successfully")
	if *verbose {
		fmt.Printf("  Handshake time: %v\n", time.Since(start))
		fmt.Printf("  Local: %s\n", conn.LocalAddr())
		fmt.Printf("  Remote: %s\n", conn.RemoteAddr())
		fmt.Printf("  Session ID: %s\n", conn.ID())
		fmt.Printf("  Layers: %s\n", conn.Layers())
		fmt.Printf("  Post-quantum: %v\n", conn.PostQuantum())
	}

	if *rotate {
		if err := conn.Rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		fmt.Println("✓ Key rotation requested")
	}

	st, err := conn.OpenStream()
	if err != nil {
		return err
	}

	if *message == "-" {
		err = streamStdin(ctx, st, cfg.Limits.MTU)
	} else {
		err = sendMessage(st, *message)
	}
	if err != nil {
		return err
	}

	if *verbose {
		printSessionStats(conn)
	}
	return nil
}

// sendMessage writes msg, half-closes, and prints the echoed reply.
func sendMessage(st *tunnel.Stream, msg string) error {
	fmt.Printf("Sending: %q\n", msg)
	if _, err := st.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := st.CloseWrite(); err != nil {
		return err
	}
	reply, err := io.ReadAll(st)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	fmt.Printf("✓ Received: %q\n", string(reply))
	return nil
}

// streamStdin copies stdin to the stream in MTU-sized writes and the
// stream to stdout, until stdin ends and the peer finishes.
func streamStdin(ctx context.Context, st *tunnel.Stream, mtu int) error {
	if mtu <= 0 {
		mtu = config.DefaultMTU
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, st)
		done <- err
	}()

	in := bufio.NewReaderSize(os.Stdin, mtu)
	buf := make([]byte, mtu)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := st.WriteContext(ctx, buf[:n]); werr != nil {
				return fmt.Errorf("send: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("input: %w", err)
		}
	}
	if err := st.CloseWrite(); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printSessionStats(conn *tunnel.Conn) {
	stats := conn.Stats()
	srtt, rto := conn.RTT()
	fmt.Println()
	fmt.Println("Session Statistics:")
	fmt.Printf("  Bytes sent: %d\n", stats.BytesSent)
	fmt.Printf("  Bytes received: %d\n", stats.BytesReceived)
	fmt.Printf("  Packets sent: %d\n", stats.PacketsSent)
	fmt.Printf("  Packets received: %d\n", stats.PacketsReceived)
	fmt.Printf("  Retransmits: %d\n", stats.Retransmits)
	fmt.Printf("  Key generation: %d\n", conn.Generation())
	fmt.Printf("  SRTT: %v (RTO %v)\n", srtt, rto)
}
