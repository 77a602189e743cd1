package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lostlove-net/llp/pkg/config"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/transport"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

func benchCommand(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	handshakes := fs.Int("handshakes", 0, "Number of handshakes to benchmark (0 = skip)")
	throughput := fs.Bool("throughput", false, "Run throughput benchmark")
	size := fs.String("size", "100MB", "Data size for throughput test (e.g., 100MB, 1GB)")
	duration := fs.Duration("duration", 10*time.Second, "Upper bound for the throughput test")
	mode := fs.String("mode", string(config.ModeBalanced), "Security mode: performance, balanced, maximum_security")
	kind := fs.String("transport", "tcp", "Carrier: tcp, quic, or websocket")
	puzzle := fs.Int("puzzle", 0, "Puzzle difficulty in bits (0 = off)")

	fs.Usage = func() {
		fmt.Println(`USAGE: llp bench [options]

Run handshake and stream throughput benchmarks over a loopback carrier.

OPTIONS:`)
		fs.PrintDefaults()
		fmt.Println(`
EXAMPLES:
    # Benchmark 100 handshakes
    llp bench --handshakes 100

    # Throughput with all three layers for 30 seconds
    llp bench --throughput --duration 30s --mode maximum_security

    # Run all benchmarks over QUIC
    llp bench --handshakes 100 --throughput --size 500MB --transport quic`)
	}
	_ = fs.Parse(args)

	if *handshakes == 0 && !*throughput {
		return errors.New("no benchmarks specified; use --handshakes or --throughput")
	}

	cfg := config.Default()
	cfg.Mode = config.Mode(*mode)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.Transport = *kind
	cfg.Crypto.PuzzleDifficulty = *puzzle
	cfg.Monitoring.LogLevel = "silent"

	b, err := newBenchPair(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	fmt.Printf("Setup: %s on %s, layers %s\n\n", cfg.TransportKind(), b.srv.Addr(), b.tc.Layers)

	if *handshakes > 0 {
		if err := b.handshakes(*handshakes); err != nil {
			return err
		}
		fmt.Println()
	}
	if *throughput {
		total, err := parseSize(*size)
		if err != nil {
			return err
		}
		return b.throughput(total, *duration)
	}
	return nil
}

// benchPair is a loopback server plus the config clients dial with.
type benchPair struct {
	cfg    *config.Config
	tc     *tunnel.Config
	srv    *tunnel.Server
	ctx    context.Context
	cancel context.CancelFunc
	sink   atomic.Int64
}

func newBenchPair(cfg *config.Config) (*benchPair, error) {
	tc, err := cfg.TunnelConfig(metrics.NullLogger())
	if err != nil {
		return nil, err
	}
	ln, err := transport.Listen(cfg.TransportKind(), cfg.Server.Listen)
	if err != nil {
		return nil, err
	}
	srv, err := tunnel.Listen(ln, tc)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &benchPair{cfg: cfg, tc: tc, srv: srv, ctx: ctx, cancel: cancel}
	go func() { _ = srv.Serve(ctx) }()
	go b.acceptLoop()
	return b, nil
}

// acceptLoop drains every stream into the byte sink.
func (b *benchPair) acceptLoop() {
	for {
		conn, err := b.srv.Accept(b.ctx)
		if err != nil {
			return
		}
		go func() {
			defer func() { _ = conn.Close() }()
			for {
				st, err := conn.AcceptStream(b.ctx)
				if err != nil {
					return
				}
				go func() {
					n, _ := io.Copy(io.Discard, st)
					b.sink.Add(n)
					_ = st.Close()
				}()
			}
		}()
	}
}

func (b *benchPair) dial() (*tunnel.Conn, error) {
	pc, err := transport.Dial(b.ctx, b.cfg.TransportKind(), b.srv.Addr().String())
	if err != nil {
		return nil, err
	}
	return tunnel.Dial(b.ctx, pc, b.tc)
}

func (b *benchPair) close() {
	b.cancel()
	_ = b.srv.Close()
}

func (b *benchPair) handshakes(count int) error {
	fmt.Printf("Benchmarking Handshakes (%d iterations)\n", count)
	fmt.Println(strings.Repeat("─", 60))

	h := metrics.NewHistogram(metrics.HandshakeLatencyBuckets)
	failed := 0
	step := max(count/10, 1)

	start := time.Now()
	for i := 0; i < count; i++ {
		t := time.Now()
		conn, err := b.dial()
		if err != nil {
			failed++
			continue
		}
		h.ObserveDuration(time.Since(t), time.Millisecond)
		_ = conn.Close()

		if (i+1)%step == 0 || i == count-1 {
			fmt.Printf("Progress: %d/%d (%.0f%%)\r", i+1, count, float64(i+1)/float64(count)*100)
		}
	}
	fmt.Println()
	total := time.Since(start)

	if failed == count {
		return errors.New("all handshakes failed")
	}
	s := h.Summary()
	fmt.Println("\nResults:")
	fmt.Printf("  Total handshakes: %d\n", count)
	fmt.Printf("  Successful: %d\n", s.Count)
	fmt.Printf("  Failed: %d\n", failed)
	fmt.Printf("  Total time: %v\n", total)
	fmt.Println()
	fmt.Println("Handshake Performance:")
	fmt.Printf("  Average: %.2fms\n", s.Mean)
	fmt.Printf("  Minimum: %.2fms\n", s.Min)
	fmt.Printf("  Maximum: %.2fms\n", s.Max)
	fmt.Printf("  p50/p90/p99: %.2f/%.2f/%.2fms\n", s.P50, s.P90, s.P99)
	fmt.Printf("  Throughput: %.2f handshakes/sec\n", float64(s.Count)/total.Seconds())
	return nil
}

func (b *benchPair) throughput(total int64, limit time.Duration) error {
	fmt.Println("Benchmarking Throughput")
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Target: %s within %v\n\n", formatSize(total), limit)

	conn, err := b.dial()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	st, err := conn.OpenStream()
	if err != nil {
		return err
	}

	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(b.ctx, limit)
	defer cancel()

	var sent int64
	start := time.Now()
	lastProgress := start
	for sent < total {
		n, err := st.WriteContext(ctx, chunk[:min(int64(len(chunk)), total-sent)])
		sent += int64(n)
		if err != nil {
			break
		}
		if time.Since(lastProgress) >= time.Second {
			mbps := float64(sent) / time.Since(start).Seconds() / 1024 / 1024
			fmt.Printf("Progress: %s / %s (%.1f MB/s)\r", formatSize(sent), formatSize(total), mbps)
			lastProgress = time.Now()
		}
	}
	sendDuration := time.Since(start)
	_ = st.CloseWrite()

	// Wait for the server to drain what was sent.
	for b.sink.Load() < sent && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(start)
	received := b.sink.Load()

	srtt, _ := conn.RTT()
	stats := conn.Stats()
	fmt.Println()
	fmt.Println("\nResults:")
	fmt.Printf("  Data sent: %s\n", formatSize(sent))
	fmt.Printf("  Data delivered: %s\n", formatSize(received))
	fmt.Printf("  Send duration: %v\n", sendDuration)
	fmt.Printf("  Delivery duration: %v\n", elapsed)
	fmt.Printf("  Retransmits: %d\n", stats.Retransmits)
	fmt.Printf("  SRTT: %v\n", srtt)
	fmt.Println()
	if elapsed > 0 {
		mbps := float64(received) / elapsed.Seconds() / 1024 / 1024
		fmt.Printf("Throughput: %.2f MB/s (%.2f Mbps)\n", mbps, mbps*8)
	}
	return nil
}

// parseSize parses sizes like "100MB" or "1GB".
func parseSize(s string) (int64, error) {
	var value int64
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &value, &unit); err != nil && value == 0 {
		return 0, fmt.Errorf("invalid size: %s", s)
	}

	switch strings.ToUpper(unit) {
	case "", "B":
		return value, nil
	case "KB", "K":
		return value << 10, nil
	case "MB", "M":
		return value << 20, nil
	case "GB", "G":
		return value << 30, nil
	default:
		return 0, fmt.Errorf("invalid size unit: %s", unit)
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.2f %s", float64(bytes)/float64(div), units[exp])
}
