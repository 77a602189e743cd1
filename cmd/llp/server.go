package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/transport"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

const (
	shutdownGrace  = 5 * time.Second
	heapCheckLimit = 1 << 30
)

func serverCommand(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file (defaults when empty)")
	listen := fs.String("listen", "", "Listen address, overrides server.listen")
	kind := fs.String("transport", "", "Carrier: tcp, quic, or websocket; overrides server.transport")
	metricsAddr := fs.String("metrics", "", "Metrics and health address, overrides monitoring.metrics_listen. Empty disables")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error, silent")
	logFormat := fs.String("log-format", "", "Log format: text or json")
	tracing := fs.String("tracing", "none", "Tracing mode: none, simple, otel")

	fs.Usage = func() {
		fmt.Println(`USAGE: llp server [options]

Run a tunnel server. Every stream a client opens is echoed back.

OPTIONS:`)
		fs.PrintDefaults()
		fmt.Println(`
EXAMPLES:
    # Defaults: TCP on 0.0.0.0:8443, balanced mode
    llp server

    # QUIC carrier with Prometheus metrics
    llp server --transport quic --listen :8443 --metrics :9090

    # Everything from a file
    llp server --config /etc/llp/llp.yaml`)
	}
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *kind != "" {
		cfg.Server.Transport = *kind
	}
	if *metricsAddr != "" {
		cfg.Monitoring.MetricsListen = *metricsAddr
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

	if res := crypto.SelfTest(); !res.Passed {
		return fmt.Errorf("crypto self-test: %w", res.Err())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obsServer *metrics.Server
	if addr := cfg.Monitoring.MetricsListen; addr != "" {
		obsServer = metrics.NewServer(metrics.ServerConfig{
			Collector:        obs.collector,
			Version:          getVersion(),
			Namespace:        "llp",
			EnablePrometheus: true,
			EnableHealth:     true,
		})
		obsServer.AddHealthCheck("crypto", func() error { return crypto.SelfTest().Err() })
		obsServer.AddHealthCheck("memory", metrics.MemoryCheck(heapCheckLimit))
		go func() {
			if err := obsServer.ListenAndServe(addr); err != nil {
				obs.logger.Error("observability server error", metrics.Fields{"error": err.Error()})
			}
		}()
		fmt.Printf("✓ Observability server on %s (metrics: /metrics, health: /health)\n", addr)
	}

	ln, err := transport.Listen(cfg.TransportKind(), cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv, err := tunnel.Listen(ln, tc)
	if err != nil {
		_ = ln.Close()
		return err
	}

	fmt.Printf("✓ Server listening on %s (%s, layers %s)\n", srv.Addr(), cfg.TransportKind(), tc.Layers)
	fmt.Println("Waiting for connections... (Press Ctrl+C to stop)")

	go func() {
		for {
			conn, err := srv.Accept(ctx)
			if err != nil {
				return
			}
			go handleConnection(ctx, conn, obs.logger)
		}
	}()

	err = srv.Serve(ctx)
	fmt.Println("\nShutting down server...")
	_ = srv.Close()

	if obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = obsServer.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}

// handleConnection echoes every stream the peer opens until the session ends.
func handleConnection(ctx context.Context, conn *tunnel.Conn, logger *metrics.Logger) {
	defer func() { _ = conn.Close() }()

	log := logger.With(metrics.Fields{"session": conn.ID().String()[:8], "remote": conn.RemoteAddr().String()})
	log.Info("session established", metrics.Fields{
		"layers":       conn.Layers().String(),
		"post_quantum": conn.PostQuantum(),
	})

	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			stats := conn.Stats()
			log.Info("session closed", metrics.Fields{
				"bytes_sent":     stats.BytesSent,
				"bytes_received": stats.BytesReceived,
				"retransmits":    stats.Retransmits,
			})
			return
		}
		go func() {
			defer func() { _ = st.Close() }()
			n, err := io.Copy(st, st)
			if err != nil {
				log.Debug("stream aborted", metrics.Fields{"stream": st.ID(), "error": err.Error()})
				return
			}
			log.Debug("stream done", metrics.Fields{"stream": st.ID(), "bytes": n})
		}()
	}
}
