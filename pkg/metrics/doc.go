// Package metrics provides observability for LLP tunnels: counters and
// histograms, Prometheus text export, tracing hooks, structured logging,
// and health endpoints.
//
// # Collecting
//
// A Collector aggregates events from any number of sessions. Collectors are
// passed explicitly; there is no process-wide instance.
//
//	collector := metrics.NewCollector(metrics.Labels{"node": "edge-1"})
//	collector.SessionStarted()
//	collector.RecordRTT(42 * time.Millisecond)
//	snap := collector.Snapshot()
//
// # Tunnel Integration
//
// TunnelObserver satisfies the tunnel package's Observer interface and
// RateLimitObserver satisfies its admission hook. A server usually builds one
// observer per session:
//
//	cfg.ObserverFactory = func(s *tunnel.Session) tunnel.Observer {
//		return metrics.NewTunnelObserver(metrics.TunnelObserverConfig{
//			Collector: collector,
//			Tracer:    tracer,
//			Logger:    logger,
//			SessionID: s.ID.String(),
//			Role:      s.Role.String(),
//		})
//	}
//	cfg.RateLimitObserver = metrics.NewRateLimitObserver(collector, logger)
//
// # Export
//
// NewServer bundles the Prometheus exporter (metric names prefixed with
// "llp_" unless another namespace is configured) and the health handlers:
//
//	srv := metrics.NewServer(metrics.ServerConfig{
//		Collector:        collector,
//		Version:          version.String(),
//		EnablePrometheus: true,
//		EnableHealth:     true,
//	})
//	go srv.ListenAndServe(":9090")
//	defer srv.Shutdown(ctx)
//
// Endpoints: /metrics, /health, /livez (liveness, also /healthz), /readyz
// (readiness).
//
// # Tracing
//
// Tracer is a small span interface. NoOpTracer discards, SimpleTracer records
// spans in memory for tests, and OTelTracer forwards to an OpenTelemetry
// TracerProvider.
//
// # Logging
//
//	logger := metrics.NewLogger(
//		metrics.WithLevel(metrics.LevelInfo),
//		metrics.WithFormat(metrics.FormatJSON),
//	)
//	logger.Named("server").Info("listening", metrics.Fields{"addr": addr})
package metrics
