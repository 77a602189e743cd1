package main

import (
	"fmt"
	"strings"

	"github.com/lostlove-net/llp/pkg/config"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/tunnel"
)

// observability bundles what a command installs into its tunnel config.
type observability struct {
	collector *metrics.Collector
	tracer    metrics.Tracer
	logger    *metrics.Logger
}

var tracers = map[string]func() metrics.Tracer{
	"":       func() metrics.Tracer { return metrics.NoOpTracer{} },
	"none":   func() metrics.Tracer { return metrics.NoOpTracer{} },
	"simple": func() metrics.Tracer { return metrics.NewSimpleTracer() },
	"otel":   func() metrics.Tracer { return metrics.NewOTelTracer("") },
}

// setupObservability applies the --log-level and --log-format overrides to
// cfg, revalidates it, and builds the collector and tracer for a command.
func setupObservability(cfg *config.Config, logLevel, logFormat, tracing string) (*observability, error) {
	newTracer, ok := tracers[strings.ToLower(tracing)]
	if !ok {
		return nil, fmt.Errorf("tracing mode %q: want none, simple or otel", tracing)
	}
	if logLevel != "" {
		cfg.Monitoring.LogLevel = strings.ToLower(logLevel)
	}
	if logFormat != "" {
		cfg.Monitoring.LogFormat = strings.ToLower(logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &observability{
		collector: metrics.NewCollector(metrics.Labels{"service": "llp"}),
		tracer:    newTracer(),
		logger:    cfg.Logger().With(metrics.Fields{"app": "llp"}),
	}, nil
}

// install wires the observers into tc.
func (o *observability) install(tc *tunnel.Config) {
	tc.Logger = o.logger
	tc.ObserverFactory = func(s *tunnel.Session) tunnel.Observer {
		return metrics.NewTunnelObserver(metrics.TunnelObserverConfig{
			Collector: o.collector,
			Tracer:    o.tracer,
			Logger:    o.logger,
			SessionID: s.ID.String(),
			Role:      s.Role.String(),
		})
	}
	tc.RateLimitObserver = metrics.NewRateLimitObserver(o.collector, o.logger)
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
