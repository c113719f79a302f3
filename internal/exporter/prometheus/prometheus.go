// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	collector "github.com/raplprof/raplprof/internal/exporter/prometheus/collector"
	"github.com/raplprof/raplprof/internal/service"
)

type Initializer = service.Initializer

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors: map[string]prom.Collector{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors sets the debug collectors
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// Exporter serves the profiler metrics at /metrics
type Exporter struct {
	logger          *slog.Logger
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var _ Initializer = (*Exporter)(nil)

// NewExporter creates a new Exporter registering its endpoint on s
func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors builds the raplprof collectors. census may be nil; an empty
// procfs path leaves out the cpu info collector.
func CreateCollectors(procfs string, ticks collector.TickSource, units collector.UnitSource, census collector.CensusSource) (map[string]prom.Collector, error) {
	collectors := map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"profiler":   collector.NewProfilerCollector(ticks, units, census),
	}
	if procfs == "" {
		return collectors, nil
	}
	cpuInfoCollector, err := collector.NewCPUInfoCollector(procfs)
	if err != nil {
		return nil, err
	}
	collectors["cpu_info"] = cpuInfoCollector
	return collectors, nil
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")
	for _, name := range sortedKeys(e.debugCollectors) {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", name)
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", name, err)
		}
	}

	for _, name := range sortedKeys(e.collectors) {
		e.logger.Info("Enabling collector", "collector", name)
		if err := e.registry.Register(e.collectors[name]); err != nil {
			return fmt.Errorf("failed to register collector %s: %w", name, err)
		}
	}

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
			},
		))
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
