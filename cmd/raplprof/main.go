// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/raplprof/raplprof/config"
	"github.com/raplprof/raplprof/internal/census"
	"github.com/raplprof/raplprof/internal/device"
	"github.com/raplprof/raplprof/internal/exporter/prometheus"
	"github.com/raplprof/raplprof/internal/exporter/stdout"
	"github.com/raplprof/raplprof/internal/logger"
	"github.com/raplprof/raplprof/internal/profiler"
	"github.com/raplprof/raplprof/internal/server"
	"github.com/raplprof/raplprof/internal/service"
	"github.com/raplprof/raplprof/internal/version"
	"k8s.io/utils/ptr"
)

// fakeCPUModel is the model reported by the fake CPU descriptor (haswell)
const fakeCPUModel = 60

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	meter := createMeter(log, cfg)
	services, err := createServices(log, cfg, meter)
	if err != nil {
		log.Error("Failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		log.Error("Failed to initialize services", "error", err)
		closeMeter(log, meter)
		os.Exit(1)
	}

	log.Info("Starting raplprof")
	runErr := service.Run(context.Background(), log, services, os.Interrupt, syscall.SIGTERM)

	// the timer has stopped; no tick can read the registers any more
	closeMeter(log, meter)

	if runErr != nil {
		log.Error("raplprof terminated with an error", "error", runErr)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func closeMeter(log *slog.Logger, meter *device.RAPLMeter) {
	if err := meter.Close(); err != nil {
		log.Warn("Failed to close energy meter", "error", err)
	}
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("raplprof version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "raplprof"
	app := kingpin.New(appName, "Samples Intel RAPL energy counters on every profiling tick.")
	app.Version(version.Info().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log, _ := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		log.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		log.Info("Completed loading of configuration file", "path", *configFile)
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

// printConfigInfo writes to stderr; stdout carries the energy samples
func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func createMeter(log *slog.Logger, cfg *config.Config) *device.RAPLMeter {
	opts := []device.OptionFn{
		device.WithLogger(log),
		device.WithProcFS(cfg.Host.ProcFS),
		device.WithDevicePath(cfg.Rapl.DevicePath),
		device.WithCore(cfg.Rapl.Core),
	}

	if ptr.Deref(cfg.Dev.FakeMSR.Enabled, false) {
		log.Warn("Using fake MSR device; energy readings are synthetic")
		opts = append(opts,
			device.WithCPUInfoSource(device.NewFakeIntelCPU(runtime.NumCPU(), fakeCPUModel)),
			device.WithChannelOpener(device.FakeChannelOpener(cfg.Dev.FakeMSR.PowerUnit)),
		)
	}
	return device.NewRAPLMeter(opts...)
}

// collectorProcFS returns the procfs path for the cpu info collector. The fake
// register space runs without a host procfs, so it gets none.
func collectorProcFS(cfg *config.Config) string {
	if ptr.Deref(cfg.Dev.FakeMSR.Enabled, false) {
		return ""
	}
	return cfg.Host.ProcFS
}

func createServices(log *slog.Logger, cfg *config.Config, meter *device.RAPLMeter) ([]service.Service, error) {
	log.Debug("Creating all services")

	stdoutEnabled := ptr.Deref(cfg.Exporter.Stdout.Enabled, false)

	// without the stdout reporter nothing drains the sample queue
	sampleBuffer := cfg.Profiling.SampleBuffer
	if !stdoutEnabled {
		sampleBuffer = 0
	}

	prof := profiler.NewProfiler(meter,
		profiler.WithLogger(log),
		profiler.WithRegistry(profiler.NewStaticRegistry(cfg.Profiling.Workers)),
		profiler.WithHeapProfile(ptr.Deref(cfg.Heap.Enabled, false), cfg.Heap.IntervalTicks),
		profiler.WithProfilingOnInit(ptr.Deref(cfg.Profiling.Enabled, true)),
		profiler.WithSampleBuffer(sampleBuffer),
	)
	timer := profiler.NewTimer(prof, cfg.Profiling.TickInterval, nil, log)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	executor := census.NewExecutor(prof,
		census.WithLogger(log),
		census.WithProfileDir(cfg.Heap.ProfileDir),
		census.WithAPIServer(apiServer),
	)

	// the profiler initializes the meter, so it must come before every
	// service reading the calibration
	services := []service.Service{
		prof,
		apiServer,
		server.NewProbe(apiServer, prof, meter),
		executor,
	}

	if stdoutEnabled {
		services = append(services, stdout.NewExporter(prof, meter, stdout.WithLogger(log)))
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors, err := prometheus.CreateCollectors(collectorProcFS(cfg), prof, meter, executor)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus collectors: %w", err)
		}
		services = append(services, prometheus.NewExporter(apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	// the timer starts last so that no tick reaches a half-initialized pipeline
	services = append(services, timer)
	return services, nil
}
