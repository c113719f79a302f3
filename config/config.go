// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		ProcFS string `yaml:"procfs"`
	}

	Rapl struct {
		DevicePath string `yaml:"device-path"` // must contain one %d for the core id
		Core       int    `yaml:"core"`
	}

	Profiling struct {
		Enabled      *bool         `yaml:"enabled"`
		TickInterval time.Duration `yaml:"tick-interval"`

		// Workers is the number of registered workers; 0 uses GOMAXPROCS
		Workers int `yaml:"workers"`

		// SampleBuffer bounds the samples waiting for the reporters; samples
		// arriving while it is full are dropped and counted
		SampleBuffer int `yaml:"sample-buffer"`
	}

	Heap struct {
		Enabled *bool `yaml:"enabled"`
		// IntervalTicks <= 0 leaves heap ticks disabled
		IntervalTicks int    `yaml:"interval-ticks"`
		ProfileDir    string `yaml:"profile-dir"`
	}

	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeMSR struct {
			Enabled   *bool  `yaml:"enabled"`
			PowerUnit uint64 `yaml:"power-unit"`
		} `yaml:"fake-msr"`
	}

	Config struct {
		Log       Log       `yaml:"log"`
		Host      Host      `yaml:"host"`
		Rapl      Rapl      `yaml:"rapl"`
		Profiling Profiling `yaml:"profiling"`
		Heap      Heap      `yaml:"heap"`
		Exporter  Exporter  `yaml:"exporter"`
		Web       Web       `yaml:"web"`
		Debug     Debug     `yaml:"debug"`
		Dev       Dev       `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	DefaultPort         = ":28283"
	DefaultDevicePath   = "/dev/cpu/%d/msr"
	DefaultPowerUnitRaw = 0xA1003
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"

	RaplDevicePathFlag = "rapl.device-path"
	RaplCoreFlag       = "rapl.core"

	ProfilingEnabledFlag      = "profiling"
	ProfilingTickIntervalFlag = "profiling.tick-interval"
	ProfilingWorkersFlag      = "profiling.workers"
	ProfilingSampleBuffer     = "profiling.sample-buffer" // not a flag

	HeapEnabledFlag       = "heap"
	HeapIntervalTicksFlag = "heap.interval-ticks"
	HeapProfileDirFlag    = "heap.profile-dir"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag = "exporter.stdout"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	DevFakeMSR = "dev.fake-msr" // not a flag
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
		},
		Rapl: Rapl{
			DevicePath: DefaultDevicePath,
		},
		Profiling: Profiling{
			Enabled:      ptr.To(true),
			TickInterval: 20 * time.Millisecond,
			SampleBuffer: 1024,
		},
		Heap: Heap{
			Enabled:       ptr.To(false),
			IntervalTicks: 5,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(true),
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(false),
				DebugCollectors: []string{"go"},
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultPort},
		},
	}

	cfg.Dev.FakeMSR.Enabled = ptr.To(false)
	cfg.Dev.FakeMSR.PowerUnit = DefaultPowerUnitRaw
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").String()

	devicePath := app.Flag(RaplDevicePathFlag, "MSR device path template; %d is replaced by the core id").Default(DefaultDevicePath).String()
	core := app.Flag(RaplCoreFlag, "Core whose MSR device is read").Default("0").Int()

	profiling := app.Flag(ProfilingEnabledFlag, "Start profiling ticks on startup").Default("true").Bool()
	tickInterval := app.Flag(ProfilingTickIntervalFlag, "Interval between profiling ticks").Default("20ms").Duration()
	workers := app.Flag(ProfilingWorkersFlag, "Number of registered workers; 0 for GOMAXPROCS").Default("0").Int()

	heap := app.Flag(HeapEnabledFlag, "Enable heap census requests").Default("false").Bool()
	heapInterval := app.Flag(HeapIntervalTicksFlag, "Ticks between heap census requests; <= 0 disables heap ticks").Default("5").Int()
	heapDir := app.Flag(HeapProfileDirFlag, "Directory for heap profiles written on each census; empty to skip").Default("").String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultPort).Strings()

	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("true").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("false").Bool()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[RaplDevicePathFlag] {
			cfg.Rapl.DevicePath = *devicePath
		}
		if flagsSet[RaplCoreFlag] {
			cfg.Rapl.Core = *core
		}

		if flagsSet[ProfilingEnabledFlag] {
			cfg.Profiling.Enabled = profiling
		}
		if flagsSet[ProfilingTickIntervalFlag] {
			cfg.Profiling.TickInterval = *tickInterval
		}
		if flagsSet[ProfilingWorkersFlag] {
			cfg.Profiling.Workers = *workers
		}

		if flagsSet[HeapEnabledFlag] {
			cfg.Heap.Enabled = heap
		}
		if flagsSet[HeapIntervalTicksFlag] {
			cfg.Heap.IntervalTicks = *heapInterval
		}
		if flagsSet[HeapProfileDirFlag] {
			cfg.Heap.ProfileDir = *heapDir
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Rapl.DevicePath = strings.TrimSpace(c.Rapl.DevicePath)
	c.Heap.ProfileDir = strings.TrimSpace(c.Heap.ProfileDir)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
		switch c.Log.Format {
		case "text", "json":
		default:
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host; the fake MSR device does not read procfs
		if !validationSkipped[SkipHostValidation] && !ptr.Deref(c.Dev.FakeMSR.Enabled, false) {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // rapl
		if n := strings.Count(c.Rapl.DevicePath, "%d"); n != 1 || strings.Count(c.Rapl.DevicePath, "%") != 1 {
			errs = append(errs, fmt.Sprintf("invalid rapl device path %q: must contain exactly one %%d", c.Rapl.DevicePath))
		}
		if c.Rapl.Core < 0 {
			errs = append(errs, fmt.Sprintf("invalid rapl core: %d can't be negative", c.Rapl.Core))
		}
	}
	{ // profiling
		if c.Profiling.TickInterval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid tick interval: %s must be positive", c.Profiling.TickInterval))
		}
		if c.Profiling.Workers < 0 {
			errs = append(errs, fmt.Sprintf("invalid workers: %d can't be negative", c.Profiling.Workers))
		}
		if c.Profiling.SampleBuffer <= 0 {
			errs = append(errs, fmt.Sprintf("invalid sample buffer: %d must be positive", c.Profiling.SampleBuffer))
		}
	}
	{ // heap profile directory is created on demand; it only has to be a directory if it exists
		if dir := c.Heap.ProfileDir; dir != "" {
			if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
				errs = append(errs, fmt.Sprintf("invalid heap profile dir %q: not a directory", dir))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(bytes)
}
