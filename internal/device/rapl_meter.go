// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
)

// ExitTornRead is the process exit status used when a register read is torn
const ExitTornRead = 127

// EnergyMeter reads calibrated RAPL energy counters.
// Every read returns ok=false when calibration did not succeed; callers must treat
// that as "no measurement", never as zero.
type EnergyMeter interface {
	Init() error
	Available() bool
	Calibration() (Calibration, bool)
	PackageEnergy() (joules float64, ok bool)
	CoreEnergy() (joules float64, ok bool)
	CorePolicy() (policy int, ok bool)
	MaxEnergy() (joules float64, ok bool)
	Close() error
}

// ChannelOpener opens the register space of a core
type ChannelOpener func(pathTemplate string, core int) (RegisterChannel, error)

// RAPLMeter implements EnergyMeter for a single core of an Intel family 6 CPU
type RAPLMeter struct {
	logger     *slog.Logger
	procFS     string
	cpuInfo    CPUInfoSource
	devicePath string
	core       int
	open       ChannelOpener
	fatal      func(error)

	// set once by Init, read-only afterwards
	model   int
	channel RegisterChannel
	units   Calibration
}

var _ EnergyMeter = (*RAPLMeter)(nil)

type Opts struct {
	logger     *slog.Logger
	procFS     string
	cpuInfo    CPUInfoSource
	devicePath string
	core       int
	open       ChannelOpener
	fatal      func(error)
}

// DefaultOpts returns the options of a meter reading core 0 through the msr driver
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		procFS:     "/proc",
		devicePath: DefaultDevicePath,
		core:       0,
		open:       OpenChannel,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the RAPLMeter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithProcFS sets the procfs mount point used for CPU detection
func WithProcFS(path string) OptionFn {
	return func(o *Opts) {
		o.procFS = path
	}
}

// WithCPUInfoSource replaces procfs based CPU detection
func WithCPUInfoSource(src CPUInfoSource) OptionFn {
	return func(o *Opts) {
		o.cpuInfo = src
	}
}

// WithDevicePath sets the msr device path template
func WithDevicePath(path string) OptionFn {
	return func(o *Opts) {
		o.devicePath = path
	}
}

// WithCore sets the core whose register space is read
func WithCore(core int) OptionFn {
	return func(o *Opts) {
		o.core = core
	}
}

// WithChannelOpener replaces OpenChannel
func WithChannelOpener(open ChannelOpener) OptionFn {
	return func(o *Opts) {
		o.open = open
	}
}

// WithFatalHandler sets the function called on a torn register read.
// The default logs the error and exits with ExitTornRead.
func WithFatalHandler(fn func(error)) OptionFn {
	return func(o *Opts) {
		o.fatal = fn
	}
}

// NewRAPLMeter creates an uncalibrated meter; Init must be called before reading
func NewRAPLMeter(applyOpts ...OptionFn) *RAPLMeter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "rapl-msr")
	fatal := opts.fatal
	if fatal == nil {
		fatal = exitOnTornRead(logger)
	}

	return &RAPLMeter{
		logger:     logger,
		procFS:     opts.procFS,
		cpuInfo:    opts.cpuInfo,
		devicePath: opts.devicePath,
		core:       opts.core,
		open:       opts.open,
		fatal:      fatal,
		model:      -1,
	}
}

func exitOnTornRead(logger *slog.Logger) func(error) {
	return func(err error) {
		logger.Error("Torn MSR read, terminating", "error", err, "exit_code", ExitTornRead)
		os.Exit(ExitTornRead)
	}
}

func (m *RAPLMeter) Name() string {
	return "rapl-msr"
}

// Init detects the CPU, opens the register channel and calibrates the units, in that order.
// Detection and access failures leave the meter permanently unavailable and are returned
// for logging; they are not fatal. A torn read of the power unit register is fatal.
func (m *RAPLMeter) Init() error {
	if m.channel != nil {
		return nil
	}

	src := m.cpuInfo
	if src == nil {
		var err error
		if src, err = NewProcFSCPUInfo(m.procFS); err != nil {
			return m.unavailable("cpu detection failed", err)
		}
	}

	model, err := DetectCPU(src)
	if err != nil {
		return m.unavailable("cpu detection failed", err)
	}
	m.model = model
	m.logger.Info("Detected Intel CPU", "model", model, "name", ModelName(model))

	ch, err := m.open(m.devicePath, m.core)
	if err != nil {
		return m.unavailable("failed to open MSR channel", err)
	}

	units, err := Calibrate(ch)
	if err != nil {
		var torn *TornReadError
		if errors.As(err, &torn) {
			m.fatal(err)
		}
		if closeErr := ch.Close(); closeErr != nil {
			m.logger.Warn("Failed to close MSR channel", "error", closeErr)
		}
		return m.unavailable("calibration failed", err)
	}

	m.channel = ch
	m.units = units
	m.logger.Info("RAPL units calibrated",
		"path", ch.Path(),
		"power_unit_w", units.PowerUnit,
		"energy_unit_j", units.EnergyUnit,
		"time_unit_s", units.TimeUnit)

	return nil
}

func (m *RAPLMeter) unavailable(msg string, err error) error {
	m.logger.Warn("Energy counters unavailable", "reason", msg, "error", err)
	return fmt.Errorf("%s: %w", msg, err)
}

// Available reports whether calibration succeeded
func (m *RAPLMeter) Available() bool {
	return m.channel != nil
}

// Model returns the detected CPU model, or -1
func (m *RAPLMeter) Model() int {
	return m.model
}

func (m *RAPLMeter) Calibration() (Calibration, bool) {
	if m.channel == nil {
		return Calibration{}, false
	}
	return m.units, true
}

// PackageEnergy returns the package domain counter in joules.
// The counter wraps around; no wraparound correction is applied.
func (m *RAPLMeter) PackageEnergy() (float64, bool) {
	return m.readEnergy(MSRPkgEnergyStatus)
}

// CoreEnergy returns the PP0 (core) domain counter in joules
func (m *RAPLMeter) CoreEnergy() (float64, bool) {
	return m.readEnergy(MSRPP0EnergyStatus)
}

// CorePolicy returns the low 5 bits of MSR_PP0_POLICY
func (m *RAPLMeter) CorePolicy() (int, bool) {
	raw, ok := m.read(MSRPP0Policy)
	if !ok {
		return 0, false
	}
	return int(raw & pp0PolicyMask), true
}

// MaxEnergy returns the joule value at which the 32-bit counters wrap
func (m *RAPLMeter) MaxEnergy() (float64, bool) {
	if m.channel == nil {
		return 0, false
	}
	return float64(math.MaxUint32) * m.units.EnergyUnit, true
}

func (m *RAPLMeter) readEnergy(offset uint32) (float64, bool) {
	raw, ok := m.read(offset)
	if !ok {
		return 0, false
	}
	return float64(raw) * m.units.EnergyUnit, true
}

func (m *RAPLMeter) read(offset uint32) (uint64, bool) {
	if m.channel == nil {
		return 0, false
	}
	raw, err := m.channel.ReadRegister(offset)
	if err != nil {
		m.fatal(err)
		return 0, false
	}
	return raw, true
}

// Close releases the register channel; the meter is unavailable afterwards
func (m *RAPLMeter) Close() error {
	if m.channel == nil {
		return nil
	}
	err := m.channel.Close()
	m.channel = nil
	return err
}
