// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/raplprof/raplprof/internal/device"
	"github.com/raplprof/raplprof/internal/profiler"
	"github.com/raplprof/raplprof/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// SampleSource is the queue of tick samples produced by the profiler
type SampleSource interface {
	Samples() <-chan profiler.Sample
	DroppedSamples() uint64
}

// CalibrationSource reports the RAPL units the meter calibrated
type CalibrationSource interface {
	Calibration() (device.Calibration, bool)
	MaxEnergy() (float64, bool)
}

// Exporter is the reporting phase of the tick pipeline: it formats the samples
// queued by OnTick and writes them out, away from the tick path.
type Exporter struct {
	logger *slog.Logger
	source SampleSource
	units  CalibrationSource
	out    io.Writer
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger *slog.Logger
	out    io.Writer
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
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

// WithOutput sets where samples are written; the writer is never closed
func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func NewExporter(source SampleSource, units CalibrationSource, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger: opts.logger.With("service", "stdout"),
		source: source,
		units:  units,
		out:    opts.out,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}

// Init writes the calibrated units. It must run after the meter is initialized.
func (e *Exporter) Init() error {
	writeCalibration(e.out, e.units)
	return nil
}

// Run writes queued samples until ctx is done, then writes whatever is still queued
func (e *Exporter) Run(ctx context.Context) error {
	samples := e.source.Samples()
	for {
		select {
		case s := <-samples:
			e.write(s)
		case <-ctx.Done():
			e.drain(samples)
			e.logger.Info("Exiting reporter")
			return nil
		}
	}
}

func (e *Exporter) drain(samples <-chan profiler.Sample) {
	for {
		select {
		case s := <-samples:
			e.write(s)
		default:
			return
		}
	}
}

func (e *Exporter) write(s profiler.Sample) {
	if err := writeSample(e.out, s); err != nil {
		e.logger.Warn("Failed to write sample", "tick", s.Tick, "error", err)
	}
}

func (e *Exporter) Shutdown() error {
	if dropped := e.source.DroppedSamples(); dropped > 0 {
		e.logger.Warn("Samples were dropped because the reporter fell behind", "dropped", dropped)
	}
	return nil
}

// writeSample writes one line per worker ticked by the sample
func writeSample(out io.Writer, s profiler.Sample) error {
	line := "Package energy: unavailable\n"
	if s.Available {
		line = fmt.Sprintf("Package energy: %.6fJ\n", s.PackageJoules)
	}
	for range s.Workers {
		if _, err := io.WriteString(out, line); err != nil {
			return err
		}
	}
	return nil
}

func writeCalibration(out io.Writer, units CalibrationSource) {
	c, ok := units.Calibration()
	if !ok {
		_, _ = io.WriteString(out, "RAPL units: unavailable\n")
		return
	}
	maxEnergy, _ := units.MaxEnergy()

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Unit", "Value"})
	_ = table.Bulk([][]string{
		{"power (W)", fmt.Sprintf("%.6f", c.PowerUnit)},
		{"energy (J)", fmt.Sprintf("%.9f", c.EnergyUnit)},
		{"time (s)", fmt.Sprintf("%.9f", c.TimeUnit)},
		{"counter range (J)", fmt.Sprintf("%.3f", maxEnergy)},
	})
	_ = table.Render()
}
