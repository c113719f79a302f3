// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/raplprof/raplprof/internal/service"
	"k8s.io/utils/clock"
)

// EnergyMeter is the part of device.EnergyMeter used on each tick
type EnergyMeter interface {
	Init() error
	PackageEnergy() (joules float64, ok bool)
	CoreEnergy() (joules float64, ok bool)
}

// Sample is the energy reading taken on one enabled profiling tick.
// Available is false when no measurement could be taken; the joule fields are
// zero in that case and must not be read as a zero-cost measurement.
type Sample struct {
	Tick          uint64
	Time          time.Time
	Workers       int
	PackageJoules float64
	CoreJoules    float64
	Available     bool
}

// Profiler is the tick state machine. It owns the profiling and heap profiling
// tick flags, the heap census countdown and the tick counters.
//
// OnTick must not be called concurrently with itself. Every other method may be
// called from any goroutine.
type Profiler struct {
	logger   *slog.Logger
	meter    EnergyMeter
	registry Registry
	clock    clock.PassiveClock

	heapProfileEnabled bool
	heapIntervalTicks  int
	profileOnInit      bool

	profTicks atomic.Bool
	heapTicks atomic.Bool

	totalTicks      atomic.Uint64
	ticksRemaining  atomic.Int64
	censusRequested atomic.Bool
	censusRequests  atomic.Uint64

	samples chan Sample
	dropped atomic.Uint64

	lastTick      atomic.Uint64
	lastPackage   atomic.Uint64 // float64 bits
	lastCore      atomic.Uint64 // float64 bits
	lastAvailable atomic.Bool
}

var (
	_ service.Initializer = (*Profiler)(nil)
	_ service.Shutdowner  = (*Profiler)(nil)
)

// NewProfiler creates a Profiler sampling the given meter
func NewProfiler(meter EnergyMeter, applyOpts ...OptionFn) *Profiler {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	registry := opts.registry
	if registry == nil {
		registry = NewStaticRegistry(0)
	}
	var samples chan Sample
	if opts.sampleBuffer > 0 {
		samples = make(chan Sample, opts.sampleBuffer)
	}

	return &Profiler{
		logger:             opts.logger.With("service", "profiler"),
		meter:              meter,
		registry:           registry,
		clock:              opts.clock,
		heapProfileEnabled: opts.heapProfileEnabled,
		heapIntervalTicks:  opts.heapIntervalTicks,
		profileOnInit:      opts.profileOnInit,
		samples:            samples,
	}
}

func (p *Profiler) Name() string {
	return "profiler"
}

// Init resets the counters, arms the heap census countdown, starts heap profiling
// ticks if configured and calibrates the energy meter. A meter that fails to
// calibrate does not fail Init: samples are then reported as unavailable.
func (p *Profiler) Init() error {
	p.totalTicks.Store(0)
	p.censusRequested.Store(false)
	p.ticksRemaining.Store(int64(p.heapIntervalTicks))

	p.StartHeapProfiling()

	if err := p.meter.Init(); err != nil {
		p.logger.Warn("Energy sampling unavailable, profiling continues without energy data", "error", err)
	}

	if p.profileOnInit {
		p.StartProfiling()
	}

	p.logger.Info("Profiler initialized",
		"workers", len(p.registry.Workers()),
		"profiling", p.profTicks.Load(),
		"heap_profiling", p.heapTicks.Load(),
		"heap_interval_ticks", p.heapIntervalTicks)
	return nil
}

// Shutdown stops both kinds of ticks. Ticks already delivered complete normally.
func (p *Profiler) Shutdown() error {
	p.StopProfiling()
	p.StopHeapProfiling()
	return nil
}

// StartProfiling enables profiling ticks from the next tick on
func (p *Profiler) StartProfiling() {
	p.profTicks.Store(true)
}

// StopProfiling disables profiling ticks from the next tick on
func (p *Profiler) StopProfiling() {
	p.profTicks.Store(false)
}

// StartHeapProfiling enables heap profiling ticks, but only when heap profiling is
// configured and the interval is positive. A zero or negative interval would fire
// a census on every tick.
func (p *Profiler) StartHeapProfiling() {
	if p.heapProfileEnabled && p.heapIntervalTicks > 0 {
		p.heapTicks.Store(true)
	}
}

// StopHeapProfiling disables heap profiling ticks
func (p *Profiler) StopHeapProfiling() {
	p.heapTicks.Store(false)
}

func (p *Profiler) ProfilingEnabled() bool {
	return p.profTicks.Load()
}

func (p *Profiler) HeapProfilingEnabled() bool {
	return p.heapTicks.Load()
}

// OnTick handles one timer tick. It only updates counters, reads the energy
// registers and queues a sample; it never blocks and never formats output.
func (p *Profiler) OnTick() {
	tick := p.totalTicks.Add(1)

	if p.profTicks.Load() {
		workers := p.registry.Workers()
		for _, w := range workers {
			w.tick()
		}
		p.sample(tick, len(workers))
	}

	if p.heapTicks.Load() {
		if p.ticksRemaining.Add(-1) <= 0 {
			p.ticksRemaining.Store(int64(p.heapIntervalTicks))
			p.censusRequested.Store(true)
			p.censusRequests.Add(1)
		}
	}
}

func (p *Profiler) sample(tick uint64, workers int) {
	s := Sample{Tick: tick, Time: p.clock.Now(), Workers: workers}
	s.PackageJoules, s.Available = p.meter.PackageEnergy()
	if s.Available {
		s.CoreJoules, _ = p.meter.CoreEnergy()
	}

	p.lastPackage.Store(math.Float64bits(s.PackageJoules))
	p.lastCore.Store(math.Float64bits(s.CoreJoules))
	p.lastAvailable.Store(s.Available)
	p.lastTick.Store(tick)

	if p.samples == nil {
		return
	}
	select {
	case p.samples <- s:
	default:
		p.dropped.Add(1)
	}
}

// Samples returns the queue of samples waiting to be reported; nil when the
// profiler was created without a sample queue
func (p *Profiler) Samples() <-chan Sample {
	return p.samples
}

// DroppedSamples returns the number of samples dropped because the queue was full
func (p *Profiler) DroppedSamples() uint64 {
	return p.dropped.Load()
}

// LastSample returns the most recent sample without its timestamp; ok is false
// before the first profiling tick. Fields are loaded individually and may mix two
// consecutive ticks when read concurrently with OnTick.
func (p *Profiler) LastSample() (Sample, bool) {
	tick := p.lastTick.Load()
	if tick == 0 {
		return Sample{}, false
	}
	return Sample{
		Tick:          tick,
		Workers:       len(p.registry.Workers()),
		PackageJoules: math.Float64frombits(p.lastPackage.Load()),
		CoreJoules:    math.Float64frombits(p.lastCore.Load()),
		Available:     p.lastAvailable.Load(),
	}, true
}

// TotalTicks returns the number of ticks handled since Init, enabled or not
func (p *Profiler) TotalTicks() uint64 {
	return p.totalTicks.Load()
}

// TicksRemaining returns the ticks left before the next heap census request
func (p *Profiler) TicksRemaining() int64 {
	return p.ticksRemaining.Load()
}

// Workers returns the registered workers
func (p *Profiler) Workers() []*Worker {
	return p.registry.Workers()
}

// CensusRequested reports whether a heap census is pending
func (p *Profiler) CensusRequested() bool {
	return p.censusRequested.Load()
}

// ClearCensusRequest acknowledges a pending census. The profiler never clears the
// request itself; the census executor does after acting on it.
func (p *Profiler) ClearCensusRequest() {
	p.censusRequested.Store(false)
}

// CensusRequests returns how many times the countdown has requested a census
func (p *Profiler) CensusRequests() uint64 {
	return p.censusRequests.Load()
}
