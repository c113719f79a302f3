// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"log/slog"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger             *slog.Logger
	clock              clock.PassiveClock
	registry           Registry
	heapProfileEnabled bool
	heapIntervalTicks  int
	profileOnInit      bool
	sampleBuffer       int
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		clock:        clock.RealClock{},
		sampleBuffer: 1024,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Profiler
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to timestamp samples
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithRegistry sets the worker registry; defaults to one worker per GOMAXPROCS
func WithRegistry(r Registry) OptionFn {
	return func(o *Opts) {
		o.registry = r
	}
}

// WithHeapProfile configures heap census scheduling. Heap ticks stay disabled unless
// enabled is true and intervalTicks is positive.
func WithHeapProfile(enabled bool, intervalTicks int) OptionFn {
	return func(o *Opts) {
		o.heapProfileEnabled = enabled
		o.heapIntervalTicks = intervalTicks
	}
}

// WithProfilingOnInit starts profiling ticks as part of Init
func WithProfilingOnInit(enabled bool) OptionFn {
	return func(o *Opts) {
		o.profileOnInit = enabled
	}
}

// WithSampleBuffer sets how many samples may wait for the reporter before new
// samples are dropped. Zero disables the queue; LastSample still tracks readings.
func WithSampleBuffer(n int) OptionFn {
	return func(o *Opts) {
		o.sampleBuffer = n
	}
}
