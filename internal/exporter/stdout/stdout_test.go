// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raplprof/raplprof/internal/device"
	"github.com/raplprof/raplprof/internal/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	samples chan profiler.Sample
	dropped uint64
}

func newFakeSource(samples ...profiler.Sample) *fakeSource {
	s := &fakeSource{samples: make(chan profiler.Sample, 16)}
	for _, sample := range samples {
		s.samples <- sample
	}
	return s
}

func (f *fakeSource) Samples() <-chan profiler.Sample { return f.samples }
func (f *fakeSource) DroppedSamples() uint64          { return f.dropped }

type mockUnits struct {
	mock.Mock
}

func (m *mockUnits) Calibration() (device.Calibration, bool) {
	args := m.Called()
	return args.Get(0).(device.Calibration), args.Bool(1)
}

func (m *mockUnits) MaxEnergy() (float64, bool) {
	args := m.Called()
	return args.Get(0).(float64), args.Bool(1)
}

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func unavailableUnits() *mockUnits {
	units := &mockUnits{}
	units.On("Calibration").Return(device.Calibration{}, false)
	units.On("MaxEnergy").Return(0.0, false).Maybe()
	return units
}

func TestNewExporter(t *testing.T) {
	source := newFakeSource()
	units := unavailableUnits()

	t.Run("default options", func(t *testing.T) {
		exporter := NewExporter(source, units)
		assert.Equal(t, "stdout", exporter.Name())
		assert.Same(t, os.Stdout, exporter.out)
		assert.Same(t, source, exporter.source)
	})

	t.Run("custom output", func(t *testing.T) {
		buf := &bytes.Buffer{}
		exporter := NewExporter(source, units, WithLogger(testLogger()), WithOutput(buf))
		assert.Same(t, buf, exporter.out)
	})
}

func TestWriteSample(t *testing.T) {
	tests := []struct {
		name     string
		sample   profiler.Sample
		expected string
	}{{
		name:     "one line per worker",
		sample:   profiler.Sample{Workers: 2, PackageJoules: 125, Available: true},
		expected: "Package energy: 125.000000J\nPackage energy: 125.000000J\n",
	}, {
		name:     "sub-joule precision",
		sample:   profiler.Sample{Workers: 1, PackageJoules: 0.0000153, Available: true},
		expected: "Package energy: 0.000015J\n",
	}, {
		name:     "unavailable is not zero",
		sample:   profiler.Sample{Workers: 1},
		expected: "Package energy: unavailable\n",
	}, {
		name:     "no workers",
		sample:   profiler.Sample{Workers: 0, PackageJoules: 1, Available: true},
		expected: "",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Buffer{}
			require.NoError(t, writeSample(&buf, tt.sample))
			assert.Equal(t, tt.expected, buf.String())
		})
	}

	assert.Error(t, writeSample(failingWriter{}, profiler.Sample{Workers: 1}))
}

func TestExporter_Init(t *testing.T) {
	t.Run("calibrated units are written as a table", func(t *testing.T) {
		units := &mockUnits{}
		units.On("Calibration").Return(device.DecodeUnits(0xA1003), true)
		units.On("MaxEnergy").Return(65535.99998, true)

		buf := &bytes.Buffer{}
		exporter := NewExporter(newFakeSource(), units, WithLogger(testLogger()), WithOutput(buf))
		require.NoError(t, exporter.Init())

		out := buf.String()
		assert.Contains(t, out, "0.125000")
		assert.Contains(t, out, "0.000015259")
		assert.Contains(t, out, "0.00097656")
		assert.Contains(t, out, "65536.000")
		units.AssertExpectations(t)
	})

	t.Run("uncalibrated meter", func(t *testing.T) {
		buf := &bytes.Buffer{}
		exporter := NewExporter(newFakeSource(), unavailableUnits(), WithLogger(testLogger()), WithOutput(buf))
		require.NoError(t, exporter.Init())
		assert.Equal(t, "RAPL units: unavailable\n", buf.String())
	})
}

func TestExporter_Run(t *testing.T) {
	source := newFakeSource(
		profiler.Sample{Tick: 1, Workers: 1, PackageJoules: 1.5, Available: true},
		profiler.Sample{Tick: 2, Workers: 1},
	)
	buf := &syncBuffer{}
	exporter := NewExporter(source, unavailableUnits(), WithLogger(testLogger()), WithOutput(buf))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- exporter.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") == 2
	}, time.Second, time.Millisecond)

	source.samples <- profiler.Sample{Tick: 3, Workers: 1, PackageJoules: 2, Available: true}
	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") == 3
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t,
		"Package energy: 1.500000J\nPackage energy: unavailable\nPackage energy: 2.000000J\n",
		buf.String())
}

func TestExporter_RunDrainsOnCancel(t *testing.T) {
	source := newFakeSource(
		profiler.Sample{Tick: 1, Workers: 1, PackageJoules: 1, Available: true},
		profiler.Sample{Tick: 2, Workers: 1, PackageJoules: 2, Available: true},
	)
	buf := &bytes.Buffer{}
	exporter := NewExporter(source, unavailableUnits(), WithLogger(testLogger()), WithOutput(buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, exporter.Run(ctx))

	assert.Equal(t, 2, strings.Count(buf.String(), "Package energy:"))
	assert.Empty(t, source.samples)
}

func TestExporter_WriteErrorIsNotFatal(t *testing.T) {
	source := newFakeSource(profiler.Sample{Tick: 1, Workers: 1, Available: true})
	exporter := NewExporter(source, unavailableUnits(), WithLogger(testLogger()), WithOutput(failingWriter{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, exporter.Run(ctx))
}

func TestExporter_Shutdown(t *testing.T) {
	source := newFakeSource()
	source.dropped = 3
	exporter := NewExporter(source, unavailableUnits(), WithLogger(testLogger()), WithOutput(&bytes.Buffer{}))
	assert.NoError(t, exporter.Shutdown())
}
