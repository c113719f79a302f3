// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/raplprof/raplprof/internal/device"
	"github.com/raplprof/raplprof/internal/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

type constMeter struct {
	joules float64
}

func (c constMeter) Init() error                    { return nil }
func (c constMeter) PackageEnergy() (float64, bool) { return c.joules, true }
func (c constMeter) CoreEnergy() (float64, bool)    { return c.joules / 2, true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestNewExporter(t *testing.T) {
	mockRegistry := &MockAPIRegistry{}
	exporter := NewExporter(mockRegistry, WithLogger(testLogger()), WithDebugCollectors([]string{"process"}))

	assert.Equal(t, "prometheus", exporter.Name())
	assert.NotNil(t, exporter.registry)
	assert.Same(t, mockRegistry, exporter.server)
	assert.Equal(t, map[string]bool{"process": true}, exporter.debugCollectors)
}

func TestExporter_Init(t *testing.T) {
	t.Run("registers metrics endpoint", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(mockRegistry, WithLogger(testLogger()))
		assert.NoError(t, exporter.Init())
		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(mockRegistry, WithLogger(testLogger()))
		assert.ErrorIs(t, exporter.Init(), expectedErr)
	})

	t.Run("unknown debug collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		exporter := NewExporter(mockRegistry, WithLogger(testLogger()),
			WithDebugCollectors([]string{"unknown_collector"}))

		assert.ErrorContains(t, exporter.Init(), "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("duplicate collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		exporter := NewExporter(mockRegistry, WithLogger(testLogger()),
			WithDebugCollectors(nil),
			WithCollectors(map[string]prom.Collector{
				"a": prom.NewCounter(prom.CounterOpts{Name: "dup_total", Help: "h"}),
				"b": prom.NewCounter(prom.CounterOpts{Name: "dup_total", Help: "h"}),
			}))

		assert.ErrorContains(t, exporter.Init(), "failed to register collector b")
	})
}

func TestCollectorForName(t *testing.T) {
	for _, name := range []string{"go", "process"} {
		t.Run(name, func(t *testing.T) {
			c, err := collectorForName(name)
			require.NoError(t, err)
			assert.NoError(t, prom.NewRegistry().Register(c))
		})
	}

	c, err := collectorForName("unknown")
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "unknown collector: unknown")
}

func TestDefaultOpts(t *testing.T) {
	opts := DefaultOpts()
	assert.NotNil(t, opts.logger)
	assert.True(t, opts.debugCollectors["go"])
	assert.Empty(t, opts.collectors)
}

func TestCreateCollectors(t *testing.T) {
	p := profiler.NewProfiler(constMeter{}, profiler.WithLogger(testLogger()))

	coll, err := CreateCollectors(t.TempDir(), p, nil, nil)
	require.NoError(t, err)
	assert.Len(t, coll, 3)
	assert.Contains(t, coll, "profiler")
	assert.Contains(t, coll, "cpu_info")
	assert.Contains(t, coll, "build_info")

	_, err = CreateCollectors("/does/not/exist", p, nil, nil)
	assert.Error(t, err)

	t.Run("without procfs", func(t *testing.T) {
		coll, err := CreateCollectors("", p, nil, nil)
		require.NoError(t, err)
		assert.Len(t, coll, 2)
		assert.NotContains(t, coll, "cpu_info")
	})
}

func TestExporter_Scrape(t *testing.T) {
	p := profiler.NewProfiler(constMeter{joules: 125},
		profiler.WithLogger(testLogger()),
		profiler.WithRegistry(profiler.NewStaticRegistry(2)),
		profiler.WithProfilingOnInit(true))
	require.NoError(t, p.Init())
	p.OnTick()
	p.OnTick()

	coll, err := CreateCollectors(t.TempDir(), p, fakeUnits{}, nil)
	require.NoError(t, err)

	var handler http.Handler
	mockRegistry := &MockAPIRegistry{}
	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(3).(http.Handler) }).
		Return(nil)

	exporter := NewExporter(mockRegistry, WithLogger(testLogger()), WithCollectors(coll))
	require.NoError(t, exporter.Init())
	require.NotNil(t, handler)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "raplprof_ticks_total 2")
	assert.Contains(t, text, `raplprof_worker_ticks_total{worker="1"} 2`)
	assert.Contains(t, text, "raplprof_package_joules 125")
	assert.Contains(t, text, "raplprof_core_joules 62.5")
	assert.Contains(t, text, "raplprof_energy_available 1")
	assert.Contains(t, text, `raplprof_rapl_unit{unit="power"} 0.125`)
	assert.Contains(t, text, "raplprof_build_info")
	assert.Contains(t, text, "go_goroutines")
}

type fakeUnits struct{}

func (fakeUnits) Calibration() (device.Calibration, bool) {
	return device.DecodeUnits(0xA1003), true
}
