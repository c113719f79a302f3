// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/raplprof/raplprof/internal/census"
	"github.com/raplprof/raplprof/internal/device"
	"github.com/raplprof/raplprof/internal/profiler"
)

// TickSource exposes the profiler's counters
type TickSource interface {
	TotalTicks() uint64
	Workers() []*profiler.Worker
	LastSample() (profiler.Sample, bool)
	CensusRequests() uint64
	DroppedSamples() uint64
}

// UnitSource exposes the calibrated RAPL units
type UnitSource interface {
	Calibration() (device.Calibration, bool)
}

// CensusSource exposes the most recent heap census
type CensusSource interface {
	Latest() (census.Census, bool)
}

// ProfilerCollector reads the profiler state on every scrape. It never blocks the
// tick path: all reads are atomic loads on the profiler side.
type ProfilerCollector struct {
	ticks  TickSource
	units  UnitSource
	census CensusSource

	ticksTotal       *prom.Desc
	workerTicksTotal *prom.Desc
	packageJoules    *prom.Desc
	coreJoules       *prom.Desc
	energyAvailable  *prom.Desc
	raplUnit         *prom.Desc
	censusRequests   *prom.Desc
	heapCensusBytes  *prom.Desc
	samplesDropped   *prom.Desc
}

var _ prom.Collector = (*ProfilerCollector)(nil)

// NewProfilerCollector creates a ProfilerCollector; units and c may be nil
func NewProfilerCollector(ticks TickSource, units UnitSource, c CensusSource) *ProfilerCollector {
	return &ProfilerCollector{
		ticks:  ticks,
		units:  units,
		census: c,

		ticksTotal: prom.NewDesc(
			prom.BuildFQName(namespace, "", "ticks_total"),
			"Timer ticks handled, enabled or not",
			nil, nil),
		workerTicksTotal: prom.NewDesc(
			prom.BuildFQName(namespace, "", "worker_ticks_total"),
			"Profiling ticks accounted to each worker",
			[]string{"worker"}, nil),
		packageJoules: prom.NewDesc(
			prom.BuildFQName(namespace, "", "package_joules"),
			"Package energy counter at the last profiling tick; wraps without correction",
			nil, nil),
		coreJoules: prom.NewDesc(
			prom.BuildFQName(namespace, "", "core_joules"),
			"Core (PP0) energy counter at the last profiling tick; wraps without correction",
			nil, nil),
		energyAvailable: prom.NewDesc(
			prom.BuildFQName(namespace, "", "energy_available"),
			"1 if the last profiling tick produced an energy measurement",
			nil, nil),
		raplUnit: prom.NewDesc(
			prom.BuildFQName(namespace, "", "rapl_unit"),
			"Calibrated RAPL unit per LSB: watts, joules or seconds",
			[]string{"unit"}, nil),
		censusRequests: prom.NewDesc(
			prom.BuildFQName(namespace, "", "census_requests_total"),
			"Heap census requests raised by the tick countdown",
			nil, nil),
		heapCensusBytes: prom.NewDesc(
			prom.BuildFQName(namespace, "", "heap_census_bytes"),
			"Heap sizes recorded by the last heap census",
			[]string{"kind"}, nil),
		samplesDropped: prom.NewDesc(
			prom.BuildFQName(namespace, "", "samples_dropped_total"),
			"Samples dropped because the reporter queue was full",
			nil, nil),
	}
}

func (c *ProfilerCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.ticksTotal
	ch <- c.workerTicksTotal
	ch <- c.packageJoules
	ch <- c.coreJoules
	ch <- c.energyAvailable
	ch <- c.raplUnit
	ch <- c.censusRequests
	ch <- c.heapCensusBytes
	ch <- c.samplesDropped
}

func (c *ProfilerCollector) Collect(ch chan<- prom.Metric) {
	ch <- prom.MustNewConstMetric(c.ticksTotal, prom.CounterValue, float64(c.ticks.TotalTicks()))
	for _, w := range c.ticks.Workers() {
		ch <- prom.MustNewConstMetric(c.workerTicksTotal, prom.CounterValue,
			float64(w.Ticks()), strconv.Itoa(w.ID()))
	}
	ch <- prom.MustNewConstMetric(c.censusRequests, prom.CounterValue, float64(c.ticks.CensusRequests()))
	ch <- prom.MustNewConstMetric(c.samplesDropped, prom.CounterValue, float64(c.ticks.DroppedSamples()))

	c.collectEnergy(ch)
	c.collectUnits(ch)
	c.collectCensus(ch)
}

// collectEnergy omits the joule series when no measurement exists rather than
// reporting zero
func (c *ProfilerCollector) collectEnergy(ch chan<- prom.Metric) {
	s, ok := c.ticks.LastSample()
	available := ok && s.Available

	ch <- prom.MustNewConstMetric(c.energyAvailable, prom.GaugeValue, boolToFloat(available))
	if !available {
		return
	}
	ch <- prom.MustNewConstMetric(c.packageJoules, prom.GaugeValue, s.PackageJoules)
	ch <- prom.MustNewConstMetric(c.coreJoules, prom.GaugeValue, s.CoreJoules)
}

func (c *ProfilerCollector) collectUnits(ch chan<- prom.Metric) {
	if c.units == nil {
		return
	}
	cal, ok := c.units.Calibration()
	if !ok {
		return
	}
	ch <- prom.MustNewConstMetric(c.raplUnit, prom.GaugeValue, cal.PowerUnit, "power")
	ch <- prom.MustNewConstMetric(c.raplUnit, prom.GaugeValue, cal.EnergyUnit, "energy")
	ch <- prom.MustNewConstMetric(c.raplUnit, prom.GaugeValue, cal.TimeUnit, "time")
}

func (c *ProfilerCollector) collectCensus(ch chan<- prom.Metric) {
	if c.census == nil {
		return
	}
	latest, ok := c.census.Latest()
	if !ok {
		return
	}
	ch <- prom.MustNewConstMetric(c.heapCensusBytes, prom.GaugeValue, float64(latest.HeapAlloc), "alloc")
	ch <- prom.MustNewConstMetric(c.heapCensusBytes, prom.GaugeValue, float64(latest.HeapInuse), "inuse")
	ch <- prom.MustNewConstMetric(c.heapCensusBytes, prom.GaugeValue, float64(latest.HeapSys), "sys")
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
