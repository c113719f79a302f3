// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/raplprof/raplprof/internal/device"
)

// cpuInfoCollector exports one series per logical CPU described by procfs
type cpuInfoCollector struct {
	src  device.CPUInfoSource
	desc *prom.Desc
}

// NewCPUInfoCollector creates a cpu info collector reading the procfs mount at procPath
func NewCPUInfoCollector(procPath string) (prom.Collector, error) {
	src, err := device.NewProcFSCPUInfo(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollector(src), nil
}

func newCPUInfoCollector(src device.CPUInfoSource) *cpuInfoCollector {
	return &cpuInfoCollector{
		src: src,
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "cpu_info"),
			"CPU information from procfs",
			[]string{"processor", "vendor_id", "cpu_family", "model", "model_name", "rapl_model"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	infos, err := c.src.CPUInfo()
	if err != nil {
		return
	}
	for _, ci := range infos {
		raplModel := "unrecognized"
		if model, err := strconv.Atoi(ci.Model); err == nil {
			raplModel = device.ModelName(model)
		}
		ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
			strconv.FormatUint(uint64(ci.Processor), 10),
			ci.VendorID,
			ci.CPUFamily,
			ci.Model,
			ci.ModelName,
			raplModel,
		)
	}
}
