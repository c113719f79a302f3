// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/raplprof/raplprof/internal/version"
)

const namespace = "raplprof"

type BuildInfoCollector struct {
	desc *prom.Desc
	info func() version.VersionInfo
}

// NewBuildInfoCollector creates a collector exporting a constant 1 labeled with the build
func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			[]string{"arch", "os", "branch", "revision", "version", "goversion"},
			nil,
		),
		info: version.Info,
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := c.info()
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		info.GoArch,
		info.GoOS,
		info.GitBranch,
		info.GitCommit,
		info.Version,
		info.GoVersion,
	)
}
