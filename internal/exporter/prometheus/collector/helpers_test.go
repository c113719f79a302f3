// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan prometheus.Metric) []prometheus.Metric {
	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	return metrics
}

func collectAll(c prometheus.Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 100)
	c.Collect(ch)
	close(ch)
	return collect(ch)
}

func write(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	return out
}

func labels(t *testing.T, m prometheus.Metric) map[string]string {
	t.Helper()
	ls := map[string]string{}
	for _, l := range write(t, m).GetLabel() {
		ls[l.GetName()] = l.GetValue()
	}
	return ls
}

func gaugeValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	g := write(t, m).GetGauge()
	require.NotNil(t, g, "not a gauge: %s", m.Desc())
	return g.GetValue()
}

func counterValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	c := write(t, m).GetCounter()
	require.NotNil(t, c, "not a counter: %s", m.Desc())
	return c.GetValue()
}

// byName returns the metrics whose fully qualified name is name
func byName(metrics []prometheus.Metric, name string) []prometheus.Metric {
	var found []prometheus.Metric
	for _, m := range metrics {
		if strings.Contains(m.Desc().String(), `fqName: "`+name+`"`) {
			found = append(found, m)
		}
	}
	return found
}
