// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raplprof/raplprof/internal/exporter/prometheus/collector"
	"github.com/raplprof/raplprof/internal/profiler"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
	ConstLabels map[string]string
}

// extractMetricsInfo extracts metric information from a Prometheus collector
func extractMetricsInfo(collector prometheus.Collector) ([]MetricInfo, error) {
	ch := make(chan *prometheus.Desc, 100)
	collector.Describe(ch)
	close(ch)

	var metrics []MetricInfo
	fqNameRegex := regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex := regexp.MustCompile(`help: "([^"]+)"`)
	variableLabelsRegex := regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
	constLabelsRegex := regexp.MustCompile(`constLabels: \{([^}]*)\}`)

	for desc := range ch {
		descStr := desc.String()
		fqNameMatch := fqNameRegex.FindStringSubmatch(descStr)
		if len(fqNameMatch) < 2 {
			fmt.Printf("Warning: Could not parse fqName from: %s\n", descStr)
			continue
		}
		name := fqNameMatch[1]

		helpMatch := helpRegex.FindStringSubmatch(descStr)
		if len(helpMatch) < 2 {
			fmt.Printf("Warning: Could not parse help from: %s\n", descStr)
			continue
		}
		help := helpMatch[1]

		var labels []string
		variableLabelsMatch := variableLabelsRegex.FindStringSubmatch(descStr)
		if len(variableLabelsMatch) >= 2 && variableLabelsMatch[1] != "" {
			labelsStr := variableLabelsMatch[1]
			if labelsStr != "" {
				labels = strings.Split(labelsStr, ",")
				for i, label := range labels {
					labels[i] = strings.TrimSpace(label)
				}
			}
		}

		constLabels := make(map[string]string)
		constLabelsMatch := constLabelsRegex.FindStringSubmatch(descStr)
		if len(constLabelsMatch) >= 2 && constLabelsMatch[1] != "" {
			constLabelsStr := constLabelsMatch[1]
			// Parse const labels which are in format: labelName="labelValue"
			labelPairRegex := regexp.MustCompile(`(\w+)="([^"]*)"`)
			matches := labelPairRegex.FindAllStringSubmatch(constLabelsStr, -1)
			for _, match := range matches {
				if len(match) >= 3 {
					constLabels[match[1]] = match[2]
				}
			}
		}

		metricType := "GAUGE"
		if strings.HasSuffix(name, "_total") {
			metricType = "COUNTER"
		}

		metrics = append(metrics, MetricInfo{
			Name:        name,
			Type:        metricType,
			Description: help,
			Labels:      labels,
			ConstLabels: constLabels,
		})
	}

	return metrics, nil
}

// metricGroup is one section of the generated document
type metricGroup struct {
	title   string
	intro   string
	match   func(name string) bool
	metrics []MetricInfo
}

func hasAny(name string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// generateMarkdown generates Markdown documentation from metric information
func generateMarkdown(metrics []MetricInfo) string {
	var md strings.Builder
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	md.WriteString("# raplprof Metrics\n\n")
	md.WriteString("This document describes the metrics exported by raplprof for tick accounting, RAPL energy sampling and heap census tracking.\n\n")
	md.WriteString("## Overview\n\n")
	md.WriteString("raplprof exports metrics in Prometheus format when the Prometheus exporter is enabled.\n\n")
	md.WriteString("### Metric Types\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")
	md.WriteString("## Metrics Reference\n\n")

	groups := []*metricGroup{{
		title: "Node Metrics",
		intro: "These metrics describe the host the profiler runs on.",
		match: func(n string) bool { return strings.HasPrefix(n, "raplprof_node_") },
	}, {
		title: "Tick Metrics",
		intro: "These metrics count timer ticks and the samples they produce.",
		match: func(n string) bool { return hasAny(n, "ticks_total", "samples_dropped") },
	}, {
		title: "Energy Metrics",
		intro: "These metrics expose the RAPL energy counters and units read on profiling ticks.",
		match: func(n string) bool { return hasAny(n, "_joules", "energy_available", "rapl_unit") },
	}, {
		title: "Heap Census Metrics",
		intro: "These metrics track heap census requests and the most recent census.",
		match: func(n string) bool { return hasAny(n, "census") },
	}}
	other := &metricGroup{
		title: "Other Metrics",
		intro: "Additional metrics provided by raplprof.",
	}

	for _, metric := range metrics {
		placed := false
		for _, g := range groups {
			if g.match(metric.Name) {
				g.metrics = append(g.metrics, metric)
				placed = true
				break
			}
		}
		if !placed {
			other.metrics = append(other.metrics, metric)
		}
	}

	for _, g := range append(groups, other) {
		if len(g.metrics) == 0 {
			continue
		}
		fmt.Fprintf(&md, "### %s\n\n%s\n\n", g.title, g.intro)
		writeMetricsSection(&md, g.metrics)
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.")
	md.WriteString("\n")
	return md.String()
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "#### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		if len(metric.ConstLabels) > 0 {
			md.WriteString("- **Constant Labels**:\n")
			// Sort constant labels for consistent output
			var keys []string
			for key := range metric.ConstLabels {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(md, "  - `%s`\n", key)
			}
		}
		md.WriteString("\n")
	}
}

// describeCollectors builds the collectors raplprof registers. Only their
// descriptions are read, so the sources behind them are never sampled.
func describeCollectors(procPath string) ([]prometheus.Collector, error) {
	prof := profiler.NewProfiler(nil, profiler.WithSampleBuffer(0))
	collectors := []prometheus.Collector{
		collector.NewProfilerCollector(prof, nil, nil),
		collector.NewBuildInfoCollector(),
	}

	cpuInfo, err := collector.NewCPUInfoCollector(procPath)
	if err != nil {
		return collectors, err
	}
	return append(collectors, cpuInfo), nil
}

func main() {
	outputPath := flag.String("output", "metrics.md", "Path to output Markdown file")
	procPath := flag.String("procfs", "/proc", "Path to the procfs mount")
	flag.Parse()

	fmt.Println("Starting raplprof metrics extractor...")

	fmt.Println("Creating collectors...")
	collectors, err := describeCollectors(*procPath)
	if err != nil {
		fmt.Printf("Warning: Could not create CPU info collector: %v\n", err)
	}

	var allMetrics []MetricInfo
	for _, c := range collectors {
		metrics, err := extractMetricsInfo(c)
		if err != nil {
			fmt.Printf("Failed to extract metrics: %v\n", err)
			os.Exit(1)
		}
		allMetrics = append(allMetrics, metrics...)
	}
	fmt.Printf("Total metrics extracted: %d\n", len(allMetrics))

	markdown := generateMarkdown(allMetrics)
	fmt.Printf("Writing metrics documentation to: %s\n", *outputPath)

	outputDir := filepath.Dir(*outputPath)
	if outputDir != "" && outputDir != "." {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			fmt.Printf("Failed to create output directory: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(markdown), 0644); err != nil {
		fmt.Printf("Failed to write markdown file: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Metrics documentation generated successfully!")
}
