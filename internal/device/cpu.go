// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const (
	intelVendorID = "GenuineIntel"
	raplCPUFamily = 6
)

var (
	// ErrDescriptorUnavailable is returned when the CPU descriptors cannot be read
	ErrDescriptorUnavailable = errors.New("cpu descriptor unavailable")
	// ErrUnsupportedVendor is returned for CPUs that are not Intel
	ErrUnsupportedVendor = errors.New("unsupported cpu vendor")
	// ErrUnsupportedFamily is returned for Intel CPUs outside family 6
	ErrUnsupportedFamily = errors.New("unsupported cpu family")
)

// knownModels names the family 6 models with documented RAPL support.
// Other models are still accepted.
var knownModels = map[int]string{
	42: "sandybridge",
	45: "sandybridge-ep",
	58: "ivybridge",
	62: "ivybridge-ep",
	60: "haswell",
}

// ModelName returns a human readable name for a family 6 model number
func ModelName(model int) string {
	if name, ok := knownModels[model]; ok {
		return name
	}
	return "unrecognized"
}

// CPUInfoSource provides the host CPU descriptors, one entry per logical CPU
type CPUInfoSource interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

type procFSCPUInfo struct {
	fs procfs.FS
}

func (p *procFSCPUInfo) CPUInfo() ([]procfs.CPUInfo, error) {
	return p.fs.CPUInfo()
}

// NewProcFSCPUInfo returns a CPUInfoSource reading <mountPoint>/cpuinfo
func NewProcFSCPUInfo(mountPoint string) (CPUInfoSource, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptorUnavailable, err)
	}
	return &procFSCPUInfo{fs: fs}, nil
}

// DetectCPU checks that the host is an Intel family 6 CPU and returns its model number.
// The model is returned as reported; it is not checked against knownModels.
func DetectCPU(src CPUInfoSource) (int, error) {
	infos, err := src.CPUInfo()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrDescriptorUnavailable, err)
	}
	if len(infos) == 0 {
		return -1, fmt.Errorf("%w: no processors listed", ErrDescriptorUnavailable)
	}

	model := -1
	for _, info := range infos {
		if vendor := strings.TrimSpace(info.VendorID); vendor != intelVendorID {
			return -1, fmt.Errorf("%w: %q is not an Intel chip", ErrUnsupportedVendor, vendor)
		}

		family, err := strconv.Atoi(strings.TrimSpace(info.CPUFamily))
		if err != nil {
			return -1, fmt.Errorf("%w: invalid cpu family %q", ErrDescriptorUnavailable, info.CPUFamily)
		}
		if family != raplCPUFamily {
			return -1, fmt.Errorf("%w: %d", ErrUnsupportedFamily, family)
		}

		if m, err := strconv.Atoi(strings.TrimSpace(info.Model)); err == nil {
			model = m
		}
	}

	if model < 0 {
		return -1, fmt.Errorf("%w: cpu model not reported", ErrDescriptorUnavailable)
	}
	return model, nil
}
