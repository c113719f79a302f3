// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/prometheus/procfs"
)

// NOTE: the fake register space is for development and testing only

// DefaultFakePowerUnit is the power unit word of most Sandy Bridge and later parts:
// 1/8 W, 1/65536 J and 1/1024 s
const DefaultFakePowerUnit = 0xA1003

// FakeCPUInfo is a CPUInfoSource reporting fixed descriptors
type FakeCPUInfo []procfs.CPUInfo

func (f FakeCPUInfo) CPUInfo() ([]procfs.CPUInfo, error) {
	return f, nil
}

// NewFakeIntelCPU reports n logical Intel family 6 CPUs of the given model
func NewFakeIntelCPU(n, model int) FakeCPUInfo {
	infos := make(FakeCPUInfo, n)
	for i := range infos {
		infos[i] = procfs.CPUInfo{
			Processor: uint(i),
			VendorID:  intelVendorID,
			CPUFamily: strconv.Itoa(raplCPUFamily),
			Model:     strconv.Itoa(model),
			ModelName: "Fake Intel(R) CPU",
		}
	}
	return infos
}

// FakeRegisterFile is an in-memory register space. Energy status registers advance
// on every read so that successive samples differ, wrapping at 32 bits like the hardware.
type FakeRegisterFile struct {
	mu        sync.Mutex
	path      string
	registers map[uint32]uint64
	step      uint64
	jitter    float64
	closed    bool
}

var _ RegisterChannel = (*FakeRegisterFile)(nil)

// NewFakeRegisterFile creates a register space with the given power unit word
func NewFakeRegisterFile(powerUnit uint64) *FakeRegisterFile {
	return &FakeRegisterFile{
		path: "fake-msr",
		registers: map[uint32]uint64{
			MSRPowerUnit:       powerUnit,
			MSRPkgEnergyStatus: 0,
			MSRPP0EnergyStatus: 0,
			MSRPP0Policy:       0,
		},
		step:   65536,
		jitter: 0.5,
	}
}

// FakeChannelOpener returns a ChannelOpener handing out fake register files
func FakeChannelOpener(powerUnit uint64) ChannelOpener {
	return func(pathTemplate string, core int) (RegisterChannel, error) {
		f := NewFakeRegisterFile(powerUnit)
		f.path = "fake:" + fmt.Sprintf(pathTemplate, core)
		return f, nil
	}
}

// Set overwrites a register value
func (f *FakeRegisterFile) Set(offset uint32, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers[offset] = value
}

// SetStep sets the per-read increment of the energy counters; 0 freezes them
func (f *FakeRegisterFile) SetStep(step uint64, jitter float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = step
	f.jitter = jitter
}

func (f *FakeRegisterFile) ReadRegister(offset uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, &TornReadError{Offset: offset, Err: fmt.Errorf("register file closed")}
	}
	value, ok := f.registers[offset]
	if !ok {
		return 0, &TornReadError{Offset: offset}
	}

	if offset == MSRPkgEnergyStatus || offset == MSRPP0EnergyStatus {
		inc := f.step + uint64(rand.Float64()*float64(f.step)*f.jitter)
		f.registers[offset] = (value + inc) & math.MaxUint32
	}
	return value, nil
}

func (f *FakeRegisterFile) Path() string {
	return f.path
}

func (f *FakeRegisterFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
