// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math"
)

// MSR offsets for the Intel RAPL registers read by the meter
const (
	// MSR_RAPL_POWER_UNIT holds the power, energy and time scaling factors
	MSRPowerUnit = 0x606

	// Energy status counters (32-bit, wrap around in roughly a minute under load)
	MSRPkgEnergyStatus = 0x611 // Package domain
	MSRPP0EnergyStatus = 0x639 // Power Plane 0 (core) domain

	// MSR_PP0_POLICY, priority of the core domain
	MSRPP0Policy = 0x63A
)

// Bit fields of MSR_RAPL_POWER_UNIT
const (
	powerUnitShift  = 0
	powerUnitMask   = 0x0F
	energyUnitShift = 8
	energyUnitMask  = 0x1F
	timeUnitShift   = 16
	timeUnitMask    = 0x0F

	pp0PolicyMask = 0x1F
)

// Calibration holds the scaling factors decoded from MSR_RAPL_POWER_UNIT.
// Each unit is 0.5^field and therefore lies in (0, 1].
type Calibration struct {
	PowerUnit  float64 // watts per LSB
	EnergyUnit float64 // joules per LSB
	TimeUnit   float64 // seconds per LSB
}

func (c Calibration) String() string {
	return fmt.Sprintf("power=%.3fW energy=%.8fJ time=%.8fs", c.PowerUnit, c.EnergyUnit, c.TimeUnit)
}

// DecodeUnits converts a raw MSR_RAPL_POWER_UNIT value into scaling factors
func DecodeUnits(raw uint64) Calibration {
	return Calibration{
		PowerUnit:  halfPow((raw >> powerUnitShift) & powerUnitMask),
		EnergyUnit: halfPow((raw >> energyUnitShift) & energyUnitMask),
		TimeUnit:   halfPow((raw >> timeUnitShift) & timeUnitMask),
	}
}

// halfPow returns 0.5^v; the unit fields encode negative powers of two
func halfPow(v uint64) float64 {
	return math.Pow(0.5, float64(v))
}

// Calibrate reads MSR_RAPL_POWER_UNIT once and decodes it
func Calibrate(r RegisterReader) (Calibration, error) {
	raw, err := r.ReadRegister(MSRPowerUnit)
	if err != nil {
		return Calibration{}, fmt.Errorf("failed to read MSR power unit register: %w", err)
	}
	return DecodeUnits(raw), nil
}
