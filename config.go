/*
Copyright (C) 2025-2026 the RiverRoute authors.
This file is part of RiverRoute.

RiverRoute is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

RiverRoute is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with RiverRoute.  If not, see <http://www.gnu.org/licenses/>.
*/

package riverroute

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Bounds is a physical parameter range used to denormalize [0,1] network
// outputs into meaningful units.
type Bounds struct {
	Min float64
	Max float64
}

// Config holds the routing engine options. Unset (zero) numeric fields
// take the defaults listed on each field when the configuration is loaded
// or a Model is built.
type Config struct {
	// TimestepSeconds is the routing timestep duration Δt in seconds.
	// Default: 3600.
	TimestepSeconds float64

	// VelocityLowerBound and VelocityUpperBound clamp the Manning
	// velocity [m/s] before the 5/3 kinematic-wave scale is applied.
	// Transiently implausible velocities are expected during early
	// training; clamping keeps the travel time finite. Defaults: 0.3
	// and 15.
	VelocityLowerBound float64
	VelocityUpperBound float64

	// DischargeFloor is the minimum discharge [m³/s] applied to solved
	// states and lateral inflows, preventing non-positive discharge from
	// destabilizing the next step. Default: 1e-4.
	DischargeFloor float64

	// SlopeFloor is the minimum channel bed slope [-]; adverse or flat
	// slopes are raised to it before Manning's equation. Default: 1e-4.
	SlopeFloor float64

	// DepthFloor is the minimum hydraulic depth [m] entering Manning's
	// equation; it keeps the depth power and the log-derived depth of
	// narrow channels positive. Default: 0.01.
	DepthFloor float64

	// StorageWeight is the Muskingum storage weighting factor x in
	// [0, 0.5]: 0 weighs storage on outflow only (reservoir-like), 0.5
	// weighs inflow and outflow equally. Default: 0.3.
	StorageWeight float64

	// UseReservoirBranch selects the reservoir state-update policy
	// instead of Muskingum-Cunge channel routing for flagged segments.
	// No reservoir policy ships with this engine; setting it reports
	// the available policies.
	UseReservoirBranch bool

	// ManningN, QSpatial and PSpatial are the physical ranges the
	// normalized parameter vectors are denormalized against: Manning's
	// roughness coefficient and the two spatial hydraulic-geometry
	// exponents (QSpatial is the log base relating width to depth,
	// PSpatial the width scale divisor). Defaults: [0.01,0.3],
	// [1.5,4.5] and [0.5,2].
	ManningN Bounds
	QSpatial Bounds
	PSpatial Bounds

	// MaxSolveBytes bounds the transient workspace of a single solve;
	// 0 is unlimited. Exceeding it surfaces a *ResourceError.
	MaxSolveBytes int64
}

// LoadConfig reads a TOML configuration, applies defaults and validates.
func LoadConfig(r io.Reader) (*Config, error) {
	c := new(Config)
	if _, err := toml.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("riverroute: decoding configuration: %w", err)
	}
	if err := c.setup(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultConfig returns the configuration with every option at its
// default.
func DefaultConfig() *Config {
	c := new(Config)
	if err := c.setup(); err != nil {
		panic(err) // the defaults always validate
	}
	return c
}

// setup fills unset fields with defaults and validates the result.
func (c *Config) setup() error {
	const op = "validating configuration"
	if c.TimestepSeconds == 0 {
		c.TimestepSeconds = 3600
	}
	if c.VelocityLowerBound == 0 {
		c.VelocityLowerBound = 0.3
	}
	if c.VelocityUpperBound == 0 {
		c.VelocityUpperBound = 15
	}
	if c.DischargeFloor == 0 {
		c.DischargeFloor = 1e-4
	}
	if c.SlopeFloor == 0 {
		c.SlopeFloor = 1e-4
	}
	if c.DepthFloor == 0 {
		c.DepthFloor = 0.01
	}
	if c.StorageWeight == 0 {
		c.StorageWeight = 0.3
	}
	if c.ManningN == (Bounds{}) {
		c.ManningN = Bounds{Min: 0.01, Max: 0.3}
	}
	if c.QSpatial == (Bounds{}) {
		c.QSpatial = Bounds{Min: 1.5, Max: 4.5}
	}
	if c.PSpatial == (Bounds{}) {
		c.PSpatial = Bounds{Min: 0.5, Max: 2}
	}

	if c.TimestepSeconds < 0 {
		return structuref(op, "TimestepSeconds %g is negative", c.TimestepSeconds)
	}
	if c.VelocityLowerBound <= 0 || c.VelocityUpperBound <= c.VelocityLowerBound {
		return structuref(op, "velocity bounds [%g,%g] are not an increasing positive range",
			c.VelocityLowerBound, c.VelocityUpperBound)
	}
	if c.DischargeFloor < 0 || c.SlopeFloor < 0 || c.DepthFloor < 0 {
		return structuref(op, "floors must be non-negative (discharge=%g, slope=%g, depth=%g)",
			c.DischargeFloor, c.SlopeFloor, c.DepthFloor)
	}
	if c.StorageWeight < 0 || c.StorageWeight > 0.5 {
		return structuref(op, "StorageWeight %g outside the Muskingum range [0,0.5]", c.StorageWeight)
	}
	for _, b := range []struct {
		name string
		b    Bounds
	}{{"ManningN", c.ManningN}, {"QSpatial", c.QSpatial}, {"PSpatial", c.PSpatial}} {
		if b.b.Max <= b.b.Min {
			return structuref(op, "%s bounds [%g,%g] are not an increasing range", b.name, b.b.Min, b.b.Max)
		}
	}
	// The depth computation takes a logarithm in base QSpatial; a base
	// inside (0,1] flips or destroys it.
	if c.QSpatial.Min <= 1 {
		return structuref(op, "QSpatial lower bound %g must exceed 1 (it is a log base)", c.QSpatial.Min)
	}
	if c.PSpatial.Min <= 0 {
		return structuref(op, "PSpatial lower bound %g must be positive (it divides width)", c.PSpatial.Min)
	}
	if c.MaxSolveBytes < 0 {
		return structuref(op, "MaxSolveBytes %d is negative", c.MaxSolveBytes)
	}
	return nil
}
