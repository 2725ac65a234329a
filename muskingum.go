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

import "math"

// kinematicWaveRatio converts clamped Manning velocity to kinematic wave
// celerity for a wide channel.
const kinematicWaveRatio = 5.0 / 3.0

// coeffs holds one run's per-segment Muskingum-Cunge coefficients together
// with the intermediates the backward chain differentiates through.
type coeffs struct {
	c1, c2, c3, c4 []float64

	k        []float64 // wave travel time [s]
	celerity []float64 // clamped velocity × 5/3 [m/s]
	velocity []float64 // raw Manning velocity [m/s]
	depth    []float64 // hydraulic depth after the floor [m]

	velocityClamped []bool
	depthClamped    []bool
}

// logBase returns the base-b logarithm of x.
func logBase(x, b float64) float64 { return math.Log(x) / math.Log(b) }

// coefficients evaluates Manning's equation and the Muskingum-Cunge closed
// forms for every segment. Hydraulic depth comes from the spatial
// hydraulic-geometry relation depth = log_q(width/p), which has no
// discharge dependence, so one evaluation serves every timestep of the
// run.
//
// Velocity is clamped to the configured bounds before the 5/3 scale;
// slope and depth are floored first. The clamps are the NumericDegradation
// mitigation: implausible transient parameters are expected during early
// training and must not destabilize the recurrence or raise errors.
func (m *Model) coefficients(phys physical) *coeffs {
	cfg := m.cfg
	n := m.net.n
	co := &coeffs{
		c1:              make([]float64, n),
		c2:              make([]float64, n),
		c3:              make([]float64, n),
		c4:              make([]float64, n),
		k:               make([]float64, n),
		celerity:        make([]float64, n),
		velocity:        make([]float64, n),
		depth:           make([]float64, n),
		velocityClamped: make([]bool, n),
		depthClamped:    make([]bool, n),
	}
	dt := cfg.TimestepSeconds
	x := cfg.StorageWeight
	for i := 0; i < n; i++ {
		s0 := math.Max(m.net.Slope[i], cfg.SlopeFloor)
		d := logBase(m.net.Width[i]/phys.p[i], phys.q[i])
		if d < cfg.DepthFloor {
			d = cfg.DepthFloor
			co.depthClamped[i] = true
		}
		co.depth[i] = d
		v := math.Pow(d, 2.0/3.0) * math.Sqrt(s0) / phys.n[i]
		co.velocity[i] = v
		cv := v
		if cv < cfg.VelocityLowerBound {
			cv = cfg.VelocityLowerBound
			co.velocityClamped[i] = true
		} else if cv > cfg.VelocityUpperBound {
			cv = cfg.VelocityUpperBound
			co.velocityClamped[i] = true
		}
		cel := cv * kinematicWaveRatio
		co.celerity[i] = cel
		k := m.net.Length[i] / cel
		co.k[i] = k

		denom := 2*k*(1-x) + dt
		co.c1[i] = (dt - 2*k*x) / denom
		co.c2[i] = (dt + 2*k*x) / denom
		co.c3[i] = (2*k*(1-x) - dt) / denom
		co.c4[i] = 2 * dt / denom
	}
	return co
}

// clampCounts reports how many segments hit the velocity bounds and the
// depth floor.
func (co *coeffs) clampCounts() (velocity, depth int) {
	for i := range co.velocityClamped {
		if co.velocityClamped[i] {
			velocity++
		}
		if co.depthClamped[i] {
			depth++
		}
	}
	return velocity, depth
}

// coefficientGrads chains per-segment gradients with respect to c1..c4
// back to the denormalized physical parameters. Clamped lanes (velocity
// bounds, depth floor) pass no gradient, matching the forward clamps.
// Slope and the channel attributes are data, not learned parameters, so
// no gradient is produced for them.
func (co *coeffs) coefficientGrads(m *Model, phys physical,
	gc1, gc2, gc3, gc4 []float64) (gradN, gradQ, gradP []float64) {
	cfg := m.cfg
	n := m.net.n
	gradN = make([]float64, n)
	gradQ = make([]float64, n)
	gradP = make([]float64, n)
	dt := cfg.TimestepSeconds
	x := cfg.StorageWeight
	for i := 0; i < n; i++ {
		k := co.k[i]
		denom := 2*k*(1-x) + dt
		dd := denom * denom
		// d(cj)/dk from the closed forms; each cj = num_j/denom with
		// d(denom)/dk = 2(1-x).
		dc1 := (-2*x*denom - (dt-2*k*x)*2*(1-x)) / dd
		dc2 := (2*x*denom - (dt+2*k*x)*2*(1-x)) / dd
		dc3 := (2*(1-x)*denom - (2*k*(1-x)-dt)*2*(1-x)) / dd
		dc4 := (-2 * dt * 2 * (1 - x)) / dd
		gk := gc1[i]*dc1 + gc2[i]*dc2 + gc3[i]*dc3 + gc4[i]*dc4

		// k = length/celerity.
		gcel := gk * -m.net.Length[i] / (co.celerity[i] * co.celerity[i])
		if co.velocityClamped[i] {
			continue
		}
		gv := gcel * kinematicWaveRatio

		// v = d^(2/3)·√s0 / n.
		v := co.velocity[i]
		gradN[i] = gv * -v / phys.n[i]
		if co.depthClamped[i] {
			continue
		}
		gd := gv * (2.0 / 3.0) * v / co.depth[i]

		// d = ln(width/p)/ln(q).
		q := phys.q[i]
		lnq := math.Log(q)
		gradP[i] = gd * -1 / (phys.p[i] * lnq)
		gradQ[i] = gd * -co.depth[i] / (q * lnq)
	}
	return gradN, gradQ, gradP
}
