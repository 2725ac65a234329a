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

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// tape is the per-run gradient context recorded by Route: one Solution
// per advanced timestep, every floored discharge state, and the shared
// coefficient evaluation. sols[t-1] belongs to the step that produced
// states[t].
type tape struct {
	sols      []*Solution
	states    [][]float64
	co        *coeffs
	phys      physical
	lateral   *mat.Dense
	coldStart bool
	consumed  bool
}

// Gradients holds the result of one backward pass. The parameter
// gradients are with respect to the normalized parameters handed to
// Route, with bound widths already chained in.
type Gradients struct {
	ManningN []float64
	QSpatial []float64
	PSpatial []float64

	// LateralInflow is shaped like the forcing matrix; row t carries the
	// gradient of the loss with respect to lateral inflow row t. On a
	// cold start row 0 also collects the initial-state contribution.
	LateralInflow *mat.Dense
}

// Backward runs the adjoint of the whole routed sequence. gradOutput is
// the gradient of the loss with respect to Output, shaped
// (gauges × timesteps). The walk visits timesteps in reverse, unwinding
// each one through its discharge clamp, its triangular solve and the
// coefficient scatter, and threads the recurrent state gradient
//
//	gPrev = c3∘gradB + Aᵀ(c2∘gradB)
//
// back to the previous step. Per-segment c1..c4 gradients accumulate
// across steps and are chained through Manning's equation once at the
// end.
//
// The gradient context is single-use and is released on return. Any
// failure inside the walk aborts the pass: a partially accumulated
// gradient would silently corrupt the parameter update it feeds.
func (r *RouteResult) Backward(gradOutput *mat.Dense) (*Gradients, error) {
	const op = "routing backward"
	t := r.tape
	if t == nil {
		return nil, structuref(op, "no gradient context was recorded for this run")
	}
	if t.consumed {
		return nil, structuref(op, "gradient context already consumed")
	}
	m := r.m
	n := m.net.n
	nG, nT := r.Output.Dims()
	if gr, gc := gradOutput.Dims(); gr != nG || gc != nT {
		return nil, structuref(op, "output gradient is %d×%d, want %d×%d", gr, gc, nG, nT)
	}
	floor := m.cfg.DischargeFloor
	pivot := m.net.pivot()

	gLat := mat.NewDense(nT, n, nil)
	gc1 := make([]float64, n)
	gc2 := make([]float64, n)
	gc3 := make([]float64, n)
	gc4 := make([]float64, n)

	// gState carries the gradient with respect to the floored discharge
	// state at the step being unwound.
	gState := make([]float64, n)
	r.gaugeAdjoint(gState, gradOutput, nT-1)

	gX := make([]float64, n)
	it := make([]float64, n)
	tmp := make([]float64, n)
	for step := nT - 1; step >= 1; step-- {
		sol := t.sols[step-1]
		x := sol.X()
		for i := 0; i < n; i++ {
			if x[i] >= floor {
				gX[i] = gState[i]
			} else {
				gX[i] = 0
			}
		}
		gradValues, gradB, err := sol.Backward(gX)
		if err != nil {
			return nil, fmt.Errorf("riverroute: timestep %d: %w", step, err)
		}

		// Coefficient-vector path: every slot except the sacrificed
		// pivot carries -c1.
		ga := m.mapper.MapAdjoint(gradValues)
		for i := 0; i < n; i++ {
			if i != pivot {
				gc1[i] -= ga[i]
			}
		}

		// Right-hand-side path: b = c2∘i_t + c3∘prev + c4∘lateral.
		prev := t.states[step-1]
		m.net.inflow(it, prev)
		for i := 0; i < n; i++ {
			gb := gradB[i]
			gc2[i] += gb * it[i]
			gc3[i] += gb * prev[i]
			raw := t.lateral.At(step-1, i)
			lat := raw
			if lat < floor {
				lat = floor
			}
			gc4[i] += gb * lat
			if raw >= floor {
				gLat.Set(step-1, i, gLat.At(step-1, i)+gb*t.co.c4[i])
			}
		}

		// Recurrent state gradient back to D_{step-1}.
		for i := 0; i < n; i++ {
			gState[i] = t.co.c3[i] * gradB[i]
			tmp[i] = t.co.c2[i] * gradB[i]
		}
		m.net.inflowTranspose(gState, tmp)
		r.gaugeAdjoint(gX, gradOutput, step-1)
		floats.Add(gState, gX)
	}

	// gState now holds the gradient with respect to the initial state.
	// Only a cold start propagates it further, through the same floor
	// clamp the seeding applied.
	if t.coldStart {
		for i := 0; i < n; i++ {
			if t.lateral.At(0, i) >= floor {
				gLat.Set(0, i, gLat.At(0, i)+gState[i])
			}
		}
	}

	gradN, gradQ, gradP := t.co.coefficientGrads(m, t.phys, gc1, gc2, gc3, gc4)
	floats.Scale(m.cfg.ManningN.Max-m.cfg.ManningN.Min, gradN)
	floats.Scale(m.cfg.QSpatial.Max-m.cfg.QSpatial.Min, gradQ)
	floats.Scale(m.cfg.PSpatial.Max-m.cfg.PSpatial.Min, gradP)

	t.consumed = true
	t.sols, t.states = nil, nil
	return &Gradients{
		ManningN:      gradN,
		QSpatial:      gradQ,
		PSpatial:      gradP,
		LateralInflow: gLat,
	}, nil
}

// gaugeAdjoint writes the per-segment adjoint of the gauge sums at
// column col: dst[s] = Σ gradOutput[g,col] over gauges containing s.
func (r *RouteResult) gaugeAdjoint(dst []float64, gradOutput *mat.Dense, col int) {
	for i := range dst {
		dst[i] = 0
	}
	for g, segs := range r.m.net.Gauges {
		gv := gradOutput.At(g, col)
		if gv == 0 {
			continue
		}
		for _, s := range segs {
			dst[s] += gv
		}
	}
}
