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
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// fdParams keeps every velocity and depth comfortably inside the clamp
// bounds so the loss stays smooth under finite-difference perturbation.
func fdParams() *Parameters {
	return &Parameters{
		ManningN: []float64{0.2, 0.35},
		QSpatial: []float64{0.4, 0.5},
		PSpatial: []float64{0.35, 0.55},
	}
}

func fdLateral() *mat.Dense {
	return mat.NewDense(4, 2, []float64{
		8, 3,
		6, 4,
		9, 2,
		5, 7,
	})
}

func fdWeights() *mat.Dense {
	return mat.NewDense(2, 4, []float64{
		0.3, -0.7, 1.1, 0.4,
		-0.2, 0.5, -0.6, 0.8,
	})
}

func cloneParams(p *Parameters) *Parameters {
	return &Parameters{
		ManningN: append([]float64(nil), p.ManningN...),
		QSpatial: append([]float64(nil), p.QSpatial...),
		PSpatial: append([]float64(nil), p.PSpatial...),
	}
}

// routeLoss runs a forward pass and contracts the output with the weight
// matrix, the scalar loss the finite differences probe.
func routeLoss(t *testing.T, m *Model, lat *mat.Dense, p *Parameters, w *mat.Dense) float64 {
	t.Helper()
	res, err := m.Route(&RouteInput{LateralInflow: lat, Params: p})
	if err != nil {
		t.Fatal(err)
	}
	var loss float64
	r, c := w.Dims()
	for g := 0; g < r; g++ {
		for s := 0; s < c; s++ {
			loss += w.At(g, s) * res.Output.At(g, s)
		}
	}
	return loss
}

// gradClose compares an analytic gradient to its central finite
// difference: relative where the gradient has size, absolute near zero.
func gradClose(fd, analytic float64) bool {
	if math.Abs(analytic) > 1e-6 {
		return !different(fd, analytic, 2e-4)
	}
	return math.Abs(fd-analytic) <= 1e-6
}

// Perturbing each normalized parameter and each lateral-inflow entry must
// reproduce the reverse-pass gradients, in both label orientations.
func TestBackwardFiniteDifference(t *testing.T) {
	const eps = 1e-6
	for _, orient := range []struct {
		name  string
		lower bool
	}{{"lower", true}, {"upper", false}} {
		t.Run(orient.name, func(t *testing.T) {
			nw, _, _ := chainNetwork(t, orient.lower)
			m, err := New(nil, nw)
			if err != nil {
				t.Fatal(err)
			}
			m.Log = quietLogger()
			params := fdParams()
			lateral := fdLateral()
			w := fdWeights()

			res, err := m.Route(&RouteInput{
				LateralInflow:   lateral,
				Params:          params,
				RecordGradients: true,
			})
			if err != nil {
				t.Fatal(err)
			}
			grads, err := res.Backward(w)
			if err != nil {
				t.Fatal(err)
			}

			vectors := []struct {
				name     string
				analytic []float64
				vec      func(*Parameters) []float64
			}{
				{"ManningN", grads.ManningN, func(p *Parameters) []float64 { return p.ManningN }},
				{"QSpatial", grads.QSpatial, func(p *Parameters) []float64 { return p.QSpatial }},
				{"PSpatial", grads.PSpatial, func(p *Parameters) []float64 { return p.PSpatial }},
			}
			for _, v := range vectors {
				for i := 0; i < 2; i++ {
					pp := cloneParams(params)
					pm := cloneParams(params)
					v.vec(pp)[i] += eps
					v.vec(pm)[i] -= eps
					fd := (routeLoss(t, m, lateral, pp, w) - routeLoss(t, m, lateral, pm, w)) / (2 * eps)
					if !gradClose(fd, v.analytic[i]) {
						t.Errorf("%s[%d]: finite difference %g vs analytic %g",
							v.name, i, fd, v.analytic[i])
					}
				}
			}

			nT, n := lateral.Dims()
			for s := 0; s < nT; s++ {
				for i := 0; i < n; i++ {
					lp := mat.DenseCopyOf(lateral)
					lm := mat.DenseCopyOf(lateral)
					lp.Set(s, i, lp.At(s, i)+eps)
					lm.Set(s, i, lm.At(s, i)-eps)
					fd := (routeLoss(t, m, lp, params, w) - routeLoss(t, m, lm, params, w)) / (2 * eps)
					if !gradClose(fd, grads.LateralInflow.At(s, i)) {
						t.Errorf("lateral (%d,%d): finite difference %g vs analytic %g",
							s, i, fd, grads.LateralInflow.At(s, i))
					}
				}
			}

			// The final lateral row feeds no step, so no gradient may
			// reach it.
			for i := 0; i < n; i++ {
				if g := grads.LateralInflow.At(nT-1, i); g != 0 {
					t.Errorf("unused lateral row received gradient %g at segment %d", g, i)
				}
			}
		})
	}
}

// The recurrent state path must dominate the headwater's influence on a
// downstream gauge: a headwater-only perturbation reaches the outlet
// through c1, c2 and the carried state.
func TestBackwardPropagatesDownstream(t *testing.T) {
	nw, headwater, outlet := chainNetwork(t, true)
	m, err := New(nil, nw)
	if err != nil {
		t.Fatal(err)
	}
	m.Log = quietLogger()

	res, err := m.Route(&RouteInput{
		LateralInflow:   fdLateral(),
		Params:          fdParams(),
		RecordGradients: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Weight only the outlet gauge's final step.
	w := mat.NewDense(2, 4, nil)
	w.Set(0, 3, 1)
	grads, err := res.Backward(w)
	if err != nil {
		t.Fatal(err)
	}
	if grads.LateralInflow.At(0, headwater) == 0 {
		t.Error("no gradient reached the headwater's first lateral inflow")
	}
	if grads.ManningN[headwater] == 0 || grads.ManningN[outlet] == 0 {
		t.Error("no roughness gradient on one of the segments")
	}
}

func TestBackwardContextLifecycle(t *testing.T) {
	nw, _, _ := chainNetwork(t, true)
	m, err := New(nil, nw)
	if err != nil {
		t.Fatal(err)
	}
	m.Log = quietLogger()
	in := &RouteInput{LateralInflow: fdLateral(), Params: fdParams()}

	// No recording: no context.
	res, err := m.Route(in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.Backward(fdWeights()); err == nil {
		t.Error("expected an error without a recorded gradient context")
	}

	in.RecordGradients = true
	res, err = m.Route(in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.Backward(mat.NewDense(2, 2, nil)); err == nil {
		t.Error("expected an error for a mis-shaped output gradient")
	}
	if _, err := res.Backward(fdWeights()); err != nil {
		t.Fatal(err)
	}
	// The context is single-use.
	if _, err := res.Backward(fdWeights()); err == nil {
		t.Error("expected an error from a second backward pass")
	}
}
