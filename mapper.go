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

	"gonum.org/v1/gonum/mat"
)

// A FillFunc embeds a network's nonzero structure into a matrix. It is
// called once, at build time, with a probe vector holding 1..dim (one slot
// per segment, offset by one: a zero cell must always mean "no entry", so
// slot index 0 may never appear as a stored cell value). Each nonzero cell
// of the returned matrix carries the 1-based index of the coefficient slot
// that fills that cell on every subsequent Map call. The result may be a
// dense embedding or a *Triplet; anything implementing mat.Matrix works.
type FillFunc func(probe []float64) mat.Matrix

// A Mapper owns the inversion of a fill function: the compressed nonzero
// pattern of the routing matrix and the scatter table that turns a
// per-segment coefficient vector into the pattern's values array. Both are
// built once per network and reused, unchanged, by every timestep; Map is
// the only per-step work and is a plain O(nnz) gather.
//
// A Mapper is immutable after construction and safe for concurrent use.
type Mapper struct {
	pattern *Pattern
	src     []int // coefficient slot feeding each pattern position
}

// NewMapper probes fill with the offset index vector and compresses the
// embedding it returns into the canonical pattern. dim is both the matrix
// dimension and the coefficient-vector length accepted by Map.
func NewMapper(fill FillFunc, dim int) (*Mapper, error) {
	const op = "building pattern"
	if dim <= 0 {
		return nil, structuref(op, "dimension %d is not positive", dim)
	}
	probe := make([]float64, dim)
	for i := range probe {
		probe[i] = float64(i + 1)
	}
	embedded := fill(probe)
	if r, c := embedded.Dims(); r != dim || c != dim {
		return nil, structuref(op, "fill returned a %d×%d matrix, want %d×%d", r, c, dim, dim)
	}
	var entries []tripletEntry
	add := func(i, j int, v float64) {
		if v != 0 {
			entries = append(entries, tripletEntry{i: i, j: j, v: v})
		}
	}
	switch e := embedded.(type) {
	case *Triplet:
		e.nonZeros(add)
	default:
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				add(i, j, embedded.At(i, j))
			}
		}
	}
	pattern, vals, err := compressPattern(op, dim, entries)
	if err != nil {
		return nil, err
	}
	src := make([]int, len(vals))
	for q, v := range vals {
		slot := math.Round(v)
		if math.Abs(v-slot) > 1e-9 || slot < 1 || slot > float64(dim) {
			i, j := pattern.expandRows()[q], pattern.colInd[q]
			return nil, structuref(op, "cell (%d,%d) holds %g, not a probe value in [1,%d]", i, j, v, dim)
		}
		src[q] = int(slot) - 1 // drop the 1-based offset
	}
	return &Mapper{pattern: pattern, src: src}, nil
}

// Pattern returns the compressed nonzero pattern.
func (m *Mapper) Pattern() *Pattern { return m.pattern }

// Map gathers a length-dim coefficient vector into a freshly allocated
// values array in pattern order. It is a pure linear operation with no
// hidden state, so calling it twice with the same input yields identical
// output. Map panics if the coefficient vector length does not match the
// build dimension; that is a programming error, not a runtime condition.
func (m *Mapper) Map(coeffs []float64) []float64 {
	return m.MapInto(make([]float64, len(m.src)), coeffs)
}

// MapInto is Map writing into dst, which must have length NNZ.
func (m *Mapper) MapInto(dst, coeffs []float64) []float64 {
	if len(coeffs) != m.pattern.dim {
		panic("riverroute: coefficient vector length does not match mapper dimension")
	}
	if len(dst) != len(m.src) {
		panic("riverroute: values destination length does not match pattern nonzero count")
	}
	for q, s := range m.src {
		dst[q] = coeffs[s]
	}
	return dst
}

// MapAdjoint is the exact transpose of Map: it accumulates a gradient with
// respect to the values array back onto coefficient slots. Slots feeding
// several cells (the pivot slot feeds every diagonal cell) receive the sum
// of their cells' gradients.
func (m *Mapper) MapAdjoint(gradValues []float64) []float64 {
	if len(gradValues) != len(m.src) {
		panic("riverroute: gradient length does not match pattern nonzero count")
	}
	grad := make([]float64, m.pattern.dim)
	for q, s := range m.src {
		grad[s] += gradValues[q]
	}
	return grad
}

// ScatterMatrix materializes the scatter operator as its (dim × NNZ) 0/1
// coordinate matrix, one 1 per values position at row src[q]. The index
// table used by Map is this matrix applied as vᵀ·M; the explicit form
// exists for verification and for callers that want the linear-map view.
func (m *Mapper) ScatterMatrix() *Triplet {
	s := NewTriplet(m.pattern.dim, len(m.src))
	for q, slot := range m.src {
		s.Append(slot, q, 1)
	}
	return s
}
