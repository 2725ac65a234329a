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
	"sort"

	"gonum.org/v1/gonum/mat"
)

type tripletEntry struct {
	i, j int
	v    float64
}

// A Triplet is a coordinate-form sparse matrix. Topology fill functions can
// return one instead of a dense embedding to keep pattern construction
// O(nnz) on large networks. Triplet implements mat.Matrix; At is O(nnz) and
// meant for tests and verification, not inner loops.
type Triplet struct {
	r, c int
	data []tripletEntry
}

// NewTriplet returns an empty r×c coordinate matrix.
func NewTriplet(r, c int) *Triplet {
	return &Triplet{r: r, c: c}
}

// Dims returns the dimensions of the matrix.
func (m *Triplet) Dims() (r, c int) { return m.r, m.c }

// Append adds a nonzero entry. Duplicate positions are preserved here and
// rejected later by pattern compression.
func (m *Triplet) Append(i, j int, v float64) {
	if i < 0 || m.r <= i {
		panic("riverroute: triplet row index out of range")
	}
	if j < 0 || m.c <= j {
		panic("riverroute: triplet column index out of range")
	}
	m.data = append(m.data, tripletEntry{i, j, v})
}

// At returns the sum of entries stored at (i, j).
func (m *Triplet) At(i, j int) float64 {
	if i < 0 || m.r <= i {
		panic("riverroute: triplet row index out of range")
	}
	if j < 0 || m.c <= j {
		panic("riverroute: triplet column index out of range")
	}
	var v float64
	for _, e := range m.data {
		if e.i == i && e.j == j {
			v += e.v
		}
	}
	return v
}

// T returns the transpose of the matrix.
func (m *Triplet) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// NNZ returns the number of stored entries.
func (m *Triplet) NNZ() int { return len(m.data) }

// nonZeros calls fn for every stored entry.
func (m *Triplet) nonZeros(fn func(i, j int, v float64)) {
	for _, e := range m.data {
		fn(e.i, e.j, e.v)
	}
}

// A Pattern is the nonzero structure of a square sparse matrix in
// compressed-row form: a row-pointer array of length dim+1 and a
// column-index array of length NNZ with ascending columns inside each row.
// A Pattern is immutable once built and is shared read-only by every
// timestep of a run; only the values arrays laid over it change.
type Pattern struct {
	dim    int
	rowPtr []int
	colInd []int
}

// compressPattern sorts coordinate entries into compressed-row order and
// returns the pattern together with the entry values in pattern order.
// Duplicate positions are a structural error: the scatter inversion needs
// every position to have exactly one owner.
func compressPattern(op string, dim int, entries []tripletEntry) (*Pattern, []float64, error) {
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].i != entries[b].i {
			return entries[a].i < entries[b].i
		}
		return entries[a].j < entries[b].j
	})
	p := &Pattern{
		dim:    dim,
		rowPtr: make([]int, dim+1),
		colInd: make([]int, len(entries)),
	}
	vals := make([]float64, len(entries))
	for k, e := range entries {
		if k > 0 && entries[k-1].i == e.i && entries[k-1].j == e.j {
			return nil, nil, structuref(op, "duplicate nonzero at (%d,%d)", e.i, e.j)
		}
		p.rowPtr[e.i+1]++
		p.colInd[k] = e.j
		vals[k] = e.v
	}
	for i := 0; i < dim; i++ {
		p.rowPtr[i+1] += p.rowPtr[i]
	}
	return p, vals, nil
}

// Dim returns the dimension of the (square) pattern.
func (p *Pattern) Dim() int { return p.dim }

// NNZ returns the number of structurally nonzero positions.
func (p *Pattern) NNZ() int { return len(p.colInd) }

// RowPointers returns a copy of the row-pointer array (length Dim+1).
func (p *Pattern) RowPointers() []int {
	out := make([]int, len(p.rowPtr))
	copy(out, p.rowPtr)
	return out
}

// ColumnIndices returns a copy of the column-index array (length NNZ).
func (p *Pattern) ColumnIndices() []int {
	out := make([]int, len(p.colInd))
	copy(out, p.colInd)
	return out
}

// expandRows returns the row index of every stored position, the expansion
// of the row-pointer array to length NNZ.
func (p *Pattern) expandRows() []int {
	rows := make([]int, len(p.colInd))
	for i := 0; i < p.dim; i++ {
		for q := p.rowPtr[i]; q < p.rowPtr[i+1]; q++ {
			rows[q] = i
		}
	}
	return rows
}

// Transpose returns the pattern of the transposed matrix, re-compressed to
// row form, together with the value permutation: a values array v laid over
// p appears on the transposed pattern as vt with vt[perm[q]] = v[q]. The
// permutation is what lets a solver reuse one values array against the
// swapped row/column structure without touching gradient order.
func (p *Pattern) Transpose() (*Pattern, []int) {
	n := p.dim
	nnz := len(p.colInd)
	t := &Pattern{
		dim:    n,
		rowPtr: make([]int, n+1),
		colInd: make([]int, nnz),
	}
	for _, j := range p.colInd {
		t.rowPtr[j+1]++
	}
	for i := 0; i < n; i++ {
		t.rowPtr[i+1] += t.rowPtr[i]
	}
	perm := make([]int, nnz)
	next := make([]int, n)
	copy(next, t.rowPtr[:n])
	// Row-major ascending-column iteration lands entries of each
	// transposed row in ascending order, so no re-sort is needed.
	for i := 0; i < n; i++ {
		for q := p.rowPtr[i]; q < p.rowPtr[i+1]; q++ {
			j := p.colInd[q]
			t.colInd[next[j]] = i
			perm[q] = next[j]
			next[j]++
		}
	}
	return t, perm
}

// Dense embeds a values array laid over the pattern into a dense matrix.
// Intended for verification and small systems.
func (p *Pattern) Dense(values []float64) *mat.Dense {
	if len(values) != len(p.colInd) {
		panic("riverroute: values length does not match pattern nonzero count")
	}
	d := mat.NewDense(p.dim, p.dim, nil)
	for i := 0; i < p.dim; i++ {
		for q := p.rowPtr[i]; q < p.rowPtr[i+1]; q++ {
			d.Set(i, p.colInd[q], values[q])
		}
	}
	return d
}
