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
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

// A Network is the routed drainage topology together with the per-segment
// channel attributes the recurrence needs. The adjacency relation reads
// "entry (i,j)=1 means segment j's outflow is an inflow to segment i".
// Segment labels must be topologically ordered so the implicit system is
// triangular: either every upstream neighbor has a smaller index
// (headwater-first, a lower-triangular system) or every upstream neighbor
// has a larger index (outlet-first, upper-triangular). The graph is a DAG
// by construction; self-loops are rejected because the diagonal belongs to
// the identity/pivot term, not to flow.
//
// Attribute slices and the gauge mapping are provided by the hydrofabric
// collaborator and validated when a Model is built.
type Network struct {
	n     int
	upPtr []int // upstream lists in compressed rows
	upInd []int
	lower bool

	// Length, Slope and Width are per-segment channel attributes, all of
	// length NumSegments: channel length [m], bed slope [-] (clamped to
	// the configured floor before use), and channel top width [m].
	Length []float64
	Slope  []float64
	Width  []float64

	// Gauges maps each observation gauge to the segment indices whose
	// discharge sums into that gauge's output row.
	Gauges [][]int

	// StartingDischarge optionally seeds the initial state D₀, length
	// NumSegments. When empty, a cold start copies the first
	// lateral-inflow row instead.
	StartingDischarge []float64
}

type arc struct{ to, from int } // from's outflow enters to

// NewNetwork builds a Network from a dense 0/1 adjacency matrix.
func NewNetwork(adj mat.Matrix) (*Network, error) {
	const op = "building network"
	r, c := adj.Dims()
	if r != c {
		return nil, structuref(op, "adjacency is %d×%d, want square", r, c)
	}
	var arcs []arc
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := adj.At(i, j)
			if v == 0 {
				continue
			}
			if v != 1 {
				return nil, structuref(op, "adjacency entry (%d,%d) is %g, want 0 or 1", i, j, v)
			}
			arcs = append(arcs, arc{to: i, from: j})
		}
	}
	return newNetwork(r, arcs)
}

// NewNetworkSparse builds a Network from a sparse 0/1 adjacency array as
// produced by the hydrofabric tooling.
func NewNetworkSparse(adj *sparse.SparseArray) (*Network, error) {
	const op = "building network"
	if len(adj.Shape) != 2 || adj.Shape[0] != adj.Shape[1] {
		return nil, structuref(op, "adjacency shape %v, want a square 2-d array", adj.Shape)
	}
	arcs := make([]arc, 0, len(adj.Elements))
	for k, v := range adj.Elements {
		if v == 0 {
			continue
		}
		idx := adj.IndexNd(k)
		if v != 1 {
			return nil, structuref(op, "adjacency entry (%d,%d) is %g, want 0 or 1", idx[0], idx[1], v)
		}
		arcs = append(arcs, arc{to: idx[0], from: idx[1]})
	}
	return newNetwork(adj.Shape[0], arcs)
}

func newNetwork(n int, arcs []arc) (*Network, error) {
	const op = "building network"
	if n <= 0 {
		return nil, structuref(op, "network has %d segments, want at least 1", n)
	}
	nw := &Network{n: n, lower: true}
	var below, above int
	for _, a := range arcs {
		switch {
		case a.from == a.to:
			return nil, structuref(op, "self-loop at segment %d: the diagonal is reserved for the identity/pivot term", a.to)
		case a.from < a.to:
			below++
		default:
			above++
		}
	}
	if below > 0 && above > 0 {
		return nil, structuref(op,
			"segment labels are not topologically ordered: %d upstream neighbors have smaller indices and %d larger", below, above)
	}
	nw.lower = above == 0 // no arcs at all defaults to lower
	// Compress arcs into per-receiver upstream lists, ascending.
	nw.upPtr = make([]int, n+1)
	for _, a := range arcs {
		nw.upPtr[a.to+1]++
	}
	for i := 0; i < n; i++ {
		nw.upPtr[i+1] += nw.upPtr[i]
	}
	nw.upInd = make([]int, len(arcs))
	next := make([]int, n)
	copy(next, nw.upPtr[:n])
	for _, a := range arcs {
		nw.upInd[next[a.to]] = a.from
		next[a.to]++
	}
	for i := 0; i < n; i++ {
		lo, hi := nw.upPtr[i], nw.upPtr[i+1]
		insertionSort(nw.upInd[lo:hi])
		for q := lo + 1; q < hi; q++ {
			if nw.upInd[q] == nw.upInd[q-1] {
				return nil, structuref(op, "duplicate adjacency entry (%d,%d)", i, nw.upInd[q])
			}
		}
	}
	return nw, nil
}

// Upstream rows are short (a junction joins a handful of tributaries), so
// a quadratic sort beats the generic one.
func insertionSort(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

// NumSegments returns the number of channel segments.
func (nw *Network) NumSegments() int { return nw.n }

// LowerTriangular reports the solve orientation implied by the segment
// labeling: true when upstream neighbors carry smaller indices.
func (nw *Network) LowerTriangular() bool { return nw.lower }

// pivot returns the slot whose coefficient rides on every diagonal cell.
// It is the first segment in solve order; that row never has off-diagonal
// terms, so overriding its slot with the 1.0 pivot sacrifices no physics.
func (nw *Network) pivot() int {
	if nw.lower {
		return 0
	}
	return nw.n - 1
}

// Fill is the topology fill function handed to NewMapper: the returned
// embedding holds, in every diagonal cell, the pivot slot's probe value
// and, in each off-diagonal cell (i,j) with j upstream of i, row i's probe
// value. Laying the assembled coefficient vector (-c1 with the pivot slot
// overridden to 1.0) over this structure yields the implicit Muskingum
// system I - diag(c1)·adjacency.
func (nw *Network) Fill(probe []float64) mat.Matrix {
	t := NewTriplet(nw.n, nw.n)
	pv := probe[nw.pivot()]
	for i := 0; i < nw.n; i++ {
		t.Append(i, i, pv)
		for q := nw.upPtr[i]; q < nw.upPtr[i+1]; q++ {
			t.Append(i, nw.upInd[q], probe[i])
		}
	}
	return t
}

// inflow writes the per-segment current inflow, the adjacency-discharge
// product: dst[i] = Σ discharge over segments upstream of i.
func (nw *Network) inflow(dst, discharge []float64) {
	for i := 0; i < nw.n; i++ {
		var sum float64
		for q := nw.upPtr[i]; q < nw.upPtr[i+1]; q++ {
			sum += discharge[nw.upInd[q]]
		}
		dst[i] = sum
	}
}

// inflowTranspose accumulates the adjoint of inflow: dst[j] += Σ v over
// segments that receive j's outflow. dst is not zeroed.
func (nw *Network) inflowTranspose(dst, v []float64) {
	for i := 0; i < nw.n; i++ {
		for q := nw.upPtr[i]; q < nw.upPtr[i+1]; q++ {
			dst[nw.upInd[q]] += v[i]
		}
	}
}

// check validates attributes and gauge mapping against the topology.
func (nw *Network) check() error {
	const op = "validating network"
	if len(nw.Length) != nw.n || len(nw.Slope) != nw.n || len(nw.Width) != nw.n {
		return structuref(op, "attribute lengths (length=%d, slope=%d, width=%d) do not match %d segments",
			len(nw.Length), len(nw.Slope), len(nw.Width), nw.n)
	}
	for i := 0; i < nw.n; i++ {
		if nw.Length[i] <= 0 {
			return structuref(op, "segment %d has non-positive channel length %g", i, nw.Length[i])
		}
		if nw.Width[i] <= 0 {
			return structuref(op, "segment %d has non-positive channel width %g", i, nw.Width[i])
		}
	}
	if len(nw.Gauges) == 0 {
		return structuref(op, "no gauges mapped to segments")
	}
	for g, segs := range nw.Gauges {
		if len(segs) == 0 {
			return structuref(op, "gauge %d maps to no segments", g)
		}
		for _, s := range segs {
			if s < 0 || s >= nw.n {
				return structuref(op, "gauge %d maps to segment %d, outside [0,%d)", g, s, nw.n)
			}
		}
	}
	if len(nw.StartingDischarge) != 0 && len(nw.StartingDischarge) != nw.n {
		return structuref(op, "starting discharge has length %d, want %d or empty",
			len(nw.StartingDischarge), nw.n)
	}
	return nil
}
