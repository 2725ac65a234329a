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
	"math"
)

// A diagonal at or below this magnitude cannot anchor a substitution step.
const singularDiagonal = 1e-16

// Limits bounds the transient workspace a single solve may allocate.
// The zero value places no bound. Exceeding the budget returns a
// *ResourceError before anything is allocated, keeping memory exhaustion
// distinguishable from a singular system.
type Limits struct {
	MaxSolveBytes int64
}

// A TriangularSolver solves A·x = b for triangular A laid over a fixed
// sparse pattern, and produces the exact adjoint of that solve. All
// arithmetic is performed in float64, which bounds round-off across the
// long chained substitutions of deep flow paths.
//
// Construction validates the pattern once: entries on the wrong side of the
// diagonal and (unless unitDiagonal) rows with no stored diagonal are
// structural errors. The transposed pattern used by the adjoint is built
// here too, by swapping row and column indices and re-compressing to row
// form, so per-solve work never touches structure.
//
// A TriangularSolver is immutable after construction and safe for
// concurrent use by independent solves.
type TriangularSolver struct {
	pattern  *Pattern
	lower    bool
	unitDiag bool
	limits   Limits

	diagPos []int // stored position of each row's diagonal; -1 if absent
	rows    []int // row of each stored position

	trans *TriangularSolver // flipped triangle over the transposed pattern
	perm  []int             // values permutation onto the transposed pattern
}

// NewTriangularSolver validates p for a lower- or upper-triangular solve
// and prepares both the forward solver and its transposed twin for the
// adjoint. With unitDiagonal the diagonal is implicitly one: stored
// diagonal entries are tolerated but their values are ignored, and no
// gradient is produced for them.
func NewTriangularSolver(p *Pattern, lower, unitDiagonal bool) (*TriangularSolver, error) {
	s, err := newSolver(p, lower, unitDiagonal)
	if err != nil {
		return nil, err
	}
	tp, perm := p.Transpose()
	s.trans, err = newSolver(tp, !lower, unitDiagonal)
	if err != nil {
		return nil, err
	}
	s.perm = perm
	return s, nil
}

func newSolver(p *Pattern, lower, unitDiagonal bool) (*TriangularSolver, error) {
	const op = "building triangular solver"
	s := &TriangularSolver{
		pattern:  p,
		lower:    lower,
		unitDiag: unitDiagonal,
		diagPos:  make([]int, p.dim),
		rows:     p.expandRows(),
	}
	tri := "lower"
	if !lower {
		tri = "upper"
	}
	for i := 0; i < p.dim; i++ {
		s.diagPos[i] = -1
		for q := p.rowPtr[i]; q < p.rowPtr[i+1]; q++ {
			j := p.colInd[q]
			switch {
			case j == i:
				s.diagPos[i] = q
			case lower && j > i, !lower && j < i:
				return nil, structuref(op, "pattern is not %s-triangular: nonzero at (%d,%d)", tri, i, j)
			}
		}
		if s.diagPos[i] < 0 && !unitDiagonal {
			return nil, structuref(op, "row %d has no stored diagonal (dim=%d, nnz=%d)", i, p.dim, p.NNZ())
		}
	}
	return s, nil
}

// SetLimits replaces the solver's workspace budget. It must not be called
// concurrently with Solve.
func (s *TriangularSolver) SetLimits(l Limits) { s.limits = l }

// Solve computes x with A·x = b for the triangular matrix defined by
// laying values over the solver's pattern. The returned Solution retains
// the (values, pattern, solution, right-hand-side) context needed by one
// Backward call; the context is owned by this solve alone and is released
// when Backward completes.
func (s *TriangularSolver) Solve(values, b []float64) (*Solution, error) {
	const op = "triangular solve"
	n := s.pattern.dim
	if len(values) != s.pattern.NNZ() {
		return nil, structuref(op, "got %d values for a pattern with %d nonzeros (dim=%d)",
			len(values), s.pattern.NNZ(), n)
	}
	if len(b) != n {
		return nil, structuref(op, "right-hand side has length %d, want %d (nnz=%d)",
			len(b), n, s.pattern.NNZ())
	}
	// Forward keeps x plus copies of values and b; backward adds the
	// permuted values and the two gradients.
	need := int64(3*n+3*s.pattern.NNZ()) * 8
	if s.limits.MaxSolveBytes > 0 && need > s.limits.MaxSolveBytes {
		return nil, &ResourceError{Need: need, Limit: s.limits.MaxSolveBytes}
	}
	x := make([]float64, n)
	copy(x, b)
	if err := s.substitute(values, x); err != nil {
		return nil, err
	}
	sol := &Solution{
		s:      s,
		x:      x,
		values: append([]float64(nil), values...),
		b:      append([]float64(nil), b...),
	}
	return sol, nil
}

// substitute runs the triangular substitution in place: x must hold b on
// entry and holds the solution on return.
func (s *TriangularSolver) substitute(values, x []float64) error {
	n := s.pattern.dim
	step := func(i int) error {
		sum := x[i]
		for q := s.pattern.rowPtr[i]; q < s.pattern.rowPtr[i+1]; q++ {
			j := s.pattern.colInd[q]
			if j == i {
				continue
			}
			sum -= values[q] * x[j]
		}
		if s.unitDiag {
			x[i] = sum
			return nil
		}
		d := values[s.diagPos[i]]
		if math.IsNaN(d) || math.Abs(d) <= singularDiagonal {
			return &SolveError{Row: i, Diag: d, Dim: n, NNZ: s.pattern.NNZ(), RHS: n}
		}
		x[i] = sum / d
		return nil
	}
	if s.lower {
		for i := 0; i < n; i++ {
			if err := step(i); err != nil {
				return err
			}
		}
		return nil
	}
	for i := n - 1; i >= 0; i-- {
		if err := step(i); err != nil {
			return err
		}
	}
	return nil
}

// A Solution is the result of one triangular solve together with the
// context its adjoint needs. It is single-use: one Backward call per
// Solution, never shared across timesteps.
type Solution struct {
	s        *TriangularSolver
	x        []float64
	values   []float64
	b        []float64
	consumed bool
}

// X returns the solution vector. The slice backs the gradient context and
// must be treated as read-only; callers that mutate state (clamping, state
// carry) work on their own copy.
func (sol *Solution) X() []float64 { return sol.x }

// Backward computes the adjoint of the solve given g, the gradient of the
// loss with respect to x. It returns the gradient with respect to the
// values array and to the right-hand side:
//
//   - gradB solves the transposed system Aᵀ·gradB = g. A lower solve
//     transposes to an upper one and vice versa; the pre-built transposed
//     pattern reuses the same substitution with values permuted once.
//   - gradValues[q] = -gradB[row(q)] · x[col(q)], defined only at stored
//     positions. Structurally zero cells receive no gradient, and none
//     flows to the pattern indices or the triangularity flags.
//
// A failure here is fatal for the whole training step: a silently missing
// gradient corrupts parameter updates, so the error must propagate.
func (sol *Solution) Backward(g []float64) (gradValues, gradB []float64, err error) {
	const op = "solve backward"
	if sol.consumed {
		return nil, nil, structuref(op, "solution context already consumed")
	}
	s := sol.s
	if len(g) != len(sol.x) {
		return nil, nil, structuref(op, "gradient has length %d, want %d (dim=%d, nnz=%d)",
			len(g), len(sol.x), s.pattern.dim, s.pattern.NNZ())
	}
	tvals := make([]float64, len(sol.values))
	for q, v := range sol.values {
		tvals[s.perm[q]] = v
	}
	gradB = make([]float64, len(g))
	copy(gradB, g)
	if serr := s.trans.substitute(tvals, gradB); serr != nil {
		return nil, nil, fmt.Errorf("riverroute: transposed solve in backward: %w", serr)
	}
	gradValues = make([]float64, len(sol.values))
	for q, i := range s.rows {
		j := s.pattern.colInd[q]
		if s.unitDiag && i == j {
			continue // implicit diagonal: stored value is ignored, no gradient
		}
		gradValues[q] = -gradB[i] * sol.x[j]
	}
	sol.consumed = true
	sol.values, sol.b = nil, nil
	return gradValues, gradB, nil
}
