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
	"errors"
	"math"
	"testing"
)

// lowerTestSystem is the hand-built system
//
//	[[1, 0, 0], [0.5, 1, 0], [0.2, 0.3, 1]]
//
// in compressed form.
func lowerTestSystem(t *testing.T) (*Pattern, []float64) {
	t.Helper()
	p, vals, err := compressPattern("test", 3, []tripletEntry{
		{i: 0, j: 0, v: 1},
		{i: 1, j: 0, v: 0.5}, {i: 1, j: 1, v: 1},
		{i: 2, j: 0, v: 0.2}, {i: 2, j: 1, v: 0.3}, {i: 2, j: 2, v: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, vals
}

func TestTriangularSolveLower(t *testing.T) {
	const testTolerance = 1.e-12
	p, vals := lowerTestSystem(t)
	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}
	sol, err := s.Solve(vals, []float64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{2, 2, 3} {
		if absDifferent(sol.X()[i], want, testTolerance) {
			t.Errorf("x[%d]: got %g, want %g", i, sol.X()[i], want)
		}
	}
}

func TestTriangularSolveUpper(t *testing.T) {
	const testTolerance = 1.e-12
	p, vals, err := compressPattern("test", 3, []tripletEntry{
		{i: 0, j: 0, v: 1}, {i: 0, j: 1, v: 0.5}, {i: 0, j: 2, v: 0.2},
		{i: 1, j: 1, v: 1}, {i: 1, j: 2, v: 0.3},
		{i: 2, j: 2, v: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewTriangularSolver(p, false, false)
	if err != nil {
		t.Fatal(err)
	}
	// b = Aᵀ·[1,2,3] for the lower test system, so x recovers [1,2,3].
	sol, err := s.Solve(vals, []float64{2.6, 2.9, 3})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{1, 2, 3} {
		if absDifferent(sol.X()[i], want, testTolerance) {
			t.Errorf("x[%d]: got %g, want %g", i, sol.X()[i], want)
		}
	}
}

func TestTriangularSolveUnitDiagonal(t *testing.T) {
	const testTolerance = 1.e-12
	// Same off-diagonals as the lower test system, no stored diagonal.
	p, vals, err := compressPattern("test", 3, []tripletEntry{
		{i: 1, j: 0, v: 0.5},
		{i: 2, j: 0, v: 0.2}, {i: 2, j: 1, v: 0.3},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewTriangularSolver(p, true, true)
	if err != nil {
		t.Fatal(err)
	}
	sol, err := s.Solve(vals, []float64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{2, 2, 3} {
		if absDifferent(sol.X()[i], want, testTolerance) {
			t.Errorf("x[%d]: got %g, want %g", i, sol.X()[i], want)
		}
	}

	// Stored diagonal values must be ignored and receive no gradient.
	p2, vals2 := lowerTestSystem(t)
	vals2[0], vals2[2], vals2[5] = 99, -7, math.Inf(1)
	s2, err := NewTriangularSolver(p2, true, true)
	if err != nil {
		t.Fatal(err)
	}
	sol2, err := s2.Solve(vals2, []float64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	for i := range sol.X() {
		if absDifferent(sol2.X()[i], sol.X()[i], testTolerance) {
			t.Errorf("stored diagonal changed the unit-diagonal solution: %v vs %v",
				sol2.X(), sol.X())
		}
	}
	gradValues, _, err := sol2.Backward([]float64{1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []int{0, 2, 5} {
		if gradValues[q] != 0 {
			t.Errorf("diagonal position %d received gradient %g, want 0", q, gradValues[q])
		}
	}
}

func TestSolveSingularDiagonal(t *testing.T) {
	p, vals := lowerTestSystem(t)
	for _, bad := range []float64{0, math.NaN()} {
		v := append([]float64(nil), vals...)
		v[2] = bad // row 1's diagonal
		s, err := NewTriangularSolver(p, true, false)
		if err != nil {
			t.Fatal(err)
		}
		_, err = s.Solve(v, []float64{2, 3, 4})
		var se *SolveError
		if !errors.As(err, &se) {
			t.Fatalf("diagonal %g: got %v, want *SolveError", bad, err)
		}
		if se.Row != 1 || se.Dim != 3 || se.NNZ != 6 || se.RHS != 3 {
			t.Errorf("diagnostic context: got %+v", se)
		}
	}
}

func TestSolveWorkspaceBudget(t *testing.T) {
	p, vals := lowerTestSystem(t)
	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}
	s.SetLimits(Limits{MaxSolveBytes: 16})
	_, err = s.Solve(vals, []float64{2, 3, 4})
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *ResourceError", err)
	}
	if re.Need <= re.Limit || re.Limit != 16 {
		t.Errorf("budget context: got %+v", re)
	}

	// A sufficient budget must not trip.
	s.SetLimits(Limits{MaxSolveBytes: 1 << 20})
	if _, err := s.Solve(vals, []float64{2, 3, 4}); err != nil {
		t.Error(err)
	}
}

func TestSolveStructureValidation(t *testing.T) {
	p, vals := lowerTestSystem(t)

	// Entry on the wrong triangle side.
	if _, err := NewTriangularSolver(p, false, false); err == nil {
		t.Error("expected an error for an upper solver over a lower pattern")
	}

	// Missing diagonal without the unit-diagonal flag.
	noDiag, _, err := compressPattern("test", 2, []tripletEntry{{i: 1, j: 0, v: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTriangularSolver(noDiag, true, false); err == nil {
		t.Error("expected an error for a missing diagonal")
	}

	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Solve(vals[:3], []float64{2, 3, 4}); err == nil {
		t.Error("expected an error for a short values array")
	}
	if _, err := s.Solve(vals, []float64{2, 3}); err == nil {
		t.Error("expected an error for a short right-hand side")
	}
}

// Perturbing one nonzero (or one right-hand-side entry) and re-solving
// must match the analytic adjoint to finite-difference accuracy.
func TestSolveBackwardFiniteDifference(t *testing.T) {
	const (
		eps           = 1e-6
		testTolerance = 1e-5
	)
	p, vals := lowerTestSystem(t)
	b := []float64{2, 3, 4}
	g := []float64{1, 0.5, -0.25}
	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}

	loss := func(values, rhs []float64) float64 {
		sol, err := s.Solve(values, rhs)
		if err != nil {
			t.Fatal(err)
		}
		var l float64
		for i, x := range sol.X() {
			l += g[i] * x
		}
		return l
	}

	sol, err := s.Solve(vals, b)
	if err != nil {
		t.Fatal(err)
	}
	gradValues, gradB, err := sol.Backward(g)
	if err != nil {
		t.Fatal(err)
	}

	for q := range vals {
		vp := append([]float64(nil), vals...)
		vm := append([]float64(nil), vals...)
		vp[q] += eps
		vm[q] -= eps
		fd := (loss(vp, b) - loss(vm, b)) / (2 * eps)
		if absDifferent(fd, gradValues[q], testTolerance) {
			t.Errorf("gradValues[%d]: finite difference %g vs analytic %g", q, fd, gradValues[q])
		}
	}
	for i := range b {
		bp := append([]float64(nil), b...)
		bm := append([]float64(nil), b...)
		bp[i] += eps
		bm[i] -= eps
		fd := (loss(vals, bp) - loss(vals, bm)) / (2 * eps)
		if absDifferent(fd, gradB[i], testTolerance) {
			t.Errorf("gradB[%d]: finite difference %g vs analytic %g", i, fd, gradB[i])
		}
	}
}

// gradB must satisfy the transposed system Aᵀ·gradB = g exactly.
func TestSolveBackwardTransposedSystem(t *testing.T) {
	const testTolerance = 1.e-12
	p, vals := lowerTestSystem(t)
	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}
	g := []float64{1, 2, 3}
	sol, err := s.Solve(vals, []float64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	_, gradB, err := sol.Backward(g)
	if err != nil {
		t.Fatal(err)
	}
	a := p.Dense(vals)
	for i := 0; i < 3; i++ {
		var got float64
		for j := 0; j < 3; j++ {
			got += a.At(j, i) * gradB[j]
		}
		if absDifferent(got, g[i], testTolerance) {
			t.Errorf("(Aᵀ·gradB)[%d]: got %g, want %g", i, got, g[i])
		}
	}
}

func TestSolutionSingleUse(t *testing.T) {
	p, vals := lowerTestSystem(t)
	s, err := NewTriangularSolver(p, true, false)
	if err != nil {
		t.Fatal(err)
	}
	sol, err := s.Solve(vals, []float64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sol.Backward([]float64{1, 1}); err == nil {
		t.Error("expected an error for a short gradient")
	}
	if _, _, err := sol.Backward([]float64{1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sol.Backward([]float64{1, 1, 1}); err == nil {
		t.Error("expected an error from a second Backward call")
	}
}
