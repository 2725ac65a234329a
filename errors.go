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

import "fmt"

// A StructureError reports a violation of the structural contract between
// the network topology, the sparse pattern, and the vectors routed through
// them: dimension mismatches, non-triangular or duplicated patterns, and
// malformed fill results. Structural failures are fatal and are reported
// immediately; they are never retried.
type StructureError struct {
	Op     string // operation that rejected the input
	Detail string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("riverroute: %s: %s", e.Op, e.Detail)
}

func structuref(op, format string, args ...interface{}) *StructureError {
	return &StructureError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// A SolveError reports a failed triangular solve, normally a zero or
// otherwise degenerate diagonal. It carries the system's shape so callers
// can diagnose the failure without re-deriving it. A SolveError is fatal
// for the timestep that produced it; during training it aborts the sample,
// and a missing backward gradient is never papered over.
type SolveError struct {
	Row  int     // row holding the degenerate diagonal
	Diag float64 // the offending diagonal value
	Dim  int     // dimension of the system
	NNZ  int     // stored nonzero count
	RHS  int     // right-hand-side length
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("riverroute: triangular solve failed: diagonal %g at row %d is singular (dim=%d, nnz=%d, rhs=%d)",
		e.Diag, e.Row, e.Dim, e.NNZ, e.RHS)
}

// A ResourceError reports that a solve's workspace would exceed the
// configured byte budget. It is distinct from SolveError so callers can
// branch on recoverability: a resource failure can be retried at a higher
// level with smaller batches, a singular matrix cannot. The engine itself
// never retries.
type ResourceError struct {
	Need  int64 // bytes the operation would allocate
	Limit int64 // configured budget
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("riverroute: solve workspace of %d bytes exceeds the %d byte budget", e.Need, e.Limit)
}
