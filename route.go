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
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// A Model routes discharge through one drainage network. Everything fixed
// for the network's lifetime is built once here: the nonzero pattern, the
// scatter table and the triangular solver with its transposed twin. Runs
// then share that machinery read-only, so a Model may route independent
// inputs concurrently. The discharge state retained for CarryState is the
// one shared mutable field; it is mutex-guarded, and when concurrent runs
// overlap, which run's terminal state a later CarryState run consumes is
// unspecified.
type Model struct {
	// Log receives run-level progress and per-timestep recovery reports.
	// It defaults to the logrus standard logger.
	Log logrus.FieldLogger

	cfg    *Config
	net    *Network
	mapper *Mapper
	solver *TriangularSolver
	policy Policy

	mu    sync.Mutex
	state []float64 // retained across runs for CarryState; guarded by mu
}

// New validates the network, selects the routing policy and builds the
// run-invariant sparse machinery.
func New(cfg *Config, net *Network) (*Model, error) {
	if net == nil {
		return nil, structuref("building model", "no network supplied")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.setup(); err != nil {
		return nil, err
	}
	if err := net.check(); err != nil {
		return nil, err
	}
	pol, err := routingPolicy(cfg)
	if err != nil {
		return nil, err
	}
	mapper, err := NewMapper(net.Fill, net.n)
	if err != nil {
		return nil, err
	}
	solver, err := NewTriangularSolver(mapper.Pattern(), net.lower, false)
	if err != nil {
		return nil, err
	}
	solver.SetLimits(Limits{MaxSolveBytes: cfg.MaxSolveBytes})
	return &Model{
		Log:    logrus.StandardLogger(),
		cfg:    cfg,
		net:    net,
		mapper: mapper,
		solver: solver,
		policy: pol,
	}, nil
}

// Config returns the model's validated configuration.
func (m *Model) Config() *Config { return m.cfg }

// Network returns the routed network.
func (m *Model) Network() *Network { return m.net }

// Mapper returns the pattern mapper built from the network topology.
func (m *Model) Mapper() *Mapper { return m.mapper }

// A RouteInput is one run's worth of forcing.
type RouteInput struct {
	// LateralInflow is the (timesteps × segments) lateral inflow matrix
	// [m³/s]. Step t consumes row t−1, floored to the discharge floor;
	// row 0 also seeds a cold start.
	LateralInflow *mat.Dense

	// Params are the normalized physical parameters from the upstream
	// estimation stage.
	Params *Parameters

	// CarryState reuses the discharge state retained from the previous
	// run as D₀. The epoch/batch boundary this encodes is owned by the
	// caller; the recurrence only consumes it.
	CarryState bool

	// RecordGradients retains the per-timestep solve contexts so the
	// returned result can run Backward.
	RecordGradients bool

	// Recover, when set, is consulted after a per-timestep solve
	// failure: returning a fallback state (length segments) and true
	// continues the run from that state. It is ignored while recording
	// gradients, since a training step with a missing gradient must
	// abort instead.
	Recover func(timestep int, err error) (fallback []float64, ok bool)
}

// A RouteResult is one completed run.
type RouteResult struct {
	// Output is the gauge-indexed discharge series, shaped
	// (gauges × timesteps). Column 0 holds the initial state's gauge
	// sums.
	Output *mat.Dense

	// FinalState is the terminal discharge state D_{T−1}.
	FinalState []float64

	m    *Model
	tape *tape
}

// Route advances the recurrence over every timestep of the input. The
// discharge state is floored after each solve, gauge sums are recorded per
// step, and the terminal state is retained on the model for a subsequent
// CarryState run.
func (m *Model) Route(in *RouteInput) (*RouteResult, error) {
	const op = "routing"
	if in == nil || in.LateralInflow == nil {
		return nil, structuref(op, "no lateral inflow supplied")
	}
	nT, nc := in.LateralInflow.Dims()
	if nc != m.net.n {
		return nil, structuref(op, "lateral inflow has %d segment columns, want %d", nc, m.net.n)
	}
	if nT < 1 {
		return nil, structuref(op, "lateral inflow has no timesteps")
	}
	if err := in.Params.check(m.net.n); err != nil {
		return nil, err
	}
	phys := in.Params.denormalize(m.cfg)
	// The hydraulic-geometry depth has no discharge dependence, so the
	// per-step coefficient recomputation of the recurrence collapses to
	// one evaluation per run.
	co := m.coefficients(phys)
	if nv, nd := co.clampCounts(); nv+nd > 0 {
		m.Log.WithFields(logrus.Fields{
			"velocity": nv,
			"depth":    nd,
		}).Debug("riverroute: clamped segments")
	}

	// state is replaced wholesale and never mutated in place, so a
	// snapshot of the slice header stays consistent after unlocking.
	var carried []float64
	if in.CarryState {
		m.mu.Lock()
		carried = m.state
		m.mu.Unlock()
	}
	var d0 []float64
	coldStart := false
	switch {
	case carried != nil:
		d0 = m.floored(carried)
	case len(m.net.StartingDischarge) > 0:
		d0 = m.floored(m.net.StartingDischarge)
	default:
		coldStart = true
		d0 = m.floored(in.LateralInflow.RawRowView(0))
	}

	nG := len(m.net.Gauges)
	out := mat.NewDense(nG, nT, nil)
	m.gaugeSums(out, 0, d0)

	m.Log.WithFields(logrus.Fields{
		"segments":  m.net.n,
		"nonzeros":  m.mapper.Pattern().NNZ(),
		"timesteps": nT,
		"gauges":    nG,
		"policy":    m.policy.Name(),
	}).Info("riverroute: routing")

	states := make([][]float64, nT)
	states[0] = d0
	var sols []*Solution
	if in.RecordGradients {
		sols = make([]*Solution, 0, nT-1)
	}

	prev := d0
	for t := 1; t < nT; t++ {
		lateral := m.floored(in.LateralInflow.RawRowView(t - 1))
		sol, err := m.policy.step(m, co, prev, lateral)
		if err != nil {
			if !in.RecordGradients && in.Recover != nil {
				if fb, ok := in.Recover(t, err); ok && len(fb) == m.net.n {
					m.Log.WithFields(logrus.Fields{
						"timestep": t,
						"error":    err,
					}).Warn("riverroute: continuing from fallback state after solve failure")
					d := m.floored(fb)
					states[t] = d
					m.gaugeSums(out, t, d)
					prev = d
					continue
				}
			}
			return nil, fmt.Errorf("riverroute: timestep %d: %w", t, err)
		}
		d := m.floored(sol.X())
		states[t] = d
		if in.RecordGradients {
			sols = append(sols, sol)
		}
		m.gaugeSums(out, t, d)
		prev = d
	}

	m.mu.Lock()
	m.state = append([]float64(nil), prev...)
	m.mu.Unlock()
	res := &RouteResult{
		Output:     out,
		FinalState: append([]float64(nil), prev...),
		m:          m,
	}
	if in.RecordGradients {
		res.tape = &tape{
			sols:      sols,
			states:    states,
			co:        co,
			phys:      phys,
			lateral:   in.LateralInflow,
			coldStart: coldStart,
		}
	}
	return res, nil
}

// ResetState drops the discharge state retained for CarryState runs.
func (m *Model) ResetState() {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
}

// floored returns a copy of v with every element raised to the discharge
// floor.
func (m *Model) floored(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Max(x, m.cfg.DischargeFloor)
	}
	return out
}

// gaugeSums writes column col of out: the sum of d over each gauge's
// mapped segments.
func (m *Model) gaugeSums(out *mat.Dense, col int, d []float64) {
	for g, segs := range m.net.Gauges {
		var sum float64
		for _, s := range segs {
			sum += d[s]
		}
		out.Set(g, col, sum)
	}
}
