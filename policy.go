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

import "sort"

// A Policy is the per-segment state-update rule advancing discharge by one
// timestep. Policies form a closed variant set selected through the
// configuration rather than by subtyping the model; Muskingum-Cunge
// channel routing is the one policy in this build, and a reservoir branch
// would register here beside it.
type Policy interface {
	// Name identifies the policy in configuration and logs.
	Name() string

	// step solves for the new discharge state from the previous state
	// and this step's floored lateral inflow, returning the raw
	// pre-floor solution so the gradient tape can see it.
	step(m *Model, co *coeffs, prev, lateral []float64) (*Solution, error)
}

func routingPolicy(cfg *Config) (Policy, error) {
	options := map[string]Policy{
		"muskingum-cunge": muskingumCunge{},
	}
	name := "muskingum-cunge"
	if cfg.UseReservoirBranch {
		name = "reservoir"
	}
	p, ok := options[name]
	if !ok {
		valid := make([]string, 0, len(options))
		for o := range options {
			valid = append(valid, o)
		}
		sort.Strings(valid)
		return nil, structuref("selecting routing policy",
			"no %q policy is available in this build; valid options are %v", name, valid)
	}
	return p, nil
}

// muskingumCunge assembles and solves the implicit Muskingum system
// (I − diag(c1)·adjacency)·D_t = c2∘i_t + c3∘D_{t−1} + c4∘q_lateral.
type muskingumCunge struct{}

func (muskingumCunge) Name() string { return "muskingum-cunge" }

func (muskingumCunge) step(m *Model, co *coeffs, prev, lateral []float64) (*Solution, error) {
	n := m.net.n
	it := make([]float64, n)
	m.net.inflow(it, prev)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		b[i] = co.c2[i]*it[i] + co.c3[i]*prev[i] + co.c4[i]*lateral[i]
	}
	a := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = -co.c1[i]
	}
	a[m.net.pivot()] = 1.0
	return m.solver.Solve(m.mapper.Map(a), b)
}
