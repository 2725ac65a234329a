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

// Parameters are the normalized per-segment physical parameters produced
// by the upstream estimation stage, each value in [0,1]: Manning's
// roughness and the two spatial hydraulic-geometry exponents. They are
// denormalized against the configured Bounds before entering Manning's
// equation.
type Parameters struct {
	ManningN []float64
	QSpatial []float64
	PSpatial []float64
}

func (p *Parameters) check(n int) error {
	const op = "validating parameters"
	if p == nil {
		return structuref(op, "no parameters supplied")
	}
	for _, v := range []struct {
		name string
		vec  []float64
	}{{"ManningN", p.ManningN}, {"QSpatial", p.QSpatial}, {"PSpatial", p.PSpatial}} {
		if len(v.vec) != n {
			return structuref(op, "%s has length %d, want %d", v.name, len(v.vec), n)
		}
		for i, x := range v.vec {
			if x < 0 || x > 1 {
				return structuref(op, "%s[%d] = %g outside the normalized range [0,1]", v.name, i, x)
			}
		}
	}
	return nil
}

// Denormalize linearly rescales a [0,1]-normalized vector into the
// physical range b: value·(max−min)+min.
func Denormalize(norm []float64, b Bounds) []float64 {
	out := make([]float64, len(norm))
	span := b.Max - b.Min
	for i, v := range norm {
		out[i] = v*span + b.Min
	}
	return out
}

// physical is one run's denormalized parameter set.
type physical struct {
	n, q, p []float64
}

func (p *Parameters) denormalize(cfg *Config) physical {
	return physical{
		n: Denormalize(p.ManningN, cfg.ManningN),
		q: Denormalize(p.QSpatial, cfg.QSpatial),
		p: Denormalize(p.PSpatial, cfg.PSpatial),
	}
}
