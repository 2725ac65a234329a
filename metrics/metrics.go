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

// Package metrics scores routed discharge against gauge observations.
//
// All scores are computed per gauge over the timesteps where both series
// hold a value; observation gaps are expected and skipped pairwise. A NaN
// in the prediction is different: the router never produces one, so its
// presence means an upstream numerical failure and New refuses the input
// outright rather than silently masking it away.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// fdcPoints is the number of exceedance-probability samples taken from
// each flow duration curve.
const fdcPoints = 100

// Flow bands cut the sorted series at these fractions: values below the
// low cut score low-flow skill, values above the high cut peak-flow
// skill.
const (
	lowFlowCut  = 0.3
	highFlowCut = 0.98
)

// A Summary holds per-gauge skill scores for one prediction/observation
// pair. Slices are indexed by gauge. Scores that need at least one valid
// pair (or two, for the correlation family) are NaN where the record is
// too short.
type Summary struct {
	Bias         []float64 // mean(pred − obs)
	MAE          []float64 // mean absolute error
	RMSE         []float64 // root mean square error
	UnbiasedRMSE []float64 // RMSE after removing each series' mean
	FDCRMSE      []float64 // RMSE between sampled flow duration curves

	Correlation         []float64 // Pearson r
	SpearmanCorrelation []float64 // Pearson r on ranks
	NSE                 []float64 // Nash-Sutcliffe efficiency
	R2                  []float64 // coefficient of determination
	KGE                 []float64 // Kling-Gupta efficiency
	KGE12               []float64 // KGE with the variability term as CV ratio

	PercentBias  []float64 // Σ(pred−obs)/Σobs × 100
	LowFlowBias  []float64 // percent bias over the low flow band
	HighFlowBias []float64 // percent bias over the peak flow band
	MidFlowBias  []float64 // percent bias between the cuts

	LowFlowRMSE  []float64
	HighFlowRMSE []float64
	MidFlowRMSE  []float64
}

// New scores pred against obs. Both are (gauges × timesteps); rows pair
// up by gauge. It returns an error when the shapes disagree or when pred
// contains NaN.
func New(pred, obs mat.Matrix) (*Summary, error) {
	pr, pc := pred.Dims()
	or, oc := obs.Dims()
	if pr != or || pc != oc {
		return nil, fmt.Errorf("metrics: prediction is %d×%d but observation is %d×%d", pr, pc, or, oc)
	}
	if pc == 0 || pr == 0 {
		return nil, fmt.Errorf("metrics: empty series (%d gauges, %d timesteps)", pr, pc)
	}
	s := newSummary(pr)
	p := make([]float64, pc)
	o := make([]float64, pc)
	for g := 0; g < pr; g++ {
		mat.Row(p, g, pred)
		mat.Row(o, g, obs)
		for _, v := range p {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("metrics: prediction contains NaN, check your gradient chain")
			}
		}
		s.scoreGauge(g, p, o)
	}
	return s, nil
}

func newSummary(n int) *Summary {
	s := &Summary{}
	for _, f := range []*[]float64{
		&s.Bias, &s.MAE, &s.RMSE, &s.UnbiasedRMSE, &s.FDCRMSE,
		&s.Correlation, &s.SpearmanCorrelation, &s.NSE, &s.R2, &s.KGE, &s.KGE12,
		&s.PercentBias, &s.LowFlowBias, &s.HighFlowBias, &s.MidFlowBias,
		&s.LowFlowRMSE, &s.HighFlowRMSE, &s.MidFlowRMSE,
	} {
		v := make([]float64, n)
		for i := range v {
			v[i] = math.NaN()
		}
		*f = v
	}
	return s
}

// scoreGauge fills row g of every score from the full series p and o.
func (s *Summary) scoreGauge(g int, p, o []float64) {
	s.Bias[g] = nanMean(sub(p, o))
	s.MAE[g] = nanMean(abs(sub(p, o)))
	s.RMSE[g] = rmse(p, o)

	pa := anomaly(p)
	oa := anomaly(o)
	s.UnbiasedRMSE[g] = rmse(pa, oa)
	s.FDCRMSE[g] = rmse(flowDurationCurve(p), flowDurationCurve(o))

	// Everything below works on the timesteps where both series hold a
	// value.
	var pv, ov []float64
	for i := range p {
		if !math.IsNaN(p[i]) && !math.IsNaN(o[i]) {
			pv = append(pv, p[i])
			ov = append(ov, o[i])
		}
	}
	n := len(pv)
	if n == 0 {
		return
	}

	ps := append([]float64(nil), pv...)
	os := append([]float64(nil), ov...)
	sort.Float64s(ps)
	sort.Float64s(os)
	lo := int(math.Round(lowFlowCut * float64(n)))
	hi := int(math.Round(highFlowCut * float64(n)))

	s.PercentBias[g] = percentBias(pv, ov)
	s.LowFlowBias[g] = percentBias(ps[:lo], os[:lo])
	s.HighFlowBias[g] = percentBias(ps[hi:], os[hi:])
	s.MidFlowBias[g] = percentBias(ps[lo:hi], os[lo:hi])
	s.LowFlowRMSE[g] = rmse(ps[:lo], os[:lo])
	s.HighFlowRMSE[g] = rmse(ps[hi:], os[hi:])
	s.MidFlowRMSE[g] = rmse(ps[lo:hi], os[lo:hi])

	if n < 2 {
		return
	}
	corr := stat.Correlation(pv, ov, nil)
	s.Correlation[g] = corr
	s.SpearmanCorrelation[g] = stat.Correlation(ranks(pv), ranks(ov), nil)

	pMean := stat.Mean(pv, nil)
	oMean := stat.Mean(ov, nil)
	pStd := stat.PopStdDev(pv, nil)
	oStd := stat.PopStdDev(ov, nil)
	s.KGE[g] = 1 - math.Sqrt(sq(corr-1)+sq(pStd/oStd-1)+sq(pMean/oMean-1))
	s.KGE12[g] = 1 - math.Sqrt(sq(corr-1)+sq((pStd*oMean)/(oStd*pMean)-1)+sq(pMean/oMean-1))

	var ssRes, ssTot float64
	for i := range ov {
		ssRes += sq(ov[i] - pv[i])
		ssTot += sq(ov[i] - oMean)
	}
	s.NSE[g] = 1 - ssRes/ssTot
	s.R2[g] = s.NSE[g]
}

// flowDurationCurve samples the series' exceedance curve at fdcPoints
// evenly spaced probabilities. Gaps are dropped first; a gauge with no
// record at all yields the curve of an all-zero series, matching its
// total absence of flow evidence.
func flowDurationCurve(series []float64) []float64 {
	var v []float64
	for _, x := range series {
		if !math.IsNaN(x) {
			v = append(v, x)
		}
	}
	if len(v) == 0 {
		v = make([]float64, len(series))
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(v)))
	out := make([]float64, fdcPoints)
	for k := 0; k < fdcPoints; k++ {
		out[k] = v[k*len(v)/fdcPoints]
	}
	return out
}

// ranks replaces each value by its 1-based ascending rank, averaging
// over ties.
func ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })
	r := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			r[idx[k]] = avg
		}
		i = j + 1
	}
	return r
}

func sq(x float64) float64 { return x * x }

func sub(a, b []float64) []float64 {
	d := make([]float64, len(a))
	floats.SubTo(d, a, b)
	return d
}

func abs(v []float64) []float64 {
	for i, x := range v {
		v[i] = math.Abs(x)
	}
	return v
}

// nanMean is the mean over the non-NaN entries; NaN when there are none.
func nanMean(v []float64) float64 {
	var sum float64
	var n int
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	return sum / float64(n)
}

// rmse skips pairs where either side is NaN.
func rmse(p, o []float64) float64 {
	var sum float64
	var n int
	for i := range p {
		d := p[i] - o[i]
		if !math.IsNaN(d) {
			sum += d * d
			n++
		}
	}
	return math.Sqrt(sum / float64(n))
}

// anomaly returns the series with its non-NaN mean removed.
func anomaly(v []float64) []float64 {
	m := nanMean(v)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x - m
	}
	return out
}

func percentBias(p, o []float64) float64 {
	var dp, do float64
	for i := range p {
		dp += p[i] - o[i]
		do += o[i]
	}
	return dp / do * 100
}

// WriteTable writes one row per gauge of the headline scores plus a
// median footer, ignoring NaN rows in the footer.
func (s *Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "gauge\tNSE\tKGE\tRMSE\tbias\tcorr")
	for g := range s.NSE {
		fmt.Fprintf(tw, "%d\t%.4g\t%.4g\t%.4g\t%.4g\t%.4g\n",
			g, s.NSE[g], s.KGE[g], s.RMSE[g], s.Bias[g], s.Correlation[g])
	}
	fmt.Fprintf(tw, "median\t%.4g\t%.4g\t%.4g\t%.4g\t%.4g\n",
		nanMedian(s.NSE), nanMedian(s.KGE), nanMedian(s.RMSE),
		nanMedian(s.Bias), nanMedian(s.Correlation))
	return tw.Flush()
}

func nanMedian(v []float64) float64 {
	var clean []float64
	for _, x := range v {
		if !math.IsNaN(x) {
			clean = append(clean, x)
		}
	}
	n := len(clean)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	if n%2 == 1 {
		return clean[n/2]
	}
	return (clean[n/2-1] + clean[n/2]) / 2
}
