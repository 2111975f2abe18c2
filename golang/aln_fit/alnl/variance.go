package alnl

import (
	"fmt"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//VarianceSummary counts how the noise samples were produced.
type VarianceSummary struct {
	GoodSamples  int
	BadSamples   int
	GoodPieces   int
	BadPieces    int
	MeanVariance float64
}

//EstimateNoiseVariance replaces the output column of the variance table with a noise
//variance sample for every row. Rows are grouped by the piece assignment map. A piece with
//more than D+1 rows gets a local least squares fit and per-row samples from its residuals,
//smaller pieces get the pooled sample variance of their outputs. Processed entries of the
//map are set to NoLeaf, so calling it again on the same map does nothing.
func EstimateNoiseVariance(variance dataset.Table, assign []int) (VarianceSummary, error) {
	var summary VarianceSummary
	h, w := variance.Rows(), variance.Cols()
	if len(assign) != h {
		return summary, fmt.Errorf("%w: %d assignments for %d rows", dataset.ErrMisalignedStores, len(assign), h)
	}

	total := 0.0
	rows := make([]int, 0)
	for start := 0; start < h; start++ {
		piece := assign[start]
		if piece == NoLeaf {
			continue
		}
		rows = rows[:0]
		for p := start; p < h; p++ {
			if assign[p] == piece {
				rows = append(rows, p)
				assign[p] = NoLeaf
			}
		}

		samples, ok := residualSamples(variance, rows)
		if ok {
			summary.GoodPieces++
			summary.GoodSamples += len(rows)
		} else {
			samples = pooledSamples(variance, rows)
			summary.BadPieces++
			summary.BadSamples += len(rows)
		}
		for k, p := range rows {
			variance.Set(p, w-1, samples[k])
			total += samples[k]
		}
	}
	if n := summary.GoodSamples + summary.BadSamples; n > 0 {
		summary.MeanVariance = total / float64(n)
	}
	return summary, nil
}

//maxDesignCondition separates usable local designs from (nearly) collinear ones.
const maxDesignCondition = 1e10

//residualSamples fits y = b + Σ a_i x_i on the rows of one piece and turns the residuals
//into unbiased noise variance samples. It fails for small pieces and singular designs.
func residualSamples(table dataset.Table, rows []int) ([]float64, bool) {
	n, d := len(rows), table.Cols()
	if n <= d+1 {
		return nil, false
	}
	design := mat.NewDense(n, d, nil)
	target := mat.NewVecDense(n, nil)
	for k, p := range rows {
		for i := 0; i < d-1; i++ {
			design.Set(k, i, table.At(p, i))
		}
		design.Set(k, d-1, 1)
		target.SetVec(k, table.At(p, d-1))
	}

	var qr mat.QR
	qr.Factorize(design)
	if qr.Cond() > maxDesignCondition {
		return nil, false
	}
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, target); err != nil {
		return nil, false
	}
	var fitted mat.VecDense
	fitted.MulVec(design, &coef)

	dof := 1 - float64(d)/float64(n)
	correction := float64(d+1) / float64(d+3)
	samples := make([]float64, n)
	for k := range samples {
		r := (fitted.AtVec(k) - target.AtVec(k)) / dof
		samples[k] = r * r * correction
	}
	return samples, true
}

func pooledSamples(table dataset.Table, rows []int) []float64 {
	samples := make([]float64, len(rows))
	if len(rows) <= 1 {
		return samples
	}
	ys := make([]float64, len(rows))
	for k, p := range rows {
		ys[k] = table.At(p, table.Cols()-1)
	}
	v := stat.Variance(ys, nil)
	for k := range samples {
		samples[k] = v
	}
	return samples
}
