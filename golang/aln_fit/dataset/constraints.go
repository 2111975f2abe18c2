package dataset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

//AxisConstraint bounds one input axis of a tree.
type AxisConstraint struct {
	Epsilon   float64 `json:"epsilon" yaml:"epsilon"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	WeightMin float64 `json:"weight_min" yaml:"weight_min"`
	WeightMax float64 `json:"weight_max" yaml:"weight_max"`
}

//Validate checks the invariants of a single axis.
func (c AxisConstraint) Validate() error {
	if !(c.Epsilon > 0) {
		return ErrDegenerateAxis
	}
	if c.WeightMin > c.WeightMax {
		return ErrBadWeightBounds
	}
	return nil
}

//ClampWeight limits a slope to the axis weight bounds.
func (c AxisConstraint) ClampWeight(w float64) float64 {
	if w < c.WeightMin {
		return c.WeightMin
	}
	if w > c.WeightMax {
		return c.WeightMax
	}
	return w
}

//Constraints is the per-axis table for every column except the output.
type Constraints struct {
	Axes []AxisConstraint `json:"axes" yaml:"axes"`
}

//Inputs returns the number of constrained input axes.
func (c Constraints) Inputs() int {
	return len(c.Axes)
}

//Validate reports the first broken axis.
func (c Constraints) Validate() error {
	if len(c.Axes) == 0 {
		return fmt.Errorf("%w: no input axes", ErrShape)
	}
	for m, axis := range c.Axes {
		if err := axis.Validate(); err != nil {
			return fmt.Errorf("axis %d: %w", m, err)
		}
	}
	return nil
}

//Clone copies the table so trees never share it.
func (c Constraints) Clone() Constraints {
	return Constraints{Axes: append([]AxisConstraint(nil), c.Axes...)}
}

// WeightPrior is an a priori slope bound for one input axis. NaN means "no bound".
type WeightPrior struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// AnalysisParams tunes Analyze.
type AnalysisParams struct {
	// DomainMargin widens [min, max] by this many standard deviations on each side.
	DomainMargin float64
	// WeightPriors optionally tightens the slope bounds per input axis.
	WeightPriors map[int]WeightPrior
}

// DefaultAnalysisParams widens the domain by a tenth of a standard deviation.
func DefaultAnalysisParams() AnalysisParams {
	return AnalysisParams{DomainMargin: 0.1}
}

// Analysis is the per-column summary of the reference data together with the
// constraint table derived from it.
type Analysis struct {
	Mean        []float64   `yaml:"mean"`
	StdDev      []float64   `yaml:"stddev"`
	Min         []float64   `yaml:"min"`
	Max         []float64   `yaml:"max"`
	Constraints Constraints `yaml:"constraints"`
}

// OutputStdDev returns the standard deviation of the output column.
func (a Analysis) OutputStdDev() float64 {
	return a.StdDev[len(a.StdDev)-1]
}

// Analyze computes column statistics of the reference table and the constraint
// table for all input axes. A constant input column or a flat output is a
// configuration error.
func Analyze(reference Table, params AnalysisParams) (Analysis, error) {
	h, w := reference.Rows(), reference.Cols()
	if h == 0 {
		return Analysis{}, ErrEmptyTable
	}
	if w < 2 {
		return Analysis{}, fmt.Errorf("%w: need at least one input and the output, got %d columns", ErrShape, w)
	}

	a := Analysis{
		Mean:   make([]float64, w),
		StdDev: make([]float64, w),
		Min:    make([]float64, w),
		Max:    make([]float64, w),
	}
	for q := 0; q < w; q++ {
		col := Column(reference, q)
		a.Mean[q], a.StdDev[q] = stat.MeanStdDev(col, nil)
		if h < 2 {
			a.StdDev[q] = 0
		}
		a.Min[q], a.Max[q] = col[0], col[0]
		for _, v := range col[1:] {
			a.Min[q] = math.Min(a.Min[q], v)
			a.Max[q] = math.Max(a.Max[q], v)
		}
	}

	inputs := w - 1
	stdOut := a.StdDev[inputs]
	if math.Abs(stdOut) < 1e-10 {
		return a, ErrFlatOutput
	}

	// The box each sample "owns" along an axis when h samples cover the domain.
	boxesPerAxis := math.Pow(float64(h), 1.0/float64(inputs))

	a.Constraints.Axes = make([]AxisConstraint, inputs)
	for m := 0; m < inputs; m++ {
		epsilon := (a.Max[m] - a.Min[m]) / boxesPerAxis
		if epsilon == 0 {
			return a, fmt.Errorf("axis %d: %w", m, ErrDegenerateAxis)
		}
		bound := math.Sqrt2 * stdOut / epsilon
		axis := AxisConstraint{
			Epsilon:   epsilon,
			Min:       a.Min[m] - params.DomainMargin*a.StdDev[m],
			Max:       a.Max[m] + params.DomainMargin*a.StdDev[m],
			WeightMin: -bound,
			WeightMax: bound,
		}
		if prior, ok := params.WeightPriors[m]; ok {
			if !math.IsNaN(prior.Min) && prior.Min > axis.WeightMin {
				axis.WeightMin = prior.Min
			}
			if !math.IsNaN(prior.Max) && prior.Max < axis.WeightMax {
				axis.WeightMax = prior.Max
			}
		}
		if err := axis.Validate(); err != nil {
			return a, fmt.Errorf("axis %d: %w", m, err)
		}
		a.Constraints.Axes[m] = axis
	}
	return a, nil
}
