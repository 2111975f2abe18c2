package alnl

import (
	"fmt"
	"math"
	"strings"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

//Leaf is one affine piece. With D columns (inputs plus the output) Weights has D+1 entries:
//Weights[0] is the uncentered bias, Weights[i+1] the slope on input i and Weights[D] = -1.
//Centroid has D entries; Centroid[D-1] is the value of the piece at its centroid.
type Leaf struct {
	Weights  []float64 `json:"weights"`
	Centroid []float64 `json:"centroid"`
	Spread   []float64 `json:"spread"`
	BornAt   int       `json:"born_at"`

	stats leafStats
}

//leafStats are reset at the start of every epoch.
type leafStats struct {
	count int
	sqErr float64
	noise float64
	sumT  float64
	sumR  float64
	sumTR float64
}

//NewLeaf creates a flat piece through the center of the constraint box.
func NewLeaf(constraints dataset.Constraints, value float64) *Leaf {
	inputs := constraints.Inputs()
	leaf := &Leaf{
		Weights:  make([]float64, inputs+2),
		Centroid: make([]float64, inputs+1),
		Spread:   make([]float64, inputs),
	}
	for i, axis := range constraints.Axes {
		leaf.Centroid[i] = (axis.Min + axis.Max) / 2
		span := axis.Max - axis.Min
		leaf.Spread[i] = span * span / 12
	}
	leaf.Centroid[inputs] = value
	leaf.Weights[inputs+1] = -1
	leaf.syncBias()
	return leaf
}

//Inputs is the number of input axes of the piece.
func (l *Leaf) Inputs() int {
	return len(l.Centroid) - 1
}

//Value returns the value of the piece at its centroid.
func (l *Leaf) Value() float64 {
	return l.Centroid[len(l.Centroid)-1]
}

//Slope returns the weight on input i.
func (l *Leaf) Slope(i int) float64 {
	return l.Weights[i+1]
}

//Eval evaluates the piece. Only the first Inputs() entries of x are read.
func (l *Leaf) Eval(x []float64) float64 {
	inputs := l.Inputs()
	s := l.Centroid[inputs]
	for i := 0; i < inputs; i++ {
		s += l.Weights[i+1] * (x[i] - l.Centroid[i])
	}
	return s
}

func (l *Leaf) syncBias() {
	inputs := l.Inputs()
	b := l.Centroid[inputs]
	for i := 0; i < inputs; i++ {
		b -= l.Weights[i+1] * l.Centroid[i]
	}
	l.Weights[0] = b
}

//Clone returns a deep copy with fresh statistics.
func (l *Leaf) Clone() *Leaf {
	return &Leaf{
		Weights:  append([]float64(nil), l.Weights...),
		Centroid: append([]float64(nil), l.Centroid...),
		Spread:   append([]float64(nil), l.Spread...),
		BornAt:   l.BornAt,
	}
}

func (l *Leaf) resetStats() {
	l.stats = leafStats{}
}

//Samples is the number of samples that reached the piece in the current epoch.
func (l *Leaf) Samples() int {
	return l.stats.count
}

//MSE is the mean squared training error of the current epoch.
func (l *Leaf) MSE() float64 {
	if l.stats.count == 0 {
		return 0
	}
	return l.stats.sqErr / float64(l.stats.count)
}

//MeanNoise is the mean noise variance of the samples that reached the piece.
func (l *Leaf) MeanNoise() float64 {
	if l.stats.count == 0 {
		return 0
	}
	return l.stats.noise / float64(l.stats.count)
}

//Convex reports whether the residual grows with the normalised distance from the centroid,
//i.e. whether the data bends upwards around the piece.
func (l *Leaf) Convex() bool {
	n := float64(l.stats.count)
	if n == 0 {
		return true
	}
	return l.stats.sumTR/n-(l.stats.sumT/n)*(l.stats.sumR/n) >= 0
}

//step moves the piece towards the sample (x, y) by a normalised LMS update with rate lr
//and returns the error of the piece before the update.
func (l *Leaf) step(x []float64, y, noise, lr float64, constraints dataset.Constraints) (float64, error) {
	inputs := l.Inputs()
	f := l.Eval(x)
	e := f - y

	// Normalised distance of the sample from the centroid, for the curvature statistics.
	t := 0.0
	for i := 0; i < inputs; i++ {
		d := x[i] - l.Centroid[i]
		t += d * d / l.Spread[i]
	}
	l.stats.count++
	l.stats.sqErr += e * e
	l.stats.noise += noise
	l.stats.sumT += t
	l.stats.sumR -= e
	l.stats.sumTR -= t * e

	// The centroid follows the samples; the value at the centroid follows the function.
	shift := 0.0
	for i := 0; i < inputs; i++ {
		d := x[i] - l.Centroid[i]
		l.Centroid[i] += lr * d
		shift += l.Weights[i+1] * lr * d
		axis := constraints.Axes[i]
		floor := axis.Epsilon * axis.Epsilon / 4
		l.Spread[i] += lr * (d*d - l.Spread[i])
		if l.Spread[i] < floor {
			l.Spread[i] = floor
		}
	}
	l.Centroid[inputs] += shift - lr*e

	norm := 0.0
	for i := 0; i < inputs; i++ {
		d := x[i] - l.Centroid[i]
		norm += d * d / l.Spread[i]
	}
	scale := lr * e / math.Max(float64(inputs), norm)
	for i := 0; i < inputs; i++ {
		d := x[i] - l.Centroid[i]
		l.Weights[i+1] = constraints.Axes[i].ClampWeight(l.Weights[i+1] - scale*d/l.Spread[i])
	}
	l.syncBias()

	for _, v := range l.Weights {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return e, fmt.Errorf("%w: non-finite weight", ErrTrainingFailed)
		}
	}
	if v := l.Centroid[inputs]; math.IsNaN(v) || math.IsInf(v, 0) {
		return e, fmt.Errorf("%w: non-finite centroid value", ErrTrainingFailed)
	}
	return e, nil
}

//perturb tilts the piece around its centroid by sign*delta.
func (l *Leaf) perturb(delta []float64, sign float64, constraints dataset.Constraints) {
	for i := range delta {
		l.Weights[i+1] = constraints.Axes[i].ClampWeight(l.Weights[i+1] + sign*delta[i])
	}
	l.syncBias()
}

//GraphDescription returns the description of a leaf for tree rendering as a graph
func (l *Leaf) GraphDescription() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%6.4g", l.Weights[0]))
	for i := 0; i < l.Inputs(); i++ {
		sb.WriteString(fmt.Sprintf("\n%+6.4g x%d", l.Weights[i+1], i))
	}
	sb.WriteString(fmt.Sprintf("\nmse: %6.3g", l.MSE()))
	return sb.String()
}
