package alnl

import (
	"fmt"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

//fConstants are F-test values for 90% probability indexed by degrees of freedom
//2..10, 20, 30, 40 and 60.
var fConstants = [...]float64{9.00, 5.39, 4.11, 3.45, 3.05, 2.78, 2.59, 2.44, 2.32, 1.79, 1.61, 1.51, 1.40}

//DefaultFLimit is the fixed F-limit used for approximation trees.
const DefaultFLimit = 1.4

//FLimitTable returns the F-limit for a tree with the given number of columns (inputs plus output).
func FLimitTable(columns int) float64 {
	index := columns - 2
	switch {
	case columns > 60:
		index = 12
	case columns > 40:
		index = 11
	case columns > 30:
		index = 10
	case columns > 20:
		index = 9
	case columns > 10:
		index = 8
	}
	if index < 0 {
		index = 0
	}
	return fConstants[index]
}

//SplitPolicy decides which combinator replaces a leaf that fails the F-test.
type SplitPolicy int

const (
	SplitCurvature SplitPolicy = iota
	SplitMax
	SplitMin
)

var splitPolicyNames = map[SplitPolicy]string{SplitCurvature: "curvature", SplitMax: "max", SplitMin: "min"}

func (p SplitPolicy) String() string {
	if name, ok := splitPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("SplitPolicy(%d)", int(p))
}

//ParseSplitPolicy accepts "curvature", "max" and "min".
func ParseSplitPolicy(name string) (SplitPolicy, error) {
	for policy, policyName := range splitPolicyNames {
		if policyName == name {
			return policy, nil
		}
	}
	return SplitCurvature, fmt.Errorf("unknown split policy %q", name)
}

//kind returns the combinator for a leaf. A convex residual is followed by a MAX.
func (p SplitPolicy) kind(leaf *Leaf) NodeKind {
	switch p {
	case SplitMax:
		return MaxNode
	case SplitMin:
		return MinNode
	default:
		if leaf.Convex() {
			return MaxNode
		}
		return MinNode
	}
}

//NeedsSplit is the F-test: the training error of a piece exceeds what its noise explains.
func NeedsSplit(mse, noise, fLimit float64) bool {
	return mse > fLimit*fLimit*noise
}

//perturbation draws the tilt applied to the two copies of a split leaf.
func perturbation(constraints dataset.Constraints, nudge float64, rng RandomSource) []float64 {
	delta := make([]float64, constraints.Inputs())
	for i, axis := range constraints.Axes {
		delta[i] = nudge * (rng.Float64() - 0.5) * (axis.WeightMax - axis.WeightMin)
	}
	return delta
}
