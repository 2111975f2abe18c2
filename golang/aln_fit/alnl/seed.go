package alnl

import (
	"fmt"
	"math"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

//Seed is the affine fit every later tree starts from. It is copied by value into every tree.
type Seed struct {
	Weights  []float64 `json:"weights"`
	Centroid []float64 `json:"centroid"`
	Spread   []float64 `json:"spread,omitempty"`
	RMSE     float64   `json:"rmse"`
}

//Clone copies the slices of the seed.
func (s Seed) Clone() Seed {
	return Seed{
		Weights:  append([]float64(nil), s.Weights...),
		Centroid: append([]float64(nil), s.Centroid...),
		Spread:   append([]float64(nil), s.Spread...),
		RMSE:     s.RMSE,
	}
}

//SeedFromLeaf captures the affine function of a leaf.
func SeedFromLeaf(leaf *Leaf) Seed {
	c := leaf.Clone()
	return Seed{Weights: c.Weights, Centroid: c.Centroid, Spread: c.Spread}
}

//FlatSeed is a constant function through the middle of the constraint box.
func FlatSeed(constraints dataset.Constraints, value float64) Seed {
	return SeedFromLeaf(NewLeaf(constraints, value))
}

//SeedParams collect arguments of the linear regression phase.
type SeedParams struct {
	LearningRate       float64
	Iterations         int
	EpochsPerIteration int
}

//DefaultSeedParams returns the budget of the regression phase.
func DefaultSeedParams() SeedParams {
	return SeedParams{LearningRate: 0.15, Iterations: 10, EpochsPerIteration: 200}
}

//FitSeed trains a single, non-growable, unsmoothed leaf on the training store and
//returns its weights and centroid together with the whole-sample training RMSE.
func FitSeed(training, variance dataset.Table, constraints dataset.Constraints, params SeedParams, rng RandomSource, log *zap.Logger) (Seed, error) {
	if log == nil {
		log = zap.NewNop()
	}
	output := dataset.Column(training, training.Cols()-1)
	tree, err := NewTree(FlatSeed(constraints, stat.Mean(output, nil)), constraints, 0)
	if err != nil {
		return Seed{}, err
	}
	trainer, err := NewTrainer(tree, TrainParams{
		LearningRate:       params.LearningRate,
		Iterations:         params.Iterations,
		EpochsPerIteration: params.EpochsPerIteration,
	}, rng, log)
	if err != nil {
		return Seed{}, err
	}
	src, err := NewStoredSource(training, variance, rng)
	if err != nil {
		return Seed{}, err
	}
	if _, err := trainer.Train(src); err != nil {
		return Seed{}, fmt.Errorf("linear regression: %w", err)
	}

	seed := SeedFromLeaf(tree.Leaf(0))
	seed.RMSE = RMSE(tree, training)
	log.Info("linear regression done",
		zap.Float64s("weights", seed.Weights),
		zap.Float64s("centroid", seed.Centroid),
		zap.Float64("rmse", seed.RMSE),
	)
	return seed, nil
}

//Predictor is anything that evaluates to a number at a point.
type Predictor interface {
	Predict(x []float64) float64
}

//RMSE is the root mean squared error of a predictor over all rows of a table.
func RMSE(model Predictor, table dataset.Table) float64 {
	h, w := table.Rows(), table.Cols()
	if h == 0 {
		return 0
	}
	row := make([]float64, w)
	se := 0.0
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			row[q] = table.At(p, q)
		}
		d := model.Predict(row) - row[w-1]
		se += d * d
	}
	return math.Sqrt(se / float64(h))
}
