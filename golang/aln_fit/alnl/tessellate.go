package alnl

import (
	"fmt"

	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"go.uber.org/zap"
)

//NoLeaf marks a row of the piece assignment map that has been processed.
const NoLeaf = -1

//TessellationParams collect arguments of the tessellation phase.
type TessellationParams struct {
	Smoothing          float64
	FLimit             float64
	LearningRate       float64
	Iterations         int
	EpochsPerIteration int
	EpochsBeforeSplit  int
	//MaxLeaves defaults to the number of rows.
	MaxLeaves int
}

//DefaultTessellationParams returns the budget of the tessellation phase.
func DefaultTessellationParams() TessellationParams {
	return TessellationParams{
		Smoothing:          0.001,
		FLimit:             0.001,
		LearningRate:       0.15,
		Iterations:         15,
		EpochsPerIteration: 40,
		EpochsBeforeSplit:  1,
	}
}

//Tessellation is the result of the tessellation phase.
type Tessellation struct {
	Tree   *Tree
	Assign []int
	Result TrainResult
}

//Tessellate fits a MAX-only tree to the paraboloid stored in the training table and
//assigns every reference row to the leaf active at its original coordinates.
//The paraboloid has unit depth, so pieces split while their error exceeds FLimit.
func Tessellate(training, variance, reference dataset.Table, seed Seed, constraints dataset.Constraints, params TessellationParams, rng RandomSource, log *zap.Logger) (Tessellation, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := dataset.CheckAligned(training, variance, reference); err != nil {
		return Tessellation{}, err
	}
	tree, err := NewTree(seed.Clone(), constraints, params.Smoothing)
	if err != nil {
		return Tessellation{}, err
	}
	maxLeaves := params.MaxLeaves
	if maxLeaves <= 0 {
		maxLeaves = reference.Rows()
	}
	trainer, err := NewTrainer(tree, TrainParams{
		LearningRate:       params.LearningRate,
		Iterations:         params.Iterations,
		EpochsPerIteration: params.EpochsPerIteration,
		Growable:           true,
		FLimit:             params.FLimit,
		ReferenceNoise:     1,
		EpochsBeforeSplit:  params.EpochsBeforeSplit,
		MaxLeaves:          maxLeaves,
		Policy:             SplitMax,
	}, rng, log)
	if err != nil {
		return Tessellation{}, err
	}
	src, err := NewStoredSource(training, variance, rng)
	if err != nil {
		return Tessellation{}, err
	}
	result, err := trainer.Train(src)
	if err != nil {
		return Tessellation{}, fmt.Errorf("tessellation: %w", err)
	}
	log.Info("tessellation done",
		zap.Int("leaves", result.Leaves),
		zap.Int("epochs", result.Epochs),
		zap.Bool("stable", result.Stable),
		zap.Float64("rmse", result.RMSE),
	)
	return Tessellation{Tree: tree, Assign: AssignPieces(tree, reference), Result: result}, nil
}

//AssignPieces returns the id of the active leaf for every row of the table.
func AssignPieces(tree *Tree, table dataset.Table) []int {
	assign := make([]int, table.Rows())
	row := make([]float64, table.Cols())
	for p := range assign {
		for q := range row {
			row[q] = table.At(p, q)
		}
		_, assign[p] = tree.Eval(row)
	}
	return assign
}
