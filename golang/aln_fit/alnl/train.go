package alnl

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

//TrainParams collect arguments required to train one tree.
type TrainParams struct {
	LearningRate       float64
	Iterations         int
	EpochsPerIteration int
	Growable           bool
	FLimit             float64
	//ReferenceNoise replaces the noise samples in the split test when positive.
	ReferenceNoise float64
	//EpochsBeforeSplit is the number of epochs a leaf lives before it may split.
	EpochsBeforeSplit int
	//MaxLeaves stops splitting and training once reached, 0 means unlimited.
	MaxLeaves int
	//MinSplitSamples skips the split test of leaves that received fewer samples in the epoch.
	//A plane fits inputs+1 points exactly, so growable trees want at least inputs+2.
	MinSplitSamples int
	Policy          SplitPolicy
	Nudge           float64
}

//DefaultNudge scales the tilt between the two copies of a split leaf.
const DefaultNudge = 1e-3

//EpochResult is what one pass over the samples did to the tree.
type EpochResult struct {
	AnyLeafUpdated   bool
	MeanSquaredError float64
	Splits           int
	Leaves           int
}

//Stable reports an epoch in which no piece needed further adaptation.
func (r EpochResult) Stable() bool {
	return !r.AnyLeafUpdated
}

//TrainResult summarizes a call to Train.
type TrainResult struct {
	Epochs int
	Stable bool
	RMSE   float64
	Leaves int
}

//Trainer adapts one tree to a sample source.
type Trainer struct {
	tree   *Tree
	params TrainParams
	rng    RandomSource
	log    *zap.Logger
	epoch  int
	row    []float64
}

//NewTrainer checks the parameters and binds them to a tree.
func NewTrainer(tree *Tree, params TrainParams, rng RandomSource, log *zap.Logger) (*Trainer, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrTreeConstruction)
	}
	if !(params.LearningRate > 0 && params.LearningRate <= 1) {
		return nil, fmt.Errorf("%w: learning rate %g", ErrTreeConstruction, params.LearningRate)
	}
	if params.Growable && rng == nil {
		return nil, fmt.Errorf("%w: a growable tree needs a random source", ErrTreeConstruction)
	}
	if params.Nudge == 0 {
		params.Nudge = DefaultNudge
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		tree:   tree,
		params: params,
		rng:    rng,
		log:    log,
		row:    make([]float64, tree.Inputs()+1),
	}, nil
}

//Tree returns the tree being trained.
func (tr *Trainer) Tree() *Tree {
	return tr.tree
}

//Epoch runs one pass over the source, updating the active leaf of every sample,
//and then applies the split test to every leaf that received samples.
func (tr *Trainer) Epoch(src SampleSource) (EpochResult, error) {
	var result EpochResult
	if src.Width() != len(tr.row) {
		return result, fmt.Errorf("%w: source has %d columns, tree expects %d", ErrTrainingFailed, src.Width(), len(tr.row))
	}
	tree := tr.tree
	tree.resetStats()
	src.Begin()

	target := len(tr.row) - 1
	n, sum := 0, 0.0
	for {
		noise, ok := src.Next(tr.row)
		if !ok {
			break
		}
		_, active := tree.Eval(tr.row)
		e, err := tree.Leaf(active).step(tr.row, tr.row[target], noise, tr.params.LearningRate, tree.Constraints)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", tr.epoch, err)
		}
		n++
		sum += e * e
	}
	if n > 0 {
		result.MeanSquaredError = sum / float64(n)
	}
	if math.IsNaN(result.MeanSquaredError) || math.IsInf(result.MeanSquaredError, 0) {
		return result, fmt.Errorf("%w: epoch %d error is not finite", ErrTrainingFailed, tr.epoch)
	}

	if !tr.params.Growable {
		// Without splitting there is nothing to decide; every epoch adapts the leaves.
		result.AnyLeafUpdated = n > 0
	} else if err := tr.splitLeaves(&result); err != nil {
		return result, err
	}

	result.Leaves = tree.LeafCount()
	tr.epoch++
	return result, nil
}

func (tr *Trainer) splitLeaves(result *EpochResult) error {
	tree := tr.tree
	for _, id := range tree.Leaves() {
		leaf := tree.Leaf(id)
		if leaf.Samples() == 0 || leaf.Samples() < tr.params.MinSplitSamples {
			continue
		}
		noise := leaf.MeanNoise()
		if tr.params.ReferenceNoise > 0 {
			noise = tr.params.ReferenceNoise
		}
		if !NeedsSplit(leaf.MSE(), noise, tr.params.FLimit) {
			continue
		}
		result.AnyLeafUpdated = true
		if tr.epoch-leaf.BornAt < tr.params.EpochsBeforeSplit {
			continue
		}
		if tr.params.MaxLeaves > 0 && tree.LeafCount() >= tr.params.MaxLeaves {
			continue
		}
		kind := tr.params.Policy.kind(leaf)
		if err := tree.Split(id, kind, perturbation(tree.Constraints, tr.params.Nudge, tr.rng), tr.epoch+1); err != nil {
			return err
		}
		result.Splits++
	}
	return nil
}

//Train runs up to Iterations x EpochsPerIteration epochs. It stops early after a stable
//epoch or when the tree reached MaxLeaves. The training RMSE after every iteration is
//appended to the learning curve of the tree.
func (tr *Trainer) Train(src SampleSource) (TrainResult, error) {
	var result TrainResult
	epochs := tr.params.EpochsPerIteration
	if epochs <= 0 {
		epochs = 1
	}
	for iteration := 0; iteration < tr.params.Iterations; iteration++ {
		var last EpochResult
		for e := 0; e < epochs; e++ {
			epochResult, err := tr.Epoch(src)
			if err != nil {
				return result, err
			}
			last = epochResult
			result.Epochs++
			result.RMSE = math.Sqrt(epochResult.MeanSquaredError)
			result.Leaves = epochResult.Leaves
			if epochResult.Stable() {
				result.Stable = true
				break
			}
			if tr.params.MaxLeaves > 0 && epochResult.Leaves >= tr.params.MaxLeaves {
				break
			}
		}
		tr.tree.LearningCurveRow = append(tr.tree.LearningCurveRow, result.RMSE)
		tr.log.Debug("iteration",
			zap.Int("iteration", iteration),
			zap.Int("leaves", last.Leaves),
			zap.Int("splits", last.Splits),
			zap.Float64("rmse", result.RMSE),
		)
		if result.Stable || (tr.params.MaxLeaves > 0 && result.Leaves >= tr.params.MaxLeaves) {
			break
		}
	}
	return result, nil
}
