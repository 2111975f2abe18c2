package alnl

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"

	"github.com/goccy/go-graphviz"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

//ApproximationParams collect arguments required to train the ensemble.
type ApproximationParams struct {
	Size               int
	LearningRate       float64
	Iterations         int
	EpochsPerIteration int
	FLimit             float64
	Smoothing          float64
	Jitter             bool
	Policy             SplitPolicy
	EpochsBeforeSplit  int
	//MaxLeaves caps every tree, 0 means the number of training rows.
	MaxLeaves  int
	RandomSeed int64
}

//DefaultApproximationParams returns the budget of one approximation tree.
func DefaultApproximationParams() ApproximationParams {
	return ApproximationParams{
		Size:               1,
		LearningRate:       0.15,
		Iterations:         40,
		EpochsPerIteration: 100,
		FLimit:             DefaultFLimit,
		Policy:             SplitCurvature,
		EpochsBeforeSplit:  1,
		RandomSeed:         1,
	}
}

//BaggingParams collect arguments required to train the tree on the ensemble average.
type BaggingParams struct {
	LearningRate       float64
	Iterations         int
	EpochsPerIteration int
	FLimit             float64
	Smoothing          float64
	Policy             SplitPolicy
	EpochsBeforeSplit  int
	//MaxLeaves caps the average tree, 0 means the number of reference rows.
	MaxLeaves int
}

//DefaultBaggingParams returns the budget of the bagging phase.
func DefaultBaggingParams() BaggingParams {
	return BaggingParams{
		LearningRate:       0.2,
		Iterations:         20,
		EpochsPerIteration: 10,
		FLimit:             DefaultFLimit,
		Policy:             SplitCurvature,
		EpochsBeforeSplit:  1,
	}
}

//Ensemble is the model: N approximation trees and the tree trained on their average.
type Ensemble struct {
	RunID               string   `json:"run_id,omitempty"`
	Trees               []*Tree  `json:"trees"`
	Average             *Tree    `json:"average,omitempty"`
	LearningCurveTitles []string `json:"learning_curve_titles"`
}

//TrainEnsemble trains params.Size growable trees from the seed, each with its own random stream.
func TrainEnsemble(training, variance dataset.Table, seed Seed, constraints dataset.Constraints, params ApproximationParams, log *zap.Logger) (*Ensemble, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if params.Size < 1 {
		return nil, fmt.Errorf("%w: ensemble size %d", ErrTreeConstruction, params.Size)
	}
	var jitter []float64
	if params.Jitter {
		jitter = epsilons(constraints)
	}
	maxLeaves := params.MaxLeaves
	if maxLeaves <= 0 {
		maxLeaves = training.Rows()
	}

	ensemble := &Ensemble{}
	for n := 0; n < params.Size; n++ {
		treeLog := log.With(zap.Int("tree", n))
		rng := rand.New(rand.NewSource(params.RandomSeed + int64(n)))
		tree, err := NewTree(seed.Clone(), constraints, params.Smoothing)
		if err != nil {
			return nil, err
		}
		trainer, err := NewTrainer(tree, TrainParams{
			LearningRate:       params.LearningRate,
			Iterations:         params.Iterations,
			EpochsPerIteration: params.EpochsPerIteration,
			Growable:           true,
			FLimit:             params.FLimit,
			EpochsBeforeSplit:  params.EpochsBeforeSplit,
			MaxLeaves:          maxLeaves,
			MinSplitSamples:    constraints.Inputs() + 2,
			Policy:             params.Policy,
		}, rng, treeLog)
		if err != nil {
			return nil, err
		}
		src, err := NewStoredSource(training, variance, rng)
		if err != nil {
			return nil, err
		}
		src.Jitter = jitter
		result, err := trainer.Train(src)
		if err != nil {
			return nil, fmt.Errorf("approximation tree %d: %w", n, err)
		}
		treeLog.Info("approximation tree done",
			zap.Int("leaves", result.Leaves),
			zap.Int("epochs", result.Epochs),
			zap.Bool("stable", result.Stable),
			zap.Float64("rmse", result.RMSE),
		)
		ensemble.Trees = append(ensemble.Trees, tree)
		ensemble.LearningCurveTitles = append(ensemble.LearningCurveTitles, fmt.Sprintf("tree %d", n))
	}
	return ensemble, nil
}

//TrainAverage trains one growable tree on samples drawn around the reference rows whose
//targets are the live average of the ensemble. The result is stored as e.Average.
func (e *Ensemble) TrainAverage(reference, variance dataset.Table, seed Seed, constraints dataset.Constraints, params BaggingParams, rng RandomSource, log *zap.Logger) (TrainResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(e.Trees) == 0 {
		return TrainResult{}, fmt.Errorf("%w: empty ensemble", ErrTreeConstruction)
	}
	tree, err := NewTree(seed.Clone(), constraints, params.Smoothing)
	if err != nil {
		return TrainResult{}, err
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
		EpochsBeforeSplit:  params.EpochsBeforeSplit,
		MaxLeaves:          maxLeaves,
		MinSplitSamples:    constraints.Inputs() + 2,
		Policy:             params.Policy,
	}, rng, log)
	if err != nil {
		return TrainResult{}, err
	}
	src, err := NewGeneratorSource(reference, variance, ensembleAverage{e}, epsilons(constraints), rng, reference.Rows())
	if err != nil {
		return TrainResult{}, err
	}
	result, err := trainer.Train(src)
	if err != nil {
		return result, fmt.Errorf("bagging: %w", err)
	}
	log.Info("average tree done",
		zap.Int("leaves", result.Leaves),
		zap.Int("epochs", result.Epochs),
		zap.Float64("rmse", result.RMSE),
	)
	e.Average = tree
	titles := e.LearningCurveTitles
	if len(titles) > len(e.Trees) {
		titles = titles[:len(e.Trees)]
	}
	e.LearningCurveTitles = append(titles, "average")
	return result, nil
}

//ensembleAverage hides the trained average tree from the generator.
type ensembleAverage struct {
	e *Ensemble
}

func (a ensembleAverage) Average(x []float64) float64 {
	return a.e.AverageOfTrees(x)
}

func epsilons(constraints dataset.Constraints) []float64 {
	eps := make([]float64, constraints.Inputs())
	for i, axis := range constraints.Axes {
		eps[i] = axis.Epsilon
	}
	return eps
}

//AverageOfTrees evaluates all approximation trees at x and averages them.
func (e *Ensemble) AverageOfTrees(x []float64) float64 {
	s := 0.0
	for _, tree := range e.Trees {
		s += tree.Predict(x)
	}
	return s / float64(len(e.Trees))
}

//Predict uses the average tree when it has been trained and the plain average otherwise.
func (e *Ensemble) Predict(x []float64) float64 {
	if e.Average != nil {
		return e.Average.Predict(x)
	}
	return e.AverageOfTrees(x)
}

//PredictionGrid evaluates every approximation tree at every row: the result has shape (trees, rows).
func (e *Ensemble) PredictionGrid(table dataset.Table) (*tensor.Dense, error) {
	h, w := table.Rows(), table.Cols()
	grid := tensor.New(tensor.WithShape(len(e.Trees), h), tensor.Of(tensor.Float64))
	row := make([]float64, w)
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			row[q] = table.At(p, q)
		}
		for n, tree := range e.Trees {
			if err := grid.SetAt(tree.Predict(row), n, p); err != nil {
				return nil, err
			}
		}
	}
	return grid, nil
}

//Report is the training summary of an ensemble on the reference rows.
type Report struct {
	RMSE           float64   `json:"rmse"`
	MeanWeight     []float64 `json:"mean_weight"`
	MeanAbsWeight  []float64 `json:"mean_abs_weight"`
	Importance     []float64 `json:"importance"`
	OutputStdDev   float64   `json:"output_stddev"`
	InputStdDev    []float64 `json:"input_stddev"`
	NumberOfTrees  int       `json:"number_of_trees"`
	NumberOfLeaves []int     `json:"number_of_leaves"`
}

//Report computes the RMSE of the ensemble average and the importance of every input:
//stddev(input) times the mean absolute active weight divided by stddev(output).
func (e *Ensemble) Report(reference dataset.Table) (Report, error) {
	h, w := reference.Rows(), reference.Cols()
	inputs := w - 1
	if h < 2 {
		return Report{}, fmt.Errorf("%w: report needs at least two rows", dataset.ErrEmptyTable)
	}
	grid, err := e.PredictionGrid(reference)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		MeanWeight:    make([]float64, inputs),
		MeanAbsWeight: make([]float64, inputs),
		Importance:    make([]float64, inputs),
		InputStdDev:   make([]float64, inputs),
		NumberOfTrees: len(e.Trees),
	}
	for _, tree := range e.Trees {
		report.NumberOfLeaves = append(report.NumberOfLeaves, tree.LeafCount())
	}

	row := make([]float64, w)
	se := 0.0
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			row[q] = reference.At(p, q)
		}
		sum := 0.0
		for n, tree := range e.Trees {
			v, err := grid.At(n, p)
			if err != nil {
				return Report{}, err
			}
			sum += v.(float64)
			_, active := tree.Eval(row)
			leaf := tree.Leaf(active)
			for k := 0; k < inputs; k++ {
				report.MeanWeight[k] += leaf.Slope(k)
				report.MeanAbsWeight[k] += math.Abs(leaf.Slope(k))
			}
		}
		d := sum/float64(len(e.Trees)) - row[inputs]
		se += d * d
	}
	report.RMSE = math.Sqrt(se / float64(h-1))

	report.OutputStdDev = stat.StdDev(dataset.Column(reference, inputs), nil)
	if math.Abs(report.OutputStdDev) < 1e-10 {
		return report, dataset.ErrFlatOutput
	}
	count := float64(h * len(e.Trees))
	for k := 0; k < inputs; k++ {
		report.MeanWeight[k] /= count
		report.MeanAbsWeight[k] /= count
		report.InputStdDev[k] = stat.StdDev(dataset.Column(reference, k), nil)
		report.Importance[k] = report.InputStdDev[k] * report.MeanAbsWeight[k] / report.OutputStdDev
	}
	return report, nil
}

//Save writes the model as indented JSON.
func (e *Ensemble) Save(filename string) (err error) {
	dest, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("can't open file %s to write: %w", filename, err)
	}
	defer func() {
		if cerr := dest.Close(); err == nil {
			err = cerr
		}
	}()

	modelByteRepr, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	_, err = dest.Write(modelByteRepr)
	return err
}

//LoadModel reads a model written by Save.
func LoadModel(filename string) (*Ensemble, error) {
	source, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	var ensemble Ensemble
	if err := json.NewDecoder(source).Decode(&ensemble); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	if len(ensemble.Trees) == 0 {
		return nil, fmt.Errorf("%w: %s holds no trees", ErrTreeConstruction, filename)
	}
	for n, tree := range ensemble.Trees {
		if err := tree.Validate(); err != nil {
			return nil, fmt.Errorf("tree %d: %w", n, err)
		}
	}
	if ensemble.Average != nil {
		if err := ensemble.Average.Validate(); err != nil {
			return nil, fmt.Errorf("average tree: %w", err)
		}
	}
	return &ensemble, nil
}

type LearningCurvesDump struct {
	Titles []string
	Values [][]float64
}

//DumpLearningCurves writes the training RMSE after every iteration of every tree.
func (e *Ensemble) DumpLearningCurves(filenameLearningCurves string) (err error) {
	destination, err := os.Create(filenameLearningCurves)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := destination.Close(); err == nil {
			err = cerr
		}
	}()

	learningCurvesDump := LearningCurvesDump{Titles: e.LearningCurveTitles, Values: make([][]float64, 0)}
	for _, currentTree := range e.allTrees() {
		learningCurvesDump.Values = append(learningCurvesDump.Values, currentTree.LearningCurveRow)
	}

	bytesResult, err := json.MarshalIndent(learningCurvesDump, "", "  ")
	if err != nil {
		return err
	}
	_, err = destination.Write(bytesResult)
	return err
}

func (e *Ensemble) allTrees() []*Tree {
	trees := append([]*Tree(nil), e.Trees...)
	if e.Average != nil {
		trees = append(trees, e.Average)
	}
	return trees
}

//GraphFormats maps file extensions to graphviz formats.
var GraphFormats = map[string]graphviz.Format{
	"png": graphviz.PNG,
	"svg": graphviz.SVG,
	"jpg": graphviz.JPG,
	"dot": graphviz.XDOT,
}

//RenderTrees draws every tree, the average one last, into picturesDirectory.
func (e *Ensemble) RenderTrees(dumpPrefix, figureType, picturesDirectory string) error {
	graphvizType, ok := GraphFormats[figureType]
	if !ok {
		return fmt.Errorf("unknown figure type %q", figureType)
	}

	for graphInd, currentTree := range e.allTrees() {
		filename := fmt.Sprintf("%s_%05d.%s", dumpPrefix, graphInd, figureType)
		if err := renderTree(currentTree, graphvizType, path.Join(picturesDirectory, filename)); err != nil {
			return err
		}
	}
	return nil
}

func renderTree(tree *Tree, format graphviz.Format, filename string) error {
	graphViz, graph, err := tree.DrawGraph()
	if err != nil {
		return err
	}
	defer func() {
		_ = graph.Close()
		_ = graphViz.Close()
	}()
	return graphViz.RenderFilename(graph, format, filename)
}
