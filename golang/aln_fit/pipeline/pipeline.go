// Package pipeline runs the phases of a fit in order and exports the final tree.
package pipeline

import (
	"fmt"
	"math/rand"

	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/config"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
	"go.uber.org/zap"
)

// Result is everything a finished fit produced.
type Result struct {
	RunID        string
	Analysis     dataset.Analysis
	Seed         alnl.Seed
	Tessellation alnl.Tessellation
	Noise        alnl.VarianceSummary
	Ensemble     *alnl.Ensemble
	Report       alnl.Report
}

// Fit derives the constraints from the reference rows and runs the regression seed,
// the tessellation, the noise estimate, the approximation ensemble and, when enabled,
// the bagging tree. The first failure ends the run.
func Fit(reference dataset.Table, cfg *config.Config, log *zap.Logger) (*Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	analysis, err := dataset.Analyze(reference, cfg.AnalysisParams())
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	inputs := analysis.Constraints.Inputs()

	run, err := alnl.NewRun(reference, analysis.Constraints, cfg.Approximation.EnsembleSize, log)
	if err != nil {
		return nil, err
	}
	run.Log.Info("run started",
		zap.Int("rows", reference.Rows()),
		zap.Int("inputs", inputs),
		zap.Uint64("fingerprint", dataset.Fingerprint(reference)),
		zap.Int("ensemble", run.EnsembleSize),
	)
	result := &Result{RunID: run.ID, Analysis: analysis}
	rng := rand.New(rand.NewSource(cfg.RandomSeed))

	if err := run.Prepare(alnl.LinearRegression); err != nil {
		return nil, err
	}
	result.Seed, err = alnl.FitSeed(run.Training, run.Variance, run.Constraints, cfg.SeedParams(), rng, run.Log.Named("seed"))
	if err != nil {
		return nil, fmt.Errorf("regression seed: %w", err)
	}
	run.Seed = &result.Seed

	if err := run.Prepare(alnl.TessellationPhase); err != nil {
		return nil, err
	}
	result.Tessellation, err = alnl.Tessellate(run.Training, run.Variance, run.Reference, result.Seed,
		run.Constraints, cfg.TessellationParams(), rng, run.Log.Named("tessellation"))
	if err != nil {
		return nil, err
	}
	result.Noise, err = alnl.EstimateNoiseVariance(run.Variance, result.Tessellation.Assign)
	if err != nil {
		return nil, fmt.Errorf("noise variance: %w", err)
	}
	run.Log.Info("noise variance estimated",
		zap.Int("good_pieces", result.Noise.GoodPieces),
		zap.Int("bad_pieces", result.Noise.BadPieces),
		zap.Int("good_samples", result.Noise.GoodSamples),
		zap.Int("bad_samples", result.Noise.BadSamples),
		zap.Float64("mean_variance", result.Noise.MeanVariance),
	)

	if err := run.Prepare(alnl.Approximation); err != nil {
		return nil, err
	}
	result.Ensemble, err = alnl.TrainEnsemble(run.Training, run.Variance, result.Seed, run.Constraints,
		cfg.ApproximationParams(inputs), run.Log.Named("approximation"))
	if err != nil {
		return nil, err
	}
	result.Ensemble.RunID = run.ID

	if cfg.Bagging.Enabled {
		if err := run.Prepare(alnl.Bagging); err != nil {
			return nil, err
		}
		if _, err := result.Ensemble.TrainAverage(run.Reference, run.Variance, result.Seed, run.Constraints,
			cfg.BaggingParams(), rng, run.Log.Named("bagging")); err != nil {
			return nil, err
		}
	}

	result.Report, err = result.Ensemble.Report(reference)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	run.Log.Info("run finished",
		zap.Float64("rmse", result.Report.RMSE),
		zap.Float64s("importance", result.Report.Importance),
		zap.Ints("leaves", result.Report.NumberOfLeaves),
	)
	return result, nil
}

// FinalTree is the tree that gets exported: the bagging tree, or the only
// approximation tree when bagging is off.
func FinalTree(e *alnl.Ensemble) (*alnl.Tree, error) {
	switch {
	case e == nil:
		return nil, fmt.Errorf("%w: no model", alnl.ErrTreeConstruction)
	case e.Average != nil:
		return e.Average, nil
	case len(e.Trees) == 1:
		return e.Trees[0], nil
	}
	return nil, fmt.Errorf("%w: %d approximation trees and no bagging tree", alnl.ErrTreeConstruction, len(e.Trees))
}

// Export converts the final tree of the ensemble and, when path is not empty, writes it.
// Nothing is written when the conversion fails.
func Export(e *alnl.Ensemble, path string, opts dtree.Options, log *zap.Logger) (*dtree.DTree, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tree, err := FinalTree(e)
	if err != nil {
		return nil, err
	}
	d, err := dtree.Convert(tree, opts)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	d.RunID = e.RunID
	if path != "" {
		if err := dtree.Write(path, d); err != nil {
			return nil, err
		}
	}
	log.Info("decision tree exported",
		zap.String("path", path),
		zap.Int("pieces", len(d.Pieces)),
		zap.Int("nodes", len(d.Nodes)),
	)
	return d, nil
}
