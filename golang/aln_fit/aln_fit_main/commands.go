package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
	"github.com/tarstars/aln_fit/golang/aln_fit/pipeline"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

func newTrainCmd(a *app) *cobra.Command {
	var dataFile, modelFile, dtreeFile, curvesFile, reportFile string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the reference samples and export the decision tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			reference, err := dataset.Load(dataFile)
			if err != nil {
				return err
			}
			result, err := pipeline.Fit(reference, a.cfg, a.logger)
			if err != nil {
				a.logger.Error("fit failed", zap.Error(err))
				return err
			}
			if modelFile != "" {
				if err := result.Ensemble.Save(modelFile); err != nil {
					return err
				}
			}
			if curvesFile != "" {
				if err := result.Ensemble.DumpLearningCurves(curvesFile); err != nil {
					return err
				}
			}
			if reportFile != "" {
				if err := writeJSON(reportFile, result.Report); err != nil {
					return err
				}
			}
			if dtreeFile != "" {
				if _, err := pipeline.Export(result.Ensemble, dtreeFile, a.cfg.DTreeOptions(), a.logger); err != nil {
					a.logger.Error("export failed", zap.Error(err))
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "reference samples (.npy or .csv), the last column is the output")
	cmd.Flags().StringVar(&modelFile, "model", "", "where to save the trained trees as JSON")
	cmd.Flags().StringVar(&dtreeFile, "dtree", "", "where to write the decision tree (.json, .zst or .lz4)")
	cmd.Flags().StringVar(&curvesFile, "curves", "", "where to dump the learning curves")
	cmd.Flags().StringVar(&reportFile, "report", "", "where to write the training report")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// predictor is satisfied by both the trained ensemble and the decision tree.
type predictor interface {
	Predict(x []float64) float64
}

func loadPredictor(modelFile, dtreeFile string) (predictor, int, error) {
	switch {
	case modelFile != "" && dtreeFile != "":
		return nil, 0, fmt.Errorf("use either --model or --dtree")
	case modelFile != "":
		e, err := alnl.LoadModel(modelFile)
		if err != nil {
			return nil, 0, err
		}
		return e, e.Trees[0].Inputs(), nil
	case dtreeFile != "":
		d, err := dtree.Read(dtreeFile)
		if err != nil {
			return nil, 0, err
		}
		return d, d.Inputs, nil
	}
	return nil, 0, fmt.Errorf("one of --model or --dtree is required")
}

func newEvalCmd(a *app) *cobra.Command {
	var dataFile, modelFile, dtreeFile, outFile string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a model or a decision tree on samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, inputs, err := loadPredictor(modelFile, dtreeFile)
			if err != nil {
				return err
			}
			data, err := dataset.Load(dataFile)
			if err != nil {
				return err
			}
			h, w := data.Rows(), data.Cols()
			if w < inputs {
				return fmt.Errorf("%w: model needs %d inputs, data has %d columns", dataset.ErrShape, inputs, w)
			}

			prediction := mat.NewDense(h, 1, nil)
			row := make([]float64, w)
			se := 0.0
			for p := 0; p < h; p++ {
				row = data.Row(p, row)
				v := model.Predict(row)
				prediction.Set(p, 0, v)
				if w > inputs {
					d := v - data.At(p, inputs)
					se += d * d
				}
			}
			if w > inputs && h > 0 {
				a.logger.Info("evaluated", zap.Int("rows", h), zap.Float64("rmse", math.Sqrt(se/float64(h))))
			}
			if outFile == "" {
				return nil
			}
			return dataset.WriteNpy(outFile, prediction)
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "samples to evaluate; an extra last column is used as the target")
	cmd.Flags().StringVar(&modelFile, "model", "", "model saved by train --model")
	cmd.Flags().StringVar(&dtreeFile, "dtree", "", "decision tree written by train --dtree")
	cmd.Flags().StringVar(&outFile, "out", "", "where to write the predictions as .npy")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newRenderCmd(a *app) *cobra.Command {
	var modelFile, dtreeFile, figureType, dir, prefix string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Draw the trees of a model or a decision tree with graphviz",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if dtreeFile != "" {
				d, err := dtree.Read(dtreeFile)
				if err != nil {
					return err
				}
				format, ok := alnl.GraphFormats[strings.ToLower(figureType)]
				if !ok {
					return fmt.Errorf("unknown figure type %q", figureType)
				}
				return d.Render(format, filepath.Join(dir, prefix+"."+figureType))
			}
			e, err := alnl.LoadModel(modelFile)
			if err != nil {
				return err
			}
			return e.RenderTrees(prefix, figureType, dir)
		},
	}
	cmd.Flags().StringVar(&modelFile, "model", "", "model saved by train --model")
	cmd.Flags().StringVar(&dtreeFile, "dtree", "", "decision tree written by train --dtree")
	cmd.Flags().StringVar(&figureType, "format", "svg", "png, svg, jpg or dot")
	cmd.Flags().StringVar(&dir, "dir", ".", "pictures directory")
	cmd.Flags().StringVar(&prefix, "prefix", "tree", "file name prefix")
	cmd.MarkFlagsOneRequired("model", "dtree")
	cmd.MarkFlagsMutuallyExclusive("model", "dtree")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var dataFile string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Print the constraint table derived from the reference samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			reference, err := dataset.Load(dataFile)
			if err != nil {
				return err
			}
			analysis, err := dataset.Analyze(reference, a.cfg.AnalysisParams())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(analysis)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "reference samples (.npy or .csv)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}
