// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/config"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
	"github.com/tarstars/aln_fit/golang/aln_fit/pipeline"
	"github.com/tarstars/aln_fit/golang/aln_fit/protocol"
	"gonum.org/v1/gonum/mat"
)

// model is either a trained ensemble or a loaded decision tree.
type model struct {
	ensemble *alnl.Ensemble
	tree     *dtree.DTree
	cfg      *config.Config
}

func (m *model) inputs() int {
	if m.tree != nil {
		return m.tree.Inputs
	}
	return m.ensemble.Trees[0].Inputs()
}

func (m *model) Predict(x []float64) float64 {
	if m.tree != nil {
		return m.tree.Eval(x)
	}
	return m.ensemble.Predict(x)
}

func (m *model) render(prefix, figureType, dir string) error {
	if m.ensemble != nil {
		return m.ensemble.RenderTrees(prefix, figureType, dir)
	}
	format, ok := alnl.GraphFormats[figureType]
	if !ok {
		return fmt.Errorf("unknown figure type %q", figureType)
	}
	return m.tree.Render(format, filepath.Join(dir, prefix+"."+figureType))
}

var (
	handleMu   sync.Mutex
	nextHandle uint64 = 1
	models            = make(map[uint64]*model)

	lastErrorMu sync.Mutex
	lastError   string
)

func setLastError(err error) {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	if err != nil {
		lastError = err.Error()
	} else {
		lastError = ""
	}
}

func getLastError() string {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	return lastError
}

func storeModel(m *model) uint64 {
	handleMu.Lock()
	defer handleMu.Unlock()
	handle := nextHandle
	models[handle] = m
	nextHandle++
	return handle
}

func fetchModel(handle uint64) (*model, error) {
	handleMu.Lock()
	defer handleMu.Unlock()
	m, ok := models[handle]
	if !ok {
		return nil, errors.New("invalid model handle")
	}
	return m, nil
}

func freeModel(handle uint64) {
	handleMu.Lock()
	defer handleMu.Unlock()
	delete(models, handle)
}

// train fits row-major samples whose last column is the output. The progress log is
// configured by the file at configPath; a missing file means the defaults.
func train(data []float64, rows, cols int, configPath string) (uint64, error) {
	if rows <= 0 || cols < 2 {
		return 0, fmt.Errorf("%w: %d rows and %d columns", dataset.ErrShape, rows, cols)
	}
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return 0, err
		}
	}
	logger, err := protocol.New(cfg.Logging)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logger.Sync() }()

	reference := dataset.NewStoreFromDense(mat.NewDense(rows, cols, data))
	result, err := pipeline.Fit(reference, cfg, logger)
	if err != nil {
		return 0, err
	}
	return storeModel(&model{ensemble: result.Ensemble, cfg: cfg}), nil
}

// predict evaluates row-major features into out.
func predict(handle uint64, features []float64, rows, cols int, out []float64) error {
	m, err := fetchModel(handle)
	if err != nil {
		return err
	}
	if cols < m.inputs() {
		return fmt.Errorf("%w: model needs %d inputs, got %d columns", dataset.ErrShape, m.inputs(), cols)
	}
	if len(out) < rows || len(features) < rows*cols {
		return fmt.Errorf("%w: buffers too short for %d rows", dataset.ErrShape, rows)
	}
	for p := 0; p < rows; p++ {
		out[p] = m.Predict(features[p*cols : (p+1)*cols])
	}
	return nil
}

// export writes the decision tree of a trained model.
func export(handle uint64, path string) error {
	m, err := fetchModel(handle)
	if err != nil {
		return err
	}
	if m.tree != nil {
		return dtree.Write(path, m.tree)
	}
	cfg := m.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	_, err = pipeline.Export(m.ensemble, path, cfg.DTreeOptions(), nil)
	return err
}
