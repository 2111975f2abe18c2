package pipeline

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/config"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
	"github.com/tarstars/aln_fit/golang/aln_fit/dtree"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// noisyLine samples y = 2x plus uniform noise in [-0.05, 0.05].
func noisyLine(n int) *dataset.Store {
	rng := rand.New(rand.NewSource(5))
	data := dataset.NewStore(n, 2)
	for p := 0; p < n; p++ {
		x := rng.Float64()*2 - 1
		data.Set(p, 0, x)
		data.Set(p, 1, 2*x+(rng.Float64()-0.5)*0.1)
	}
	return data
}

func TestFitNoisyLine(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Approximation.EnsembleSize = 1

	result, err := Fit(noisyLine(100), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.InEpsilon(t, 2.0, result.Seed.Weights[1], 0.1)
	assert.Equal(t, 100, result.Noise.GoodSamples+result.Noise.BadSamples)

	require.Len(t, result.Ensemble.Trees, 1)
	assert.LessOrEqual(t, result.Ensemble.Trees[0].LeafCount(), 10)
	require.NotNil(t, result.Ensemble.Average)
	assert.Less(t, result.Report.RMSE, 0.1)

	path := filepath.Join(t.TempDir(), "line.dtree.zst")
	d, err := Export(result.Ensemble, path, cfg.DTreeOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, d.RunID)
	assert.LessOrEqual(t, math.Abs(d.Eval([]float64{0})), 0.05)

	loaded, err := dtree.Read(path)
	require.NoError(t, err)
	for _, x := range []float64{-0.9, -0.3, 0, 0.4, 0.8} {
		assert.Equal(t, d.Eval([]float64{x}), loaded.Eval([]float64{x}))
	}
}

// noisyProduct samples y = a·b on [-1, 1]² plus uniform noise in [-0.01, 0.01].
func noisyProduct(n int) *dataset.Store {
	rng := rand.New(rand.NewSource(6))
	data := dataset.NewStore(n, 3)
	for p := 0; p < n; p++ {
		a, b := rng.Float64()*2-1, rng.Float64()*2-1
		data.Set(p, 0, a)
		data.Set(p, 1, b)
		data.Set(p, 2, a*b+(rng.Float64()-0.5)*0.02)
	}
	return data
}

func TestFitAndExportTwoInputs(t *testing.T) {
	const rows = 200
	cfg := config.DefaultConfig()
	cfg.Approximation.EnsembleSize = 3
	cfg.Approximation.Iterations = 10
	cfg.Approximation.EpochsPerIteration = 20

	result, err := Fit(noisyProduct(rows), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, result.Ensemble.Trees, 3)
	for _, tree := range result.Ensemble.Trees {
		assert.LessOrEqual(t, tree.LeafCount(), rows)
	}
	require.NotNil(t, result.Ensemble.Average)
	assert.LessOrEqual(t, result.Ensemble.Average.LeafCount(), rows)

	path := filepath.Join(t.TempDir(), "product.dtree.lz4")
	d, err := Export(result.Ensemble, path, cfg.DTreeOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	final, err := FinalTree(result.Ensemble)
	require.NoError(t, err)
	loaded, err := dtree.Read(path)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	for k := 0; k < 200; k++ {
		x := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		require.InDelta(t, final.Predict(x), d.Eval(x), 1e-9, "x = %v", x)
		require.Equal(t, d.Eval(x), loaded.Eval(x))
	}
}

func TestBaggingTreeStaysWithinRowCount(t *testing.T) {
	const rows = 60
	data := noisyProduct(rows)
	cfg := config.DefaultConfig()
	cfg.Approximation.EnsembleSize = 3
	cfg.Approximation.Iterations = 5
	cfg.Approximation.EpochsPerIteration = 20
	// Splits on every tested leaf, so only the caps bound the tree.
	cfg.Bagging.FLimit = 1e-6
	cfg.Bagging.Iterations = 10

	result, err := Fit(data, cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Ensemble.Average)
	assert.LessOrEqual(t, result.Ensemble.Average.LeafCount(), rows)

	cfg.Bagging.MaxLeaves = 8
	result, err = Fit(data, cfg, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Ensemble.Average.LeafCount(), 8)
}

func TestFitRejectsConstantInput(t *testing.T) {
	data := noisyLine(20)
	for p := 0; p < data.Rows(); p++ {
		data.Set(p, 0, 0.5)
	}
	_, err := Fit(data, nil, nil)
	require.ErrorIs(t, err, dataset.ErrDegenerateAxis)

	for p := 0; p < data.Rows(); p++ {
		data.Set(p, 0, float64(p))
		data.Set(p, 1, 3)
	}
	_, err = Fit(data, nil, nil)
	require.ErrorIs(t, err, dataset.ErrFlatOutput)
}

func TestFitRejectsBadConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Approximation.FLimitMode = "guess"
	_, err := Fit(noisyLine(20), cfg, nil)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestExportFailureWritesNothing(t *testing.T) {
	c := dataset.Constraints{Axes: []dataset.AxisConstraint{{Epsilon: 0.1, Min: -1, Max: 1, WeightMin: -10, WeightMax: 10}}}
	tree, err := alnl.NewTree(alnl.FlatSeed(c, 0), c, 0)
	require.NoError(t, err)
	require.NoError(t, tree.Split(0, alnl.MaxNode, []float64{1}, 1))
	e := &alnl.Ensemble{Trees: []*alnl.Tree{tree}}

	path := filepath.Join(t.TempDir(), "kink.json")
	_, err = Export(e, path, dtree.Options{MaxDepth: 4, MaxBlockPieces: 1}, nil)
	require.ErrorIs(t, err, dtree.ErrDepthExceeded)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	d, err := Export(e, "", dtree.DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Eval([]float64{1}))
}

func TestFinalTree(t *testing.T) {
	_, err := FinalTree(nil)
	require.ErrorIs(t, err, alnl.ErrTreeConstruction)

	a, b := &alnl.Tree{}, &alnl.Tree{}
	_, err = FinalTree(&alnl.Ensemble{Trees: []*alnl.Tree{a, b}})
	require.ErrorIs(t, err, alnl.ErrTreeConstruction)

	tree, err := FinalTree(&alnl.Ensemble{Trees: []*alnl.Tree{a, b}, Average: b})
	require.NoError(t, err)
	assert.Same(t, b, tree)
}
