package dataset

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func lineStore(t *testing.T, n int) *Store {
	t.Helper()
	rows := make([][]float64, n)
	for p := range rows {
		x := -1 + 2*float64(p)/float64(n-1)
		rows[p] = []float64{x, 2 * x}
	}
	s, err := NewStoreFromRows(rows)
	require.NoError(t, err)
	return s
}

func TestAnalyzeLine(t *testing.T) {
	s := lineStore(t, 100)
	a, err := Analyze(s, DefaultAnalysisParams())
	require.NoError(t, err)
	require.Len(t, a.Constraints.Axes, 1)

	axis := a.Constraints.Axes[0]
	assert.InDelta(t, 2.0/100.0, axis.Epsilon, 1e-12)
	assert.Less(t, axis.Min, -1.0)
	assert.Greater(t, axis.Max, 1.0)
	assert.InDelta(t, -1-0.1*a.StdDev[0], axis.Min, 1e-12)

	bound := math.Sqrt2 * a.OutputStdDev() / axis.Epsilon
	assert.InDelta(t, bound, axis.WeightMax, 1e-9)
	assert.InDelta(t, -bound, axis.WeightMin, 1e-9)
	assert.Greater(t, axis.WeightMax, 2.0)
	require.NoError(t, a.Constraints.Validate())
}

func TestAnalyzeWeightPriors(t *testing.T) {
	s := lineStore(t, 50)
	params := DefaultAnalysisParams()
	params.WeightPriors = map[int]WeightPrior{0: {Min: 0, Max: math.NaN()}}
	a, err := Analyze(s, params)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Constraints.Axes[0].WeightMin)
	assert.Greater(t, a.Constraints.Axes[0].WeightMax, 0.0)

	params.WeightPriors = map[int]WeightPrior{0: {Min: 5, Max: 1}}
	_, err = Analyze(s, params)
	require.ErrorIs(t, err, ErrBadWeightBounds)
}

func TestAnalyzeConstantColumn(t *testing.T) {
	rows := make([][]float64, 10)
	for p := range rows {
		rows[p] = []float64{3, float64(p)}
	}
	s, err := NewStoreFromRows(rows)
	require.NoError(t, err)
	_, err = Analyze(s, DefaultAnalysisParams())
	require.ErrorIs(t, err, ErrDegenerateAxis)
}

func TestAnalyzeFlatOutput(t *testing.T) {
	rows := make([][]float64, 10)
	for p := range rows {
		rows[p] = []float64{float64(p), 7}
	}
	s, err := NewStoreFromRows(rows)
	require.NoError(t, err)
	_, err = Analyze(s, DefaultAnalysisParams())
	require.ErrorIs(t, err, ErrFlatOutput)
}

func TestCheckAligned(t *testing.T) {
	reference := NewStore(10, 3)
	require.NoError(t, CheckAligned(NewStore(10, 3), NewStore(10, 3), reference))

	err := CheckAligned(NewStore(10, 3), NewStore(9, 3), reference)
	require.ErrorIs(t, err, ErrMisalignedStores)

	err = CheckAligned(NewStore(10, 2), NewStore(10, 3), reference)
	require.ErrorIs(t, err, ErrMisalignedStores)

	err = CheckAligned(nil, NewStore(10, 3), reference)
	require.ErrorIs(t, err, ErrMisalignedStores)

	err = CheckAligned(NewStore(10, 1), NewStore(10, 1), NewStore(10, 1))
	require.ErrorIs(t, err, ErrShape)
}

func TestConstraintsValidate(t *testing.T) {
	c := Constraints{Axes: []AxisConstraint{{Epsilon: 0.1, Min: 0, Max: 1, WeightMin: -1, WeightMax: 1}}}
	require.NoError(t, c.Validate())

	bad := c.Clone()
	bad.Axes[0].Epsilon = 0
	require.ErrorIs(t, bad.Validate(), ErrDegenerateAxis)
	require.NoError(t, c.Validate(), "clone must not share axes")

	assert.Equal(t, 1.0, c.Axes[0].ClampWeight(4))
	assert.Equal(t, -1.0, c.Axes[0].ClampWeight(-4))
	assert.Equal(t, 0.5, c.Axes[0].ClampWeight(0.5))
}

func TestReadCSV(t *testing.T) {
	s, err := ReadCSV(strings.NewReader("x,y\n# comment\n1, 2\n3,4\n"))
	require.NoError(t, err)
	require.Equal(t, 2, s.Rows())
	require.Equal(t, 2, s.Cols())
	assert.Equal(t, 4.0, s.At(1, 1))

	_, err = ReadCSV(strings.NewReader("1,2\n3,oops\n"))
	require.Error(t, err)

	_, err = ReadCSV(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyTable)
}

func TestNpyFiles(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "samples.npy")
	m := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, WriteNpy(fileName, m))

	s, err := Load(fileName)
	require.NoError(t, err)
	require.True(t, mat.Equal(m, s.Dense()))
	assert.Equal(t, Fingerprint(NewStoreFromDense(m)), Fingerprint(s))

	_, err = Load(filepath.Join(dir, "samples.parquet"))
	require.Error(t, err)
}

func TestFingerprintSensitivity(t *testing.T) {
	a := lineStore(t, 20)
	b := a.Clone()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	b.Set(3, 1, b.At(3, 1)+1e-9)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestStoreCopyAndRow(t *testing.T) {
	a := lineStore(t, 5)
	b := NewStore(5, 2)
	require.NoError(t, b.CopyFrom(a))
	assert.Equal(t, a.Row(4, nil), b.Row(4, make([]float64, 1)))
	assert.Equal(t, []float64{-2, -1, 0, 1, 2}, Column(b, 1))
	require.ErrorIs(t, NewStore(4, 2).CopyFrom(a), ErrShape)
}
