package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

const quickConfig = `
logging: {level: error}
seed: {iterations: 2, epochs_per_iteration: 20}
tessellation: {iterations: 2, epochs_per_iteration: 10}
approximation: {iterations: 2, epochs_per_iteration: 10}
bagging: {iterations: 2, epochs_per_iteration: 5}
`

func TestTrainPredictExport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "aln.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(quickConfig), 0o644))

	rng := rand.New(rand.NewSource(8))
	rows := 25
	data := make([]float64, 0, 2*rows)
	for p := 0; p < rows; p++ {
		x := rng.Float64()*2 - 1
		data = append(data, x, 3*x+1+(rng.Float64()-0.5)*0.1)
	}
	handle, err := train(data, rows, 2, cfgPath)
	require.NoError(t, err)
	defer freeModel(handle)

	out := make([]float64, rows)
	require.NoError(t, predict(handle, data, rows, 2, out))

	path := filepath.Join(dir, "model.dtree.zst")
	require.NoError(t, export(handle, path))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.Error(t, predict(handle, data, rows, 0, out))
	require.ErrorIs(t, predict(handle, data, rows, 2, out[:3]), dataset.ErrShape)
}

func TestHandles(t *testing.T) {
	handle := storeModel(&model{})
	_, err := fetchModel(handle)
	require.NoError(t, err)
	freeModel(handle)
	_, err = fetchModel(handle)
	require.Error(t, err)

	_, err = train([]float64{1}, 1, 1, "")
	require.ErrorIs(t, err, dataset.ErrShape)

	setLastError(assert.AnError)
	assert.Equal(t, assert.AnError.Error(), getLastError())
	setLastError(nil)
	assert.Empty(t, getLastError())
}
