package alnl

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

func unitConstraints(inputs int) dataset.Constraints {
	axes := make([]dataset.AxisConstraint, inputs)
	for i := range axes {
		axes[i] = dataset.AxisConstraint{Epsilon: 0.1, Min: -1, Max: 1, WeightMin: -10, WeightMax: 10}
	}
	return dataset.Constraints{Axes: axes}
}

func TestLeafEvalMatchesUncenteredForm(t *testing.T) {
	leaf := NewLeaf(unitConstraints(2), 0.5)
	leaf.Weights[1], leaf.Weights[2] = 1.5, -2
	leaf.Centroid[0], leaf.Centroid[1] = 0.25, -0.5
	leaf.syncBias()

	x := []float64{0.7, 0.1, 99}
	uncentered := leaf.Weights[0] + leaf.Weights[1]*x[0] + leaf.Weights[2]*x[1]
	assert.InDelta(t, uncentered, leaf.Eval(x), 1e-12)
	assert.InDelta(t, 0.5, leaf.Eval([]float64{0.25, -0.5}), 1e-12)
	assert.Equal(t, -1.0, leaf.Weights[3])
}

func TestLeafStepReducesError(t *testing.T) {
	c := unitConstraints(1)
	leaf := NewLeaf(c, 0)
	x := []float64{0.5, 3}
	before := math.Abs(leaf.Eval(x) - x[1])
	_, err := leaf.step(x, x[1], 0, 0.15, c)
	require.NoError(t, err)
	after := math.Abs(leaf.Eval(x) - x[1])
	assert.Less(t, after, before)
	assert.Equal(t, 1, leaf.Samples())
	assert.InDelta(t, 9.0, leaf.MSE(), 1e-12)
}

func TestLeafStepRejectsNonFinite(t *testing.T) {
	c := unitConstraints(1)
	leaf := NewLeaf(c, 0)
	_, err := leaf.step([]float64{0.5, math.NaN()}, math.NaN(), 0, 0.15, c)
	require.ErrorIs(t, err, ErrTrainingFailed)
}

func TestCombineFillet(t *testing.T) {
	eps := 0.1
	v, active := combine(MaxNode, 1, 0.5, 1, 2, eps)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, 1, active)

	v, active = combine(MinNode, 1, 0.5, 1, 2, eps)
	assert.Equal(t, 0.5, v)
	assert.Equal(t, 2, active)

	// Continuous at the edge of the fillet and above the plain maximum inside it.
	v, _ = combine(MaxNode, 1, 1-eps, 1, 2, eps)
	assert.InDelta(t, 1.0, v, 1e-12)
	v, _ = combine(MaxNode, 1, 1, 1, 2, eps)
	assert.InDelta(t, 1+eps/4, v, 1e-12)
	v, _ = combine(MinNode, 1, 1, 1, 2, eps)
	assert.InDelta(t, 1-eps/4, v, 1e-12)
}

func TestSplitRewritesSlot(t *testing.T) {
	c := unitConstraints(1)
	tree, err := NewTree(FlatSeed(c, 1), c, 0)
	require.NoError(t, err)
	require.NoError(t, tree.Split(0, MaxNode, []float64{0.5}, 3))

	require.Len(t, tree.Nodes, 3)
	assert.Equal(t, MaxNode, tree.Nodes[0].Kind)
	assert.Nil(t, tree.Nodes[0].Leaf)
	assert.Equal(t, []int{1, 2}, tree.Leaves())
	assert.Equal(t, 2, tree.LeafCount())
	assert.Equal(t, 0, tree.Nodes[1].Parent)
	assert.Equal(t, 3, tree.Leaf(2).BornAt)

	// A MAX over two pieces tilted around the same centroid is a V.
	assert.InDelta(t, 1.0, tree.Predict([]float64{0}), 1e-12)
	assert.InDelta(t, 1.25, tree.Predict([]float64{0.5}), 1e-12)
	assert.InDelta(t, 1.25, tree.Predict([]float64{-0.5}), 1e-12)
	_, left := tree.Eval([]float64{-0.5})
	_, right := tree.Eval([]float64{0.5})
	assert.NotEqual(t, left, right)

	require.ErrorIs(t, tree.Split(0, MinNode, []float64{0.5}, 3), ErrTreeConstruction)
	require.ErrorIs(t, tree.Split(1, LeafNode, []float64{0.5}, 3), ErrTreeConstruction)
	require.NoError(t, tree.Validate())
}

func TestNewTreeRejectsBadSeed(t *testing.T) {
	c := unitConstraints(2)
	_, err := NewTree(FlatSeed(unitConstraints(1), 0), c, 0)
	require.ErrorIs(t, err, ErrTreeConstruction)

	bad := unitConstraints(1)
	bad.Axes[0].Epsilon = 0
	_, err = NewTree(FlatSeed(unitConstraints(1), 0), bad, 0)
	require.ErrorIs(t, err, ErrTreeConstruction)

	_, err = NewTree(FlatSeed(unitConstraints(1), 0), unitConstraints(1), -1)
	require.ErrorIs(t, err, ErrTreeConstruction)
}

func TestTreeJSONAndClone(t *testing.T) {
	c := unitConstraints(2)
	tree, err := NewTree(FlatSeed(c, 0.3), c, 0.01)
	require.NoError(t, err)
	require.NoError(t, tree.Split(0, MinNode, []float64{0.2, -0.1}, 1))
	require.NoError(t, tree.Split(2, MaxNode, []float64{0.05, 0.3}, 2))

	data, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"MIN"`)

	var loaded Tree
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.NoError(t, loaded.Validate())
	if diff := cmp.Diff(tree, &loaded, cmpopts.IgnoreUnexported(Leaf{})); diff != "" {
		t.Fatalf("tree changed after a JSON round trip (-want +got):\n%s", diff)
	}

	clone := tree.Clone()
	clone.Leaf(1).Weights[1] += 1
	assert.NotEqual(t, clone.Leaf(1).Weights[1], tree.Leaf(1).Weights[1])

	rng := rand.New(rand.NewSource(3))
	for k := 0; k < 20; k++ {
		x := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		assert.InDelta(t, tree.Predict(x), loaded.Predict(x), 1e-12)
	}
}

func TestValidateRejectsSharedAndLooseNodes(t *testing.T) {
	c := unitConstraints(1)
	decode := func(mutate func(*Tree)) *Tree {
		tree, err := NewTree(FlatSeed(c, 0), c, 0)
		require.NoError(t, err)
		require.NoError(t, tree.Split(0, MaxNode, []float64{0.5}, 1))
		require.NoError(t, tree.Split(2, MinNode, []float64{0.2}, 2))
		mutate(tree)
		data, err := json.Marshal(tree)
		require.NoError(t, err)
		var loaded Tree
		require.NoError(t, json.Unmarshal(data, &loaded))
		return &loaded
	}

	require.NoError(t, decode(func(*Tree) {}).Validate())
	// Both children of the MIN are the same leaf.
	shared := decode(func(tree *Tree) { tree.Nodes[2].Right = 3 })
	require.ErrorIs(t, shared.Validate(), ErrTreeConstruction)
	// The root and the MIN both claim leaf 3, leaving leaf 1 without a parent.
	crossed := decode(func(tree *Tree) { tree.Nodes[0].Left = 3 })
	require.ErrorIs(t, crossed.Validate(), ErrTreeConstruction)
	loose := decode(func(tree *Tree) {
		tree.Nodes = append(tree.Nodes, tree.Nodes[1])
	})
	require.ErrorIs(t, loose.Validate(), ErrTreeConstruction)
}

func TestDrawGraph(t *testing.T) {
	c := unitConstraints(1)
	tree, err := NewTree(FlatSeed(c, 0), c, 0)
	require.NoError(t, err)
	require.NoError(t, tree.Split(0, MaxNode, []float64{0.5}, 1))

	graphViz, graph, err := tree.DrawGraph()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, graph.Close())
		require.NoError(t, graphViz.Close())
	}()
	assert.Equal(t, 3, graph.NumberNodes())
}
