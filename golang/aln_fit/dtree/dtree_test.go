package dtree

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

func box(inputs int) dataset.Constraints {
	axes := make([]dataset.AxisConstraint, inputs)
	for i := range axes {
		axes[i] = dataset.AxisConstraint{Epsilon: 0.1, Min: -1, Max: 1, WeightMin: -10, WeightMax: 10}
	}
	return dataset.Constraints{Axes: axes}
}

// piece builds the leaf bias + Σ slopes[i]·x[i] centered in the middle of the box.
func piece(c dataset.Constraints, bias float64, slopes ...float64) *alnl.Leaf {
	leaf := alnl.NewLeaf(c, 0)
	leaf.Weights[0] = bias
	value := bias
	for i, s := range slopes {
		leaf.Weights[i+1] = s
		value += s * leaf.Centroid[i]
	}
	leaf.Centroid[len(slopes)] = value
	return leaf
}

func leafNode(parent int, leaf *alnl.Leaf) alnl.TreeNode {
	return alnl.TreeNode{Kind: alnl.LeafNode, Left: alnl.NoNode, Right: alnl.NoNode, Parent: parent, Leaf: leaf}
}

// threePieces is max(-x - 0.5, min(2x - 0.2, 0.5x + 0.3)).
func threePieces(t *testing.T) *alnl.Tree {
	t.Helper()
	c := box(1)
	tree := &alnl.Tree{
		Constraints: c,
		Nodes: []alnl.TreeNode{
			{Kind: alnl.MaxNode, Left: 1, Right: 2, Parent: alnl.NoNode},
			leafNode(0, piece(c, -0.5, -1)),
			{Kind: alnl.MinNode, Left: 3, Right: 4, Parent: 0},
			leafNode(2, piece(c, -0.2, 2)),
			leafNode(2, piece(c, 0.3, 0.5)),
		},
	}
	require.NoError(t, tree.Validate())
	return tree
}

func TestConvertMatchesTree(t *testing.T) {
	tree := threePieces(t)
	d, err := Convert(tree, Options{MaxDepth: 16, MaxBlockPieces: 2})
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	assert.Len(t, d.Pieces, 3)
	assert.Greater(t, len(d.Nodes), 1)
	for _, node := range d.Nodes {
		if node.IsLeaf() {
			assert.LessOrEqual(t, countPieces(node.Block), 2)
		}
	}

	rng := rand.New(rand.NewSource(1))
	for k := 0; k < 500; k++ {
		x := []float64{rng.Float64()*2 - 1}
		require.InDelta(t, tree.Predict(x), d.Eval(x), 1e-12, "x = %g", x[0])
	}
	for _, x := range []float64{-1, -0.1, 0, 1.0 / 3, 1} {
		assert.InDelta(t, tree.Predict([]float64{x}), d.Predict([]float64{x}), 1e-12)
	}
}

func TestConvertKeepsSmallTreesWhole(t *testing.T) {
	tree := threePieces(t)
	d, err := Convert(tree, Options{MaxDepth: 0, MaxBlockPieces: 3})
	require.NoError(t, err)
	require.Len(t, d.Nodes, 1)
	assert.Equal(t, OpMax, d.Nodes[0].Block.Op)

	// Stored pieces are uncentered.
	assert.Equal(t, []float64{-0.2, 2}, d.Pieces[1])
}

func TestConvertPrunesDominatedPieces(t *testing.T) {
	c := box(2)
	tree := &alnl.Tree{
		Constraints: c,
		Nodes: []alnl.TreeNode{
			{Kind: alnl.MaxNode, Left: 1, Right: 2, Parent: alnl.NoNode},
			leafNode(0, piece(c, 10, 0.5, -0.5)),
			leafNode(0, piece(c, 0, 1, 1)),
		},
	}
	d, err := Convert(tree, Options{MaxDepth: 0, MaxBlockPieces: 1})
	require.NoError(t, err)
	require.Len(t, d.Nodes, 1)
	assert.Equal(t, &Expr{Op: OpPiece, Piece: 0}, d.Nodes[0].Block)
}

// absSum is |a| + |b| as the MAX of four planes that all meet at the origin.
func absSum(t *testing.T) *alnl.Tree {
	t.Helper()
	c := box(2)
	tree := &alnl.Tree{
		Constraints: c,
		Nodes: []alnl.TreeNode{
			{Kind: alnl.MaxNode, Left: 1, Right: 2, Parent: alnl.NoNode},
			{Kind: alnl.MaxNode, Left: 3, Right: 4, Parent: 0},
			{Kind: alnl.MaxNode, Left: 5, Right: 6, Parent: 0},
			leafNode(1, piece(c, 0, 1, 1)),
			leafNode(1, piece(c, 0, 1, -1)),
			leafNode(2, piece(c, 0, -1, 1)),
			leafNode(2, piece(c, 0, -1, -1)),
		},
	}
	require.NoError(t, tree.Validate())
	return tree
}

func TestConvertPiecesMeetingInOnePoint(t *testing.T) {
	tree := absSum(t)
	d, err := Convert(tree, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	rng := rand.New(rand.NewSource(2))
	for k := 0; k < 500; k++ {
		x := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		require.InDelta(t, tree.Predict(x), d.Eval(x), 1e-12, "x = %v", x)
	}
	assert.InDelta(t, 0.0, d.Eval([]float64{0, 0}), 1e-12)

	// Halving never separates the four planes at the origin.
	_, err = Convert(tree, Options{MaxDepth: 12, MaxBlockPieces: 3})
	require.ErrorIs(t, err, ErrDepthExceeded)
}

func TestConvertDepthExceeded(t *testing.T) {
	_, err := Convert(threePieces(t), Options{MaxDepth: 8, MaxBlockPieces: 1})
	require.ErrorIs(t, err, ErrDepthExceeded)
}

func TestFilesRoundTrip(t *testing.T) {
	d, err := Convert(threePieces(t), DefaultOptions())
	require.NoError(t, err)
	d.RunID = "run-1"
	dir := t.TempDir()

	for _, name := range []string{"model.dtree.json", "model.dtree.zst", "model.dtree.lz4"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Write(path, d), name)
		loaded, err := Read(path)
		require.NoError(t, err, name)
		if diff := cmp.Diff(d, loaded); diff != "" {
			t.Fatalf("%s changed after a round trip (-want +got):\n%s", name, diff)
		}
	}

	plain, err := os.ReadFile(filepath.Join(dir, "model.dtree.json"))
	require.NoError(t, err)
	packed, err := os.ReadFile(filepath.Join(dir, "model.dtree.zst"))
	require.NoError(t, err)
	assert.NotEqual(t, plain, packed)
}

func TestReadRejectsTamperedFile(t *testing.T) {
	d, err := Convert(threePieces(t), DefaultOptions())
	require.NoError(t, err)
	data, err := Marshal(d)
	require.NoError(t, err)

	tampered := []byte(string(data))
	for k := range tampered {
		if tampered[k] == '2' {
			tampered[k] = '3'
			break
		}
	}
	_, err = Unmarshal(tampered)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = Unmarshal([]byte(`{"format": "other"}`))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteFailure(t *testing.T) {
	d, err := Convert(threePieces(t), DefaultOptions())
	require.NoError(t, err)
	err = Write(filepath.Join(t.TempDir(), "missing", "model.json"), d)
	require.ErrorIs(t, err, ErrWrite)
}

func TestRender(t *testing.T) {
	d, err := Convert(threePieces(t), DefaultOptions())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "dtree.svg")
	require.NoError(t, d.Render(graphviz.SVG, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
