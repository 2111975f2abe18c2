package alnl

import (
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/tarstars/aln_fit/golang/aln_fit/dataset"
)

//NodeKind tells a leaf from a combinator.
type NodeKind int

const (
	LeafNode NodeKind = iota
	MaxNode
	MinNode
)

//NoNode marks a missing parent or child.
const NoNode = -1

var nodeKindNames = map[NodeKind]string{LeafNode: "LEAF", MaxNode: "MAX", MinNode: "MIN"}

func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(text []byte) error {
	for kind, name := range nodeKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", text)
}

//TreeNode is a node of a tree. Tree is stored in an array, index 0 is the root.
//Left and Right are NoNode for a leaf; Leaf is nil for a MAX or MIN combinator.
type TreeNode struct {
	Kind   NodeKind `json:"kind"`
	Left   int      `json:"left"`
	Right  int      `json:"right"`
	Parent int      `json:"parent"`
	Leaf   *Leaf    `json:"leaf,omitempty"`
}

//IsLeaf returns whether this node is a leaf.
func (node TreeNode) IsLeaf() bool {
	return node.Kind == LeafNode
}

//GraphDescription returns the description of a tree node for tree rendering as a graph
func (node TreeNode) GraphDescription(id int) string {
	if node.IsLeaf() {
		return fmt.Sprintln("id: ", id) + node.Leaf.GraphDescription()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln(node.Kind))
	sb.WriteString(fmt.Sprint("id: ", id))
	return sb.String()
}

//Tree is a piecewise linear function: a MAX/MIN expression over affine leaves.
type Tree struct {
	Nodes       []TreeNode          `json:"nodes"`
	Constraints dataset.Constraints `json:"constraints"`
	Smoothing   float64             `json:"smoothing"`

	LearningCurveRow []float64 `json:"learning_curve,omitempty"`
}

//NewTree builds a single-leaf tree from a seed. The seed is copied.
func NewTree(seed Seed, constraints dataset.Constraints, smoothing float64) (*Tree, error) {
	if err := constraints.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTreeConstruction, err)
	}
	inputs := constraints.Inputs()
	if len(seed.Weights) != inputs+2 || len(seed.Centroid) != inputs+1 {
		return nil, fmt.Errorf("%w: seed has %d weights and %d centroid entries for %d inputs",
			ErrTreeConstruction, len(seed.Weights), len(seed.Centroid), inputs)
	}
	if smoothing < 0 || math.IsNaN(smoothing) {
		return nil, fmt.Errorf("%w: smoothing %g", ErrTreeConstruction, smoothing)
	}
	leaf := NewLeaf(constraints, seed.Centroid[inputs])
	copy(leaf.Weights, seed.Weights)
	copy(leaf.Centroid, seed.Centroid)
	leaf.Weights[inputs+1] = -1
	if len(seed.Spread) == inputs {
		copy(leaf.Spread, seed.Spread)
	}
	leaf.syncBias()

	return &Tree{
		Nodes:       []TreeNode{{Kind: LeafNode, Left: NoNode, Right: NoNode, Parent: NoNode, Leaf: leaf}},
		Constraints: constraints.Clone(),
		Smoothing:   smoothing,
	}, nil
}

//Inputs is the number of input axes.
func (t *Tree) Inputs() int {
	return t.Constraints.Inputs()
}

//Eval returns the value of the tree at x and the id of the active leaf.
func (t *Tree) Eval(x []float64) (float64, int) {
	return t.evalNode(0, x)
}

//Predict returns the value of the tree at x.
func (t *Tree) Predict(x []float64) float64 {
	v, _ := t.evalNode(0, x)
	return v
}

func (t *Tree) evalNode(id int, x []float64) (float64, int) {
	node := &t.Nodes[id]
	if node.IsLeaf() {
		return node.Leaf.Eval(x), id
	}
	a, activeA := t.evalNode(node.Left, x)
	b, activeB := t.evalNode(node.Right, x)
	return combine(node.Kind, a, b, activeA, activeB, t.Smoothing)
}

//combine applies a MAX or MIN with a quadratic fillet of half width eps.
//The active leaf is always the one of the winning child.
func combine(kind NodeKind, a, b float64, activeA, activeB int, eps float64) (float64, int) {
	upper := kind == MaxNode
	value, active := a, activeA
	if (upper && b > a) || (!upper && b < a) {
		value, active = b, activeB
	}
	if d := a - b; eps > 0 && math.Abs(d) < eps {
		q := (d*d + eps*eps) / (4 * eps)
		if upper {
			value = (a+b)/2 + q
		} else {
			value = (a+b)/2 - q
		}
	}
	return value, active
}

//Leaf returns the leaf stored at node id or nil for a combinator.
func (t *Tree) Leaf(id int) *Leaf {
	return t.Nodes[id].Leaf
}

//Leaves returns the ids of all leaf nodes in arena order.
func (t *Tree) Leaves() []int {
	ids := make([]int, 0, (len(t.Nodes)+1)/2)
	for id, node := range t.Nodes {
		if node.IsLeaf() {
			ids = append(ids, id)
		}
	}
	return ids
}

//LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return (len(t.Nodes) + 1) / 2
}

//Split replaces leaf id with a combinator of the given kind over two copies of the leaf
//tilted by +delta and -delta around its centroid. The copies are appended to the arena.
func (t *Tree) Split(id int, kind NodeKind, delta []float64, epoch int) error {
	if id < 0 || id >= len(t.Nodes) || !t.Nodes[id].IsLeaf() {
		return fmt.Errorf("%w: node %d is not a leaf", ErrTreeConstruction, id)
	}
	if kind == LeafNode {
		return fmt.Errorf("%w: split kind must be a combinator", ErrTreeConstruction)
	}
	if len(delta) != t.Inputs() {
		return fmt.Errorf("%w: perturbation has %d entries for %d inputs", ErrTreeConstruction, len(delta), t.Inputs())
	}
	old := t.Nodes[id]
	left, right := old.Leaf.Clone(), old.Leaf.Clone()
	left.BornAt, right.BornAt = epoch, epoch
	left.perturb(delta, 1, t.Constraints)
	right.perturb(delta, -1, t.Constraints)

	leftId := len(t.Nodes)
	t.Nodes = append(t.Nodes,
		TreeNode{Kind: LeafNode, Left: NoNode, Right: NoNode, Parent: id, Leaf: left},
		TreeNode{Kind: LeafNode, Left: NoNode, Right: NoNode, Parent: id, Leaf: right},
	)
	t.Nodes[id] = TreeNode{Kind: kind, Left: leftId, Right: leftId + 1, Parent: old.Parent}
	return nil
}

//Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	clone := &Tree{
		Nodes:            make([]TreeNode, len(t.Nodes)),
		Constraints:      t.Constraints.Clone(),
		Smoothing:        t.Smoothing,
		LearningCurveRow: append([]float64(nil), t.LearningCurveRow...),
	}
	copy(clone.Nodes, t.Nodes)
	for id := range clone.Nodes {
		if clone.Nodes[id].Leaf != nil {
			clone.Nodes[id].Leaf = clone.Nodes[id].Leaf.Clone()
		}
	}
	return clone
}

//Validate checks the arena links after a load.
func (t *Tree) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: empty tree", ErrTreeConstruction)
	}
	inputs := t.Inputs()
	//Every node but the root is the child of exactly one combinator.
	referenced := make([]bool, len(t.Nodes))
	for id, node := range t.Nodes {
		switch node.Kind {
		case LeafNode:
			if node.Leaf == nil || len(node.Leaf.Weights) != inputs+2 || len(node.Leaf.Centroid) != inputs+1 {
				return fmt.Errorf("%w: malformed leaf %d", ErrTreeConstruction, id)
			}
			if len(node.Leaf.Spread) != inputs {
				node.Leaf.Spread = NewLeaf(t.Constraints, 0).Spread
			}
		case MaxNode, MinNode:
			if node.Left <= id || node.Right <= id || node.Left >= len(t.Nodes) || node.Right >= len(t.Nodes) {
				return fmt.Errorf("%w: node %d has bad children", ErrTreeConstruction, id)
			}
			if node.Left == node.Right || referenced[node.Left] || referenced[node.Right] {
				return fmt.Errorf("%w: node %d shares a child with another combinator", ErrTreeConstruction, id)
			}
			referenced[node.Left], referenced[node.Right] = true, true
		default:
			return fmt.Errorf("%w: node %d has kind %v", ErrTreeConstruction, id, node.Kind)
		}
	}
	for id := 1; id < len(t.Nodes); id++ {
		if !referenced[id] {
			return fmt.Errorf("%w: node %d is unreachable", ErrTreeConstruction, id)
		}
	}
	return nil
}

func (t *Tree) resetStats() {
	for _, node := range t.Nodes {
		if node.Leaf != nil {
			node.Leaf.resetStats()
		}
	}
}

func recurrentDraw(g *cgraph.Graph, tree *Tree, nodeNumber int, parentNode *cgraph.Node) error {
	currentNode, err := g.CreateNode(fmt.Sprint(nodeNumber))
	if err != nil {
		return err
	}

	if parentNode != nil {
		if _, err := g.CreateEdge("", parentNode, currentNode); err != nil {
			return err
		}
	}

	node := tree.Nodes[nodeNumber]
	currentNode.Set("label", node.GraphDescription(nodeNumber))
	if node.IsLeaf() {
		currentNode.Set("shape", "box")
		return nil
	}
	if err := recurrentDraw(g, tree, node.Left, currentNode); err != nil {
		return err
	}
	return recurrentDraw(g, tree, node.Right, currentNode)
}

//DrawGraph renders the tree structure. The caller closes both returned objects.
func (t *Tree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph, error) {
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	if err != nil {
		_ = graphViz.Close()
		return nil, nil, err
	}

	if err := recurrentDraw(graph, t, 0, nil); err != nil {
		_ = graph.Close()
		_ = graphViz.Close()
		return nil, nil, err
	}

	return graphViz, graph, nil
}
