// Package dtree converts a trained tree into a decision tree over the input domain whose
// leaves hold small MAX/MIN blocks of linear pieces.
package dtree

import (
	"errors"
	"fmt"
	"math"

	"github.com/tarstars/aln_fit/golang/aln_fit/alnl"
)

var (
	// ErrDepthExceeded is returned when a box still holds too many pieces at the maximal depth.
	ErrDepthExceeded = errors.New("dtree: maximal depth exceeded")
	// ErrWrite wraps every failure to produce an export file.
	ErrWrite = errors.New("dtree: write failed")
	// ErrCorrupt is returned for files whose checksum or structure does not match.
	ErrCorrupt = errors.New("dtree: corrupt file")
)

// Op is the operator of a block expression.
type Op string

const (
	OpPiece Op = "piece"
	OpMax   Op = "max"
	OpMin   Op = "min"
)

// Expr is a MAX/MIN expression over pieces. For OpPiece only Piece is used.
type Expr struct {
	Op    Op      `json:"op"`
	Piece int     `json:"piece,omitempty"`
	Args  []*Expr `json:"args,omitempty"`
}

// Node is a decision node (Axis >= 0) or a leaf holding a block.
// A point goes Left when x[Axis] < Threshold.
type Node struct {
	Axis      int     `json:"axis"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Block     *Expr   `json:"block,omitempty"`
}

// IsLeaf reports whether the node holds a block.
func (n Node) IsLeaf() bool {
	return n.Axis < 0
}

// DTree is the exported model. Pieces are uncentered: Pieces[k][0] + Σ Pieces[k][i+1]·x[i].
type DTree struct {
	RunID  string      `json:"run_id,omitempty"`
	Inputs int         `json:"inputs"`
	Min    []float64   `json:"min"`
	Max    []float64   `json:"max"`
	Pieces [][]float64 `json:"pieces"`
	Nodes  []Node      `json:"nodes"`
}

// Options bound the shape of the decision tree.
type Options struct {
	MaxDepth int
	// MaxBlockPieces is the largest number of pieces a leaf block may hold.
	// Zero means every piece of the tree, so any tree converts.
	MaxBlockPieces int
}

// DefaultOptions returns conversion limits under which every tree converts.
// Pieces meeting in one point can not be separated by halving boxes, so a smaller
// MaxBlockPieces may fail with ErrDepthExceeded at any depth.
func DefaultOptions() Options {
	return Options{MaxDepth: 16}
}

type converter struct {
	tree    *alnl.Tree
	opts    Options
	span    []float64
	pieceOf map[int]int
	out     *DTree
}

// Convert splits the constraint box of the tree at the midpoint of its relatively widest
// axis until every box can be described by a pruned block of at most MaxBlockPieces pieces.
// Smoothing of the tree is not represented in the export.
func Convert(tree *alnl.Tree, opts Options) (*DTree, error) {
	inputs := tree.Inputs()
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: negative depth %d", ErrDepthExceeded, opts.MaxDepth)
	}
	c := &converter{
		tree:    tree,
		opts:    opts,
		span:    make([]float64, inputs),
		pieceOf: make(map[int]int),
		out: &DTree{
			Inputs: inputs,
			Min:    make([]float64, inputs),
			Max:    make([]float64, inputs),
		},
	}
	for i, axis := range tree.Constraints.Axes {
		c.out.Min[i], c.out.Max[i] = axis.Min, axis.Max
		c.span[i] = axis.Max - axis.Min
	}
	for _, id := range tree.Leaves() {
		leaf := tree.Leaf(id)
		c.pieceOf[id] = len(c.out.Pieces)
		c.out.Pieces = append(c.out.Pieces, append([]float64(nil), leaf.Weights[:inputs+1]...))
	}
	if c.opts.MaxBlockPieces <= 0 {
		c.opts.MaxBlockPieces = len(c.out.Pieces)
	}

	root := c.expr(0)
	lo := append([]float64(nil), c.out.Min...)
	hi := append([]float64(nil), c.out.Max...)
	if _, err := c.build(root, lo, hi, 0); err != nil {
		return nil, err
	}
	return c.out, nil
}

func (c *converter) expr(id int) *Expr {
	node := c.tree.Nodes[id]
	switch node.Kind {
	case alnl.MaxNode:
		return &Expr{Op: OpMax, Args: []*Expr{c.expr(node.Left), c.expr(node.Right)}}
	case alnl.MinNode:
		return &Expr{Op: OpMin, Args: []*Expr{c.expr(node.Left), c.expr(node.Right)}}
	}
	return &Expr{Op: OpPiece, Piece: c.pieceOf[id]}
}

func (c *converter) build(e *Expr, lo, hi []float64, depth int) (int, error) {
	pruned := c.prune(e, lo, hi)
	id := len(c.out.Nodes)
	if countPieces(pruned) <= c.opts.MaxBlockPieces {
		c.out.Nodes = append(c.out.Nodes, Node{Axis: -1, Block: pruned})
		return id, nil
	}
	if depth >= c.opts.MaxDepth {
		return 0, fmt.Errorf("%w: %d pieces left at depth %d", ErrDepthExceeded, countPieces(pruned), depth)
	}

	axis, widest := 0, -1.0
	for i := range lo {
		if width := (hi[i] - lo[i]) / c.span[i]; width > widest {
			axis, widest = i, width
		}
	}
	mid := (lo[axis] + hi[axis]) / 2
	c.out.Nodes = append(c.out.Nodes, Node{Axis: axis, Threshold: mid})

	leftHi := append([]float64(nil), hi...)
	leftHi[axis] = mid
	left, err := c.build(pruned, lo, leftHi, depth+1)
	if err != nil {
		return 0, err
	}
	rightLo := append([]float64(nil), lo...)
	rightLo[axis] = mid
	right, err := c.build(pruned, rightLo, hi, depth+1)
	if err != nil {
		return 0, err
	}
	c.out.Nodes[id].Left, c.out.Nodes[id].Right = left, right
	return id, nil
}

// bounds returns the range of an expression over the box [lo, hi].
func (c *converter) bounds(e *Expr, lo, hi []float64) (float64, float64) {
	if e.Op == OpPiece {
		w := c.out.Pieces[e.Piece]
		low, high := w[0], w[0]
		for i := range lo {
			a, b := w[i+1]*lo[i], w[i+1]*hi[i]
			low += math.Min(a, b)
			high += math.Max(a, b)
		}
		return low, high
	}
	low, high := c.bounds(e.Args[0], lo, hi)
	for _, arg := range e.Args[1:] {
		l, h := c.bounds(arg, lo, hi)
		if e.Op == OpMax {
			low, high = math.Max(low, l), math.Max(high, h)
		} else {
			low, high = math.Min(low, l), math.Min(high, h)
		}
	}
	return low, high
}

// prune drops the arguments of MAX and MIN that can not win anywhere in the box and
// flattens nested operators of the same kind.
func (c *converter) prune(e *Expr, lo, hi []float64) *Expr {
	if e.Op == OpPiece {
		return e
	}
	args := make([]*Expr, 0, len(e.Args))
	for _, arg := range e.Args {
		p := c.prune(arg, lo, hi)
		if p.Op == e.Op {
			args = append(args, p.Args...)
		} else {
			args = append(args, p)
		}
	}

	low := make([]float64, len(args))
	high := make([]float64, len(args))
	for k, arg := range args {
		low[k], high[k] = c.bounds(arg, lo, hi)
	}
	kept := make([]*Expr, 0, len(args))
	for k, arg := range args {
		dominated := false
		for j := range args {
			if j == k {
				continue
			}
			// Ties keep the earlier argument.
			if e.Op == OpMax && (low[j] > high[k] || (low[j] == high[k] && j < k)) {
				dominated = true
			}
			if e.Op == OpMin && (high[j] < low[k] || (high[j] == low[k] && j < k)) {
				dominated = true
			}
			if dominated {
				break
			}
		}
		if !dominated {
			kept = append(kept, arg)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &Expr{Op: e.Op, Args: kept}
}

func countPieces(e *Expr) int {
	seen := make(map[int]bool)
	var walk func(*Expr)
	walk = func(e *Expr) {
		if e.Op == OpPiece {
			seen[e.Piece] = true
			return
		}
		for _, arg := range e.Args {
			walk(arg)
		}
	}
	walk(e)
	return len(seen)
}

// Eval evaluates the decision tree at x. Only the first Inputs entries of x are read.
func (d *DTree) Eval(x []float64) float64 {
	id := 0
	for !d.Nodes[id].IsLeaf() {
		node := d.Nodes[id]
		if x[node.Axis] < node.Threshold {
			id = node.Left
		} else {
			id = node.Right
		}
	}
	return d.evalExpr(d.Nodes[id].Block, x)
}

func (d *DTree) evalExpr(e *Expr, x []float64) float64 {
	if e.Op == OpPiece {
		w := d.Pieces[e.Piece]
		s := w[0]
		for i := 0; i < d.Inputs; i++ {
			s += w[i+1] * x[i]
		}
		return s
	}
	v := d.evalExpr(e.Args[0], x)
	for _, arg := range e.Args[1:] {
		if e.Op == OpMax {
			v = math.Max(v, d.evalExpr(arg, x))
		} else {
			v = math.Min(v, d.evalExpr(arg, x))
		}
	}
	return v
}

// Predict makes a DTree usable wherever a model is evaluated row by row.
func (d *DTree) Predict(x []float64) float64 {
	return d.Eval(x)
}

// Validate checks the links and piece references of a loaded tree.
func (d *DTree) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrCorrupt)
	}
	if len(d.Min) != d.Inputs || len(d.Max) != d.Inputs {
		return fmt.Errorf("%w: domain has wrong dimension", ErrCorrupt)
	}
	for k, w := range d.Pieces {
		if len(w) != d.Inputs+1 {
			return fmt.Errorf("%w: piece %d has %d weights", ErrCorrupt, k, len(w))
		}
	}
	var checkExpr func(*Expr) error
	checkExpr = func(e *Expr) error {
		if e == nil {
			return fmt.Errorf("%w: missing block", ErrCorrupt)
		}
		switch e.Op {
		case OpPiece:
			if e.Piece < 0 || e.Piece >= len(d.Pieces) {
				return fmt.Errorf("%w: piece %d out of range", ErrCorrupt, e.Piece)
			}
			return nil
		case OpMax, OpMin:
			if len(e.Args) == 0 {
				return fmt.Errorf("%w: empty %s", ErrCorrupt, e.Op)
			}
			for _, arg := range e.Args {
				if err := checkExpr(arg); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("%w: unknown operator %q", ErrCorrupt, e.Op)
	}
	for id, node := range d.Nodes {
		if node.IsLeaf() {
			if err := checkExpr(node.Block); err != nil {
				return err
			}
			continue
		}
		if node.Axis >= d.Inputs || node.Left <= id || node.Right <= id || node.Left >= len(d.Nodes) || node.Right >= len(d.Nodes) {
			return fmt.Errorf("%w: node %d has bad links", ErrCorrupt, id)
		}
	}
	return nil
}
