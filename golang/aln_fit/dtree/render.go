package dtree

import (
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

func (d *DTree) pieceLabel(k int) string {
	w := d.Pieces[k]
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("p%d = %.4g", k, w[0]))
	for i := 1; i < len(w); i++ {
		sb.WriteString(fmt.Sprintf(" %+.4g*x%d", w[i], i-1))
	}
	return sb.String()
}

func (d *DTree) exprLabel(e *Expr) string {
	if e.Op == OpPiece {
		return fmt.Sprintf("p%d", e.Piece)
	}
	args := make([]string, len(e.Args))
	for k, arg := range e.Args {
		args[k] = d.exprLabel(arg)
	}
	return fmt.Sprintf("%s(%s)", e.Op, strings.Join(args, ", "))
}

func (d *DTree) blockLabel(e *Expr) string {
	var sb strings.Builder
	sb.WriteString(d.exprLabel(e))
	seen := make(map[int]bool)
	var walk func(*Expr)
	walk = func(e *Expr) {
		if e.Op == OpPiece {
			if !seen[e.Piece] {
				seen[e.Piece] = true
				sb.WriteString("\n" + d.pieceLabel(e.Piece))
			}
			return
		}
		for _, arg := range e.Args {
			walk(arg)
		}
	}
	walk(e)
	return sb.String()
}

func (d *DTree) recurrentDraw(g *cgraph.Graph, id int, parent *cgraph.Node, edgeLabel string) error {
	current, err := g.CreateNode(fmt.Sprint(id))
	if err != nil {
		return err
	}
	if parent != nil {
		edge, err := g.CreateEdge("", parent, current)
		if err != nil {
			return err
		}
		edge.SetLabel(edgeLabel)
	}

	node := d.Nodes[id]
	if node.IsLeaf() {
		current.Set("label", d.blockLabel(node.Block))
		current.Set("shape", "box")
		return nil
	}
	current.Set("label", fmt.Sprintf("x%d < %6.5g", node.Axis, node.Threshold))
	if err := d.recurrentDraw(g, node.Left, current, "yes"); err != nil {
		return err
	}
	return d.recurrentDraw(g, node.Right, current, "no")
}

// Render draws the decision tree into a file in the given graphviz format.
func (d *DTree) Render(format graphviz.Format, path string) error {
	graphViz := graphviz.New()
	defer func() { _ = graphViz.Close() }()
	graph, err := graphViz.Graph()
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close() }()

	if err := d.recurrentDraw(graph, 0, nil, ""); err != nil {
		return err
	}
	return graphViz.RenderFilename(graph, format, path)
}
