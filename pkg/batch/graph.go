package batch

import (
	"fmt"
	"maps"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Node is a point in world units with free-form attributes.
type Node struct {
	id       int64
	location []float64
	attrs    map[string]any
}

var _ graph.Node = (*Node)(nil)

func NewNode(id int64, location []float64, attrs map[string]any) *Node {
	return &Node{id: id, location: slices.Clone(location), attrs: maps.Clone(attrs)}
}

func (n *Node) ID() int64 { return n.id }

func (n *Node) Location() []float64 { return slices.Clone(n.location) }

func (n *Node) Attr(name string) (any, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

func (n *Node) Attrs() map[string]any { return maps.Clone(n.attrs) }

func (n *Node) String() string {
	return fmt.Sprintf("Node(%d, %v)", n.id, n.location)
}

// Edge is a pair of node ids. For undirected graphs the order of U and V
// carries no meaning.
type Edge struct {
	U, V int64
}

type mutableGraph interface {
	graph.Graph
	AddNode(graph.Node)
	SetEdge(graph.Edge)
	NewEdge(from, to graph.Node) graph.Edge
}

// Graph is a set of located nodes and the edges between them, stored in a
// gonum simple graph. Graphs are immutable once built.
type Graph struct {
	spec spec.GraphSpec
	g    mutableGraph
}

// NewGraph builds a graph from nodes and edges. Node ids must be unique and
// edges may only connect given nodes. Node locations must have as many
// dimensions as the spec's ROI.
func NewGraph(s spec.GraphSpec, nodes []*Node, edges []Edge) (*Graph, error) {
	var g mutableGraph = simple.NewUndirectedGraph()
	if directed, ok := s.Directed(); ok && directed {
		g = simple.NewDirectedGraph()
	}

	roi, hasROI := s.ROI()
	for _, n := range nodes {
		if g.Node(n.ID()) != nil {
			return nil, pipelineerrors.InvariantViolation("duplicate node id %d", n.ID())
		}
		if hasROI && len(n.location) != roi.Dims() {
			return nil, pipelineerrors.DimensionMismatch("node %d location %v in %dD graph", n.ID(), n.location, roi.Dims())
		}
		g.AddNode(n)
	}
	for _, e := range edges {
		u, v := g.Node(e.U), g.Node(e.V)
		if u == nil || v == nil {
			return nil, pipelineerrors.InvariantViolation("edge (%d, %d) references an unknown node", e.U, e.V)
		}
		if e.U == e.V {
			return nil, pipelineerrors.InvariantViolation("self loop on node %d", e.U)
		}
		g.SetEdge(g.NewEdge(u, v))
	}
	return &Graph{spec: s, g: g}, nil
}

// MustGraph is like NewGraph but panics on error.
func MustGraph(s spec.GraphSpec, nodes []*Node, edges []Edge) *Graph {
	g, err := NewGraph(s, nodes, edges)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Graph) Spec() spec.GraphSpec {
	return g.spec
}

func (g *Graph) Directed() bool {
	_, ok := g.g.(*simple.DirectedGraph)
	return ok
}

func (g *Graph) NumNodes() int {
	return g.g.Nodes().Len()
}

// Nodes returns the nodes ordered by id.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.NumNodes())
	it := g.g.Nodes()
	for it.Next() {
		nodes = append(nodes, it.Node().(*Node))
	}
	slices.SortFunc(nodes, func(a, b *Node) int { return compareIDs(a.id, b.id) })
	return nodes
}

func (g *Graph) Node(id int64) (*Node, bool) {
	n := g.g.Node(id)
	if n == nil {
		return nil, false
	}
	return n.(*Node), true
}

// Edges returns all edges ordered by (U, V). Undirected edges are reported
// once with U < V.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	directed := g.Directed()
	nodes := g.g.Nodes()
	for nodes.Next() {
		u := nodes.Node().ID()
		to := g.g.From(u)
		for to.Next() {
			v := to.Node().ID()
			if !directed && v < u {
				continue
			}
			edges = append(edges, Edge{U: u, V: v})
		}
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := compareIDs(a.U, b.U); c != 0 {
			return c
		}
		return compareIDs(a.V, b.V)
	})
	return edges
}

// Crop keeps the nodes located inside roi and the edges between them. The
// spec's ROI becomes roi.
func (g *Graph) Crop(roi geometry.Roi) (*Graph, error) {
	if own, ok := g.spec.ROI(); ok && own.Dims() != roi.Dims() {
		return nil, pipelineerrors.DimensionMismatch("crop roi %s for graph roi %s", roi, own)
	}
	s, err := g.spec.Derive(spec.WithROI(roi))
	if err != nil {
		return nil, err
	}

	var nodes []*Node
	for _, n := range g.Nodes() {
		if roi.ContainsPoint(n.location) {
			nodes = append(nodes, n)
		}
	}
	return g.rebuild(s, nodes)
}

// Merge returns the union of both graphs. Nodes of other replace nodes of g
// with the same id; ROIs are unioned.
func (g *Graph) Merge(other *Graph) (*Graph, error) {
	s, err := g.spec.UpdateWith(other.spec)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Node, g.NumNodes()+other.NumNodes())
	for _, n := range g.Nodes() {
		byID[n.id] = n
	}
	for _, n := range other.Nodes() {
		byID[n.id] = n
	}
	nodes := slices.SortedFunc(maps.Values(byID), func(a, b *Node) int { return compareIDs(a.id, b.id) })

	edges := append(g.Edges(), other.Edges()...)
	return NewGraph(s, nodes, edges)
}

// Map returns a graph with spec s whose nodes are fn applied to the nodes of
// g. Edges are kept; fn must preserve node ids.
func (g *Graph) Map(s spec.GraphSpec, fn func(*Node) *Node) (*Graph, error) {
	nodes := g.Nodes()
	for i, n := range nodes {
		nodes[i] = fn(n)
	}
	return NewGraph(s, nodes, g.Edges())
}

// rebuild returns a graph with spec s holding the given subset of nodes and
// every edge of g between them.
func (g *Graph) rebuild(s spec.GraphSpec, nodes []*Node) (*Graph, error) {
	kept := make(map[int64]struct{}, len(nodes))
	for _, n := range nodes {
		kept[n.id] = struct{}{}
	}
	var edges []Edge
	for _, e := range g.Edges() {
		_, u := kept[e.U]
		_, v := kept[e.V]
		if u && v {
			edges = append(edges, e)
		}
	}
	return NewGraph(s, nodes, edges)
}

func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%d nodes, %d edges, %s)", g.NumNodes(), len(g.Edges()), g.spec)
}

func compareIDs(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
