// Package cfg materialises a recorded edge stream as a control-flow graph.
//
// Vertices are block addresses (syscall nodes included); a vertex carries
// the module it belongs to. Parallel records between the same pair of
// blocks (different exits or edge types) collapse into one graph edge whose
// attributes come from the first record; the merge count is kept in Stats.
package cfg

import (
	"fmt"
	"io"
	"sort"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/sysobs"
)

// Source yields edge records until io.EOF. *stream.EdgeReader implements it.
type Source interface {
	Next() (edge.GraphEdge, error)
}

// Graph is a directed control-flow graph keyed by block address.
type Graph struct {
	g graph.Graph[uint64, uint64]

	modules map[uint64]uint32
	records int
	merged  int
	byType  map[edge.Type]int
}

func addrHash(a uint64) uint64 { return a }

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		g:       graph.New(addrHash, graph.Directed()),
		modules: make(map[uint64]uint32),
		byType:  make(map[edge.Type]int),
	}
}

// Build reads every record from src into a new graph.
func Build(src Source) (*Graph, error) {
	g := New()
	for {
		e, err := src.Next()
		if err == io.EOF {
			return g, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read edge %d", g.records)
		}
		if err := g.Add(e); err != nil {
			return nil, err
		}
	}
}

// FromEdges builds a graph from a slice of records.
func FromEdges(edges []edge.GraphEdge) (*Graph, error) {
	g := New()
	for _, e := range edges {
		if err := g.Add(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add inserts one record.
func (g *Graph) Add(e edge.GraphEdge) error {
	if err := g.vertex(e.From, e.FromModule); err != nil {
		return err
	}
	if err := g.vertex(e.To, e.ToModule); err != nil {
		return err
	}
	g.records++
	g.byType[e.Type]++

	err := g.g.AddEdge(e.From, e.To,
		graph.EdgeAttribute("label", fmt.Sprintf("%s/%d", e.Type, e.ExitOrdinal)),
		graph.EdgeAttribute("style", edgeStyle(e.Type)),
		graph.EdgeAttribute("color", edgeColor(e.Type)),
		graph.EdgeData(e),
	)
	if errors.Is(err, graph.ErrEdgeAlreadyExists) {
		g.merged++
		return nil
	}
	return errors.Wrapf(err, "failed to add edge %s", e)
}

func (g *Graph) vertex(addr uint64, mod uint32) error {
	if _, ok := g.modules[addr]; ok {
		return nil
	}
	g.modules[addr] = mod
	err := g.g.AddVertex(addr,
		graph.VertexAttribute("label", vertexLabel(addr, mod)),
		graph.VertexAttribute("shape", vertexShape(addr)),
	)
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return errors.Wrapf(err, "failed to add vertex %#x", addr)
	}
	return nil
}

func vertexLabel(addr uint64, mod uint32) string {
	if sysobs.IsNode(addr) {
		return fmt.Sprintf("syscall %d", addr-module.SyscallNodeBase)
	}
	return fmt.Sprintf("m%d:%#x", mod, addr)
}

func vertexShape(addr uint64) string {
	if sysobs.IsNode(addr) {
		return "diamond"
	}
	return "box"
}

func edgeStyle(t edge.Type) string {
	switch t {
	case edge.Indirect, edge.UnexpectedReturn:
		return "dashed"
	case edge.Syscall:
		return "dotted"
	default:
		return "solid"
	}
}

func edgeColor(t edge.Type) string {
	if t == edge.UnexpectedReturn {
		return "red"
	}
	return "black"
}

// Module returns the module identity recorded for addr.
func (g *Graph) Module(addr uint64) (uint32, bool) {
	m, ok := g.modules[addr]
	return m, ok
}

// Successors returns the targets recorded from addr in address order.
func (g *Graph) Successors(addr uint64) ([]uint64, error) {
	adj, err := g.g.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	out, ok := adj[addr]
	if !ok {
		return nil, errors.Errorf("no block %#x in graph", addr)
	}
	succ := make([]uint64, 0, len(out))
	for to := range out {
		succ = append(succ, to)
	}
	sort.Slice(succ, func(i, j int) bool { return succ[i] < succ[j] })
	return succ, nil
}

// Edge returns the first record between from and to.
func (g *Graph) Edge(from, to uint64) (edge.GraphEdge, error) {
	e, err := g.g.Edge(from, to)
	if err != nil {
		return edge.GraphEdge{}, errors.Wrapf(err, "%#x -> %#x", from, to)
	}
	rec, _ := e.Properties.Data.(edge.GraphEdge)
	return rec, nil
}

// Path returns a shortest path of blocks from one address to another.
func (g *Graph) Path(from, to uint64) ([]uint64, error) {
	return graph.ShortestPath(g.g, from, to)
}

// Stats summarises the graph.
type Stats struct {
	Blocks       int
	SyscallNodes int
	Edges        int
	Records      int
	Merged       int
	ByType       map[edge.Type]int

	// Roots are blocks no recorded edge reaches.
	Roots int

	// Loops counts strongly connected components with more than one block.
	Loops int
}

// Stats computes the summary.
func (g *Graph) Stats() (Stats, error) {
	s := Stats{
		Records: g.records,
		Merged:  g.merged,
		ByType:  make(map[edge.Type]int, len(g.byType)),
	}
	for t, n := range g.byType {
		s.ByType[t] = n
	}

	var err error
	if s.Edges, err = g.g.Size(); err != nil {
		return s, err
	}
	for addr := range g.modules {
		if sysobs.IsNode(addr) {
			s.SyscallNodes++
		} else {
			s.Blocks++
		}
	}

	pred, err := g.g.PredecessorMap()
	if err != nil {
		return s, err
	}
	for _, in := range pred {
		if len(in) == 0 {
			s.Roots++
		}
	}

	sccs, err := graph.StronglyConnectedComponents(g.g)
	if err != nil {
		return s, err
	}
	for _, c := range sccs {
		if len(c) > 1 {
			s.Loops++
		}
	}
	return s, nil
}

// DOT writes the graph in Graphviz format.
func (g *Graph) DOT(w io.Writer) error {
	return draw.DOT(g.g, w, draw.GraphAttribute("rankdir", "TB"))
}
