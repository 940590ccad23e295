package engine

import (
	"slices"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
)

// graph maps a referenced cell to the set of formula cells that read it.
type graph struct {
	dependents map[cell.Key]map[cell.Key]struct{}
}

func newGraph() *graph {
	return &graph{dependents: make(map[cell.Key]map[cell.Key]struct{})}
}

func (g *graph) add(from, to cell.Key) {
	set, ok := g.dependents[from]
	if !ok {
		set = make(map[cell.Key]struct{})
		g.dependents[from] = set
	}
	set[to] = struct{}{}
}

func (g *graph) remove(from, to cell.Key) {
	set, ok := g.dependents[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(g.dependents, from)
	}
}

// drop removes every edge whose referenced side is k.
func (g *graph) drop(k cell.Key) {
	delete(g.dependents, k)
}

// of returns the dependents of k in key order.
func (g *graph) of(k cell.Key) []cell.Key {
	set := g.dependents[k]
	if len(set) == 0 {
		return nil
	}
	out := make([]cell.Key, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	slices.SortFunc(out, cell.Key.Compare)
	return out
}

func (g *graph) edges() int {
	n := 0
	for _, set := range g.dependents {
		n += len(set)
	}
	return n
}
