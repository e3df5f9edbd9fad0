package social

import (
	"fmt"

	"github.com/talgya/infra-world/internal/infra"
)

// Graph indexes a society tree by name. References between societies and
// elements are names resolved here, never stored pointers.
type Graph struct {
	root  *Society
	order []*Society // preorder, children in insertion order
	index map[string]*Society
}

// NewGraph indexes the tree under root and validates it.
func NewGraph(root *Society) (*Graph, error) {
	if root == nil || root.Kind != KindCountry {
		return nil, fmt.Errorf("%w: root must be a country", ErrInvalidGraph)
	}
	g := &Graph{root: root, index: make(map[string]*Society)}
	var visit func(s *Society) error
	visit = func(s *Society) error {
		if s.Name == "" {
			return fmt.Errorf("%w: unnamed society below %s", ErrInvalidGraph, s.parent)
		}
		if _, dup := g.index[s.Name]; dup {
			return fmt.Errorf("%w: duplicate society name %s", ErrInvalidGraph, s.Name)
		}
		if s.Kind != KindCity && len(s.Demand) > 0 {
			return fmt.Errorf("%w: %s %s defines per-capita demand", ErrInvalidGraph, s.Kind, s.Name)
		}
		if s.Population < 0 {
			return fmt.Errorf("%w: %s has negative population", ErrInvalidGraph, s.Name)
		}
		for sector, b := range s.Demand {
			if b.Min < 0 || b.Max < b.Min {
				return fmt.Errorf("%w: %s %s demand bounds [%v, %v]", ErrInvalidGraph, s.Name, sector, b.Min, b.Max)
			}
		}
		g.index[s.Name] = s
		g.order = append(g.order, s)
		for _, c := range s.children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return g, g.validateElements()
}

// validateElements checks destinations and that element ids are unique
// across the whole graph, since edits address elements by id alone.
func (g *Graph) validateElements() error {
	owners := make(map[string]string)
	for _, s := range g.order {
		for _, sector := range infra.AllSectors() {
			sys := s.Systems[sector]
			if sys == nil {
				continue
			}
			for _, e := range sys.Elements() {
				if owner, dup := owners[e.ID]; dup {
					return fmt.Errorf("%w: element id %s used by %s and %s", ErrInvalidGraph, e.ID, owner, s.Name)
				}
				owners[e.ID] = s.Name
				if _, ok := g.index[e.Destination]; !ok {
					return fmt.Errorf("%w: element %s delivers to %s", ErrUnknownSociety, e.ID, e.Destination)
				}
			}
		}
	}
	return nil
}

// Root returns the country.
func (g *Graph) Root() *Society { return g.root }

// Lookup resolves a society by name.
func (g *Graph) Lookup(name string) (*Society, error) {
	s, ok := g.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSociety, name)
	}
	return s, nil
}

// Societies returns every society in deterministic preorder.
func (g *Graph) Societies() []*Society {
	out := make([]*Society, len(g.order))
	copy(out, g.order)
	return out
}

// Walk visits every society in preorder.
func (g *Graph) Walk(fn func(*Society)) {
	for _, s := range g.order {
		fn(s)
	}
}

// Cities returns the leaf cities in preorder.
func (g *Graph) Cities() []*Society {
	var out []*Society
	for _, s := range g.order {
		if s.Kind == KindCity {
			out = append(out, s)
		}
	}
	return out
}

// Systems returns every system of sector in preorder.
func (g *Graph) Systems(sector infra.Sector) []*infra.System {
	var out []*infra.System
	for _, s := range g.order {
		if sys := s.Systems[sector]; sys != nil {
			out = append(out, sys)
		}
	}
	return out
}

// Element finds an element by id anywhere in the graph.
func (g *Graph) Element(id string) (*infra.Element, *infra.System) {
	for _, s := range g.order {
		for _, sector := range infra.AllSectors() {
			if sys := s.Systems[sector]; sys != nil {
				if e := sys.Element(id); e != nil {
					return e, sys
				}
			}
		}
	}
	return nil, nil
}

// UnitPrice implements infra.PriceSource. A society without its own system
// for sector uses its nearest ancestor's price.
func (g *Graph) UnitPrice(society string, sector infra.Sector) float64 {
	for s := g.index[society]; s != nil; s = g.index[s.parent] {
		if sys := s.Systems[sector]; sys != nil {
			return sys.UnitPrice()
		}
	}
	return 0
}

// Totals returns the committed quantities of sector for the named society:
// its own system plus the totals of all its children.
func (g *Graph) Totals(name string, sector infra.Sector) (infra.Quantities, error) {
	s, err := g.Lookup(name)
	if err != nil {
		return infra.Quantities{}, err
	}
	return totals(s, sector), nil
}

func totals(s *Society, sector infra.Sector) infra.Quantities {
	var q infra.Quantities
	if sys := s.Systems[sector]; sys != nil {
		q = sys.Committed().Quantities
	}
	for _, c := range s.children {
		q = q.Add(totals(c, sector))
	}
	return q
}

// Population sums the population of the named society's cities at year.
func (g *Graph) Population(name string, year, startYear int) (float64, error) {
	s, err := g.Lookup(name)
	if err != nil {
		return 0, err
	}
	var walk func(*Society) float64
	walk = func(s *Society) float64 {
		if s.Kind == KindCity {
			return s.PopulationAt(year, startYear)
		}
		var total float64
		for _, c := range s.children {
			total += walk(c)
		}
		return total
	}
	return walk(s), nil
}

// Subtree returns the named society and all its descendants in preorder.
func (g *Graph) Subtree(name string) ([]*Society, error) {
	s, err := g.Lookup(name)
	if err != nil {
		return nil, err
	}
	var out []*Society
	var walk func(*Society)
	walk = func(s *Society) {
		out = append(out, s)
		for _, c := range s.children {
			walk(c)
		}
	}
	walk(s)
	return out, nil
}
