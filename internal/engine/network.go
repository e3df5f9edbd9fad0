package engine

import (
	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/social"
)

// network is one sector's flow problem with the bookkeeping needed to map the
// solved arcs back onto elements.
type network struct {
	sector    infra.Sector
	problem   flow.Problem
	societies []*social.Society
	index     map[string]int
	elements  []*infra.Element // parallel to problem.Arcs
}

// buildNetwork assembles the sector network for year from the previous
// committed state. Every society is a node; every element an arc.
func (s *Simulation) buildNetwork(sector infra.Sector, year int) network {
	n := network{
		sector:    sector,
		problem:   flow.Problem{Mode: s.mode},
		societies: s.Graph.Societies(),
		index:     make(map[string]int),
	}
	for i, soc := range n.societies {
		n.index[soc.Name] = i
		node := flow.Node{Name: soc.Name, Demand: s.demand(soc, sector, year)}
		if sys := soc.System(sector); sys != nil {
			node.MaxImport = sys.Trade.MaxImport
			node.ImportPrice = sys.Trade.ImportPrice
			node.MaxExport = sys.Trade.MaxExport
			node.ExportPrice = sys.Trade.ExportPrice
		}
		n.problem.Nodes = append(n.problem.Nodes, node)
	}

	for _, soc := range n.societies {
		sys := soc.System(sector)
		if sys == nil {
			continue
		}
		var reservoir, aquifer []int
		for _, e := range sys.Elements() {
			arc := flow.Arc{
				ID:       e.ID,
				From:     n.index[e.Origin],
				To:       n.index[e.Destination],
				UnitCost: e.UnitCost(s.Graph),
			}
			alloc := e.Allocated()
			if m, ok := s.manual[e.ID]; ok && s.mode == flow.ModeManual {
				alloc = m
			}
			if e.Kind() == infra.KindProduction {
				arc.Capacity = e.EffectiveMaxProduction(year)
				arc.Committed = alloc.Production
			} else {
				arc.Capacity = e.EffectiveMaxThroughput(year)
				arc.Efficiency = e.Efficiency
				arc.Committed = alloc.Flow
			}
			switch e.Source {
			case infra.SourceReservoir:
				reservoir = append(reservoir, len(n.problem.Arcs))
			case infra.SourceAquifer:
				aquifer = append(aquifer, len(n.problem.Arcs))
			}
			n.problem.Arcs = append(n.problem.Arcs, arc)
			n.elements = append(n.elements, e)
		}
		if len(reservoir) > 0 && sys.Reservoir != nil {
			n.problem.Limits = append(n.problem.Limits, flow.Limit{
				Name: soc.Name + "/reservoir", Arcs: reservoir, Max: sys.Reservoir.Available(),
			})
		}
		if len(aquifer) > 0 && sys.Aquifer != nil {
			n.problem.Limits = append(n.problem.Limits, flow.Limit{
				Name: soc.Name + "/aquifer", Arcs: aquifer, Max: sys.Aquifer.Available(),
			})
		}
	}
	return n
}

// demand is the society's own demand for sector plus what its elements
// consumed of it as inputs in the previous committed year.
func (s *Simulation) demand(soc *social.Society, sector infra.Sector, year int) float64 {
	d := s.Demand.Demand(soc, sector, year)
	for _, other := range infra.AllSectors() {
		sys := soc.System(other)
		if sys == nil || other == sector {
			continue
		}
		for _, e := range sys.Elements() {
			d += e.InputDemand(sector, e.Allocated())
		}
	}
	return d
}

// inputs converts the solved network into each system's compute input.
func (n network) inputs(res flow.Result) map[string]infra.Input {
	out := make(map[string]infra.Input, len(n.societies))
	for i, soc := range n.societies {
		nr := res.Nodes[i]
		out[soc.Name] = infra.Input{
			Node: infra.NodeOutcome{
				Demand:    n.problem.Nodes[i].Demand,
				Import:    nr.Import,
				Export:    nr.Export,
				Waste:     nr.Waste,
				Shortfall: nr.Shortfall,
			},
			Allocations: make(map[string]infra.Allocation),
			UnitCosts:   make(map[string]float64),
		}
	}
	for ai, arc := range n.problem.Arcs {
		e := n.elements[ai]
		q := res.Arcs[ai]
		in := out[e.Origin]
		if arc.Production() {
			in.Allocations[e.ID] = infra.Allocation{Production: q}
		} else {
			in.Allocations[e.ID] = infra.Allocation{Flow: q}
			dest := out[e.Destination]
			dest.DistributionIn += q * arc.Efficiency
			out[e.Destination] = dest
		}
		in.UnitCosts[e.ID] = arc.UnitCost
		out[e.Origin] = in
	}
	return out
}
