package flow

import "math"

// Evaluate applies committed allocations without optimizing. Quantities are
// clamped to this year's capacity. Each node imports to cover a deficit up to
// its cap and wastes any surplus. Outbound flows that a node cannot supply are
// scaled back until every node balances.
func Evaluate(p Problem, opt Options) Result {
	opt = opt.withDefaults()
	q := fixedLevels(p, func(Arc) bool { return true })

	supply := func(i int) (in, out float64) {
		for ai, a := range p.Arcs {
			switch {
			case a.Production() && a.From == i:
				in += q[ai]
			case !a.Production() && a.To == i:
				in += q[ai] * a.Efficiency
			case !a.Production() && a.From == i:
				out += q[ai]
			}
		}
		return in, out
	}

	// Reductions only lower flows, so the passes settle; the cap guards
	// against slow convergence on cyclic networks.
	passes := 2*len(p.Arcs) + len(p.Nodes) + 1
	settled := false
	for pass := 0; pass < passes && !settled; pass++ {
		settled = true
		for i, nd := range p.Nodes {
			in, out := supply(i)
			available := in + nd.MaxImport
			if out <= available+opt.Tolerance || out == 0 {
				continue
			}
			settled = false
			scale := math.Max(0, available) / out
			for ai, a := range p.Arcs {
				if !a.Production() && a.From == i {
					q[ai] *= scale
				}
			}
		}
	}
	if !settled {
		for ai, a := range p.Arcs {
			if !a.Production() {
				q[ai] = 0
			}
		}
	}

	res := Result{Arcs: q, Nodes: make([]NodeResult, len(p.Nodes))}
	for i, nd := range p.Nodes {
		in, out := supply(i)
		net := in - out - nd.Demand
		var r NodeResult
		if net >= 0 {
			r.Waste = net
		} else {
			r.Import = math.Min(-net, nd.MaxImport)
			r.Shortfall = -net - r.Import
		}
		res.Nodes[i] = r
	}
	res.cost(p)
	res.report(p, opt.Tolerance)
	return res
}
