package flow

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// Options tune a solve.
type Options struct {
	// Timeout bounds a single solve; zero means only the context bounds it.
	Timeout time.Duration
	// Tolerance is the shortfall below which a node counts as satisfied.
	Tolerance float64
	// ShortfallPenalty is the minimum cost per unit of unmet demand. Solve
	// raises it above the cost of serving a unit along any path of the
	// network, so shortfall only appears once supply is exhausted.
	ShortfallPenalty float64
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Timeout:          5 * time.Second,
	Tolerance:        1e-6,
	ShortfallPenalty: 1e6,
}

const (
	simplexTol = 1e-10
	// optimalityTol is the relative slack allowed on the optimal cost and
	// shortfall while the second stage picks among optimal allocations.
	optimalityTol = 1e-9
)

// simplex solves a standard-form LP. Tests replace it to control timing.
var simplex = lp.Simplex

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultOptions.Tolerance
	}
	if o.ShortfallPenalty <= 0 {
		o.ShortfallPenalty = DefaultOptions.ShortfallPenalty
	}
	return o
}

// shortfallPenalty returns a per-unit penalty above the cost of delivering
// one unit to any node: every cost in the network, inflated by the worst
// loss a simple path can accumulate.
func shortfallPenalty(p Problem, floor float64) float64 {
	total := 1.0
	minEff := 1.0
	for _, a := range p.Arcs {
		total += math.Abs(a.UnitCost)
		if !a.Production() && a.Efficiency < minEff {
			minEff = a.Efficiency
		}
	}
	for _, nd := range p.Nodes {
		total += math.Abs(nd.ImportPrice) + math.Abs(nd.ExportPrice)
	}
	hops := max(len(p.Nodes)-1, 0)
	return math.Max(floor, 2*total/math.Pow(minEff, float64(hops)))
}

// Solve allocates the problem according to its mode. In manual mode no
// optimization runs. A solve that outlives ctx or the timeout returns
// ErrOptimizationTimeout and no result. The abandoned simplex keeps running
// in its goroutine until it finishes on its own; its result goes to a
// buffered channel nobody reads, so the goroutine still exits.
//
// The LP is solved in two stages. The first minimizes cost plus the
// shortfall penalty. The second holds cost and shortfall at that optimum
// and prefers earlier elements, so ties resolve the same way every run
// without perturbing the costs themselves.
func Solve(ctx context.Context, p Problem, opt Options) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	opt = opt.withDefaults()
	if p.Mode == ModeManual {
		return Evaluate(p, opt), nil
	}

	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrOptimizationTimeout, err)
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := solveLP(p, opt)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrOptimizationTimeout, ctx.Err())
	}
}

// program is the standard-form LP: minimize c·x subject to A x = b, x >= 0.
// tie holds the second-stage preference per column.
type program struct {
	c     []float64
	tie   []float64
	rows  []map[int]float64
	b     []float64
	basis []int
}

func (g *program) column(cost, tie float64) int {
	g.c = append(g.c, cost)
	g.tie = append(g.tie, tie)
	return len(g.c) - 1
}

// row adds an equality row. unit is a column appearing only in this row with
// coefficient +1 after sign normalization; negUnit is used instead when the
// right-hand side is negative.
func (g *program) row(coef map[int]float64, rhs float64, unit, negUnit int) {
	basic := unit
	sign := 1.0
	if rhs < 0 {
		sign, basic = -1, negUnit
	}
	r := make(map[int]float64, len(coef))
	for col, v := range coef {
		r[col] = sign * v
	}
	g.rows = append(g.rows, r)
	g.b = append(g.b, sign*rhs)
	g.basis = append(g.basis, basic)
}

func (g *program) matrix() *mat.Dense {
	a := mat.NewDense(len(g.rows), len(g.c), nil)
	for i, r := range g.rows {
		for col, v := range r {
			a.Set(i, col, v)
		}
	}
	return a
}

type columns struct {
	arc      []int // -1 when the arc is fixed or closed
	imp, exp []int // -1 when the cap is zero
	short    []int
	waste    []int
	fixed    []float64
}

func solveLP(p Problem, opt Options) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: %v", ErrSolver, r)
		}
	}()

	fixedProduction := p.Mode == ModeDistributionOnly
	cols := columns{
		arc:   make([]int, len(p.Arcs)),
		imp:   make([]int, len(p.Nodes)),
		exp:   make([]int, len(p.Nodes)),
		short: make([]int, len(p.Nodes)),
		waste: make([]int, len(p.Nodes)),
	}
	cols.fixed = fixedLevels(p, func(a Arc) bool { return fixedProduction && a.Production() })
	penalty := shortfallPenalty(p, opt.ShortfallPenalty)

	var g program
	order := 0.0
	next := func() float64 { order++; return order }

	for i, a := range p.Arcs {
		cols.arc[i] = -1
		if (fixedProduction && a.Production()) || a.Capacity <= 0 {
			continue
		}
		cols.arc[i] = g.column(a.UnitCost, next())
	}
	for i, nd := range p.Nodes {
		cols.imp[i], cols.exp[i] = -1, -1
		if nd.MaxImport > 0 {
			cols.imp[i] = g.column(nd.ImportPrice, next())
		}
		if nd.MaxExport > 0 {
			cols.exp[i] = g.column(-nd.ExportPrice, next())
		}
		cols.short[i] = g.column(penalty, next())
		cols.waste[i] = g.column(0, next())
	}

	bound := func(col int, max float64) {
		slack := g.column(0, 0)
		g.row(map[int]float64{col: 1, slack: 1}, max, slack, slack)
	}
	for i, a := range p.Arcs {
		if c := cols.arc[i]; c >= 0 {
			bound(c, a.Capacity)
		}
	}
	for i, nd := range p.Nodes {
		if c := cols.imp[i]; c >= 0 {
			bound(c, nd.MaxImport)
		}
		if c := cols.exp[i]; c >= 0 {
			bound(c, nd.MaxExport)
		}
	}
	for _, l := range p.Limits {
		coef := map[int]float64{}
		rhs := l.Max
		for _, ai := range l.Arcs {
			if c := cols.arc[ai]; c >= 0 {
				coef[c] += 1
			} else {
				rhs -= cols.fixed[ai]
			}
		}
		if len(coef) == 0 {
			continue
		}
		slack := g.column(0, 0)
		coef[slack] = 1
		g.row(coef, math.Max(0, rhs), slack, slack)
	}

	for i, nd := range p.Nodes {
		coef := map[int]float64{cols.short[i]: 1, cols.waste[i]: -1}
		rhs := nd.Demand
		if c := cols.imp[i]; c >= 0 {
			coef[c] += 1
		}
		if c := cols.exp[i]; c >= 0 {
			coef[c] -= 1
		}
		for ai, a := range p.Arcs {
			c := cols.arc[ai]
			switch {
			case a.Production() && a.From == i:
				if c >= 0 {
					coef[c] += 1
				} else {
					rhs -= cols.fixed[ai]
				}
			case !a.Production() && a.To == i && c >= 0:
				coef[c] += a.Efficiency
			case !a.Production() && a.From == i && c >= 0:
				coef[c] -= 1
			}
		}
		g.row(coef, rhs, cols.short[i], cols.waste[i])
	}

	_, x, err := simplex(g.c, g.matrix(), g.b, simplexTol, g.basis)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSolver, err)
	}
	if tied, ok := preferEarlier(g, cols, x); ok {
		x = tied
	}

	val := func(col int) float64 {
		if col < 0 {
			return 0
		}
		return clean(x[col])
	}
	res = Result{
		Arcs:  make([]float64, len(p.Arcs)),
		Nodes: make([]NodeResult, len(p.Nodes)),
	}
	for i := range p.Arcs {
		if c := cols.arc[i]; c >= 0 {
			res.Arcs[i] = val(c)
		} else {
			res.Arcs[i] = cols.fixed[i]
		}
	}
	for i := range p.Nodes {
		res.Nodes[i] = NodeResult{
			Import:    val(cols.imp[i]),
			Export:    val(cols.exp[i]),
			Waste:     val(cols.waste[i]),
			Shortfall: val(cols.short[i]),
		}
	}
	res.cost(p)
	res.report(p, opt.Tolerance)
	return res, nil
}

// preferEarlier re-solves with total shortfall and cost held at the values
// of the optimal x, minimizing the element-order weights instead. It reports
// false when the second stage fails, in which case x stands: it is optimal,
// only its choice among ties is left to the simplex.
func preferEarlier(g program, cols columns, x []float64) (y []float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			y, ok = nil, false
		}
	}()

	short := make(map[int]bool, len(cols.short))
	for _, c := range cols.short {
		short[c] = true
	}
	var shortfall, cost, scale float64
	shortRow := map[int]float64{}
	costRow := map[int]float64{}
	for j, cj := range g.c {
		switch {
		case short[j]:
			shortfall += x[j]
			shortRow[j] = 1
		case cj != 0:
			cost += cj * x[j]
			scale += math.Abs(cj * x[j])
			costRow[j] = cj
		}
	}

	stage := g
	stage.c = nil
	stage.tie = nil
	stage.rows = append([]map[int]float64(nil), g.rows...)
	stage.b = append([]float64(nil), g.b...)
	stage.basis = nil
	for j := range g.c {
		stage.column(g.tie[j], 0)
	}
	slack := stage.column(0, 0)
	shortRow[slack] = 1
	stage.row(shortRow, shortfall+optimalityTol*(1+shortfall), slack, slack)
	slack = stage.column(0, 0)
	costRow[slack] = 1
	stage.row(costRow, cost+optimalityTol*(1+scale), slack, slack)

	_, tied, err := simplex(stage.c, stage.matrix(), stage.b, simplexTol, nil)
	if err != nil {
		return nil, false
	}
	return tied[:len(g.c)], true
}

// clean snaps solver noise around zero.
func clean(v float64) float64 {
	if v < 1e-9 {
		return 0
	}
	return v
}
