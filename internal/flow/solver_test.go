package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// twoCities has A with a surplus of 20 and B with a deficit of 20, linked by
// a lossy pipe from A to B.
func twoCities(mode Mode) Problem {
	return Problem{
		Mode: mode,
		Nodes: []Node{
			{Name: "A", Demand: 80},
			{Name: "B", Demand: 120},
		},
		Arcs: []Arc{
			{ID: "plantA", From: 0, To: 0, Capacity: 100, UnitCost: 1, Committed: 100},
			{ID: "plantB", From: 1, To: 1, Capacity: 100, UnitCost: 1, Committed: 100},
			{ID: "pipe", From: 0, To: 1, Capacity: 20, Efficiency: 0.9, UnitCost: 0.1},
		},
	}
}

func assertConserved(t *testing.T, p Problem, r Result) {
	t.Helper()
	for i := range p.Nodes {
		assert.InDelta(t, 0, r.Balance(p, i), 1e-6, "node %s", p.Nodes[i].Name)
	}
	for i, a := range p.Arcs {
		assert.LessOrEqual(t, r.Arcs[i], a.Capacity+1e-9, "arc %s", a.ID)
		assert.GreaterOrEqual(t, r.Arcs[i], 0.0)
	}
}

func TestSolveReportsShortfall(t *testing.T) {
	p := twoCities(ModeProductionAndDistribution)
	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)

	assert.InDelta(t, 100, r.Arcs[0], 1e-6)
	assert.InDelta(t, 100, r.Arcs[1], 1e-6)
	assert.InDelta(t, 20, r.Arcs[2], 1e-6)
	assert.InDelta(t, 202, r.Cost, 1e-6)

	require.Len(t, r.Unmet, 1)
	assert.Equal(t, "B", r.Unmet[0].Node)
	assert.InDelta(t, 2, r.Unmet[0].Amount, 1e-6)
	assertConserved(t, p, r)
}

func TestSolveMeetsDemandAtMinimumCost(t *testing.T) {
	p := twoCities(ModeProductionAndDistribution)
	p.Arcs[2].Capacity = 50
	p.Arcs[0].Capacity = 200

	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.Empty(t, r.Unmet)

	// B's own plant is cheaper than A's plant plus pipe losses.
	assert.InDelta(t, 100, r.Arcs[1], 1e-6)
	assert.InDelta(t, 20/0.9, r.Arcs[2], 1e-6)
	assert.InDelta(t, 80+20/0.9, r.Arcs[0], 1e-6)
	assert.InDelta(t, 100+80+20/0.9+0.1*20/0.9, r.Cost, 1e-6)
	assertConserved(t, p, r)
}

func TestSolvePrefersImportsOnlyWhenCheaper(t *testing.T) {
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 50, MaxImport: 30, ImportPrice: 0.5}},
		Arcs:  []Arc{{ID: "plant", From: 0, To: 0, Capacity: 100, UnitCost: 1}},
	}
	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 30, r.Nodes[0].Import, 1e-6)
	assert.InDelta(t, 20, r.Arcs[0], 1e-6)
	assert.InDelta(t, 35, r.Cost, 1e-6)
	assertConserved(t, p, r)
}

func TestSolveExportsProfitableSurplus(t *testing.T) {
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 10, MaxExport: 15, ExportPrice: 3}},
		Arcs:  []Arc{{ID: "plant", From: 0, To: 0, Capacity: 100, UnitCost: 1}},
	}
	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 25, r.Arcs[0], 1e-6)
	assert.InDelta(t, 15, r.Nodes[0].Export, 1e-6)
	assert.InDelta(t, 25-45, r.Cost, 1e-6)
	assertConserved(t, p, r)
}

func TestSolveDistributionOnlyHoldsProduction(t *testing.T) {
	p := twoCities(ModeDistributionOnly)
	p.Arcs[0].Committed = 90
	p.Arcs[1].Committed = 130 // clamped to capacity

	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.Equal(t, 90.0, r.Arcs[0])
	assert.Equal(t, 100.0, r.Arcs[1])
	assert.InDelta(t, 10, r.Arcs[2], 1e-6)
	require.Len(t, r.Unmet, 1)
	assert.InDelta(t, 11, r.Unmet[0].Amount, 1e-6)
	assertConserved(t, p, r)
}

func TestSolveWastesFixedSurplus(t *testing.T) {
	p := Problem{
		Mode:  ModeDistributionOnly,
		Nodes: []Node{{Name: "A", Demand: 10}},
		Arcs:  []Arc{{ID: "plant", From: 0, To: 0, Capacity: 100, UnitCost: 1, Committed: 40}},
	}
	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 30, r.Nodes[0].Waste, 1e-6)
	assertConserved(t, p, r)
}

func TestSolveRespectsLimits(t *testing.T) {
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 100}},
		Arcs: []Arc{
			{ID: "well1", From: 0, To: 0, Capacity: 80, UnitCost: 0.1},
			{ID: "well2", From: 0, To: 0, Capacity: 80, UnitCost: 0.2},
			{ID: "river", From: 0, To: 0, Capacity: 100, UnitCost: 1},
		},
		Limits: []Limit{{Name: "aquifer", Arcs: []int{0, 1}, Max: 60}},
	}
	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 60, r.Arcs[0]+r.Arcs[1], 1e-6)
	assert.InDelta(t, 60, r.Arcs[0], 1e-6)
	assert.InDelta(t, 40, r.Arcs[2], 1e-6)
	assertConserved(t, p, r)
}

func TestSolveBreaksTiesByElementOrder(t *testing.T) {
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 50}},
		Arcs: []Arc{
			{ID: "first", From: 0, To: 0, Capacity: 100, UnitCost: 1},
			{ID: "second", From: 0, To: 0, Capacity: 100, UnitCost: 1},
		},
	}
	for range 5 {
		r, err := Solve(context.Background(), p, Options{})
		require.NoError(t, err)
		assert.InDelta(t, 50, r.Arcs[0], 1e-6)
		assert.InDelta(t, 0, r.Arcs[1], 1e-6)
	}
}

func TestSolvePicksCheaperLateElement(t *testing.T) {
	// Many columns sit between the two cheap plants; the later one is cheaper
	// by less than any per-column perturbation would preserve.
	arcs := []Arc{{ID: "first", From: 0, To: 0, Capacity: 100, UnitCost: 0.001}}
	for i := 1; i < 59; i++ {
		arcs = append(arcs, Arc{ID: fmt.Sprintf("peaker-%d", i), From: 0, To: 0, Capacity: 0.01, UnitCost: 10})
	}
	arcs = append(arcs, Arc{ID: "last", From: 0, To: 0, Capacity: 100, UnitCost: 0.000995})
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 100}},
		Arcs:  arcs,
	}

	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 0, r.Arcs[0], 1e-6)
	assert.InDelta(t, 100, r.Arcs[59], 1e-6)
	assert.InDelta(t, 0.0995, r.Cost, 1e-9)
	assertConserved(t, p, r)
}

func TestSolveNeverBeatsFeasibleAlternative(t *testing.T) {
	p := twoCities(ModeProductionAndDistribution)
	p.Arcs[0].Capacity, p.Arcs[0].UnitCost = 200, 0.5
	p.Arcs[1].Capacity = 120
	p.Arcs[2].Capacity = 100

	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.Empty(t, r.Unmet)

	// Each plant serving only its own city is feasible.
	selfServe := Result{
		Arcs:  []float64{80, 120, 0},
		Nodes: []NodeResult{{}, {}},
	}
	selfServe.cost(p)
	for i := range p.Nodes {
		require.InDelta(t, 0, selfServe.Balance(p, i), 1e-9)
	}
	assert.InDelta(t, 160, selfServe.Cost, 1e-9)

	// Shipping from A costs (0.5+0.1)/0.9 per delivered unit, under B's 1.
	assert.LessOrEqual(t, r.Cost, selfServe.Cost)
	assert.InDelta(t, 130, r.Cost, 1e-6)
	assert.InDelta(t, 100, r.Arcs[2], 1e-6)
	assertConserved(t, p, r)
}

func TestSolveServesDemandAboveDefaultPenalty(t *testing.T) {
	p := Problem{
		Mode:  ModeProductionAndDistribution,
		Nodes: []Node{{Name: "A", Demand: 10}, {Name: "B", Demand: 5}},
		Arcs: []Arc{
			{ID: "plant", From: 0, To: 0, Capacity: 20, UnitCost: 5e6},
			{ID: "pipe", From: 0, To: 1, Capacity: 10, Efficiency: 0.5, UnitCost: 3e6},
		},
	}
	r, err := Solve(context.Background(), p, Options{ShortfallPenalty: 1e6})
	require.NoError(t, err)
	assert.Empty(t, r.Unmet)
	assert.InDelta(t, 20, r.Arcs[0], 1e-6)
	assert.InDelta(t, 10, r.Arcs[1], 1e-6)
	assertConserved(t, p, r)

	assert.Greater(t, shortfallPenalty(p, 1e6), (5e6+3e6)/0.5)
	assert.Equal(t, 1e9, shortfallPenalty(Problem{Nodes: []Node{{Name: "A"}}}, 1e9))
}

// blockSimplex makes the next solve wait until the test ends. started is
// closed once the solve is running.
func blockSimplex(t *testing.T) (started <-chan struct{}) {
	t.Helper()
	orig := simplex
	running := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	simplex = func(c []float64, A mat.Matrix, b []float64, tol float64, basis []int) (float64, []float64, error) {
		close(running)
		<-release
		close(finished)
		return 0, nil, errors.New("released")
	}
	t.Cleanup(func() {
		close(release)
		<-finished
		simplex = orig
	})
	return running
}

func TestSolveCancelledWhileSolving(t *testing.T) {
	started := blockSimplex(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err := Solve(ctx, twoCities(ModeProductionAndDistribution), Options{Timeout: time.Minute})
	assert.ErrorIs(t, err, ErrOptimizationTimeout)
}

func TestSolveDeadlineWhileSolving(t *testing.T) {
	started := blockSimplex(t)
	_, err := Solve(context.Background(), twoCities(ModeProductionAndDistribution), Options{Timeout: 20 * time.Millisecond})
	<-started
	assert.ErrorIs(t, err, ErrOptimizationTimeout)
}

func TestSolveTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Solve(ctx, twoCities(ModeProductionAndDistribution), Options{Timeout: time.Nanosecond})
	assert.ErrorIs(t, err, ErrOptimizationTimeout)
}

func TestSolveRejectsInvalidProblem(t *testing.T) {
	p := twoCities(ModeProductionAndDistribution)
	p.Arcs[2].To = 7
	_, err := Solve(context.Background(), p, Options{})
	assert.ErrorIs(t, err, ErrInvalidProblem)
}

func TestManualUsesCommittedAllocations(t *testing.T) {
	p := twoCities(ModeManual)
	p.Arcs[2].Committed = 15
	p.Nodes[1].MaxImport = 1

	r, err := Solve(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.Equal(t, 15.0, r.Arcs[2])
	assert.InDelta(t, 5, r.Nodes[0].Waste, 1e-9)
	assert.InDelta(t, 1, r.Nodes[1].Import, 1e-9)
	assert.InDelta(t, 5.5, r.Nodes[1].Shortfall, 1e-9)
	assertConserved(t, p, r)
}

func TestManualScalesUnsuppliedFlows(t *testing.T) {
	p := Problem{
		Mode:  ModeManual,
		Nodes: []Node{{Name: "A", Demand: 0}, {Name: "B", Demand: 10}},
		Arcs: []Arc{
			{ID: "plant", From: 0, To: 0, Capacity: 10, UnitCost: 1, Committed: 5},
			{ID: "pipe", From: 0, To: 1, Capacity: 50, Efficiency: 1, Committed: 20},
		},
	}
	r := Evaluate(p, Options{})
	assert.InDelta(t, 5, r.Arcs[1], 1e-9)
	assert.InDelta(t, 5, r.Nodes[1].Shortfall, 1e-9)
	assertConserved(t, p, r)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeDistributionOnly, ModeProductionAndDistribution, ModeManual} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("chaos")
	assert.Error(t, err)
}
