package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/infra-world/internal/config"
	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/lifecycle"
	"github.com/talgya/infra-world/internal/scenario"
	"github.com/talgya/infra-world/internal/social"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.StartYear, cfg.EndYear = 2000, 2004
	return cfg
}

func twoCities(t *testing.T, cfg config.Config) *Simulation {
	t.Helper()
	sc, err := scenario.Load(filepath.Join("..", "..", "scenarios", "two_cities.yaml"))
	require.NoError(t, err)
	sim, err := NewSimulation(sc.Graph, cfg)
	require.NoError(t, err)
	require.NoError(t, sim.Initialize(cfg.StartYear, cfg.EndYear))
	return sim
}

func assertConservation(t *testing.T, snap Snapshot) {
	t.Helper()
	for _, st := range snap.Sectors {
		assert.InDelta(t, 0, st.Quantities.Imbalance(), 1e-6, "%s/%s", st.Society, st.Sector)
	}
}

func TestTwoCitiesEndToEnd(t *testing.T) {
	sim := twoCities(t, testConfig())
	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2000, snap.Year)
	assertConservation(t, snap)

	a, ok := snap.Sector("A", infra.SectorWater)
	require.True(t, ok)
	assert.InDelta(t, 100, a.Quantities.Production, 1e-6)
	assert.InDelta(t, 20, a.Quantities.DistributionOut, 1e-6)
	assert.InDelta(t, 80, a.Quantities.Consumption, 1e-6)

	b, ok := snap.Sector("B", infra.SectorWater)
	require.True(t, ok)
	assert.InDelta(t, 100, b.Quantities.Production, 1e-6)
	assert.InDelta(t, 18, b.Quantities.DistributionIn, 1e-6)
	assert.InDelta(t, 2, b.Quantities.Shortfall, 1e-6)

	// Ledgers: A sells 80 at 2 and earns 18 * 0.2 for transport; B sells 118.
	assert.InDelta(t, 160+3.6-100-2, a.CashFlow, 1e-9)
	assert.InDelta(t, 236-100, b.CashFlow, 1e-9)

	var unmet []Notice
	for _, n := range snap.Notices {
		if n.Kind == NoticeDemandUnmet {
			unmet = append(unmet, n)
		}
	}
	require.Len(t, unmet, 1)
	assert.Equal(t, "B", unmet[0].Society)
	assert.Equal(t, "water", unmet[0].Sector)
	assert.InDelta(t, 2, unmet[0].Amount, 1e-6)

	water := map[string]float64{}
	for _, sc := range snap.Scores {
		water[sc.Society] = sc.Security[infra.SectorWater]
	}
	assert.InDelta(t, 198.0/200, water["Country"], 1e-9)
	assert.InDelta(t, 118.0/120, water["B"], 1e-9)
}

func TestDeterministicRuns(t *testing.T) {
	run := func() Snapshot {
		cfg := testConfig()
		cfg.Demand.Variability = 0.3
		sim := twoCities(t, cfg)
		snap, err := sim.AdvanceToEnd(context.Background())
		require.NoError(t, err)
		assert.True(t, snap.Completed)
		assert.True(t, sim.IsCompleted())
		return snap
	}
	first, second := run(), run()
	assert.Equal(t, first.Sectors, second.Sectors)
	assert.Equal(t, first.Scores, second.Scores)
	assertConservation(t, first)
}

func TestTickLifecycleErrors(t *testing.T) {
	sc, err := scenario.Load(filepath.Join("..", "..", "scenarios", "two_cities.yaml"))
	require.NoError(t, err)
	sim, err := NewSimulation(sc.Graph, testConfig())
	require.NoError(t, err)

	_, err = sim.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, sim.Initialize(2000, 2000))
	assert.True(t, sim.IsInitialized())
	_, err = sim.Tick(context.Background())
	require.NoError(t, err)
	_, err = sim.Tick(context.Background())
	assert.ErrorIs(t, err, ErrCompleted)
	assert.Error(t, sim.Initialize(2001, 2002), "the span is fixed once years are committed")
}

func TestConcurrentTickIsRejected(t *testing.T) {
	sim := twoCities(t, testConfig())
	sim.ticking.Store(true)
	_, err := sim.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	sim.ticking.Store(false)
	_, err = sim.Tick(context.Background())
	assert.NoError(t, err)
}

func TestTimeoutLeavesPreviousYearAuthoritative(t *testing.T) {
	sim := twoCities(t, testConfig())
	first, err := sim.Tick(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sim.Tick(ctx)
	require.ErrorIs(t, err, flow.ErrOptimizationTimeout)

	assert.Equal(t, 2000, sim.Clock().Current)
	assert.Equal(t, first, sim.Snapshot())
	notices := sim.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, NoticeOptimizationTimeout, notices[len(notices)-1].Kind)

	a, err := sim.Graph.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, 2000, a.System(infra.SectorWater).Committed().Year)
}

func TestTimeoutMidTickCommitsNothing(t *testing.T) {
	sim := twoCities(t, testConfig())
	first, err := sim.Tick(context.Background())
	require.NoError(t, err)

	// Petroleum solves normally; electricity hangs until the tick is cancelled.
	orig := solve
	t.Cleanup(func() { solve = orig })
	blocked := make(chan struct{})
	var solved []string
	solve = func(ctx context.Context, p flow.Problem, opt flow.Options) (flow.Result, error) {
		if len(solved) == 0 {
			solved = append(solved, "petroleum")
			return orig(ctx, p, opt)
		}
		close(blocked)
		<-ctx.Done()
		return flow.Result{}, fmt.Errorf("%w: %v", flow.ErrOptimizationTimeout, ctx.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-blocked
		cancel()
	}()
	_, err = sim.Tick(ctx)
	require.ErrorIs(t, err, flow.ErrOptimizationTimeout)
	assert.Equal(t, []string{"petroleum"}, solved)

	assert.Equal(t, 2000, sim.Clock().Current)
	assert.Equal(t, first, sim.Snapshot())
	for _, sector := range infra.AllSectors() {
		a, err := sim.Graph.Lookup("A")
		require.NoError(t, err)
		assert.Equal(t, 2000, a.System(sector).Committed().Year, "%s", sector)
	}

	solve = orig
	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2001, snap.Year)
}

func TestModeChangeAppliesNextTick(t *testing.T) {
	sim := twoCities(t, testConfig())
	_, err := sim.Tick(context.Background())
	require.NoError(t, err)

	sim.SetMode(flow.ModeManual)
	assert.Equal(t, flow.ModeProductionAndDistribution, sim.Mode())

	require.NoError(t, sim.SetManualAllocation("link-a-b", infra.Allocation{Flow: 10}))
	assert.ErrorIs(t, sim.SetManualAllocation("nope", infra.Allocation{}), ErrUnknownElement)

	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, flow.ModeManual, snap.Mode)
	assertConservation(t, snap)

	a, _ := snap.Sector("A", infra.SectorWater)
	assert.InDelta(t, 10, a.Quantities.DistributionOut, 1e-9)
	assert.InDelta(t, 10, a.Quantities.Waste, 1e-9)
	b, _ := snap.Sector("B", infra.SectorWater)
	assert.InDelta(t, 11, b.Quantities.Shortfall, 1e-9)
}

func TestRecordedSectorIsNotOptimized(t *testing.T) {
	sim := twoCities(t, testConfig())
	_, err := sim.Tick(context.Background())
	require.NoError(t, err)

	err = sim.SetRecorded(infra.SectorWater, map[string]infra.RecordedState{
		"A": {Quantities: infra.Quantities{Demand: 80, Production: 80, Consumption: 80}, UnitPrice: 1.5},
	})
	require.NoError(t, err)
	assert.Equal(t, infra.BehaviourRecorded, sim.Behaviour(infra.SectorWater))
	assert.Error(t, sim.SetRecorded(infra.SectorWater, map[string]infra.RecordedState{"Z": {}}))

	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	a, _ := snap.Sector("A", infra.SectorWater)
	assert.True(t, a.Recorded)
	assert.Equal(t, 80.0, a.Quantities.Production)
	assert.Equal(t, 1.5, a.UnitPrice)

	b, _ := snap.Sector("B", infra.SectorWater)
	assert.True(t, b.Recorded)
	assert.InDelta(t, 2, b.Quantities.Shortfall, 1e-6, "peers without state repeat their last year")

	sim.ClearRecorded(infra.SectorWater)
	snap, err = sim.Tick(context.Background())
	require.NoError(t, err)
	a, _ = snap.Sector("A", infra.SectorWater)
	assert.False(t, a.Recorded)
}

// coupled builds one city whose water plant runs on local electricity.
func coupled(t *testing.T, capital *lifecycle.Default, investmentCap float64) *Simulation {
	t.Helper()
	country := social.NewSociety("Country", social.KindCountry)
	city := social.NewSociety("A", social.KindCity)
	city.Population = 100
	city.InvestmentCap = investmentCap
	city.Demand[infra.SectorWater] = social.DemandBounds{Min: 1, Max: 1}
	require.NoError(t, country.AddChild(city))

	elec := city.EnsureSystem(infra.SectorElectricity, infra.Pricing{BasePrice: 0.3}, infra.TradeTerms{})
	require.NoError(t, elec.AddElement(&infra.Element{
		ID: "gen", Sector: infra.SectorElectricity, Origin: "A", Destination: "A",
		MaxProduction: 100, ProductionCost: 0.2, Lifecycle: lifecycle.Always(),
	}))
	water := city.EnsureSystem(infra.SectorWater, infra.Pricing{BasePrice: 1}, infra.TradeTerms{})
	pump := &infra.Element{
		ID: "pump", Sector: infra.SectorWater, Origin: "A", Destination: "A",
		MaxProduction: 200, ProductionCost: 1, InitialProduction: 100,
		Inputs:    map[infra.Sector]float64{infra.SectorElectricity: 0.5},
		Lifecycle: lifecycle.Always(),
	}
	if capital != nil {
		pump.Lifecycle = capital
	}
	require.NoError(t, water.AddElement(pump))

	g, err := social.NewGraph(country)
	require.NoError(t, err)
	cfg := testConfig()
	sim, err := NewSimulation(g, cfg)
	require.NoError(t, err)
	require.NoError(t, sim.Initialize(cfg.StartYear, cfg.EndYear))
	return sim
}

func TestCrossSectorCouplingUsesPreviousYear(t *testing.T) {
	sim := coupled(t, nil, 0)
	a, err := sim.Graph.Lookup("A")
	require.NoError(t, err)

	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	elec, _ := snap.Sector("A", infra.SectorElectricity)
	assert.InDelta(t, 50, elec.Quantities.Demand, 1e-9, "0.5 per unit of last year's 100 units of water")
	assert.InDelta(t, 50, elec.Quantities.Production, 1e-6)
	assert.InDelta(t, 0.2, elec.UnitPrice, 1e-9)

	// Water is priced with electricity at its base price, not this year's.
	ops := a.System(infra.SectorWater).Committed().Ledger.OperationsExpense
	assert.InDelta(t, 100*(1+0.5*0.3), ops.InexactFloat64(), 1e-6)

	_, err = sim.Tick(context.Background())
	require.NoError(t, err)
	ops = a.System(infra.SectorWater).Committed().Ledger.OperationsExpense
	assert.InDelta(t, 100*(1+0.5*0.2), ops.InexactFloat64(), 1e-6)
}

func TestOverBudgetIsNonFatal(t *testing.T) {
	capital := &lifecycle.Default{
		CommissionStart: 1990, CommissionDuration: 0, CapitalCost: 0,
		MaxOperationDuration: 50, OperationDuration: 50,
	}
	sim := coupled(t, capital, 500)
	require.NoError(t, sim.Graph.Root().Children()[0].System(infra.SectorElectricity).AddElement(&infra.Element{
		ID: "new-gen", Sector: infra.SectorElectricity, Origin: "A", Destination: "A",
		MaxProduction: 100, ProductionCost: 0.1,
		Lifecycle: &lifecycle.Default{
			CommissionStart: 2000, CommissionDuration: 1, CapitalCost: 800,
			MaxOperationDuration: 30, OperationDuration: 30,
		},
	}))

	snap, err := sim.Tick(context.Background())
	require.NoError(t, err)
	var over []Notice
	for _, n := range snap.Notices {
		if n.Kind == NoticeOverBudget {
			over = append(over, n)
		}
	}
	require.Len(t, over, 1)
	assert.Equal(t, "A", over[0].Society)
	assert.InDelta(t, 800, over[0].Amount, 1e-9)

	snap, err = sim.Tick(context.Background())
	require.NoError(t, err)
	for _, n := range snap.Notices {
		assert.NotEqual(t, NoticeOverBudget, n.Kind)
	}
}

func TestLifecycleEditsGuardHistory(t *testing.T) {
	capital := &lifecycle.Default{
		CommissionStart: 1990, CommissionDuration: 2,
		MaxOperationDuration: 40, OperationDuration: 30,
	}
	sim := coupled(t, capital, 0)
	_, err := sim.Tick(context.Background())
	require.NoError(t, err)

	err = sim.SetCommissionStart("pump", 2005)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidLifecycleTransition, "1990 is already history")
	notices := sim.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, NoticeInvalidLifecycleTransition, notices[len(notices)-1].Kind)

	require.NoError(t, sim.SetOperationDuration("pump", 35))
	assert.Equal(t, 2027, capital.DecommissionStart())
	assert.ErrorIs(t, sim.SetOperationDuration("pump", 5), lifecycle.ErrInvalidLifecycleTransition)
	assert.ErrorIs(t, sim.SetOperationDuration("pump", 50), lifecycle.ErrInvalidConfiguration)

	assert.ErrorIs(t, sim.SetCommissionStart("gen", 2001), lifecycle.ErrInvalidConfiguration, "simple lifecycles have no schedule")
	assert.ErrorIs(t, sim.SetCommissionStart("missing", 2001), ErrUnknownElement)
}

func TestRunnerRunsToCompletion(t *testing.T) {
	sim := twoCities(t, testConfig())
	r := NewRunner(sim)
	r.Interval = 0

	var years []int
	var decades int
	r.OnYear = func(s Snapshot) { years = append(years, s.Year) }
	r.OnDecade = func(Snapshot) { decades++ }

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []int{2000, 2001, 2002, 2003, 2004}, years)
	assert.Equal(t, 1, decades)
	assert.False(t, r.Running())
}

func TestArcadiaConservesEveryYear(t *testing.T) {
	sc, err := scenario.Load(filepath.Join("..", "..", "scenarios", "arcadia.yaml"))
	require.NoError(t, err)
	cfg := config.Default()
	cfg.StartYear, cfg.EndYear = sc.StartYear, sc.StartYear+9
	cfg.Demand.Variability = 0.2
	sim, err := NewSimulation(sc.Graph, cfg)
	require.NoError(t, err)
	require.NoError(t, sim.Initialize(cfg.StartYear, cfg.EndYear))

	var count int
	sim.OnCommit = func(s Snapshot) {
		count++
		assertConservation(t, s)
	}
	snap, err := sim.AdvanceToEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Equal(t, cfg.EndYear, snap.Year)
	for _, st := range snap.Sectors {
		if st.Reservoir != nil {
			assert.GreaterOrEqual(t, st.Reservoir.Volume, 0.0)
			assert.LessOrEqual(t, st.Reservoir.Volume, st.Reservoir.MaxVolume)
		}
	}
}
