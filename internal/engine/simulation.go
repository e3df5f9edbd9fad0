// Simulation ties the society graph, the flow optimizer and the scoring
// engine together and advances them one year per tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/talgya/infra-world/internal/config"
	"github.com/talgya/infra-world/internal/flow"
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/lifecycle"
	"github.com/talgya/infra-world/internal/scoring"
	"github.com/talgya/infra-world/internal/social"
)

var (
	ErrNotInitialized = errors.New("simulation not initialized")
	ErrCompleted      = errors.New("simulation completed")
	// ErrTickInProgress is returned to a caller that ticks concurrently.
	ErrTickInProgress = errors.New("tick already in progress")
	ErrUnknownElement = errors.New("unknown element")
)

// solve is the optimizer entry point. Tests replace it to interrupt a tick.
var solve = flow.Solve

// SectorState is the committed state of one sector in one society.
type SectorState struct {
	Society    string           `json:"society"`
	Sector     infra.Sector     `json:"sector"`
	Recorded   bool             `json:"recorded"`
	Quantities infra.Quantities `json:"quantities"`
	Ledger     infra.Ledger     `json:"ledger"`
	CashFlow   float64          `json:"cash_flow"`
	Cumulative float64          `json:"cumulative_cash_flow"`
	Capital    float64          `json:"capital_expense"`
	UnitPrice  float64          `json:"unit_price"`
	Reservoir  *infra.Store     `json:"reservoir,omitempty"`
	Aquifer    *infra.Store     `json:"aquifer,omitempty"`
}

// Snapshot is a read-only view of the simulation after a completed tick.
type Snapshot struct {
	Year      int              `json:"year"`
	Clock     Clock            `json:"clock"`
	Mode      flow.Mode        `json:"mode"`
	Completed bool             `json:"completed"`
	Sectors   []SectorState    `json:"sectors"`
	Scores    []scoring.Scores `json:"scores"`
	Notices   []Notice         `json:"notices"` // raised by this tick
}

// Sector returns the state of sector in society, if present.
func (s Snapshot) Sector(society string, sector infra.Sector) (SectorState, bool) {
	for _, st := range s.Sectors {
		if st.Society == society && st.Sector == sector {
			return st, true
		}
	}
	return SectorState{}, false
}

// Simulation is the driver. Only Tick mutates the graph; readers go through
// the accessors, which never observe a tick in progress.
type Simulation struct {
	Graph  *social.Graph
	Config config.Config
	Demand *social.DemandModel

	// OnCommit is called after every committed tick, before the tick lock
	// is released.
	OnCommit func(Snapshot)

	mu          sync.RWMutex
	ticking     atomic.Bool
	initialized bool
	clock       Clock
	mode        flow.Mode
	pendingMode *flow.Mode
	behaviour   map[infra.Sector]infra.Behaviour
	recorded    map[infra.Sector]map[string]infra.RecordedState
	manual      map[string]infra.Allocation
	notices     []Notice
	last        Snapshot
}

// NewSimulation prepares a driver for graph. Every society receives a system
// for every sector; missing ones inherit pricing from their parent.
func NewSimulation(g *social.Graph, cfg config.Config) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, soc := range g.Societies() {
		for _, sector := range infra.AllSectors() {
			var pricing infra.Pricing
			if parent, err := g.Lookup(soc.Parent()); err == nil {
				if ps := parent.System(sector); ps != nil {
					pricing = ps.Pricing
				}
			}
			soc.EnsureSystem(sector, pricing, infra.TradeTerms{})
		}
	}
	return &Simulation{
		Graph:     g,
		Config:    cfg,
		Demand:    social.NewDemandModel(cfg.Demand.Seed, cfg.Demand.BaseLevel, cfg.Demand.Variability, cfg.StartYear),
		mode:      cfg.Optimizer.Mode,
		behaviour: make(map[infra.Sector]infra.Behaviour),
		recorded:  make(map[infra.Sector]map[string]infra.RecordedState),
		manual:    make(map[string]infra.Allocation),
	}, nil
}

// Initialize sets the simulated span. It may only be called before the
// first tick.
func (s *Simulation) Initialize(startYear, endYear int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock.Started() && s.initialized {
		return fmt.Errorf("initialize after year %d was committed", s.clock.Current)
	}
	if endYear < startYear {
		return fmt.Errorf("%w: end year %d before start year %d", config.ErrInvalid, endYear, startYear)
	}
	s.clock = NewClock(startYear, endYear)
	s.Demand.StartYear = startYear
	s.initialized = true
	s.last = Snapshot{Year: s.clock.Current, Clock: s.clock, Mode: s.mode}
	slog.Info("simulation initialized", "start_year", startYear, "end_year", endYear, "mode", s.mode)
	return nil
}

// IsInitialized reports whether Initialize has run.
func (s *Simulation) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// IsCompleted reports whether the end year has been committed.
func (s *Simulation) IsCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized && s.clock.Completed()
}

// Clock returns the scenario clock.
func (s *Simulation) Clock() Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Mode returns the active optimization mode.
func (s *Simulation) Mode() flow.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode selects the optimization mode from the next tick on.
func (s *Simulation) SetMode(m flow.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMode = &m
	slog.Info("optimization mode scheduled", "mode", m, "from_year", s.clock.Next())
}

// SetRecorded substitutes externally computed state for sector, keyed by
// society name, from the next tick on. The sector stops being optimized here.
func (s *Simulation) SetRecorded(sector infra.Sector, states map[string]infra.RecordedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range states {
		if _, err := s.Graph.Lookup(name); err != nil {
			return err
		}
	}
	if s.recorded[sector] == nil {
		s.recorded[sector] = make(map[string]infra.RecordedState)
	}
	for name, st := range states {
		s.recorded[sector][name] = st
	}
	s.behaviour[sector] = infra.BehaviourRecorded
	return nil
}

// ClearRecorded returns sector to local simulation.
func (s *Simulation) ClearRecorded(sector infra.Sector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recorded, sector)
	s.behaviour[sector] = infra.BehaviourSimulated
}

// Behaviour reports whether sector is simulated or recorded.
func (s *Simulation) Behaviour(sector infra.Sector) infra.Behaviour {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.behaviour[sector]
}

// SetManualAllocation fixes an element's allocation for manual mode.
func (s *Simulation) SetManualAllocation(id string, a infra.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, _ := s.Graph.Element(id); e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	if a.Production < 0 || a.Flow < 0 {
		return fmt.Errorf("%w: negative manual allocation for %s", infra.ErrInvalidConfiguration, id)
	}
	s.manual[id] = a
	return nil
}

// minEditable is the first year whose lifecycle may still change.
func (s *Simulation) minEditable() int {
	year := s.clock.Next()
	if s.Config.MinEditableYear > year {
		year = s.Config.MinEditableYear
	}
	return year
}

// SetCommissionStart edits an element's commissioning year.
func (s *Simulation) SetCommissionStart(id string, year int) error {
	return s.editLifecycle(id, func(d *lifecycle.Default, minYear int) error {
		return d.SetCommissionStart(year, minYear)
	})
}

// SetOperationDuration edits an element's operating span.
func (s *Simulation) SetOperationDuration(id string, duration int) error {
	return s.editLifecycle(id, func(d *lifecycle.Default, minYear int) error {
		return d.SetOperationDuration(duration, minYear)
	})
}

func (s *Simulation) editLifecycle(id string, edit func(*lifecycle.Default, int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.Graph.Element(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	d, ok := e.Lifecycle.(*lifecycle.Default)
	if !ok {
		return fmt.Errorf("%w: element %s has a %s lifecycle", lifecycle.ErrInvalidConfiguration, id, e.Lifecycle.Variant())
	}
	err := edit(d, s.minEditable())
	if errors.Is(err, lifecycle.ErrInvalidLifecycleTransition) {
		s.emit(Notice{
			Kind:    NoticeInvalidLifecycleTransition,
			Year:    s.clock.Current,
			Society: e.Origin,
			Sector:  e.Sector.String(),
			Message: fmt.Sprintf("lifecycle edit of %s rejected", id),
		})
	}
	return err
}

// Tick simulates and commits exactly one year. On OptimizationTimeout the
// tick is abandoned and the previous year remains authoritative.
func (s *Simulation) Tick(ctx context.Context) (Snapshot, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return Snapshot{}, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Snapshot{}, ErrNotInitialized
	}
	if s.clock.Completed() {
		return Snapshot{}, ErrCompleted
	}
	if s.pendingMode != nil {
		s.mode = *s.pendingMode
		s.pendingMode = nil
	}

	year := s.clock.Next()
	proposals, raised, err := s.compute(ctx, year)
	if err != nil {
		return Snapshot{}, err
	}
	raised = append(raised, s.checkBudgets(year, proposals)...)

	for _, p := range proposals {
		sys := s.system(p.Society, p.Sector)
		if err := sys.Commit(p); err != nil {
			// Proposals are built from these systems; a mismatch is a bug.
			panic(fmt.Sprintf("commit %s/%s: %v", p.Society, p.Sector, err))
		}
	}
	s.clock.Advance()
	for _, n := range raised {
		s.emit(n)
	}

	snap := s.snapshot(raised)
	s.last = snap
	s.report(snap)
	if s.OnCommit != nil {
		s.OnCommit(snap)
	}
	return snap, nil
}

// compute builds every proposal for year without mutating anything.
func (s *Simulation) compute(ctx context.Context, year int) ([]infra.Proposal, []Notice, error) {
	var proposals []infra.Proposal
	var raised []Notice

	for _, sector := range infra.ResolutionOrder() {
		if s.behaviour[sector] == infra.BehaviourRecorded {
			for _, sys := range s.Graph.Systems(sector) {
				proposals = append(proposals, sys.ComputeRecorded(year, s.recordedState(sector, sys)))
			}
			continue
		}

		net := s.buildNetwork(sector, year)
		res, err := solve(ctx, net.problem, s.Config.Optimizer.Options())
		if err != nil {
			if errors.Is(err, flow.ErrOptimizationTimeout) {
				s.emit(Notice{
					Kind:    NoticeOptimizationTimeout,
					Year:    year,
					Sector:  sector.String(),
					Message: "optimization timed out; tick aborted",
				})
			}
			return nil, nil, fmt.Errorf("year %d %s: %w", year, sector, err)
		}
		for _, u := range res.Unmet {
			raised = append(raised, Notice{
				Kind:    NoticeDemandUnmet,
				Year:    year,
				Society: u.Node,
				Sector:  sector.String(),
				Amount:  u.Amount,
				Message: "demand unmet",
			})
		}

		inputs := net.inputs(res)
		for _, soc := range net.societies {
			sys := soc.System(sector)
			if sys == nil {
				continue
			}
			proposals = append(proposals, sys.Compute(year, inputs[soc.Name]))
		}
	}
	return proposals, raised, nil
}

// recordedState returns the substituted state for sys, or repeats its last
// committed year when the peer supplied nothing for this society.
func (s *Simulation) recordedState(sector infra.Sector, sys *infra.System) infra.RecordedState {
	if st, ok := s.recorded[sector][sys.Society]; ok {
		return st
	}
	c := sys.Committed()
	return infra.RecordedState{Quantities: c.Quantities, Ledger: c.Ledger, UnitPrice: c.UnitPrice}
}

// checkBudgets raises OverBudget for societies whose proposed capital expense
// exceeds their annual investment cap.
func (s *Simulation) checkBudgets(year int, proposals []infra.Proposal) []Notice {
	capital := make(map[string]float64)
	for _, p := range proposals {
		capital[p.Society] += p.Ledger.CapitalExpense.InexactFloat64()
	}
	var raised []Notice
	for _, soc := range s.Graph.Societies() {
		if soc.InvestmentCap <= 0 {
			continue
		}
		if amount := capital[soc.Name]; amount > soc.InvestmentCap {
			raised = append(raised, Notice{
				Kind:    NoticeOverBudget,
				Year:    year,
				Society: soc.Name,
				Amount:  amount,
				Message: fmt.Sprintf("capital expense exceeds investment cap %.2f", soc.InvestmentCap),
			})
		}
	}
	return raised
}

func (s *Simulation) system(society string, sector infra.Sector) *infra.System {
	soc, err := s.Graph.Lookup(society)
	if err != nil {
		return nil
	}
	return soc.System(sector)
}

func (s *Simulation) snapshot(raised []Notice) Snapshot {
	snap := Snapshot{
		Year:      s.clock.Current,
		Clock:     s.clock,
		Mode:      s.mode,
		Completed: s.clock.Completed(),
		Notices:   raised,
	}
	for _, soc := range s.Graph.Societies() {
		for _, sector := range infra.AllSectors() {
			sys := soc.System(sector)
			if sys == nil {
				continue
			}
			c := sys.Committed()
			st := SectorState{
				Society:    soc.Name,
				Sector:     sector,
				Recorded:   c.Recorded,
				Quantities: c.Quantities,
				Ledger:     c.Ledger,
				CashFlow:   c.CashFlow.InexactFloat64(),
				Cumulative: c.Cumulative.InexactFloat64(),
				Capital:    c.Ledger.CapitalExpense.InexactFloat64(),
				UnitPrice:  c.UnitPrice,
			}
			if sys.Reservoir != nil {
				r := *sys.Reservoir
				st.Reservoir = &r
			}
			if sys.Aquifer != nil {
				a := *sys.Aquifer
				st.Aquifer = &a
			}
			snap.Sectors = append(snap.Sectors, st)
		}
	}
	scores, err := scoring.EvaluateAll(s.Graph, s.clock.Current, s.Config.Scores)
	if err != nil {
		slog.Error("scoring failed", "year", s.clock.Current, "error", err)
	}
	snap.Scores = scores
	return snap
}

func (s *Simulation) report(snap Snapshot) {
	root := s.Graph.Root().Name
	var unmet int
	for _, n := range snap.Notices {
		if n.Kind == NoticeDemandUnmet {
			unmet++
		}
	}
	attrs := []any{"year", snap.Year, "mode", snap.Mode, "demand_unmet", unmet}
	for _, sc := range snap.Scores {
		if sc.Society != root {
			continue
		}
		attrs = append(attrs,
			"financial", fmt.Sprintf("%.1f", sc.Financial),
			"welfare", fmt.Sprintf("%.1f", sc.Welfare),
			"cumulative_cash_flow", fmt.Sprintf("%.2f", sc.CumulativeCashFlow),
		)
	}
	slog.Info("year report", attrs...)
}

// AdvanceToEnd ticks until the end year is committed.
func (s *Simulation) AdvanceToEnd(ctx context.Context) (Snapshot, error) {
	snap := s.Snapshot()
	for !s.IsCompleted() {
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		next, err := s.Tick(ctx)
		if err != nil {
			return snap, err
		}
		snap = next
	}
	return snap, nil
}

// Snapshot returns the state after the last completed tick.
func (s *Simulation) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Notices returns the retained notices, oldest first.
func (s *Simulation) Notices() []Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// Read runs fn with the graph held stable between ticks.
func (s *Simulation) Read(fn func(g *social.Graph, c Clock)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.Graph, s.clock)
}
