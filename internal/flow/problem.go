// Package flow allocates production and distribution for one sector so that
// demand is met at minimum cost. The allocation is an exact linear program.
package flow

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrOptimizationTimeout is returned when a solve exceeds its deadline.
	// No allocation is returned and nothing may be committed.
	ErrOptimizationTimeout = errors.New("optimization timeout")

	// ErrSolver wraps failures of the underlying simplex implementation.
	ErrSolver = errors.New("solver failure")

	// ErrInvalidProblem rejects malformed networks before solving.
	ErrInvalidProblem = errors.New("invalid flow problem")
)

// Mode selects how allocations are chosen. Exactly one is active at a time.
type Mode uint8

const (
	// ModeDistributionOnly holds production at its committed level and
	// minimizes distribution and trade cost.
	ModeDistributionOnly Mode = iota
	// ModeProductionAndDistribution also chooses production.
	ModeProductionAndDistribution
	// ModeManual uses committed allocations as given without optimizing.
	ModeManual
)

var modeNames = [...]string{"distribution", "production_distribution", "manual"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode maps a mode name to its Mode.
func ParseMode(name string) (Mode, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range modeNames {
		if s == n {
			return Mode(i), nil
		}
	}
	switch n {
	case "distribution_only", "distribution-only":
		return ModeDistributionOnly, nil
	case "production", "production-and-distribution", "production_and_distribution":
		return ModeProductionAndDistribution, nil
	}
	return 0, fmt.Errorf("unknown optimization mode %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Node is one society in the sector network.
type Node struct {
	Name        string
	Demand      float64
	MaxImport   float64
	ImportPrice float64
	MaxExport   float64
	ExportPrice float64
}

// Arc is a production element (From == To) or a distribution link.
type Arc struct {
	ID         string
	From, To   int     // node indices
	Capacity   float64 // effective capacity this year
	Efficiency float64 // delivered fraction for distribution arcs
	UnitCost   float64
	Committed  float64 // previous committed quantity
}

// Production reports whether the arc produces locally.
func (a Arc) Production() bool { return a.From == a.To }

// Limit caps the combined quantity of several arcs, such as withdrawals from
// one aquifer.
type Limit struct {
	Name string
	Arcs []int
	Max  float64
}

// Problem is one sector's network for one year.
type Problem struct {
	Mode   Mode
	Nodes  []Node
	Arcs   []Arc
	Limits []Limit
}

// Validate rejects out-of-range references and negative quantities.
func (p Problem) Validate() error {
	n := len(p.Nodes)
	for i, nd := range p.Nodes {
		if nd.Demand < 0 || nd.MaxImport < 0 || nd.MaxExport < 0 || math.IsNaN(nd.Demand) {
			return fmt.Errorf("%w: node %d (%s) has negative demand or trade cap", ErrInvalidProblem, i, nd.Name)
		}
	}
	for i, a := range p.Arcs {
		if a.From < 0 || a.From >= n || a.To < 0 || a.To >= n {
			return fmt.Errorf("%w: arc %d (%s) references missing node", ErrInvalidProblem, i, a.ID)
		}
		if a.Capacity < 0 || math.IsNaN(a.Capacity) || math.IsInf(a.Capacity, 0) {
			return fmt.Errorf("%w: arc %d (%s) has capacity %v", ErrInvalidProblem, i, a.ID, a.Capacity)
		}
		if !a.Production() && (a.Efficiency <= 0 || a.Efficiency > 1) {
			return fmt.Errorf("%w: arc %d (%s) has efficiency %v", ErrInvalidProblem, i, a.ID, a.Efficiency)
		}
	}
	for _, l := range p.Limits {
		if l.Max < 0 {
			return fmt.Errorf("%w: limit %s is negative", ErrInvalidProblem, l.Name)
		}
		for _, ai := range l.Arcs {
			if ai < 0 || ai >= len(p.Arcs) {
				return fmt.Errorf("%w: limit %s references missing arc %d", ErrInvalidProblem, l.Name, ai)
			}
		}
	}
	return nil
}

// NodeResult is the trade and balance outcome at one node.
type NodeResult struct {
	Import    float64 `json:"import"`
	Export    float64 `json:"export"`
	Waste     float64 `json:"waste"`
	Shortfall float64 `json:"shortfall"`
}

// Shortfall reports demand left unmet at a node.
type Shortfall struct {
	Node   string  `json:"node"`
	Amount float64 `json:"amount"`
}

// Result is a complete allocation for a problem.
type Result struct {
	Arcs  []float64    `json:"arcs"` // production or flow per arc
	Nodes []NodeResult `json:"nodes"`
	Cost  float64      `json:"cost"` // production + distribution + import - export revenue
	// Unmet lists nodes whose shortfall exceeds the tolerance; never silently dropped.
	Unmet []Shortfall `json:"unmet,omitempty"`
}

// TotalShortfall sums the reported shortfalls.
func (r Result) TotalShortfall() float64 {
	var total float64
	for _, s := range r.Unmet {
		total += s.Amount
	}
	return total
}

// Balance returns supply minus disposition at node i; zero when conserved.
func (r Result) Balance(p Problem, i int) float64 {
	in := r.Nodes[i].Import + r.Nodes[i].Shortfall
	out := p.Nodes[i].Demand + r.Nodes[i].Export + r.Nodes[i].Waste
	for ai, a := range p.Arcs {
		q := r.Arcs[ai]
		switch {
		case a.Production() && a.From == i:
			in += q
		case !a.Production() && a.To == i:
			in += q * a.Efficiency
		case !a.Production() && a.From == i:
			out += q
		}
	}
	return in - out
}

func (r *Result) cost(p Problem) {
	r.Cost = 0
	for ai, a := range p.Arcs {
		r.Cost += r.Arcs[ai] * a.UnitCost
	}
	for i, nd := range p.Nodes {
		r.Cost += r.Nodes[i].Import*nd.ImportPrice - r.Nodes[i].Export*nd.ExportPrice
	}
}

func (r *Result) report(p Problem, tolerance float64) {
	r.Unmet = nil
	for i, nd := range p.Nodes {
		if s := r.Nodes[i].Shortfall; s > tolerance {
			r.Unmet = append(r.Unmet, Shortfall{Node: nd.Name, Amount: s})
		}
	}
}

// fixedLevels clamps committed quantities to this year's capacity and scales
// them down proportionally where they would breach a limit.
func fixedLevels(p Problem, include func(Arc) bool) []float64 {
	levels := make([]float64, len(p.Arcs))
	for i, a := range p.Arcs {
		if include(a) {
			levels[i] = math.Max(0, math.Min(a.Committed, a.Capacity))
		}
	}
	for _, l := range p.Limits {
		var sum float64
		for _, ai := range l.Arcs {
			sum += levels[ai]
		}
		if sum > l.Max && sum > 0 {
			scale := l.Max / sum
			for _, ai := range l.Arcs {
				levels[ai] *= scale
			}
		}
	}
	return levels
}
