package infra

import (
	"fmt"
	"math"

	"github.com/talgya/infra-world/internal/lifecycle"
)

// ErrInvalidConfiguration is shared with lifecycle so callers test one sentinel.
var ErrInvalidConfiguration = lifecycle.ErrInvalidConfiguration

// Kind distinguishes local production from distribution between societies.
type Kind uint8

const (
	KindProduction   Kind = iota // origin == destination
	KindDistribution             // origin != destination
)

func (k Kind) String() string {
	if k == KindDistribution {
		return "distribution"
	}
	return "production"
}

// Source is where a water production element withdraws from.
type Source uint8

const (
	SourceSurface Source = iota // unbounded by storage
	SourceReservoir
	SourceAquifer
)

func (s Source) String() string {
	switch s {
	case SourceReservoir:
		return "reservoir"
	case SourceAquifer:
		return "aquifer"
	default:
		return "surface"
	}
}

// ParseSource maps a name to a Source; empty means surface.
func ParseSource(name string) (Source, error) {
	switch name {
	case "", "surface":
		return SourceSurface, nil
	case "reservoir":
		return SourceReservoir, nil
	case "aquifer":
		return SourceAquifer, nil
	}
	return 0, fmt.Errorf("unknown water source %q", name)
}

// Allocation is the production and flow assigned to an element for one year.
type Allocation struct {
	Production float64 `json:"production"`
	Flow       float64 `json:"flow"`
}

// Delivered returns the flow arriving at the destination after losses.
func (a Allocation) Delivered(efficiency float64) float64 {
	return a.Flow * efficiency
}

// Element is a production facility or a distribution link for one commodity.
// Capacity and cost fields are design parameters; only the allocation is
// simulation state.
type Element struct {
	ID          string `json:"id"`
	Sector      Sector `json:"sector"`
	Origin      string `json:"origin"`      // society name
	Destination string `json:"destination"` // society name

	MaxProduction    float64 `json:"max_production"`
	MaxThroughput    float64 `json:"max_throughput"`
	Efficiency       float64 `json:"distribution_efficiency"` // (0, 1]
	ProductionCost   float64 `json:"production_cost"`         // per unit produced
	DistributionCost float64 `json:"distribution_cost"`       // per unit sent

	// Inputs is units of another commodity consumed per unit produced or sent.
	Inputs map[Sector]float64 `json:"inputs,omitempty"`
	Source Source             `json:"source"`

	// InitialProduction seeds the committed production before the first year.
	InitialProduction float64 `json:"initial_production"`

	Lifecycle lifecycle.Model `json:"-"`

	allocated Allocation
}

// Kind reports whether the element produces locally or distributes.
func (e *Element) Kind() Kind {
	if e.Origin == e.Destination {
		return KindProduction
	}
	return KindDistribution
}

// Validate rejects configurations that may never enter the simulated graph.
func (e *Element) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: element without id", ErrInvalidConfiguration)
	}
	if e.Origin == "" || e.Destination == "" {
		return fmt.Errorf("%w: element %s needs origin and destination", ErrInvalidConfiguration, e.ID)
	}
	for name, v := range map[string]float64{
		"max_production":    e.MaxProduction,
		"max_throughput":    e.MaxThroughput,
		"production_cost":   e.ProductionCost,
		"distribution_cost": e.DistributionCost,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %s has invalid %s %v", ErrInvalidConfiguration, e.ID, name, v)
		}
	}
	for s, v := range e.Inputs {
		if v < 0 {
			return fmt.Errorf("%w: element %s has negative %s input", ErrInvalidConfiguration, e.ID, s)
		}
		if s == e.Sector {
			return fmt.Errorf("%w: element %s consumes its own commodity", ErrInvalidConfiguration, e.ID)
		}
	}
	if e.Kind() == KindDistribution {
		if e.Efficiency <= 0 || e.Efficiency > 1 {
			return fmt.Errorf("%w: element %s efficiency %v outside (0, 1]", ErrInvalidConfiguration, e.ID, e.Efficiency)
		}
		if e.Source != SourceSurface {
			return fmt.Errorf("%w: distribution element %s cannot withdraw from storage", ErrInvalidConfiguration, e.ID)
		}
	}
	if e.Source != SourceSurface && e.Sector != SectorWater {
		return fmt.Errorf("%w: element %s draws on water storage but is %s", ErrInvalidConfiguration, e.ID, e.Sector)
	}
	if e.InitialProduction < 0 {
		return fmt.Errorf("%w: element %s has negative initial production", ErrInvalidConfiguration, e.ID)
	}
	if e.Lifecycle == nil {
		return fmt.Errorf("%w: element %s has no lifecycle", ErrInvalidConfiguration, e.ID)
	}
	if err := e.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("element %s: %w", e.ID, err)
	}
	return nil
}

// EffectiveMaxProduction is the production capacity available in year.
func (e *Element) EffectiveMaxProduction(year int) float64 {
	if e.Kind() != KindProduction {
		return 0
	}
	return e.MaxProduction * e.Lifecycle.CapacityFactor(year)
}

// EffectiveMaxThroughput is the distribution capacity available in year.
func (e *Element) EffectiveMaxThroughput(year int) float64 {
	if e.Kind() != KindDistribution {
		return 0
	}
	return e.MaxThroughput * e.Lifecycle.CapacityFactor(year)
}

// Allocated returns the most recently committed allocation.
func (e *Element) Allocated() Allocation {
	return e.allocated
}

// PriceSource resolves the committed unit price of a commodity in a society.
type PriceSource interface {
	UnitPrice(society string, sector Sector) float64
}

// UnitCost is the per-unit production or distribution cost including the
// price of consumed inputs in the origin society.
func (e *Element) UnitCost(prices PriceSource) float64 {
	cost := e.ProductionCost
	if e.Kind() == KindDistribution {
		cost = e.DistributionCost
	}
	if prices == nil {
		return cost
	}
	for _, s := range AllSectors() {
		if k := e.Inputs[s]; k > 0 {
			cost += k * prices.UnitPrice(e.Origin, s)
		}
	}
	return cost
}

// InputDemand is the quantity of commodity s this element consumed for alloc.
func (e *Element) InputDemand(s Sector, alloc Allocation) float64 {
	k := e.Inputs[s]
	if k == 0 {
		return 0
	}
	if e.Kind() == KindDistribution {
		return k * alloc.Flow
	}
	return k * alloc.Production
}
