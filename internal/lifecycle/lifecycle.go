// Package lifecycle models the commission, operate and decommission schedule of
// a facility and the capital, operating and decommissioning costs charged along it.
package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration rejects parameters that may never enter the simulated graph.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidLifecycleTransition rejects edits that would rewrite already simulated years.
	ErrInvalidLifecycleTransition = errors.New("invalid lifecycle transition")
)

// State is the phase of a facility in a given year.
type State uint8

const (
	StatePlanned State = iota
	StateCommissioning
	StateOperating
	StateDecommissioning
	StateRetired
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateCommissioning:
		return "commissioning"
	case StateOperating:
		return "operating"
	case StateDecommissioning:
		return "decommissioning"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Variant names the concrete lifecycle implementation.
type Variant uint8

const (
	VariantDefault Variant = iota
	VariantSimple
)

func (v Variant) String() string {
	if v == VariantSimple {
		return "simple"
	}
	return "default"
}

// Expenses are the lifecycle costs charged in one year.
type Expenses struct {
	Capital      float64 `json:"capital"`
	Operations   float64 `json:"operations"`
	Decommission float64 `json:"decommission"`
}

// Total returns the sum of all lifecycle expenses.
func (e Expenses) Total() float64 {
	return e.Capital + e.Operations + e.Decommission
}

// Model is the lifecycle schedule of one facility. The variant set is closed:
// only Default and Simple implement it.
type Model interface {
	Variant() Variant
	State(year int) State
	// CapacityFactor is 1 while Operating and 0 otherwise.
	CapacityFactor(year int) float64
	Expenses(year int) Expenses
	Validate() error

	sealed()
}

func capacityFactor(s State) float64 {
	if s == StateOperating {
		return 1
	}
	return 0
}

// Default is the full commission/operate/decommission schedule.
// The decommission start is always derived, never stored.
type Default struct {
	CommissionStart      int     `yaml:"time_commission_start" json:"time_commission_start"`
	CommissionDuration   int     `yaml:"commission_duration" json:"commission_duration"`
	CapitalCost          float64 `yaml:"capital_cost" json:"capital_cost"`
	FixedOperatingCost   float64 `yaml:"fixed_operating_cost" json:"fixed_operating_cost"`
	MaxOperationDuration int     `yaml:"max_operation_duration" json:"max_operation_duration"`
	OperationDuration    int     `yaml:"operation_duration" json:"operation_duration"`
	DecommissionDuration int     `yaml:"decommission_duration" json:"decommission_duration"`
	DecommissionCost     float64 `yaml:"decommission_cost" json:"decommission_cost"`
	Levelize             bool    `yaml:"levelize" json:"levelize"`
}

func (*Default) sealed() {}

// Variant returns VariantDefault.
func (*Default) Variant() Variant { return VariantDefault }

// OperationStart is the first operating year.
func (d *Default) OperationStart() int {
	return d.CommissionStart + d.CommissionDuration
}

// DecommissionStart is CommissionStart + CommissionDuration + OperationDuration.
func (d *Default) DecommissionStart() int {
	return d.OperationStart() + d.OperationDuration
}

// RetirementYear is the first year in StateRetired.
func (d *Default) RetirementYear() int {
	return d.DecommissionStart() + d.DecommissionDuration
}

// State derives the phase for year from the schedule timestamps.
func (d *Default) State(year int) State {
	switch {
	case year < d.CommissionStart:
		return StatePlanned
	case year < d.OperationStart():
		return StateCommissioning
	case year < d.DecommissionStart():
		return StateOperating
	case year < d.RetirementYear():
		return StateDecommissioning
	default:
		return StateRetired
	}
}

// CapacityFactor returns 1 while Operating and 0 otherwise.
func (d *Default) CapacityFactor(year int) float64 {
	return capacityFactor(d.State(year))
}

// Expenses returns the lifecycle costs charged in year.
func (d *Default) Expenses(year int) Expenses {
	var e Expenses
	e.Capital = spread(d.CapitalCost, d.CommissionStart, d.CommissionDuration, d.Levelize, year)
	e.Decommission = spread(d.DecommissionCost, d.DecommissionStart(), d.DecommissionDuration, d.Levelize, year)
	if d.State(year) == StateOperating {
		e.Operations = d.FixedOperatingCost
	}
	return e
}

// spread charges total over [start, start+duration): evenly when levelized,
// otherwise in full in the first year. A zero-length interval is charged at start.
func spread(total float64, start, duration int, levelize bool, year int) float64 {
	if total == 0 {
		return 0
	}
	if duration <= 0 || !levelize {
		if year == start {
			return total
		}
		return 0
	}
	if year >= start && year < start+duration {
		return total / float64(duration)
	}
	return 0
}

// Validate rejects negative durations or costs and operation beyond its maximum.
func (d *Default) Validate() error {
	switch {
	case d.CommissionDuration < 0:
		return fmt.Errorf("%w: negative commission duration %d", ErrInvalidConfiguration, d.CommissionDuration)
	case d.OperationDuration < 0:
		return fmt.Errorf("%w: negative operation duration %d", ErrInvalidConfiguration, d.OperationDuration)
	case d.DecommissionDuration < 0:
		return fmt.Errorf("%w: negative decommission duration %d", ErrInvalidConfiguration, d.DecommissionDuration)
	case d.MaxOperationDuration < 0:
		return fmt.Errorf("%w: negative max operation duration %d", ErrInvalidConfiguration, d.MaxOperationDuration)
	case d.OperationDuration > d.MaxOperationDuration:
		return fmt.Errorf("%w: operation duration %d exceeds maximum %d",
			ErrInvalidConfiguration, d.OperationDuration, d.MaxOperationDuration)
	case d.CapitalCost < 0 || d.FixedOperatingCost < 0 || d.DecommissionCost < 0:
		return fmt.Errorf("%w: negative lifecycle cost", ErrInvalidConfiguration)
	}
	return nil
}

// SetCommissionStart moves the commissioning year. Years before minEditable
// are history and may be neither vacated nor entered.
func (d *Default) SetCommissionStart(year, minEditable int) error {
	if d.CommissionStart < minEditable || year < minEditable {
		return fmt.Errorf("%w: commission start %d -> %d before editable year %d",
			ErrInvalidLifecycleTransition, d.CommissionStart, year, minEditable)
	}
	d.CommissionStart = year
	return nil
}

// SetOperationDuration changes the operating span, which moves the derived
// decommission start.
func (d *Default) SetOperationDuration(duration, minEditable int) error {
	if duration < 0 || duration > d.MaxOperationDuration {
		return fmt.Errorf("%w: operation duration %d outside [0, %d]",
			ErrInvalidConfiguration, duration, d.MaxOperationDuration)
	}
	next := d.OperationStart() + duration
	if d.DecommissionStart() < minEditable || next < minEditable {
		return fmt.Errorf("%w: decommission start %d -> %d before editable year %d",
			ErrInvalidLifecycleTransition, d.DecommissionStart(), next, minEditable)
	}
	d.OperationDuration = duration
	return nil
}

// Simple is an always-built facility operating over [StartYear, EndYear).
// EndYear 0 means it never retires. Only fixed operating cost is charged.
type Simple struct {
	StartYear          int     `yaml:"start_year" json:"start_year"`
	EndYear            int     `yaml:"end_year" json:"end_year"`
	FixedOperatingCost float64 `yaml:"fixed_operating_cost" json:"fixed_operating_cost"`
}

func (*Simple) sealed() {}

// Variant returns VariantSimple.
func (*Simple) Variant() Variant { return VariantSimple }

// State is Planned before StartYear, Retired from EndYear, Operating between.
func (s *Simple) State(year int) State {
	switch {
	case year < s.StartYear:
		return StatePlanned
	case s.EndYear != 0 && year >= s.EndYear:
		return StateRetired
	default:
		return StateOperating
	}
}

// CapacityFactor returns 1 while Operating and 0 otherwise.
func (s *Simple) CapacityFactor(year int) float64 {
	return capacityFactor(s.State(year))
}

// Expenses charges only the fixed operating cost while Operating.
func (s *Simple) Expenses(year int) Expenses {
	if s.State(year) != StateOperating {
		return Expenses{}
	}
	return Expenses{Operations: s.FixedOperatingCost}
}

// Validate rejects an end before the start and negative costs.
func (s *Simple) Validate() error {
	if s.EndYear != 0 && s.EndYear < s.StartYear {
		return fmt.Errorf("%w: end year %d before start year %d", ErrInvalidConfiguration, s.EndYear, s.StartYear)
	}
	if s.FixedOperatingCost < 0 {
		return fmt.Errorf("%w: negative fixed operating cost", ErrInvalidConfiguration)
	}
	return nil
}

// Always returns a Simple lifecycle that is operating in every year.
func Always() *Simple {
	return &Simple{}
}
