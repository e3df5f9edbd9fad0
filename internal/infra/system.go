package infra

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Behaviour selects whether a sector is simulated here or read from a peer.
type Behaviour uint8

const (
	BehaviourSimulated Behaviour = iota
	BehaviourRecorded
)

func (b Behaviour) String() string {
	if b == BehaviourRecorded {
		return "recorded"
	}
	return "simulated"
}

// Pricing holds a sector's price settings within one society.
type Pricing struct {
	BasePrice     float64 `json:"base_price" yaml:"base_price"`         // unit price before any supply is committed
	RetailPrice   float64 `json:"retail_price" yaml:"retail_price"`     // paid by consumers for served demand
	TransferPrice float64 `json:"transfer_price" yaml:"transfer_price"` // paid to a link's owner per delivered unit
	PriceDelta    float64 `json:"price_delta" yaml:"price_delta"`       // additive adjustment to the unit price
}

// TradeTerms bound trade with the outside of the country.
type TradeTerms struct {
	MaxImport   float64 `json:"max_import" yaml:"max_import"`
	ImportPrice float64 `json:"import_price" yaml:"import_price"`
	MaxExport   float64 `json:"max_export" yaml:"max_export"`
	ExportPrice float64 `json:"export_price" yaml:"export_price"`
}

// Validate rejects negative caps and prices.
func (t TradeTerms) Validate() error {
	if t.MaxImport < 0 || t.MaxExport < 0 || t.ImportPrice < 0 || t.ExportPrice < 0 {
		return fmt.Errorf("%w: negative trade terms %+v", ErrInvalidConfiguration, t)
	}
	return nil
}

// Quantities are the physical aggregates of one sector in one society for a year.
type Quantities struct {
	Demand          float64 `json:"demand"`
	Production      float64 `json:"production"`
	Consumption     float64 `json:"consumption"`
	Import          float64 `json:"import"`
	Export          float64 `json:"export"`
	DistributionIn  float64 `json:"distribution_in"`
	DistributionOut float64 `json:"distribution_out"`
	Waste           float64 `json:"waste"`
	Shortfall       float64 `json:"shortfall"`
}

// Add returns the field-by-field sum.
func (q Quantities) Add(o Quantities) Quantities {
	return Quantities{
		Demand:          q.Demand + o.Demand,
		Production:      q.Production + o.Production,
		Consumption:     q.Consumption + o.Consumption,
		Import:          q.Import + o.Import,
		Export:          q.Export + o.Export,
		DistributionIn:  q.DistributionIn + o.DistributionIn,
		DistributionOut: q.DistributionOut + o.DistributionOut,
		Waste:           q.Waste + o.Waste,
		Shortfall:       q.Shortfall + o.Shortfall,
	}
}

// Imbalance is supply minus disposition; zero when the year conserves.
func (q Quantities) Imbalance() float64 {
	return q.Production + q.DistributionIn + q.Import -
		(q.Consumption + q.DistributionOut + q.Export + q.Waste)
}

// NodeOutcome is the optimizer's result at this society's node.
type NodeOutcome struct {
	Demand    float64
	Import    float64
	Export    float64
	Waste     float64
	Shortfall float64
}

// Input is everything Compute needs for one year. It is assembled by the
// driver from the solved network so Compute itself stays pure.
type Input struct {
	Node           NodeOutcome
	Allocations    map[string]Allocation // by element ID
	UnitCosts      map[string]float64    // by element ID
	DistributionIn float64               // delivered by other societies' links
}

// ElementOutcome is one element's allocation and ledger for the year.
type ElementOutcome struct {
	ID         string     `json:"id"`
	Allocation Allocation `json:"allocation"`
	Ledger     Ledger     `json:"ledger"`
}

// Proposal is a computed but uncommitted year for one system.
type Proposal struct {
	Year       int              `json:"year"`
	Sector     Sector           `json:"sector"`
	Society    string           `json:"society"`
	Recorded   bool             `json:"recorded"`
	Quantities Quantities       `json:"quantities"`
	Elements   []ElementOutcome `json:"elements,omitempty"`
	Ledger     Ledger           `json:"ledger"`
	UnitPrice  float64          `json:"unit_price"`
	Reservoir  *Store           `json:"reservoir,omitempty"`
	Aquifer    *Store           `json:"aquifer,omitempty"`
}

// CashFlow is the proposal's revenues minus expenses.
func (p Proposal) CashFlow() decimal.Decimal {
	return p.Ledger.CashFlow()
}

// RecordedState is externally computed sector state substituted for local simulation.
type RecordedState struct {
	Year            int        `json:"year"`
	Quantities      Quantities `json:"quantities"`
	Ledger          Ledger     `json:"ledger"`
	UnitPrice       float64    `json:"unit_price"`
	ReservoirVolume *float64   `json:"reservoir_volume,omitempty"`
	AquiferVolume   *float64   `json:"aquifer_volume,omitempty"`
}

// Committed is the authoritative state of the last committed year.
type Committed struct {
	Year       int             `json:"year"`
	Valid      bool            `json:"valid"`
	Recorded   bool            `json:"recorded"`
	Quantities Quantities      `json:"quantities"`
	Ledger     Ledger          `json:"ledger"`
	CashFlow   decimal.Decimal `json:"cash_flow"`
	Cumulative decimal.Decimal `json:"cumulative_cash_flow"`
	UnitPrice  float64         `json:"unit_price"`

	// CumulativeSales is the running value of served consumption.
	CumulativeSales decimal.Decimal `json:"cumulative_sales"`
}

// System is one sector's infrastructure within one society. It owns the
// elements whose origin is that society and refers to the society by name only.
type System struct {
	Sector  Sector
	Society string

	Pricing Pricing
	Trade   TradeTerms

	// Water storage; nil when the society has none.
	Reservoir *Store
	Aquifer   *Store

	elements  []*Element
	committed Committed
}

// NewSystem creates an empty system for sector in the named society.
func NewSystem(sector Sector, society string, pricing Pricing, trade TradeTerms) *System {
	return &System{
		Sector:  sector,
		Society: society,
		Pricing: pricing,
		Trade:   trade,
	}
}

// AddElement validates and attaches an element. Its committed production is
// seeded from InitialProduction.
func (s *System) AddElement(e *Element) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Sector != s.Sector {
		return fmt.Errorf("%w: element %s is %s, system is %s", ErrInvalidConfiguration, e.ID, e.Sector, s.Sector)
	}
	if e.Origin != s.Society {
		return fmt.Errorf("%w: element %s originates in %s, not %s", ErrInvalidConfiguration, e.ID, e.Origin, s.Society)
	}
	for _, existing := range s.elements {
		if existing.ID == e.ID {
			return fmt.Errorf("%w: duplicate element id %s", ErrInvalidConfiguration, e.ID)
		}
	}
	if e.Source == SourceReservoir && s.Reservoir == nil || e.Source == SourceAquifer && s.Aquifer == nil {
		return fmt.Errorf("%w: element %s draws from a missing %s", ErrInvalidConfiguration, e.ID, e.Source)
	}
	if e.Kind() == KindProduction {
		e.allocated = Allocation{Production: e.InitialProduction}
	}
	s.elements = append(s.elements, e)
	return nil
}

// RemoveElement detaches the element with id and reports whether it existed.
func (s *System) RemoveElement(id string) bool {
	for i, e := range s.elements {
		if e.ID == id {
			s.elements = append(s.elements[:i], s.elements[i+1:]...)
			return true
		}
	}
	return false
}

// Elements returns the owned elements in insertion order.
func (s *System) Elements() []*Element {
	out := make([]*Element, len(s.elements))
	copy(out, s.elements)
	return out
}

// Element returns the owned element with id, or nil.
func (s *System) Element(id string) *Element {
	for _, e := range s.elements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// UnitPrice is the committed unit price, or the base price before any commit.
func (s *System) UnitPrice() float64 {
	if s.committed.Valid {
		return s.committed.UnitPrice
	}
	return s.Pricing.BasePrice + s.Pricing.PriceDelta
}

// Committed returns the last committed year.
func (s *System) Committed() Committed {
	return s.committed
}

// Compute derives the year's quantities and ledger from solved allocations.
// It does not mutate the system.
func (s *System) Compute(year int, in Input) Proposal {
	p := Proposal{Year: year, Sector: s.Sector, Society: s.Society}

	q := Quantities{
		Demand:         in.Node.Demand,
		Import:         in.Node.Import,
		Export:         in.Node.Export,
		Waste:          in.Node.Waste,
		Shortfall:      in.Node.Shortfall,
		DistributionIn: in.DistributionIn,
	}
	q.Consumption = math.Max(0, q.Demand-q.Shortfall)

	var variable float64
	var reservoirDraw, aquiferDraw float64
	var ledger Ledger
	for _, e := range s.elements {
		a := in.Allocations[e.ID]
		unit := in.UnitCosts[e.ID]
		el := LifecycleLedger(e.Lifecycle.Expenses(year))

		switch e.Kind() {
		case KindProduction:
			a.Flow = 0
			q.Production += a.Production
			cost := a.Production * unit
			variable += cost
			el.OperationsExpense = el.OperationsExpense.Add(amount(cost))
			switch e.Source {
			case SourceReservoir:
				reservoirDraw += a.Production
			case SourceAquifer:
				aquiferDraw += a.Production
			}
		case KindDistribution:
			a.Production = 0
			q.DistributionOut += a.Flow
			cost := a.Flow * unit
			variable += cost
			el.DistributionExpense = amount(cost)
			el.DistributionRevenue = amount(a.Delivered(e.Efficiency) * s.Pricing.TransferPrice)
		}

		ledger = ledger.Add(el)
		p.Elements = append(p.Elements, ElementOutcome{ID: e.ID, Allocation: a, Ledger: el})
	}

	importCost := q.Import * s.Trade.ImportPrice
	variable += importCost
	ledger.ImportExpense = amount(importCost)
	ledger.SalesRevenue = amount(q.Consumption * s.Pricing.RetailPrice)
	ledger.ExportRevenue = amount(q.Export * s.Trade.ExportPrice)

	p.Quantities = q
	p.Ledger = ledger
	if supply := q.Production + q.Import; supply > 1e-9 {
		p.UnitPrice = variable/supply + s.Pricing.PriceDelta
	} else {
		p.UnitPrice = s.UnitPrice()
	}

	if s.Reservoir != nil {
		next := s.Reservoir.Next(reservoirDraw)
		p.Reservoir = &next
	}
	if s.Aquifer != nil {
		next := s.Aquifer.Next(aquiferDraw)
		p.Aquifer = &next
	}
	return p
}

// ComputeRecorded substitutes externally computed state for the year.
func (s *System) ComputeRecorded(year int, r RecordedState) Proposal {
	p := Proposal{
		Year:       year,
		Sector:     s.Sector,
		Society:    s.Society,
		Recorded:   true,
		Quantities: r.Quantities,
		Ledger:     r.Ledger,
		UnitPrice:  r.UnitPrice,
	}
	if p.UnitPrice == 0 {
		p.UnitPrice = s.UnitPrice()
	}
	if s.Reservoir != nil {
		next := *s.Reservoir
		if r.ReservoirVolume != nil {
			next.Volume = math.Max(0, math.Min(*r.ReservoirVolume, next.MaxVolume))
		}
		p.Reservoir = &next
	}
	if s.Aquifer != nil {
		next := *s.Aquifer
		if r.AquiferVolume != nil {
			next.Volume = math.Max(0, math.Min(*r.AquiferVolume, next.MaxVolume))
		}
		p.Aquifer = &next
	}
	return p
}

// Commit makes a proposal authoritative. Recorded proposals leave element
// allocations untouched.
func (s *System) Commit(p Proposal) error {
	if p.Sector != s.Sector || p.Society != s.Society {
		return fmt.Errorf("proposal for %s/%s committed to %s/%s", p.Society, p.Sector, s.Society, s.Sector)
	}
	if s.committed.Valid && p.Year <= s.committed.Year {
		return fmt.Errorf("proposal for year %d does not follow committed year %d", p.Year, s.committed.Year)
	}

	for _, out := range p.Elements {
		if e := s.Element(out.ID); e != nil {
			e.allocated = out.Allocation
		}
	}
	if p.Reservoir != nil && s.Reservoir != nil {
		*s.Reservoir = *p.Reservoir
	}
	if p.Aquifer != nil && s.Aquifer != nil {
		*s.Aquifer = *p.Aquifer
	}

	cash := p.CashFlow()
	s.committed = Committed{
		Year:       p.Year,
		Valid:      true,
		Recorded:   p.Recorded,
		Quantities: p.Quantities,
		Ledger:     p.Ledger,
		CashFlow:   cash,
		Cumulative: s.committed.Cumulative.Add(cash),
		UnitPrice:  p.UnitPrice,

		CumulativeSales: s.committed.CumulativeSales.Add(p.Ledger.SalesRevenue),
	}
	return nil
}

// CapitalExpense is the committed year's capital expense.
func (s *System) CapitalExpense() decimal.Decimal {
	return s.committed.Ledger.CapitalExpense
}
