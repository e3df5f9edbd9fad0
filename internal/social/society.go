// Package social provides the society hierarchy: cities grouped into regions
// grouped into a country. Each society owns its sector systems and children.
package social

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/talgya/infra-world/internal/infra"
)

var (
	ErrUnknownSociety = errors.New("unknown society")
	ErrInvalidGraph   = errors.New("invalid society graph")
)

// Kind is the administrative level of a society.
type Kind uint8

const (
	KindCity    Kind = iota // Leaf; the only level with per-capita demand
	KindRegion              // Groups cities
	KindCountry             // Root
)

func (k Kind) String() string {
	switch k {
	case KindRegion:
		return "region"
	case KindCountry:
		return "country"
	default:
		return "city"
	}
}

// ParseKind maps a level name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "city":
		return KindCity, nil
	case "region":
		return KindRegion, nil
	case "country":
		return KindCountry, nil
	}
	return 0, fmt.Errorf("unknown society kind %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// DemandBounds is the per-capita annual demand range for one commodity.
type DemandBounds struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Society is a city, region or country.
type Society struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Demographics (cities only)
	Population float64                       `json:"population"`
	GrowthRate float64                       `json:"growth_rate"` // annual, e.g. 0.01
	Demand     map[infra.Sector]DemandBounds `json:"demand,omitempty"`

	// InvestmentCap bounds annual capital expense over all sectors; 0 means none.
	InvestmentCap float64 `json:"investment_cap"`

	Systems map[infra.Sector]*infra.System `json:"-"`

	parent   string
	children []*Society
}

// NewSociety creates a society with no systems or children.
func NewSociety(name string, kind Kind) *Society {
	return &Society{
		Name:    name,
		Kind:    kind,
		Demand:  make(map[infra.Sector]DemandBounds),
		Systems: make(map[infra.Sector]*infra.System),
	}
}

// Parent returns the parent's name, empty for the root.
func (s *Society) Parent() string { return s.parent }

// Children returns the direct children in insertion order.
func (s *Society) Children() []*Society {
	out := make([]*Society, len(s.children))
	copy(out, s.children)
	return out
}

// IsLeaf reports whether the society has no children.
func (s *Society) IsLeaf() bool { return len(s.children) == 0 }

// AddChild attaches c below s. Cities are always leaves and a country is
// always the root.
func (s *Society) AddChild(c *Society) error {
	switch {
	case s.Kind == KindCity:
		return fmt.Errorf("%w: city %s cannot have children", ErrInvalidGraph, s.Name)
	case c.Kind == KindCountry:
		return fmt.Errorf("%w: country %s cannot be a child", ErrInvalidGraph, c.Name)
	case s.Kind == KindRegion && c.Kind != KindCity:
		return fmt.Errorf("%w: region %s may only contain cities", ErrInvalidGraph, s.Name)
	case c.parent != "":
		return fmt.Errorf("%w: %s already belongs to %s", ErrInvalidGraph, c.Name, c.parent)
	}
	c.parent = s.Name
	s.children = append(s.children, c)
	return nil
}

// System returns the society's system for sector, or nil.
func (s *Society) System(sector infra.Sector) *infra.System {
	return s.Systems[sector]
}

// EnsureSystem returns the system for sector, creating it if missing.
func (s *Society) EnsureSystem(sector infra.Sector, pricing infra.Pricing, trade infra.TradeTerms) *infra.System {
	if sys, ok := s.Systems[sector]; ok {
		return sys
	}
	sys := infra.NewSystem(sector, s.Name, pricing, trade)
	s.Systems[sector] = sys
	return sys
}

// PopulationAt projects the population from startYear to year with
// compound growth.
func (s *Society) PopulationAt(year, startYear int) float64 {
	if year <= startYear || s.GrowthRate == 0 {
		return s.Population
	}
	return s.Population * math.Pow(1+s.GrowthRate, float64(year-startYear))
}
