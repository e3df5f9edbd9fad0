package scoring

import (
	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/social"
)

// Config holds the reference trajectories of the aggregate scores.
type Config struct {
	Financial Reference `yaml:"financial" json:"financial"`
	Welfare   Reference `yaml:"welfare" json:"welfare"`
}

// Validate fails fast on degenerate references.
func (c Config) Validate() error {
	if err := c.Financial.Validate(); err != nil {
		return err
	}
	return c.Welfare.Validate()
}

// Scores is the evaluation of one society and its subtree for one year.
type Scores struct {
	Society string `json:"society"`
	Year    int    `json:"year"`

	// Security is the served share of demand per sector, 0–1.
	Security map[infra.Sector]float64 `json:"security"`
	// Reservoir and aquifer fill ratios; nil when the subtree has no storage.
	Reservoir *float64 `json:"reservoir_security,omitempty"`
	Aquifer   *float64 `json:"aquifer_security,omitempty"`

	CumulativeCashFlow float64 `json:"cumulative_cash_flow"`
	Financial          float64 `json:"financial"` // 0–1000
	Welfare            float64 `json:"welfare"`   // 0–1000
}

// SectorSecurity is consumption over demand; 1 when there is no demand.
func SectorSecurity(q infra.Quantities) float64 {
	if q.Demand <= 0 {
		return 1
	}
	return clamp01(q.Consumption / q.Demand)
}

// StorageSecurity is the combined fill ratio of stores, or nil if none.
func StorageSecurity(stores []*infra.Store) *float64 {
	var volume, max float64
	for _, s := range stores {
		if s == nil {
			continue
		}
		volume += s.Volume
		max += s.MaxVolume
	}
	if max <= 0 {
		return nil
	}
	v := clamp01(volume / max)
	return &v
}

// Evaluate scores the named society over its whole subtree at year.
func Evaluate(g *social.Graph, name string, year int, cfg Config) (Scores, error) {
	members, err := g.Subtree(name)
	if err != nil {
		return Scores{}, err
	}

	sc := Scores{Society: name, Year: year, Security: make(map[infra.Sector]float64)}
	for _, sector := range infra.AllSectors() {
		q, err := g.Totals(name, sector)
		if err != nil {
			return Scores{}, err
		}
		sc.Security[sector] = SectorSecurity(q)
	}

	var reservoirs, aquifers []*infra.Store
	var cash, sales float64
	for _, s := range members {
		for _, sector := range infra.AllSectors() {
			sys := s.System(sector)
			if sys == nil {
				continue
			}
			c := sys.Committed()
			cash += c.Cumulative.InexactFloat64()
			sales += c.CumulativeSales.InexactFloat64()
			if sector == infra.SectorWater {
				reservoirs = append(reservoirs, sys.Reservoir)
				aquifers = append(aquifers, sys.Aquifer)
			}
		}
	}
	sc.Reservoir = StorageSecurity(reservoirs)
	sc.Aquifer = StorageSecurity(aquifers)
	sc.CumulativeCashFlow = cash

	if sc.Financial, err = cfg.Financial.Aggregate(cash, year); err != nil {
		return Scores{}, err
	}
	if sc.Welfare, err = cfg.Welfare.Aggregate(sales, year); err != nil {
		return Scores{}, err
	}
	return sc, nil
}

// EvaluateAll scores every society in preorder.
func EvaluateAll(g *social.Graph, year int, cfg Config) ([]Scores, error) {
	var out []Scores
	for _, s := range g.Societies() {
		sc, err := Evaluate(g, s.Name, year, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}
