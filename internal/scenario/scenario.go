// Package scenario loads a society graph and its infrastructure from YAML.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/lifecycle"
	"github.com/talgya/infra-world/internal/social"
)

// Scenario is a loaded, validated society graph.
type Scenario struct {
	Name      string
	StartYear int // 0 when the scenario does not pin one
	Graph     *social.Graph
}

type document struct {
	Name      string      `yaml:"name"`
	StartYear int         `yaml:"start_year"`
	Country   societySpec `yaml:"country"`
}

type societySpec struct {
	Name          string                         `yaml:"name"`
	Kind          string                         `yaml:"kind"`
	Population    float64                        `yaml:"population"`
	GrowthRate    float64                        `yaml:"growth_rate"`
	InvestmentCap float64                        `yaml:"investment_cap"`
	Demand        map[string]social.DemandBounds `yaml:"demand"`
	Systems       map[string]systemSpec          `yaml:"systems"`
	Children      []societySpec                  `yaml:"children"`
}

type systemSpec struct {
	Pricing   infra.Pricing    `yaml:"pricing"`
	Trade     infra.TradeTerms `yaml:"trade"`
	Reservoir *infra.Store     `yaml:"reservoir"`
	Aquifer   *infra.Store     `yaml:"aquifer"`
	Elements  []elementSpec    `yaml:"elements"`
}

type elementSpec struct {
	ID                string             `yaml:"id"`
	Destination       string             `yaml:"destination"` // empty for local production
	MaxProduction     float64            `yaml:"max_production"`
	MaxThroughput     float64            `yaml:"max_throughput"`
	Efficiency        float64            `yaml:"distribution_efficiency"`
	ProductionCost    float64            `yaml:"production_cost"`
	DistributionCost  float64            `yaml:"distribution_cost"`
	Inputs            map[string]float64 `yaml:"inputs"`
	Source            string             `yaml:"source"`
	InitialProduction float64            `yaml:"initial_production"`
	Lifecycle         lifecycleSpec      `yaml:"lifecycle"`
}

// lifecycleSpec decodes either lifecycle variant, selected by "variant".
type lifecycleSpec struct {
	model lifecycle.Model
}

func (l *lifecycleSpec) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Variant string `yaml:"variant"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	switch head.Variant {
	case "", "default":
		d := &lifecycle.Default{}
		if err := value.Decode(d); err != nil {
			return err
		}
		l.model = d
	case "simple":
		s := &lifecycle.Simple{}
		if err := value.Decode(s); err != nil {
			return err
		}
		l.model = s
	default:
		return fmt.Errorf("line %d: unknown lifecycle variant %q", value.Line, head.Variant)
	}
	return nil
}

// Load reads and builds the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse builds a scenario from YAML.
func Parse(data []byte) (*Scenario, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if doc.Country.Kind == "" {
		doc.Country.Kind = "country"
	}
	root, err := buildSociety(doc.Country)
	if err != nil {
		return nil, err
	}
	g, err := social.NewGraph(root)
	if err != nil {
		return nil, err
	}
	return &Scenario{Name: doc.Name, StartYear: doc.StartYear, Graph: g}, nil
}

func buildSociety(spec societySpec) (*social.Society, error) {
	kind, err := social.ParseKind(spec.Kind)
	if err != nil {
		return nil, fmt.Errorf("society %s: %w", spec.Name, err)
	}
	s := social.NewSociety(spec.Name, kind)
	s.Population = spec.Population
	s.GrowthRate = spec.GrowthRate
	s.InvestmentCap = spec.InvestmentCap

	for name, b := range spec.Demand {
		sector, err := infra.ParseSector(name)
		if err != nil {
			return nil, fmt.Errorf("society %s demand: %w", spec.Name, err)
		}
		s.Demand[sector] = b
	}

	// Map iteration is unordered; attach systems in sector order.
	systems := make(map[infra.Sector]systemSpec, len(spec.Systems))
	for name, sys := range spec.Systems {
		sector, err := infra.ParseSector(name)
		if err != nil {
			return nil, fmt.Errorf("society %s systems: %w", spec.Name, err)
		}
		systems[sector] = sys
	}
	for _, sector := range infra.AllSectors() {
		sys, ok := systems[sector]
		if !ok {
			continue
		}
		if err := buildSystem(s, sector, sys); err != nil {
			return nil, err
		}
	}

	for _, c := range spec.Children {
		if c.Kind == "" {
			c.Kind = "city"
		}
		child, err := buildSociety(c)
		if err != nil {
			return nil, err
		}
		if err := s.AddChild(child); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func buildSystem(s *social.Society, sector infra.Sector, spec systemSpec) error {
	if err := spec.Trade.Validate(); err != nil {
		return fmt.Errorf("%s/%s: %w", s.Name, sector, err)
	}
	sys := s.EnsureSystem(sector, spec.Pricing, spec.Trade)
	for _, st := range []*infra.Store{spec.Reservoir, spec.Aquifer} {
		if st == nil {
			continue
		}
		if sector != infra.SectorWater {
			return fmt.Errorf("%w: %s/%s declares water storage", infra.ErrInvalidConfiguration, s.Name, sector)
		}
		if err := st.Validate(); err != nil {
			return fmt.Errorf("%s/%s: %w", s.Name, sector, err)
		}
	}
	sys.Reservoir = spec.Reservoir
	sys.Aquifer = spec.Aquifer

	for _, es := range spec.Elements {
		e, err := buildElement(s.Name, sector, es)
		if err != nil {
			return err
		}
		if err := sys.AddElement(e); err != nil {
			return fmt.Errorf("%s/%s: %w", s.Name, sector, err)
		}
	}
	return nil
}

func buildElement(origin string, sector infra.Sector, spec elementSpec) (*infra.Element, error) {
	dest := spec.Destination
	if dest == "" {
		dest = origin
	}
	source, err := infra.ParseSource(spec.Source)
	if err != nil {
		return nil, fmt.Errorf("element %s: %w", spec.ID, err)
	}
	inputs := make(map[infra.Sector]float64, len(spec.Inputs))
	for name, k := range spec.Inputs {
		in, err := infra.ParseSector(name)
		if err != nil {
			return nil, fmt.Errorf("element %s inputs: %w", spec.ID, err)
		}
		inputs[in] = k
	}
	model := spec.Lifecycle.model
	if model == nil {
		model = lifecycle.Always()
	}
	return &infra.Element{
		ID:                spec.ID,
		Sector:            sector,
		Origin:            origin,
		Destination:       dest,
		MaxProduction:     spec.MaxProduction,
		MaxThroughput:     spec.MaxThroughput,
		Efficiency:        spec.Efficiency,
		ProductionCost:    spec.ProductionCost,
		DistributionCost:  spec.DistributionCost,
		Inputs:            inputs,
		Source:            source,
		InitialProduction: spec.InitialProduction,
		Lifecycle:         model,
	}, nil
}
