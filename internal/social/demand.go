package social

import (
	"hash/fnv"
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/infra-world/internal/infra"
)

// DemandModel turns per-capita bounds into a city's raw demand each year.
// The level between min and max drifts smoothly with seeded noise so a run
// with the same seed always sees the same demand.
type DemandModel struct {
	BaseLevel   float64 // 0 = min bound, 1 = max bound
	Variability float64 // amplitude of the noise around BaseLevel
	StartYear   int

	noise opensimplex.Noise
}

// NewDemandModel creates a demand model seeded for reproducibility.
func NewDemandModel(seed int64, baseLevel, variability float64, startYear int) *DemandModel {
	return &DemandModel{
		BaseLevel:   baseLevel,
		Variability: variability,
		StartYear:   startYear,
		noise:       opensimplex.New(seed),
	}
}

// Level is the position between the demand bounds in [0, 1].
func (m *DemandModel) Level(year int, city string, sector infra.Sector) float64 {
	level := m.BaseLevel
	if m.Variability != 0 {
		x := float64(year-m.StartYear) * 0.15
		y := offset(city, sector)
		level += m.Variability * octaveNoise(m.noise, x, y, 3, 1.0, 0.5)
	}
	return math.Max(0, math.Min(level, 1))
}

// Demand returns the city's raw demand for sector in year. Regions and the
// country have no demand of their own.
func (m *DemandModel) Demand(s *Society, sector infra.Sector, year int) float64 {
	if s.Kind != KindCity {
		return 0
	}
	b, ok := s.Demand[sector]
	if !ok {
		return 0
	}
	perCapita := b.Min + (b.Max-b.Min)*m.Level(year, s.Name, sector)
	return s.PopulationAt(year, m.StartYear) * perCapita
}

// offset spreads cities and sectors across the noise field.
func offset(city string, sector infra.Sector) float64 {
	h := fnv.New32a()
	h.Write([]byte(city))
	h.Write([]byte{byte(sector)})
	return float64(h.Sum32()%10000) * 0.37
}

func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
