package infra

import (
	"fmt"
	"math"
)

// Store is a reservoir or aquifer volume replenished every year.
type Store struct {
	Volume       float64 `json:"volume" yaml:"volume"`
	MaxVolume    float64 `json:"max_volume" yaml:"max_volume"`
	AnnualInflow float64 `json:"annual_inflow" yaml:"annual_inflow"`
}

// Validate rejects negative or overfull stores.
func (s *Store) Validate() error {
	if s.MaxVolume <= 0 || s.Volume < 0 || s.AnnualInflow < 0 || s.Volume > s.MaxVolume {
		return fmt.Errorf("%w: store volume %v of %v (inflow %v)",
			ErrInvalidConfiguration, s.Volume, s.MaxVolume, s.AnnualInflow)
	}
	return nil
}

// Available is the most that can be withdrawn this year.
func (s Store) Available() float64 {
	return s.Volume + s.AnnualInflow
}

// Next returns the store after a year's inflow and withdrawal.
func (s Store) Next(withdrawal float64) Store {
	v := s.Volume + s.AnnualInflow - withdrawal
	s.Volume = math.Max(0, math.Min(v, s.MaxVolume))
	return s
}

// Security is the fill ratio in [0, 1].
func (s Store) Security() float64 {
	if s.MaxVolume <= 0 {
		return 0
	}
	return math.Max(0, math.Min(s.Volume/s.MaxVolume, 1))
}
