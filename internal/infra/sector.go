// Package infra provides infrastructure elements, per-society sector systems
// and the economic ledger committed each simulated year.
package infra

import (
	"fmt"
	"strings"
)

// Sector is one commodity's infrastructure system.
type Sector uint8

const (
	SectorAgriculture Sector = iota // food
	SectorWater
	SectorPetroleum
	SectorElectricity
)

var sectorNames = [...]string{"agriculture", "water", "petroleum", "electricity"}

func (s Sector) String() string {
	if int(s) < len(sectorNames) {
		return sectorNames[s]
	}
	return "unknown"
}

// ParseSector maps a sector name to its Sector. "food" is accepted for agriculture.
func ParseSector(name string) (Sector, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "food" {
		return SectorAgriculture, nil
	}
	for i, s := range sectorNames {
		if s == n {
			return Sector(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sector %q", name)
}

// MarshalText implements encoding.TextMarshaler so sectors can key JSON maps.
func (s Sector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sector) UnmarshalText(b []byte) error {
	v, err := ParseSector(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AllSectors returns every sector in declaration order.
func AllSectors() []Sector {
	return []Sector{SectorAgriculture, SectorWater, SectorPetroleum, SectorElectricity}
}

// ResolutionOrder returns sectors with input suppliers ahead of their consumers.
// Petroleum fuels generation, electricity pumps water, water irrigates crops.
func ResolutionOrder() []Sector {
	return []Sector{SectorPetroleum, SectorElectricity, SectorWater, SectorAgriculture}
}
