package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/infra-world/internal/infra"
)

// ErrNoNewYear is returned when the source has not committed past the last
// relayed year.
var ErrNoNewYear = errors.New("no new committed year")

// Relay copies one sector's committed state from a source instance into a
// target instance, where the sector becomes recorded.
type Relay struct {
	Source *Observer
	Target *Actor
	Sector infra.Sector

	// TickTarget advances the target after each substitution.
	TickTarget bool

	last int
}

// NewRelay creates a relay for sector.
func NewRelay(source *Observer, target *Actor, sector infra.Sector) *Relay {
	return &Relay{Source: source, Target: target, Sector: sector}
}

// LastYear is the most recent year relayed, 0 before the first.
func (r *Relay) LastYear() int { return r.last }

// Step relays the source's newest committed year. It returns ErrNoNewYear
// when the source has not moved since the previous step.
func (r *Relay) Step(ctx context.Context) (int, error) {
	view, err := r.Source.Sector(ctx, r.Sector)
	if err != nil {
		return 0, err
	}
	if len(view.States) == 0 || (r.last != 0 && view.Year <= r.last) {
		return 0, ErrNoNewYear
	}

	if err := r.Target.SubstituteRecorded(ctx, r.Sector, view.Recorded()); err != nil {
		return 0, fmt.Errorf("substitute %s %d: %w", r.Sector, view.Year, err)
	}
	r.last = view.Year
	slog.Info("sector relayed", "sector", r.Sector, "year", view.Year, "societies", len(view.States))

	if r.TickTarget {
		snap, err := r.Target.Tick(ctx)
		if err != nil {
			return view.Year, fmt.Errorf("tick target: %w", err)
		}
		slog.Info("target advanced", "year", snap.Year)
	}
	return view.Year, nil
}
