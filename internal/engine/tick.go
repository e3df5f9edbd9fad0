// Package engine provides the year-by-year simulation driver and the loop
// that runs it in the background.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Runner drives a Simulation forward on a background goroutine, one year per
// interval. It is the only caller of Tick while it runs.
type Runner struct {
	Sim      *Simulation
	Speed    float64       // Multiplier: 1.0 = one year per Interval, 0 = paused
	Interval time.Duration // Base time per simulated year

	// Callbacks, populated during setup.
	OnYear   func(Snapshot)            // After every committed year
	OnDecade func(Snapshot)            // After every committed year divisible by 10
	OnError  func(year int, err error) // After a failed tick

	running atomic.Bool
	stop    chan struct{}
}

// NewRunner creates a runner with default pacing.
func NewRunner(sim *Simulation) *Runner {
	return &Runner{
		Sim:      sim,
		Speed:    1.0,
		Interval: time.Second,
		stop:     make(chan struct{}),
	}
}

// Running reports whether Run is active.
func (r *Runner) Running() bool { return r.running.Load() }

// Run ticks until the simulation completes, ctx ends or Stop is called.
// Zero Interval runs as fast as the optimizer allows.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runner already running")
	}
	defer r.running.Store(false)

	slog.Info("simulation runner started", "year", r.Sim.Clock().Next(), "speed", r.Speed)
	defer func() {
		slog.Info("simulation runner stopped", "year", r.Sim.Clock().Current)
	}()

	for !r.Sim.IsCompleted() {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.Speed <= 0 {
			// Paused; check again shortly.
			if !r.wait(ctx, 100*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		start := time.Now()
		snap, err := r.Sim.Tick(ctx)
		switch {
		case err == nil:
			r.step(snap)
		case errors.Is(err, ErrCompleted):
			return nil
		default:
			if r.OnError != nil {
				r.OnError(r.Sim.Clock().Next(), err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("tick failed", "year", r.Sim.Clock().Next(), "error", err)
		}

		// Sleep for the remainder of the interval, adjusted for speed.
		elapsed := time.Since(start)
		target := time.Duration(float64(r.Interval) / r.Speed)
		if elapsed < target && !r.wait(ctx, target-elapsed) {
			return ctx.Err()
		}
	}
	return nil
}

// Stop halts the loop after the current tick.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *Runner) step(snap Snapshot) {
	if r.OnYear != nil {
		r.OnYear(snap)
	}
	if snap.Year%10 == 0 && r.OnDecade != nil {
		r.OnDecade(snap)
	}
}

// wait sleeps for d and reports whether the loop should continue.
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
