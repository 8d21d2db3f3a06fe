package aircraft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Arbiter is the subset of internal/arbiter.Arbiter an aircraft's run loop
// needs. Declaring it here, rather than importing the arbiter package,
// keeps aircraft free of a dependency the arbiter package already has on
// aircraft.
type Arbiter interface {
	Request(ctx context.Context, ac *Aircraft, target int) (bool, error)
	Release(ac *Aircraft, sector int)
	EmergencyRelease(ac *Aircraft)
}

// Run drives one aircraft through its route, grounded on
// original_source/src/aeronave.c's aeronave_executa: request the next
// sector, release the previous one once the next is held, sleep a
// simulated flight leg, and repeat. Consecutive duplicate sectors in the
// route are skipped rather than re-requested. A failed request aborts the
// remaining route and emergency-releases whatever is currently held.
func (a *Aircraft) Run(ctx context.Context, arb Arbiter, rng *rand.Rand, log *slog.Logger, flightMin, flightMax time.Duration) error {
	log.Info("aircraft airborne", "aircraft", a.ID, "route", a.Route, "priority", a.PriorityOriginal)

	for _, target := range a.Route {
		if target == a.CurrentSector {
			continue
		}

		// Request only ever returns ok=false alongside a non-nil err: every
		// outcomeGranted path that carries err=nil also carries ok=true.
		if _, err := arb.Request(ctx, a, target); err != nil {
			log.Error("aircraft aborted", "aircraft", a.ID, "sector", target, "error", err)
			arb.EmergencyRelease(a)
			return fmt.Errorf("aircraft %d: request sector %d: %w", a.ID, target, err)
		}

		previous := a.CurrentSector
		a.CurrentSector = target
		if previous != NoSector {
			arb.Release(a, previous)
		}

		if err := sleepFlightLeg(ctx, rng, flightMin, flightMax); err != nil {
			arb.EmergencyRelease(a)
			return err
		}
	}

	if a.CurrentSector != NoSector {
		arb.Release(a, a.CurrentSector)
		a.CurrentSector = NoSector
	}

	log.Info("aircraft landed", "aircraft", a.ID, "mean_wait", a.MeanWait())
	return nil
}

// sleepFlightLeg simulates time spent flying to the just-entered sector:
// a uniform duration between flightMin and flightMax, honoring
// cancellation.
func sleepFlightLeg(ctx context.Context, rng *rand.Rand, flightMin, flightMax time.Duration) error {
	span := flightMax - flightMin
	d := flightMin
	if span > 0 {
		d += time.Duration(rng.Int64N(int64(span) + 1))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
