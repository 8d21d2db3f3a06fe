// Package aircraft models a single aircraft traversing a precomputed
// route of sectors, and the worker that drives it through the arbiter.
//
// Grounded on original_source/include/aeronave.h and
// original_source/src/aeronave.c: the field set (route, current sector,
// original/effective priority, retreat and long-wait counters, the
// retreat-pending flag, and the recorded wait times) is carried over
// unchanged in meaning.
package aircraft

import (
	"math/rand/v2"
	"time"
)

// NoSector is the sentinel value for "not currently holding any sector".
const NoSector = -1

// Aircraft is one simulated flight. Every field listed in the
// specification's data model is guarded by the arbiter's lock except Wake,
// which only the aircraft itself (as waiter) and the arbiter (as
// signaller) ever touch, and CurrentSector, which Run writes without the
// lock; the arbiter only changes CurrentSector inside a Request or
// EmergencyRelease call made by this aircraft's own Run.
type Aircraft struct {
	ID   int
	Route []int

	CurrentSector int

	PriorityOriginal  int
	PriorityEffective int
	boosted           bool

	RetreatCount   int
	LongWaitCount  int
	RetreatPending bool

	// WaitingForSector is the sector id this aircraft is currently queued
	// for, or NoSector. It lets the deadlock detector do an O(1) lookup
	// instead of the linear queue scan original_source/src/controlador.c
	// would otherwise need (see SPEC_FULL.md Design Notes).
	WaitingForSector int

	WaitTimes []time.Duration

	waitStart time.Time

	// Wake is a count-1 latch: at most one signal is outstanding, a wait
	// blocks until one is present, and a successful wait consumes it.
	Wake chan struct{}
}

// New creates an aircraft with a random route of length
// [2, sectorCount] (inclusive) over [0, sectorCount) and a random original
// priority in [priorityMin, priorityMax].
func New(id, sectorCount, priorityMin, priorityMax int, rng *rand.Rand) *Aircraft {
	if sectorCount < 2 {
		sectorCount = 2
	}

	routeLen := 2 + rng.IntN(sectorCount-1)
	route := make([]int, routeLen)
	for i := range route {
		route[i] = rng.IntN(sectorCount)
	}

	priority := priorityMin + rng.IntN(priorityMax-priorityMin+1)

	return &Aircraft{
		ID:                id,
		Route:             route,
		CurrentSector:     NoSector,
		PriorityOriginal:  priority,
		PriorityEffective: priority,
		WaitingForSector:  NoSector,
		WaitTimes:         make([]time.Duration, 0, routeLen),
		Wake:              make(chan struct{}, 1),
	}
}

// WaiterID implements sectorqueue.Waiter.
func (a *Aircraft) WaiterID() int { return a.ID }

// EffectivePriority implements sectorqueue.Waiter.
func (a *Aircraft) EffectivePriority() int { return a.PriorityEffective }

// Boosted reports whether this aircraft's effective priority currently
// carries the starvation boost.
func (a *Aircraft) Boosted() bool { return a.boosted }

// ApplyBoost raises effective priority by delta exactly once per
// starvation episode; a second call before the next successful grant is a
// no-op, matching the source's "only reset on successful grant" rule
// (spec §9 Open Questions).
func (a *Aircraft) ApplyBoost(delta int) {
	if a.boosted {
		return
	}
	a.PriorityEffective = a.PriorityOriginal + delta
	a.boosted = true
}

// ResetAfterGrant clears the retreat/long-wait counters and the boost,
// restoring effective priority to original. Called after every
// successful (non-retreat) grant.
func (a *Aircraft) ResetAfterGrant() {
	a.RetreatCount = 0
	a.LongWaitCount = 0
	a.boosted = false
	a.PriorityEffective = a.PriorityOriginal
}

// MarkWaitStart records the moment a request began waiting.
func (a *Aircraft) MarkWaitStart(now time.Time) {
	a.waitStart = now
}

// RecordWait appends the elapsed wait time since MarkWaitStart and
// returns it. Waits are capped to len(Route) entries, mirroring
// aeronave_registro_tempo_espera's bounded tempo_espera array.
func (a *Aircraft) RecordWait(now time.Time) time.Duration {
	elapsed := now.Sub(a.waitStart)
	if len(a.WaitTimes) < cap(a.WaitTimes) {
		a.WaitTimes = append(a.WaitTimes, elapsed)
	}
	return elapsed
}

// MeanWait returns the mean of recorded waits strictly greater than 1ms,
// matching the specification's "zero-like waits excluded" rule.
func (a *Aircraft) MeanWait() time.Duration {
	var sum time.Duration
	var count int
	for _, w := range a.WaitTimes {
		if w > time.Millisecond {
			sum += w
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / time.Duration(count)
}

// Signal wakes the aircraft if it is (or will be) waiting. The send is
// non-blocking because Wake is a count-1 latch: a pending, unconsumed
// signal means the aircraft hasn't looked yet, so there is nothing more
// to deliver.
func (a *Aircraft) Signal() {
	select {
	case a.Wake <- struct{}{}:
	default:
	}
}
