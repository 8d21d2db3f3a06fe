// Package arbiter implements the priority-aware, deadlock-detecting
// resource scheduler that mediates exclusive sector occupancy among
// concurrent aircraft. It is the Go-native replacement for
// original_source/src/controlador.c: the same single exclusion lock, the
// same per-sector wait queues, the same wait-for chain walk for deadlock
// detection, and the same self-retreat/victim-retreat recovery paths, but
// expressed as one goroutine per aircraft instead of one pthread per
// aircraft, and a sync.Mutex instead of a pthread_mutex_t.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/atc-arbiter/internal/aircraft"
	"github.com/prxssh/atc-arbiter/internal/sectorqueue"
	"github.com/prxssh/atc-arbiter/pkg/config"
	"github.com/prxssh/atc-arbiter/pkg/retry"
)

// requestOutcome tells Request what attemptRequest wants it to do next.
type requestOutcome int

const (
	outcomeGranted requestOutcome = iota
	outcomeRetryImmediate
	outcomeSelfRetreat
)

// Arbiter owns all sector occupancy and wait-queue state. A single mutex
// stands in for the original's ARB_LOCK: every read or write of occupants,
// queues, or an aircraft's scheduling fields happens while it is held, and
// it is always released before an aircraft blocks on its own Wake channel
// or sleeps a back-off window.
type Arbiter struct {
	mu sync.Mutex

	sectors      int
	occupants    []int
	queues       []*sectorqueue.Queue[*aircraft.Aircraft]
	aircraftByID map[int]*aircraft.Aircraft

	cfg config.Config
	log *slog.Logger

	stats     Stats
	startedAt time.Time
}

// New builds an arbiter for the given sector count and registered fleet.
// Every aircraft the simulation will ever call Request/Release for must be
// present in fleet at construction time, since the deadlock detector
// resolves wait-for chains by aircraft id.
func New(sectors int, fleet []*aircraft.Aircraft, cfg config.Config, log *slog.Logger) (*Arbiter, error) {
	if sectors <= 0 {
		return nil, ErrAllocationFailure
	}

	occupants := make([]int, sectors)
	for i := range occupants {
		occupants[i] = aircraft.NoSector
	}

	queues := make([]*sectorqueue.Queue[*aircraft.Aircraft], sectors)
	for i := range queues {
		queues[i] = sectorqueue.New[*aircraft.Aircraft]()
	}

	byID := make(map[int]*aircraft.Aircraft, len(fleet))
	for _, a := range fleet {
		byID[a.ID] = a
	}

	return &Arbiter{
		sectors:      sectors,
		occupants:    occupants,
		queues:       queues,
		aircraftByID: byID,
		cfg:          cfg,
		log:          log,
		startedAt:    time.Now(),
	}, nil
}

// Sectors returns the number of sectors this arbiter manages.
func (arb *Arbiter) Sectors() int { return arb.sectors }

// Request asks the arbiter to grant ac exclusive occupancy of target,
// blocking until it is granted, ac is forced to abandon its own attempt in
// a way the caller should treat as failure (context cancellation only —
// the specification's local recovery paths never return a user-visible
// failure), or an invalid sector is named.
func (arb *Arbiter) Request(ctx context.Context, ac *aircraft.Aircraft, target int) (bool, error) {
	for {
		granted, outcome, err := arb.attemptRequest(ctx, ac, target)
		if err != nil {
			return false, err
		}

		switch outcome {
		case outcomeGranted:
			return granted, nil
		case outcomeRetryImmediate:
			continue
		case outcomeSelfRetreat:
			if werr := arb.backoffRetry(ctx); werr != nil {
				return false, werr
			}
			continue
		}
	}
}

// attemptRequest runs exactly one pass of the request algorithm (spec
// §4.2, steps 1-7). It never loops internally; Request drives the retry.
func (arb *Arbiter) attemptRequest(ctx context.Context, ac *aircraft.Aircraft, target int) (bool, requestOutcome, error) {
	if err := ctx.Err(); err != nil {
		return false, outcomeGranted, err
	}

	arb.mu.Lock()

	if target < 0 || target >= arb.sectors {
		arb.mu.Unlock()
		return false, outcomeGranted, ErrInvalidSector
	}

	if ac.CurrentSector == target {
		arb.mu.Unlock()
		return true, outcomeGranted, nil
	}

	occupantID := arb.occupants[target]
	occupied := occupantID != aircraft.NoSector && occupantID != ac.ID
	victimID, hasCycle := arb.wouldCloseCycle(ac, target)
	if hasCycle {
		arb.stats.Deadlocks++
	}

	if !occupied && !hasCycle {
		arb.occupants[target] = ac.ID
		ac.ResetAfterGrant()
		arb.log.Info("sector granted", "aircraft", ac.ID, "sector", target)
		arb.mu.Unlock()
		return true, outcomeGranted, nil
	}

	if hasCycle && victimID == ac.ID {
		arb.log.Warn("self-retreat to break deadlock",
			"aircraft", ac.ID, "sector", target, "held", ac.CurrentSector)
		if ac.CurrentSector != aircraft.NoSector {
			arb.releaseLocked(ac, ac.CurrentSector)
			ac.CurrentSector = aircraft.NoSector
		}
		arb.stats.ForcedRetreats++
		arb.mu.Unlock()
		return false, outcomeSelfRetreat, nil
	}

	// Occupied by another aircraft, with no cycle or a cycle resolved by
	// someone else: queue and wait.
	arb.queues[target].Insert(ac)
	ac.WaitingForSector = target

	if hasCycle {
		victim := arb.aircraftByID[victimID]
		arb.log.Warn("victimizing aircraft to break deadlock",
			"aircraft", victimID, "requester", ac.ID, "sector", target)
		victim.RetreatPending = true
		if victim.WaitingForSector != aircraft.NoSector {
			arb.queues[victim.WaitingForSector].Remove(victim.ID)
			victim.WaitingForSector = aircraft.NoSector
		}
		victim.Signal()
	}

	ac.MarkWaitStart(time.Now())
	arb.mu.Unlock()

	// Forced cancellation of a blocked waiter is out of scope (spec's core
	// never interrupts a wait in progress): ctx is only consulted between
	// attemptRequest passes, at the top of this function and in Request's
	// loop. Selecting on ctx.Done() here as well as ac.Wake would let a
	// cancellation win the race against a concurrent hand-off after
	// releaseLocked has already reassigned the sector and cleared
	// WaitingForSector, stranding the sector on an aircraft that never
	// learns it holds it.
	<-ac.Wake

	arb.mu.Lock()
	if ac.RetreatPending {
		ac.RetreatPending = false
		ac.RetreatCount++
		if ac.RetreatCount >= arb.cfg.MaxRetreats && !ac.Boosted() {
			ac.ApplyBoost(arb.cfg.Boost)
			arb.stats.Boosts++
			arb.log.Info("priority boosted", "aircraft", ac.ID, "effective", ac.EffectivePriority())
		}
		arb.mu.Unlock()
		return false, outcomeRetryImmediate, nil
	}

	// Woken by a hand-off: the releasing aircraft already set
	// occupants[target] to ac.ID and cleared ac.WaitingForSector.
	elapsed := ac.RecordWait(time.Now())
	if elapsed > arb.cfg.LongWait {
		ac.LongWaitCount++
		if ac.LongWaitCount >= arb.cfg.LongWaitLimit && !ac.Boosted() {
			ac.ApplyBoost(arb.cfg.Boost)
			arb.stats.Boosts++
			arb.log.Info("priority boosted after long wait", "aircraft", ac.ID, "effective", ac.EffectivePriority())
		}
	}
	arb.log.Info("sector granted after wait", "aircraft", ac.ID, "sector", target, "waited", elapsed)
	arb.mu.Unlock()

	return true, outcomeGranted, nil
}

// backoffRetry sleeps the fixed self-retreat back-off window (spec's
// ~100ms constant) with the arbiter lock already released, honoring
// context cancellation. Expressed as a two-attempt retry.Do call: the
// first attempt always asks for a retry, so pkg/retry's own delay/cancel
// handling between attempts becomes the back-off timer.
func (arb *Arbiter) backoffRetry(ctx context.Context) error {
	attempted := false
	op := func(context.Context) error {
		if !attempted {
			attempted = true
			return errSelfRetreatBackoff
		}
		return nil
	}

	return retry.Do(ctx, op, append(
		retry.WithLinearBackoff(2, arb.cfg.RetreatBackoff),
		retry.WithRetryIf(func(err error) bool { return errors.Is(err, errSelfRetreatBackoff) }),
	)...)
}

// Release hands sector back to the arbiter on ac's behalf. If another
// aircraft is queued for it, occupancy transfers directly to the
// highest-priority waiter and that waiter is woken; otherwise the sector
// is simply marked free. Releasing a sector ac does not currently hold is
// a no-op, logged as a warning (the specification leaves this case
// undefined in the source; treating it as harmless keeps a misbehaving
// caller from corrupting shared state).
func (arb *Arbiter) Release(ac *aircraft.Aircraft, sector int) {
	arb.mu.Lock()
	defer arb.mu.Unlock()
	arb.releaseLocked(ac, sector)
}

func (arb *Arbiter) releaseLocked(ac *aircraft.Aircraft, sector int) {
	if sector < 0 || sector >= arb.sectors {
		arb.log.Warn("release of invalid sector", "aircraft", ac.ID, "sector", sector)
		return
	}
	if arb.occupants[sector] != ac.ID {
		arb.log.Warn("release by non-owner", "aircraft", ac.ID, "sector", sector, "owner", arb.occupants[sector])
		return
	}

	arb.occupants[sector] = aircraft.NoSector

	if waiter, ok := arb.queues[sector].PopHighest(); ok {
		waiter.WaitingForSector = aircraft.NoSector
		arb.occupants[sector] = waiter.ID
		waiter.ResetAfterGrant()
		waiter.Signal()
		arb.log.Info("sector handed off", "sector", sector, "from", ac.ID, "to", waiter.ID)
	} else {
		arb.log.Info("sector freed", "sector", sector, "aircraft", ac.ID)
	}
}

// EmergencyRelease releases whatever sector ac currently holds, if any. It
// is the agent's abort path: used when a request fails with a non-nil
// error so the aircraft never leaves a sector permanently occupied.
func (arb *Arbiter) EmergencyRelease(ac *aircraft.Aircraft) {
	arb.mu.Lock()
	defer arb.mu.Unlock()
	if ac.CurrentSector == aircraft.NoSector {
		return
	}
	arb.releaseLocked(ac, ac.CurrentSector)
	ac.CurrentSector = aircraft.NoSector
}

// SectorSnapshot is a read-only view of one sector's occupancy and wait
// queue, as used by the radar loop (spec §6).
type SectorSnapshot struct {
	Sector     int
	OccupantID int
	Queue      []int
}

// Inspect returns a snapshot of every sector's occupant and wait queue.
// It takes the same lock Request and Release do, so it never observes a
// torn state, but it must not be called from inside a Request/Release
// call on the same goroutine.
func (arb *Arbiter) Inspect() []SectorSnapshot {
	arb.mu.Lock()
	defer arb.mu.Unlock()

	out := make([]SectorSnapshot, arb.sectors)
	for i := 0; i < arb.sectors; i++ {
		waiters := arb.queues[i].Snapshot()
		ids := make([]int, len(waiters))
		for j, w := range waiters {
			ids[j] = w.ID
		}
		out[i] = SectorSnapshot{Sector: i, OccupantID: arb.occupants[i], Queue: ids}
	}
	return out
}
