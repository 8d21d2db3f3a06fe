package arbiter

import "github.com/prxssh/atc-arbiter/internal/aircraft"

// wouldCloseCycle implements the wait-for chain walk of spec §4.5: would
// granting target to requester (if it were free) complete a circular wait,
// and if so, which aircraft should retreat.
//
// The walk starts at the current occupant of target (the "blocker") and
// repeatedly follows "what sector is this aircraft waiting for, and who
// holds it" until it either runs off the chain (no cycle), revisits an
// already-seen aircraft other than requester (no cycle through requester),
// or reaches requester itself (cycle closed). This mirrors
// original_source/src/controlador.c's intended (but stubbed-out in the
// smallest surviving revision) verificar_deadlock — a cycle-walk over
// wait-for edges rather than a banker's-algorithm safety check, per
// DESIGN.md's Open Question decisions.
//
// Caller must hold arb.mu.
func (arb *Arbiter) wouldCloseCycle(requester *aircraft.Aircraft, target int) (victimID int, hasCycle bool) {
	blockerID := arb.occupants[target]
	if blockerID == aircraft.NoSector || blockerID == requester.ID {
		return 0, false
	}
	if requester.CurrentSector == aircraft.NoSector {
		return 0, false
	}

	chainMinID := blockerID
	chainMinPrio := arb.aircraftByID[blockerID].EffectivePriority()

	visited := map[int]bool{blockerID: true}
	current := blockerID

	for {
		curAircraft := arb.aircraftByID[current]
		waitingSector := curAircraft.WaitingForSector
		if waitingSector == aircraft.NoSector {
			return 0, false
		}

		nextID := arb.occupants[waitingSector]
		if nextID == aircraft.NoSector {
			return 0, false
		}
		if nextID == requester.ID {
			break
		}
		if visited[nextID] {
			return 0, false
		}
		visited[nextID] = true

		if next := arb.aircraftByID[nextID]; next.EffectivePriority() < chainMinPrio {
			chainMinPrio = next.EffectivePriority()
			chainMinID = nextID
		}
		current = nextID
	}

	// Ties go against the requester: it only survives as non-victim when
	// its priority is strictly above every chain member.
	if requester.EffectivePriority() <= chainMinPrio {
		return requester.ID, true
	}
	return chainMinID, true
}
