package arbiter

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/atc-arbiter/internal/aircraft"
	"github.com/prxssh/atc-arbiter/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		MaxRetreats:    2,
		Boost:          700,
		LongWait:       50 * time.Millisecond,
		LongWaitLimit:  2,
		RetreatBackoff: 2 * time.Millisecond,
	}
}

func newAC(id int, route []int, priority int) *aircraft.Aircraft {
	return &aircraft.Aircraft{
		ID:                id,
		Route:             route,
		CurrentSector:     aircraft.NoSector,
		PriorityOriginal:  priority,
		PriorityEffective: priority,
		WaitingForSector:  aircraft.NoSector,
		WaitTimes:         make([]time.Duration, 0, len(route)),
		Wake:              make(chan struct{}, 1),
	}
}

func mustRequest(t *testing.T, arb *Arbiter, ctx context.Context, ac *aircraft.Aircraft, target int) {
	t.Helper()
	ok, err := arb.Request(ctx, ac, target)
	if err != nil {
		t.Fatalf("request(%d, %d): %v", ac.ID, target, err)
	}
	if !ok {
		t.Fatalf("request(%d, %d): refused", ac.ID, target)
	}
}

// waitUntilQueued polls the arbiter's inspection view until id appears in
// sector's wait queue, or fails the test after a generous deadline.
func waitUntilQueued(t *testing.T, arb *Arbiter, sector, id int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, snap := range arb.Inspect() {
			if snap.Sector != sector {
				continue
			}
			for _, qid := range snap.Queue {
				if qid == id {
					return
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("aircraft %d never appeared in sector %d's queue", id, sector)
}

// forceVictimize reaches into the arbiter to reproduce exactly the
// mutation the detector's "different victim" branch performs (see
// deadlock.go's wouldCloseCycle + arbiter.go's attemptRequest), letting tests drive a
// specific victimization deterministically instead of racing a real peer
// for it.
func forceVictimize(ac *aircraft.Aircraft, arb *Arbiter) {
	arb.mu.Lock()
	ac.RetreatPending = true
	if ac.WaitingForSector != aircraft.NoSector {
		arb.queues[ac.WaitingForSector].Remove(ac.ID)
		ac.WaitingForSector = aircraft.NoSector
	}
	arb.mu.Unlock()
	ac.Signal()
}

func isBoosted(arb *Arbiter, ac *aircraft.Aircraft) bool {
	arb.mu.Lock()
	defer arb.mu.Unlock()
	return ac.Boosted()
}

// TestScenarioA_NoContention mirrors spec Scenario A.
func TestScenarioA_NoContention(t *testing.T) {
	ac := aircraft.New(0, 3, 500, 500, rand.New(rand.NewPCG(1, 1)))
	ac.Route = []int{0, 1, 2}

	arb, err := New(3, []*aircraft.Aircraft{ac}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rng := rand.New(rand.NewPCG(2, 2))
	if err := ac.Run(ctx, arb, rng, discardLogger(), time.Millisecond, 2*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := arb.StatsSnapshot()
	if stats.Deadlocks != 0 || stats.ForcedRetreats != 0 || stats.Boosts != 0 {
		t.Fatalf("stats = %+v, want all zero", stats)
	}
	if ac.CurrentSector != aircraft.NoSector {
		t.Fatalf("aircraft still holds sector %d after landing", ac.CurrentSector)
	}
	for _, snap := range arb.Inspect() {
		if snap.OccupantID != aircraft.NoSector || len(snap.Queue) != 0 {
			t.Fatalf("sector %+v not fully released", snap)
		}
	}
}

// TestScenarioB_HeadOnDeadlock mirrors spec Scenario B: aircraft 0 (lower
// priority) must be the one forced to retreat, aircraft 1 ends up with
// sector 0, and both routes complete.
func TestScenarioB_HeadOnDeadlock(t *testing.T) {
	ac0 := newAC(0, []int{0, 1}, 100)
	ac1 := newAC(1, []int{1, 0}, 900)

	arb, err := New(2, []*aircraft.Aircraft{ac0, ac1}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mustRequest(t, arb, ctx, ac0, 0)
	ac0.CurrentSector = 0
	mustRequest(t, arb, ctx, ac1, 1)
	ac1.CurrentSector = 1

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ok, err := arb.Request(ctx, ac0, 1)
		if err != nil || !ok {
			t.Errorf("aircraft 0 request sector 1: ok=%v err=%v", ok, err)
			return
		}
		prev := ac0.CurrentSector
		ac0.CurrentSector = 1
		arb.Release(ac0, prev)
		arb.Release(ac0, 1)
	}()

	go func() {
		defer wg.Done()
		ok, err := arb.Request(ctx, ac1, 0)
		if err != nil || !ok {
			t.Errorf("aircraft 1 request sector 0: ok=%v err=%v", ok, err)
			return
		}
		prev := ac1.CurrentSector
		ac1.CurrentSector = 0
		arb.Release(ac1, prev)
		arb.Release(ac1, 0)
	}()

	wg.Wait()

	stats := arb.StatsSnapshot()
	if stats.Deadlocks == 0 {
		t.Fatalf("expected at least one detected cycle")
	}
	if stats.ForcedRetreats < 1 {
		t.Fatalf("forced_retreats = %d, want >= 1", stats.ForcedRetreats)
	}
	for _, snap := range arb.Inspect() {
		if snap.OccupantID != aircraft.NoSector || len(snap.Queue) != 0 {
			t.Fatalf("sector %+v not fully released after both routes complete", snap)
		}
	}
}

// TestScenarioF_SelfRequestNoOp mirrors spec Scenario F.
func TestScenarioF_SelfRequestNoOp(t *testing.T) {
	ac := newAC(7, []int{2}, 500)
	arb, err := New(3, []*aircraft.Aircraft{ac}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	mustRequest(t, arb, ctx, ac, 2)
	ac.CurrentSector = 2

	before := arb.Inspect()
	ok, err := arb.Request(ctx, ac, 2)
	if err != nil || !ok {
		t.Fatalf("self-request: ok=%v err=%v", ok, err)
	}
	after := arb.Inspect()

	if len(before) != len(after) {
		t.Fatalf("sector count changed: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].OccupantID != after[i].OccupantID || len(before[i].Queue) != len(after[i].Queue) {
			t.Fatalf("sector %d changed: before=%+v after=%+v", i, before[i], after[i])
		}
	}
}

// TestProperty7_ReleaseIdempotence: releasing an already-free sector a
// second time is a harmless no-op.
func TestProperty7_ReleaseIdempotence(t *testing.T) {
	ac := newAC(1, []int{0}, 500)
	arb, err := New(2, []*aircraft.Aircraft{ac}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	mustRequest(t, arb, ctx, ac, 0)
	ac.CurrentSector = 0

	arb.Release(ac, 0)
	if got := arb.Inspect()[0].OccupantID; got != aircraft.NoSector {
		t.Fatalf("sector 0 occupant = %d, want free", got)
	}

	arb.Release(ac, 0) // repeat: non-owner now, must be a no-op (only a warning is logged)
	if got := arb.Inspect()[0].OccupantID; got != aircraft.NoSector {
		t.Fatalf("sector 0 occupant after repeat release = %d, want free", got)
	}
}

// TestProperty9_EqualPriorityTerminates: with equal priorities, ties favor
// the requester as victim, guaranteeing forward progress instead of a
// livelock between two equally-ranked aircraft.
func TestProperty9_EqualPriorityTerminates(t *testing.T) {
	ac0 := newAC(0, []int{0, 1}, 500)
	ac1 := newAC(1, []int{1, 0}, 500)

	arb, err := New(2, []*aircraft.Aircraft{ac0, ac1}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mustRequest(t, arb, ctx, ac0, 0)
	ac0.CurrentSector = 0
	mustRequest(t, arb, ctx, ac1, 1)
	ac1.CurrentSector = 1

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok, err := arb.Request(gctx, ac0, 1)
		if err != nil {
			return err
		}
		prev := ac0.CurrentSector
		ac0.CurrentSector = 1
		arb.Release(ac0, prev)
		arb.Release(ac0, 1)
		if !ok {
			t.Errorf("aircraft 0 refused")
		}
		return nil
	})
	g.Go(func() error {
		ok, err := arb.Request(gctx, ac1, 0)
		if err != nil {
			return err
		}
		prev := ac1.CurrentSector
		ac1.CurrentSector = 0
		arb.Release(ac1, prev)
		arb.Release(ac1, 0)
		if !ok {
			t.Errorf("aircraft 1 refused")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("routes did not terminate cleanly: %v", err)
	}

	stats := arb.StatsSnapshot()
	if stats.ForcedRetreats < 1 {
		t.Fatalf("forced_retreats = %d, want at least one retreat to break the tie", stats.ForcedRetreats)
	}
}

// TestRelease_HandsOffToHighestPriorityWaiter covers property 11: among
// several queued waiters, the highest effective priority is always served
// next, regardless of arrival order.
func TestRelease_HandsOffToHighestPriorityWaiter(t *testing.T) {
	holder := newAC(0, []int{0}, 500)
	low := newAC(1, []int{0}, 1)
	high := newAC(2, []int{0}, 1000)

	arb, err := New(1, []*aircraft.Aircraft{holder, low, high}, testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mustRequest(t, arb, ctx, holder, 0)
	holder.CurrentSector = 0

	type reqResult struct {
		ok  bool
		err error
	}

	lowDone := make(chan reqResult, 1)
	go func() {
		ok, err := arb.Request(ctx, low, 0)
		lowDone <- reqResult{ok, err}
	}()
	waitUntilQueued(t, arb, 0, low.ID)

	highDone := make(chan reqResult, 1)
	go func() {
		ok, err := arb.Request(ctx, high, 0)
		highDone <- reqResult{ok, err}
	}()
	waitUntilQueued(t, arb, 0, high.ID)

	arb.Release(holder, 0)

	select {
	case res := <-highDone:
		if res.err != nil || !res.ok {
			t.Fatalf("high-priority request: ok=%v err=%v", res.ok, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("higher-priority waiter was not served first")
	}
	if got := arb.Inspect()[0].OccupantID; got != high.ID {
		t.Fatalf("sector 0 occupant = %d, want %d", got, high.ID)
	}

	arb.Release(high, 0)
	res := <-lowDone
	if res.err != nil || !res.ok {
		t.Fatalf("low-priority request: ok=%v err=%v", res.ok, res.err)
	}
}

// TestProperty12_BoostAfterTwoRetreats mirrors Scenario C's core claim:
// after MAX_RETREATS forced retreats, effective priority becomes
// original + BOOST. The two victimizations are injected directly (the
// "scheduling pattern" Scenario C calls for) rather than raced through a
// real peer, so the assertion window is deterministic; see DESIGN.md for
// why the scenario's "wins against a non-boosted peer" clause is not
// separately asserted (BOOST=700 cannot lift priority 1 above peers at
// 998/999).
func TestProperty12_BoostAfterTwoRetreats(t *testing.T) {
	ac0 := newAC(0, []int{0, 1}, 1)
	ac1 := newAC(1, []int{1, 0}, 999)
	ac2 := newAC(2, []int{1, 0}, 998)

	cfg := testConfig()
	arb, err := New(2, []*aircraft.Aircraft{ac0, ac1, ac2}, cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rng := rand.New(rand.NewPCG(3, 3))
	flightMin, flightMax := time.Millisecond, 2*time.Millisecond

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ac0.Run(gctx, arb, rng, discardLogger(), flightMin, flightMax) })
	g.Go(func() error { return ac1.Run(gctx, arb, rng, discardLogger(), flightMin, flightMax) })
	g.Go(func() error { return ac2.Run(gctx, arb, rng, discardLogger(), flightMin, flightMax) })

	waitUntilQueued(t, arb, 1, ac0.ID)
	forceVictimize(ac0, arb)
	waitUntilQueued(t, arb, 1, ac0.ID)
	forceVictimize(ac0, arb)

	deadline := time.Now().Add(2 * time.Second)
	for !isBoosted(arb, ac0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !isBoosted(arb, ac0) {
		t.Fatalf("aircraft 0 never received the starvation boost")
	}

	arb.mu.Lock()
	effective := ac0.PriorityEffective
	arb.mu.Unlock()
	if want := ac0.PriorityOriginal + cfg.Boost; effective != want {
		t.Fatalf("effective priority = %d, want %d", effective, want)
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("routes did not all complete: %v", err)
	}
}
