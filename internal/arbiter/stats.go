package arbiter

import "time"

// Stats accumulates the run-wide counters the specification's §6 report
// requires. Every field is mutated only while arb.mu is held.
type Stats struct {
	Deadlocks      int
	ForcedRetreats int
	Boosts         int
}

// StatsSnapshot returns a copy of the arbiter's accumulated counters.
func (arb *Arbiter) StatsSnapshot() Stats {
	arb.mu.Lock()
	defer arb.mu.Unlock()
	return arb.stats
}

// Report is the final simulation summary: accumulated counters plus
// derived timing figures that only make sense once the run is over.
type Report struct {
	Elapsed        time.Duration
	Deadlocks      int
	ForcedRetreats int
	Boosts         int
	ContentionRate float64
}

// BuildReport assembles the final report. contentionRate is deadlocks
// detected per second of wall-clock run time.
func (arb *Arbiter) BuildReport() Report {
	arb.mu.Lock()
	stats := arb.stats
	elapsed := time.Since(arb.startedAt)
	arb.mu.Unlock()

	var rate float64
	if elapsed > 0 {
		rate = float64(stats.Deadlocks) / elapsed.Seconds()
	}

	return Report{
		Elapsed:        elapsed,
		Deadlocks:      stats.Deadlocks,
		ForcedRetreats: stats.ForcedRetreats,
		Boosts:         stats.Boosts,
		ContentionRate: rate,
	}
}
