package config

import "time"

// Config holds the tunable constants that govern arbiter behavior:
// the anti-starvation boost policy, the self-retreat back-off, and the
// simulated flight-time range each aircraft sleeps for between sectors.
type Config struct {
	// SectorFloor is the minimum number of sectors a simulation will run
	// with; requested sector counts below this are clamped up.
	SectorFloor int

	// PriorityMin and PriorityMax bound the random original priority
	// assigned to each aircraft at creation.
	PriorityMin int
	PriorityMax int

	// MaxRetreats is the number of consecutive forced retreats an
	// aircraft tolerates before its effective priority is boosted.
	MaxRetreats int

	// Boost is the fixed additive increment applied to an aircraft's
	// effective priority once it qualifies under MaxRetreats or
	// LongWaitLimit. With the defaults it is smaller than
	// PriorityMax-PriorityMin, so a boosted aircraft does not always
	// outrank a non-boosted peer (1 + 700 = 701 is still below 999).
	Boost int

	// LongWait is the wait duration past which a grant counts as a
	// "long wait" for the purposes of the boost policy.
	LongWait time.Duration

	// LongWaitLimit is the number of accumulated long waits (since the
	// last successful grant) that triggers a boost.
	LongWaitLimit int

	// RetreatBackoff is the fixed delay a self-retreating aircraft sleeps
	// before retrying its request, with ARB_LOCK released.
	RetreatBackoff time.Duration

	// FlightTimeMin and FlightTimeMax bound the simulated time an
	// aircraft spends occupying a sector before moving on.
	FlightTimeMin time.Duration
	FlightTimeMax time.Duration

	// RadarInterval is how often the optional radar goroutine prints
	// sector occupancy, when enabled.
	RadarInterval time.Duration
}

// DefaultConfig returns the constants fixed by the specification.
func DefaultConfig() Config {
	return Config{
		SectorFloor:    2,
		PriorityMin:    1,
		PriorityMax:    1000,
		MaxRetreats:    2,
		Boost:          700,
		LongWait:       3 * time.Second,
		LongWaitLimit:  2,
		RetreatBackoff: 100 * time.Millisecond,
		FlightTimeMin:  1 * time.Second,
		FlightTimeMax:  1500 * time.Millisecond,
		RadarInterval:  3 * time.Second,
	}
}
