package arbiter

import "errors"

// Sentinel errors for the invalid-sector and allocation-failure kinds of
// the error handling design. The third kind, an agent abort, has no
// sentinel here: aircraft.Run reports it as a wrapped error. Local
// recovery (retreat, back-off, retry) never surfaces as an error.
var (
	// ErrInvalidSector is returned by Request when sector is outside
	// [0, Sectors()). Release treats the same condition as a no-op that
	// only logs a warning, rather than an error.
	ErrInvalidSector = errors.New("arbiter: invalid sector")

	// ErrAllocationFailure is returned by New when the arbiter cannot be
	// constructed with the requested sector count.
	ErrAllocationFailure = errors.New("arbiter: allocation failure")

	// errSelfRetreatBackoff drives the internal back-off retry in
	// backoffRetry; it never escapes the arbiter package.
	errSelfRetreatBackoff = errors.New("arbiter: self-retreat back-off pending")
)
