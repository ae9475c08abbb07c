package common

import (
	"errors"

	"github.com/hermeznetwork/tracerr"
)

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// ErrUnknownEventType is used when an event type string is neither deposit
// nor withdrawal
var ErrUnknownEventType = errors.New("unknown event type")

// ErrRootConflict is used when the local tree root differs from the root
// stored in the registry
var ErrRootConflict = errors.New("local root differs from registry root")

// ErrFatalRootConflict is used when a root conflict persists after a full
// flush and resync
var ErrFatalRootConflict = errors.New("root conflict persists after resync")

// ErrMissingUpstreamEvent is used when the registry expects a leaf that no
// upstream instance has emitted
var ErrMissingUpstreamEvent = errors.New("registered leaf has no upstream event")

// ErrStateDivergence is used when the leaves committed in the registry
// contradict the leaves of the local state
var ErrStateDivergence = errors.New("local state diverged from the registry")

// ErrMalformedEvent is used when an upstream or registry event can't be
// turned into a leaf
var ErrMalformedEvent = errors.New("malformed event")

// ErrTreeDepthMismatch is used when the configured tree levels differ from
// the levels of the registry tree
var ErrTreeDepthMismatch = errors.New("tree levels mismatch with registry")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// Wrap an error with the stack trace of the caller.  Wrapping an already
// wrapped error keeps the original trace.
func Wrap(err error) error {
	return tracerr.Wrap(err)
}

// Unwrap returns the original error, removing the stack trace wrapper
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

// IsFatal returns true for errors that must end the run instead of being
// retried at the next scheduled cycle
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, fatal := range []error{ErrFatalRootConflict, ErrMissingUpstreamEvent,
		ErrMalformedEvent, ErrTreeDepthMismatch} {
		if errors.Is(Unwrap(err), fatal) || errors.Is(err, fatal) {
			return true
		}
	}
	return false
}
