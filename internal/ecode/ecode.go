// Package ecode defines the engine's error taxonomy and the
// small multi-error collector used by the store mirror's per-row import
// failures.
package ecode

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Sentinel errors for the §7 taxonomy. Use errors.Is against these, or
// errors.Wrapf(ErrX, "...") to attach context.
var (
	// ErrRadioTransient covers EAGAIN/EINTR on serial read/write: recover silently.
	ErrRadioTransient = errors.New("transient radio i/o error")

	// ErrRadioConfused covers repeated send failure, stalled receive, or a
	// vendor response inconsistent with the driver's current state.
	ErrRadioConfused = errors.New("radio driver confused")

	// ErrFECUncorrectable means more than 7 RS symbol errors were detected; the packet is dropped whole.
	ErrFECUncorrectable = errors.New("fec: uncorrectable symbol error count")

	// ErrHTTPFailure covers any non-2xx Rhizome response or a request timeout.
	ErrHTTPFailure = errors.New("rhizome http request failed")

	// ErrMalformedField covers an unknown type byte, a truncated field, or an out-of-range length.
	ErrMalformedField = errors.New("malformed packet field")

	// ErrTreeCorrupt means an interior sync-tree node failed its XOR invariant on verification.
	ErrTreeCorrupt = errors.New("sync tree xor invariant violated")

	// ErrGenerationMismatch means a peer's generation id changed: the peer record must be reset.
	ErrGenerationMismatch = errors.New("peer generation id mismatch")

	// ErrBundleTooLarge means a pulled bundle exceeds the body/manifest size ceiling (§5).
	ErrBundleTooLarge = errors.New("bundle exceeds size ceiling")
)

// Wrap attaches a message to a sentinel error, preserving errors.Is/As.
func Wrap(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

const maxErrs = 4

// Errs accumulates up to maxErrs distinct errors (by message), used by
// the store mirror to report a batch of bad bundle-list rows at once
// without aborting the whole poll.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.errs {
		if existing.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *Errs) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return ""
	}
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	return fmt.Sprintf("%v (and %d more error(s))", e.errs[0], len(e.errs)-1)
}

func (e *Errs) JoinErr() error {
	if e.Cnt() == 0 {
		return nil
	}
	return errors.New(e.Error())
}
