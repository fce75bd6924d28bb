package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInterval            = errors.New("invalid interval")
	ErrOutsideOpeningHours        = fmt.Errorf("%w: outside opening hours", ErrInvalidInterval)
	ErrSlotUnavailable            = errors.New("slot unavailable")
	ErrSlotTemporarilyUnavailable = errors.New("slot temporarily unavailable")
	ErrNotFound                   = errors.New("reservation not found")
	ErrForbidden                  = errors.New("forbidden")
	ErrInvalidState               = errors.New("invalid state transition")
	ErrHoldExpired                = fmt.Errorf("%w: hold deadline elapsed", ErrInvalidState)
	ErrHoldLost                   = fmt.Errorf("%w: slot taken by another reservation", ErrInvalidState)
	ErrSpaceNotFound              = errors.New("space not found")
	ErrTransient                  = errors.New("transient storage failure")

	// ErrConcurrentModification is returned by the store when a guarded
	// transition matched no row. The engine resolves it by re-reading.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// HoldConflictError reports a conflict with another party's active hold.
// RetryAt is the earliest deadline among the competing holds.
type HoldConflictError struct {
	RetryAt time.Time
}

func (e *HoldConflictError) Error() string {
	return fmt.Sprintf("%s until %s", ErrSlotTemporarilyUnavailable, e.RetryAt.Format(time.RFC3339))
}

func (e *HoldConflictError) Unwrap() error {
	return ErrSlotTemporarilyUnavailable
}

// RetryAfter extracts the competing hold deadline from err, if any.
func RetryAfter(err error) (time.Time, bool) {
	var hc *HoldConflictError
	if errors.As(err, &hc) {
		return hc.RetryAt, true
	}
	return time.Time{}, false
}
