package models

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a reservation.
type State string

const (
	StateHeld               State = "held"
	StateConfirmed          State = "confirmed"
	StateExpired            State = "expired"
	StateCancelled          State = "cancelled"
	StateSupersededBySystem State = "superseded_by_system"
)

// ParseState converts a stored string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown reservation state %q", s)
	}
	return st, nil
}

func (s State) Valid() bool {
	switch s {
	case StateHeld, StateConfirmed, StateExpired, StateCancelled, StateSupersededBySystem:
		return true
	}
	return false
}

// Blocking reports whether the state permanently occupies its interval.
func (s State) Blocking() bool {
	return s == StateConfirmed || s == StateSupersededBySystem
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateHeld
}

func (s State) String() string { return string(s) }

// Причины последнего перехода
const (
	ReasonPaid            = "paid"
	ReasonUserCancelled   = "user_cancelled"
	ReasonPaymentFailed   = "payment_failed"
	ReasonHoldLost        = "hold_lost"
	ReasonDeadlineElapsed = "deadline_elapsed"
	ReasonManualBlock     = "manual_block"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && !i.End.IsZero() && i.Start.Before(i.End)
}

// Overlaps reports whether both intervals share at least one instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

type Reservation struct {
	ID             string     `json:"id"`
	SpaceID        string     `json:"space_id"`
	RequesterID    string     `json:"requester_id"`
	Interval       Interval   `json:"interval"`
	State          State      `json:"state"`
	HoldDeadline   *time.Time `json:"hold_deadline,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	TransitionedAt time.Time  `json:"transitioned_at"`
	Version        int64      `json:"version"`
}

// Deadline returns the hold deadline. ok is false unless the reservation is Held.
func (r *Reservation) Deadline() (time.Time, bool) {
	if r.State != StateHeld || r.HoldDeadline == nil {
		return time.Time{}, false
	}
	return *r.HoldDeadline, true
}

// IsBlock reports whether the reservation is an administrative blackout.
func (r *Reservation) IsBlock() bool {
	return r.State.Blocking() && r.Reason == ReasonManualBlock
}

// ExpiredAt reports whether a Held reservation has passed its deadline at now.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	d, ok := r.Deadline()
	return ok && !now.Before(d)
}

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	if r.HoldDeadline != nil {
		d := *r.HoldDeadline
		c.HoldDeadline = &d
	}
	return &c
}
