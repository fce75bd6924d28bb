package events

import (
	"encoding/json"
	"time"

	"coworking/internal/models"

	"github.com/google/uuid"
)

type EventType string

const (
	EventHoldCreated   EventType = "hold_created"
	EventConfirmed     EventType = "confirmed"
	EventHoldCancelled EventType = "hold_cancelled"
	EventHoldLost      EventType = "hold_lost"
	EventSlotFreed     EventType = "slot_freed"
)

// ReservationPayload describes the reservation snapshot carried by an event.
type ReservationPayload struct {
	ReservationID string       `json:"reservation_id"`
	SpaceID       string       `json:"space_id"`
	RequesterID   string       `json:"requester_id"`
	State         models.State `json:"state"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	HoldDeadline  *time.Time   `json:"hold_deadline,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Block         bool         `json:"block,omitempty"`
}

// Event is a slot state change delivered to observers.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	ReservationID string          `json:"reservation_id"`
	SpaceID       string          `json:"space_id"`
	VenueID       string          `json:"venue_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	// Origin identifies the process that emitted the event. Used by relays
	// to avoid re-delivering their own events.
	Origin string `json:"origin,omitempty"`
}

// NewReservationEvent builds an event with a JSON snapshot of r.
func NewReservationEvent(eventType EventType, r *models.Reservation, venueID string, at time.Time) (Event, error) {
	payload := ReservationPayload{
		ReservationID: r.ID,
		SpaceID:       r.SpaceID,
		RequesterID:   r.RequesterID,
		State:         r.State,
		Start:         r.Interval.Start,
		End:           r.Interval.End,
		Reason:        r.Reason,
		Block:         r.IsBlock(),
	}
	if d, ok := r.Deadline(); ok {
		payload.HoldDeadline = &d
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		ReservationID: r.ID,
		SpaceID:       r.SpaceID,
		VenueID:       venueID,
		Timestamp:     at,
		Payload:       raw,
	}, nil
}

func (e Event) DecodePayload() (ReservationPayload, error) {
	var p ReservationPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
