package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coworking/internal/events"
)

// sseEvent is the wire shape of one streamed event.
type sseEvent struct {
	Type          events.EventType `json:"type"`
	ReservationID string           `json:"reservation_id"`
	Timestamp     time.Time        `json:"timestamp"`
	Payload       json.RawMessage  `json:"payload"`
}

func (s *HTTPServer) handleSpaceEvents(w http.ResponseWriter, r *http.Request) {
	spaceID := r.PathValue("id")
	if s.deps.Spaces != nil {
		if _, ok := s.deps.Spaces.GetSpace(spaceID); !ok {
			writeError(w, http.StatusNotFound, codeSpaceNotFound, "space not found")
			return
		}
	}

	sub, err := s.deps.Events.Subscribe(spaceID)
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	s.stream(w, r, sub)
}

func (s *HTTPServer) handleVenueEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Events.SubscribeVenue(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	s.stream(w, r, sub)
}

// stream writes events until the client goes away or the broadcaster closes.
// A subscriber that fell behind gets a resync event and should re-read the
// reservation list.
func (s *HTTPServer) stream(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	// стрим живёт дольше WriteTimeout сервера
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("streaming not supported by response writer")
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if sub.TakeLagged() {
				if err := writeResync(w); err != nil {
					return
				}
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug().Err(err).Msg("sse write failed")
				return
			}

		case <-ticker.C:
			if sub.TakeLagged() {
				if err := writeResync(w); err != nil {
					return
				}
			}
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(sseEvent{
		Type:          ev.Type,
		ReservationID: ev.ReservationID,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

func writeResync(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: resync\ndata: {}\n\n")
	return err
}
