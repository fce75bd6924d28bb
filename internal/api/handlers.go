package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"coworking/internal/domain"
	"coworking/internal/models"
	"coworking/internal/service"
)

type holdRequest struct {
	SpaceID string    `json:"space_id"`
	UserID  string    `json:"user_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

type holdResponse struct {
	ReservationID string              `json:"reservation_id"`
	Deadline      time.Time           `json:"deadline"`
	Reservation   *models.Reservation `json:"reservation"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

type blockRequest struct {
	SpaceID   string    `json:"space_id"`
	ManagerID string    `json:"manager_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type paymentCallback struct {
	ReservationID string `json:"reservation_id"`
	Outcome       string `json:"outcome"`
}

type paymentResponse struct {
	Reservation   *models.Reservation `json:"reservation,omitempty"`
	NeedsReversal bool                `json:"needs_reversal"`
}

type listResponse struct {
	Reservations []*models.Reservation `json:"reservations"`
}

type sweepResponse struct {
	ExpiredCount int `json:"expired_count"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *HTTPServer) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	req.SpaceID = strings.TrimSpace(req.SpaceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.SpaceID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "space_id and user_id are required")
		return
	}

	if s.deps.Throttle != nil {
		if err := s.deps.Throttle.Allow(r.Context(), req.UserID); err != nil {
			s.writeEngineError(w, err, false)
			return
		}
	}

	res, err := s.deps.Engine.RequestHold(r.Context(), service.HoldRequest{
		SpaceID:     req.SpaceID,
		RequesterID: req.UserID,
		Start:       req.Start,
		End:         req.End,
	})
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}

	deadline, _ := res.Deadline()
	writeJSON(w, http.StatusCreated, holdResponse{
		ReservationID: res.ID,
		Deadline:      deadline,
		Reservation:   res,
	})
}

func (s *HTTPServer) handleConfirmHold(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Engine.ConfirmHold(r.Context(), r.PathValue("id"))
	if err != nil {
		// confirm обычно вызывается после оплаты: деньги надо вернуть
		reversal := errors.Is(err, domain.ErrHoldExpired) || errors.Is(err, domain.ErrHoldLost)
		s.writeEngineError(w, err, reversal)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCancelHold(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "user_id is required")
		return
	}

	res, err := s.deps.Engine.CancelHold(r.Context(), r.PathValue("id"), strings.TrimSpace(req.UserID))
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SpaceID) == "" || strings.TrimSpace(req.ManagerID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "space_id and manager_id are required")
		return
	}

	res, err := s.deps.Engine.BlockManually(r.Context(), service.BlockRequest{
		SpaceID: strings.TrimSpace(req.SpaceID),
		ActorID: strings.TrimSpace(req.ManagerID),
		Start:   req.Start,
		End:     req.End,
	})
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallback
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ReservationID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "reservation_id is required")
		return
	}
	outcome, err := service.ParsePaymentOutcome(req.Outcome)
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}

	result, err := s.deps.Payments.HandleOutcome(r.Context(), req.ReservationID, outcome)
	if err != nil {
		s.writeEngineError(w, err, result.NeedsReversal)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Reservation: result.Reservation, NeedsReversal: result.NeedsReversal})
}

func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Engine.GetReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleListReservations(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid from (expected RFC3339)")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid to (expected RFC3339)")
		return
	}

	list, err := s.deps.Engine.ListReservations(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.writeEngineError(w, err, false)
		return
	}
	if list == nil {
		list = []*models.Reservation{}
	}
	writeJSON(w, http.StatusOK, listResponse{Reservations: list})
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "sweeper is not configured")
		return
	}
	n, err := s.deps.Sweeper.RunSweepOnce(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Int("expired", n).Msg("on-demand sweep finished with errors")
		s.writeEngineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{ExpiredCount: n})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseTimeParam returns the zero time for an absent parameter.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
