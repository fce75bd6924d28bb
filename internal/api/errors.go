package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/service"
)

// Машинные коды ошибок
const (
	codeInvalidRequest             = "invalid_request"
	codeInvalidInterval            = "invalid_interval"
	codeSpaceNotFound              = "space_not_found"
	codeNotFound                   = "not_found"
	codeForbidden                  = "forbidden"
	codeSlotUnavailable            = "slot_unavailable"
	codeSlotTemporarilyUnavailable = "slot_temporarily_unavailable"
	codeInvalidState               = "invalid_state"
	codeHoldExpired                = "hold_expired"
	codeHoldLost                   = "hold_lost"
	codeTransient                  = "transient"
	codeRateLimited                = "rate_limited"
	codeUnavailable                = "unavailable"
	codeInternal                   = "internal"
)

type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	NeedsReversal bool   `json:"needs_reversal,omitempty"`
}

// classify maps an engine error onto an HTTP status and a stable code.
// Order matters: the more specific sentinels wrap the generic ones.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, service.ErrUnknownOutcome):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, domain.ErrInvalidInterval):
		return http.StatusBadRequest, codeInvalidInterval
	case errors.Is(err, domain.ErrSpaceNotFound):
		return http.StatusNotFound, codeSpaceNotFound
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, domain.ErrSlotTemporarilyUnavailable):
		return http.StatusConflict, codeSlotTemporarilyUnavailable
	case errors.Is(err, domain.ErrSlotUnavailable):
		return http.StatusConflict, codeSlotUnavailable
	case errors.Is(err, domain.ErrHoldExpired):
		return http.StatusConflict, codeHoldExpired
	case errors.Is(err, domain.ErrHoldLost):
		return http.StatusConflict, codeHoldLost
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, codeInvalidState
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, codeTransient
	case errors.Is(err, events.ErrClosed):
		return http.StatusServiceUnavailable, codeUnavailable
	case errors.Is(err, events.ErrEmptyScope):
		return http.StatusBadRequest, codeInvalidRequest
	}
	return http.StatusInternalServerError, codeInternal
}

// writeEngineError renders err. needsReversal marks responses to a payment
// that was taken for a hold which can no longer be confirmed.
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error, needsReversal bool) {
	status, code := classify(err)

	if retryAt, ok := domain.RetryAfter(err); ok {
		secs := math.Ceil(retryAt.Sub(s.now()).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}

	writeJSON(w, status, errorResponse{Error: code, Message: msg, NeedsReversal: needsReversal})
}
