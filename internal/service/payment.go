package service

import (
	"context"
	"errors"
	"fmt"

	"coworking/internal/domain"
	"coworking/internal/models"

	"github.com/rs/zerolog"
)

type PaymentOutcome string

const (
	PaymentPaid      PaymentOutcome = "paid"
	PaymentFailed    PaymentOutcome = "failed"
	PaymentAbandoned PaymentOutcome = "abandoned"
)

var ErrUnknownOutcome = errors.New("unknown payment outcome")

func ParsePaymentOutcome(s string) (PaymentOutcome, error) {
	switch o := PaymentOutcome(s); o {
	case PaymentPaid, PaymentFailed, PaymentAbandoned:
		return o, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, s)
}

// PaymentResult is what the payment provider gets back. NeedsReversal is set
// when money was taken but the hold could not be confirmed.
type PaymentResult struct {
	Reservation   *models.Reservation
	NeedsReversal bool
}

// PaymentHandler maps payment provider callbacks onto the engine.
type PaymentHandler struct {
	engine *ReservationEngine
	logger *zerolog.Logger
}

func NewPaymentHandler(engine *ReservationEngine, logger *zerolog.Logger) *PaymentHandler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "payments").Logger()
	}
	return &PaymentHandler{engine: engine, logger: &l}
}

func (h *PaymentHandler) HandleOutcome(ctx context.Context, reservationID string, outcome PaymentOutcome) (PaymentResult, error) {
	switch outcome {
	case PaymentPaid:
		r, err := h.engine.ConfirmHold(ctx, reservationID)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				h.logger.Warn().Err(err).
					Str("reservation_id", reservationID).
					Msg("payment received for a hold that cannot be confirmed, reversal required")
				return PaymentResult{NeedsReversal: true}, err
			}
			return PaymentResult{}, err
		}
		return PaymentResult{Reservation: r}, nil

	case PaymentFailed, PaymentAbandoned:
		r, err := h.engine.GetReservation(ctx, reservationID)
		if err != nil {
			return PaymentResult{}, err
		}
		if r.State != models.StateHeld {
			// hold already gone, nothing to release
			return PaymentResult{Reservation: r}, nil
		}
		out, err := h.engine.cancelHeld(ctx, reservationID, r.RequesterID, models.ReasonPaymentFailed)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				cur, getErr := h.engine.GetReservation(ctx, reservationID)
				if getErr == nil {
					return PaymentResult{Reservation: cur}, nil
				}
			}
			return PaymentResult{}, err
		}
		h.logger.Info().
			Str("reservation_id", reservationID).
			Str("outcome", string(outcome)).
			Msg("hold released after payment outcome")
		return PaymentResult{Reservation: out}, nil
	}

	return PaymentResult{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
}
