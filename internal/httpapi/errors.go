package httpapi

import (
	"errors"
	"net/http"

	"gozon/fulfillment/internal/apperr"
)

// statusFor maps domain errors to HTTP statuses. Anything unrecognised is an
// internal error and its text is not exposed.
func statusFor(err error) (int, string) {
	var (
		validation *apperr.ValidationError
		stock      *apperr.InsufficientStockError
		transition *apperr.InvalidTransitionError
		mismatch   *apperr.AmountMismatchError
		external   *apperr.ExternalServiceError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &stock):
		return http.StatusConflict, stock.Error()
	case errors.As(err, &transition):
		return http.StatusConflict, transition.Error()
	case errors.As(err, &mismatch):
		return http.StatusUnprocessableEntity, mismatch.Error()
	case errors.Is(err, apperr.ErrPaymentExpired):
		return http.StatusGone, "payment expired"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.As(err, &external):
		return http.StatusBadGateway, external.Service + " unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeAppError(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "status", status, "err", err)
	}
	writeError(w, status, msg)
}
