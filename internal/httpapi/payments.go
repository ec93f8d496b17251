package httpapi

import (
	"io"
	"net"
	"net/http"

	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/provider"
)

func (s *Server) startPayment(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paymentID, err := pathID(r, "paymentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pay, err := s.payments.Get(r.Context(), paymentID)
	if err != nil {
		s.writeAppError(w, "get payment", err)
		return
	}
	if _, err := s.orders.GetForUser(r.Context(), userID, pay.OrderID); err != nil {
		s.writeAppError(w, "get order", err)
		return
	}

	res, err := s.payments.Start(r.Context(), paymentID, payment.Client{
		UserID:   userID.String(),
		IP:       clientIP(r),
		DeviceID: r.Header.Get("X-Device-ID"),
	})
	if err != nil {
		s.writeAppError(w, "start payment", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payment":      res.Payment,
		"redirect_url": res.RedirectURL,
	})
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paymentID, err := pathID(r, "paymentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pay, err := s.payments.Get(r.Context(), paymentID)
	if err != nil {
		s.writeAppError(w, "get payment", err)
		return
	}
	if _, err := s.orders.GetForUser(r.Context(), userID, pay.OrderID); err != nil {
		s.writeAppError(w, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, pay)
}

// paymentWebhook accepts a provider callback. The payload identifies the
// payment itself; the body is verified against the signature header.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	res, err := s.payments.HandleCallback(r.Context(), payment.Callback{
		Payload:   body,
		Signature: r.Header.Get(provider.SignatureHeader),
	})
	if err != nil {
		s.writeAppError(w, "payment webhook", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id": res.PaymentID,
		"order_id":   res.OrderID,
		"outcome":    res.Outcome,
	})
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	operator, err := s.operatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	paymentID, err := pathID(r, "paymentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.payments.ConfirmManual(r.Context(), paymentID, operator)
	if err != nil {
		s.writeAppError(w, "confirm payment", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id": res.PaymentID,
		"order_id":   res.OrderID,
		"outcome":    res.Outcome,
	})
}

func (s *Server) completeRefund(w http.ResponseWriter, r *http.Request) {
	operator, err := s.operatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	refundID, err := pathID(r, "refundID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Succeeded bool   `json:"succeeded"`
		Detail    string `json:"detail"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refund, err := s.payments.CompleteRefund(r.Context(), payment.RefundCompletion{
		RefundID:  refundID,
		Succeeded: req.Succeeded,
		Detail:    req.Detail,
		Operator:  operator,
	})
	if err != nil {
		s.writeAppError(w, "complete refund", err)
		return
	}

	writeJSON(w, http.StatusOK, refund)
}

// clientIP prefers the address set by the RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
