package httpapi

import (
	"net/http"

	"gozon/fulfillment/internal/fulfillment"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/shipping"
)

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		SKU        string `json:"sku"`
		Quantity   int    `json:"quantity"`
		UnitPrice  int64  `json:"unit_price"`
		Currency   string `json:"currency"`
		Method     string `json:"payment_method"`
		Recipient  string `json:"recipient"`
		Phone      string `json:"phone"`
		Address    string `json:"address"`
		ExternalID string `json:"external_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	placed, err := s.fulfillment.PlaceOrder(r.Context(), fulfillment.PlaceOrderRequest{
		UserID:     userID,
		SKU:        req.SKU,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		Currency:   req.Currency,
		Method:     req.Method,
		Recipient:  req.Recipient,
		Phone:      req.Phone,
		Address:    req.Address,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		s.writeAppError(w, "place order", err)
		return
	}

	writeJSON(w, http.StatusCreated, placed)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := s.orders.ListForUser(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, "list orders", err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// ownedOrder loads the order in the path, scoped to the calling user.
func (s *Server) ownedOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	userID, err := s.userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	o, err := s.orders.GetForUser(r.Context(), userID, orderID)
	if err != nil {
		s.writeAppError(w, "get order", err)
		return nil, false
	}
	return o, true
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	payments, err := s.payments.ListForOrder(r.Context(), o.ID)
	if err != nil {
		s.writeAppError(w, "list payments", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"order": o, "payments": payments})
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	history, err := s.orders.History(r.Context(), o.ID)
	if err != nil {
		s.writeAppError(w, "order history", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cancelled, err := s.fulfillment.Cancel(r.Context(), o.ID, "user:"+o.UserID.String(), req.Reason)
	if err != nil {
		s.writeAppError(w, "cancel order", err)
		return
	}

	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) completeOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	completed, err := s.fulfillment.Complete(r.Context(), o.ID, "user:"+o.UserID.String())
	if err != nil {
		s.writeAppError(w, "complete order", err)
		return
	}

	writeJSON(w, http.StatusOK, completed)
}

func (s *Server) retryPayment(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	var req struct {
		Method string `json:"payment_method"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pay, err := s.fulfillment.RetryPayment(r.Context(), o.ID, req.Method)
	if err != nil {
		s.writeAppError(w, "retry payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, pay)
}

func (s *Server) shipOrder(w http.ResponseWriter, r *http.Request) {
	operator, err := s.operatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req shipping.Shipment
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.fulfillment.Ship(r.Context(), orderID, req, operator)
	if err != nil {
		s.writeAppError(w, "ship order", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) requestRefund(w http.ResponseWriter, r *http.Request) {
	operator, err := s.operatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refund, err := s.payments.RequestRefund(r.Context(), payment.RefundRequest{
		OrderID:  orderID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Operator: operator,
	})
	if err != nil {
		s.writeAppError(w, "request refund", err)
		return
	}

	writeJSON(w, http.StatusCreated, refund)
}

func (s *Server) putInventory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.operatorFromRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Available int `json:"available"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	unit, err := s.stock.Upsert(r.Context(), r.PathValue("sku"), req.Available)
	if err != nil {
		s.writeAppError(w, "put inventory", err)
		return
	}

	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) getInventory(w http.ResponseWriter, r *http.Request) {
	unit, err := s.stock.Get(r.Context(), r.PathValue("sku"))
	if err != nil {
		s.writeAppError(w, "get inventory", err)
		return
	}

	writeJSON(w, http.StatusOK, unit)
}
