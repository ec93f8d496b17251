package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"gozon/fulfillment/internal/fulfillment"
	"gozon/fulfillment/internal/inventory"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
)

const maxBodyBytes = 1 << 20

type Server struct {
	fulfillment *fulfillment.Service
	orders      *order.Machine
	payments    *payment.Pipeline
	stock       *inventory.Ledger
	logger      *slog.Logger
	mux         *http.ServeMux
	handler     http.Handler
}

type Deps struct {
	Fulfillment *fulfillment.Service
	Orders      *order.Machine
	Payments    *payment.Pipeline
	Stock       *inventory.Ledger
	Logger      *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		fulfillment: d.Fulfillment,
		orders:      d.Orders,
		payments:    d.Payments,
		stock:       d.Stock,
		logger:      d.Logger,
		mux:         http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.routes()
	s.handler = chi.Chain(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("GET /orders/{orderID}/history", s.orderHistory)
	s.mux.HandleFunc("POST /orders/{orderID}/cancel", s.cancelOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/complete", s.completeOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/payments", s.retryPayment)

	s.mux.HandleFunc("POST /payments/{paymentID}/start", s.startPayment)
	s.mux.HandleFunc("GET /payments/{paymentID}", s.getPayment)
	s.mux.HandleFunc("POST /webhooks/payments", s.paymentWebhook)

	// Operator endpoints.
	s.mux.HandleFunc("POST /orders/{orderID}/ship", s.shipOrder)
	s.mux.HandleFunc("POST /payments/{paymentID}/confirm", s.confirmPayment)
	s.mux.HandleFunc("POST /orders/{orderID}/refunds", s.requestRefund)
	s.mux.HandleFunc("POST /refunds/{refundID}/complete", s.completeRefund)
	s.mux.HandleFunc("PUT /inventory/{sku}", s.putInventory)
	s.mux.HandleFunc("GET /inventory/{sku}", s.getInventory)
}

// HandleFunc mounts extra routes, e.g. the websocket stream.
func (s *Server) HandleFunc(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return uuid.Nil, errors.New("missing X-User-ID header")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

func (s *Server) operatorFromRequest(r *http.Request) (string, error) {
	value := r.Header.Get("X-Operator-ID")
	if value == "" {
		return "", errors.New("missing X-Operator-ID header")
	}
	return "operator:" + value, nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, errors.New("invalid " + name)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
