package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/order"
)

type Conn = gw.Conn

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// OrderReader loads an order scoped to its owner.
type OrderReader interface {
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderReader
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams status updates of one order to its owner. Ownership is
// checked before the upgrade so failures get a plain HTTP status.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		http.Error(w, "invalid orderID", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "invalid X-User-ID header", http.StatusBadRequest)
		return
	}

	o, err := h.orders.GetForUser(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("ws: load order", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws: upgrade", "err", err)
		return
	}

	s := &subscriber{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		orderID: orderID,
	}

	// The current state goes first so the client never starts blind.
	if b, err := json.Marshal(StatusUpdate{
		OrderID:        o.ID,
		Status:         o.Status,
		ExternalStatus: o.ExternalStatus,
		At:             o.UpdatedAt,
	}); err == nil {
		s.send <- b
	}

	select {
	case h.hub.register <- s:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}
	go s.writePump()
	go s.readPump()
}

func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	defer func() { _ = s.conn.Close() }()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseNormalClosure, ""))
}
