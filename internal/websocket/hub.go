package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gozon/fulfillment/internal/order"
)

// StatusUpdate is pushed to every subscriber of an order after a committed
// status change.
type StatusUpdate struct {
	OrderID        uuid.UUID    `json:"order_id"`
	From           order.Status `json:"from,omitempty"`
	Status         order.Status `json:"status"`
	ExternalStatus string       `json:"external_status,omitempty"`
	At             time.Time    `json:"at"`
}

type subscriber struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID uuid.UUID
}

// Hub fans order status changes out to websocket subscribers. It implements
// order.UpdateListener.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	updates    chan StatusUpdate
	orders     map[uuid.UUID]map[*subscriber]struct{}
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		updates:    make(chan StatusUpdate, 256),
		orders:     make(map[uuid.UUID]map[*subscriber]struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case s := <-h.register:
			set, ok := h.orders[s.orderID]
			if !ok {
				set = make(map[*subscriber]struct{})
				h.orders[s.orderID] = set
			}
			set[s] = struct{}{}
		case s := <-h.unregister:
			h.drop(s)
		case upd := <-h.updates:
			h.fanOut(upd)
		case <-ctx.Done():
			close(h.done)
			for _, set := range h.orders {
				for s := range set {
					close(s.send)
				}
			}
			h.orders = make(map[uuid.UUID]map[*subscriber]struct{})
			return
		}
	}
}

func (h *Hub) fanOut(upd StatusUpdate) {
	set, ok := h.orders[upd.OrderID]
	if !ok {
		return
	}
	msg, err := json.Marshal(upd)
	if err != nil {
		h.logger.Error("marshal status update", "order_id", upd.OrderID, "err", err)
		return
	}
	for s := range set {
		select {
		case s.send <- msg:
		default:
			// Slow subscriber.
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	set, ok := h.orders[s.orderID]
	if !ok {
		return
	}
	if _, exists := set[s]; exists {
		delete(set, s)
		close(s.send)
	}
	if len(set) == 0 {
		delete(h.orders, s.orderID)
	}
}

// OrderChanged queues an update without blocking the caller; updates are
// dropped when the queue is full.
func (h *Hub) OrderChanged(o order.Order, from order.Status) {
	upd := StatusUpdate{
		OrderID:        o.ID,
		From:           from,
		Status:         o.Status,
		ExternalStatus: o.ExternalStatus,
		At:             o.UpdatedAt,
	}
	select {
	case h.updates <- upd:
	default:
		h.logger.Warn("status update dropped", "order_id", o.ID, "status", o.Status)
	}
}
