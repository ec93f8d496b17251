package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/order"
)

type ownedOrders map[uuid.UUID]order.Order

func (m ownedOrders) GetForUser(_ context.Context, userID, id uuid.UUID) (*order.Order, error) {
	o, ok := m[id]
	if !ok || o.UserID != userID {
		return nil, apperr.ErrNotFound
	}
	return &o, nil
}

func startServer(t *testing.T, orders ownedOrders) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{orderID}/ws", NewHandler(hub, orders, logger).ServeWS)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, orderID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/" + orderID + "/ws"
}

func TestSubscriberReceivesStatusUpdates(t *testing.T) {
	user := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: user, Status: order.StatusPending, UpdatedAt: time.Now().UTC()}
	other := order.Order{ID: uuid.New(), UserID: user, Status: order.StatusPending}
	hub, srv := startServer(t, ownedOrders{o.ID: o, other.ID: other})

	header := http.Header{"X-User-ID": []string{user.String()}}
	conn, _, err := gw.DefaultDialer.Dial(wsURL(srv, o.ID.String()), header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial StatusUpdate
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, o.ID, initial.OrderID)
	assert.Equal(t, order.StatusPending, initial.Status)
	assert.Empty(t, initial.From)

	other.Status = order.StatusCancelled
	hub.OrderChanged(other, order.StatusPending)

	paid := o
	paid.Status = order.StatusPaid
	hub.OrderChanged(paid, order.StatusPending)

	var upd StatusUpdate
	require.NoError(t, conn.ReadJSON(&upd))
	assert.Equal(t, o.ID, upd.OrderID)
	assert.Equal(t, order.StatusPending, upd.From)
	assert.Equal(t, order.StatusPaid, upd.Status)
}

func TestServeWSRejectsBeforeUpgrade(t *testing.T) {
	owner := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: owner, Status: order.StatusPending}
	_, srv := startServer(t, ownedOrders{o.ID: o})

	tests := []struct {
		name    string
		orderID string
		userID  string
		want    int
	}{
		{"bad order id", "nope", owner.String(), http.StatusBadRequest},
		{"missing user", o.ID.String(), "", http.StatusBadRequest},
		{"someone else's order", o.ID.String(), uuid.NewString(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{"X-User-ID": []string{tt.userID}}
			_, resp, err := gw.DefaultDialer.Dial(wsURL(srv, tt.orderID), header)
			require.ErrorIs(t, err, gw.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestOrderChangedNeverBlocks(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range cap(hub.updates) + 10 {
			hub.OrderChanged(order.Order{ID: uuid.New(), Status: order.StatusPaid}, order.StatusPending)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OrderChanged blocked without a running hub")
	}
	assert.Len(t, hub.updates, cap(hub.updates))
}
