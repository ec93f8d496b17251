package contracts

import (
	"encoding/json"
	"time"
)

// Event types written to the order outbox and used as routing keys.
const (
	EventOrderStatusChanged = "orders.status_changed"
	EventOrderPaid          = "orders.paid"
	EventUserNotification   = "notifications.user"
	EventPaymentCallback    = "payments.callback"
)

type OrderStatusChangedEvent struct {
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Operator   string    `json:"operator,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type OrderPaidEvent struct {
	EventID  string    `json:"event_id"`
	OrderID  string    `json:"order_id"`
	UserID   string    `json:"user_id"`
	SKU      string    `json:"sku"`
	Quantity int       `json:"quantity"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	PaidAt   time.Time `json:"paid_at"`
}

// PaymentCallbackMessage carries a provider callback relayed through the broker.
type PaymentCallbackMessage struct {
	EventID   string          `json:"event_id"`
	PaymentID string          `json:"payment_id"`
	Provider  string          `json:"provider"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type UserNotification struct {
	EventID   string         `json:"event_id"`
	UserID    string         `json:"user_id"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}
