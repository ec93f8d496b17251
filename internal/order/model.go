package order

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCompleted Status = "completed"
	StatusRefunding Status = "refunding"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// External platform states recorded on an order.
const (
	ExternalCancelFailed     = "cancel_failed"
	ExternalCancelled        = "cancelled"
	ExternalCancelRolledBack = "cancel_rolled_back"
	ExternalShipmentSynced   = "shipment_synced"
)

// Address is the contact snapshot taken when the order is placed.
type Address struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Raw      string `json:"raw"`
	Region   string `json:"region,omitempty"`
	City     string `json:"city,omitempty"`
	District string `json:"district,omitempty"`
	Street   string `json:"street,omitempty"`
}

type Order struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              uuid.UUID  `json:"user_id"`
	SKU                 string     `json:"sku"`
	Quantity            int        `json:"quantity"`
	UnitPrice           int64      `json:"unit_price"`
	TotalAmount         int64      `json:"total_amount"`
	Currency            string     `json:"currency"`
	Status              Status     `json:"status"`
	Shipping            Address    `json:"shipping"`
	ExternalID          string     `json:"external_id,omitempty"`
	ExternalStatus      string     `json:"external_status,omitempty"`
	ExternalError       string     `json:"external_error,omitempty"`
	CancelReason        string     `json:"cancel_reason,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	InventoryReleasedAt *time.Time `json:"-"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HistoryEntry is one immutable status change. An empty Operator means the system.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Operator  string    `json:"operator,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
