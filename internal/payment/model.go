package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInit       Status = "init"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// Open statuses are intents a customer may still complete.
func (s Status) Open() bool {
	return s == StatusInit || s == StatusProcessing
}

type EventKind string

const (
	EventCreated         EventKind = "created"
	EventStarted         EventKind = "started"
	EventSucceeded       EventKind = "succeeded"
	EventFailed          EventKind = "failed"
	EventExpired         EventKind = "expired"
	EventLateCallback    EventKind = "late_callback"
	EventOrderNotPending EventKind = "order_not_pending"
	EventAlreadySettled  EventKind = "order_already_settled"
	EventManualConfirm   EventKind = "manual_confirm"

	EventRefundRequested EventKind = "requested"
	EventRefundSucceeded EventKind = "succeeded"
	EventRefundFailed    EventKind = "failed"
)

// LogEntry is one record of a payment or refund lifecycle log.
type LogEntry struct {
	Seq    int       `json:"seq"`
	At     time.Time `json:"at"`
	Event  EventKind `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

type Payment struct {
	ID          uuid.UUID  `json:"id"`
	OrderID     uuid.UUID  `json:"order_id"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Method      string     `json:"method"`
	Status      Status     `json:"status"`
	Provider    string     `json:"provider,omitempty"`
	ProviderRef string     `json:"provider_ref,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Log         []LogEntry `json:"log,omitempty"`
}

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
)

func (s RefundStatus) Terminal() bool {
	return s == RefundSucceeded || s == RefundFailed
}

type Refund struct {
	ID        uuid.UUID    `json:"id"`
	OrderID   uuid.UUID    `json:"order_id"`
	PaymentID *uuid.UUID   `json:"payment_id,omitempty"`
	Amount    int64        `json:"amount"`
	Status    RefundStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Log       []LogEntry   `json:"log,omitempty"`
}
