package shipping

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Shipment is what the merchant reports when handing an order to a carrier.
type Shipment struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// Record tracks delivery of one shipment notification to the platform.
// NextRetryAt is nil while pending, after success, and once parked.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	OrderID      uuid.UUID       `json:"order_id"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	LastResponse string          `json:"last_response,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Parked records failed permanently and wait for an operator.
func (r *Record) Parked() bool {
	return r.Status == StatusFailed && r.NextRetryAt == nil
}

// payload is the body uploaded to the platform, a snapshot of the order
// taken when it shipped.
type payload struct {
	OrderID        string `json:"order_id"`
	ExternalID     string `json:"external_id,omitempty"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	Recipient      string `json:"recipient"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	Region         string `json:"region,omitempty"`
	City           string `json:"city,omitempty"`
	District       string `json:"district,omitempty"`
	Street         string `json:"street,omitempty"`
}
