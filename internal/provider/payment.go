package provider

import (
	"context"
	"encoding/json"
	"time"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

type CreatePaymentRequest struct {
	PaymentID string    `json:"payment_id"`
	OrderID   string    `json:"order_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CreatePaymentResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// PaymentReport is the provider's view of a payment. Raw keeps the provider
// body so it can be fed through the callback path unchanged.
type PaymentReport struct {
	Reference string          `json:"reference"`
	Outcome   Outcome         `json:"outcome"`
	Raw       json.RawMessage `json:"raw"`
}

type PaymentProvider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResponse, error)
	QueryPayment(ctx context.Context, reference string) (PaymentReport, error)
	VerifyCallback(payload []byte, signature string) error
}
