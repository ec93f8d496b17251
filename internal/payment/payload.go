package payment

import (
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"gozon/fulfillment/internal/provider"
)

var (
	statusPaths    = []string{"status", "trade_status", "data.status", "result"}
	paymentIDPaths = []string{"payment_id", "out_trade_no", "metadata.payment_id", "data.payment_id"}
	referencePaths = []string{"reference", "transaction_id", "trade_no", "data.reference"}
)

// ExtractOutcome reads the reported result of a callback. A notification
// without any status field is a success notification.
func ExtractOutcome(payload []byte) provider.Outcome {
	for _, path := range statusPaths {
		if v := gjson.GetBytes(payload, path); v.Exists() && v.Type == gjson.String {
			return provider.ParseOutcome(v.String())
		}
	}
	return provider.OutcomeSucceeded
}

// ExtractTarget finds the payment a raw callback refers to, either by our
// payment id echoed back by the provider or by the provider reference.
func ExtractTarget(payload []byte) (uuid.UUID, string) {
	for _, path := range paymentIDPaths {
		if v := gjson.GetBytes(payload, path); v.Exists() {
			if id, err := uuid.Parse(v.String()); err == nil {
				return id, ""
			}
		}
	}
	for _, path := range referencePaths {
		if v := gjson.GetBytes(payload, path); v.Exists() && v.String() != "" {
			return uuid.Nil, v.String()
		}
	}
	return uuid.Nil, ""
}
