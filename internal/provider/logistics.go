package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// PlatformError is a structured rejection from the logistics platform.
type PlatformError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error %s: %s", e.Code, e.Message)
}

type ShipmentUpload struct {
	OrderID        string          `json:"order_id"`
	ExternalID     string          `json:"external_id,omitempty"`
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"tracking_number"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type UploadResult struct {
	ExternalID string `json:"external_id"`
	Response   string `json:"response"`
}

type LogisticsPlatform interface {
	UploadShipment(ctx context.Context, upload ShipmentUpload) (UploadResult, error)
	CancelOrder(ctx context.Context, externalID, reason string) error
}
