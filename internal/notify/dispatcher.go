package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gozon/fulfillment/pkg/contracts"
	"gozon/fulfillment/pkg/messaging"
)

// Templates known to the notification service.
const (
	TemplatePaymentSucceeded = "payment_succeeded"
	TemplateOrderCancelled   = "order_cancelled"
	TemplateOrderShipped     = "order_shipped"
	TemplateRefundCompleted  = "refund_completed"
)

// Dispatcher is a fire-and-forget push to a user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID uuid.UUID, template string, data map[string]any) error
}

type BrokerDispatcher struct {
	publisher messaging.Publisher
	timeout   time.Duration
	now       func() time.Time
}

func NewBrokerDispatcher(publisher messaging.Publisher) *BrokerDispatcher {
	return &BrokerDispatcher{publisher: publisher, timeout: 5 * time.Second, now: time.Now}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, userID uuid.UUID, template string, data map[string]any) error {
	msg := contracts.UserNotification{
		EventID:   uuid.NewString(),
		UserID:    userID.String(),
		Template:  template,
		Data:      data,
		CreatedAt: d.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = d.publisher.Publish(pubCtx, messaging.Message{
		RoutingKey: contracts.EventUserNotification,
		MessageID:  msg.EventID,
		Body:       payload,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Discard drops notifications, for tools that run without a broker.
type Discard struct{}

func (Discard) Dispatch(context.Context, uuid.UUID, string, map[string]any) error {
	return nil
}
