// Package fulfillment ties the order lifecycle to stock, payments, shipping
// and the external platform. Every status change still goes through
// order.Machine; this package only decides which steps share a transaction
// and what happens after commit.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/currency"

	"gozon/fulfillment/internal/address"
	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/audit"
	"gozon/fulfillment/internal/inventory"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/shipping"
	"gozon/fulfillment/internal/storage"
)

var tracer = otel.Tracer("gozon/fulfillment/fulfillment")

type Service struct {
	pool      *pgxpool.Pool
	orders    *order.Machine
	stock     *inventory.Ledger
	payments  *payment.Pipeline
	shipments *shipping.Retrier
	logistics provider.LogisticsPlatform
	notifier  notify.Dispatcher
	audit     audit.Sink
	parser    address.Parser
	intentTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Pool      *pgxpool.Pool
	Orders    *order.Machine
	Stock     *inventory.Ledger
	Payments  *payment.Pipeline
	Shipments *shipping.Retrier
	Logistics provider.LogisticsPlatform
	Notifier  notify.Dispatcher
	Audit     audit.Sink
	Parser    address.Parser
	IntentTTL time.Duration
	Logger    *slog.Logger
	Clock     func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		pool:      d.Pool,
		orders:    d.Orders,
		stock:     d.Stock,
		payments:  d.Payments,
		shipments: d.Shipments,
		logistics: d.Logistics,
		notifier:  d.Notifier,
		audit:     d.Audit,
		parser:    d.Parser,
		intentTTL: d.IntentTTL,
		logger:    d.Logger,
		now:       d.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = notify.Discard{}
	}
	if s.audit == nil {
		s.audit = audit.LogSink{Logger: s.logger}
	}
	if s.parser == nil {
		s.parser = address.CommaParser{}
	}
	if s.intentTTL <= 0 {
		s.intentTTL = payment.DefaultIntentTTL
	}
	return s
}

type PlaceOrderRequest struct {
	UserID    uuid.UUID
	SKU       string
	Quantity  int
	UnitPrice int64
	Currency  string
	Method    string
	Recipient string
	Phone     string
	Address   string
	// ExternalID links orders imported from a marketplace.
	ExternalID string
}

type PlacedOrder struct {
	Order   *order.Order     `json:"order"`
	Payment *payment.Payment `json:"payment"`
}

func (r PlaceOrderRequest) validate() error {
	switch {
	case r.UserID == uuid.Nil:
		return apperr.Validation("user_id", "user id is required")
	case strings.TrimSpace(r.SKU) == "":
		return apperr.Validation("sku", "sku is required")
	case r.Quantity <= 0:
		return apperr.Validation("quantity", "must be positive")
	case r.UnitPrice <= 0:
		return apperr.Validation("unit_price", "must be positive")
	case r.UnitPrice > math.MaxInt64/int64(r.Quantity):
		return apperr.Validation("quantity", "order total overflows")
	case strings.TrimSpace(r.Recipient) == "":
		return apperr.Validation("recipient", "recipient name is required")
	case strings.TrimSpace(r.Phone) == "":
		return apperr.Validation("phone", "phone is required")
	case strings.TrimSpace(r.Address) == "":
		return apperr.Validation("address", "shipping address is required")
	}
	if _, err := currency.ParseISO(r.Currency); err != nil {
		return apperr.Validation("currency", "%q is not an ISO 4217 code", r.Currency)
	}
	return nil
}

// PlaceOrder reserves stock, stores the order and opens its first payment
// intent in one transaction. Nothing is kept when any step fails.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlacedOrder, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.PlaceOrder")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &order.Order{
		ID:          uuid.New(),
		UserID:      req.UserID,
		SKU:         strings.TrimSpace(req.SKU),
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		TotalAmount: req.UnitPrice * int64(req.Quantity),
		Currency:    strings.ToUpper(req.Currency),
		Status:      order.StatusPending,
		Shipping:    s.snapshotAddress(req),
		ExternalID:  req.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("order.id", o.ID.String()))

	placed, err := storage.InTx(ctx, s.pool, func(tx pgx.Tx) (*PlacedOrder, error) {
		if err := s.stock.Reserve(ctx, tx, o.SKU, o.Quantity); err != nil {
			return nil, err
		}
		if err := order.Insert(ctx, tx, o); err != nil {
			return nil, err
		}
		pay, err := s.payments.CreateIntentTx(ctx, tx, o, req.Method, s.intentTTL)
		if err != nil {
			return nil, err
		}
		return &PlacedOrder{Order: o, Payment: pay}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("order placed",
		"order_id", o.ID, "user_id", o.UserID, "sku", o.SKU, "quantity", o.Quantity, "total", o.TotalAmount)
	return placed, nil
}

func (s *Service) snapshotAddress(req PlaceOrderRequest) order.Address {
	addr := order.Address{
		Name:  strings.TrimSpace(req.Recipient),
		Phone: strings.TrimSpace(req.Phone),
		Raw:   strings.TrimSpace(req.Address),
	}
	parts, err := s.parser.Parse(addr.Raw)
	if err != nil {
		s.logger.Debug("address kept as raw text", "err", err)
		return addr
	}
	addr.Region = parts.Region
	addr.City = parts.City
	addr.District = parts.District
	addr.Street = parts.Street
	return addr
}

// Cancel cancels a pending order. Paid orders must go through a refund.
// Cancelling an already cancelled order succeeds without side effects.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, operator, reason string) (*order.Order, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.Cancel")
	defer span.End()

	if reason == "" {
		reason = "cancelled by customer"
	}
	res, err := s.payments.CancelPending(ctx, orderID, operator, reason)
	if err != nil {
		return nil, err
	}
	if !res.Applied && res.From != order.StatusCancelled {
		return nil, &apperr.InvalidTransitionError{
			OrderID: orderID.String(),
			From:    string(res.From),
			To:      string(order.StatusCancelled),
		}
	}
	if res.Applied {
		s.cancelExternal(ctx, res.Order, reason)
		s.record(ctx, audit.Event{
			Kind:      "order.cancelled",
			SubjectID: orderID.String(),
			Actor:     operator,
			Data:      map[string]any{"reason": reason},
		})
	}
	return res.Order, nil
}

// CancelUnpaid is the timeout sweep's entry point.
func (s *Service) CancelUnpaid(ctx context.Context, orderID uuid.UUID, reason string) (bool, error) {
	res, err := s.payments.CancelPending(ctx, orderID, "system:unpaid-timeout", reason)
	if err != nil {
		return false, err
	}
	if res.Applied {
		s.cancelExternal(ctx, res.Order, reason)
	}
	return res.Applied, nil
}

// cancelExternal propagates a committed cancellation to the platform. A
// rejection leaves the order cancelled locally and flags it for operator
// rollback.
func (s *Service) cancelExternal(ctx context.Context, o *order.Order, reason string) {
	if o == nil || o.ExternalID == "" || s.logistics == nil {
		return
	}

	status, failure := order.ExternalCancelled, ""
	if err := s.logistics.CancelOrder(ctx, o.ExternalID, reason); err != nil {
		status, failure = order.ExternalCancelFailed, err.Error()
		s.logger.Error("external cancellation failed",
			"order_id", o.ID, "external_id", o.ExternalID, "err", err)
	}
	if err := s.orders.SetExternalStatus(ctx, o.ID, status, failure); err != nil {
		s.logger.Error("record external status", "order_id", o.ID, "status", status, "err", err)
		return
	}
	o.ExternalStatus = status
	o.ExternalError = failure
}

type ShipResult struct {
	Order *order.Order     `json:"order"`
	Sync  *shipping.Record `json:"sync"`
}

// Ship marks a paid order shipped and queues the platform notification in
// the same transaction. The first upload is attempted right after commit;
// failures are left to the retry sweep.
func (s *Service) Ship(ctx context.Context, orderID uuid.UUID, shipment shipping.Shipment, operator string) (*ShipResult, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.Ship")
	defer span.End()

	var transition order.TransitionResult
	rec, err := storage.InTx(ctx, s.pool, func(tx pgx.Tx) (*shipping.Record, error) {
		var err error
		transition, err = s.orders.TransitionTx(ctx, tx, order.TransitionRequest{
			OrderID:  orderID,
			To:       order.StatusShipped,
			Operator: operator,
			Note:     fmt.Sprintf("%s %s", shipment.Carrier, shipment.TrackingNumber),
		})
		if err != nil {
			return nil, err
		}
		return s.shipments.EnqueueTx(ctx, tx, transition.Order, shipment)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.orders.AfterCommit(transition)

	if transition.Applied {
		err := s.notifier.Dispatch(ctx, transition.Order.UserID, notify.TemplateOrderShipped, map[string]any{
			"order_id":        orderID.String(),
			"carrier":         shipment.Carrier,
			"tracking_number": shipment.TrackingNumber,
		})
		if err != nil {
			s.logger.Warn("shipped notification failed", "order_id", orderID, "err", err)
		}
	}

	if rec.Status != shipping.StatusSucceeded {
		if _, err := s.shipments.Attempt(ctx, rec.ID); err != nil {
			s.logger.Warn("first shipment upload failed, retry scheduled", "order_id", orderID, "err", err)
		}
		if fresh, err := s.shipments.Get(ctx, rec.ID); err == nil {
			rec = fresh
		}
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &ShipResult{Order: o, Sync: rec}, nil
}

func (s *Service) Complete(ctx context.Context, orderID uuid.UUID, operator string) (*order.Order, error) {
	res, err := s.orders.Transition(ctx, order.TransitionRequest{
		OrderID:  orderID,
		To:       order.StatusCompleted,
		Operator: operator,
		Note:     "delivery confirmed",
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// RetryPayment opens a new intent for a pending order whose previous
// intents expired or failed.
func (s *Service) RetryPayment(ctx context.Context, orderID uuid.UUID, method string) (*payment.Payment, error) {
	pay, err := s.payments.CreateIntent(ctx, orderID, method, s.intentTTL)
	if err != nil {
		var transition *apperr.InvalidTransitionError
		if errors.As(err, &transition) {
			return nil, apperr.Validation("order", "order is %s, payment no longer possible", transition.From)
		}
		return nil, err
	}
	return pay, nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("audit record failed", "kind", e.Kind, "subject_id", e.SubjectID, "err", err)
	}
}
