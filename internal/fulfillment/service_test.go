package fulfillment_test

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/audit"
	"gozon/fulfillment/internal/fulfillment"
	"gozon/fulfillment/internal/inventory"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/reconcile"
	"gozon/fulfillment/internal/shipping"
	"gozon/fulfillment/internal/storage"
	"gozon/fulfillment/internal/storage/storagetest"
	"gozon/fulfillment/pkg/contracts"
)

type serviceSuite struct {
	suite.Suite

	db *storagetest.Database

	clock     *testClock
	provider  *fakeProvider
	logistics *fakeLogistics
	notifier  *recordingNotifier

	stock     *inventory.Ledger
	orders    *order.Machine
	payments  *payment.Pipeline
	shipments *shipping.Retrier
	svc       *fulfillment.Service
	sweeper   *reconcile.Sweeper
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(serviceSuite))
}

func (s *serviceSuite) SetupSuite() {
	db, err := storagetest.Start(s.T().Context())
	s.Require().NoError(err)
	s.db = db
}

func (s *serviceSuite) TearDownSuite() {
	s.db.Close()
}

func (s *serviceSuite) SetupTest() {
	s.Require().NoError(s.db.Reset(s.T().Context()))

	pool := s.db.Pool
	logger := slog.New(slog.DiscardHandler)

	s.clock = newTestClock()
	s.provider = newFakeProvider()
	s.logistics = &fakeLogistics{}
	s.notifier = &recordingNotifier{}

	s.stock = inventory.NewLedger(pool)
	s.orders = order.NewMachine(pool, s.stock, nil, logger, s.clock.Now)
	s.payments = payment.NewPipeline(payment.Deps{
		Pool:     pool,
		Orders:   s.orders,
		Provider: s.provider,
		Notifier: s.notifier,
		Audit:    audit.NewPGSink(pool),
		Logger:   logger,
		Clock:    s.clock.Now,
	})
	s.shipments = shipping.NewRetrier(pool, s.logistics, shipping.DefaultPolicy(), shipping.DefaultDeliveredCodes, logger, s.clock.Now)
	s.svc = fulfillment.NewService(fulfillment.Deps{
		Pool:      pool,
		Orders:    s.orders,
		Stock:     s.stock,
		Payments:  s.payments,
		Shipments: s.shipments,
		Logistics: s.logistics,
		Notifier:  s.notifier,
		Audit:     audit.NewPGSink(pool),
		Logger:    logger,
		Clock:     s.clock.Now,
	})
	s.sweeper = reconcile.NewSweeper(reconcile.Deps{
		Orders:    s.orders,
		Canceller: s.svc,
		Payments:  s.payments,
		Shipping:  s.shipments,
		Logger:    logger,
		Clock:     s.clock.Now,
	})
}

func (s *serviceSuite) seedStock(available int) string {
	sku := "SKU-" + gofakeit.LetterN(8)
	_, err := s.stock.Upsert(s.T().Context(), sku, available)
	s.Require().NoError(err)
	return sku
}

func (s *serviceSuite) available(sku string) int {
	unit, err := s.stock.Get(s.T().Context(), sku)
	s.Require().NoError(err)
	return unit.Available
}

func randomRequest(sku string, quantity int) fulfillment.PlaceOrderRequest {
	return fulfillment.PlaceOrderRequest{
		UserID:    uuid.New(),
		SKU:       sku,
		Quantity:  quantity,
		UnitPrice: int64(gofakeit.IntRange(100, 50_000)),
		Currency:  "USD",
		Method:    "card",
		Recipient: gofakeit.Name(),
		Phone:     gofakeit.Phone(),
		Address:   fmt.Sprintf("%s, %s, %s", gofakeit.State(), gofakeit.City(), gofakeit.Street()),
	}
}

func (s *serviceSuite) place(sku string, quantity int) *fulfillment.PlacedOrder {
	placed, err := s.svc.PlaceOrder(s.T().Context(), randomRequest(sku, quantity))
	s.Require().NoError(err)
	return placed
}

func successPayload(pay *payment.Payment) []byte {
	return fmt.Appendf(nil, `{"payment_id":%q,"status":"success","amount_minor":%d}`, pay.ID, pay.Amount)
}

func (s *serviceSuite) settle(placed *fulfillment.PlacedOrder) {
	res, err := s.payments.HandleCallback(s.T().Context(), payment.Callback{Payload: successPayload(placed.Payment)})
	s.Require().NoError(err)
	s.Require().Equal(payment.OutcomeSettled, res.Outcome)
}

func (s *serviceSuite) historyCount(orderID uuid.UUID, from, to order.Status) int {
	history, err := s.orders.History(s.T().Context(), orderID)
	s.Require().NoError(err)
	return lo.CountBy(history, func(h order.HistoryEntry) bool {
		return h.From == from && h.To == to
	})
}

func logEvents(pay *payment.Payment) []payment.EventKind {
	return lo.Map(pay.Log, func(e payment.LogEntry, _ int) payment.EventKind { return e.Event })
}

func (s *serviceSuite) TestPlaceOrder() {
	tests := []struct {
		name      string
		stock     int
		quantity  int
		mutate    func(*fulfillment.PlaceOrderRequest)
		wantErr   func(error) bool
		wantStock int
	}{
		{
			name:      "reserves stock and opens an intent: ok",
			stock:     10,
			quantity:  3,
			wantStock: 7,
		},
		{
			name:     "not enough stock: fail",
			stock:    1,
			quantity: 2,
			wantErr: func(err error) bool {
				var target *apperr.InsufficientStockError
				return errors.As(err, &target)
			},
			wantStock: 1,
		},
		{
			name:     "unknown sku: not found",
			stock:    5,
			quantity: 1,
			mutate: func(r *fulfillment.PlaceOrderRequest) {
				r.SKU = "missing-" + gofakeit.LetterN(6)
			},
			wantErr:   func(err error) bool { return errors.Is(err, apperr.ErrNotFound) },
			wantStock: 5,
		},
		{
			name:     "bad currency: validation",
			stock:    5,
			quantity: 1,
			mutate: func(r *fulfillment.PlaceOrderRequest) {
				r.Currency = "XX"
			},
			wantErr: func(err error) bool {
				var target *apperr.ValidationError
				return errors.As(err, &target)
			},
			wantStock: 5,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			t := s.T()
			ctx := t.Context()

			sku := s.seedStock(tt.stock)
			req := randomRequest(sku, tt.quantity)
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			placed, err := s.svc.PlaceOrder(ctx, req)
			assert.Equal(t, tt.wantStock, s.available(sku))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "unexpected error: %v", err)

				orders, err := s.orders.ListForUser(ctx, req.UserID)
				require.NoError(t, err)
				assert.Empty(t, orders)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, order.StatusPending, placed.Order.Status)
			assert.Equal(t, req.UnitPrice*int64(req.Quantity), placed.Order.TotalAmount)
			assert.Equal(t, payment.StatusInit, placed.Payment.Status)
			assert.Equal(t, placed.Order.TotalAmount, placed.Payment.Amount)
			assert.WithinDuration(t, s.clock.Now().Add(payment.DefaultIntentTTL), placed.Payment.ExpiresAt, time.Second)

			got, err := s.orders.GetForUser(ctx, req.UserID, placed.Order.ID)
			require.NoError(t, err)
			assert.Equal(t, req.Recipient, got.Shipping.Name)
			assert.NotEmpty(t, got.Shipping.City)
		})
	}
}

func (s *serviceSuite) TestConcurrentReservationsNeverOversell() {
	const (
		stock   = 5
		buyers  = 12
		perUnit = 1
	)
	sku := s.seedStock(stock)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.PlaceOrder(s.T().Context(), randomRequest(sku, perUnit))
			var short *apperr.InsufficientStockError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &short):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(stock), succeeded.Load())
	s.Equal(int32(buyers-stock), rejected.Load())
	s.Equal(0, s.available(sku))
}

func (s *serviceSuite) TestCancelRestoresStock() {
	ctx := s.T().Context()
	sku := s.seedStock(10)
	placed := s.place(sku, 2)
	s.Equal(8, s.available(sku))

	cancelled, err := s.svc.Cancel(ctx, placed.Order.ID, "user:"+placed.Order.UserID.String(), "changed my mind")
	s.Require().NoError(err)
	s.Equal(order.StatusCancelled, cancelled.Status)
	s.Equal(10, s.available(sku))

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusExpired, pay.Status)

	// A second cancellation is a no-op.
	_, err = s.svc.Cancel(ctx, placed.Order.ID, "user:"+placed.Order.UserID.String(), "again")
	s.Require().NoError(err)
	s.Equal(10, s.available(sku))
	s.Equal(1, s.historyCount(placed.Order.ID, order.StatusPending, order.StatusCancelled))
	s.Equal(1, s.notifier.count(notify.TemplateOrderCancelled))
}

func (s *serviceSuite) TestCancelPaidOrderIsRejected() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(3), 1)
	s.settle(placed)

	_, err := s.svc.Cancel(ctx, placed.Order.ID, "user:x", "")
	var transition *apperr.InvalidTransitionError
	s.Require().ErrorAs(err, &transition)
	s.Equal(string(order.StatusPaid), transition.From)
}

func (s *serviceSuite) TestDuplicateSuccessCallbackSettlesOnce() {
	ctx := s.T().Context()
	sku := s.seedStock(4)
	placed := s.place(sku, 2)
	payload := successPayload(placed.Payment)

	first, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: payload})
	s.Require().NoError(err)
	s.Equal(payment.OutcomeSettled, first.Outcome)

	second, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: payload})
	s.Require().NoError(err)
	s.Equal(payment.OutcomeDuplicate, second.Outcome)

	// Queued redelivery of the same event is dropped by the inbox.
	msg := contracts.PaymentCallbackMessage{EventID: uuid.NewString(), Payload: payload}
	s.Require().NoError(s.payments.HandleQueued(ctx, msg))
	s.Require().NoError(s.payments.HandleQueued(ctx, msg))

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPaid, o.Status)
	s.NotNil(o.PaidAt)

	s.Equal(1, s.historyCount(placed.Order.ID, order.StatusPending, order.StatusPaid))
	s.Equal(1, s.notifier.count(notify.TemplatePaymentSucceeded))

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusSucceeded, pay.Status)
	s.Equal(1, lo.Count(logEvents(pay), payment.EventSucceeded))

	unit, err := s.stock.Get(ctx, sku)
	s.Require().NoError(err)
	s.Equal(2, unit.SalesCount)
}

func (s *serviceSuite) TestAmountMismatchChangesNothing() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)

	payload := fmt.Appendf(nil, `{"payment_id":%q,"status":"success","amount":{"total":"%s"}}`,
		placed.Payment.ID, payment.FormatMajor(placed.Payment.Amount+1, "USD"))
	_, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: payload})

	var mismatch *apperr.AmountMismatchError
	s.Require().ErrorAs(err, &mismatch)
	s.Equal(placed.Payment.Amount, mismatch.Expected)
	s.Equal(placed.Payment.Amount+1, mismatch.Reported)

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusInit, pay.Status)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPending, o.Status)
}

func (s *serviceSuite) TestWrappedAmountIsRejected() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)

	// recorded + 2^64 truncates to the recorded amount in int64.
	wrapped := new(big.Int).Lsh(big.NewInt(1), 64)
	wrapped.Add(wrapped, big.NewInt(placed.Payment.Amount))
	payload := fmt.Appendf(nil, `{"payment_id":%q,"status":"success","amount_cents":%s}`, placed.Payment.ID, wrapped)

	_, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: payload})
	var validation *apperr.ValidationError
	s.Require().ErrorAs(err, &validation)

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusInit, pay.Status)
}

func (s *serviceSuite) TestFailureCallbackKeepsOrderPending() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)

	payload := fmt.Appendf(nil, `{"payment_id":%q,"status":"declined"}`, placed.Payment.ID)
	res, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: payload})
	s.Require().NoError(err)
	s.Equal(payment.OutcomeFailed, res.Outcome)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPending, o.Status)

	retry, err := s.svc.RetryPayment(ctx, placed.Order.ID, "card")
	s.Require().NoError(err)
	s.Equal(payment.StatusInit, retry.Status)
}

func (s *serviceSuite) TestLateCallbackAfterExpiry() {
	ctx := s.T().Context()
	sku := s.seedStock(3)
	placed := s.place(sku, 1)

	s.clock.Advance(payment.DefaultIntentTTL + time.Second)
	rep, err := s.sweeper.ExpirePayments(ctx, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusCancelled, o.Status)
	s.Equal(3, s.available(sku))

	res, err := s.payments.HandleCallback(ctx, payment.Callback{Payload: successPayload(placed.Payment)})
	s.Require().NoError(err)
	s.Equal(payment.OutcomeLate, res.Outcome)

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusExpired, pay.Status)
	s.Contains(logEvents(pay), payment.EventLateCallback)
}

func (s *serviceSuite) TestExpiryKeepsOrderWithLiveRetry() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(3), 1)

	s.clock.Advance(10 * time.Minute)
	retry, err := s.svc.RetryPayment(ctx, placed.Order.ID, "card")
	s.Require().NoError(err)

	// First intent overdue, retried one still live.
	s.clock.Advance(payment.DefaultIntentTTL - 10*time.Minute + time.Second)
	rep, err := s.sweeper.ExpirePayments(ctx, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPending, o.Status)

	s.clock.Advance(10 * time.Minute)
	rep, err = s.sweeper.ExpirePayments(ctx, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	pay, err := s.payments.Get(ctx, retry.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusExpired, pay.Status)

	o, err = s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusCancelled, o.Status)
}

func (s *serviceSuite) TestStartRejectsExpiredIntent() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(3), 1)

	s.clock.Advance(payment.DefaultIntentTTL)
	_, err := s.payments.Start(ctx, placed.Payment.ID, payment.Client{UserID: placed.Order.UserID.String()})
	s.Require().ErrorIs(err, apperr.ErrPaymentExpired)
	s.Zero(s.provider.created)
}

func (s *serviceSuite) TestUnpaidSweepIsIdempotent() {
	ctx := s.T().Context()
	sku := s.seedStock(5)
	placed := s.place(sku, 2)

	s.clock.Advance(31 * time.Minute)

	first, err := s.sweeper.CancelUnpaid(ctx, 30*time.Minute, false)
	s.Require().NoError(err)
	s.Equal(1, first.Candidates)
	s.Equal(1, first.Applied)

	second, err := s.sweeper.CancelUnpaid(ctx, 30*time.Minute, false)
	s.Require().NoError(err)
	s.Zero(second.Candidates)

	s.Equal(1, s.historyCount(placed.Order.ID, order.StatusPending, order.StatusCancelled))
	s.Equal(5, s.available(sku))
}

func (s *serviceSuite) TestUnpaidSweepDryRunChangesNothing() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(5), 1)

	s.clock.Advance(time.Hour)
	rep, err := s.sweeper.CancelUnpaid(ctx, 30*time.Minute, true)
	s.Require().NoError(err)
	s.Equal(1, rep.Candidates)
	s.Equal(1, rep.Skipped)
	s.Zero(rep.Applied)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPending, o.Status)
}

func (s *serviceSuite) TestSweepRacingCallbackConverges() {
	ctx := s.T().Context()

	for range 5 {
		sku := s.seedStock(1)
		placed := s.place(sku, 1)
		s.clock.Advance(31 * time.Minute)

		var (
			wg         sync.WaitGroup
			sweepErr   error
			callback   payment.CallbackResult
			callbackEr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, sweepErr = s.svc.CancelUnpaid(ctx, placed.Order.ID, "unpaid")
		}()
		go func() {
			defer wg.Done()
			callback, callbackEr = s.payments.HandleCallback(ctx, payment.Callback{Payload: successPayload(placed.Payment)})
		}()
		wg.Wait()
		s.Require().NoError(sweepErr)
		s.Require().NoError(callbackEr)

		o, err := s.orders.Get(ctx, placed.Order.ID)
		s.Require().NoError(err)
		pay, err := s.payments.Get(ctx, placed.Payment.ID)
		s.Require().NoError(err)

		switch o.Status {
		case order.StatusPaid:
			s.Equal(payment.OutcomeSettled, callback.Outcome)
			s.Equal(payment.StatusSucceeded, pay.Status)
			s.Equal(0, s.available(sku))
			s.Zero(s.historyCount(o.ID, order.StatusPending, order.StatusCancelled))
		case order.StatusCancelled:
			s.Equal(payment.OutcomeLate, callback.Outcome)
			s.Equal(payment.StatusExpired, pay.Status)
			s.Equal(1, s.available(sku))
			s.Zero(s.historyCount(o.ID, order.StatusPending, order.StatusPaid))
		default:
			s.Failf("unexpected order status", "status %s", o.Status)
		}
	}
}

func (s *serviceSuite) TestManualConfirmation() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)

	res, err := s.payments.ConfirmManual(ctx, placed.Payment.ID, "operator:alice")
	s.Require().NoError(err)
	s.Equal(payment.OutcomeSettled, res.Outcome)

	pay, err := s.payments.Get(ctx, placed.Payment.ID)
	s.Require().NoError(err)
	events := logEvents(pay)
	s.Equal([]payment.EventKind{payment.EventCreated, payment.EventManualConfirm, payment.EventSucceeded}, events)
}

func (s *serviceSuite) TestReconcileSettlesFromProvider() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)

	started, err := s.payments.Start(ctx, placed.Payment.ID, payment.Client{UserID: placed.Order.UserID.String()})
	s.Require().NoError(err)
	s.Equal(payment.StatusProcessing, started.Payment.Status)
	s.NotEmpty(started.RedirectURL)

	s.clock.Advance(6 * time.Minute)

	// Still pending at the provider: nothing changes.
	rep, err := s.sweeper.ReconcileProvider(ctx, 5*time.Minute, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Candidates)
	s.Equal(1, rep.Skipped)

	s.provider.report(started.Payment.ProviderRef, provider.OutcomeSucceeded, placed.Payment.Amount)
	rep, err = s.sweeper.ReconcileProvider(ctx, 5*time.Minute, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPaid, o.Status)
}

func (s *serviceSuite) TestShippingRetriesWithBackoff() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 1)
	s.settle(placed)

	outage := apperr.External("logistics platform", errors.New("503 service unavailable"))
	s.logistics.uploadErrs = []error{outage, outage, outage}

	shipped, err := s.svc.Ship(ctx, placed.Order.ID, shipping.Shipment{Carrier: "dhl", TrackingNumber: "TRK1"}, "operator:bob")
	s.Require().NoError(err)
	s.Equal(order.StatusShipped, shipped.Order.Status)
	s.Equal(shipping.StatusFailed, shipped.Sync.Status)
	s.Equal(1, shipped.Sync.RetryCount)
	s.Require().NotNil(shipped.Sync.NextRetryAt)
	s.WithinDuration(s.clock.Now().Add(30*time.Second), *shipped.Sync.NextRetryAt, time.Millisecond)

	// Not due yet.
	rep, err := s.sweeper.RetryShipping(ctx, 10, false)
	s.Require().NoError(err)
	s.Zero(rep.Candidates)

	for i, wait := range []time.Duration{30 * time.Second, time.Minute} {
		s.clock.Advance(wait)
		rep, err := s.sweeper.RetryShipping(ctx, 10, false)
		s.Require().NoError(err)
		s.Equal(1, rep.Deferred, "retry %d", i+1)

		rec, err := s.shipments.GetForOrder(ctx, placed.Order.ID)
		s.Require().NoError(err)
		s.Equal(i+2, rec.RetryCount)
		s.Require().NotNil(rec.NextRetryAt)
		s.WithinDuration(s.clock.Now().Add(2*wait), *rec.NextRetryAt, time.Millisecond)
	}

	s.clock.Advance(2 * time.Minute)
	rep, err = s.sweeper.RetryShipping(ctx, 10, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	rec, err := s.shipments.GetForOrder(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(shipping.StatusSucceeded, rec.Status)
	s.Empty(rec.Error)
	s.Nil(rec.NextRetryAt)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.ExternalShipmentSynced, o.ExternalStatus)
	s.NotEmpty(o.ExternalID)
	s.Equal(4, s.logistics.uploads)
	s.Equal(1, s.notifier.count(notify.TemplateOrderShipped))
}

func (s *serviceSuite) TestUnattemptedShipmentIsSwept() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(1), 1)
	s.settle(placed)

	// The record commits but the process dies before the first upload.
	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	var rec *shipping.Record
	err = storage.WithTx(ctx, s.db.Pool, func(tx pgx.Tx) error {
		rec, err = s.shipments.EnqueueTx(ctx, tx, o, shipping.Shipment{Carrier: "dhl", TrackingNumber: "TRK9"})
		return err
	})
	s.Require().NoError(err)
	s.Equal(shipping.StatusPending, rec.Status)

	rep, err := s.sweeper.RetryShipping(ctx, 10, false)
	s.Require().NoError(err)
	s.Zero(rep.Candidates, "a fresh record still belongs to its request")

	s.clock.Advance(shipping.PendingGrace + time.Second)
	rep, err = s.sweeper.RetryShipping(ctx, 10, false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	rec, err = s.shipments.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(shipping.StatusSucceeded, rec.Status)
	s.Equal(1, s.logistics.uploads)
}

func (s *serviceSuite) TestOverlappingAttemptsCountEveryFailure() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(1), 1)
	s.settle(placed)

	outage := apperr.External("logistics platform", errors.New("timeout"))
	s.logistics.uploadErrs = []error{outage}
	shipped, err := s.svc.Ship(ctx, placed.Order.ID, shipping.Shipment{Carrier: "dhl", TrackingNumber: "TRK2"}, "operator:bob")
	s.Require().NoError(err)
	s.Require().Equal(1, shipped.Sync.RetryCount)

	s.logistics.uploadErrs = []error{outage, outage}
	s.logistics.gate = make(chan struct{})
	s.logistics.arrived = make(chan struct{}, 2)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.shipments.Attempt(ctx, shipped.Sync.ID)
		}()
	}
	// Both attempts have read retry_count=1 before either records its failure.
	<-s.logistics.arrived
	<-s.logistics.arrived
	close(s.logistics.gate)
	wg.Wait()

	rec, err := s.shipments.Get(ctx, shipped.Sync.ID)
	s.Require().NoError(err)
	s.Equal(3, rec.RetryCount)
	s.Require().NotNil(rec.NextRetryAt)
}

func (s *serviceSuite) TestShippingPlatformErrors() {
	tests := []struct {
		name       string
		err        error
		wantStatus shipping.Status
		wantParked bool
	}{
		{
			name:       "already delivered counts as success",
			err:        &provider.PlatformError{Code: "already_delivered", Message: "done"},
			wantStatus: shipping.StatusSucceeded,
		},
		{
			name:       "rejected payload is parked",
			err:        &provider.PlatformError{Code: "invalid_tracking", Message: "bad number"},
			wantStatus: shipping.StatusFailed,
			wantParked: true,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			ctx := s.T().Context()
			placed := s.place(s.seedStock(1), 1)
			s.settle(placed)
			s.logistics.uploadErrs = []error{tt.err}

			shipped, err := s.svc.Ship(ctx, placed.Order.ID, shipping.Shipment{Carrier: "ups", TrackingNumber: "X"}, "operator:bob")
			s.Require().NoError(err)
			s.Equal(tt.wantStatus, shipped.Sync.Status)
			s.Equal(tt.wantParked, shipped.Sync.Parked())

			s.clock.Advance(24 * time.Hour)
			rep, err := s.sweeper.RetryShipping(ctx, 10, false)
			s.Require().NoError(err)
			s.Zero(rep.Candidates)
		})
	}
}

func (s *serviceSuite) TestRefundFlow() {
	ctx := s.T().Context()
	placed := s.place(s.seedStock(2), 2)
	s.settle(placed)
	total := placed.Order.TotalAmount

	_, err := s.payments.RequestRefund(ctx, payment.RefundRequest{OrderID: placed.Order.ID, Amount: total + 1, Operator: "operator:carol"})
	var validation *apperr.ValidationError
	s.Require().ErrorAs(err, &validation)

	first, err := s.payments.RequestRefund(ctx, payment.RefundRequest{OrderID: placed.Order.ID, Amount: total / 2, Reason: "damaged", Operator: "operator:carol"})
	s.Require().NoError(err)
	second, err := s.payments.RequestRefund(ctx, payment.RefundRequest{OrderID: placed.Order.ID, Amount: total - total/2, Reason: "damaged", Operator: "operator:carol"})
	s.Require().NoError(err)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusRefunding, o.Status)

	_, err = s.payments.CompleteRefund(ctx, payment.RefundCompletion{RefundID: first.ID, Succeeded: true, Operator: "operator:carol"})
	s.Require().NoError(err)
	o, err = s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusRefunding, o.Status)

	done, err := s.payments.CompleteRefund(ctx, payment.RefundCompletion{RefundID: second.ID, Succeeded: true, Operator: "operator:carol"})
	s.Require().NoError(err)
	s.Equal(payment.RefundSucceeded, done.Status)

	o, err = s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusRefunded, o.Status)
	s.Equal(1, s.notifier.count(notify.TemplateRefundCompleted))
}

func (s *serviceSuite) TestRejectedExternalCancellationCanBeRolledBack() {
	ctx := s.T().Context()
	sku := s.seedStock(4)
	req := randomRequest(sku, 3)
	req.ExternalID = "mk-" + gofakeit.LetterN(6)
	placed, err := s.svc.PlaceOrder(ctx, req)
	s.Require().NoError(err)

	s.logistics.cancelErr = apperr.External("logistics platform", errors.New("order already picked"))
	cancelled, err := s.svc.Cancel(ctx, placed.Order.ID, "operator:dave", "customer request")
	s.Require().NoError(err)
	s.Equal(order.StatusCancelled, cancelled.Status)
	s.Equal(order.ExternalCancelFailed, cancelled.ExternalStatus)
	s.Equal([]string{req.ExternalID}, s.logistics.cancelled)
	s.Equal(4, s.available(sku))

	dry, err := s.sweeper.RollbackCancellations(ctx, "operator:dave", true)
	s.Require().NoError(err)
	s.Equal(1, dry.Candidates)
	s.Zero(dry.Applied)

	rep, err := s.sweeper.RollbackCancellations(ctx, "operator:dave", false)
	s.Require().NoError(err)
	s.Equal(1, rep.Applied)

	o, err := s.orders.Get(ctx, placed.Order.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusPending, o.Status)
	s.Equal(order.ExternalCancelRolledBack, o.ExternalStatus)
	s.Equal(1, s.available(sku))
	s.Equal(1, s.historyCount(o.ID, order.StatusCancelled, order.StatusPending))
}

func (s *serviceSuite) TestRebuildSales() {
	ctx := s.T().Context()
	sku := s.seedStock(10)
	s.settle(s.place(sku, 2))
	s.settle(s.place(sku, 3))
	s.place(sku, 1)

	_, err := s.db.Pool.Exec(ctx, `UPDATE inventory_units SET sales_count = 0 WHERE sku = $1`, sku)
	s.Require().NoError(err)

	dry, err := s.stock.RebuildSales(ctx, true)
	s.Require().NoError(err)
	s.Equal(5, dry[sku])
	unit, err := s.stock.Get(ctx, sku)
	s.Require().NoError(err)
	s.Zero(unit.SalesCount)

	_, err = s.stock.RebuildSales(ctx, false)
	s.Require().NoError(err)
	unit, err = s.stock.Get(ctx, sku)
	s.Require().NoError(err)
	s.Equal(5, unit.SalesCount)
}
