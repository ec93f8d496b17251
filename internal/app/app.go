package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rabbitmq/amqp091-go"

	"gozon/fulfillment/internal/address"
	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/audit"
	"gozon/fulfillment/internal/config"
	"gozon/fulfillment/internal/fulfillment"
	"gozon/fulfillment/internal/httpapi"
	"gozon/fulfillment/internal/inventory"
	"gozon/fulfillment/internal/notify"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/provider"
	"gozon/fulfillment/internal/reconcile"
	"gozon/fulfillment/internal/shipping"
	"gozon/fulfillment/internal/storage"
	"gozon/fulfillment/internal/telemetry"
	"gozon/fulfillment/internal/websocket"
	"gozon/fulfillment/pkg/contracts"
	"gozon/fulfillment/pkg/messaging"
)

const serviceName = "fulfillment-service"

// Core is the domain graph shared by the service and the operator CLI.
type Core struct {
	Store       *storage.Store
	Stock       *inventory.Ledger
	Orders      *order.Machine
	Payments    *payment.Pipeline
	Shipments   *shipping.Retrier
	Fulfillment *fulfillment.Service
	Sweeper     *reconcile.Sweeper
}

// NewCore connects to the database, applies migrations and builds the domain
// services. listener may be nil when nobody watches live updates.
func NewCore(ctx context.Context, cfg config.Config, logger *slog.Logger, notifier notify.Dispatcher, listener order.UpdateListener) (*Core, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pool := store.Pool()

	stock := inventory.NewLedger(pool)
	orders := order.NewMachine(pool, stock, listener, logger, nil)
	sink := audit.NewPGSink(pool)

	payProvider := provider.NewHTTPPaymentProvider(cfg.Payment.Provider, cfg.Payment.URL, cfg.Payment.Secret, cfg.Payment.Timeout)
	if cfg.Payment.InsecureCallbacks && cfg.Payment.Secret == "" {
		logger.Warn("payment callbacks are not authenticated", "provider", cfg.Payment.Provider)
		payProvider.AllowUnsignedCallbacks()
	}
	logistics := provider.NewHTTPLogisticsPlatform(cfg.Logistics.URL, cfg.Logistics.Secret, cfg.Logistics.Timeout)

	payments := payment.NewPipeline(payment.Deps{
		Pool:     pool,
		Orders:   orders,
		Provider: payProvider,
		Notifier: notifier,
		Audit:    sink,
		Guard:    payment.NewGuard(cfg.Payment.MaxAmount, cfg.Payment.ClientWindow, nil),
		Logger:   logger,
	})
	shipments := shipping.NewRetrier(pool, logistics, cfg.Shipping.Policy(), cfg.Shipping.DeliveredCodes, logger, nil)

	svc := fulfillment.NewService(fulfillment.Deps{
		Pool:      pool,
		Orders:    orders,
		Stock:     stock,
		Payments:  payments,
		Shipments: shipments,
		Logistics: logistics,
		Notifier:  notifier,
		Audit:     sink,
		Parser:    address.CommaParser{},
		IntentTTL: cfg.Payment.IntentTTL,
		Logger:    logger,
	})

	sweeper := reconcile.NewSweeper(reconcile.Deps{
		Orders:    orders,
		Canceller: svc,
		Payments:  payments,
		Shipping:  shipments,
		Batch:     cfg.Reconcile.Batch,
		Logger:    logger,
	})

	return &Core{
		Store:       store,
		Stock:       stock,
		Orders:      orders,
		Payments:    payments,
		Shipments:   shipments,
		Fulfillment: svc,
		Sweeper:     sweeper,
	}, nil
}

func (c *Core) Close() {
	c.Store.Close()
}

type App struct {
	cfg           config.Config
	logger        *slog.Logger
	core          *Core
	wsHub         *websocket.Hub
	orderEvents   messaging.Publisher
	notifications messaging.Publisher
	outbox        *messaging.OutboxDispatcher
	consumer      *messaging.Consumer
	scheduler     *reconcile.Scheduler
	httpSrv       *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	notifications, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.NotificationsExchange)
	if err != nil {
		return nil, err
	}

	wsHub := websocket.NewHub(logger)

	core, err := NewCore(ctx, cfg, logger, notify.NewBrokerDispatcher(notifications), wsHub)
	if err != nil {
		_ = notifications.Close()
		return nil, err
	}

	orderEvents, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.OrdersExchange)
	if err != nil {
		core.Close()
		_ = notifications.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.PaymentsExchange, cfg.CallbackQueue, contracts.EventPaymentCallback, 8, logger)
	if err != nil {
		core.Close()
		_ = notifications.Close()
		_ = orderEvents.Close()
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Fulfillment: core.Fulfillment,
		Orders:      core.Orders,
		Payments:    core.Payments,
		Stock:       core.Stock,
		Logger:      logger,
	})
	wsHandler := websocket.NewHandler(wsHub, core.Orders, logger)
	api.HandleFunc("GET /orders/{orderID}/ws", wsHandler.ServeWS)

	var scheduler *reconcile.Scheduler
	if cfg.Reconcile.Enabled {
		scheduler = reconcile.NewScheduler(
			reconcile.DefaultTasks(core.Sweeper, cfg.Reconcile.UnpaidTimeout, cfg.Reconcile.QueryAfter, cfg.Reconcile.ShippingBatch),
			reconcile.NewAdvisoryLocker(core.Store.Pool(), reconcile.SchedulerLockKey),
			cfg.Reconcile.Interval,
			cfg.Reconcile.Interval,
			logger,
		)
	}

	return &App{
		cfg:           cfg,
		logger:        logger,
		core:          core,
		wsHub:         wsHub,
		orderEvents:   orderEvents,
		notifications: notifications,
		outbox:        messaging.NewOutboxDispatcher(core.Store.Pool(), orderEvents, order.OutboxTable, cfg.OutboxInterval, cfg.OutboxBatchSize, logger),
		consumer:      consumer,
		scheduler:     scheduler,
		httpSrv: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: api,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		err := a.consumer.Start(ctx, a.handlePaymentCallback)
		if err == nil && ctx.Err() == nil {
			err = errors.New("payment callback consumer stopped")
		}
		errCh <- err
	}()

	if a.scheduler != nil {
		go func() {
			errCh <- a.scheduler.Run(ctx)
		}()
	}

	go func() {
		a.logger.Info("fulfillment http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	_ = a.consumer.Close()
	_ = a.orderEvents.Close()
	_ = a.notifications.Close()
	a.core.Close()
}

// handlePaymentCallback settles a queued provider callback. Malformed or
// rejected callbacks are dead-lettered; infrastructure failures are requeued.
func (a *App) handlePaymentCallback(ctx context.Context, msg amqp091.Delivery) messaging.Disposition {
	var cb contracts.PaymentCallbackMessage
	if err := json.Unmarshal(msg.Body, &cb); err != nil {
		a.logger.Error("invalid payment callback", "message_id", msg.MessageId, "err", err)
		return messaging.Reject
	}
	if cb.EventID == "" {
		cb.EventID = msg.MessageId
	}

	err := a.core.Payments.HandleQueued(ctx, cb)
	switch {
	case err == nil:
		return messaging.Ack
	case apperr.IsPermanent(err), apperr.IsBusiness(err):
		a.logger.Warn("payment callback rejected", "event_id", cb.EventID, "payment_id", cb.PaymentID, "err", err)
		return messaging.Reject
	default:
		a.logger.Error("payment callback failed", "event_id", cb.EventID, "payment_id", cb.PaymentID, "err", err)
		return messaging.Requeue
	}
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
