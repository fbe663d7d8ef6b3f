// Package app wires the layers together for the server and the
// reconcile command.
package app

import (
	"context"
	"fmt"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/config"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/database"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway/mpesa"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/notify"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// App holds the constructed services and the resources they own.
type App struct {
	Pool    *pgxpool.Pool
	Metrics *metrics.Metrics

	Events   *service.EventService
	Orders   *service.OrderService
	Payments *service.PaymentService
	Sweeper  *service.Sweeper

	closers []func() error
	logger  *zap.Logger
}

// New connects to the database, applies migrations and builds every
// service. Metrics are registered with reg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Pool: pool, Metrics: metrics.New(reg), logger: logger}

	txm := repository.NewTxManager(pool)
	eventRepo := repository.NewEventRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	txnRepo := repository.NewTransactionRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)

	gw := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	}, mpesa.WithLogger(logger.Named("mpesa")))

	var notifier notify.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kd := notify.NewKafkaDispatcher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger.Named("notify"))
		a.closers = append(a.closers, kd.Close)
		notifier = kd
		logger.Info("publishing confirmations to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	} else {
		notifier = notify.NewLogDispatcher(logger.Named("notify"))
	}

	a.Events = service.NewEventService(eventRepo)
	a.Orders = service.NewOrderService(txm, eventRepo, orderRepo, txnRepo, logger, a.Metrics,
		service.WithMaxTicketsPerOrder(cfg.MaxTicketsPerOrder),
	)
	a.Payments = service.NewPaymentService(txm, a.Orders, orderRepo, txnRepo, outboxRepo, gw, notifier, logger, a.Metrics,
		service.WithGatewayTimeout(cfg.Mpesa.Timeout),
	)
	a.Sweeper = service.NewSweeper(a.Orders, a.Payments, txnRepo, orderRepo, service.SweepConfig{
		ReservationTTL: cfg.ReservationTTL,
		PendingAfter:   cfg.PendingReconcileAge,
		Limit:          cfg.SweepLimit,
	}, logger.Named("sweeper"), a.Metrics)
	return a, nil
}

// Close waits for in-flight notifications, then releases resources.
func (a *App) Close() {
	a.Payments.Wait()
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.Pool.Close()
}
