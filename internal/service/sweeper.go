package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"go.uber.org/zap"
)

const defaultSweepLimit = 100

// SweepConfig controls which records the sweeper considers stale.
type SweepConfig struct {
	// ReservationTTL is how long a RESERVED order may wait for payment.
	ReservationTTL time.Duration
	// PendingAfter is how long a PENDING payment may wait for its callback
	// before the gateway is asked directly. It must be longer than the
	// gateway timeout.
	PendingAfter time.Duration
	// Limit caps the records handled per kind in one pass.
	Limit int
}

// SweepReport counts what one pass did, or would do in a dry run.
type SweepReport struct {
	Abandoned  int
	Reconciled int
	StillOpen  int
	Cancelled  int
	Notified   int
	Errors     int
}

// Sweeper expires unpaid reservations, chases missing callbacks and
// relays notifications that could not be delivered.
type Sweeper struct {
	orders   *OrderService
	payments *PaymentService
	ledger   PaymentLedger
	store    OrderStore
	cfg      SweepConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(orders *OrderService, payments *PaymentService, ledger PaymentLedger, store OrderStore, cfg SweepConfig, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultSweepLimit
	}
	return &Sweeper{
		orders:   orders,
		payments: payments,
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      utcNow,
	}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, false); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce makes a single pass. Stale PENDING payments come first so that
// orders freed by a failed payment can expire in the same pass. With
// dryRun set nothing is changed and the report lists candidates.
func (s *Sweeper) RunOnce(ctx context.Context, dryRun bool) (SweepReport, error) {
	var report SweepReport

	stale, err := s.ledger.ListStalePending(ctx, s.now().Add(-s.cfg.PendingAfter), s.cfg.Limit)
	if err != nil {
		return report, fmt.Errorf("list stale payments: %w", err)
	}
	for _, t := range stale {
		log := s.logger.With(zap.String("order_id", t.OrderID), zap.String("attempt_id", t.ID))

		if t.CheckoutRequestID == "" {
			if s.payments.mayBeInFlight(t) {
				report.StillOpen++
				continue
			}
			if dryRun {
				report.Abandoned++
				continue
			}
			err := s.payments.FailAbandonedAttempt(ctx, t)
			if errors.Is(err, errAttemptInFlight) {
				report.StillOpen++
				continue
			}
			if err != nil {
				report.Errors++
				log.Warn("could not fail abandoned payment", zap.Error(err))
				continue
			}
			report.Abandoned++
			s.metrics.Sweeps.WithLabelValues("abandoned").Inc()
			continue
		}

		if dryRun {
			report.StillOpen++
			continue
		}
		outcome, err := s.payments.Reconcile(ctx, t.CheckoutRequestID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return report, err
			}
			report.Errors++
			log.Warn("reconcile failed", zap.String("checkout_request_id", t.CheckoutRequestID), zap.Error(err))
			continue
		}
		if outcome == OutcomeStillPending {
			report.StillOpen++
			continue
		}
		report.Reconciled++
		s.metrics.Sweeps.WithLabelValues("reconciled").Inc()
	}

	if dryRun {
		ids, err := s.store.ListStaleReserved(ctx, s.now().Add(-s.cfg.ReservationTTL), s.cfg.Limit)
		if err != nil {
			return report, fmt.Errorf("list stale orders: %w", err)
		}
		report.Cancelled = len(ids)
		if report.Notified, err = s.payments.pendingNotifications(ctx, s.cfg.Limit); err != nil {
			return report, fmt.Errorf("list pending notifications: %w", err)
		}
		return report, nil
	}

	cancelled, err := s.orders.CancelStaleOrders(ctx, s.cfg.ReservationTTL, s.cfg.Limit)
	report.Cancelled = cancelled
	s.metrics.Sweeps.WithLabelValues("cancelled").Add(float64(cancelled))
	if err != nil {
		return report, err
	}

	sent, failed, err := s.payments.RelayNotifications(ctx, s.cfg.Limit)
	report.Notified = sent
	report.Errors += failed
	s.metrics.Sweeps.WithLabelValues("notified").Add(float64(sent))
	if err != nil {
		return report, err
	}

	if report != (SweepReport{}) {
		s.logger.Info("sweep finished",
			zap.Int("abandoned", report.Abandoned),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("still_open", report.StillOpen),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("notified", report.Notified),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}
