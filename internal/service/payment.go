package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/notify"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	notifyTimeout         = 10 * time.Second

	// attachGrace covers the claim transaction and the ledger update that
	// surround the gateway call in Initiate.
	attachGrace = 30 * time.Second
)

// errAttemptInFlight means an attempt without a checkout id may still be
// waiting on its gateway call.
var errAttemptInFlight = errors.New("payment attempt may still be waiting on the gateway")

// Outcome is the result of applying one gateway callback.
type Outcome int

const (
	// OutcomeApplied means the callback moved a PENDING transaction to a
	// terminal state.
	OutcomeApplied Outcome = iota + 1
	// OutcomeAlreadyApplied means the transaction was already terminal;
	// nothing changed.
	OutcomeAlreadyApplied
	// OutcomeUnknown means no transaction has the callback's id; nothing
	// changed.
	OutcomeUnknown
	// OutcomeStillPending is only returned by Reconcile when the gateway
	// has not decided yet.
	OutcomeStillPending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeStillPending:
		return "still_pending"
	default:
		return "invalid"
	}
}

// PaymentService drives orders through the payment gateway and applies
// the gateway's callbacks.
type PaymentService struct {
	tx       TxRunner
	orders   *OrderService
	store    OrderStore
	ledger   PaymentLedger
	outbox   NotificationOutbox
	gateway  gateway.Gateway
	notifier notify.Dispatcher
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now            func() time.Time
	gatewayTimeout time.Duration

	notifications sync.WaitGroup
}

// PaymentOption customises a PaymentService.
type PaymentOption func(*PaymentService)

// WithGatewayTimeout bounds every gateway call.
func WithGatewayTimeout(d time.Duration) PaymentOption {
	return func(s *PaymentService) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithPaymentClock overrides the time source.
func WithPaymentClock(now func() time.Time) PaymentOption {
	return func(s *PaymentService) { s.now = now }
}

// NewPaymentService constructs a PaymentService with its dependencies.
func NewPaymentService(
	tx TxRunner,
	orders *OrderService,
	store OrderStore,
	ledger PaymentLedger,
	outbox NotificationOutbox,
	gw gateway.Gateway,
	notifier notify.Dispatcher,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...PaymentOption,
) *PaymentService {
	s := &PaymentService{
		tx:             tx,
		orders:         orders,
		store:          store,
		ledger:         ledger,
		outbox:         outbox,
		gateway:        gw,
		notifier:       notifier,
		logger:         logger,
		metrics:        m,
		now:            utcNow,
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateInput is a request to pay for a RESERVED order.
type InitiateInput struct {
	OrderID          string
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
}

// InitiateResult describes an accepted payment request.
type InitiateResult struct {
	Transaction     model.PaymentTransaction
	CustomerMessage string
}

// Initiate asks the gateway to collect payment for an order.
//
// The order is claimed first: a short transaction locks the order row,
// checks it is RESERVED and inserts a PENDING attempt, which the ledger
// allows only once per order. The gateway call happens after that
// transaction commits, so no lock is held while waiting on the network.
// If the gateway fails or times out the attempt is marked FAILED and a
// retry is possible.
func (s *PaymentService) Initiate(ctx context.Context, in InitiateInput) (result *InitiateResult, err error) {
	ctx, span := tracer.Start(ctx, "payment.initiate")
	span.SetAttributes(attribute.String("order.id", in.OrderID))
	defer func() {
		endSpan(span, err)
		s.metrics.Initiations.WithLabelValues(initiateLabel(err)).Inc()
	}()

	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", ErrValidation)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	phone, err := s.gateway.NormalizePayerRef(in.PhoneNumber)
	if err != nil {
		return nil, err
	}

	now := s.now()
	attempt := model.PaymentTransaction{
		ID:          newID(),
		OrderID:     in.OrderID,
		Amount:      in.Amount,
		PhoneNumber: phone,
		Status:      model.TransactionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.store.GetForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderReserved {
			return ErrOrderNotPayable
		}
		if in.Amount != o.TotalAmount {
			return fmt.Errorf("%w: order total is %d, got %d", ErrInvalidAmount, o.TotalAmount, in.Amount)
		}
		if err := s.ledger.CreatePending(ctx, &attempt); err != nil {
			if errors.Is(err, repository.ErrDuplicatePending) {
				return ErrDuplicateInFlight
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ref := in.AccountReference
	if ref == "" {
		ref = shortRef(in.OrderID)
	}
	desc := in.Description
	if desc == "" {
		desc = "Tickets"
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	resp, gwErr := s.gateway.Initiate(gwCtx, gateway.PaymentRequest{
		PhoneNumber:      phone,
		Amount:           in.Amount,
		AccountReference: ref,
		Description:      desc,
	})
	cancel()

	// The request context may already be gone; the ledger must still be
	// brought up to date.
	bg := context.WithoutCancel(ctx)
	if gwErr != nil {
		if err := s.ledger.FailAttempt(bg, attempt.ID, failureReason(gwErr), s.now()); err != nil {
			s.logger.Error("could not release payment claim",
				zap.String("order_id", in.OrderID),
				zap.String("attempt_id", attempt.ID),
				zap.Error(err),
			)
		}
		s.logger.Warn("payment initiation failed",
			zap.String("order_id", in.OrderID),
			zap.Error(gwErr),
		)
		return nil, gwErr
	}

	if err := s.ledger.AttachCheckout(bg, attempt.ID, resp.CheckoutRequestID, resp.MerchantRequestID, s.now()); err != nil {
		if errors.Is(err, repository.ErrAlreadyFinalized) {
			// The claim was failed while the gateway call was in flight.
			// Keep the gateway ids so the callback can still be matched.
			if rerr := s.ledger.RecordLateCheckout(bg, attempt.ID, resp.CheckoutRequestID, resp.MerchantRequestID, s.now()); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		s.logger.Error("gateway accepted payment but ledger update failed",
			zap.String("order_id", in.OrderID),
			zap.String("attempt_id", attempt.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record checkout request: %w", err)
	}

	attempt.CheckoutRequestID = resp.CheckoutRequestID
	attempt.MerchantRequestID = resp.MerchantRequestID
	span.SetAttributes(attribute.String("payment.checkout_request_id", resp.CheckoutRequestID))
	s.logger.Info("payment initiated",
		zap.String("order_id", in.OrderID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.Int64("amount", in.Amount),
	)
	return &InitiateResult{Transaction: attempt, CustomerMessage: resp.CustomerMessage}, nil
}

// HandleCallback applies a gateway callback to the ledger and the order.
//
// Callbacks arrive at least once and in any order. The transaction row is
// the idempotency record: only a PENDING transaction is ever changed, and
// the change happens inside one database transaction that holds the order
// and transaction row locks, so two deliveries of the same callback can
// never both apply. An error is only returned for storage failures;
// unknown and repeated callbacks are reported through the Outcome.
func (s *PaymentService) HandleCallback(ctx context.Context, cb gateway.Callback) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "payment.callback")
	span.SetAttributes(
		attribute.String("payment.checkout_request_id", cb.CheckoutRequestID),
		attribute.Int("payment.result_code", cb.ResultCode),
	)
	defer func() {
		endSpan(span, err)
		label := outcome.String()
		if err != nil {
			label = "error"
		}
		s.metrics.Callbacks.WithLabelValues(label).Inc()
	}()

	log := s.logger.With(
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int("result_code", cb.ResultCode),
	)

	peek, err := s.ledger.GetByCheckoutID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("callback for unknown transaction")
		return OutcomeUnknown, nil
	}
	if err != nil {
		return 0, fmt.Errorf("look up transaction: %w", err)
	}
	if peek.Status.Terminal() {
		logTerminalCallback(log, peek, cb)
		return OutcomeAlreadyApplied, nil
	}

	var (
		order   *model.Order
		txn     *model.PaymentTransaction
		pending *model.OutboxRecord
	)
	outcome = OutcomeApplied
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		// Order row first, then transaction row: the same lock order as
		// Initiate and CancelOrder.
		o, err := s.store.GetForUpdate(ctx, peek.OrderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		t, err := s.ledger.GetByCheckoutIDForUpdate(ctx, cb.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if t.Status.Terminal() {
			logTerminalCallback(log, t, cb)
			outcome = OutcomeAlreadyApplied
			return nil
		}

		now := s.now()
		code := cb.ResultCode
		t.ResultCode, t.ResultDescription, t.UpdatedAt = &code, cb.ResultDesc, now
		order, txn = o, t
		if cb.Succeeded() {
			if err := s.ledger.Finalize(ctx, t.CheckoutRequestID, model.TransactionCompleted, cb.ResultCode, cb.ResultDesc, cb.ReceiptNumber, now); err != nil {
				return err
			}
			t.Status = model.TransactionCompleted
			t.ReceiptNumber = cb.ReceiptNumber

			if cb.Amount != 0 && cb.Amount != t.Amount {
				log.Warn("callback amount differs from requested amount",
					zap.Int64("requested", t.Amount),
					zap.Int64("paid", cb.Amount),
				)
			}
			if o.Status != model.OrderReserved {
				log.Error("payment completed for order that is not reserved; manual refund required",
					zap.String("order_id", o.ID),
					zap.String("order_status", string(o.Status)),
				)
				return nil
			}
			if err := s.store.Transition(ctx, o.ID, model.OrderReserved, model.OrderConfirmed, "payment completed", now); err != nil {
				return err
			}
			o.Status = model.OrderConfirmed
			o.UpdatedAt = now

			rec, err := s.enqueueConfirmation(ctx, notify.Confirmation{
				EventID:     newID(),
				Order:       *o,
				Transaction: *t,
				ConfirmedAt: now,
			})
			if err != nil {
				return err
			}
			pending = rec
		} else {
			if err := s.ledger.Finalize(ctx, t.CheckoutRequestID, model.TransactionFailed, cb.ResultCode, cb.ResultDesc, "", now); err != nil {
				return err
			}
			t.Status = model.TransactionFailed
			if o.Status == model.OrderReserved {
				if err := s.orders.cancelReserved(ctx, o, "payment failed: "+cb.ResultDesc); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrAlreadyFinalized) {
		log.Info("callback for finalized transaction")
		outcome, err = OutcomeAlreadyApplied, nil
	}
	if err != nil {
		return 0, fmt.Errorf("apply callback: %w", err)
	}
	if outcome != OutcomeApplied {
		return outcome, nil
	}

	log.Info("callback applied",
		zap.String("order_id", order.ID),
		zap.String("order_status", string(order.Status)),
		zap.String("transaction_status", string(txn.Status)),
	)
	if pending != nil {
		s.deliverAsync(ctx, *pending)
	}
	return OutcomeApplied, nil
}

// logTerminalCallback reports a callback for a transaction that is
// already final. A success for a FAILED attempt means the payer was
// charged for an attempt that was given up locally.
func logTerminalCallback(log *zap.Logger, t *model.PaymentTransaction, cb gateway.Callback) {
	if t.Status == model.TransactionFailed && cb.Succeeded() {
		log.Error("payment collected for a failed attempt; manual refund required",
			zap.String("order_id", t.OrderID),
			zap.String("attempt_id", t.ID),
			zap.String("receipt", cb.ReceiptNumber),
			zap.Int64("amount", t.Amount),
		)
		return
	}
	log.Info("callback for finalized transaction", zap.String("status", string(t.Status)))
}

// enqueueConfirmation writes c to the outbox. It runs inside the callback
// transaction so the notification commits together with the order.
func (s *PaymentService) enqueueConfirmation(ctx context.Context, c notify.Confirmation) (*model.OutboxRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation: %w", err)
	}
	rec := &model.OutboxRecord{
		ID:        c.EventID,
		OrderID:   c.Order.ID,
		Type:      notify.TypeOrderConfirmed,
		Payload:   payload,
		CreatedAt: c.ConfirmedAt,
	}
	if err := s.outbox.Enqueue(ctx, rec); err != nil {
		return nil, fmt.Errorf("enqueue confirmation: %w", err)
	}
	return rec, nil
}

// deliverAsync tries a freshly committed notification right away. A
// failure leaves the record pending for RelayNotifications.
func (s *PaymentService) deliverAsync(ctx context.Context, rec model.OutboxRecord) {
	ctx = context.WithoutCancel(ctx)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		_ = s.deliver(ctx, rec)
	}()
}

// deliver hands one outbox record to the dispatcher and records the result.
func (s *PaymentService) deliver(ctx context.Context, rec model.OutboxRecord) error {
	log := s.logger.With(zap.String("order_id", rec.OrderID), zap.String("notification_id", rec.ID))

	var c notify.Confirmation
	err := json.Unmarshal(rec.Payload, &c)
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err = s.notifier.Dispatch(dctx, c)
		cancel()
	}
	if err != nil {
		s.metrics.Notifications.WithLabelValues("error").Inc()
		log.Warn("confirmation notification failed", zap.Int("attempt", rec.Attempts+1), zap.Error(err))
		if merr := s.outbox.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
			log.Error("could not record notification failure", zap.Error(merr))
		}
		return err
	}

	s.metrics.Notifications.WithLabelValues("ok").Inc()
	if err := s.outbox.MarkSent(ctx, rec.ID, s.now()); err != nil {
		log.Warn("notification sent but not marked; it will be sent again", zap.Error(err))
		return err
	}
	return nil
}

// RelayNotifications delivers outbox records that are still pending.
// Records younger than the delivery timeout are skipped while their
// first delivery may still be running.
func (s *PaymentService) RelayNotifications(ctx context.Context, limit int) (sent, failed int, err error) {
	recs, err := s.outbox.FetchPending(ctx, s.now().Add(-notifyTimeout), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch pending notifications: %w", err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		if err := s.deliver(ctx, rec); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed, nil
}

func (s *PaymentService) pendingNotifications(ctx context.Context, limit int) (int, error) {
	recs, err := s.outbox.FetchPending(ctx, s.now().Add(-notifyTimeout), limit)
	return len(recs), err
}

// Wait blocks until in-flight notifications have finished.
func (s *PaymentService) Wait() {
	s.notifications.Wait()
}

// QueryStatus asks the gateway for the state of a payment. It does not
// change anything locally.
func (s *PaymentService) QueryStatus(ctx context.Context, checkoutRequestID string) (result gateway.QueryResult, err error) {
	ctx, span := tracer.Start(ctx, "payment.query")
	span.SetAttributes(attribute.String("payment.checkout_request_id", checkoutRequestID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(checkoutRequestID) == "" {
		return gateway.QueryResult{}, fmt.Errorf("%w: checkoutRequestId is required", ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	return s.gateway.Query(ctx, checkoutRequestID)
}

// GetTransactionStatus reads a payment from the local ledger.
func (s *PaymentService) GetTransactionStatus(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, fmt.Errorf("%w: checkoutRequestId is required", ErrValidation)
	}
	return s.ledger.GetByCheckoutID(ctx, checkoutRequestID)
}

// Reconcile queries the gateway for a payment whose callback is late and,
// if the gateway has decided, applies the answer exactly as a callback.
func (s *PaymentService) Reconcile(ctx context.Context, checkoutRequestID string) (Outcome, error) {
	res, err := s.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		return 0, err
	}
	if !res.Final() {
		return OutcomeStillPending, nil
	}
	return s.HandleCallback(ctx, gateway.Callback{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		ResultCode:        *res.ResultCode,
		ResultDesc:        res.ResultDesc,
	})
}

// FailAbandonedAttempt marks FAILED a PENDING attempt the gateway never
// acknowledged, freeing the order for another payment or for expiry.
// Attempts whose gateway call may still be running are left alone.
func (s *PaymentService) FailAbandonedAttempt(ctx context.Context, t model.PaymentTransaction) error {
	if t.CheckoutRequestID != "" {
		return fmt.Errorf("attempt %s has a checkout request id; reconcile it instead", t.ID)
	}
	if s.mayBeInFlight(t) {
		return errAttemptInFlight
	}
	err := s.ledger.FailAttempt(ctx, t.ID, "gateway never acknowledged the request", s.now())
	if errors.Is(err, repository.ErrAlreadyFinalized) {
		return nil
	}
	return err
}

// mayBeInFlight reports whether the Initiate call that created t could
// still be waiting on the gateway.
func (s *PaymentService) mayBeInFlight(t model.PaymentTransaction) bool {
	return s.now().Before(t.CreatedAt.Add(s.gatewayTimeout + attachGrace))
}

func initiateLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateInFlight):
		return "duplicate"
	case errors.Is(err, gateway.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return "gateway_error"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount), errors.Is(err, gateway.ErrInvalidPayerRef):
		return "invalid"
	default:
		return "error"
	}
}

func failureReason(err error) string {
	if msg := gateway.Message(err); msg != "" {
		return msg
	}
	return err.Error()
}

// shortRef fits an order id into the gateway's 12 character account
// reference.
func shortRef(orderID string) string {
	ref := strings.ReplaceAll(orderID, "-", "")
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return strings.ToUpper(ref)
}
