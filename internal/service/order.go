package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultMaxTicketsPerOrder = 20

// errOutOfStock aborts the reservation transaction. Callers see a
// CreateOrderResult with shortages instead.
var errOutOfStock = errors.New("out of stock")

// OrderService creates and cancels seat reservations.
type OrderService struct {
	tx       TxRunner
	events   Inventory
	orders   OrderStore
	payments PaymentLedger
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now        func() time.Time
	maxTickets int
}

// OrderOption customises an OrderService.
type OrderOption func(*OrderService)

// WithMaxTicketsPerOrder caps the total quantity of one order.
func WithMaxTicketsPerOrder(n int) OrderOption {
	return func(s *OrderService) {
		if n > 0 {
			s.maxTickets = n
		}
	}
}

// WithOrderClock overrides the time source.
func WithOrderClock(now func() time.Time) OrderOption {
	return func(s *OrderService) { s.now = now }
}

// NewOrderService constructs an OrderService with its dependencies.
func NewOrderService(
	tx TxRunner,
	events Inventory,
	orders OrderStore,
	payments PaymentLedger,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...OrderOption,
) *OrderService {
	s := &OrderService{
		tx:         tx,
		events:     events,
		orders:     orders,
		payments:   payments,
		logger:     logger,
		metrics:    m,
		now:        utcNow,
		maxTickets: defaultMaxTicketsPerOrder,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrderResult is either a RESERVED order or the list of items that
// could not be reserved.
type CreateOrderResult struct {
	Order     *model.Order
	Shortages []model.Shortage
}

// OK reports whether the order was created.
func (r *CreateOrderResult) OK() bool {
	return r.Order != nil
}

// CreateOrder reserves seats for every cart item and records a RESERVED
// order. Reservation is all-or-nothing: all items are reserved inside one
// transaction, so a shortage on any item rolls back the others. Items are
// reserved in event id order to keep row lock order stable across
// concurrent orders.
func (s *OrderService) CreateOrder(ctx context.Context, req model.CreateOrderRequest) (result *CreateOrderResult, err error) {
	ctx, span := tracer.Start(ctx, "order.create")
	defer func() { endSpan(span, err) }()

	items, err := s.normalizeCart(req.CartItems)
	if err != nil {
		s.metrics.Reservations.WithLabelValues("invalid").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.Int("order.items", len(items)))

	lockOrder := make([]model.CartItem, len(items))
	copy(lockOrder, items)
	sort.Slice(lockOrder, func(i, j int) bool { return lockOrder[i].EventID < lockOrder[j].EventID })

	now := s.now()
	order := &model.Order{
		ID:        newID(),
		UserID:    strings.TrimSpace(req.UserID),
		Status:    model.OrderReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var failed model.CartItem
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		prices := make(map[string]int64, len(items))
		for _, it := range lockOrder {
			ev, err := s.events.Reserve(ctx, it.EventID, it.Quantity)
			if err != nil {
				if errors.Is(err, repository.ErrCapacityExceeded) || errors.Is(err, repository.ErrNotFound) {
					failed = it
					return errOutOfStock
				}
				return fmt.Errorf("reserve %s: %w", it.EventID, err)
			}
			prices[it.EventID] = ev.PricePerTicket
		}

		order.Items = make([]model.OrderItem, 0, len(items))
		for _, it := range items {
			order.Items = append(order.Items, model.OrderItem{
				EventID:        it.EventID,
				Quantity:       it.Quantity,
				PricePerTicket: prices[it.EventID],
			})
		}
		order.TotalAmount = order.Total()
		return s.orders.Create(ctx, order)
	})

	switch {
	case errors.Is(err, errOutOfStock):
		shortages, err := s.shortages(ctx, items, failed)
		if err != nil {
			s.metrics.Reservations.WithLabelValues("error").Inc()
			return nil, err
		}
		s.metrics.Reservations.WithLabelValues("insufficient_stock").Inc()
		s.logger.Info("order rejected: insufficient stock",
			zap.String("user_id", order.UserID),
			zap.Int("short_items", len(shortages)),
		)
		return &CreateOrderResult{Shortages: shortages}, nil
	case err != nil:
		s.metrics.Reservations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.Reservations.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order reserved",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int64("total_amount", order.TotalAmount),
	)
	return &CreateOrderResult{Order: order}, nil
}

// normalizeCart validates the cart and merges repeated events, keeping
// first-seen order.
func (s *OrderService) normalizeCart(cart []model.CartItem) ([]model.CartItem, error) {
	if len(cart) == 0 {
		return nil, fmt.Errorf("%w: cartItems must not be empty", ErrValidation)
	}

	index := make(map[string]int, len(cart))
	items := make([]model.CartItem, 0, len(cart))
	total := 0
	for i, it := range cart {
		id := strings.TrimSpace(it.EventID)
		if id == "" {
			return nil, fmt.Errorf("%w: cartItems[%d].eventId is required", ErrValidation, i)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: cartItems[%d].quantity must be greater than zero", ErrValidation, i)
		}
		total += it.Quantity
		if pos, ok := index[id]; ok {
			items[pos].Quantity += it.Quantity
			continue
		}
		index[id] = len(items)
		items = append(items, model.CartItem{EventID: id, Quantity: it.Quantity})
	}
	if total > s.maxTickets {
		return nil, fmt.Errorf("%w: at most %d tickets per order", ErrValidation, s.maxTickets)
	}
	return items, nil
}

// shortages reports current availability for every item that cannot be
// served, always including the item that failed inside the transaction.
func (s *OrderService) shortages(ctx context.Context, items []model.CartItem, failed model.CartItem) ([]model.Shortage, error) {
	var out []model.Shortage
	for _, it := range items {
		ev, err := s.events.GetByID(ctx, it.EventID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			out = append(out, model.Shortage{Item: it, Reason: model.ReasonEventNotFound})
		case err != nil:
			return nil, fmt.Errorf("check availability: %w", err)
		case ev.Remaining() < it.Quantity || it.EventID == failed.EventID:
			out = append(out, model.Shortage{
				Item:      it,
				Reason:    model.ReasonInsufficientStock,
				Available: max(ev.Remaining(), 0),
			})
		}
	}
	return out, nil
}

// GetOrder returns a single order by ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	return s.orders.GetByID(ctx, id)
}

// CancelOrder releases the seats of a RESERVED order and marks it
// CANCELLED. Orders with a payment still in progress cannot be cancelled.
func (s *OrderService) CancelOrder(ctx context.Context, id, reason string) (order *model.Order, err error) {
	ctx, span := tracer.Start(ctx, "order.cancel")
	span.SetAttributes(attribute.String("order.id", id))
	defer func() { endSpan(span, err) }()

	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != model.OrderReserved {
			return repository.ErrInvalidTransition
		}

		attempts, err := s.payments.ListByOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		for _, t := range attempts {
			switch t.Status {
			case model.TransactionPending:
				return ErrPaymentInFlight
			case model.TransactionCompleted:
				return repository.ErrInvalidTransition
			}
		}

		if err := s.cancelReserved(ctx, o, reason); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled", zap.String("order_id", id), zap.String("reason", reason))
	return order, nil
}

// cancelReserved releases every item of o and moves it to CANCELLED. The
// caller must hold o's row lock inside a transaction. Seats are released
// in event id order, the order CreateOrder reserves them in.
func (s *OrderService) cancelReserved(ctx context.Context, o *model.Order, reason string) error {
	items := make([]model.OrderItem, len(o.Items))
	copy(items, o.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].EventID < items[j].EventID })

	for _, it := range items {
		if err := s.events.Release(ctx, it.EventID, it.Quantity); err != nil {
			return fmt.Errorf("release %s: %w", it.EventID, err)
		}
	}
	now := s.now()
	if err := s.orders.Transition(ctx, o.ID, model.OrderReserved, model.OrderCancelled, reason, now); err != nil {
		return err
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = now
	return nil
}

// CancelStaleOrders cancels RESERVED orders older than ttl that never got
// a PENDING or COMPLETED payment. Orders that change state concurrently
// are skipped. It returns the number of orders cancelled.
func (s *OrderService) CancelStaleOrders(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	ids, err := s.orders.ListStaleReserved(ctx, s.now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, id := range ids {
		_, err := s.CancelOrder(ctx, id, "reservation expired")
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, ErrPaymentInFlight):
			s.logger.Debug("stale order changed state, skipping", zap.String("order_id", id))
		default:
			return cancelled, fmt.Errorf("cancel stale order %s: %w", id, err)
		}
	}
	return cancelled, nil
}
