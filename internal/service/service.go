// Package service implements business logic, validation, and orchestration
// between HTTP handlers, the repository layer and the payment gateway.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/ticket-reservations/internal/service")

var (
	// ErrValidation wraps every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned when a payment amount is not positive or
	// does not match the order total.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrDuplicateInFlight is returned when an order already has a PENDING
	// payment; the caller should poll that payment instead.
	ErrDuplicateInFlight = errors.New("a payment for this order is already in progress")

	// ErrOrderNotPayable is returned when payment is requested for an order
	// that is no longer RESERVED.
	ErrOrderNotPayable = errors.New("order is not awaiting payment")

	// ErrPaymentInFlight is returned when cancelling an order whose payment
	// has not been reconciled yet.
	ErrPaymentInFlight = errors.New("order has a payment in progress")
)

// TxRunner runs fn inside one storage transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Inventory is the event seat ledger.
type Inventory interface {
	Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error)
	List(ctx context.Context) ([]model.Event, error)
	GetByID(ctx context.Context, id string) (*model.Event, error)
	Reserve(ctx context.Context, eventID string, quantity int) (*model.Event, error)
	Release(ctx context.Context, eventID string, quantity int) error
}

// OrderStore persists orders.
type OrderStore interface {
	Create(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	GetForUpdate(ctx context.Context, id string) (*model.Order, error)
	Transition(ctx context.Context, id string, from, to model.OrderStatus, reason string, at time.Time) error
	ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// PaymentLedger persists payment attempts.
type PaymentLedger interface {
	CreatePending(ctx context.Context, t *model.PaymentTransaction) error
	AttachCheckout(ctx context.Context, id, checkoutRequestID, merchantRequestID string, at time.Time) error
	RecordLateCheckout(ctx context.Context, id, checkoutRequestID, merchantRequestID string, at time.Time) error
	FailAttempt(ctx context.Context, id, reason string, at time.Time) error
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error)
	GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error)
	Finalize(ctx context.Context, checkoutRequestID string, status model.TransactionStatus, resultCode int, description, receipt string, at time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]model.PaymentTransaction, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentTransaction, error)
}

// NotificationOutbox holds notifications until they are delivered.
type NotificationOutbox interface {
	Enqueue(ctx context.Context, rec *model.OutboxRecord) error
	FetchPending(ctx context.Context, cutoff time.Time, limit int) ([]model.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

func newID() string {
	return uuid.NewString()
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// endSpan records err on span before ending it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
