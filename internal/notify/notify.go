// Package notify triggers confirmation messages once a payment is
// reconciled. Delivery (email rendering, SMS) happens downstream; this
// package only guarantees the trigger.
package notify

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"go.uber.org/zap"
)

// Event types published on the notification topic.
const (
	TypeOrderConfirmed = "order.confirmed"
)

// Confirmation is what a dispatcher needs to tell the buyer their
// tickets are paid for. EventID stays the same across redeliveries so
// consumers can drop duplicates.
type Confirmation struct {
	EventID     string                   `json:"eventId"`
	Order       model.Order              `json:"order"`
	Transaction model.PaymentTransaction `json:"transaction"`
	ConfirmedAt time.Time                `json:"confirmedAt"`
}

// Dispatcher delivers confirmation triggers. Delivery is at least once:
// the same Confirmation may be dispatched again after a failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, c Confirmation) error
}

// LogDispatcher only logs confirmations. It is used when no broker is
// configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the confirmation.
func (d *LogDispatcher) Dispatch(_ context.Context, c Confirmation) error {
	d.logger.Info("order confirmation",
		zap.String("order_id", c.Order.ID),
		zap.String("user_id", c.Order.UserID),
		zap.String("checkout_request_id", c.Transaction.CheckoutRequestID),
		zap.String("receipt", c.Transaction.ReceiptNumber),
		zap.Int64("amount", c.Transaction.Amount),
	)
	return nil
}
