// Package gateway defines the payment gateway contract used by the
// payment service. Provider-specific clients live in subpackages.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGatewayUnavailable is returned when the gateway rejects or cannot
	// serve a request. It is retryable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayTimeout is returned when a gateway call exceeds its deadline.
	ErrGatewayTimeout = errors.New("payment gateway timeout")

	// ErrInvalidPayerRef is returned for payer references the gateway
	// cannot address. It is detected before any network call.
	ErrInvalidPayerRef = errors.New("invalid payer reference")
)

// Error carries the gateway's own human-readable message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the gateway-provided message in err, if any.
func Message(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	return ""
}

// PaymentRequest asks the payer to approve a payment.
type PaymentRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
}

// PaymentResponse is the gateway's acknowledgement of a PaymentRequest.
// The outcome arrives later through a Callback.
type PaymentResponse struct {
	CheckoutRequestID   string `json:"checkoutRequestId"`
	MerchantRequestID   string `json:"merchantRequestId"`
	ResponseCode        string `json:"responseCode"`
	ResponseDescription string `json:"responseDescription"`
	CustomerMessage     string `json:"customerMessage"`
}

// QueryResult is the gateway's synchronous view of a payment.
type QueryResult struct {
	CheckoutRequestID   string `json:"checkoutRequestId"`
	MerchantRequestID   string `json:"merchantRequestId"`
	ResponseCode        string `json:"responseCode"`
	ResponseDescription string `json:"responseDescription"`
	ResultCode          *int   `json:"resultCode,omitempty"`
	ResultDesc          string `json:"resultDesc,omitempty"`
}

// Final reports whether the gateway has decided the payment outcome.
func (q QueryResult) Final() bool {
	return q.ResultCode != nil
}

// Callback is the decoded out-of-band result of a payment.
type Callback struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64
	PhoneNumber       string
	TransactionDate   time.Time
}

// Succeeded reports whether the callback carries a successful result.
func (c Callback) Succeeded() bool {
	return c.ResultCode == 0
}

// Gateway submits payments and answers status queries.
type Gateway interface {
	// NormalizePayerRef returns the canonical form of a payer reference or
	// an error wrapping ErrInvalidPayerRef. It never touches the network.
	NormalizePayerRef(raw string) (string, error)
	Initiate(ctx context.Context, req PaymentRequest) (PaymentResponse, error)
	Query(ctx context.Context, checkoutRequestID string) (QueryResult, error)
}
