// Package model defines the core domain types for the ticket reservation system.
package model

import (
	"encoding/json"
	"time"
)

// Event represents a ticketed event and its seat ledger.
// Reserved counts seats held by RESERVED or CONFIRMED orders.
type Event struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Capacity       int       `json:"capacity"`
	Reserved       int       `json:"reserved"`
	PricePerTicket int64     `json:"pricePerTicket"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Remaining returns the number of available seats.
func (e *Event) Remaining() int {
	return e.Capacity - e.Reserved
}

// IsFull returns true when no seats remain.
func (e *Event) IsFull() bool {
	return e.Reserved >= e.Capacity
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderReserved  OrderStatus = "RESERVED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderCancelled
}

// OrderItem is one line of an order.
type OrderItem struct {
	EventID        string `json:"eventId"`
	Quantity       int    `json:"quantity"`
	PricePerTicket int64  `json:"pricePerTicket"`
}

// Order is a seat hold that is later confirmed by payment or cancelled.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId,omitempty"`
	Items       []OrderItem `json:"items"`
	Status      OrderStatus `json:"status"`
	TotalAmount int64       `json:"totalAmount"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Total sums quantity × price over all items.
func (o *Order) Total() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Quantity) * it.PricePerTicket
	}
	return total
}

// TransactionStatus is the lifecycle state of one payment attempt.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// PaymentTransaction records one payment attempt against an order.
// CheckoutRequestID is assigned by the gateway and is empty until the
// gateway accepts the request.
type PaymentTransaction struct {
	ID                string            `json:"id"`
	CheckoutRequestID string            `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string            `json:"merchantRequestId,omitempty"`
	OrderID           string            `json:"orderId"`
	Amount            int64             `json:"amount"`
	PhoneNumber       string            `json:"phoneNumber"`
	Status            TransactionStatus `json:"status"`
	ResultCode        *int              `json:"resultCode,omitempty"`
	ResultDescription string            `json:"resultDescription,omitempty"`
	ReceiptNumber     string            `json:"receiptNumber,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// OutboxRecord is a notification waiting to be delivered. It is written
// in the same database transaction as the state change it announces and
// deleted from the pending set only once a dispatcher accepts it.
type OutboxRecord struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	SentAt    *time.Time      `json:"sentAt,omitempty"`
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Capacity       int    `json:"capacity"`
	PricePerTicket int64  `json:"pricePerTicket"`
}

// CartItem is one requested line of a cart.
type CartItem struct {
	EventID  string `json:"eventId"`
	Quantity int    `json:"quantity"`
}

// CreateOrderRequest is the payload for POST /orders.
type CreateOrderRequest struct {
	UserID    string     `json:"userId,omitempty"`
	CartItems []CartItem `json:"cartItems"`
}

// Shortage explains why one cart item could not be reserved.
type Shortage struct {
	Item      CartItem `json:"item"`
	Reason    string   `json:"reason"`
	Available int      `json:"available"`
}

// Shortage reasons.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonEventNotFound     = "event_not_found"
)

// CreateOrderResponse statuses.
const (
	StatusOK                = "ok"
	StatusInsufficientStock = "insufficient_stock"
)

// CreateOrderResponse is returned by POST /orders. Status is "ok" or
// "insufficient_stock"; stock conflicts are data, not errors.
type CreateOrderResponse struct {
	Status  string     `json:"status"`
	OrderID string     `json:"orderId,omitempty"`
	Order   *Order     `json:"order,omitempty"`
	Details []Shortage `json:"details,omitempty"`
}

// InitiatePaymentRequest is the payload for POST /mpesa/initiate.
type InitiatePaymentRequest struct {
	PhoneNumber      string `json:"phoneNumber"`
	Amount           int64  `json:"amount"`
	OrderID          string `json:"orderId"`
	AccountReference string `json:"accountReference,omitempty"`
	TransactionDesc  string `json:"transactionDesc,omitempty"`
}

// InitiatePaymentResponse is returned by POST /mpesa/initiate.
type InitiatePaymentResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string `json:"merchantRequestId,omitempty"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
