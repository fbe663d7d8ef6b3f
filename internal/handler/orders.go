package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/service"
	"github.com/go-chi/chi/v5"
)

// OrderService is the order behaviour the order handlers need.
type OrderService interface {
	CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CancelOrder(ctx context.Context, id, reason string) (*model.Order, error)
}

// OrderHandler serves cart submission and order lookups.
type OrderHandler struct {
	svc OrderService
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(svc OrderService) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// CreateOrder handles POST /orders
// Running out of stock is a normal outcome and is reported with 200 and
// status "insufficient_stock".
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.CreateOrder(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	if !res.OK() {
		writeJSON(w, http.StatusOK, model.CreateOrderResponse{
			Status:  model.StatusInsufficientStock,
			Details: res.Shortages,
		})
		return
	}
	writeJSON(w, http.StatusOK, model.CreateOrderResponse{
		Status:  model.StatusOK,
		OrderID: res.Order.ID,
		Order:   res.Order,
	})
}

// GetOrder handles GET /orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /orders/{id}/cancel
// The body is optional.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	order, err := h.svc.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, repository.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order can no longer be cancelled")
		case errors.Is(err, service.ErrPaymentInFlight):
			writeError(w, http.StatusConflict, "a payment for this order is in progress")
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to cancel order")
		}
		return
	}
	writeJSON(w, http.StatusOK, order)
}
