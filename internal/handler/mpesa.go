package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway/mpesa"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// PaymentService is the payment behaviour the M-Pesa handlers need.
type PaymentService interface {
	Initiate(ctx context.Context, in service.InitiateInput) (*service.InitiateResult, error)
	HandleCallback(ctx context.Context, cb gateway.Callback) (service.Outcome, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (gateway.QueryResult, error)
	GetTransactionStatus(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error)
}

// PaymentHandler serves the M-Pesa STK push endpoints.
type PaymentHandler struct {
	svc    PaymentService
	logger *zap.Logger
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(svc PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, logger: logger}
}

// Initiate handles POST /mpesa/initiate
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req model.InitiatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.InitiatePaymentResponse{
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	res, err := h.svc.Initiate(r.Context(), service.InitiateInput{
		OrderID:          req.OrderID,
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.TransactionDesc,
	})
	if err != nil {
		writeJSON(w, initiateStatus(err), model.InitiatePaymentResponse{Message: initiateMessage(err)})
		return
	}

	msg := res.CustomerMessage
	if msg == "" {
		msg = "Payment request sent. Check your phone to complete the payment."
	}
	writeJSON(w, http.StatusOK, model.InitiatePaymentResponse{
		Success:           true,
		Message:           msg,
		CheckoutRequestID: res.Transaction.CheckoutRequestID,
		MerchantRequestID: res.Transaction.MerchantRequestID,
	})
}

func initiateStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrDuplicateInFlight), errors.Is(err, service.ErrOrderNotPayable):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, gateway.ErrInvalidPayerRef),
		errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrGatewayTimeout):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func initiateMessage(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "order not found"
	case errors.Is(err, gateway.ErrGatewayTimeout):
		return "payment gateway did not respond in time, please retry"
	}
	if msg := gateway.Message(err); msg != "" {
		return msg
	}
	if initiateStatus(err) == http.StatusInternalServerError {
		return "failed to initiate payment"
	}
	return err.Error()
}

// Callback handles POST /mpesa/callback
// The gateway always gets 200 {"success":true}. Anything else makes it
// retry callbacks that were handled and give up on ones that were not;
// problems are logged and left to the sweeper.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("could not read mpesa callback", zap.Error(err))
		return
	}
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		h.logger.Warn("rejected mpesa callback", zap.Error(err), zap.ByteString("body", body))
		return
	}

	outcome, err := h.svc.HandleCallback(r.Context(), cb)
	if err != nil {
		h.logger.Error("mpesa callback not applied",
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.Error(err),
		)
		return
	}
	h.logger.Debug("mpesa callback handled",
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Stringer("outcome", outcome),
	)
}

// Query handles GET /mpesa/query/{checkoutRequestId}
func (h *PaymentHandler) Query(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.QueryStatus(r.Context(), chi.URLParam(r, "checkoutRequestId"))
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, service.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, gateway.ErrGatewayTimeout):
			status = http.StatusGatewayTimeout
		}
		msg := gateway.Message(err)
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Status handles GET /mpesa/status/{checkoutRequestId}
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTransactionStatus(r.Context(), chi.URLParam(r, "checkoutRequestId"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "transaction not found")
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to get transaction")
		}
		return
	}
	writeJSON(w, http.StatusOK, t)
}
