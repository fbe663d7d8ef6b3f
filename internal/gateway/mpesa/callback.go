package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
)

// ErrMalformedCallback is returned when a callback body cannot be decoded
// or lacks a CheckoutRequestID.
var ErrMalformedCallback = errors.New("malformed mpesa callback")

type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Metadata values are numbers or strings depending on the field.
type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

func (m metadataItem) text() string {
	if len(m.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(m.Value))
}

// ParseCallback decodes an STK push result callback.
func ParseCallback(body []byte) (gateway.Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return gateway.Callback{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := strconv.Atoi(stk.ResultCode.String())
	if err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: bad ResultCode %q", ErrMalformedCallback, stk.ResultCode)
	}

	cb := gateway.Callback{
		CheckoutRequestID: stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata == nil {
		return cb, nil
	}

	for _, item := range stk.CallbackMetadata.Item {
		v := item.text()
		switch item.Name {
		case "MpesaReceiptNumber":
			cb.ReceiptNumber = v
		case "Amount":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cb.Amount = int64(f)
			}
		case "PhoneNumber":
			cb.PhoneNumber = v
		case "TransactionDate":
			if t, err := time.ParseInLocation(timestampLayout, v, nairobi); err == nil {
				cb.TransactionDate = t
			}
		}
	}
	return cb, nil
}
