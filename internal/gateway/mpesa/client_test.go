package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
	"go.uber.org/zap/zaptest"
)

// fakeDaraja serves the three Daraja endpoints the client uses.
type fakeDaraja struct {
	tokenCalls atomic.Int32
	pushCalls  atomic.Int32

	mu       sync.Mutex
	lastPush stkPushRequest
	lastAuth string

	pushStatus  int
	pushBody    string
	queryStatus int
	queryBody   string
	// unauthorizedOnce makes the first push fail with 401.
	unauthorizedOnce atomic.Bool
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("grant_type"); got != "client_credentials" {
			t.Errorf("expected grant_type client_credentials, got %q", got)
		}
		// Daraja sends expires_in as a string.
		_, _ = w.Write([]byte(`{"access_token":"token-` + string(rune('0'+n)) + `","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		f.pushCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		if f.unauthorizedOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&f.lastPush); err != nil {
			t.Errorf("decode push: %v", err)
		}
		w.WriteHeader(f.pushStatus)
		_, _ = w.Write([]byte(f.pushBody))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.queryStatus)
		_, _ = w.Write([]byte(f.queryBody))
	})
	return mux
}

const acceptedPush = `{
	"MerchantRequestID": "29115-34620561-1",
	"CheckoutRequestID": "ws_CO_191220191020363925",
	"ResponseCode": "0",
	"ResponseDescription": "Success. Request accepted for processing",
	"CustomerMessage": "Success. Request accepted for processing"
}`

func newTestClient(t *testing.T, f *fakeDaraja, now func() time.Time) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/mpesa/callback",
		Timeout:        2 * time.Second,
	}, WithHTTPClient(srv.Client()), WithClock(now), WithLogger(zaptest.NewLogger(t)))
}

func TestClient_Initiate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 6, 30, 15, 0, time.UTC)

	t.Run("sends an STK push", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedPush}
		c := newTestClient(t, f, func() time.Time { return now })

		resp, err := c.Initiate(context.Background(), gateway.PaymentRequest{
			PhoneNumber:      "0712 345 678",
			Amount:           500,
			AccountReference: "ORDER1234567890",
			Description:      "Tickets for the jazz night",
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if resp.CheckoutRequestID != "ws_CO_191220191020363925" || resp.MerchantRequestID != "29115-34620561-1" {
			t.Fatalf("unexpected response: %+v", resp)
		}

		f.mu.Lock()
		p, auth := f.lastPush, f.lastAuth
		f.mu.Unlock()
		if p.PhoneNumber != "254712345678" || p.PartyA != "254712345678" || p.PartyB != "174379" {
			t.Fatalf("unexpected parties: %+v", p)
		}
		// 06:30:15 UTC is 09:30:15 in Nairobi.
		if p.Timestamp != "20260314093015" {
			t.Fatalf("expected Nairobi timestamp, got %s", p.Timestamp)
		}
		wantPassword := base64.StdEncoding.EncodeToString([]byte("174379passkey20260314093015"))
		if p.Password != wantPassword {
			t.Fatalf("expected password %s, got %s", wantPassword, p.Password)
		}
		if p.TransactionType != "CustomerPayBillOnline" || p.Amount != 500 {
			t.Fatalf("unexpected push: %+v", p)
		}
		if p.AccountReference != "ORDER1234567" || p.TransactionDesc != "Tickets for t" {
			t.Fatalf("expected truncated reference and description, got %q %q", p.AccountReference, p.TransactionDesc)
		}
		if auth != "Bearer token-1" {
			t.Fatalf("expected bearer token, got %q", auth)
		}
	})

	t.Run("caches the access token until shortly before expiry", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedPush}
		clock := now
		c := newTestClient(t, f, func() time.Time { return clock })

		req := gateway.PaymentRequest{PhoneNumber: "0712345678", Amount: 1}
		for n := 0; n < 3; n++ {
			if _, err := c.Initiate(context.Background(), req); err != nil {
				t.Fatalf("Initiate: %v", err)
			}
		}
		if got := f.tokenCalls.Load(); got != 1 {
			t.Fatalf("expected 1 token fetch, got %d", got)
		}

		clock = clock.Add(59 * time.Minute)
		if _, err := c.Initiate(context.Background(), req); err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		if got := f.tokenCalls.Load(); got != 2 {
			t.Fatalf("expected token refresh inside the slack window, got %d fetches", got)
		}
	})

	t.Run("retries once with a fresh token on 401", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedPush}
		f.unauthorizedOnce.Store(true)
		c := newTestClient(t, f, func() time.Time { return now })

		if _, err := c.Initiate(context.Background(), gateway.PaymentRequest{PhoneNumber: "0712345678", Amount: 1}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := f.pushCalls.Load(); got != 2 {
			t.Fatalf("expected 2 push attempts, got %d", got)
		}
		if got := f.tokenCalls.Load(); got != 2 {
			t.Fatalf("expected 2 token fetches, got %d", got)
		}
	})

	t.Run("surfaces the gateway error message", func(t *testing.T) {
		f := &fakeDaraja{
			pushStatus: http.StatusBadRequest,
			pushBody:   `{"requestId":"1-2-3","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`,
		}
		c := newTestClient(t, f, func() time.Time { return now })

		_, err := c.Initiate(context.Background(), gateway.PaymentRequest{PhoneNumber: "0712345678", Amount: 1})
		if !errors.Is(err, gateway.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusBadRequest || gwErr.Code != "400.002.02" {
			t.Fatalf("unexpected gateway error: %#v", err)
		}
		if got := gateway.Message(err); got != "Bad Request - Invalid Amount" {
			t.Fatalf("expected gateway message, got %q", got)
		}
	})

	t.Run("non-zero response code is a failure", func(t *testing.T) {
		f := &fakeDaraja{
			pushStatus: http.StatusOK,
			pushBody:   `{"ResponseCode":"1","ResponseDescription":"Unable to lock subscriber"}`,
		}
		c := newTestClient(t, f, func() time.Time { return now })

		_, err := c.Initiate(context.Background(), gateway.PaymentRequest{PhoneNumber: "0712345678", Amount: 1})
		if got := gateway.Message(err); got != "Unable to lock subscriber" {
			t.Fatalf("expected gateway message, got %q (%v)", got, err)
		}
	})

	t.Run("invalid phone never reaches the network", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedPush}
		c := newTestClient(t, f, func() time.Time { return now })

		_, err := c.Initiate(context.Background(), gateway.PaymentRequest{PhoneNumber: "0812345678", Amount: 1})
		if !errors.Is(err, gateway.ErrInvalidPayerRef) {
			t.Fatalf("expected ErrInvalidPayerRef, got %v", err)
		}
		if f.tokenCalls.Load() != 0 || f.pushCalls.Load() != 0 {
			t.Fatalf("expected no requests")
		}
	})

	t.Run("deadline maps to ErrGatewayTimeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		t.Cleanup(srv.Close)
		c := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"},
			WithHTTPClient(srv.Client()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Initiate(ctx, gateway.PaymentRequest{PhoneNumber: "0712345678", Amount: 1})
		if !errors.Is(err, gateway.ErrGatewayTimeout) {
			t.Fatalf("expected ErrGatewayTimeout, got %v", err)
		}
	})
}

func TestClient_Query(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Date(2026, 3, 14, 6, 30, 15, 0, time.UTC) }

	t.Run("final result", func(t *testing.T) {
		f := &fakeDaraja{queryStatus: http.StatusOK, queryBody: `{
			"ResponseCode": "0",
			"ResponseDescription": "The service request has been accepted successsfully",
			"MerchantRequestID": "22205-34066-1",
			"CheckoutRequestID": "ws_CO_13012021093521236557",
			"ResultCode": "1032",
			"ResultDesc": "Request cancelled by user"
		}`}
		c := newTestClient(t, f, now)

		res, err := c.Query(context.Background(), "ws_CO_13012021093521236557")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Final() || *res.ResultCode != 1032 || res.ResultDesc != "Request cancelled by user" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("still processing is not final", func(t *testing.T) {
		f := &fakeDaraja{
			queryStatus: http.StatusInternalServerError,
			queryBody:   `{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
		}
		c := newTestClient(t, f, now)

		res, err := c.Query(context.Background(), "ws_CO_1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Final() {
			t.Fatalf("expected non-final result, got %+v", res)
		}
		if res.CheckoutRequestID != "ws_CO_1" {
			t.Fatalf("expected checkout id echoed, got %q", res.CheckoutRequestID)
		}
	})

	t.Run("other errors are returned", func(t *testing.T) {
		f := &fakeDaraja{
			queryStatus: http.StatusBadRequest,
			queryBody:   `{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid CheckoutRequestID"}`,
		}
		c := newTestClient(t, f, now)

		_, err := c.Query(context.Background(), "bogus")
		if got := gateway.Message(err); got != "Bad Request - Invalid CheckoutRequestID" {
			t.Fatalf("expected gateway message, got %q (%v)", got, err)
		}
	})
}
