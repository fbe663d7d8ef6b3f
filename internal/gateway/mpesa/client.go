// Package mpesa is a Daraja (M-Pesa Express / STK push) client
// implementing gateway.Gateway.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	// Returned by the query endpoint while the payer has not answered yet.
	stillProcessingCode = "500.001.1001"

	// Tokens are refreshed this long before the gateway says they expire.
	tokenSlack = time.Minute

	maxAccountReference = 12
	maxDescription      = 13
)

var nairobi = time.FixedZone("EAT", 3*60*60)

// Config holds the Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Client talks to the Daraja API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the time source used for passwords and token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          json.Number `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// NormalizePayerRef normalises a Kenyan mobile number.
func (c *Client) NormalizePayerRef(raw string) (string, error) {
	return NormalizePhone(raw)
}

// Initiate sends an STK push prompt to the payer's phone.
func (c *Client) Initiate(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResponse, error) {
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return gateway.PaymentResponse{}, err
	}
	if req.Amount <= 0 {
		return gateway.PaymentResponse{}, fmt.Errorf("initiate: amount must be positive, got %d", req.Amount)
	}

	password, timestamp := c.password()
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, maxAccountReference),
		TransactionDesc:   truncate(req.Description, maxDescription),
	}

	var resp stkPushResponse
	if err := c.post(ctx, stkPath, body, &resp); err != nil {
		return gateway.PaymentResponse{}, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return gateway.PaymentResponse{}, &gateway.Error{
			StatusCode: http.StatusOK,
			Code:       resp.ResponseCode,
			Message:    resp.ResponseDescription,
			Err:        gateway.ErrGatewayUnavailable,
		}
	}

	c.logger.Info("stk push accepted",
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("merchant_request_id", resp.MerchantRequestID),
	)
	return gateway.PaymentResponse{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// Query asks the gateway for the current state of an STK push. A payment
// the payer has not answered yet yields a non-final result, not an error.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (gateway.QueryResult, error) {
	password, timestamp := c.password()
	body := queryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp queryResponse
	err := c.post(ctx, queryPath, body, &resp)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Code == stillProcessingCode {
			return gateway.QueryResult{
				CheckoutRequestID:   checkoutRequestID,
				ResponseDescription: gwErr.Message,
			}, nil
		}
		return gateway.QueryResult{}, err
	}

	out := gateway.QueryResult{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		ResultDesc:          resp.ResultDesc,
	}
	if resp.ResultCode != "" {
		code, err := strconv.Atoi(resp.ResultCode.String())
		if err != nil {
			return gateway.QueryResult{}, fmt.Errorf("query: bad result code %q: %w", resp.ResultCode, err)
		}
		out.ResultCode = &code
	}
	return out, nil
}

// password derives the STK password for the current timestamp.
func (c *Client) password() (string, string) {
	ts := c.now().In(nairobi).Format(timestampLayout)
	raw := c.cfg.ShortCode + c.cfg.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

// post sends an authenticated JSON request. A 401 drops the cached token
// and retries once.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return classify(ctx, err)
		}
		status, raw, err := readBody(resp)
		if err != nil {
			return classify(ctx, err)
		}

		if status == http.StatusUnauthorized && attempt == 0 {
			c.dropToken(token)
			continue
		}
		if status < 200 || status > 299 {
			return decodeError(status, raw)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", gateway.ErrGatewayUnavailable, err)
		}
		return nil
	}
	return &gateway.Error{StatusCode: http.StatusUnauthorized, Message: "unauthorized", Err: gateway.ErrGatewayUnavailable}
}

// accessToken returns the cached OAuth token, fetching a new one when it
// is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(ctx, err)
	}
	status, raw, err := readBody(resp)
	if err != nil {
		return "", classify(ctx, err)
	}
	if status != http.StatusOK {
		return "", decodeError(status, raw)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", &gateway.Error{StatusCode: status, Message: "malformed token response", Err: gateway.ErrGatewayUnavailable}
	}
	ttl, err := tok.ExpiresIn.Int64()
	if err != nil || ttl <= 0 {
		ttl = 3599
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - tokenSlack)
	c.logger.Debug("fetched gateway access token", zap.Int64("expires_in", ttl))
	return c.token, nil
}

func (c *Client) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func readBody(resp *http.Response) (int, []byte, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, raw, err
}

func decodeError(status int, raw []byte) error {
	var e errorResponse
	_ = json.Unmarshal(raw, &e)
	msg := e.ErrorMessage
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &gateway.Error{StatusCode: status, Code: e.ErrorCode, Message: msg, Err: gateway.ErrGatewayUnavailable}
}

// classify maps transport failures onto the gateway error taxonomy.
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", gateway.ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %v", gateway.ErrGatewayUnavailable, err)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
