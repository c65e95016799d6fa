package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	timestampLayout        = "20060102150405"
	transactionTypePayBill = "CustomerPayBillOnline"

	// DefaultTimeout bounds every gateway round trip.
	DefaultTimeout = 20 * time.Second
)

// gateway timestamps are East Africa Time
var eat = time.FixedZone("EAT", 3*60*60)

// TokenProvider supplies bearer tokens for gateway calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the merchant settings the client signs requests with.
type Config struct {
	BaseURL          string
	ShortCode        string
	PassKey          string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
}

// Client is a thin STK push protocol client. It performs no retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     TokenProvider
	nowFunc    func() time.Time
}

// NewClient returns a Client. A nil httpClient gets DefaultTimeout.
func NewClient(cfg Config, httpClient *http.Client, tokens TokenProvider) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		nowFunc:    time.Now,
	}
}

// WithClock replaces the time source used for request timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.nowFunc = now
	return c
}

// Password returns base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (c *Client) sign() (password, timestamp string) {
	timestamp = c.nowFunc().In(eat).Format(timestampLayout)
	return Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp), timestamp
}

// InitiatePush sends an STK push prompt to the payer's phone.
func (c *Client) InitiatePush(ctx context.Context, req PushRequest) (PushResult, error) {
	if req.Amount <= 0 {
		return PushResult{}, &GatewayError{Kind: KindRejected, Message: fmt.Sprintf("amount must be a positive integer, got %d", req.Amount)}
	}
	ref := req.Reference
	if ref == "" {
		ref = c.cfg.AccountReference
	}
	desc := req.Description
	if desc == "" {
		desc = c.cfg.TransactionDesc
	}

	password, timestamp := c.sign()
	payload := pushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  ref,
		TransactionDesc:   desc,
	}

	log.Printf("[mpesa] stk push phone=%s amount=%d ref=%s", req.Phone, req.Amount, ref)
	resp, err := c.post(ctx, pushPath, payload)
	if err != nil {
		return PushResult{}, err
	}

	code := rawString(resp.ResponseCode)
	if code != ResultCodeSuccess || resp.CheckoutRequestID == "" {
		msg := firstNonEmpty(resp.CustomerMessage, resp.ErrorMessage, resp.ResponseDescription, "Unknown error")
		return PushResult{}, &GatewayError{Kind: KindRejected, Code: firstNonEmpty(code, resp.ErrorCode), Message: msg}
	}
	return PushResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the gateway for the state of a previously initiated push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (QueryResult, error) {
	password, timestamp := c.sign()
	payload := queryPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	resp, err := c.post(ctx, queryPath, payload)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{
		CheckoutRequestID: firstNonEmpty(resp.CheckoutRequestID, checkoutRequestID),
		ResponseCode:      rawString(resp.ResponseCode),
		ResultCode:        rawString(resp.ResultCode),
		ResultDesc:        resp.ResultDesc,
	}, nil
}

// post sends payload and converts every failure into a *GatewayError.
func (c *Client) post(ctx context.Context, path string, payload any) (*gatewayResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingCredentials) {
			return nil, err
		}
		return nil, &GatewayError{Kind: KindTransient, Message: "token unavailable", Err: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Kind: KindTransient, StatusCode: httpResp.StatusCode, Message: "read response", Err: err}
	}
	log.Printf("[mpesa] %s -> %d %s", path, httpResp.StatusCode, strings.TrimSpace(string(raw)))

	var resp gatewayResponse
	decodeErr := json.Unmarshal(raw, &resp)

	switch {
	case httpResp.StatusCode >= 500:
		return nil, &GatewayError{
			Kind:       KindTransient,
			StatusCode: httpResp.StatusCode,
			Code:       resp.ErrorCode,
			Message:    firstNonEmpty(resp.ErrorMessage, http.StatusText(httpResp.StatusCode)),
		}
	case httpResp.StatusCode >= 400:
		if httpResp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		return nil, &GatewayError{
			Kind:       KindRejected,
			StatusCode: httpResp.StatusCode,
			Code:       resp.ErrorCode,
			Message:    firstNonEmpty(resp.ErrorMessage, http.StatusText(httpResp.StatusCode)),
		}
	case decodeErr != nil:
		return nil, &GatewayError{Kind: KindTransient, StatusCode: httpResp.StatusCode, Message: "undecodable response", Err: decodeErr}
	}
	return &resp, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
