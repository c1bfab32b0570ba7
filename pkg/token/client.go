// Package token provides a client for the settlement token gateway:
// allowance and balance queries, approval transaction building, submission,
// and confirmation status.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shieldpool/bounty-cli/internal/resilience"
)

// ErrNotFound indicates an unknown address or transaction.
var ErrNotFound = eris.New("token: not found")

// Transaction status values reported by the gateway.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// UnsignedTx is an approval transaction prepared for the depositor to sign.
type UnsignedTx struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// TxReceipt describes a submitted transaction.
type TxReceipt struct {
	TxHash    string    `json:"tx_hash"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Client defines the token gateway operations. Amounts cross the wire as
// decimal strings; callers convert at the money boundary.
type Client interface {
	// Allowance returns how much spender may currently draw from owner.
	Allowance(ctx context.Context, owner, spender string) (string, error)
	// Balance returns the token balance of an address.
	Balance(ctx context.Context, address string) (string, error)
	// BuildApproval prepares an approval for exactly amount. Never an
	// unlimited allowance.
	BuildApproval(ctx context.Context, spender, amount string) (*UnsignedTx, error)
	// SubmitTransaction broadcasts a signed transaction.
	SubmitTransaction(ctx context.Context, signedTx string) (*TxReceipt, error)
	// TransactionStatus reports the confirmation state of a transaction.
	TransactionStatus(ctx context.Context, txHash string) (string, error)
}

// Option configures the token client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetryConfig overrides the retry policy for read operations.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithRateLimit caps requests per second against the gateway.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
	limiter *rate.Limiter
}

// NewClient creates a token gateway client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry:   resilience.DefaultRetryConfig(),
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Allowance(ctx context.Context, owner, spender string) (string, error) {
	var out struct {
		Allowance string `json:"allowance"`
	}
	path := fmt.Sprintf("/v1/allowances/%s/%s", url.PathEscape(owner), url.PathEscape(spender))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Allowance, nil
}

func (c *httpClient) Balance(ctx context.Context, address string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	path := fmt.Sprintf("/v1/balances/%s", url.PathEscape(address))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

func (c *httpClient) BuildApproval(ctx context.Context, spender, amount string) (*UnsignedTx, error) {
	payload, err := json.Marshal(map[string]string{
		"spender": spender,
		"amount":  amount,
	})
	if err != nil {
		return nil, eris.Wrap(err, "token: marshal approval request")
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/approvals", payload)
	if err != nil {
		return nil, err
	}

	var tx UnsignedTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, eris.Wrap(err, "token: decode unsigned approval")
	}
	return &tx, nil
}

// SubmitTransaction is not wrapped in the retry policy: a broadcast that
// timed out may still be in the mempool.
func (c *httpClient) SubmitTransaction(ctx context.Context, signedTx string) (*TxReceipt, error) {
	payload, err := json.Marshal(map[string]string{"signed_tx": signedTx})
	if err != nil {
		return nil, eris.Wrap(err, "token: marshal submit request")
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/transactions", payload)
	if err != nil {
		return nil, err
	}

	var receipt TxReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, eris.Wrap(err, "token: decode tx receipt")
	}
	return &receipt, nil
}

func (c *httpClient) TransactionStatus(ctx context.Context, txHash string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/v1/transactions/%s", url.PathEscape(txHash))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "token: decode %s", path)
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "token: rate limit wait")
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "token: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "token: %s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "token: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, eris.Wrapf(ErrNotFound, "%s", path)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("token: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, eris.Errorf("token: status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
